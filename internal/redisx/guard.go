package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DedupStore is the subset of Redis used by EventGuard.
type DedupStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Marker values stored under a dedup key.
const (
	markPending = "pending"
	markDone    = "done"
)

// EventGuard drops gateway redeliveries of an event that is being or has
// been processed. It only saves work; a nil guard lets every event through.
//
// A fresh mark lives for the pending TTL only, so a delivery whose handler
// died or could not release the key is retried once it lapses. Done extends
// the mark to the full TTL.
type EventGuard struct {
	store      DedupStore
	pendingTTL time.Duration
	ttl        time.Duration
	scope      string
}

func NewEventGuard(store DedupStore, scope string, pendingTTL, ttl time.Duration) (*EventGuard, error) {
	if store == nil {
		return nil, errors.New("dedup store is required")
	}
	if pendingTTL <= 0 || ttl <= 0 {
		return nil, errors.New("ttls must be positive")
	}
	if pendingTTL > ttl {
		return nil, errors.New("pending ttl must not exceed ttl")
	}
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	return &EventGuard{store: store, pendingTTL: pendingTTL, ttl: ttl, scope: scope}, nil
}

// CheckAndMark reports whether eventID was already seen, marking it pending if not.
func (g *EventGuard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	if g == nil {
		return false, nil
	}
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	set, err := g.store.SetNX(ctx, DedupKey(g.scope, eventID), markPending, g.pendingTTL)
	if err != nil {
		return false, fmt.Errorf("set dedup key: %w", err)
	}
	return !set, nil
}

// Delete forgets eventID so the gateway's next delivery is processed.
func (g *EventGuard) Delete(ctx context.Context, eventID string) error {
	if g == nil {
		return nil
	}
	if eventID == "" {
		return errors.New("event id is required")
	}
	return g.store.Del(ctx, DedupKey(g.scope, eventID))
}

// Done records that eventID was handled for good.
func (g *EventGuard) Done(ctx context.Context, eventID string) error {
	if g == nil {
		return nil
	}
	if eventID == "" {
		return errors.New("event id is required")
	}
	if err := g.store.Set(ctx, DedupKey(g.scope, eventID), markDone, g.ttl); err != nil {
		return fmt.Errorf("set dedup key done: %w", err)
	}
	return nil
}
