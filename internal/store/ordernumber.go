package store

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/safar/bookstore-fulfillment/internal/database"
)

const (
	orderNumberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	orderNumberSuffix   = 6
	orderNumberAttempts = 5
)

// NewOrderNumber formats ORD-YYYYMMDD-XXXXXX using the UTC date of now and
// six characters drawn from r.
func NewOrderNumber(now time.Time, r io.Reader) (string, error) {
	buf := make([]byte, orderNumberSuffix)
	suffix := make([]byte, orderNumberSuffix)

	// Rejection sampling keeps the alphabet uniform.
	limit := byte(256 - 256%len(orderNumberAlphabet))
	for i := 0; i < orderNumberSuffix; {
		if _, err := io.ReadFull(r, buf[:1]); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		if buf[0] >= limit {
			continue
		}
		suffix[i] = orderNumberAlphabet[int(buf[0])%len(orderNumberAlphabet)]
		i++
	}

	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102"), suffix), nil
}

// AllocateOrderNumber returns a number not yet present in orders. The unique
// constraint on order_number still guards against a concurrent insert.
func AllocateOrderNumber(ctx context.Context, q database.Querier, now time.Time) (string, error) {
	return allocateOrderNumber(ctx, q, now, rand.Reader)
}

func allocateOrderNumber(ctx context.Context, q database.Querier, now time.Time, r io.Reader) (string, error) {
	for attempt := 0; attempt < orderNumberAttempts; attempt++ {
		candidate, err := NewOrderNumber(now, r)
		if err != nil {
			return "", err
		}

		var exists bool
		err = q.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM orders WHERE order_number = $1)`,
			candidate).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("check order number: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}

	return "", database.ErrOrderNumberExhausted
}
