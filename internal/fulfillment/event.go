package fulfillment

import (
	"errors"
	"fmt"

	"github.com/safar/bookstore-fulfillment/internal/database"
	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindSessionCompleted Kind = "session-completed"
	KindPaymentSucceeded Kind = "payment-succeeded"
	KindPaymentFailed    Kind = "payment-failed"
	KindPaymentCanceled  Kind = "payment-canceled"
)

// Source names the trigger that delivered an event. It is used for logs and
// metrics only.
type Source string

const (
	SourceWebhook      Source = "webhook"
	SourceClientVerify Source = "client-verify"
)

// Event is a gateway notification translated into local terms. Reference is
// the external payment reference that makes fulfillment idempotent.
type Event struct {
	Kind      Kind
	Reference string
	UserID    string
	Amount    decimal.Decimal
	Source    Source
}

func (e Event) Validate() error {
	if e.Reference == "" {
		return fmt.Errorf("%w: missing payment reference", ErrInvalidEvent)
	}
	switch e.Kind {
	case KindSessionCompleted:
		if e.UserID == "" {
			return fmt.Errorf("%w: missing user id", ErrInvalidEvent)
		}
		if e.Amount.IsNegative() {
			return fmt.Errorf("%w: negative amount", ErrInvalidEvent)
		}
	case KindPaymentSucceeded, KindPaymentFailed, KindPaymentCanceled:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

var (
	ErrEmptyCart    = errors.New("cart is empty")
	ErrInvalidEvent = errors.New("invalid gateway event")
)

// IsTerminal reports whether redelivering the same event can never succeed.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrEmptyCart) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, database.ErrInsufficientInventory) ||
		errors.Is(err, database.ErrNotFound)
}
