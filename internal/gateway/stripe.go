package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/safar/bookstore-fulfillment/internal/fulfillment"
	"github.com/safar/bookstore-fulfillment/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	checkoutsession "github.com/stripe/stripe-go/v78/checkout/session"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// Stripe event types the adapter understands.
const (
	eventSessionCompleted      = "checkout.session.completed"
	eventSessionAsyncSucceeded = "checkout.session.async_payment_succeeded"
	eventSessionAsyncFailed    = "checkout.session.async_payment_failed"
	eventSessionExpired        = "checkout.session.expired"
	eventIntentSucceeded       = "payment_intent.succeeded"
	eventIntentFailed          = "payment_intent.payment_failed"
	eventIntentCanceled        = "payment_intent.canceled"
)

const metadataUserID = "user_id"

var (
	// ErrIgnoredEvent is returned for verified events that carry nothing for
	// the fulfillment core.
	ErrIgnoredEvent   = errors.New("stripe: event ignored")
	ErrSessionNotPaid = errors.New("stripe: checkout session is not paid")
	ErrInvalidPayload = errors.New("stripe: invalid webhook payload")
)

type sessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// intentLookup finds the checkout session that created a payment intent.
// An empty id means the intent was not created by a hosted session.
type intentLookup interface {
	SessionForIntent(ctx context.Context, intentID string) (string, error)
}

type sessionLister struct {
	sessions *checkoutsession.Client
}

func (l sessionLister) SessionForIntent(ctx context.Context, intentID string) (string, error) {
	params := &stripe.CheckoutSessionListParams{PaymentIntent: stripe.String(intentID)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	it := l.sessions.List(params)
	if it.Next() {
		return it.CheckoutSession().ID, nil
	}
	if err := it.Err(); err != nil {
		return "", fmt.Errorf("stripe: list sessions for intent %s: %w", intentID, err)
	}
	return "", nil
}

type Config struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
}

// CheckoutSession is the part of a hosted session the client needs to
// redirect the user.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type Stripe struct {
	sessions      sessionAPI
	intents       intentLookup
	webhookSecret string
	currency      string
}

func NewStripe(cfg Config) (*Stripe, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, errors.New("stripe: secret key is required")
	}
	sc := client.New(key, nil)
	return newStripe(sc.CheckoutSessions, sessionLister{sessions: sc.CheckoutSessions}, cfg), nil
}

func newStripe(sessions sessionAPI, intents intentLookup, cfg Config) *Stripe {
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &Stripe{
		sessions:      sessions,
		intents:       intents,
		webhookSecret: cfg.WebhookSecret,
		currency:      currency,
	}
}

// ParseWebhook verifies the Stripe-Signature header and translates the event.
// The returned event id is the gateway's delivery id, used for redelivery
// de-duplication. Payment intent events are resolved to their checkout session,
// which needs a gateway call.
func (s *Stripe) ParseWebhook(ctx context.Context, payload []byte, signature string) (*fulfillment.Event, string, error) {
	if signature == "" {
		return nil, "", fmt.Errorf("%w: signature missing", ErrInvalidPayload)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: verify signature: %v", ErrInvalidPayload, err)
	}
	if event.Data == nil {
		return nil, event.ID, fmt.Errorf("%w: event data missing", ErrInvalidPayload)
	}

	ev, err := s.translate(ctx, string(event.Type), event.Data.Raw)
	if err != nil {
		return nil, event.ID, err
	}
	ev.Source = fulfillment.SourceWebhook
	return ev, event.ID, nil
}

func (s *Stripe) translate(ctx context.Context, eventType string, raw json.RawMessage) (*fulfillment.Event, error) {
	switch eventType {
	case eventSessionCompleted, eventSessionAsyncSucceeded, eventSessionAsyncFailed, eventSessionExpired:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, fmt.Errorf("%w: decode checkout session: %v", ErrInvalidPayload, err)
		}
		return sessionEvent(eventType, &session)
	case eventIntentSucceeded, eventIntentFailed, eventIntentCanceled:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(raw, &intent); err != nil {
			return nil, fmt.Errorf("%w: decode payment intent: %v", ErrInvalidPayload, err)
		}
		if intent.ID == "" {
			return nil, fmt.Errorf("%w: payment intent id missing", ErrInvalidPayload)
		}
		reference, err := s.intents.SessionForIntent(ctx, intent.ID)
		if err != nil {
			return nil, err
		}
		if reference == "" {
			return nil, ErrIgnoredEvent
		}
		kind := fulfillment.KindPaymentSucceeded
		switch eventType {
		case eventIntentFailed:
			kind = fulfillment.KindPaymentFailed
		case eventIntentCanceled:
			kind = fulfillment.KindPaymentCanceled
		}
		return &fulfillment.Event{Kind: kind, Reference: reference}, nil
	default:
		return nil, ErrIgnoredEvent
	}
}

func sessionEvent(eventType string, session *stripe.CheckoutSession) (*fulfillment.Event, error) {
	switch eventType {
	case eventSessionCompleted:
		// Delayed payment methods complete the session unpaid; the async
		// succeeded event follows once funds are captured.
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return nil, ErrIgnoredEvent
		}
		return completedEvent(session), nil
	case eventSessionAsyncSucceeded:
		return completedEvent(session), nil
	case eventSessionAsyncFailed:
		return &fulfillment.Event{Kind: fulfillment.KindPaymentFailed, Reference: session.ID}, nil
	default:
		return &fulfillment.Event{Kind: fulfillment.KindPaymentCanceled, Reference: session.ID}, nil
	}
}

func completedEvent(session *stripe.CheckoutSession) *fulfillment.Event {
	return &fulfillment.Event{
		Kind:      fulfillment.KindSessionCompleted,
		Reference: session.ID,
		UserID:    sessionUserID(session),
		Amount:    decimal.New(session.AmountTotal, -2),
	}
}

func sessionUserID(session *stripe.CheckoutSession) string {
	if id := strings.TrimSpace(session.ClientReferenceID); id != "" {
		return id
	}
	return strings.TrimSpace(session.Metadata[metadataUserID])
}

// SessionEvent retrieves a hosted session for the client-verify trigger. Only
// a paid session yields a session-completed event.
func (s *Stripe) SessionEvent(ctx context.Context, sessionID string) (*fulfillment.Event, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	session, err := s.sessions.Get(sessionID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: get checkout session %s: %w", sessionID, err)
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, ErrSessionNotPaid
	}

	ev := completedEvent(session)
	ev.Source = fulfillment.SourceClientVerify
	return ev, nil
}

// CreateCheckoutSession opens a hosted payment session priced from the cart.
// The session id becomes the payment reference on fulfillment.
func (s *Stripe) CreateCheckoutSession(ctx context.Context, cart *models.Cart, successURL, cancelURL string) (*CheckoutSession, error) {
	if cart == nil || cart.IsEmpty() {
		return nil, fulfillment.ErrEmptyCart
	}

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(cart.Items))
	for _, item := range cart.Items {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(int64(item.Quantity)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(s.currency),
				UnitAmount: stripe.Int64(toMinorUnits(item.Price)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(item.Title),
					Description: stripe.String(fmt.Sprintf("%s (ISBN %s)", item.Author, item.ISBN)),
				},
			},
		})
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(cart.UserID),
		LineItems:         lineItems,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{metadataUserID: cart.UserID},
		},
	}
	params.AddMetadata(metadataUserID, cart.UserID)
	params.Context = ctx

	session, err := s.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func toMinorUnits(price decimal.Decimal) int64 {
	return price.Shift(2).Round(0).IntPart()
}
