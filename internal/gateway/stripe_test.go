package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/safar/bookstore-fulfillment/internal/fulfillment"
	"github.com/safar/bookstore-fulfillment/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"
)

const testWebhookSecret = "whsec_test"

type fakeSessions struct {
	created *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
}

func (f *fakeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.created = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{ID: "cs_new", URL: "https://checkout.stripe.test/cs_new"}, nil
}

func (f *fakeSessions) Get(id string, _ *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

// fakeIntents maps payment intent ids to the sessions that created them.
type fakeIntents struct {
	sessions map[string]string
	err      error
}

func (f *fakeIntents) SessionForIntent(_ context.Context, intentID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.sessions[intentID], nil
}

func newTestStripe(sessions sessionAPI) *Stripe {
	return newStripe(sessions, &fakeIntents{sessions: map[string]string{
		"pi_1": "cs_6",
		"pi_2": "cs_7",
		"pi_3": "cs_8",
	}}, Config{WebhookSecret: testWebhookSecret})
}

func sign(t *testing.T, payload []byte) string {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","type":%q,"api_version":"2020-08-27","data":{"object":%s}}`, eventType, object))
}

func TestParseWebhook_SessionCompletedPaid(t *testing.T) {
	s := newTestStripe(&fakeSessions{})
	payload := eventPayload(eventSessionCompleted,
		`{"id":"cs_1","object":"checkout.session","amount_total":2550,"client_reference_id":"user-1","payment_status":"paid"}`)

	ev, eventID, err := s.ParseWebhook(context.Background(), payload, sign(t, payload))
	require.NoError(t, err)
	require.Equal(t, "evt_1", eventID)
	require.Equal(t, fulfillment.KindSessionCompleted, ev.Kind)
	require.Equal(t, "cs_1", ev.Reference)
	require.Equal(t, "user-1", ev.UserID)
	require.True(t, ev.Amount.Equal(decimal.RequireFromString("25.50")))
	require.Equal(t, fulfillment.SourceWebhook, ev.Source)
}

func TestParseWebhook_UserFromMetadata(t *testing.T) {
	s := newTestStripe(&fakeSessions{})
	payload := eventPayload(eventSessionAsyncSucceeded,
		`{"id":"cs_2","object":"checkout.session","amount_total":1000,"metadata":{"user_id":"user-2"},"payment_status":"paid"}`)

	ev, _, err := s.ParseWebhook(context.Background(), payload, sign(t, payload))
	require.NoError(t, err)
	require.Equal(t, fulfillment.KindSessionCompleted, ev.Kind)
	require.Equal(t, "user-2", ev.UserID)
}

func TestParseWebhook_UnpaidCompletionIgnored(t *testing.T) {
	s := newTestStripe(&fakeSessions{})
	payload := eventPayload(eventSessionCompleted,
		`{"id":"cs_3","object":"checkout.session","amount_total":1000,"client_reference_id":"user-1","payment_status":"unpaid"}`)

	_, eventID, err := s.ParseWebhook(context.Background(), payload, sign(t, payload))
	require.ErrorIs(t, err, ErrIgnoredEvent)
	require.Equal(t, "evt_1", eventID)
}

func TestParseWebhook_FailureKinds(t *testing.T) {
	cases := []struct {
		eventType string
		object    string
		kind      fulfillment.Kind
		reference string
	}{
		{eventSessionAsyncFailed, `{"id":"cs_4","object":"checkout.session"}`, fulfillment.KindPaymentFailed, "cs_4"},
		{eventSessionExpired, `{"id":"cs_5","object":"checkout.session"}`, fulfillment.KindPaymentCanceled, "cs_5"},
		{eventIntentSucceeded, `{"id":"pi_1","object":"payment_intent","metadata":{"user_id":"user-1"}}`, fulfillment.KindPaymentSucceeded, "cs_6"},
		{eventIntentFailed, `{"id":"pi_2","object":"payment_intent"}`, fulfillment.KindPaymentFailed, "cs_7"},
		{eventIntentCanceled, `{"id":"pi_3","object":"payment_intent"}`, fulfillment.KindPaymentCanceled, "cs_8"},
	}

	s := newTestStripe(&fakeSessions{})
	for _, tc := range cases {
		t.Run(tc.eventType, func(t *testing.T) {
			payload := eventPayload(tc.eventType, tc.object)
			ev, _, err := s.ParseWebhook(context.Background(), payload, sign(t, payload))
			require.NoError(t, err)
			require.Equal(t, tc.kind, ev.Kind)
			require.Equal(t, tc.reference, ev.Reference)
		})
	}
}

func TestParseWebhook_IntentWithoutSessionIgnored(t *testing.T) {
	s := newTestStripe(&fakeSessions{})
	payload := eventPayload(eventIntentSucceeded, `{"id":"pi_9","object":"payment_intent"}`)

	_, _, err := s.ParseWebhook(context.Background(), payload, sign(t, payload))
	require.ErrorIs(t, err, ErrIgnoredEvent)
}

func TestParseWebhook_IntentLookupFailureIsTransient(t *testing.T) {
	s := newStripe(&fakeSessions{}, &fakeIntents{err: errors.New("gateway unavailable")}, Config{WebhookSecret: testWebhookSecret})
	payload := eventPayload(eventIntentSucceeded, `{"id":"pi_1","object":"payment_intent"}`)

	_, eventID, err := s.ParseWebhook(context.Background(), payload, sign(t, payload))
	require.Error(t, err)
	require.Equal(t, "evt_1", eventID)
	require.NotErrorIs(t, err, ErrIgnoredEvent)
	require.NotErrorIs(t, err, ErrInvalidPayload)
}

func TestParseWebhook_UnknownTypeIgnored(t *testing.T) {
	s := newTestStripe(&fakeSessions{})
	payload := eventPayload("customer.created", `{"id":"cus_1","object":"customer"}`)

	_, _, err := s.ParseWebhook(context.Background(), payload, sign(t, payload))
	require.ErrorIs(t, err, ErrIgnoredEvent)
}

func TestParseWebhook_BadSignature(t *testing.T) {
	s := newTestStripe(&fakeSessions{})
	payload := eventPayload(eventSessionCompleted, `{"id":"cs_1","object":"checkout.session"}`)

	_, _, err := s.ParseWebhook(context.Background(), payload, "t=1,v1=deadbeef")
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, _, err = s.ParseWebhook(context.Background(), payload, "")
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestSessionEvent(t *testing.T) {
	sessions := &fakeSessions{session: &stripe.CheckoutSession{
		ID:                "cs_10",
		ClientReferenceID: "user-1",
		AmountTotal:       4200,
		PaymentStatus:     stripe.CheckoutSessionPaymentStatusPaid,
	}}
	s := newTestStripe(sessions)

	ev, err := s.SessionEvent(context.Background(), "cs_10")
	require.NoError(t, err)
	require.Equal(t, fulfillment.KindSessionCompleted, ev.Kind)
	require.Equal(t, fulfillment.SourceClientVerify, ev.Source)
	require.True(t, ev.Amount.Equal(decimal.NewFromInt(42)))

	sessions.session.PaymentStatus = stripe.CheckoutSessionPaymentStatusUnpaid
	_, err = s.SessionEvent(context.Background(), "cs_10")
	require.ErrorIs(t, err, ErrSessionNotPaid)

	sessions.err = errors.New("network down")
	_, err = s.SessionEvent(context.Background(), "cs_10")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrSessionNotPaid)
}

func TestCreateCheckoutSession(t *testing.T) {
	sessions := &fakeSessions{}
	s := newTestStripe(sessions)
	cart := &models.Cart{
		UserID: "user-1",
		Items: []models.CartItem{
			{BookID: 1, ISBN: "978-0", Title: "Dune", Author: "Herbert", Price: decimal.RequireFromString("12.99"), Quantity: 2},
		},
		ItemCount: 2,
	}

	session, err := s.CreateCheckoutSession(context.Background(), cart, "https://shop.test/ok", "https://shop.test/cancel")
	require.NoError(t, err)
	require.Equal(t, "cs_new", session.ID)

	params := sessions.created
	require.NotNil(t, params)
	require.Equal(t, "user-1", *params.ClientReferenceID)
	require.Equal(t, "user-1", params.Metadata[metadataUserID])
	require.Len(t, params.LineItems, 1)
	require.Equal(t, int64(1299), *params.LineItems[0].PriceData.UnitAmount)
	require.Equal(t, int64(2), *params.LineItems[0].Quantity)
	require.Equal(t, "usd", *params.LineItems[0].PriceData.Currency)
}

func TestCreateCheckoutSession_EmptyCart(t *testing.T) {
	s := newTestStripe(&fakeSessions{})
	_, err := s.CreateCheckoutSession(context.Background(), &models.Cart{UserID: "user-1"}, "ok", "cancel")
	require.ErrorIs(t, err, fulfillment.ErrEmptyCart)
}
