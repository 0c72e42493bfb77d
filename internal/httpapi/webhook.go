package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/safar/bookstore-fulfillment/internal/fulfillment"
	"github.com/safar/bookstore-fulfillment/internal/gateway"
)

// Webhook results used as the metric label.
const (
	webhookProcessed = "processed"
	webhookIgnored   = "ignored"
	webhookDuplicate = "duplicate"
	webhookRejected  = "rejected"
	webhookFailed    = "failed"
	webhookInvalid   = "invalid"
)

// guardSettleTimeout bounds the dedup update made after the request context
// may already be done.
const guardSettleTimeout = 2 * time.Second

type ackBody struct {
	Received bool   `json:"received"`
	Result   string `json:"result"`
}

// stripeWebhook is the asynchronous trigger. Terminal business outcomes are
// acknowledged so the gateway stops redelivering; transient failures return
// 500 so it retries.
func (s *server) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.metrics.WebhookEvent("unknown", webhookInvalid)
		s.respondError(w, r, badRequest("read webhook body: %v", err))
		return
	}

	ev, eventID, err := s.gateway.ParseWebhook(ctx, payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, gateway.ErrIgnoredEvent) {
			s.metrics.WebhookEvent("unknown", webhookIgnored)
			respondJSON(w, http.StatusOK, ackBody{Received: true, Result: webhookIgnored})
			return
		}
		result := webhookInvalid
		if !errors.Is(err, gateway.ErrInvalidPayload) {
			// Resolving the event needed the gateway; its retry may succeed.
			result = webhookFailed
		}
		s.metrics.WebhookEvent("unknown", result)
		s.respondError(w, r, err)
		return
	}

	kind := string(ev.Kind)
	ctx = s.log.WithFields(ctx, map[string]any{
		"gateway_event_id":  eventID,
		"payment_reference": ev.Reference,
	})

	marked := false
	if s.guard != nil {
		seen, err := s.guard.CheckAndMark(ctx, eventID)
		switch {
		case err != nil:
			// The guard only saves work; the payments constraint still decides.
			s.log.Warn(ctx, "webhook dedup unavailable", err)
		case seen:
			s.log.Info(ctx, "webhook redelivery skipped")
			s.metrics.WebhookEvent(kind, webhookDuplicate)
			respondJSON(w, http.StatusOK, ackBody{Received: true, Result: webhookDuplicate})
			return
		default:
			marked = true
		}
	}

	if _, err := s.events.Handle(ctx, *ev); err != nil {
		if fulfillment.IsTerminal(err) {
			if marked {
				s.settleGuard(ctx, eventID, true)
			}
			s.log.Warn(ctx, "webhook event rejected", err)
			s.metrics.WebhookEvent(kind, webhookRejected)
			respondJSON(w, http.StatusOK, ackBody{Received: true, Result: webhookRejected})
			return
		}

		if marked {
			s.settleGuard(ctx, eventID, false)
		}
		s.metrics.WebhookEvent(kind, webhookFailed)
		s.respondError(w, r.WithContext(ctx), err)
		return
	}

	if marked {
		s.settleGuard(ctx, eventID, true)
	}
	s.metrics.WebhookEvent(kind, webhookProcessed)
	respondJSON(w, http.StatusOK, ackBody{Received: true, Result: webhookProcessed})
}

// settleGuard marks a handled event done or releases a failed one for the
// gateway's retry. It runs detached from the request, which may have timed out.
func (s *server) settleGuard(ctx context.Context, eventID string, handled bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), guardSettleTimeout)
	defer cancel()

	if handled {
		if err := s.guard.Done(ctx, eventID); err != nil {
			s.log.Warn(ctx, "webhook dedup mark failed", err)
		}
		return
	}
	if err := s.guard.Delete(ctx, eventID); err != nil {
		s.log.Warn(ctx, "webhook dedup release failed", err)
	}
}
