package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/safar/bookstore-fulfillment/internal/database"
	"github.com/safar/bookstore-fulfillment/internal/fulfillment"
	"github.com/safar/bookstore-fulfillment/internal/store"
)

// createCheckoutSession opens a hosted payment session for the caller's cart.
// Stock is checked up front so the user is not sent to pay for lines that
// cannot be fulfilled.
func (s *server) createCheckoutSession(w http.ResponseWriter, r *http.Request) {
	userID := principalFrom(r).UserID

	cart, err := store.GetCart(r.Context(), s.db, userID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if cart.IsEmpty() {
		s.respondError(w, r, fulfillment.ErrEmptyCart)
		return
	}
	for _, item := range cart.Items {
		if item.Inventory < item.Quantity {
			s.metrics.InsufficientInventory("checkout")
			s.respondError(w, r, &database.InsufficientInventoryError{
				BookID:    item.BookID,
				Title:     item.Title,
				Available: item.Inventory,
				Requested: item.Quantity,
			})
			return
		}
	}

	session, err := s.gateway.CreateCheckoutSession(r.Context(), cart, s.successURL, s.cancelURL)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.log.Info(s.log.WithField(r.Context(), "payment_reference", session.ID), "checkout session created")
	respondJSON(w, http.StatusCreated, session)
}

// verifyCheckoutSession is the client trigger after the gateway redirect. It
// converges with the webhook on the same order.
func (s *server) verifyCheckoutSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if sessionID == "" {
		s.respondError(w, r, badRequest("session id is required"))
		return
	}

	ev, err := s.gateway.SessionEvent(r.Context(), sessionID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if ev.UserID != principalFrom(r).UserID {
		// Another user's session is reported like a missing one.
		s.respondError(w, r, database.ErrPaymentNotFound)
		return
	}

	result, err := s.events.Handle(r.Context(), *ev)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, result)
}
