package httpapi

import (
	"net/http"
	"strconv"

	"github.com/safar/bookstore-fulfillment/internal/models"
	"github.com/safar/bookstore-fulfillment/internal/store"
)

type createOrderRequest struct {
	Items []orderItemRequest `json:"items" validate:"required,min=1,dive"`
}

type orderItemRequest struct {
	BookID   int64 `json:"book_id" validate:"required,gt=0"`
	Quantity int   `json:"quantity" validate:"required,gt=0"`
}

type updateStatusRequest struct {
	Status models.OrderStatus `json:"status" validate:"required"`
}

// createOrder is the direct flow: explicit items, no gateway, cart untouched.
func (s *server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	items := make([]store.OrderItemRequest, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, store.OrderItemRequest{BookID: item.BookID, Quantity: item.Quantity})
	}

	order, err := store.CreateOrder(r.Context(), s.db, store.CreateOrderRequest{
		UserID: principalFrom(r).UserID,
		Items:  items,
	})
	if err != nil {
		if isInsufficient(err) {
			s.metrics.InsufficientInventory("direct")
		}
		s.respondError(w, r, err)
		return
	}

	s.metrics.OrderCreated("direct")
	s.log.Info(s.log.WithField(r.Context(), "order_number", order.OrderNumber), "order created")
	respondJSON(w, http.StatusCreated, order)
}

func (s *server) listOrders(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	cursor := r.URL.Query().Get("cursor")

	page, err := store.ListOrdersCursor(r.Context(), s.db, principalFrom(r).UserID, cursor, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (s *server) getOrder(w http.ResponseWriter, r *http.Request) {
	s.writeOrder(w, r, principalFrom(r).UserID)
}

func (s *server) adminGetOrder(w http.ResponseWriter, r *http.Request) {
	s.writeOrder(w, r, "")
}

func (s *server) writeOrder(w http.ResponseWriter, r *http.Request, scopeUserID string) {
	id, err := int64Param(r, "orderID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	order, err := store.GetOrder(r.Context(), s.db, id, scopeUserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (s *server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	s.cancel(w, r, principalFrom(r).UserID)
}

func (s *server) adminCancelOrder(w http.ResponseWriter, r *http.Request) {
	s.cancel(w, r, "")
}

func (s *server) cancel(w http.ResponseWriter, r *http.Request, scopeUserID string) {
	id, err := int64Param(r, "orderID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	order, err := store.CancelOrder(r.Context(), s.db, id, scopeUserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	ctx := s.log.WithField(r.Context(), "order_number", order.OrderNumber)
	s.metrics.OrderCancelled()
	s.log.Info(ctx, "order cancelled")
	if s.notifier != nil {
		if err := s.notifier.OrderCancelled(ctx, order); err != nil {
			s.log.Warn(ctx, "publish order cancelled", err)
		}
	}

	respondJSON(w, http.StatusOK, order)
}

func (s *server) adminUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "orderID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req updateStatusRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if !req.Status.Valid() {
		s.respondError(w, r, badRequest("unknown order status %q", req.Status))
		return
	}

	order, err := store.UpdateOrderStatus(r.Context(), s.db, id, req.Status)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.log.Info(s.log.WithFields(r.Context(), map[string]any{
		"order_number": order.OrderNumber,
		"status":       string(order.Status),
	}), "order status updated")
	respondJSON(w, http.StatusOK, order)
}
