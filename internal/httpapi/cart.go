package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/safar/bookstore-fulfillment/internal/store"
)

type addCartItemRequest struct {
	BookID   int64 `json:"book_id" validate:"required,gt=0"`
	Quantity int   `json:"quantity" validate:"required,gt=0"`
}

type setCartItemRequest struct {
	Quantity int `json:"quantity" validate:"required,gt=0"`
}

func int64Param(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid %s %q", name, raw)
	}
	return id, nil
}

func (s *server) listBooks(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	result, err := store.ListBooks(r.Context(), s.db, page, pageSize)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *server) getCart(w http.ResponseWriter, r *http.Request) {
	cart, err := store.GetCart(r.Context(), s.db, principalFrom(r).UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

func (s *server) validateCart(w http.ResponseWriter, r *http.Request) {
	result, err := store.ValidateCartItems(r.Context(), s.db, principalFrom(r).UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *server) addCartItem(w http.ResponseWriter, r *http.Request) {
	var req addCartItemRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	line, err := store.AddToCart(r.Context(), s.db, principalFrom(r).UserID, req.BookID, req.Quantity)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, line)
}

func (s *server) setCartItem(w http.ResponseWriter, r *http.Request) {
	bookID, err := int64Param(r, "bookID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req setCartItemRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	line, err := store.SetCartLineQuantity(r.Context(), s.db, principalFrom(r).UserID, bookID, req.Quantity)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, line)
}

func (s *server) removeCartItem(w http.ResponseWriter, r *http.Request) {
	bookID, err := int64Param(r, "bookID")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := store.RemoveCartLine(r.Context(), s.db, principalFrom(r).UserID, bookID); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) clearCart(w http.ResponseWriter, r *http.Request) {
	removed, err := store.ClearCart(r.Context(), s.db, principalFrom(r).UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}
