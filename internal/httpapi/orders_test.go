package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/safar/bookstore-fulfillment/internal/auth"
	"github.com/safar/bookstore-fulfillment/internal/models"
	"github.com/safar/bookstore-fulfillment/internal/store"
	"github.com/safar/bookstore-fulfillment/internal/testutil/pgtest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type recordingCancels struct {
	mu     sync.Mutex
	orders []string
}

func (r *recordingCancels) OrderCancelled(_ context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, order.OrderNumber)
	return nil
}

func seedBook(t *testing.T, db *sql.DB, isbn, price string, inventory int) *models.Book {
	t.Helper()
	book, err := store.CreateBook(context.Background(), db, isbn, "Book "+isbn, "Author", decimal.RequireFromString(price), inventory)
	require.NoError(t, err)
	return book
}

func decodeOrder(t *testing.T, body []byte) models.Order {
	t.Helper()
	var order models.Order
	require.NoError(t, json.Unmarshal(body, &order))
	return order
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	db := pgtest.New(t)
	cancels := &recordingCancels{}
	ts := newTestServer(t, Deps{DB: db, Notifier: cancels})

	book := seedBook(t, db, "978-1", "12.50", 5)
	user := ts.token(t, "user-1", "")
	other := ts.token(t, "user-2", "")
	admin := ts.token(t, "admin-1", auth.RoleAdmin)

	rec := ts.do(t, http.MethodPost, "/orders", user, map[string]any{
		"items": []map[string]any{{"book_id": book.ID, "quantity": 2}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decodeOrder(t, rec.Body.Bytes())
	require.Equal(t, models.OrderStatusPending, order.Status)
	require.True(t, order.TotalAmount.Equal(decimal.RequireFromString("25.00")))

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/orders/%d", order.ID), other, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/orders/%d", order.ID), user, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/orders", user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), order.OrderNumber)

	rec = ts.do(t, http.MethodPatch, fmt.Sprintf("/admin/orders/%d/status", order.ID), admin,
		map[string]string{"status": string(models.OrderStatusCancelled)})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodPatch, fmt.Sprintf("/admin/orders/%d/status", order.ID), admin,
		map[string]string{"status": string(models.OrderStatusConfirmed)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	confirmed := decodeOrder(t, rec.Body.Bytes())
	require.Equal(t, models.OrderStatusConfirmed, confirmed.Status)
	require.Len(t, confirmed.Items, 1)

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/orders/%d/cancel", order.ID), other, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/orders/%d/cancel", order.ID), user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{order.OrderNumber}, cancels.orders)

	restored, err := store.GetBook(context.Background(), db, book.ID)
	require.NoError(t, err)
	require.Equal(t, 5, restored.Inventory)

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/admin/orders/%d/cancel", order.ID), admin, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCreateOrderInsufficientInventoryOverHTTP(t *testing.T) {
	db := pgtest.New(t)
	ts := newTestServer(t, Deps{DB: db})
	book := seedBook(t, db, "978-2", "9.99", 1)

	rec := ts.do(t, http.MethodPost, "/orders", ts.token(t, "user-1", ""), map[string]any{
		"items": []map[string]any{{"book_id": book.ID, "quantity": 3}},
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	body := decodeError(t, rec)
	require.Equal(t, "insufficient_inventory", body.Code)
	details := body.Details.(map[string]any)
	require.EqualValues(t, book.ID, details["book_id"])
	require.EqualValues(t, 1, details["available"])
	require.EqualValues(t, 3, details["requested"])
}

func TestCartAndCheckoutSessionOverHTTP(t *testing.T) {
	db := pgtest.New(t)
	ts := newTestServer(t, Deps{DB: db, SuccessURL: "https://shop.test/ok", CancelURL: "https://shop.test/cancel"})
	book := seedBook(t, db, "978-3", "10.00", 2)
	user := ts.token(t, "user-1", "")

	rec := ts.do(t, http.MethodPost, "/checkout/sessions", user, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodPost, "/cart/items", user, map[string]any{"book_id": book.ID, "quantity": 3})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/cart/validate", user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var validation models.CartValidation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &validation))
	require.False(t, validation.Valid)
	require.Len(t, validation.Issues, 1)

	rec = ts.do(t, http.MethodPost, "/checkout/sessions", user, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPut, fmt.Sprintf("/cart/items/%d", book.ID), user, map[string]any{"quantity": 2})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/checkout/sessions", user, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), "cs_user-1")

	rec = ts.do(t, http.MethodGet, "/cart", user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cart models.Cart
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cart))
	require.Equal(t, 2, cart.ItemCount)
	require.True(t, cart.Total.Equal(decimal.RequireFromString("20.00")))

	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/cart/items/%d", book.ID), user, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/cart/items/%d", book.ID), user, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/books", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), book.ISBN)
}
