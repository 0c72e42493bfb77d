package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/safar/bookstore-fulfillment/internal/database"
	"github.com/safar/bookstore-fulfillment/internal/models"
	"github.com/shopspring/decimal"
)

type CreateOrderRequest struct {
	UserID string
	Items  []OrderItemRequest
}

type OrderItemRequest struct {
	BookID   int64
	Quantity int
}

// NewOrder is an order ready to be written inside a caller's transaction.
// Item prices are the snapshot stored on order_items.
type NewOrder struct {
	OrderNumber string
	UserID      string
	Status      models.OrderStatus
	Items       []NewOrderItem
}

type NewOrderItem struct {
	BookID   int64
	Quantity int
	Price    decimal.Decimal
}

const orderColumns = `id, order_number, user_id, status, total_amount, created_at, updated_at, version`

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&order.UserID,
		&order.Status,
		&order.TotalAmount,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		return nil, err
	}
	return order, nil
}

// InsertOrder writes the order row and its items. The total is the sum of
// the item subtotals.
func InsertOrder(ctx context.Context, tx *sql.Tx, o NewOrder) (*models.Order, error) {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	order, err := scanOrder(tx.QueryRowContext(ctx, `
		INSERT INTO orders (order_number, user_id, status, total_amount, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, NOW(), NOW(), 1)
		RETURNING `+orderColumns,
		o.OrderNumber, o.UserID, o.Status, total))
	if err != nil {
		if database.IsUniqueViolation(err, "orders_order_number_key") {
			return nil, fmt.Errorf("create order %s: %w", o.OrderNumber, database.ErrConflict)
		}
		return nil, fmt.Errorf("create order: %w", err)
	}

	order.Items = make([]models.OrderItem, 0, len(o.Items))
	for _, line := range o.Items {
		item := models.OrderItem{
			OrderID:  order.ID,
			BookID:   line.BookID,
			Quantity: line.Quantity,
			Price:    line.Price,
			Subtotal: line.Price.Mul(decimal.NewFromInt(int64(line.Quantity))),
		}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO order_items (order_id, book_id, quantity, price, subtotal, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			RETURNING id, created_at`,
			item.OrderID, item.BookID, item.Quantity, item.Price, item.Subtotal).Scan(&item.ID, &item.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("create order item: %w", err)
		}
		order.Items = append(order.Items, item)
	}

	return order, nil
}

// CreateOrder places a PENDING order for explicit items. Books are locked in
// ascending id order, prices are snapshotted and inventory is reserved in the
// same transaction. The user's cart is not read or changed.
func CreateOrder(ctx context.Context, db *sql.DB, req CreateOrderRequest) (*models.Order, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("create order: no items: %w", database.ErrInvalidQuantity)
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, database.ErrInvalidQuantity
		}
	}

	items := make([]OrderItemRequest, len(req.Items))
	copy(items, req.Items)
	sort.SliceStable(items, func(i, j int) bool { return items[i].BookID < items[j].BookID })

	var order *models.Order
	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		lines := make([]NewOrderItem, 0, len(items))
		for _, item := range items {
			book, err := LockBook(ctx, tx, item.BookID)
			if err != nil {
				if errors.Is(err, database.ErrBookNotFound) {
					return fmt.Errorf("book %d: %w", item.BookID, database.ErrBookNotFound)
				}
				return err
			}
			if book.Inventory < item.Quantity {
				return &database.InsufficientInventoryError{
					BookID:    book.ID,
					Title:     book.Title,
					Available: book.Inventory,
					Requested: item.Quantity,
				}
			}
			lines = append(lines, NewOrderItem{BookID: book.ID, Quantity: item.Quantity, Price: book.Price})
		}

		number, err := AllocateOrderNumber(ctx, tx, time.Now())
		if err != nil {
			return err
		}

		created, err := InsertOrder(ctx, tx, NewOrder{
			OrderNumber: number,
			UserID:      req.UserID,
			Status:      models.OrderStatusPending,
			Items:       lines,
		})
		if err != nil {
			return err
		}

		for _, item := range items {
			if err := ReserveInventory(ctx, tx, item.BookID, item.Quantity); err != nil {
				return err
			}
		}

		order = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// GetOrder loads an order with its items and payment. A non-empty
// scopeUserID restricts the lookup to that user's orders; another user's
// order is reported as not found.
func GetOrder(ctx context.Context, q database.Querier, id int64, scopeUserID string) (*models.Order, error) {
	order, err := scanOrder(q.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1 AND ($2::text = '' OR user_id = $2::text)`,
		id, scopeUserID))
	if err != nil {
		if isNoRows(err) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if err := loadOrderDetails(ctx, q, order); err != nil {
		return nil, err
	}
	return order, nil
}

// loadOrderDetails fills the items and payment of an order row.
func loadOrderDetails(ctx context.Context, q database.Querier, order *models.Order) error {
	items, err := getOrderItems(ctx, q, order.ID)
	if err != nil {
		return err
	}
	payment, err := getPaymentByOrder(ctx, q, order.ID)
	if err != nil {
		return err
	}
	order.Items = items
	order.Payment = payment
	return nil
}

func getOrderItems(ctx context.Context, q database.Querier, orderID int64) ([]models.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, book_id, quantity, price, subtotal, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY book_id, id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	items := []models.OrderItem{}
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.BookID,
			&item.Quantity,
			&item.Price,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

func lockOrder(ctx context.Context, tx *sql.Tx, id int64, scopeUserID string) (*models.Order, error) {
	order, err := scanOrder(tx.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1 AND ($2::text = '' OR user_id = $2::text)
		FOR UPDATE`,
		id, scopeUserID))
	if err != nil {
		if isNoRows(err) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order %d: %w", id, err)
	}
	return order, nil
}

func setOrderStatus(ctx context.Context, tx *sql.Tx, order *models.Order, status models.OrderStatus) error {
	err := tx.QueryRowContext(ctx, `
		UPDATE orders
		SET status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2
		RETURNING status, version, updated_at`,
		status, order.ID).Scan(&order.Status, &order.Version, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// UpdateOrderStatus moves an order forward along the fulfilment states.
// Cancellation is rejected here because it must return inventory; use
// CancelOrder.
func UpdateOrderStatus(ctx context.Context, db *sql.DB, id int64, status models.OrderStatus) (*models.Order, error) {
	var order *models.Order
	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		current, err := lockOrder(ctx, tx, id, "")
		if err != nil {
			return err
		}
		if status == models.OrderStatusCancelled || !CanTransition(current.Status, status) {
			return &database.InvalidStateError{OrderID: id, From: string(current.Status), To: string(status)}
		}
		if err := setOrderStatus(ctx, tx, current, status); err != nil {
			return err
		}
		if err := loadOrderDetails(ctx, tx, current); err != nil {
			return err
		}
		order = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// CancelOrder cancels a PENDING or CONFIRMED order and returns every item's
// quantity to inventory in one transaction. Payments are left as they are.
func CancelOrder(ctx context.Context, db *sql.DB, id int64, scopeUserID string) (*models.Order, error) {
	var order *models.Order
	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		current, err := lockOrder(ctx, tx, id, scopeUserID)
		if err != nil {
			return err
		}
		if !IsCancellable(current.Status) {
			return &database.InvalidStateError{
				OrderID: id,
				From:    string(current.Status),
				To:      string(models.OrderStatusCancelled),
			}
		}

		if err := setOrderStatus(ctx, tx, current, models.OrderStatusCancelled); err != nil {
			return err
		}

		if err := loadOrderDetails(ctx, tx, current); err != nil {
			return err
		}
		for _, item := range current.Items {
			if err := RestoreInventory(ctx, tx, item.BookID, item.Quantity); err != nil {
				return fmt.Errorf("restore book %d: %w", item.BookID, err)
			}
		}

		order = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func ListOrdersCursor(ctx context.Context, db *sql.DB, userID string, cursor string, limit int) (*CursorPage, error) {
	limit = ClampPageSize(limit)
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`,
		userID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}
