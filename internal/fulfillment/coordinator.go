package fulfillment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/safar/bookstore-fulfillment/internal/database"
	"github.com/safar/bookstore-fulfillment/internal/logger"
	"github.com/safar/bookstore-fulfillment/internal/metrics"
	"github.com/safar/bookstore-fulfillment/internal/models"
	"github.com/safar/bookstore-fulfillment/internal/store"
	"github.com/shopspring/decimal"
)

// OrderNotifier is told about orders after they commit.
type OrderNotifier interface {
	OrderConfirmed(ctx context.Context, order *models.Order) error
}

type Result struct {
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
	// Created is false when the reference had already been fulfilled.
	Created bool `json:"created"`
}

// errAlreadyFulfilled aborts the unit of work when a payment for the reference
// is found inside the transaction.
var errAlreadyFulfilled = errors.New("payment reference already fulfilled")

type Coordinator struct {
	db       *sql.DB
	log      *logger.Logger
	notifier OrderNotifier
	metrics  *metrics.Metrics
	txOpts   database.TxOptions
	now      func() time.Time
}

type Options struct {
	Logger     *logger.Logger
	Notifier   OrderNotifier
	Metrics    *metrics.Metrics
	MaxRetries int
}

func NewCoordinator(db *sql.DB, opts Options) *Coordinator {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	txOpts := database.DefaultTxOptions()
	if opts.MaxRetries > 0 {
		txOpts.MaxRetries = opts.MaxRetries
	}
	txOpts.OnRetry = opts.Metrics.TxRetry

	return &Coordinator{
		db:       db,
		log:      log,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		txOpts:   txOpts,
		now:      time.Now,
	}
}

// Handle applies a gateway event. Both the webhook and the client-verify
// trigger go through here.
func (c *Coordinator) Handle(ctx context.Context, ev Event) (*Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	ctx = c.log.WithFields(ctx, map[string]any{
		"payment_reference": ev.Reference,
		"event_kind":        string(ev.Kind),
		"source":            string(ev.Source),
	})

	switch ev.Kind {
	case KindSessionCompleted:
		return c.fulfill(ctx, ev)
	case KindPaymentSucceeded:
		return c.setPaymentStatus(ctx, ev.Reference, models.PaymentStatusCompleted)
	default:
		return c.setPaymentStatus(ctx, ev.Reference, models.PaymentStatusFailed)
	}
}

// Fulfill turns the user's cart into a CONFIRMED order paid by reference.
// Repeated or concurrent calls with the same reference yield one order.
func (c *Coordinator) Fulfill(ctx context.Context, reference, userID string, amount decimal.Decimal) (*Result, error) {
	return c.Handle(ctx, Event{
		Kind:      KindSessionCompleted,
		Reference: reference,
		UserID:    userID,
		Amount:    amount,
		Source:    SourceClientVerify,
	})
}

func (c *Coordinator) fulfill(ctx context.Context, ev Event) (*Result, error) {
	started := c.now()
	source := string(ev.Source)
	ctx = c.log.WithUserID(ctx, ev.UserID)

	existing, err := c.existing(ctx, ev.Reference)
	if err != nil {
		c.metrics.Fulfillment(metrics.OutcomeError, source, time.Since(started))
		return nil, err
	}
	if existing != nil {
		c.log.Info(ctx, "payment reference already fulfilled")
		c.metrics.Fulfillment(metrics.OutcomeDuplicate, source, time.Since(started))
		return existing, nil
	}

	cart, err := store.GetCart(ctx, c.db, ev.UserID)
	if err != nil {
		c.metrics.Fulfillment(metrics.OutcomeError, source, time.Since(started))
		return nil, err
	}
	if cart.IsEmpty() {
		// A winner commits its payment before clearing the cart.
		if winner, err := c.existing(ctx, ev.Reference); err == nil && winner != nil {
			c.log.Info(ctx, "payment reference already fulfilled")
			c.metrics.Fulfillment(metrics.OutcomeDuplicate, source, time.Since(started))
			return winner, nil
		}
		c.log.Warn(ctx, "fulfillment skipped: cart is empty", nil)
		c.metrics.Fulfillment(metrics.OutcomeEmptyCart, source, time.Since(started))
		return nil, ErrEmptyCart
	}

	var order *models.Order
	err = database.WithRetry(ctx, c.db, c.txOpts, func(tx *sql.Tx) error {
		created, err := c.placeOrder(ctx, tx, ev)
		if err != nil {
			return err
		}
		order = created
		return nil
	})

	if err != nil {
		// A concurrent winner can fail this unit before the payment insert,
		// e.g. by taking the last copies. Its committed payment decides.
		winner, lookupErr := c.existing(ctx, ev.Reference)
		if lookupErr == nil && winner != nil {
			c.log.Info(c.log.WithField(ctx, "unit_error", err.Error()), "concurrent fulfillment reconciled to existing order")
			c.metrics.Fulfillment(metrics.OutcomeReconciled, source, time.Since(started))
			return winner, nil
		}
		if errors.Is(err, errAlreadyFulfilled) || database.IsUniqueViolation(err, store.PaymentReferenceConstraint) {
			c.metrics.Fulfillment(metrics.OutcomeError, source, time.Since(started))
			return nil, fmt.Errorf("reconcile payment %s: %w", ev.Reference, errors.Join(err, lookupErr))
		}
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrEmptyCart):
		c.log.Warn(ctx, "fulfillment skipped: cart emptied during checkout", nil)
		c.metrics.Fulfillment(metrics.OutcomeEmptyCart, source, time.Since(started))
		return nil, err
	default:
		if errors.Is(err, database.ErrInsufficientInventory) {
			c.metrics.InsufficientInventory("checkout")
		}
		c.log.Error(ctx, "fulfillment failed", err)
		c.metrics.Fulfillment(metrics.OutcomeError, source, time.Since(started))
		return nil, err
	}

	ctx = c.log.WithField(ctx, "order_number", order.OrderNumber)
	c.log.Info(ctx, "order confirmed from checkout")
	c.metrics.Fulfillment(metrics.OutcomeCreated, source, time.Since(started))
	c.metrics.OrderCreated("checkout")

	c.afterCommit(ctx, ev.UserID, order)

	return &Result{OrderID: order.ID, OrderNumber: order.OrderNumber, Created: true}, nil
}

// placeOrder is the unit of work. The payment insert is the arbiter: a
// concurrent winner makes it fail on the unique reference.
func (c *Coordinator) placeOrder(ctx context.Context, tx *sql.Tx, ev Event) (*models.Order, error) {
	if found, err := paymentExists(ctx, tx, ev.Reference); err != nil {
		return nil, err
	} else if found {
		return nil, errAlreadyFulfilled
	}

	cart, err := store.GetCart(ctx, tx, ev.UserID)
	if err != nil {
		return nil, err
	}
	if cart.IsEmpty() {
		// A winner may have committed and cleared the cart since the pre-check.
		if found, err := paymentExists(ctx, tx, ev.Reference); err != nil {
			return nil, err
		} else if found {
			return nil, errAlreadyFulfilled
		}
		return nil, ErrEmptyCart
	}

	// Cart items are ordered by book id, which is also the lock order.
	items := make([]store.NewOrderItem, 0, len(cart.Items))
	total := decimal.Zero
	for _, line := range cart.Items {
		book, err := store.LockBook(ctx, tx, line.BookID)
		if err != nil {
			return nil, err
		}
		if book.Inventory < line.Quantity {
			return nil, &database.InsufficientInventoryError{
				BookID:    book.ID,
				Title:     book.Title,
				Available: book.Inventory,
				Requested: line.Quantity,
			}
		}
		items = append(items, store.NewOrderItem{BookID: book.ID, Quantity: line.Quantity, Price: book.Price})
		total = total.Add(book.Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	amount := ev.Amount
	switch {
	case amount.IsZero():
		amount = total
	case !amount.Equal(total):
		c.log.Warn(c.log.WithFields(ctx, map[string]any{
			"gateway_amount": amount.StringFixed(2),
			"cart_total":     total.StringFixed(2),
		}), "gateway amount differs from cart total", nil)
	}

	number, err := store.AllocateOrderNumber(ctx, tx, c.now())
	if err != nil {
		return nil, err
	}

	order, err := store.InsertOrder(ctx, tx, store.NewOrder{
		OrderNumber: number,
		UserID:      ev.UserID,
		Status:      models.OrderStatusConfirmed,
		Items:       items,
	})
	if err != nil {
		return nil, err
	}

	payment, err := store.InsertPayment(ctx, tx, order.ID, ev.Reference, amount, models.PaymentStatusCompleted)
	if err != nil {
		return nil, err
	}
	order.Payment = payment

	for _, item := range items {
		if err := store.ReserveInventory(ctx, tx, item.BookID, item.Quantity); err != nil {
			return nil, err
		}
	}

	return order, nil
}

// afterCommit runs side effects that must not undo a committed order.
func (c *Coordinator) afterCommit(ctx context.Context, userID string, order *models.Order) {
	bookIDs := make([]int64, 0, len(order.Items))
	for _, item := range order.Items {
		bookIDs = append(bookIDs, item.BookID)
	}
	if _, err := store.RemoveCartBooks(ctx, c.db, userID, bookIDs); err != nil {
		c.log.Error(ctx, "clear cart after fulfillment", err)
	}

	if c.notifier == nil {
		return
	}
	if err := c.notifier.OrderConfirmed(ctx, order); err != nil {
		c.log.Warn(ctx, "publish order confirmed", err)
	}
}

func (c *Coordinator) existing(ctx context.Context, reference string) (*Result, error) {
	payment, err := store.GetPaymentByReference(ctx, c.db, reference)
	if err != nil {
		if errors.Is(err, database.ErrPaymentNotFound) {
			return nil, nil
		}
		return nil, err
	}

	order, err := store.GetOrder(ctx, c.db, payment.OrderID, "")
	if err != nil {
		return nil, fmt.Errorf("load order for payment %s: %w", reference, err)
	}
	return &Result{OrderID: order.ID, OrderNumber: order.OrderNumber, Created: false}, nil
}

func (c *Coordinator) setPaymentStatus(ctx context.Context, reference string, status models.PaymentStatus) (*Result, error) {
	payment, err := store.UpdatePaymentStatus(ctx, c.db, reference, status)
	if err != nil {
		if errors.Is(err, database.ErrPaymentNotFound) {
			c.log.Info(ctx, "payment status event for unknown reference ignored")
			return nil, nil
		}
		return nil, err
	}

	c.log.Info(c.log.WithField(ctx, "payment_status", string(payment.Status)), "payment status updated")
	return &Result{OrderID: payment.OrderID}, nil
}

func paymentExists(ctx context.Context, q database.Querier, reference string) (bool, error) {
	_, err := store.GetPaymentByReference(ctx, q, reference)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, database.ErrPaymentNotFound):
		return false, nil
	default:
		return false, err
	}
}
