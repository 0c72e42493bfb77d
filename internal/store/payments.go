package store

import (
	"context"
	"fmt"

	"github.com/safar/bookstore-fulfillment/internal/database"
	"github.com/safar/bookstore-fulfillment/internal/models"
	"github.com/shopspring/decimal"
)

// PaymentReferenceConstraint is the unique constraint that decides which
// fulfillment of an external payment wins.
const PaymentReferenceConstraint = "payments_external_reference_key"

const paymentColumns = `id, order_id, external_reference, amount, status, created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	payment := &models.Payment{}
	err := row.Scan(
		&payment.ID,
		&payment.OrderID,
		&payment.ExternalReference,
		&payment.Amount,
		&payment.Status,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// InsertPayment records a payment for an order. A duplicate external
// reference surfaces as a unique violation on PaymentReferenceConstraint.
func InsertPayment(ctx context.Context, q database.Querier, orderID int64, reference string, amount decimal.Decimal, status models.PaymentStatus) (*models.Payment, error) {
	payment, err := scanPayment(q.QueryRowContext(ctx, `
		INSERT INTO payments (order_id, external_reference, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING `+paymentColumns,
		orderID, reference, amount, status))
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	return payment, nil
}

func GetPaymentByReference(ctx context.Context, q database.Querier, reference string) (*models.Payment, error) {
	payment, err := scanPayment(q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE external_reference = $1`, reference))
	if err != nil {
		if isNoRows(err) {
			return nil, database.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment by reference: %w", err)
	}
	return payment, nil
}

func getPaymentByOrder(ctx context.Context, q database.Querier, orderID int64) (*models.Payment, error) {
	payment, err := scanPayment(q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get payment for order %d: %w", orderID, err)
	}
	return payment, nil
}

// UpdatePaymentStatus sets the status of the payment with the given external
// reference. Orders, carts and inventory are not touched.
func UpdatePaymentStatus(ctx context.Context, q database.Querier, reference string, status models.PaymentStatus) (*models.Payment, error) {
	payment, err := scanPayment(q.QueryRowContext(ctx, `
		UPDATE payments
		SET status = $1, updated_at = NOW()
		WHERE external_reference = $2
		RETURNING `+paymentColumns,
		status, reference))
	if err != nil {
		if isNoRows(err) {
			return nil, database.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("update payment status: %w", err)
	}
	return payment, nil
}
