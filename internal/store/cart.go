package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"github.com/safar/bookstore-fulfillment/internal/database"
	"github.com/safar/bookstore-fulfillment/internal/models"
	"github.com/shopspring/decimal"
)

// GetCart recomputes the user's cart from cart_lines joined with the live
// book rows. Items are ordered by book id.
func GetCart(ctx context.Context, q database.Querier, userID string) (*models.Cart, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT cl.id, cl.book_id, b.isbn, b.title, b.author, b.price, b.inventory, cl.quantity
		FROM cart_lines cl
		JOIN books b ON b.id = cl.book_id
		WHERE cl.user_id = $1
		ORDER BY cl.book_id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	defer rows.Close()

	cart := &models.Cart{
		UserID: userID,
		Items:  []models.CartItem{},
		Total:  decimal.Zero,
	}
	for rows.Next() {
		var item models.CartItem
		err := rows.Scan(
			&item.LineID,
			&item.BookID,
			&item.ISBN,
			&item.Title,
			&item.Author,
			&item.Price,
			&item.Inventory,
			&item.Quantity,
		)
		if err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		item.LineTotal = item.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))

		cart.Items = append(cart.Items, item)
		cart.Total = cart.Total.Add(item.LineTotal)
		cart.ItemCount += item.Quantity
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return cart, nil
}

// ValidateCartItems reports every line whose quantity exceeds the book's
// current inventory. It does not lock or reserve anything.
func ValidateCartItems(ctx context.Context, q database.Querier, userID string) (*models.CartValidation, error) {
	cart, err := GetCart(ctx, q, userID)
	if err != nil {
		return nil, err
	}

	validation := &models.CartValidation{Valid: true, Issues: []string{}}
	for _, item := range cart.Items {
		if item.Quantity > item.Inventory {
			validation.Valid = false
			validation.Issues = append(validation.Issues, fmt.Sprintf(
				"Insufficient stock for %q (book %d). Available: %d, In cart: %d",
				item.Title, item.BookID, item.Inventory, item.Quantity))
		}
	}

	return validation, nil
}

// AddToCart inserts a line or increments the quantity of an existing one.
func AddToCart(ctx context.Context, q database.Querier, userID string, bookID int64, quantity int) (*models.CartLine, error) {
	if quantity <= 0 {
		return nil, database.ErrInvalidQuantity
	}

	line := &models.CartLine{}
	err := q.QueryRowContext(ctx, `
		INSERT INTO cart_lines (user_id, book_id, quantity, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT ON CONSTRAINT cart_lines_user_book_key
		DO UPDATE SET quantity = cart_lines.quantity + EXCLUDED.quantity, updated_at = NOW()
		RETURNING id, user_id, book_id, quantity, created_at, updated_at`,
		userID, bookID, quantity).Scan(
		&line.ID,
		&line.UserID,
		&line.BookID,
		&line.Quantity,
		&line.CreatedAt,
		&line.UpdatedAt,
	)
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return nil, database.ErrBookNotFound
		}
		return nil, fmt.Errorf("add to cart: %w", err)
	}

	return line, nil
}

func SetCartLineQuantity(ctx context.Context, q database.Querier, userID string, bookID int64, quantity int) (*models.CartLine, error) {
	if quantity <= 0 {
		return nil, database.ErrInvalidQuantity
	}

	line := &models.CartLine{}
	err := q.QueryRowContext(ctx, `
		UPDATE cart_lines
		SET quantity = $1, updated_at = NOW()
		WHERE user_id = $2 AND book_id = $3
		RETURNING id, user_id, book_id, quantity, created_at, updated_at`,
		quantity, userID, bookID).Scan(
		&line.ID,
		&line.UserID,
		&line.BookID,
		&line.Quantity,
		&line.CreatedAt,
		&line.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, database.ErrCartLineNotFound
		}
		return nil, fmt.Errorf("set cart line quantity: %w", err)
	}

	return line, nil
}

func RemoveCartLine(ctx context.Context, q database.Querier, userID string, bookID int64) error {
	result, err := q.ExecContext(ctx,
		`DELETE FROM cart_lines WHERE user_id = $1 AND book_id = $2`,
		userID, bookID)
	if err != nil {
		return fmt.Errorf("remove cart line: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrCartLineNotFound
	}
	return nil
}

func ClearCart(ctx context.Context, q database.Querier, userID string) (int64, error) {
	result, err := q.ExecContext(ctx, `DELETE FROM cart_lines WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("clear cart: %w", err)
	}
	return result.RowsAffected()
}

// RemoveCartBooks deletes only the given books from the user's cart, leaving
// lines added after an order was placed in place.
func RemoveCartBooks(ctx context.Context, q database.Querier, userID string, bookIDs []int64) (int64, error) {
	if len(bookIDs) == 0 {
		return 0, nil
	}

	result, err := q.ExecContext(ctx,
		`DELETE FROM cart_lines WHERE user_id = $1 AND book_id = ANY($2)`,
		userID, pq.Array(bookIDs))
	if err != nil {
		return 0, fmt.Errorf("remove cart books: %w", err)
	}
	return result.RowsAffected()
}
