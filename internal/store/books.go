package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/bookstore-fulfillment/internal/database"
	"github.com/safar/bookstore-fulfillment/internal/models"
	"github.com/shopspring/decimal"
)

const bookColumns = `id, isbn, title, author, price, inventory, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func scanBook(row rowScanner) (*models.Book, error) {
	book := &models.Book{}
	err := row.Scan(
		&book.ID,
		&book.ISBN,
		&book.Title,
		&book.Author,
		&book.Price,
		&book.Inventory,
		&book.CreatedAt,
		&book.UpdatedAt,
		&book.Version,
	)
	if err != nil {
		return nil, err
	}
	return book, nil
}

func CreateBook(ctx context.Context, q database.Querier, isbn, title, author string, price decimal.Decimal, inventory int) (*models.Book, error) {
	row := q.QueryRowContext(ctx, `
		INSERT INTO books (isbn, title, author, price, inventory, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), 1)
		RETURNING `+bookColumns,
		isbn, title, author, price, inventory)

	book, err := scanBook(row)
	if err != nil {
		if database.IsUniqueViolation(err, "books_isbn_key") {
			return nil, fmt.Errorf("create book %s: %w", isbn, database.ErrConflict)
		}
		return nil, fmt.Errorf("create book: %w", err)
	}
	return book, nil
}

func GetBook(ctx context.Context, q database.Querier, id int64) (*models.Book, error) {
	book, err := scanBook(q.QueryRowContext(ctx,
		`SELECT `+bookColumns+` FROM books WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, database.ErrBookNotFound
		}
		return nil, fmt.Errorf("get book: %w", err)
	}
	return book, nil
}

// LockBook reads a book row under FOR UPDATE. Callers locking several
// books must do so in ascending id order.
func LockBook(ctx context.Context, tx *sql.Tx, id int64) (*models.Book, error) {
	book, err := scanBook(tx.QueryRowContext(ctx,
		`SELECT `+bookColumns+` FROM books WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, database.ErrBookNotFound
		}
		return nil, fmt.Errorf("lock book %d: %w", id, err)
	}
	return book, nil
}

func UpdateBookPrice(ctx context.Context, q database.Querier, id int64, price decimal.Decimal) error {
	result, err := q.ExecContext(ctx,
		`UPDATE books
		 SET price = $1, version = version + 1, updated_at = NOW()
		 WHERE id = $2`,
		price, id)
	if err != nil {
		return fmt.Errorf("update book price: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrBookNotFound
	}
	return nil
}

// ReserveInventory decrements a book's inventory inside the caller's
// transaction. The row is locked first so the availability check and the
// decrement see the same value; the guarded UPDATE backs the CHECK constraint.
func ReserveInventory(ctx context.Context, tx *sql.Tx, bookID int64, quantity int) error {
	if quantity <= 0 {
		return database.ErrInvalidQuantity
	}

	book, err := LockBook(ctx, tx, bookID)
	if err != nil {
		return err
	}
	if book.Inventory < quantity {
		return &database.InsufficientInventoryError{
			BookID:    book.ID,
			Title:     book.Title,
			Available: book.Inventory,
			Requested: quantity,
		}
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE books
		 SET inventory = inventory - $1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND inventory >= $1`,
		quantity, bookID)
	if err != nil {
		return fmt.Errorf("decrement inventory: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &database.InsufficientInventoryError{
			BookID:    book.ID,
			Title:     book.Title,
			Available: book.Inventory,
			Requested: quantity,
		}
	}

	return nil
}

func RestoreInventory(ctx context.Context, tx *sql.Tx, bookID int64, quantity int) error {
	if quantity <= 0 {
		return database.ErrInvalidQuantity
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE books
		 SET inventory = inventory + $1,
		     updated_at = NOW()
		 WHERE id = $2`,
		quantity, bookID)
	if err != nil {
		return fmt.Errorf("restore inventory: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrBookNotFound
	}

	return nil
}

func ListBooks(ctx context.Context, db *sql.DB, page, pageSize int) (*OffsetPage, error) {
	var total int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM books`).Scan(&total); err != nil {
		return nil, fmt.Errorf("count books: %w", err)
	}

	if page < 1 {
		page = 1
	}
	pageSize = ClampPageSize(pageSize)

	offset := (page - 1) * pageSize
	rows, err := db.QueryContext(ctx,
		`SELECT `+bookColumns+`
		 FROM books
		 ORDER BY title, id
		 LIMIT $1 OFFSET $2`,
		pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	books := []models.Book{}
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, *book)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}

	return &OffsetPage{
		Items:      books,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}
