package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/safar/bookstore-fulfillment/internal/database"
	"github.com/safar/bookstore-fulfillment/internal/models"
	"github.com/safar/bookstore-fulfillment/internal/testutil/pgtest"
	"github.com/shopspring/decimal"
)

var isbnSeq atomic.Int64

func seedBook(t *testing.T, db *sql.DB, title string, price string, inventory int) *models.Book {
	t.Helper()
	isbn := fmt.Sprintf("978-%010d", isbnSeq.Add(1))
	book, err := CreateBook(context.Background(), db, isbn, title, "Author", decimal.RequireFromString(price), inventory)
	if err != nil {
		t.Fatalf("Create book %s: %v", title, err)
	}
	return book
}

func inventoryOf(t *testing.T, db *sql.DB, bookID int64) int {
	t.Helper()
	book, err := GetBook(context.Background(), db, bookID)
	if err != nil {
		t.Fatalf("Get book %d: %v", bookID, err)
	}
	return book.Inventory
}

func TestReserveAndRestoreInventory(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()
	book := seedBook(t, db, "Dune", "10.00", 5)

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		return ReserveInventory(ctx, tx, book.ID, 3)
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := inventoryOf(t, db, book.ID); got != 2 {
		t.Errorf("Expected inventory 2 after reserve, got %d", got)
	}

	err = database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		return RestoreInventory(ctx, tx, book.ID, 3)
	})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := inventoryOf(t, db, book.ID); got != 5 {
		t.Errorf("Expected inventory 5 after restore, got %d", got)
	}
}

func TestReserveInventoryInsufficient(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()
	book := seedBook(t, db, "Emma", "8.50", 2)

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		return ReserveInventory(ctx, tx, book.ID, 3)
	})

	var details *database.InsufficientInventoryError
	if !errors.As(err, &details) {
		t.Fatalf("Expected InsufficientInventoryError, got %v", err)
	}
	if details.BookID != book.ID || details.Title != "Emma" || details.Available != 2 || details.Requested != 3 {
		t.Errorf("Unexpected details: %+v", details)
	}
	if got := inventoryOf(t, db, book.ID); got != 2 {
		t.Errorf("Inventory should be unchanged, got %d", got)
	}
}

func TestReserveInventoryNotFoundAndBadQuantity(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		return ReserveInventory(ctx, tx, 999999, 1)
	})
	if !errors.Is(err, database.ErrBookNotFound) {
		t.Errorf("Expected ErrBookNotFound, got %v", err)
	}

	err = database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		return RestoreInventory(ctx, tx, 999999, 1)
	})
	if !errors.Is(err, database.ErrBookNotFound) {
		t.Errorf("Expected ErrBookNotFound on restore, got %v", err)
	}

	err = database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		return ReserveInventory(ctx, tx, 1, 0)
	})
	if !errors.Is(err, database.ErrInvalidQuantity) {
		t.Errorf("Expected ErrInvalidQuantity, got %v", err)
	}
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()
	book := seedBook(t, db, "Ulysses", "20.00", 3)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
				return ReserveInventory(ctx, tx, book.ID, 2)
			})
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, insufficient int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, database.ErrInsufficientInventory):
			insufficient++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}

	if succeeded != 1 || insufficient != 1 {
		t.Errorf("Expected 1 success and 1 insufficient, got %d and %d", succeeded, insufficient)
	}
	if got := inventoryOf(t, db, book.ID); got != 1 {
		t.Errorf("Expected inventory 1, got %d", got)
	}
}

func TestCreateBookDuplicateISBN(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()

	if _, err := CreateBook(ctx, db, "978-0000000001", "A", "X", decimal.NewFromInt(1), 1); err != nil {
		t.Fatalf("Create book: %v", err)
	}
	_, err := CreateBook(ctx, db, "978-0000000001", "B", "Y", decimal.NewFromInt(1), 1)
	if !errors.Is(err, database.ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", err)
	}
}

func TestListBooks(t *testing.T) {
	db := pgtest.New(t)
	ctx := context.Background()
	for _, title := range []string{"C", "A", "B"} {
		seedBook(t, db, title, "1.00", 1)
	}

	page, err := ListBooks(ctx, db, 1, 2)
	if err != nil {
		t.Fatalf("List books: %v", err)
	}
	books := page.Items.([]models.Book)
	if page.Total != 3 || page.TotalPages != 2 || len(books) != 2 {
		t.Fatalf("Unexpected page: total=%d pages=%d items=%d", page.Total, page.TotalPages, len(books))
	}
	if books[0].Title != "A" || books[1].Title != "B" {
		t.Errorf("Expected books ordered by title, got %s, %s", books[0].Title, books[1].Title)
	}
}
