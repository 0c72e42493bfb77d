package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/safar/bookstore-fulfillment/migrations"
)

var gooseInit struct {
	once sync.Once
	err  error
}

func initGoose() error {
	gooseInit.once.Do(func() {
		goose.SetBaseFS(migrations.FS)
		gooseInit.err = goose.SetDialect("postgres")
	})
	return gooseInit.err
}

// Migrate runs a goose command ("up", "down", "status", ...) against the
// embedded migrations.
func Migrate(ctx context.Context, db *sql.DB, command string, args ...string) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	if err := initGoose(); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.RunContext(ctx, command, db, ".", args...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}
