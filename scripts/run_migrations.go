package main

import (
	"context"
	"fmt"
	"os"

	"github.com/safar/bookstore-fulfillment/internal/config"
	"github.com/safar/bookstore-fulfillment/internal/database"
	"github.com/safar/bookstore-fulfillment/internal/logger"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: go run scripts/run_migrations.go [up|down|status|version|reset] [args...]")
		os.Exit(2)
	}
	command := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		ServiceName: cfg.Service.Name + "-migrate",
		Level:       logger.ParseLevel(cfg.Log.Level),
		Format:      cfg.Log.Format,
	})
	ctx := log.WithField(context.Background(), "command", command)

	db, err := database.Open(ctx, &cfg.Database)
	if err != nil {
		log.Error(ctx, "connect to database", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db, command, os.Args[2:]...); err != nil {
		log.Error(ctx, "migration failed", err)
		os.Exit(1)
	}

	log.Info(ctx, "migration completed")
}
