// Command balsam-migrate applies the Postgres task-store schema
// (SPEC_FULL.md §4.8, §6), separately from Launcher startup so an
// operator can run migrations once ahead of a multi-node allocation
// rather than racing N launcher processes against the same migration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Larofeticus/balsam/internal/logging"
	"github.com/Larofeticus/balsam/internal/store/postgres"
)

func main() {
	dsn := flag.String("dsn", "", "Postgres connection string (required)")
	migrationsPath := flag.String("migrations", "", "file:// source of migrations, default internal/store/postgres/migrations")
	flag.Parse()

	log := logging.New(logging.Options{Level: logging.InfoLevel, Format: logging.TextFormat, Output: os.Stderr, Component: "balsam-migrate"})

	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "balsam-migrate: -dsn is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := postgres.New(ctx, &postgres.DatabaseConfig{
		ConnectionString: *dsn,
		MigrationsPath:   *migrationsPath,
	}, ".")
	if err != nil {
		log.Errorf("connect: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.MigrateToLatest(); err != nil {
		log.Errorf("migrate: %v", err)
		os.Exit(1)
	}
	log.Infof("schema is up to date")
}
