// Package migrations embeds the SQL migration files and exposes a
// RunMigrations helper driven by goose, on the same lib/pq driver used by
// internal/repository's hand-written queries.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

var gooseOnce sync.Once

// RunMigrations applies any pending migrations against the given DSN. It is
// the versioned counterpart to Postgres.Bootstrap's CREATE TABLE IF NOT
// EXISTS: operators run this once per deploy; Bootstrap remains as a
// convenience for local/dev runs against a fresh database.
func RunMigrations(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("migrations: open: %w", err)
	}
	defer func() { _ = db.Close() }()

	var dialectErr error
	gooseOnce.Do(func() {
		goose.SetBaseFS(FS)
		dialectErr = goose.SetDialect("postgres")
	})
	if dialectErr != nil {
		return fmt.Errorf("migrations: set dialect: %w", dialectErr)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}
