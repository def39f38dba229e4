// Package store implements the Relational Stores of spec.md §4.4: a thin
// typed layer over an embedded relational engine (modernc.org/sqlite,
// pure-Go, matching the teacher's internal/sync/state.go), one file per
// database named in spec.md §6 (registry.db, <device>/local.db,
// <device>/remote.db, ops.db), with schema versioning via
// github.com/pressly/goose/v3 against embedded migration files (teacher's
// internal/sync/migrations.go pattern).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go driver, registers as "sqlite"
)

// walJournalSizeLimit caps the WAL file so a long-running process does not
// grow it unbounded between checkpoints.
const walJournalSizeLimit = 64 * 1024 * 1024 // 64 MiB

// openDB opens dbPath, sets WAL-mode pragmas, and applies migrationsFS
// (rooted so .sql files sit at its top level) via goose. Use ":memory:"
// for dbPath in tests.
func openDB(ctx context.Context, dbPath string, migrationsFS fs.FS, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", dbPath, err)
	}

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if migrationsFS != nil {
		if err := migrate(ctx, db, migrationsFS, logger); err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("store: setting pragma %q: %w", p, err)
		}
	}

	return nil
}

func migrate(ctx context.Context, db *sql.DB, migrationsFS fs.FS, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrationsFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Debug("store: applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}
