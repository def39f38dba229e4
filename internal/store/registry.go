package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/google/uuid"
)

//go:embed migrations/registry/*.sql
var registryMigrationsFS embed.FS

// CacheInfoEntry is one row per on-disk cached subtree (data-model §3).
type CacheInfoEntry struct {
	ID                string
	CacheLocation     string
	SubtreeRootDevice uint64
	SubtreeRootUID    uint64
	LastSyncTS        int64
	IsComplete        bool
}

// RegistryStore owns registry.db (spec.md §6): the cache_registry table.
type RegistryStore struct {
	db *sql.DB

	upsert *sql.Stmt
	get    *sql.Stmt
	list   *sql.Stmt
}

// OpenRegistryStore opens (creating and migrating if necessary) the single
// registry database at dbPath.
func OpenRegistryStore(ctx context.Context, dbPath string, logger *slog.Logger) (*RegistryStore, error) {
	sub, err := fs.Sub(registryMigrationsFS, "migrations/registry")
	if err != nil {
		return nil, fmt.Errorf("store: registry migrations subtree: %w", err)
	}

	db, err := openDB(ctx, dbPath, sub, logger)
	if err != nil {
		return nil, err
	}

	s := &RegistryStore{db: db}
	if err := s.prepare(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *RegistryStore) prepare(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.upsert, `
			INSERT INTO cache_registry (id, cache_location, subtree_root_device, subtree_root_uid, last_sync_ts, is_complete)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				cache_location = excluded.cache_location,
				subtree_root_device = excluded.subtree_root_device,
				subtree_root_uid = excluded.subtree_root_uid,
				last_sync_ts = excluded.last_sync_ts,
				is_complete = excluded.is_complete`, "registryUpsert"},
		{&s.get, `
			SELECT id, cache_location, subtree_root_device, subtree_root_uid, last_sync_ts, is_complete
			FROM cache_registry WHERE subtree_root_device = ? AND subtree_root_uid = ?`, "registryGet"},
		{&s.list, `
			SELECT id, cache_location, subtree_root_device, subtree_root_uid, last_sync_ts, is_complete
			FROM cache_registry`, "registryList"},
	})
}

// Upsert inserts or updates a CacheInfoEntry, assigning a fresh ID via
// google/uuid if e.ID is empty.
func (s *RegistryStore) Upsert(ctx context.Context, e *CacheInfoEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	_, err := s.upsert.ExecContext(ctx, e.ID, e.CacheLocation, e.SubtreeRootDevice, e.SubtreeRootUID, e.LastSyncTS, e.IsComplete)
	if err != nil {
		return fmt.Errorf("store: upserting cache registry entry: %w", err)
	}

	return nil
}

// Get returns the CacheInfoEntry for the given subtree root, or
// (nil, sql.ErrNoRows) if none exists.
func (s *RegistryStore) Get(ctx context.Context, device, uid uint64) (*CacheInfoEntry, error) {
	row := s.get.QueryRowContext(ctx, device, uid)

	var e CacheInfoEntry
	if err := row.Scan(&e.ID, &e.CacheLocation, &e.SubtreeRootDevice, &e.SubtreeRootUID, &e.LastSyncTS, &e.IsComplete); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}

		return nil, fmt.Errorf("store: reading cache registry entry: %w", err)
	}

	return &e, nil
}

// List returns every registered subtree cache.
func (s *RegistryStore) List(ctx context.Context) ([]*CacheInfoEntry, error) {
	rows, err := s.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: listing cache registry: %w", err)
	}
	defer rows.Close()

	var out []*CacheInfoEntry

	for rows.Next() {
		var e CacheInfoEntry
		if err := rows.Scan(&e.ID, &e.CacheLocation, &e.SubtreeRootDevice, &e.SubtreeRootUID, &e.LastSyncTS, &e.IsComplete); err != nil {
			return nil, fmt.Errorf("store: scanning cache registry row: %w", err)
		}

		out = append(out, &e)
	}

	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *RegistryStore) Close() error {
	return s.db.Close()
}
