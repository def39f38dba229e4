package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/synctree/synctree/internal/node"
)

//go:embed migrations/local/*.sql
var localMigrationsFS embed.FS

const sqlLocalNodeColumns = `uid, device_uid, path, is_dir, size, mtime, ctime, md5, sha256, file_count, dir_count, trashed, sync_ts`

// localStmts groups the prepared statements for local_nodes, mirroring the
// teacher's itemStmts grouping.
type localStmts struct {
	get        *sql.Stmt
	upsert     *sql.Stmt
	remove     *sql.Stmt
	listByPath *sql.Stmt // children of a path prefix, one level
	listAll    *sql.Stmt
}

type mappingStmts struct {
	getByPath *sql.Stmt
	bind      *sql.Stmt
}

// LocalStore owns one device's local.db (local_nodes, uid_path_mapping).
type LocalStore struct {
	db     *sql.DB
	nodes  localStmts
	mapped mappingStmts
}

// OpenLocalStore opens the per-device local tree database at dbPath.
func OpenLocalStore(ctx context.Context, dbPath string, logger *slog.Logger) (*LocalStore, error) {
	sub, err := fs.Sub(localMigrationsFS, "migrations/local")
	if err != nil {
		return nil, fmt.Errorf("store: local migrations subtree: %w", err)
	}

	db, err := openDB(ctx, dbPath, sub, logger)
	if err != nil {
		return nil, err
	}

	s := &LocalStore{db: db}
	if err := s.prepare(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *LocalStore) prepare(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.nodes.get, `SELECT ` + sqlLocalNodeColumns + ` FROM local_nodes WHERE uid = ?`, "localGet"},
		{&s.nodes.upsert, `
			INSERT INTO local_nodes (` + sqlLocalNodeColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(uid) DO UPDATE SET
				device_uid = excluded.device_uid,
				path = excluded.path,
				is_dir = excluded.is_dir,
				size = excluded.size,
				mtime = excluded.mtime,
				ctime = excluded.ctime,
				md5 = excluded.md5,
				sha256 = excluded.sha256,
				file_count = excluded.file_count,
				dir_count = excluded.dir_count,
				trashed = excluded.trashed,
				sync_ts = excluded.sync_ts`, "localUpsert"},
		{&s.nodes.remove, `DELETE FROM local_nodes WHERE uid = ?`, "localRemove"},
		{&s.nodes.listByPath, `SELECT ` + sqlLocalNodeColumns + ` FROM local_nodes WHERE device_uid = ? AND path LIKE ? ESCAPE '\'`, "localListByPath"},
		{&s.nodes.listAll, `SELECT ` + sqlLocalNodeColumns + ` FROM local_nodes WHERE device_uid = ?`, "localListAll"},
		{&s.mapped.getByPath, `SELECT uid FROM uid_path_mapping WHERE device_uid = ? AND path = ?`, "localMappingGet"},
		{&s.mapped.bind, `
			INSERT INTO uid_path_mapping (device_uid, path, uid) VALUES (?, ?, ?)
			ON CONFLICT(device_uid, path) DO UPDATE SET uid = excluded.uid`, "localMappingBind"},
	})
}

func scanLocalNode(scanner interface{ Scan(...any) error }) (*node.Node, error) {
	var (
		uid, deviceUID                         uint64
		path                                    string
		isDir                                   bool
		size, mtime, ctime                      int64
		md5, sha256                             string
		fileCount, dirCount                     int
		trashed                                 bool
		syncTS                                  int64
	)

	if err := scanner.Scan(&uid, &deviceUID, &path, &isDir, &size, &mtime, &ctime, &md5, &sha256, &fileCount, &dirCount, &trashed, &syncTS); err != nil {
		return nil, err
	}

	n := &node.Node{
		Identifier: node.NodeIdentifier{
			Device: node.DeviceUID(deviceUID),
			UID:    node.UID(uid),
			Paths:  []string{path},
		},
	}

	if isDir {
		n.Kind = node.KindLocalDir
		n.LocalDir = &node.LocalDir{Size: size, FileCount: fileCount, DirCount: dirCount, Trashed: trashed}
	} else {
		n.Kind = node.KindLocalFile
		n.LocalFile = &node.LocalFile{Size: size, Mtime: mtime, Ctime: ctime, MD5: md5, SHA256: sha256, Trashed: trashed}
	}

	return n, nil
}

func localUpsertArgs(n *node.Node, syncTS int64) []any {
	path := n.Identifier.SinglePath().Path

	switch n.Kind {
	case node.KindLocalDir:
		return []any{uint64(n.Identifier.UID), uint64(n.Identifier.Device), path, true,
			n.LocalDir.Size, 0, 0, "", "", n.LocalDir.FileCount, n.LocalDir.DirCount, n.LocalDir.Trashed, syncTS}
	default:
		return []any{uint64(n.Identifier.UID), uint64(n.Identifier.Device), path, false,
			n.LocalFile.Size, n.LocalFile.Mtime, n.LocalFile.Ctime, n.LocalFile.MD5, n.LocalFile.SHA256, 0, 0, n.LocalFile.Trashed, syncTS}
	}
}

// Get returns the node stored under uid, or (nil, sql.ErrNoRows) if absent.
func (s *LocalStore) Get(ctx context.Context, uid node.UID) (*node.Node, error) {
	n, err := scanLocalNode(s.nodes.get.QueryRowContext(ctx, uint64(uid)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}

		return nil, fmt.Errorf("store: reading local node %d: %w", uid, err)
	}

	return n, nil
}

// Upsert writes n, keyed by its UID. syncTS is the caller's sync timestamp
// (Unix nanoseconds), recorded for staleness queries.
func (s *LocalStore) Upsert(ctx context.Context, n *node.Node, syncTS int64) error {
	if _, err := s.nodes.upsert.ExecContext(ctx, localUpsertArgs(n, syncTS)...); err != nil {
		return fmt.Errorf("store: upserting local node %d: %w", n.Identifier.UID, err)
	}

	return nil
}

// BatchUpsert writes many nodes in a single transaction, grounded on the
// teacher's BatchUpsert used during delta processing.
func (s *LocalStore) BatchUpsert(ctx context.Context, nodes []*node.Node, syncTS int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin local batch upsert: %w", err)
	}

	stmt := tx.StmtContext(ctx, s.nodes.upsert)

	for i, n := range nodes {
		if _, execErr := stmt.ExecContext(ctx, localUpsertArgs(n, syncTS)...); execErr != nil {
			rollbackErr := tx.Rollback()
			return fmt.Errorf("store: batch upsert local node %d (uid %d): %w (rollback: %v)", i, n.Identifier.UID, execErr, rollbackErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit local batch upsert: %w", err)
	}

	return nil
}

// Remove deletes the node stored under uid.
func (s *LocalStore) Remove(ctx context.Context, uid node.UID) error {
	if _, err := s.nodes.remove.ExecContext(ctx, uint64(uid)); err != nil {
		return fmt.Errorf("store: removing local node %d: %w", uid, err)
	}

	return nil
}

// ListChildren returns immediate children of dirPath (one path-segment
// deeper, no further).
func (s *LocalStore) ListChildren(ctx context.Context, device node.DeviceUID, dirPath string) ([]*node.Node, error) {
	prefix := dirPath
	if prefix != "" && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}

	like := escapeLike(prefix) + "%"

	rows, err := s.nodes.listByPath.QueryContext(ctx, uint64(device), like)
	if err != nil {
		return nil, fmt.Errorf("store: listing local children of %q: %w", dirPath, err)
	}
	defer rows.Close()

	var out []*node.Node

	for rows.Next() {
		n, err := scanLocalNode(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning local child row: %w", err)
		}

		// Exclude grandchildren: the LIKE prefix matches any depth, so
		// filter to paths with no further '/' beyond the prefix.
		rest := n.Identifier.SinglePath().Path[len(prefix):]
		if rest == "" || containsSlash(rest) {
			continue
		}

		out = append(out, n)
	}

	return out, rows.Err()
}

// ListAll returns every node for device, used by full-tree diffs.
func (s *LocalStore) ListAll(ctx context.Context, device node.DeviceUID) ([]*node.Node, error) {
	rows, err := s.nodes.listAll.QueryContext(ctx, uint64(device))
	if err != nil {
		return nil, fmt.Errorf("store: listing all local nodes: %w", err)
	}
	defer rows.Close()

	var out []*node.Node

	for rows.Next() {
		n, err := scanLocalNode(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning local node row: %w", err)
		}

		out = append(out, n)
	}

	return out, rows.Err()
}

// UIDForPath returns the persisted UID bound to path, or (0, sql.ErrNoRows).
func (s *LocalStore) UIDForPath(ctx context.Context, device node.DeviceUID, path string) (node.UID, error) {
	var uid uint64
	if err := s.mapped.getByPath.QueryRowContext(ctx, uint64(device), path).Scan(&uid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return node.NilUID, sql.ErrNoRows
		}

		return node.NilUID, fmt.Errorf("store: reading path mapping for %q: %w", path, err)
	}

	return node.UID(uid), nil
}

// BindPath persists the path->UID mapping, overwriting any prior binding.
func (s *LocalStore) BindPath(ctx context.Context, device node.DeviceUID, path string, uid node.UID) error {
	if _, err := s.mapped.bind.ExecContext(ctx, uint64(device), path, uint64(uid)); err != nil {
		return fmt.Errorf("store: binding path %q to uid %d: %w", path, uid, err)
	}

	return nil
}

// Close releases the underlying database handle.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

func containsSlash(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return true
		}
	}

	return false
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '%', '_':
			out = append(out, '\\')
		}

		out = append(out, s[i])
	}

	return string(out)
}
