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

//go:embed migrations/remote/*.sql
var remoteMigrationsFS embed.FS

const sqlRemoteNodeColumns = `uid, device_uid, cloud_id, is_dir, name, size, mtime, ctime, md5, owner, version, head_revision, shared, trashed, my_drive, children_complete, sync_ts`

type remoteStmts struct {
	get          *sql.Stmt
	getByCloudID *sql.Stmt
	upsert       *sql.Stmt
	remove       *sql.Stmt
	listAll      *sql.Stmt
}

type parentStmts struct {
	addParent      *sql.Stmt
	removeParent   *sql.Stmt
	listParents    *sql.Stmt
	listByParent   *sql.Stmt
}

type remoteMappingStmts struct {
	getByCloudID *sql.Stmt
	getCloudID   *sql.Stmt
	bind         *sql.Stmt
}

// RemoteStore owns one device's remote.db (remote_nodes, remote_parents,
// uid_cloud_id_mapping).
type RemoteStore struct {
	db      *sql.DB
	nodes   remoteStmts
	parents parentStmts
	mapped  remoteMappingStmts
}

// OpenRemoteStore opens the per-device remote tree database at dbPath.
func OpenRemoteStore(ctx context.Context, dbPath string, logger *slog.Logger) (*RemoteStore, error) {
	sub, err := fs.Sub(remoteMigrationsFS, "migrations/remote")
	if err != nil {
		return nil, fmt.Errorf("store: remote migrations subtree: %w", err)
	}

	db, err := openDB(ctx, dbPath, sub, logger)
	if err != nil {
		return nil, err
	}

	s := &RemoteStore{db: db}
	if err := s.prepare(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *RemoteStore) prepare(ctx context.Context) error {
	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.nodes.get, `SELECT ` + sqlRemoteNodeColumns + ` FROM remote_nodes WHERE uid = ?`, "remoteGet"},
		{&s.nodes.getByCloudID, `SELECT ` + sqlRemoteNodeColumns + ` FROM remote_nodes WHERE device_uid = ? AND cloud_id = ?`, "remoteGetByCloudID"},
		{&s.nodes.upsert, `
			INSERT INTO remote_nodes (` + sqlRemoteNodeColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(uid) DO UPDATE SET
				device_uid = excluded.device_uid,
				cloud_id = excluded.cloud_id,
				is_dir = excluded.is_dir,
				name = excluded.name,
				size = excluded.size,
				mtime = excluded.mtime,
				ctime = excluded.ctime,
				md5 = excluded.md5,
				owner = excluded.owner,
				version = excluded.version,
				head_revision = excluded.head_revision,
				shared = excluded.shared,
				trashed = excluded.trashed,
				my_drive = excluded.my_drive,
				children_complete = excluded.children_complete,
				sync_ts = excluded.sync_ts`, "remoteUpsert"},
		{&s.nodes.remove, `DELETE FROM remote_nodes WHERE uid = ?`, "remoteRemove"},
		{&s.nodes.listAll, `SELECT ` + sqlRemoteNodeColumns + ` FROM remote_nodes WHERE device_uid = ?`, "remoteListAll"},
		{&s.parents.addParent, `
			INSERT INTO remote_parents (device_uid, cloud_id, parent_cloud_id) VALUES (?, ?, ?)
			ON CONFLICT(device_uid, cloud_id, parent_cloud_id) DO NOTHING`, "remoteAddParent"},
		{&s.parents.removeParent, `DELETE FROM remote_parents WHERE device_uid = ? AND cloud_id = ? AND parent_cloud_id = ?`, "remoteRemoveParent"},
		{&s.parents.listParents, `SELECT parent_cloud_id FROM remote_parents WHERE device_uid = ? AND cloud_id = ?`, "remoteListParents"},
		{&s.parents.listByParent, `SELECT cloud_id FROM remote_parents WHERE device_uid = ? AND parent_cloud_id = ?`, "remoteListByParent"},
		{&s.mapped.getByCloudID, `SELECT uid FROM uid_cloud_id_mapping WHERE device_uid = ? AND cloud_id = ?`, "remoteMappingGet"},
		{&s.mapped.getCloudID, `SELECT cloud_id FROM uid_cloud_id_mapping WHERE device_uid = ? AND uid = ?`, "remoteMappingGetCloudID"},
		{&s.mapped.bind, `
			INSERT INTO uid_cloud_id_mapping (device_uid, cloud_id, uid) VALUES (?, ?, ?)
			ON CONFLICT(device_uid, cloud_id) DO UPDATE SET uid = excluded.uid`, "remoteMappingBind"},
	}); err != nil {
		return err
	}

	return nil
}

func scanRemoteNode(scanner interface{ Scan(...any) error }) (*node.Node, error) {
	var (
		uid, deviceUID                    uint64
		cloudID, name                     string
		isDir                             bool
		size, mtime, ctime                int64
		md5, owner, version, headRevision string
		shared, trashed, myDrive          bool
		childrenComplete                  bool
		syncTS                            int64
	)

	if err := scanner.Scan(&uid, &deviceUID, &cloudID, &isDir, &name, &size, &mtime, &ctime, &md5, &owner, &version,
		&headRevision, &shared, &trashed, &myDrive, &childrenComplete, &syncTS); err != nil {
		return nil, err
	}

	n := &node.Node{
		Identifier: node.NodeIdentifier{
			Device: node.DeviceUID(deviceUID),
			UID:    node.UID(uid),
		},
	}

	if isDir {
		n.Kind = node.KindRemoteDir
		n.RemoteDir = &node.RemoteDir{CloudID: cloudID, Name: name, MyDrive: myDrive, Shared: shared, Trashed: trashed, ChildrenComplete: childrenComplete}
	} else {
		n.Kind = node.KindRemoteFile
		n.RemoteFile = &node.RemoteFile{
			CloudID: cloudID, Name: name, Size: size, Mtime: mtime, Ctime: ctime, MD5: md5,
			Owner: owner, Version: version, HeadRevision: headRevision, Shared: shared, Trashed: trashed,
		}
	}

	return n, nil
}

func remoteUpsertArgs(n *node.Node, syncTS int64) []any {
	switch n.Kind {
	case node.KindRemoteDir:
		d := n.RemoteDir
		return []any{uint64(n.Identifier.UID), uint64(n.Identifier.Device), d.CloudID, true, d.Name,
			0, 0, 0, "", "", "", "", d.Shared, d.Trashed, d.MyDrive, d.ChildrenComplete, syncTS}
	default:
		f := n.RemoteFile
		return []any{uint64(n.Identifier.UID), uint64(n.Identifier.Device), f.CloudID, false, f.Name,
			f.Size, f.Mtime, f.Ctime, f.MD5, f.Owner, f.Version, f.HeadRevision, f.Shared, f.Trashed, false, false, syncTS}
	}
}

// Get returns the node stored under uid, or (nil, sql.ErrNoRows) if absent.
func (s *RemoteStore) Get(ctx context.Context, uid node.UID) (*node.Node, error) {
	n, err := scanRemoteNode(s.nodes.get.QueryRowContext(ctx, uint64(uid)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}

		return nil, fmt.Errorf("store: reading remote node %d: %w", uid, err)
	}

	return n, nil
}

// GetByCloudID returns the node for a given cloud object ID.
func (s *RemoteStore) GetByCloudID(ctx context.Context, device node.DeviceUID, cloudID string) (*node.Node, error) {
	n, err := scanRemoteNode(s.nodes.getByCloudID.QueryRowContext(ctx, uint64(device), cloudID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}

		return nil, fmt.Errorf("store: reading remote node by cloud id %q: %w", cloudID, err)
	}

	return n, nil
}

// Upsert writes n, keyed by its UID.
func (s *RemoteStore) Upsert(ctx context.Context, n *node.Node, syncTS int64) error {
	if _, err := s.nodes.upsert.ExecContext(ctx, remoteUpsertArgs(n, syncTS)...); err != nil {
		return fmt.Errorf("store: upserting remote node %d: %w", n.Identifier.UID, err)
	}

	return nil
}

// BatchUpsert writes many nodes in a single transaction, used by delta /
// changes-feed processing where hundreds of nodes arrive per page.
func (s *RemoteStore) BatchUpsert(ctx context.Context, nodes []*node.Node, syncTS int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin remote batch upsert: %w", err)
	}

	stmt := tx.StmtContext(ctx, s.nodes.upsert)

	for i, n := range nodes {
		if _, execErr := stmt.ExecContext(ctx, remoteUpsertArgs(n, syncTS)...); execErr != nil {
			rollbackErr := tx.Rollback()
			return fmt.Errorf("store: batch upsert remote node %d (uid %d): %w (rollback: %v)", i, n.Identifier.UID, execErr, rollbackErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit remote batch upsert: %w", err)
	}

	return nil
}

// Remove deletes the node stored under uid.
func (s *RemoteStore) Remove(ctx context.Context, uid node.UID) error {
	if _, err := s.nodes.remove.ExecContext(ctx, uint64(uid)); err != nil {
		return fmt.Errorf("store: removing remote node %d: %w", uid, err)
	}

	return nil
}

// ListAll returns every node for device.
func (s *RemoteStore) ListAll(ctx context.Context, device node.DeviceUID) ([]*node.Node, error) {
	rows, err := s.nodes.listAll.QueryContext(ctx, uint64(device))
	if err != nil {
		return nil, fmt.Errorf("store: listing all remote nodes: %w", err)
	}
	defer rows.Close()

	var out []*node.Node

	for rows.Next() {
		n, err := scanRemoteNode(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning remote node row: %w", err)
		}

		out = append(out, n)
	}

	return out, rows.Err()
}

// AddParent records a multi-parent edge (a cloud object may have more than
// one parent folder).
func (s *RemoteStore) AddParent(ctx context.Context, device node.DeviceUID, cloudID, parentCloudID string) error {
	if _, err := s.parents.addParent.ExecContext(ctx, uint64(device), cloudID, parentCloudID); err != nil {
		return fmt.Errorf("store: adding parent edge %s -> %s: %w", cloudID, parentCloudID, err)
	}

	return nil
}

// RemoveParent drops a previously recorded parent edge.
func (s *RemoteStore) RemoveParent(ctx context.Context, device node.DeviceUID, cloudID, parentCloudID string) error {
	if _, err := s.parents.removeParent.ExecContext(ctx, uint64(device), cloudID, parentCloudID); err != nil {
		return fmt.Errorf("store: removing parent edge %s -> %s: %w", cloudID, parentCloudID, err)
	}

	return nil
}

// ListParents returns every parent cloud ID of cloudID.
func (s *RemoteStore) ListParents(ctx context.Context, device node.DeviceUID, cloudID string) ([]string, error) {
	return s.queryStrings(ctx, s.parents.listParents, uint64(device), cloudID)
}

// ListChildren returns every child cloud ID of parentCloudID.
func (s *RemoteStore) ListChildren(ctx context.Context, device node.DeviceUID, parentCloudID string) ([]string, error) {
	return s.queryStrings(ctx, s.parents.listByParent, uint64(device), parentCloudID)
}

func (s *RemoteStore) queryStrings(ctx context.Context, stmt *sql.Stmt, args ...any) ([]string, error) {
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying remote parents/children: %w", err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("store: scanning remote parent/child row: %w", err)
		}

		out = append(out, v)
	}

	return out, rows.Err()
}

// UIDForCloudID returns the persisted UID bound to cloudID, or
// (0, sql.ErrNoRows).
func (s *RemoteStore) UIDForCloudID(ctx context.Context, device node.DeviceUID, cloudID string) (node.UID, error) {
	var uid uint64
	if err := s.mapped.getByCloudID.QueryRowContext(ctx, uint64(device), cloudID).Scan(&uid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return node.NilUID, sql.ErrNoRows
		}

		return node.NilUID, fmt.Errorf("store: reading cloud id mapping for %q: %w", cloudID, err)
	}

	return node.UID(uid), nil
}

// CloudIDForUID returns the cloud ID bound to uid, or ("", sql.ErrNoRows).
func (s *RemoteStore) CloudIDForUID(ctx context.Context, device node.DeviceUID, uid node.UID) (string, error) {
	var cloudID string
	if err := s.mapped.getCloudID.QueryRowContext(ctx, uint64(device), uint64(uid)).Scan(&cloudID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", sql.ErrNoRows
		}

		return "", fmt.Errorf("store: reading cloud id for uid %d: %w", uid, err)
	}

	return cloudID, nil
}

// BindCloudID persists the cloudID->UID mapping, overwriting any prior
// binding.
func (s *RemoteStore) BindCloudID(ctx context.Context, device node.DeviceUID, cloudID string, uid node.UID) error {
	if _, err := s.mapped.bind.ExecContext(ctx, uint64(device), cloudID, uint64(uid)); err != nil {
		return fmt.Errorf("store: binding cloud id %q to uid %d: %w", cloudID, uid, err)
	}

	return nil
}

// Close releases the underlying database handle.
func (s *RemoteStore) Close() error {
	return s.db.Close()
}
