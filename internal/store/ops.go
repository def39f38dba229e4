package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
)

//go:embed migrations/ops/*.sql
var opsMigrationsFS embed.FS

// OpStatus tags a pending_ops row's lifecycle state.
type OpStatus string

// Operation lifecycle states (opgraph §4.9).
const (
	OpStatusBlocked   OpStatus = "blocked"
	OpStatusReady     OpStatus = "ready"
	OpStatusRunning   OpStatus = "running"
	OpStatusCompleted OpStatus = "completed"
	OpStatusFailed    OpStatus = "failed"
	OpStatusCancelled OpStatus = "cancelled"
)

// OpRecord is one row of the operation graph, persisted so a crash mid-batch
// can resume instead of losing the pending tree.
type OpRecord struct {
	OpUID        string
	BatchUID     string
	OpType       string
	ParentOpUID  string
	InsertionSeq int64
	SrcDevice    uint64
	SrcUID       uint64
	SrcPath      string
	DstDevice    uint64
	DstUID       uint64
	DstPath      string
	CreateTS     int64
	Status       OpStatus
}

type opsStmts struct {
	insert       *sql.Stmt
	get          *sql.Stmt
	updateStatus *sql.Stmt
	listByBatch  *sql.Stmt
	listChildren *sql.Stmt
	listPending  *sql.Stmt
	archive      *sql.Stmt
	deleteOp     *sql.Stmt
}

// OpsStore owns ops.db (pending_ops, archived_ops).
type OpsStore struct {
	db    *sql.DB
	stmts opsStmts
}

// OpenOpsStore opens the single operation-graph database at dbPath.
func OpenOpsStore(ctx context.Context, dbPath string, logger *slog.Logger) (*OpsStore, error) {
	sub, err := fs.Sub(opsMigrationsFS, "migrations/ops")
	if err != nil {
		return nil, fmt.Errorf("store: ops migrations subtree: %w", err)
	}

	db, err := openDB(ctx, dbPath, sub, logger)
	if err != nil {
		return nil, err
	}

	s := &OpsStore{db: db}
	if err := s.prepare(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

const sqlOpColumns = `op_uid, batch_uid, op_type, parent_op_uid, insertion_seq, src_device, src_uid, src_path, dst_device, dst_uid, dst_path, create_ts, status`

func (s *OpsStore) prepare(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.stmts.insert, `
			INSERT OR IGNORE INTO pending_ops (` + sqlOpColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, "opsInsert"},
		{&s.stmts.get, `SELECT ` + sqlOpColumns + ` FROM pending_ops WHERE op_uid = ?`, "opsGet"},
		{&s.stmts.updateStatus, `UPDATE pending_ops SET status = ? WHERE op_uid = ?`, "opsUpdateStatus"},
		{&s.stmts.listByBatch, `SELECT ` + sqlOpColumns + ` FROM pending_ops WHERE batch_uid = ? ORDER BY insertion_seq`, "opsListByBatch"},
		{&s.stmts.listChildren, `SELECT ` + sqlOpColumns + ` FROM pending_ops WHERE parent_op_uid = ?`, "opsListChildren"},
		{&s.stmts.listPending, `
			SELECT ` + sqlOpColumns + ` FROM pending_ops
			WHERE status NOT IN (?, ?, ?)
			ORDER BY insertion_seq`, "opsListPending"},
		{&s.stmts.archive, `
			INSERT INTO archived_ops (` + sqlOpColumns + `, archived_reason, archived_ts)
			SELECT ` + sqlOpColumns + `, ?, ?
			FROM pending_ops WHERE op_uid = ?`, "opsArchive"},
		{&s.stmts.deleteOp, `DELETE FROM pending_ops WHERE op_uid = ?`, "opsDelete"},
	})
}

func scanOp(scanner interface{ Scan(...any) error }) (*OpRecord, error) {
	var r OpRecord
	var status string

	if err := scanner.Scan(&r.OpUID, &r.BatchUID, &r.OpType, &r.ParentOpUID, &r.InsertionSeq,
		&r.SrcDevice, &r.SrcUID, &r.SrcPath, &r.DstDevice, &r.DstUID, &r.DstPath, &r.CreateTS, &status); err != nil {
		return nil, err
	}

	r.Status = OpStatus(status)

	return &r, nil
}

// Insert persists a new pending operation row.
func (s *OpsStore) Insert(ctx context.Context, r *OpRecord) error {
	_, err := s.stmts.insert.ExecContext(ctx, r.OpUID, r.BatchUID, r.OpType, r.ParentOpUID, r.InsertionSeq,
		r.SrcDevice, r.SrcUID, r.SrcPath, r.DstDevice, r.DstUID, r.DstPath, r.CreateTS, string(r.Status))
	if err != nil {
		return fmt.Errorf("store: inserting op %s: %w", r.OpUID, err)
	}

	return nil
}

// InsertBatch persists an entire batch, in insertion order, in a single
// transaction.
func (s *OpsStore) InsertBatch(ctx context.Context, records []*OpRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin op batch insert: %w", err)
	}

	stmt := tx.StmtContext(ctx, s.stmts.insert)

	for i, r := range records {
		if _, execErr := stmt.ExecContext(ctx, r.OpUID, r.BatchUID, r.OpType, r.ParentOpUID, r.InsertionSeq,
			r.SrcDevice, r.SrcUID, r.SrcPath, r.DstDevice, r.DstUID, r.DstPath, r.CreateTS, string(r.Status)); execErr != nil {
			rollbackErr := tx.Rollback()
			return fmt.Errorf("store: batch insert op %d (%s): %w (rollback: %v)", i, r.OpUID, execErr, rollbackErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit op batch insert: %w", err)
	}

	return nil
}

// Get returns the pending op record, or (nil, sql.ErrNoRows) if absent
// (already archived or never existed).
func (s *OpsStore) Get(ctx context.Context, opUID string) (*OpRecord, error) {
	r, err := scanOp(s.stmts.get.QueryRowContext(ctx, opUID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}

		return nil, fmt.Errorf("store: reading op %s: %w", opUID, err)
	}

	return r, nil
}

// SetStatus updates a pending op's lifecycle status in place.
func (s *OpsStore) SetStatus(ctx context.Context, opUID string, status OpStatus) error {
	if _, err := s.stmts.updateStatus.ExecContext(ctx, string(status), opUID); err != nil {
		return fmt.Errorf("store: updating op %s status: %w", opUID, err)
	}

	return nil
}

// ListByBatch returns every op in a batch, in insertion order.
func (s *OpsStore) ListByBatch(ctx context.Context, batchUID string) ([]*OpRecord, error) {
	return s.queryOps(ctx, s.stmts.listByBatch, batchUID)
}

// ListChildren returns the ops whose parent_op_uid is opUID (in the
// opgraph, the ops whose destination directory that MKDIR op creates).
func (s *OpsStore) ListChildren(ctx context.Context, opUID string) ([]*OpRecord, error) {
	return s.queryOps(ctx, s.stmts.listChildren, opUID)
}

// ListPending returns every op not yet in a terminal state, across every
// batch, ordered by insertion_seq — the full persisted state a restarted
// Operation Graph needs to rebuild its in-memory dependency tree from
// (spec.md §4.9, §8 scenario 5).
func (s *OpsStore) ListPending(ctx context.Context) ([]*OpRecord, error) {
	rows, err := s.stmts.listPending.QueryContext(ctx,
		string(OpStatusCompleted), string(OpStatusFailed), string(OpStatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("store: listing pending ops: %w", err)
	}
	defer rows.Close()

	return scanOpRows(rows)
}

func (s *OpsStore) queryOps(ctx context.Context, stmt *sql.Stmt, arg string) ([]*OpRecord, error) {
	rows, err := stmt.QueryContext(ctx, arg)
	if err != nil {
		return nil, fmt.Errorf("store: querying ops: %w", err)
	}
	defer rows.Close()

	return scanOpRows(rows)
}

func scanOpRows(rows *sql.Rows) ([]*OpRecord, error) {
	var out []*OpRecord

	for rows.Next() {
		r, err := scanOp(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning op row: %w", err)
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

// CountActive returns the number of pending_ops rows not yet in a terminal
// state (blocked, ready, or running), for the Status surface of spec.md §6.
func (s *OpsStore) CountActive(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_ops WHERE status IN (?, ?, ?)`,
		string(OpStatusBlocked), string(OpStatusReady), string(OpStatusRunning))

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting active ops: %w", err)
	}

	return n, nil
}

// Archive moves a completed/failed/cancelled op from pending_ops into
// archived_ops, recording reason and archivedTS, then deletes it from
// pending_ops. Mirrors the executor's command_complete transition
// (spec.md §4.10): an op is archived only after its terminal state is
// durable, never before.
func (s *OpsStore) Archive(ctx context.Context, opUID, reason string, archivedTS int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin op archive: %w", err)
	}

	if _, err := tx.StmtContext(ctx, s.stmts.archive).ExecContext(ctx, reason, archivedTS, opUID); err != nil {
		rollbackErr := tx.Rollback()
		return fmt.Errorf("store: archiving op %s: %w (rollback: %v)", opUID, err, rollbackErr)
	}

	if _, err := tx.StmtContext(ctx, s.stmts.deleteOp).ExecContext(ctx, opUID); err != nil {
		rollbackErr := tx.Rollback()
		return fmt.Errorf("store: deleting archived op %s: %w (rollback: %v)", opUID, err, rollbackErr)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit op archive: %w", err)
	}

	return nil
}

// Close releases the underlying database handle.
func (s *OpsStore) Close() error {
	return s.db.Close()
}
