// Package opgraph implements the Operation Graph of spec.md §4.9: a
// dependency-ordered queue of UserOps backed by internal/store's
// pending_ops table. Grounded directly on the teacher's
// internal/sync/tracker.go DepTracker — a map of tracked nodes keyed by
// op UID, a per-node countdown of unmet dependencies, and a single ready
// channel a worker pool drains.
//
// The store persists one row per UserOp (not per graph role), so this
// package tracks one graph node per UserOp rather than splitting each op
// into separate SrcActionNode/DstActionNode instances: a node's unmet
// dependencies are its destination-parent-directory creator (if any) and
// its immediately preceding sibling under that same parent, which is
// sufficient to guarantee "parent before child, siblings in insertion
// order" without doubling the persisted schema. Restore replays every
// non-terminal row back through the same splicing logic AddBatch uses, so
// a process that restarts with ops still in pending_ops resumes without
// losing that order.
package opgraph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/synctree/synctree/internal/node"
	"github.com/synctree/synctree/internal/store"
	"github.com/synctree/synctree/internal/userop"
)

type trackedOp struct {
	op         *userop.UserOp
	depsLeft   int
	dependents []string
	done       bool
}

// Graph is the in-memory dependency tracker over a persisted pending_ops
// table.
type Graph struct {
	mu sync.Mutex

	ops   *store.OpsStore
	nodes map[string]*trackedOp

	lastChildOf map[string]string // parentKey ("" for root) -> most recently added child's op_uid
	dirCreator  map[string]string // "device:path" -> op_uid of the MKDIR that creates that directory

	ready chan *userop.UserOp

	nextSeq int64

	logger *slog.Logger
}

// New constructs an empty Graph over ops.
func New(ops *store.OpsStore, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}

	return &Graph{
		ops:         ops,
		nodes:       make(map[string]*trackedOp),
		lastChildOf: make(map[string]string),
		dirCreator:  make(map[string]string),
		ready:       make(chan *userop.UserOp, 4096),
		logger:      logger,
	}
}

func dirKey(device uint64, path string) string {
	return fmt.Sprintf("%d:%s", device, path)
}

// Restore reloads every non-terminal pending_ops row and replays it through
// spliceLocked in insertion order, rebuilding dirCreator, lastChildOf, and
// every node's depsLeft exactly as they stood before the process exited.
// Call this once, right after New, before any AddBatch or GetNext: without
// it a restarted process never re-seeds ready, and GetNext blocks forever
// on ops that are still sitting in the store (spec.md §8 scenario 5).
func (g *Graph) Restore(ctx context.Context) error {
	records, err := g.ops.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("opgraph: restoring pending ops: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, r := range records {
		op := fromRecord(r)

		if op.Type == userop.Mkdir && op.Dst != nil {
			g.dirCreator[dirKey(uint64(op.Dst.Device), op.Dst.Paths[0])] = op.OpUID
		}

		g.spliceLocked(op)

		if r.InsertionSeq >= g.nextSeq {
			g.nextSeq = r.InsertionSeq + 1
		}
	}

	return nil
}

// fromRecord reconstructs the UserOp fields the operation graph needs to
// rebuild its dependency tree. Category, content signatures, and the
// trash/recursive flags aren't part of the persisted schema (they're
// consumed once, by the Diff Engine and Command Executor, not by the
// graph itself) and come back zero-valued.
func fromRecord(r *store.OpRecord) *userop.UserOp {
	op := &userop.UserOp{
		OpUID:    r.OpUID,
		BatchUID: r.BatchUID,
		Type:     userop.Type(r.OpType),
		Src: node.NodeIdentifier{
			Device: node.DeviceUID(r.SrcDevice),
			UID:    node.UID(r.SrcUID),
		},
		CreateTS: r.CreateTS,
	}

	if r.SrcPath != "" {
		op.Src.Paths = []string{r.SrcPath}
	}

	if op.Type != userop.RM {
		dst := node.NodeIdentifier{
			Device: node.DeviceUID(r.DstDevice),
			UID:    node.UID(r.DstUID),
		}

		if r.DstPath != "" {
			dst.Paths = []string{r.DstPath}
		}

		op.Dst = &dst
	}

	return op
}

// AddBatch persists ops (synthesizing a MKDIR ahead of any op whose
// destination directory has no known creator yet) and splices each into
// the graph under the correct parent, per spec.md §4.9's add_batch.
func (g *Graph) AddBatch(ctx context.Context, batchUID string, ops []*userop.UserOp, createTS int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var toPersist []*store.OpRecord
	var toSplice []*userop.UserOp

	for _, op := range ops {
		if op.BatchUID == "" {
			op.BatchUID = batchUID
		}

		if _, tracked := g.nodes[op.OpUID]; tracked {
			// Re-enqueueing an op still sitting in the graph is a no-op: the
			// op_uid is already persisted and already on its way to ready
			// (spec.md §8's "Enqueue(op) twice inserts exactly one row").
			continue
		}

		if op.Dst != nil {
			mkdirs := g.ensureDirChain(uint64(op.Dst.Device), dirOf(op.Dst.Paths[0]), batchUID, createTS)

			for _, m := range mkdirs {
				toPersist = append(toPersist, m.rec)
				toSplice = append(toSplice, m.op)
			}
		}

		rec := g.toRecord(op)
		toPersist = append(toPersist, &rec)
		toSplice = append(toSplice, op)
	}

	if err := g.ops.InsertBatch(ctx, toPersist); err != nil {
		return fmt.Errorf("opgraph: persisting batch: %w", err)
	}

	for _, op := range toSplice {
		g.spliceLocked(op)
	}

	return nil
}

// mkdirRecord pairs a synthesized MKDIR's persisted row with the UserOp
// it represents, so both the DB write and the in-memory splice agree on
// the generated op_uid.
type mkdirRecord struct {
	rec *store.OpRecord
	op  *userop.UserOp
}

// ensureDirChain walks up dir's path components, synthesizing a MKDIR op
// for every directory that has no known creator yet, parent-first. Each
// synthesized op is registered in dirCreator as soon as it's built so a
// sibling ensureDirChain call in the same batch reuses it instead of
// double-creating.
func (g *Graph) ensureDirChain(device uint64, dir string, batchUID string, createTS int64) []mkdirRecord {
	if dir == "" {
		return nil
	}

	key := dirKey(device, dir)
	if _, ok := g.dirCreator[key]; ok {
		return nil
	}

	var out []mkdirRecord

	out = append(out, g.ensureDirChain(device, dirOf(dir), batchUID, createTS)...)

	opUID := fmt.Sprintf("mkdir-%s-%d", key, len(g.dirCreator))
	target := dstIdentifier(device, dir)

	op := &userop.UserOp{
		OpUID:    opUID,
		BatchUID: batchUID,
		Category: userop.ToAddLeft,
		Type:     userop.Mkdir,
		Src:      target,
		Dst:      &target,
		CreateTS: createTS,
	}

	g.dirCreator[key] = opUID

	rec := g.toRecord(op)
	out = append(out, mkdirRecord{rec: &rec, op: op})

	return out
}

func dstIdentifier(device uint64, path string) node.NodeIdentifier {
	return node.NodeIdentifier{Device: node.DeviceUID(device), Paths: []string{path}}
}

// parentKeyFor returns the op_uid of the MKDIR that creates op's
// destination directory, or "" if op has no destination or that directory
// already existed. This is the single edge persisted as ParentOpUID: the
// immediately-preceding-sibling edge spliceLocked also tracks is re-derived
// on Restore purely from insertion_seq order, not persisted separately.
func (g *Graph) parentKeyFor(op *userop.UserOp) string {
	if op.Dst == nil {
		return ""
	}

	if creator, ok := g.dirCreator[dirKey(uint64(op.Dst.Device), dirOf(op.Dst.Paths[0]))]; ok && creator != op.OpUID {
		return creator
	}

	return ""
}

func (g *Graph) spliceLocked(op *userop.UserOp) {
	parentKey := g.parentKeyFor(op)

	prevKey := g.lastChildOf[parentKey]
	g.lastChildOf[parentKey] = op.OpUID

	n := &trackedOp{op: op}

	if parentKey != "" {
		if parent, ok := g.nodes[parentKey]; ok && !parent.done {
			n.depsLeft++
			parent.dependents = append(parent.dependents, op.OpUID)
		}
	}

	if prevKey != "" {
		if prev, ok := g.nodes[prevKey]; ok && !prev.done {
			n.depsLeft++
			prev.dependents = append(prev.dependents, op.OpUID)
		}
	}

	g.nodes[op.OpUID] = n

	if n.depsLeft == 0 {
		g.ready <- op
	}
}

// GetNext blocks until an op is ready to execute: its destination-parent
// creator (if any) and preceding sibling (if any) have both completed.
func (g *Graph) GetNext(ctx context.Context) (*userop.UserOp, error) {
	select {
	case op := <-g.ready:
		return op, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PendingCount reports the number of ops not yet in a terminal state,
// across every batch, for the Status surface of spec.md §6.
func (g *Graph) PendingCount(ctx context.Context) (int, error) {
	return g.ops.CountActive(ctx)
}

// MarkCompleted archives op as done and unblocks its dependents.
func (g *Graph) MarkCompleted(ctx context.Context, opUID string, archivedTS int64) error {
	if err := g.ops.Archive(ctx, opUID, "completed", archivedTS); err != nil {
		return fmt.Errorf("opgraph: archiving completed op %s: %w", opUID, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[opUID]
	if !ok {
		return nil
	}

	n.done = true
	delete(g.nodes, opUID)

	for _, depKey := range n.dependents {
		dep, ok := g.nodes[depKey]
		if !ok {
			continue
		}

		dep.depsLeft--

		if dep.depsLeft <= 0 {
			g.ready <- dep.op
		}
	}

	return nil
}

// MarkFailed archives op with reason and recursively cancels every
// dependent as "CANCELLED: parent_failed" (spec.md §4.9).
func (g *Graph) MarkFailed(ctx context.Context, opUID string, reason string, archivedTS int64) error {
	if err := g.ops.SetStatus(ctx, opUID, store.OpStatusFailed); err != nil {
		return fmt.Errorf("opgraph: marking op %s failed: %w", opUID, err)
	}

	if err := g.ops.Archive(ctx, opUID, reason, archivedTS); err != nil {
		return fmt.Errorf("opgraph: archiving failed op %s: %w", opUID, err)
	}

	g.mu.Lock()
	n, ok := g.nodes[opUID]
	if ok {
		delete(g.nodes, opUID)
	}
	g.mu.Unlock()

	if !ok {
		return nil
	}

	for _, depKey := range n.dependents {
		if err := g.MarkFailed(ctx, depKey, "CANCELLED: parent_failed", archivedTS); err != nil {
			g.logger.Warn("opgraph: cascading cancellation failed", slog.String("op_uid", depKey), slog.String("error", err.Error()))
		}
	}

	return nil
}

func (g *Graph) toRecord(op *userop.UserOp) store.OpRecord {
	rec := store.OpRecord{
		OpUID:        op.OpUID,
		BatchUID:     op.BatchUID,
		OpType:       string(op.Type),
		ParentOpUID:  g.parentKeyFor(op),
		InsertionSeq: g.nextSeq,
		SrcDevice:    uint64(op.Src.Device),
		SrcUID:       uint64(op.Src.UID),
		CreateTS:     op.CreateTS,
		Status:       store.OpStatusBlocked,
	}

	g.nextSeq++

	if op.Src.IsSPID() {
		rec.SrcPath = op.Src.SinglePath().Path
	}

	if op.Dst != nil {
		rec.DstDevice = uint64(op.Dst.Device)
		rec.DstUID = uint64(op.Dst.UID)

		if op.Dst.IsSPID() {
			rec.DstPath = op.Dst.SinglePath().Path
		}
	}

	return rec
}

func dirOf(path string) string {
	i := lastSlash(path)
	if i < 0 {
		return ""
	}

	return path[:i]
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}

	return -1
}
