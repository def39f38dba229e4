package opgraph

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/synctree/synctree/internal/node"
	"github.com/synctree/synctree/internal/store"
	"github.com/synctree/synctree/internal/userop"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()

	ops, err := store.OpenOpsStore(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ops.Close() })

	return New(ops, nil)
}

func cpOp(uid string, dstPath string) *userop.UserOp {
	dst := node.NodeIdentifier{Device: 1, Paths: []string{dstPath}}

	return &userop.UserOp{
		OpUID:    uid,
		Category: userop.ToAddRight,
		Type:     userop.CP,
		Src:      node.NodeIdentifier{Device: 2, UID: node.UID(100)},
		Dst:      &dst,
	}
}

func drainReady(t *testing.T, g *Graph, timeout time.Duration) *userop.UserOp {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	op, err := g.GetNext(ctx)
	require.NoError(t, err)

	return op
}

func TestAddBatchSplicesReadyOpWithNoDependencies(t *testing.T) {
	g := newTestGraph(t)

	op := cpOp("op-1", "notes.txt")
	require.NoError(t, g.AddBatch(context.Background(), "batch-1", []*userop.UserOp{op}, 1000))

	got := drainReady(t, g, time.Second)
	require.Equal(t, "op-1", got.OpUID)
}

func TestAddBatchSynthesizesMkdirForMissingParentDirectory(t *testing.T) {
	g := newTestGraph(t)

	op := cpOp("op-1", "sub/dir/notes.txt")
	require.NoError(t, g.AddBatch(context.Background(), "batch-1", []*userop.UserOp{op}, 1000))

	// Two synthesized MKDIRs (sub, sub/dir) plus the CP: the first ready op
	// must be the outermost directory's MKDIR, not the CP itself.
	first := drainReady(t, g, time.Second)
	require.Equal(t, userop.Mkdir, first.Type)
	require.Equal(t, "sub", first.Dst.Paths[0])

	select {
	case <-g.ready:
		t.Fatal("second op became ready before the first MKDIR completed")
	default:
	}

	require.NoError(t, g.MarkCompleted(context.Background(), first.OpUID, 1001))

	second := drainReady(t, g, time.Second)
	require.Equal(t, userop.Mkdir, second.Type)
	require.Equal(t, "sub/dir", second.Dst.Paths[0])

	require.NoError(t, g.MarkCompleted(context.Background(), second.OpUID, 1002))

	third := drainReady(t, g, time.Second)
	require.Equal(t, "op-1", third.OpUID)
}

func TestSiblingsUnderSameParentDequeueInInsertionOrder(t *testing.T) {
	g := newTestGraph(t)

	first := cpOp("op-1", "dir/a.txt")
	second := cpOp("op-2", "dir/b.txt")

	require.NoError(t, g.AddBatch(context.Background(), "batch-1", []*userop.UserOp{first, second}, 1000))

	mkdir := drainReady(t, g, time.Second)
	require.Equal(t, userop.Mkdir, mkdir.Type)
	require.NoError(t, g.MarkCompleted(context.Background(), mkdir.OpUID, 1001))

	gotFirst := drainReady(t, g, time.Second)
	require.Equal(t, "op-1", gotFirst.OpUID)

	select {
	case <-g.ready:
		t.Fatal("op-2 became ready before op-1 completed")
	default:
	}

	require.NoError(t, g.MarkCompleted(context.Background(), gotFirst.OpUID, 1002))

	gotSecond := drainReady(t, g, time.Second)
	require.Equal(t, "op-2", gotSecond.OpUID)
}

func TestAddBatchReenqueueOfSameOpUIDIsANoOp(t *testing.T) {
	g := newTestGraph(t)

	op := cpOp("op-1", "notes.txt")
	require.NoError(t, g.AddBatch(context.Background(), "batch-1", []*userop.UserOp{op}, 1000))
	require.NoError(t, g.AddBatch(context.Background(), "batch-1", []*userop.UserOp{cpOp("op-1", "notes.txt")}, 1000))

	got := drainReady(t, g, time.Second)
	require.Equal(t, "op-1", got.OpUID)

	select {
	case <-g.ready:
		t.Fatal("duplicate enqueue produced a second ready op")
	default:
	}

	recs, err := g.ops.ListByBatch(context.Background(), "batch-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestRestoreReseedsReadyAndRebuildsDependencyOrder(t *testing.T) {
	g := newTestGraph(t)

	first := cpOp("op-1", "dir/a.txt")
	second := cpOp("op-2", "dir/b.txt")

	require.NoError(t, g.AddBatch(context.Background(), "batch-1", []*userop.UserOp{first, second}, 1000))

	// Simulate a restart: a fresh Graph over the same store, nothing drained.
	g2 := New(g.ops, nil)
	require.NoError(t, g2.Restore(context.Background()))

	mkdir := drainReady(t, g2, time.Second)
	require.Equal(t, userop.Mkdir, mkdir.Type)

	select {
	case <-g2.ready:
		t.Fatal("a CP became ready before its MKDIR was marked complete")
	default:
	}

	require.NoError(t, g2.MarkCompleted(context.Background(), mkdir.OpUID, 1001))

	gotFirst := drainReady(t, g2, time.Second)
	require.Equal(t, "op-1", gotFirst.OpUID)

	select {
	case <-g2.ready:
		t.Fatal("op-2 became ready before op-1 completed")
	default:
	}

	require.NoError(t, g2.MarkCompleted(context.Background(), gotFirst.OpUID, 1002))

	gotSecond := drainReady(t, g2, time.Second)
	require.Equal(t, "op-2", gotSecond.OpUID)
}

func TestMarkFailedCascadesCancellationToDependents(t *testing.T) {
	g := newTestGraph(t)

	first := cpOp("op-1", "dir/a.txt")
	second := cpOp("op-2", "dir/b.txt")

	require.NoError(t, g.AddBatch(context.Background(), "batch-1", []*userop.UserOp{first, second}, 1000))

	mkdir := drainReady(t, g, time.Second)
	require.NoError(t, g.MarkCompleted(context.Background(), mkdir.OpUID, 1001))

	gotFirst := drainReady(t, g, time.Second)
	require.Equal(t, "op-1", gotFirst.OpUID)

	require.NoError(t, g.MarkFailed(context.Background(), gotFirst.OpUID, "boom", 1002))

	// The cascade archives op-2, which moves it out of pending_ops.
	rec, err := g.ops.Get(context.Background(), "op-2")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.Nil(t, rec)

	g.mu.Lock()
	_, stillTracked := g.nodes["op-2"]
	g.mu.Unlock()
	require.False(t, stillTracked)
}
