package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synctree/synctree/internal/node"
)

func TestRegistryStoreUpsertAndGetRoundTrips(t *testing.T) {
	ctx := context.Background()

	s, err := OpenRegistryStore(ctx, ":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	entry := &CacheInfoEntry{
		CacheLocation:     "/home/user/.cache/synctree/1/local.db",
		SubtreeRootDevice: 1,
		SubtreeRootUID:    1,
		LastSyncTS:        42,
		IsComplete:        true,
	}

	require.NoError(t, s.Upsert(ctx, entry))
	require.NotEmpty(t, entry.ID)

	got, err := s.Get(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, entry.CacheLocation, got.CacheLocation)
	require.True(t, got.IsComplete)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestRegistryStoreGetMissingReturnsErrNoRows(t *testing.T) {
	ctx := context.Background()

	s, err := OpenRegistryStore(ctx, ":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(ctx, 99, 99)
	require.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestLocalStoreUpsertGetAndListChildren(t *testing.T) {
	ctx := context.Background()

	s, err := OpenLocalStore(ctx, ":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	dir := &node.Node{
		Identifier: node.NodeIdentifier{Device: 1, UID: 1, Paths: []string{""}},
		Kind:       node.KindLocalDir,
		LocalDir:   &node.LocalDir{},
	}
	require.NoError(t, s.Upsert(ctx, dir, 100))

	file := &node.Node{
		Identifier: node.NodeIdentifier{Device: 1, UID: 2, Paths: []string{"notes.txt"}},
		Kind:       node.KindLocalFile,
		LocalFile:  &node.LocalFile{Size: 128, MD5: "abc"},
	}
	require.NoError(t, s.Upsert(ctx, file, 100))

	nested := &node.Node{
		Identifier: node.NodeIdentifier{Device: 1, UID: 3, Paths: []string{"sub/deep.txt"}},
		Kind:       node.KindLocalFile,
		LocalFile:  &node.LocalFile{Size: 4},
	}
	require.NoError(t, s.Upsert(ctx, nested, 100))

	got, err := s.Get(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(128), got.LocalFile.Size)
	require.Equal(t, "abc", got.LocalFile.MD5)

	children, err := s.ListChildren(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, "notes.txt", children[0].Identifier.SinglePath().Path)

	require.NoError(t, s.BindPath(ctx, 1, "notes.txt", 2))
	uid, err := s.UIDForPath(ctx, 1, "notes.txt")
	require.NoError(t, err)
	require.Equal(t, node.UID(2), uid)
}

func TestLocalStoreBatchUpsertWritesEveryNode(t *testing.T) {
	ctx := context.Background()

	s, err := OpenLocalStore(ctx, ":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	nodes := []*node.Node{
		{Identifier: node.NodeIdentifier{Device: 1, UID: 10, Paths: []string{"a.txt"}}, Kind: node.KindLocalFile, LocalFile: &node.LocalFile{Size: 1}},
		{Identifier: node.NodeIdentifier{Device: 1, UID: 11, Paths: []string{"b.txt"}}, Kind: node.KindLocalFile, LocalFile: &node.LocalFile{Size: 2}},
	}

	require.NoError(t, s.BatchUpsert(ctx, nodes, 200))

	all, err := s.ListAll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestRemoteStoreUpsertAndParentEdges(t *testing.T) {
	ctx := context.Background()

	s, err := OpenRemoteStore(ctx, ":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	dir := &node.Node{
		Identifier: node.NodeIdentifier{Device: 1, UID: 1},
		Kind:       node.KindRemoteDir,
		RemoteDir:  &node.RemoteDir{CloudID: "root", MyDrive: true},
	}
	require.NoError(t, s.Upsert(ctx, dir, 0))

	file := &node.Node{
		Identifier: node.NodeIdentifier{Device: 1, UID: 2},
		Kind:       node.KindRemoteFile,
		RemoteFile: &node.RemoteFile{CloudID: "file1", Size: 10, MD5: "xyz"},
	}
	require.NoError(t, s.Upsert(ctx, file, 0))

	require.NoError(t, s.AddParent(ctx, 1, "file1", "root"))

	parents, err := s.ListParents(ctx, 1, "file1")
	require.NoError(t, err)
	require.Equal(t, []string{"root"}, parents)

	children, err := s.ListChildren(ctx, 1, "root")
	require.NoError(t, err)
	require.Equal(t, []string{"file1"}, children)

	got, err := s.GetByCloudID(ctx, 1, "file1")
	require.NoError(t, err)
	require.Equal(t, "xyz", got.RemoteFile.MD5)

	require.NoError(t, s.BindCloudID(ctx, 1, "file1", 2))
	uid, err := s.UIDForCloudID(ctx, 1, "file1")
	require.NoError(t, err)
	require.Equal(t, node.UID(2), uid)

	cloudID, err := s.CloudIDForUID(ctx, 1, 2)
	require.NoError(t, err)
	require.Equal(t, "file1", cloudID)
}

func TestOpsStoreInsertArchiveLifecycle(t *testing.T) {
	ctx := context.Background()

	s, err := OpenOpsStore(ctx, ":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	op := &OpRecord{
		OpUID:        "op-1",
		BatchUID:     "batch-1",
		OpType:       "MKDIR",
		InsertionSeq: 0,
		CreateTS:     1000,
		Status:       OpStatusBlocked,
	}
	require.NoError(t, s.Insert(ctx, op))

	got, err := s.Get(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, OpStatusBlocked, got.Status)

	require.NoError(t, s.SetStatus(ctx, "op-1", OpStatusReady))
	got, err = s.Get(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, OpStatusReady, got.Status)

	list, err := s.ListByBatch(ctx, "batch-1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.Archive(ctx, "op-1", "completed", 2000))

	_, err = s.Get(ctx, "op-1")
	require.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestOpsStoreInsertIgnoresDuplicateOpUID(t *testing.T) {
	ctx := context.Background()

	s, err := OpenOpsStore(ctx, ":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	op := &OpRecord{OpUID: "op-1", BatchUID: "batch-1", OpType: "CP", InsertionSeq: 0, CreateTS: 1000, Status: OpStatusBlocked}
	require.NoError(t, s.Insert(ctx, op))
	require.NoError(t, s.Insert(ctx, op))

	list, err := s.ListByBatch(ctx, "batch-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestOpsStoreListPendingExcludesTerminalStates(t *testing.T) {
	ctx := context.Background()

	s, err := OpenOpsStore(ctx, ":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.InsertBatch(ctx, []*OpRecord{
		{OpUID: "blocked", BatchUID: "b1", OpType: "CP", InsertionSeq: 0, CreateTS: 1, Status: OpStatusBlocked},
		{OpUID: "ready", BatchUID: "b1", OpType: "CP", InsertionSeq: 1, CreateTS: 1, Status: OpStatusReady},
		{OpUID: "running", BatchUID: "b1", OpType: "CP", InsertionSeq: 2, CreateTS: 1, Status: OpStatusRunning},
	}))
	require.NoError(t, s.Insert(ctx, &OpRecord{OpUID: "cancelled", BatchUID: "b1", OpType: "CP", InsertionSeq: 3, CreateTS: 1, Status: OpStatusCancelled}))

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, "blocked", pending[0].OpUID)
	require.Equal(t, "ready", pending[1].OpUID)
	require.Equal(t, "running", pending[2].OpUID)
}

func TestOpsStoreInsertBatchPersistsParentLinks(t *testing.T) {
	ctx := context.Background()

	s, err := OpenOpsStore(ctx, ":memory:", nil)
	require.NoError(t, err)
	defer s.Close()

	records := []*OpRecord{
		{OpUID: "root", BatchUID: "b1", OpType: "ROOT", InsertionSeq: 0, CreateTS: 1, Status: OpStatusReady},
		{OpUID: "child", BatchUID: "b1", OpType: "CP", ParentOpUID: "root", InsertionSeq: 1, CreateTS: 1, Status: OpStatusBlocked},
	}

	require.NoError(t, s.InsertBatch(ctx, records))

	children, err := s.ListChildren(ctx, "root")
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, "child", children[0].OpUID)
}
