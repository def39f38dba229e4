package diag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synctree/synctree/internal/cacheman"
	"github.com/synctree/synctree/internal/eventbus"
	"github.com/synctree/synctree/internal/mapper"
	"github.com/synctree/synctree/internal/node"
	"github.com/synctree/synctree/internal/opgraph"
	"github.com/synctree/synctree/internal/store"
	"github.com/synctree/synctree/internal/treestore"
)

// fakeStore backs diag's tests with a handful of in-memory nodes and a
// disk-side map diag can deliberately disagree with.
type fakeStore struct {
	nodes  map[node.UID]*node.Node
	onDisk []*node.Node
}

func newFakeStore() *fakeStore { return &fakeStore{nodes: make(map[node.UID]*node.Node)} }

func (f *fakeStore) LoadSubtree(context.Context, node.NodeIdentifier, string) error    { return nil }
func (f *fakeStore) RefreshSubtree(context.Context, node.NodeIdentifier, string) error { return nil }
func (f *fakeStore) GetNodeForUID(uid node.UID) (*node.Node, bool)                     { n, ok := f.nodes[uid]; return n, ok }
func (f *fakeStore) GetChildList(*node.Node, treestore.Filter) []*node.Node            { return nil }
func (f *fakeStore) GetParentList(*node.Node) []*node.Node                             { return nil }
func (f *fakeStore) UpsertSingleNode(context.Context, *node.Node) error                { return nil }
func (f *fakeStore) UpdateSingleNode(context.Context, *node.Node) error                { return nil }
func (f *fakeStore) RemoveSingleNode(context.Context, node.NodeIdentifier, bool) error  { return nil }
func (f *fakeStore) RemoveSubtree(context.Context, node.NodeIdentifier, bool) error     { return nil }

func (f *fakeStore) GenerateDirStats(context.Context, node.NodeIdentifier, string) (map[node.UID]node.DirectoryStats, error) {
	return nil, nil
}

func (f *fakeStore) GetAllFilesAndDirsForSubtree(node.NodeIdentifier) ([]*node.Node, []*node.Node) {
	var files []*node.Node
	for _, n := range f.nodes {
		files = append(files, n)
	}
	return files, nil
}

func (f *fakeStore) GetNodeForDomainID(string) (*node.Node, bool) { return nil, false }

func (f *fakeStore) GetUIDForDomainID(context.Context, string, node.UID) (node.UID, error) {
	return node.NilUID, nil
}

func (f *fakeStore) IsComplete() bool { return true }

func (f *fakeStore) ListAllOnDisk(context.Context) ([]*node.Node, error) { return f.onDisk, nil }

var (
	_ treestore.Store        = (*fakeStore)(nil)
	_ treestore.DiskSnapshot = (*fakeStore)(nil)
)

func fileNode(uid node.UID, device node.DeviceUID, md5 string, mtime int64) *node.Node {
	return &node.Node{
		Identifier: node.NodeIdentifier{Device: device, UID: uid, Paths: []string{"a.txt"}},
		Kind:       node.KindLocalFile,
		LocalFile:  &node.LocalFile{MD5: md5, Mtime: mtime},
	}
}

func newManagerWithStore(t *testing.T, device node.DeviceUID, s treestore.Store) *cacheman.Manager {
	t.Helper()

	cache := cacheman.New(nil)
	cache.RegisterStore(device, s, mapper.NewPathMapper(t.TempDir(), nil), mapper.NewCloudIDMapper(nil))

	return cache
}

func TestVerifyConsistencyReportsNoDiscrepanciesWhenInSync(t *testing.T) {
	s := newFakeStore()
	uid := node.UID(1)
	s.nodes[uid] = fileNode(uid, 1, "deadbeef", 100)
	s.onDisk = []*node.Node{fileNode(uid, 1, "deadbeef", 100)}

	cache := newManagerWithStore(t, 1, s)

	discrepancies, err := VerifyConsistency(context.Background(), cache, node.NodeIdentifier{Device: 1, UID: node.RootUID})
	require.NoError(t, err)
	require.Empty(t, discrepancies)
}

func TestVerifyConsistencyFlagsStaleDiskRow(t *testing.T) {
	s := newFakeStore()
	uid := node.UID(1)
	s.nodes[uid] = fileNode(uid, 1, "newhash", 200)
	s.onDisk = []*node.Node{fileNode(uid, 1, "oldhash", 100)}

	cache := newManagerWithStore(t, 1, s)

	discrepancies, err := VerifyConsistency(context.Background(), cache, node.NodeIdentifier{Device: 1, UID: node.RootUID})
	require.NoError(t, err)
	require.NotEmpty(t, discrepancies)

	var sawMD5 bool
	for _, d := range discrepancies {
		if d.Field == "md5" {
			sawMD5 = true
		}
	}
	require.True(t, sawMD5)
}

func TestVerifyConsistencyFlagsMissingDiskRow(t *testing.T) {
	s := newFakeStore()
	uid := node.UID(1)
	s.nodes[uid] = fileNode(uid, 1, "deadbeef", 100)

	cache := newManagerWithStore(t, 1, s)

	discrepancies, err := VerifyConsistency(context.Background(), cache, node.NodeIdentifier{Device: 1, UID: node.RootUID})
	require.NoError(t, err)
	require.Len(t, discrepancies, 1)
	require.Equal(t, "presence", discrepancies[0].Field)
}

func TestSnapshotReportsLoadStateNodeCountAndPendingOps(t *testing.T) {
	s := newFakeStore()
	uid := node.UID(1)
	s.nodes[uid] = fileNode(uid, 1, "deadbeef", 100)

	cache := newManagerWithStore(t, 1, s)
	root := node.NodeIdentifier{Device: 1, UID: node.RootUID}
	cache.CreateDisplayTree("tree1", root, nil)

	ops, err := store.OpenOpsStore(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ops.Close() })

	graph := opgraph.New(ops, nil)
	_ = eventbus.New(nil)

	status, err := Snapshot(context.Background(), cache, graph, "tree1")
	require.NoError(t, err)
	require.Equal(t, "NOT_LOADED", status.LoadState)
	require.Equal(t, 1, status.NodeCount)
	require.Zero(t, status.PendingOps)
}

func TestSnapshotErrorsOnUnknownTree(t *testing.T) {
	cache := cacheman.New(nil)

	ops, err := store.OpenOpsStore(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ops.Close() })

	graph := opgraph.New(ops, nil)

	_, err = Snapshot(context.Background(), cache, graph, "missing")
	require.Error(t, err)
}
