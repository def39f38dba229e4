package sigpipe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/synctree/synctree/internal/cacheman"
	"github.com/synctree/synctree/internal/eventbus"
	"github.com/synctree/synctree/internal/mapper"
	"github.com/synctree/synctree/internal/node"
	"github.com/synctree/synctree/internal/treestore"
)

// fakeLocalStore is a minimal treestore.Store + treestore.AbsPather backed
// by an in-memory map and a real temp directory for AbsPath resolution, so
// hashing.Hash actually reads bytes off disk.
type fakeLocalStore struct {
	root    string
	nodes   map[node.UID]*node.Node
	updates chan *node.Node
}

func newFakeLocalStore(root string) *fakeLocalStore {
	return &fakeLocalStore{root: root, nodes: make(map[node.UID]*node.Node), updates: make(chan *node.Node, 16)}
}

func (f *fakeLocalStore) AbsPath(relPath string) string { return filepath.Join(f.root, relPath) }

func (f *fakeLocalStore) LoadSubtree(context.Context, node.NodeIdentifier, string) error    { return nil }
func (f *fakeLocalStore) RefreshSubtree(context.Context, node.NodeIdentifier, string) error { return nil }
func (f *fakeLocalStore) GetNodeForUID(uid node.UID) (*node.Node, bool)                     { n, ok := f.nodes[uid]; return n, ok }
func (f *fakeLocalStore) GetChildList(*node.Node, treestore.Filter) []*node.Node            { return nil }
func (f *fakeLocalStore) GetParentList(*node.Node) []*node.Node                             { return nil }
func (f *fakeLocalStore) UpsertSingleNode(context.Context, *node.Node) error                { return nil }

func (f *fakeLocalStore) UpdateSingleNode(_ context.Context, n *node.Node) error {
	f.nodes[n.Identifier.UID] = n
	f.updates <- n
	return nil
}

func (f *fakeLocalStore) RemoveSingleNode(context.Context, node.NodeIdentifier, bool) error {
	return nil
}
func (f *fakeLocalStore) RemoveSubtree(context.Context, node.NodeIdentifier, bool) error { return nil }

func (f *fakeLocalStore) GenerateDirStats(context.Context, node.NodeIdentifier, string) (map[node.UID]node.DirectoryStats, error) {
	return nil, nil
}

func (f *fakeLocalStore) GetAllFilesAndDirsForSubtree(node.NodeIdentifier) ([]*node.Node, []*node.Node) {
	return nil, nil
}

func (f *fakeLocalStore) GetNodeForDomainID(string) (*node.Node, bool) { return nil, false }

func (f *fakeLocalStore) GetUIDForDomainID(context.Context, string, node.UID) (node.UID, error) {
	return node.NilUID, nil
}

func (f *fakeLocalStore) IsComplete() bool { return true }

var (
	_ treestore.Store     = (*fakeLocalStore)(nil)
	_ treestore.AbsPather = (*fakeLocalStore)(nil)
)

func TestPipelineHashesUnsignedFileAndWritesBack(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello world"), 0o644))

	fs := newFakeLocalStore(dir)
	cache := cacheman.New(nil)
	cache.RegisterStore(1, fs, mapper.NewPathMapper("", nil), mapper.NewCloudIDMapper(nil))

	n := &node.Node{
		Identifier: node.NodeIdentifier{Device: 1, UID: node.UID(2), Paths: []string{"a.txt"}},
		Kind:       node.KindLocalFile,
		LocalFile:  &node.LocalFile{Size: 11, Mtime: 1000},
	}
	fs.nodes[n.Identifier.UID] = n

	bus := eventbus.New(nil)
	p := New(bus, cache, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)

	// Give Start's settling-delay goroutine a moment to subscribe before
	// publishing — the subscription channel doesn't exist until then.
	time.Sleep(20 * time.Millisecond)
	bus.PublishNodeUpserted(eventbus.NodeUpserted{Node: n, TreeID: "t1"})

	select {
	case updated := <-fs.updates:
		require.Len(t, updated.LocalFile.MD5, 32)
		require.Len(t, updated.LocalFile.SHA256, 64)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signature pipeline to write back a hashed node")
	}
}

func TestPipelineSkipsFileThatAlreadyHasSignature(t *testing.T) {
	dir := t.TempDir()

	fs := newFakeLocalStore(dir)
	cache := cacheman.New(nil)
	cache.RegisterStore(1, fs, mapper.NewPathMapper("", nil), mapper.NewCloudIDMapper(nil))

	n := &node.Node{
		Identifier: node.NodeIdentifier{Device: 1, UID: node.UID(2), Paths: []string{"a.txt"}},
		Kind:       node.KindLocalFile,
		LocalFile:  &node.LocalFile{Size: 11, Mtime: 1000, MD5: "deadbeef", SHA256: "deadbeef"},
	}
	fs.nodes[n.Identifier.UID] = n

	bus := eventbus.New(nil)
	p := New(bus, cache, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	bus.PublishNodeUpserted(eventbus.NodeUpserted{Node: n, TreeID: "t1"})

	select {
	case <-fs.updates:
		t.Fatal("pipeline should not re-hash a node that already has a signature")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPipelineDropsSilentlyWhenFileVanished(t *testing.T) {
	dir := t.TempDir()

	fs := newFakeLocalStore(dir)
	cache := cacheman.New(nil)
	cache.RegisterStore(1, fs, mapper.NewPathMapper("", nil), mapper.NewCloudIDMapper(nil))

	n := &node.Node{
		Identifier: node.NodeIdentifier{Device: 1, UID: node.UID(2), Paths: []string{"gone.txt"}},
		Kind:       node.KindLocalFile,
		LocalFile:  &node.LocalFile{Size: 0, Mtime: 1000},
	}
	fs.nodes[n.Identifier.UID] = n

	bus := eventbus.New(nil)
	p := New(bus, cache, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	bus.PublishNodeUpserted(eventbus.NodeUpserted{Node: n, TreeID: "t1"})

	select {
	case <-fs.updates:
		t.Fatal("pipeline should not write back a node for a file that no longer exists")
	case <-time.After(100 * time.Millisecond):
	}
}
