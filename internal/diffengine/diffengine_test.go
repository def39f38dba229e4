package diffengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synctree/synctree/internal/node"
	"github.com/synctree/synctree/internal/treestore"
)

// fakeStore is a minimal in-memory treestore.Store; diffengine only
// exercises GetAllFilesAndDirsForSubtree and GetParentList, the rest are
// stubs to satisfy the interface.
type fakeStore struct {
	device   node.DeviceUID
	nodes    map[node.UID]*node.Node
	parentOf map[node.UID]node.UID
	root     node.UID
}

func newFakeStore(device node.DeviceUID, root node.UID) *fakeStore {
	return &fakeStore{device: device, nodes: make(map[node.UID]*node.Node), parentOf: make(map[node.UID]node.UID), root: root}
}

func (f *fakeStore) add(n *node.Node, parent node.UID) {
	f.nodes[n.Identifier.UID] = n
	f.parentOf[n.Identifier.UID] = parent
}

func (f *fakeStore) LoadSubtree(context.Context, node.NodeIdentifier, string) error    { return nil }
func (f *fakeStore) RefreshSubtree(context.Context, node.NodeIdentifier, string) error { return nil }
func (f *fakeStore) GetNodeForUID(uid node.UID) (*node.Node, bool)                     { n, ok := f.nodes[uid]; return n, ok }
func (f *fakeStore) GetChildList(*node.Node, treestore.Filter) []*node.Node            { return nil }

func (f *fakeStore) GetParentList(n *node.Node) []*node.Node {
	parent, ok := f.parentOf[n.Identifier.UID]
	if !ok || parent == n.Identifier.UID {
		return nil
	}

	if p, ok := f.nodes[parent]; ok {
		return []*node.Node{p}
	}

	return nil
}

func (f *fakeStore) UpsertSingleNode(context.Context, *node.Node) error { return nil }
func (f *fakeStore) UpdateSingleNode(context.Context, *node.Node) error { return nil }
func (f *fakeStore) RemoveSingleNode(context.Context, node.NodeIdentifier, bool) error {
	return nil
}
func (f *fakeStore) RemoveSubtree(context.Context, node.NodeIdentifier, bool) error { return nil }
func (f *fakeStore) GenerateDirStats(context.Context, node.NodeIdentifier, string) (map[node.UID]node.DirectoryStats, error) {
	return nil, nil
}

func (f *fakeStore) GetAllFilesAndDirsForSubtree(root node.NodeIdentifier) ([]*node.Node, []*node.Node) {
	var files []*node.Node

	for uid, n := range f.nodes {
		if uid == root.UID {
			continue
		}

		if n.IsFile() {
			files = append(files, n)
		}
	}

	return files, nil
}

func (f *fakeStore) GetNodeForDomainID(string) (*node.Node, bool)                      { return nil, false }
func (f *fakeStore) GetUIDForDomainID(context.Context, string, node.UID) (node.UID, error) {
	return node.NilUID, nil
}
func (f *fakeStore) IsComplete() bool { return true }

func localFile(device node.DeviceUID, uid node.UID, md5 string, mtime int64) *node.Node {
	return &node.Node{
		Identifier: node.NodeIdentifier{Device: device, UID: uid},
		Kind:       node.KindLocalFile,
		LocalFile:  &node.LocalFile{MD5: md5, Mtime: mtime},
	}
}

func remoteFile(device node.DeviceUID, uid node.UID, name, md5 string, mtime int64) *node.Node {
	return &node.Node{
		Identifier: node.NodeIdentifier{Device: device, UID: uid},
		Kind:       node.KindRemoteFile,
		RemoteFile: &node.RemoteFile{Name: name, MD5: md5, Mtime: mtime},
	}
}

func TestDiffEmitsCopyForContentOnlyOnOneSide(t *testing.T) {
	left := newFakeStore(1, 1)
	n := localFile(1, 2, "aaa", 100)
	n.Identifier.Paths = []string{"notes.txt"}
	left.add(n, 1)

	right := newFakeStore(2, 1)

	tree, err := Diff(Snapshot{Store: left, Root: node.NodeIdentifier{Device: 1, UID: 1}}, Snapshot{Store: right, Root: node.NodeIdentifier{Device: 2, UID: 1}}, Options{})
	require.NoError(t, err)

	require.Len(t, tree.Categories["TO_ADD_RIGHT"], 1)
	require.Equal(t, "aaa", tree.Categories["TO_ADD_RIGHT"][0].SrcMD5)
}

func TestDiffNoOpWhenContentAndPathMatch(t *testing.T) {
	left := newFakeStore(1, 1)
	l := localFile(1, 2, "aaa", 100)
	l.Identifier.Paths = []string{"notes.txt"}
	left.add(l, 1)

	right := newFakeStore(2, 1)
	r := remoteFile(2, 2, "notes.txt", "aaa", 100)
	right.add(r, 1)

	tree, err := Diff(Snapshot{Store: left, Root: node.NodeIdentifier{Device: 1, UID: 1}}, Snapshot{Store: right, Root: node.NodeIdentifier{Device: 2, UID: 1}}, Options{})
	require.NoError(t, err)
	require.Equal(t, 0, tree.Len())
}

func TestDiffEmitsUpdateForNewerContentAtSamePath(t *testing.T) {
	left := newFakeStore(1, 1)
	l := localFile(1, 2, "newcontent", 200)
	l.Identifier.Paths = []string{"notes.txt"}
	left.add(l, 1)

	right := newFakeStore(2, 1)
	r := remoteFile(2, 2, "notes.txt", "oldcontent", 100)
	right.add(r, 1)

	tree, err := Diff(Snapshot{Store: left, Root: node.NodeIdentifier{Device: 1, UID: 1}}, Snapshot{Store: right, Root: node.NodeIdentifier{Device: 2, UID: 1}}, Options{})
	require.NoError(t, err)
	require.Len(t, tree.Categories["TO_UPDATE_RIGHT"], 1)
}

func TestDiffEmitsMoveWhenContentMatchesAtDifferentPaths(t *testing.T) {
	left := newFakeStore(1, 1)
	l := localFile(1, 2, "same", 100)
	l.Identifier.Paths = []string{"old/name.txt"}
	left.add(l, 1)

	right := newFakeStore(2, 1)
	r := remoteFile(2, 2, "new-name.txt", "same", 200)
	right.add(r, 1)

	tree, err := Diff(Snapshot{Store: left, Root: node.NodeIdentifier{Device: 1, UID: 1}}, Snapshot{Store: right, Root: node.NodeIdentifier{Device: 2, UID: 1}}, Options{})
	require.NoError(t, err)
	require.Len(t, tree.Categories["TO_MOVE_LEFT"], 1)
	require.Equal(t, "new-name.txt", tree.Categories["TO_MOVE_LEFT"][0].Dst.Paths[0])
}

func TestDiffEmitsMoveForEveryDuplicateContentPair(t *testing.T) {
	left := newFakeStore(1, 1)
	l1 := localFile(1, 2, "dup", 100)
	l1.Identifier.Paths = []string{"old/a.txt"}
	left.add(l1, 1)
	l2 := localFile(1, 3, "dup", 100)
	l2.Identifier.Paths = []string{"old/b.txt"}
	left.add(l2, 1)

	right := newFakeStore(2, 1)
	r1 := remoteFile(2, 2, "new-a.txt", "dup", 200)
	right.add(r1, 1)
	r2 := remoteFile(2, 3, "new-b.txt", "dup", 200)
	right.add(r2, 1)

	tree, err := Diff(Snapshot{Store: left, Root: node.NodeIdentifier{Device: 1, UID: 1}}, Snapshot{Store: right, Root: node.NodeIdentifier{Device: 2, UID: 1}}, Options{})
	require.NoError(t, err)

	// Both duplicate-content pairs must produce a move, not just the first.
	require.Len(t, tree.Categories["TO_MOVE_LEFT"], 2)

	gotPaths := []string{
		tree.Categories["TO_MOVE_LEFT"][0].Dst.Paths[0],
		tree.Categories["TO_MOVE_LEFT"][1].Dst.Paths[0],
	}
	require.ElementsMatch(t, []string{"new-a.txt", "new-b.txt"}, gotPaths)
}

func TestDiffMoveDefaultsToRightOnTiedMtime(t *testing.T) {
	left := newFakeStore(1, 1)
	dir := &node.Node{
		Identifier: node.NodeIdentifier{Device: 1, UID: 3, Paths: []string{"old"}},
		Kind:       node.KindLocalDir,
		LocalDir:   &node.LocalDir{},
	}
	left.add(dir, 1)
	l := localFile(1, 2, "same", 100)
	l.Identifier.Paths = []string{"old/name.txt"}
	left.add(l, 3)

	right := newFakeStore(2, 1)
	r := remoteFile(2, 2, "new-name.txt", "same", 100)
	right.add(r, 1)

	tree, err := Diff(Snapshot{Store: left, Root: node.NodeIdentifier{Device: 1, UID: 1}}, Snapshot{Store: right, Root: node.NodeIdentifier{Device: 2, UID: 1}}, Options{})
	require.NoError(t, err)

	// Tied mtimes give olderSide no winner; the move direction falls back
	// to the right side (the left side's path becomes authoritative).
	require.Empty(t, tree.Categories["TO_MOVE_LEFT"])
	require.Len(t, tree.Categories["TO_MOVE_RIGHT"], 1)
	require.Equal(t, "old/name.txt", tree.Categories["TO_MOVE_RIGHT"][0].Dst.Paths[0])
}
