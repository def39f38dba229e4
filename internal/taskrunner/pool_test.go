package taskrunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/synctree/synctree/internal/cacheman"
	"github.com/synctree/synctree/internal/eventbus"
	"github.com/synctree/synctree/internal/executor"
	"github.com/synctree/synctree/internal/mapper"
	"github.com/synctree/synctree/internal/node"
	"github.com/synctree/synctree/internal/opgraph"
	"github.com/synctree/synctree/internal/store"
	"github.com/synctree/synctree/internal/treestore"
	"github.com/synctree/synctree/internal/userop"
)

type noopStore struct{ root string }

func (s *noopStore) AbsPath(relPath string) string { return relPath }

func (s *noopStore) LoadSubtree(context.Context, node.NodeIdentifier, string) error    { return nil }
func (s *noopStore) RefreshSubtree(context.Context, node.NodeIdentifier, string) error { return nil }
func (s *noopStore) GetNodeForUID(node.UID) (*node.Node, bool)                        { return nil, false }
func (s *noopStore) GetChildList(*node.Node, treestore.Filter) []*node.Node           { return nil }
func (s *noopStore) GetParentList(*node.Node) []*node.Node                            { return nil }
func (s *noopStore) UpsertSingleNode(context.Context, *node.Node) error               { return nil }
func (s *noopStore) UpdateSingleNode(context.Context, *node.Node) error               { return nil }
func (s *noopStore) RemoveSingleNode(context.Context, node.NodeIdentifier, bool) error { return nil }
func (s *noopStore) RemoveSubtree(context.Context, node.NodeIdentifier, bool) error    { return nil }

func (s *noopStore) GenerateDirStats(context.Context, node.NodeIdentifier, string) (map[node.UID]node.DirectoryStats, error) {
	return nil, nil
}

func (s *noopStore) GetAllFilesAndDirsForSubtree(node.NodeIdentifier) ([]*node.Node, []*node.Node) {
	return nil, nil
}

func (s *noopStore) GetNodeForDomainID(string) (*node.Node, bool) { return nil, false }

func (s *noopStore) GetUIDForDomainID(context.Context, string, node.UID) (node.UID, error) {
	return node.NilUID, nil
}

func (s *noopStore) IsComplete() bool { return true }

var _ treestore.Store = (*noopStore)(nil)

func TestPoolDispatchesOpsAcrossWorkersAndTracksSuccess(t *testing.T) {
	dir := t.TempDir()

	cache := cacheman.New(nil)
	cache.RegisterStore(1, &noopStore{root: dir}, mapper.NewPathMapper(dir, nil), mapper.NewCloudIDMapper(nil))

	ops, err := store.OpenOpsStore(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ops.Close() })

	graph := opgraph.New(ops, nil)
	bus := eventbus.New(nil)
	exec := executor.New(cache, graph, bus, nil)

	const n = 10

	batch := make([]*userop.UserOp, 0, n)

	for i := 0; i < n; i++ {
		target := node.NodeIdentifier{Device: 1, Paths: []string{"dir" + string(rune('a'+i))}}
		batch = append(batch, &userop.UserOp{
			OpUID: "mkdir-" + string(rune('a'+i)),
			Type:  userop.Mkdir,
			Src:   target,
			Dst:   &target,
		})
	}

	require.NoError(t, graph.AddBatch(context.Background(), "batch1", batch, 0))

	pool := New(graph, exec, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	pool.Start(ctx, 4)
	defer pool.Stop()

	require.Eventually(t, func() bool {
		succeeded, _, _ := pool.Stats()
		return succeeded == n
	}, 2*time.Second, 10*time.Millisecond)

	succeeded, failed, errs := pool.Stats()
	require.Equal(t, n, succeeded)
	require.Zero(t, failed)
	require.Empty(t, errs)
}

func TestPoolStartEnforcesMinimumWorkerFloor(t *testing.T) {
	ops, err := store.OpenOpsStore(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ops.Close() })

	graph := opgraph.New(ops, nil)
	cache := cacheman.New(nil)
	bus := eventbus.New(nil)
	exec := executor.New(cache, graph, bus, nil)

	pool := New(graph, exec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx, 1)
	defer pool.Stop()

	// No direct way to observe goroutine count from outside; this mainly
	// guards against Start panicking or deadlocking with a sub-floor total.
	succeeded, failed, _ := pool.Stats()
	require.Zero(t, succeeded)
	require.Zero(t, failed)
}
