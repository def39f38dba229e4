// Package cacheman implements the Cache Manager of spec.md §4.6: the
// process-wide singleton-lifecycle coordinator that owns the set of
// per-device tree stores, their identifier mappers, and the registry of
// active display trees a UI subscribes to.
package cacheman

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/synctree/synctree/internal/mapper"
	"github.com/synctree/synctree/internal/node"
	"github.com/synctree/synctree/internal/opgraph"
	"github.com/synctree/synctree/internal/treestore"
	"github.com/synctree/synctree/internal/userop"
)

// LoadState tags an ActiveDisplayTreeMeta's progress through a subtree load.
type LoadState int

// Load states.
const (
	NotLoaded LoadState = iota
	Loading
	CompletelyLoaded
)

func (s LoadState) String() string {
	switch s {
	case NotLoaded:
		return "NOT_LOADED"
	case Loading:
		return "LOADING"
	case CompletelyLoaded:
		return "COMPLETELY_LOADED"
	default:
		return "UNKNOWN"
	}
}

// ActiveDisplayTreeMeta is one entry in the active-display-tree registry:
// everything a UI subscription needs to avoid re-walking a subtree it has
// already loaded.
type ActiveDisplayTreeMeta struct {
	TreeID    string
	Root      node.NodeIdentifier
	Filter    treestore.Filter
	LoadState LoadState
	DirStats  map[node.UID]node.DirectoryStats

	Expanded map[node.UID]bool
	Selected map[node.UID]bool
}

// deviceEntry bundles one backend's tree store with its identifier mappers,
// mirroring the per-backend bundles the teacher's Engine holds
// (BaselineManager, Planner, ExecutorConfig) but keyed by device instead of
// assuming a single drive.
type deviceEntry struct {
	store    treestore.Store
	paths    *mapper.PathMapper
	cloudIDs *mapper.CloudIDMapper
}

// Manager is the Cache Manager. One instance per process.
type Manager struct {
	graph  *opgraph.Graph
	logger *slog.Logger

	devicesMu sync.RWMutex
	devices   map[node.DeviceUID]*deviceEntry

	treesMu sync.Mutex
	trees   map[string]*ActiveDisplayTreeMeta

	started atomic.Bool
}

// New constructs a Manager with no Operation Graph; register the graph that
// GetNextCommand delegates to via SetGraph (it needs the same OpsStore the
// Manager's caller opens).
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		logger:  logger,
		devices: make(map[node.DeviceUID]*deviceEntry),
		trees:   make(map[string]*ActiveDisplayTreeMeta),
	}
}

// SetGraph wires the Operation Graph get_next_command delegates to.
func (m *Manager) SetGraph(g *opgraph.Graph) {
	m.graph = g
}

// RegisterStore adds a backend's tree store and its identifier mappers
// under device. Called once per backend during process wiring, before
// Start.
func (m *Manager) RegisterStore(device node.DeviceUID, store treestore.Store, paths *mapper.PathMapper, cloudIDs *mapper.CloudIDMapper) {
	m.devicesMu.Lock()
	defer m.devicesMu.Unlock()

	m.devices[device] = &deviceEntry{store: store, paths: paths, cloudIDs: cloudIDs}
}

// Start marks the manager live. Idempotent: a second call is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	m.logger.Info("cacheman: started", slog.Int("devices", len(m.devices)))

	return nil
}

// Shutdown marks the manager stopped. Idempotent: a second call is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.started.CompareAndSwap(true, false) {
		return nil
	}

	m.logger.Info("cacheman: shut down")

	return nil
}

// Devices returns every device currently registered, in no particular
// order. Used by startup tasks (e.g. staging-directory cleanup) that must
// iterate every backend without knowing the device set in advance.
func (m *Manager) Devices() []node.DeviceUID {
	m.devicesMu.RLock()
	defer m.devicesMu.RUnlock()

	out := make([]node.DeviceUID, 0, len(m.devices))
	for d := range m.devices {
		out = append(out, d)
	}

	return out
}

// StoreFor exposes the registered Store for device, for diagnostics
// (internal/diag) that need capabilities beyond the Store interface itself,
// such as the optional treestore.DiskSnapshot assertion.
func (m *Manager) StoreFor(device node.DeviceUID) (treestore.Store, error) {
	e, err := m.entry(device)
	if err != nil {
		return nil, err
	}

	return e.store, nil
}

func (m *Manager) entry(device node.DeviceUID) (*deviceEntry, error) {
	m.devicesMu.RLock()
	defer m.devicesMu.RUnlock()

	e, ok := m.devices[device]
	if !ok {
		return nil, fmt.Errorf("cacheman: no tree store registered for device %d", device)
	}

	return e, nil
}

// GetUIDForLocalPath resolves path to a UID on device, accepting suggestion
// if the path is not yet bound (spec.md §4.6's get_uid_for_local_path).
func (m *Manager) GetUIDForLocalPath(device node.DeviceUID, path string, suggestion node.UID) (node.UID, error) {
	e, err := m.entry(device)
	if err != nil {
		return node.NilUID, err
	}

	return e.paths.GetOrSuggest(path, suggestion), nil
}

// ReadSingleNodeFromDiskForPath is a pure cache read: it resolves path to a
// UID via the path mapper (no suggestion — an unbound path has no node to
// read) and returns whatever the in-memory tree already holds for it.
// Despite the name (retained from spec.md §4.6), it never touches the
// filesystem: the node is already materialized in the tree store's memory
// tier by the time a caller asks for it.
func (m *Manager) ReadSingleNodeFromDiskForPath(device node.DeviceUID, path string) (*node.Node, bool, error) {
	e, err := m.entry(device)
	if err != nil {
		return nil, false, err
	}

	uid, ok := e.paths.Get(path)
	if !ok {
		return nil, false, nil
	}

	n, ok := e.store.GetNodeForUID(uid)

	return n, ok, nil
}

// CreateDisplayTree registers a new, unloaded display tree. StartSubtreeLoad
// must be called separately to populate it, so a caller can register
// several trees before kicking off their (possibly expensive) loads.
func (m *Manager) CreateDisplayTree(treeID string, root node.NodeIdentifier, filter treestore.Filter) *ActiveDisplayTreeMeta {
	m.treesMu.Lock()
	defer m.treesMu.Unlock()

	meta := &ActiveDisplayTreeMeta{
		TreeID:    treeID,
		Root:      root,
		Filter:    filter,
		LoadState: NotLoaded,
		Expanded:  make(map[node.UID]bool),
		Selected:  make(map[node.UID]bool),
	}

	m.trees[treeID] = meta

	return meta
}

// GetDisplayTree returns the registered meta for treeID, if any.
func (m *Manager) GetDisplayTree(treeID string) (*ActiveDisplayTreeMeta, bool) {
	m.treesMu.Lock()
	defer m.treesMu.Unlock()

	meta, ok := m.trees[treeID]

	return meta, ok
}

// StartSubtreeLoad loads (or re-loads) treeID's subtree from its backend, a
// no-op if the tree is already COMPLETELY_LOADED — the registry exists
// precisely so a second subscriber to the same tree doesn't repeat an
// expensive walk (spec.md §4.6).
func (m *Manager) StartSubtreeLoad(ctx context.Context, treeID string) error {
	m.treesMu.Lock()
	meta, ok := m.trees[treeID]
	if !ok {
		m.treesMu.Unlock()
		return fmt.Errorf("cacheman: no display tree registered with id %q", treeID)
	}

	if meta.LoadState == CompletelyLoaded {
		m.treesMu.Unlock()
		return nil
	}

	meta.LoadState = Loading
	m.treesMu.Unlock()

	e, err := m.entry(meta.Root.Device)
	if err != nil {
		m.markLoadFailed(treeID)
		return err
	}

	if err := e.store.LoadSubtree(ctx, meta.Root, treeID); err != nil {
		m.markLoadFailed(treeID)
		return fmt.Errorf("cacheman: loading subtree for tree %q: %w", treeID, err)
	}

	stats, err := e.store.GenerateDirStats(ctx, meta.Root, treeID)
	if err != nil {
		m.markLoadFailed(treeID)
		return fmt.Errorf("cacheman: generating dir stats for tree %q: %w", treeID, err)
	}

	m.treesMu.Lock()
	meta.LoadState = CompletelyLoaded
	meta.DirStats = stats
	m.treesMu.Unlock()

	return nil
}

func (m *Manager) markLoadFailed(treeID string) {
	m.treesMu.Lock()
	defer m.treesMu.Unlock()

	if meta, ok := m.trees[treeID]; ok {
		meta.LoadState = NotLoaded
	}
}

// RemoteRefresh names one subtree to refresh against its backend, the unit
// ApplyRemoteChanges fans out over.
type RemoteRefresh struct {
	Device node.DeviceUID
	Root   node.NodeIdentifier
	TreeID string
}

// ApplyRemoteChanges refreshes every named subtree concurrently, one
// goroutine per entry, stopping at the first error (spec.md §4.6's batch
// entry point; concurrency grounded on the pack's errgroup usage rather
// than the teacher's single-drive, single-goroutine observeRemote, since
// this spec's Cache Manager fans out across an arbitrary device set).
func (m *Manager) ApplyRemoteChanges(ctx context.Context, refreshes []RemoteRefresh) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, r := range refreshes {
		r := r

		g.Go(func() error {
			e, err := m.entry(r.Device)
			if err != nil {
				return err
			}

			if err := e.store.RefreshSubtree(gctx, r.Root, r.TreeID); err != nil {
				return fmt.Errorf("cacheman: refreshing device %d subtree: %w", r.Device, err)
			}

			return nil
		})
	}

	return g.Wait()
}

// GetNodeForUID returns the node currently cached for uid on device.
func (m *Manager) GetNodeForUID(device node.DeviceUID, uid node.UID) (*node.Node, bool, error) {
	e, err := m.entry(device)
	if err != nil {
		return nil, false, err
	}

	n, ok := e.store.GetNodeForUID(uid)

	return n, ok, nil
}

// AbsLocalPath resolves relPath to an absolute filesystem path on device,
// if that device's tree store is backed by a real filesystem (it type-
// asserts for treestore.AbsPather; the remote backend never satisfies it).
func (m *Manager) AbsLocalPath(device node.DeviceUID, relPath string) (string, bool) {
	e, err := m.entry(device)
	if err != nil {
		return "", false
	}

	ap, ok := e.store.(treestore.AbsPather)
	if !ok {
		return "", false
	}

	return ap.AbsPath(relPath), true
}

// UpdateSingleNode writes n back into device's tree store (both memory and
// disk tiers, per treestore.Store.UpdateSingleNode). The Signature
// Pipeline's only write path (spec.md §4.7 step 5) goes through here rather
// than touching a tree store directly.
func (m *Manager) UpdateSingleNode(ctx context.Context, device node.DeviceUID, n *node.Node) error {
	e, err := m.entry(device)
	if err != nil {
		return err
	}

	return e.store.UpdateSingleNode(ctx, n)
}

// GetNextCommand blocks until the Operation Graph has a ready UserOp,
// delegating to opgraph.Graph.GetNext (spec.md §4.6's get_next_command).
func (m *Manager) GetNextCommand(ctx context.Context) (*userop.UserOp, error) {
	if m.graph == nil {
		return nil, fmt.Errorf("cacheman: no operation graph registered")
	}

	return m.graph.GetNext(ctx)
}
