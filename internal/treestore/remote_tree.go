package treestore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/synctree/synctree/internal/eventbus"
	"github.com/synctree/synctree/internal/mapper"
	"github.com/synctree/synctree/internal/node"
	"github.com/synctree/synctree/internal/store"
	"github.com/synctree/synctree/internal/uidalloc"
)

// ChangeRecord is one entry of a remote change page (spec.md §6 wire
// format).
type ChangeRecord struct {
	ChangeTS  int64
	CloudID   string
	IsRemoved bool
	Node      *node.Node // nil when IsRemoved
	ParentIDs []string
}

// ChangePage is one page of a remote changes feed, as returned by
// RemoteDriveClient.ListChanges.
type ChangePage struct {
	Changes       []ChangeRecord
	NextPageToken string
}

// RemoteDriveClient is the capability boundary this repository consumes for
// the cloud-drive backend (spec.md §1 excludes the concrete transport; this
// mirrors the teacher's DeltaFetcher/ItemClient interfaces). Production
// wiring supplies a real implementation; tests use an in-memory fake.
type RemoteDriveClient interface {
	ListChanges(ctx context.Context, pageToken string) (ChangePage, error)
	ListSubtree(ctx context.Context, rootCloudID string) ([]ChangeRecord, error)
}

// RemoteTreeStore indexes the cloud-drive namespace. Grounded on the
// teacher's internal/sync/observer_remote.go delta-application loop,
// generalized from OneDrive's page shape to the RemoteDriveClient
// capability above.
type RemoteTreeStore struct {
	device node.DeviceUID
	client RemoteDriveClient

	disk     *store.RemoteStore
	cloudIDs *mapper.CloudIDMapper
	uids     *uidalloc.Allocator
	bus      *eventbus.Bus
	logger   *slog.Logger

	mu       sync.RWMutex
	byUID    map[node.UID]*node.Node
	children map[string][]string // parent cloud id -> child cloud ids
	complete bool

	pageToken string
}

// NewRemoteTreeStore constructs a store for device, backed by client.
func NewRemoteTreeStore(
	device node.DeviceUID,
	client RemoteDriveClient,
	disk *store.RemoteStore,
	uids *uidalloc.Allocator,
	bus *eventbus.Bus,
	logger *slog.Logger,
) *RemoteTreeStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &RemoteTreeStore{
		device:   device,
		client:   client,
		disk:     disk,
		cloudIDs: mapper.NewCloudIDMapper(logger),
		uids:     uids,
		bus:      bus,
		logger:   logger,
		byUID:    make(map[node.UID]*node.Node),
		children: make(map[string][]string),
	}
}

// LoadSubtree lists rootID's subtree in full and indexes it.
func (t *RemoteTreeStore) LoadSubtree(ctx context.Context, rootID node.NodeIdentifier, treeID string) error {
	rootCloudID, _ := t.cloudIDs.CloudIDFor(rootID.UID)

	changes, err := t.client.ListSubtree(ctx, rootCloudID)
	if err != nil {
		return fmt.Errorf("treestore: listing remote subtree: %w", err)
	}

	t.mu.Lock()
	t.byUID = make(map[node.UID]*node.Node)
	t.children = make(map[string][]string)
	t.mu.Unlock()

	if err := t.applyChanges(ctx, changes, treeID); err != nil {
		return err
	}

	t.mu.Lock()
	t.complete = true
	t.mu.Unlock()

	return nil
}

// RefreshSubtree applies change pages until the feed returns an empty
// NextPageToken. Changes are applied in the order the client lists them;
// they are not sorted or filtered by ChangeTS. The next page token is kept
// in memory only and is not written to the disk store, so a new process
// starts again from an empty token.
func (t *RemoteTreeStore) RefreshSubtree(ctx context.Context, rootID node.NodeIdentifier, treeID string) error {
	for {
		page, err := t.client.ListChanges(ctx, t.pageToken)
		if err != nil {
			return fmt.Errorf("treestore: listing remote changes: %w", err)
		}

		if err := t.applyChanges(ctx, page.Changes, treeID); err != nil {
			return err
		}

		t.pageToken = page.NextPageToken

		if t.pageToken == "" {
			return nil
		}
	}
}

func (t *RemoteTreeStore) applyChanges(ctx context.Context, changes []ChangeRecord, treeID string) error {
	for _, change := range changes {
		if err := t.applyOne(ctx, change, treeID); err != nil {
			return err
		}
	}

	return nil
}

func (t *RemoteTreeStore) applyOne(ctx context.Context, change ChangeRecord, treeID string) error {
	if change.IsRemoved {
		uid, ok := t.cloudIDs.Get(change.CloudID)
		if !ok {
			return nil // never seen; nothing to remove
		}

		return t.RemoveSingleNode(ctx, node.NodeIdentifier{Device: t.device, UID: uid}, true)
	}

	uid, ok := t.cloudIDs.Get(change.CloudID)
	if !ok {
		allocated, err := t.uids.Next(ctx)
		if err != nil {
			return fmt.Errorf("treestore: allocating uid for cloud id %q: %w", change.CloudID, err)
		}

		uid = t.cloudIDs.GetOrSuggest(change.CloudID, allocated)
	}

	n := change.Node
	n.Identifier.Device = t.device
	n.Identifier.UID = uid

	for _, parentID := range change.ParentIDs {
		t.mu.Lock()
		t.children[parentID] = append(t.children[parentID], change.CloudID)
		t.mu.Unlock()

		if err := t.disk.AddParent(ctx, t.device, change.CloudID, parentID); err != nil {
			return fmt.Errorf("treestore: recording parent edge: %w", err)
		}
	}

	return t.UpsertSingleNode(ctx, n)
}

func (t *RemoteTreeStore) indexAndPublish(ctx context.Context, n *node.Node, treeID string) error {
	t.mu.Lock()
	t.byUID[n.Identifier.UID] = n
	t.mu.Unlock()

	syncTS := time.Now().UnixNano()
	if err := t.disk.Upsert(ctx, n, syncTS); err != nil {
		return fmt.Errorf("treestore: remote disk upsert failed: %w", err)
	}

	cloudID := cloudIDOf(n)
	if err := t.disk.BindCloudID(ctx, t.device, cloudID, n.Identifier.UID); err != nil {
		return fmt.Errorf("treestore: binding cloud id: %w", err)
	}

	t.cloudIDs.Bind(cloudID, n.Identifier.UID)
	t.bus.PublishNodeUpserted(eventbus.NodeUpserted{Node: n, TreeID: treeID})

	return nil
}

func cloudIDOf(n *node.Node) string {
	if n.Kind == node.KindRemoteDir {
		return n.RemoteDir.CloudID
	}

	return n.RemoteFile.CloudID
}

// GetNodeForUID returns the in-memory node for uid.
func (t *RemoteTreeStore) GetNodeForUID(uid node.UID) (*node.Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.byUID[uid]

	return n, ok
}

// GetChildList returns parent's children via the multi-parent edge table.
func (t *RemoteTreeStore) GetChildList(parent *node.Node, filter Filter) []*node.Node {
	parentCloudID := cloudIDOf(parent)

	t.mu.RLock()
	childIDs := append([]string(nil), t.children[parentCloudID]...)
	t.mu.RUnlock()

	var out []*node.Node

	for _, cid := range childIDs {
		uid, ok := t.cloudIDs.Get(cid)
		if !ok {
			continue
		}

		n, ok := t.GetNodeForUID(uid)
		if !ok {
			continue
		}

		if filter == nil || filter(n) {
			out = append(out, n)
		}
	}

	return out
}

// GetParentList returns every parent of n (cloud objects may be
// multi-parented).
func (t *RemoteTreeStore) GetParentList(n *node.Node) []*node.Node {
	var out []*node.Node

	t.mu.RLock()
	defer t.mu.RUnlock()

	cloudID := cloudIDOf(n)

	for parentID, kids := range t.children {
		for _, k := range kids {
			if k == cloudID {
				if uid, ok := t.cloudIDs.Get(parentID); ok {
					if p, ok := t.byUID[uid]; ok {
						out = append(out, p)
					}
				}
			}
		}
	}

	return out
}

// UpsertSingleNode writes n through memory, disk, then publishes.
func (t *RemoteTreeStore) UpsertSingleNode(ctx context.Context, n *node.Node) error {
	return t.indexAndPublish(ctx, n, "")
}

// UpdateSingleNode mirrors UpsertSingleNode, used on Signature Pipeline
// clones and delta-driven updates alike.
func (t *RemoteTreeStore) UpdateSingleNode(ctx context.Context, n *node.Node) error {
	return t.UpsertSingleNode(ctx, n)
}

// RemoveSingleNode deletes id from memory and disk, then publishes.
func (t *RemoteTreeStore) RemoveSingleNode(ctx context.Context, id node.NodeIdentifier, toTrash bool) error {
	t.mu.Lock()
	n := t.byUID[id.UID]
	delete(t.byUID, id.UID)
	t.mu.Unlock()

	if err := t.disk.Remove(ctx, id.UID); err != nil {
		return fmt.Errorf("treestore: removing remote node %d: %w", id.UID, err)
	}

	if n != nil {
		cloudID := cloudIDOf(n)

		t.mu.Lock()
		for parent, kids := range t.children {
			filtered := kids[:0]

			for _, k := range kids {
				if k != cloudID {
					filtered = append(filtered, k)
				}
			}

			t.children[parent] = filtered
		}
		t.mu.Unlock()
	}

	t.bus.PublishNodeRemoved(eventbus.NodeRemoved{Identifier: id, ToTrash: toTrash})

	return nil
}

// RemoveSubtree removes root and every descendant reachable through the
// parent-edge table.
func (t *RemoteTreeStore) RemoveSubtree(ctx context.Context, root node.NodeIdentifier, toTrash bool) error {
	n, ok := t.GetNodeForUID(root.UID)
	if !ok {
		return nil
	}

	for _, child := range t.GetChildList(n, nil) {
		if err := t.RemoveSubtree(ctx, child.Identifier, toTrash); err != nil {
			return err
		}
	}

	return t.RemoveSingleNode(ctx, root, toTrash)
}

// GenerateDirStats computes bottom-up DirectoryStats for root's subtree.
func (t *RemoteTreeStore) GenerateDirStats(ctx context.Context, root node.NodeIdentifier, treeID string) (map[node.UID]node.DirectoryStats, error) {
	out := make(map[node.UID]node.DirectoryStats)

	var walk func(uid node.UID) node.DirectoryStats

	walk = func(uid node.UID) node.DirectoryStats {
		n, ok := t.GetNodeForUID(uid)
		if !ok {
			return node.DirectoryStats{}
		}

		var stats node.DirectoryStats

		for _, child := range t.GetChildList(n, nil) {
			if child.IsDir() {
				stats.DirCount++
				if child.RemoteDir.Trashed {
					stats.TrashedDirCount++
				}

				stats.Add(walk(child.Identifier.UID))
			} else {
				stats.FileCount++
				stats.SizeBytes += child.Size()

				if child.RemoteFile.Trashed {
					stats.TrashedFileCount++
				}
			}
		}

		out[uid] = stats

		return stats
	}

	walk(root.UID)

	return out, nil
}

// GetAllFilesAndDirsForSubtree splits every node under root into files and
// directories.
func (t *RemoteTreeStore) GetAllFilesAndDirsForSubtree(root node.NodeIdentifier) (files []*node.Node, dirs []*node.Node) {
	n, ok := t.GetNodeForUID(root.UID)
	if !ok {
		return nil, nil
	}

	if n.IsDir() {
		dirs = append(dirs, n)
	} else {
		files = append(files, n)
	}

	for _, child := range t.GetChildList(n, nil) {
		childFiles, childDirs := t.GetAllFilesAndDirsForSubtree(child.Identifier)
		files = append(files, childFiles...)
		dirs = append(dirs, childDirs...)
	}

	return files, dirs
}

// GetNodeForDomainID treats the remote domain ID as a cloud object ID.
func (t *RemoteTreeStore) GetNodeForDomainID(domainID string) (*node.Node, bool) {
	uid, ok := t.cloudIDs.Get(domainID)
	if !ok {
		return nil, false
	}

	return t.GetNodeForUID(uid)
}

// GetUIDForDomainID resolves a cloud ID to a UID, allocating via suggestion
// semantics if unseen.
func (t *RemoteTreeStore) GetUIDForDomainID(ctx context.Context, domainID string, suggestion node.UID) (node.UID, error) {
	if suggestion == node.NilUID {
		uid, err := t.uids.Next(ctx)
		if err != nil {
			return node.NilUID, err
		}

		suggestion = uid
	}

	return t.cloudIDs.GetOrSuggest(domainID, suggestion), nil
}

// ListAllOnDisk returns every node the disk cache holds for this device,
// satisfying the optional DiskSnapshot capability used by VerifyConsistency
// (spec.md §6) to compare the in-memory tree against its durable backing.
func (t *RemoteTreeStore) ListAllOnDisk(ctx context.Context) ([]*node.Node, error) {
	return t.disk.ListAll(ctx, t.device)
}

// IsComplete reports whether the last full listing succeeded without
// pagination errors.
func (t *RemoteTreeStore) IsComplete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.complete
}
