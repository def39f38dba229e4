package treestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"

	"github.com/synctree/synctree/internal/eventbus"
	"github.com/synctree/synctree/internal/mapper"
	"github.com/synctree/synctree/internal/node"
	"github.com/synctree/synctree/internal/store"
	"github.com/synctree/synctree/internal/uidalloc"
)

// LocalTreeStore indexes a POSIX filesystem subtree. Grounded on the
// teacher's internal/sync/scanner.go walk (fs-path for I/O, NFC-normalized
// path for storage) and internal/sync/observer_local.go's fsnotify wiring.
type LocalTreeStore struct {
	device     node.DeviceUID
	rootPath   string
	markers    map[string]bool
	skipLinks  bool

	disk   *store.LocalStore
	paths  *mapper.PathMapper
	uids   *uidalloc.Allocator
	bus    *eventbus.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	byUID    map[node.UID]*node.Node
	children map[node.UID][]node.UID // parent UID -> child UIDs, in discovery order
	complete bool

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLocalTreeStore constructs a store rooted at rootPath for the given
// device. projectDirMarkers names directories excluded wholesale from the
// walk (e.g. ".git", "node_modules").
func NewLocalTreeStore(
	device node.DeviceUID,
	rootPath string,
	projectDirMarkers []string,
	skipSymlinks bool,
	disk *store.LocalStore,
	uids *uidalloc.Allocator,
	bus *eventbus.Bus,
	logger *slog.Logger,
) *LocalTreeStore {
	if logger == nil {
		logger = slog.Default()
	}

	markers := make(map[string]bool, len(projectDirMarkers))
	for _, m := range projectDirMarkers {
		markers[m] = true
	}

	return &LocalTreeStore{
		device:    device,
		rootPath:  rootPath,
		markers:   markers,
		skipLinks: skipSymlinks,
		disk:      disk,
		paths:     mapper.NewPathMapper("", logger),
		uids:      uids,
		bus:       bus,
		logger:    logger,
		byUID:     make(map[node.UID]*node.Node),
		children:  make(map[node.UID][]node.UID),
	}
}

// LoadSubtree performs the initial breadth-first walk of rootPath. Per
// spec.md §9's resolved open question ("pre-order, directories first"), a
// directory's node exists in the tree before its children are visited —
// satisfied here because each directory is upserted at discovery time,
// before it is dequeued for listing.
func (t *LocalTreeStore) LoadSubtree(ctx context.Context, rootID node.NodeIdentifier, treeID string) error {
	t.mu.Lock()
	t.byUID = make(map[node.UID]*node.Node)
	t.children = make(map[node.UID][]node.UID)
	t.mu.Unlock()

	root := &node.Node{
		Identifier: node.NodeIdentifier{Device: t.device, UID: node.RootUID, Paths: []string{""}},
		Kind:       node.KindLocalDir,
		LocalDir:   &node.LocalDir{},
	}
	t.paths.Bind("", node.RootUID)
	t.indexAndPublish(ctx, root, treeID)

	type pending struct {
		uid     node.UID
		fsPath  string
		dbPath  string
	}

	queue := []pending{{uid: node.RootUID, fsPath: "", dbPath: ""}}
	complete := true

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		cur := queue[0]
		queue = queue[1:]

		full := filepath.Join(t.rootPath, cur.fsPath)

		entries, err := os.ReadDir(full)
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				t.logger.Warn("treestore: permission denied during walk", slog.String("path", full))
				complete = false

				continue
			}

			return fmt.Errorf("treestore: reading directory %q: %w", full, err)
		}

		for _, entry := range entries {
			name := entry.Name()
			normalized := norm.NFC.String(name)

			if entry.IsDir() && t.markers[name] {
				continue
			}

			fsRel := joinRelPath(cur.fsPath, name)
			dbRel := joinRelPath(cur.dbPath, normalized)

			info, infoErr := entry.Info()
			if infoErr != nil {
				t.logger.Warn("treestore: stat failed during walk", slog.String("path", fsRel), slog.String("error", infoErr.Error()))
				continue
			}

			isDir := entry.IsDir()
			if info.Mode()&os.ModeSymlink != 0 {
				if t.skipLinks {
					continue
				}
				// Symlinks are not followed; recorded as files (spec.md §4.5).
				isDir = false
			}

			uid, known := t.paths.Get(dbRel)
			if !known {
				allocated, allocErr := t.uids.Next(ctx)
				if allocErr != nil {
					return fmt.Errorf("treestore: allocating uid for %q: %w", dbRel, allocErr)
				}

				uid = allocated
			}

			var n *node.Node
			if isDir {
				n = &node.Node{
					Identifier: node.NodeIdentifier{Device: t.device, UID: uid, Paths: []string{dbRel}},
					Kind:       node.KindLocalDir,
					LocalDir:   &node.LocalDir{},
				}
			} else {
				n = &node.Node{
					Identifier: node.NodeIdentifier{Device: t.device, UID: uid, Paths: []string{dbRel}},
					Kind:       node.KindLocalFile,
					LocalFile: &node.LocalFile{
						Size:  info.Size(),
						Mtime: info.ModTime().UnixNano(),
					},
				}
			}

			t.paths.Bind(dbRel, uid)
			t.linkChild(cur.uid, uid)
			t.indexAndPublish(ctx, n, treeID)

			if isDir {
				queue = append(queue, pending{uid: uid, fsPath: fsRel, dbPath: dbRel})
			}
		}
	}

	t.mu.Lock()
	t.complete = complete
	t.mu.Unlock()

	return nil
}

// RefreshSubtree re-runs LoadSubtree's walk, which upserts and publishes
// every node it finds, then publishes NodeRemoved for every UID that was in
// the in-memory tree before the walk and is absent after it. A path keeps
// its UID across refreshes because the walk reuses the PathMapper's stored
// binding. Rows of removed nodes are not deleted from the disk store.
func (t *LocalTreeStore) RefreshSubtree(ctx context.Context, rootID node.NodeIdentifier, treeID string) error {
	t.mu.RLock()
	before := make(map[node.UID]bool, len(t.byUID))
	for uid := range t.byUID {
		before[uid] = true
	}
	t.mu.RUnlock()

	if err := t.LoadSubtree(ctx, rootID, treeID); err != nil {
		return err
	}

	t.mu.RLock()
	after := t.byUID
	t.mu.RUnlock()

	for uid := range before {
		if _, ok := after[uid]; !ok {
			t.bus.PublishNodeRemoved(eventbus.NodeRemoved{
				Identifier: node.NodeIdentifier{Device: t.device, UID: uid},
				TreeID:     treeID,
			})
		}
	}

	return nil
}

func (t *LocalTreeStore) indexAndPublish(ctx context.Context, n *node.Node, treeID string) {
	t.mu.Lock()
	t.byUID[n.Identifier.UID] = n
	t.mu.Unlock()

	syncTS := time.Now().UnixNano()
	if err := t.disk.Upsert(ctx, n, syncTS); err != nil {
		t.logger.Error("treestore: disk upsert failed", slog.Uint64("uid", uint64(n.Identifier.UID)), slog.String("error", err.Error()))
		return
	}

	if err := t.disk.BindPath(ctx, t.device, n.Identifier.SinglePath().Path, n.Identifier.UID); err != nil {
		t.logger.Error("treestore: binding path failed", slog.String("error", err.Error()))
	}

	t.bus.PublishNodeUpserted(eventbus.NodeUpserted{Node: n, TreeID: treeID})
}

func (t *LocalTreeStore) linkChild(parent, child node.UID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.children[parent] = append(t.children[parent], child)
}

// GetNodeForUID returns the in-memory node for uid.
func (t *LocalTreeStore) GetNodeForUID(uid node.UID) (*node.Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.byUID[uid]

	return n, ok
}

// GetChildList returns the children of parent, in discovery order.
func (t *LocalTreeStore) GetChildList(parent *node.Node, filter Filter) []*node.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*node.Node

	for _, uid := range t.children[parent.Identifier.UID] {
		n := t.byUID[uid]
		if n == nil {
			continue
		}

		if filter == nil || filter(n) {
			out = append(out, n)
		}
	}

	return out
}

// GetParentList returns n's single parent (local nodes have exactly one
// parent directory, derived from the path).
func (t *LocalTreeStore) GetParentList(n *node.Node) []*node.Node {
	dir := filepath.Dir(n.Identifier.SinglePath().Path)
	if dir == "." {
		dir = ""
	}

	uid, ok := t.paths.Get(dir)
	if !ok {
		return nil
	}

	if parent, ok := t.GetNodeForUID(uid); ok {
		return []*node.Node{parent}
	}

	return nil
}

// UpsertSingleNode writes a newly observed node to memory and disk, then
// publishes NodeUpserted (spec.md §5: published only after both writes
// complete).
func (t *LocalTreeStore) UpsertSingleNode(ctx context.Context, n *node.Node) error {
	t.indexAndPublish(ctx, n, "")

	return nil
}

// UpdateSingleNode is semantically identical to UpsertSingleNode for this
// store: both paths write-through to memory then disk then publish. The
// Signature Pipeline calls UpdateSingleNode on a Clone()'d node so it never
// races the original.
func (t *LocalTreeStore) UpdateSingleNode(ctx context.Context, n *node.Node) error {
	return t.UpsertSingleNode(ctx, n)
}

// RemoveSingleNode deletes id from memory and disk, then publishes
// NodeRemoved. toTrash has no local-filesystem analogue beyond the event
// payload; actual unlinking is the Command Executor's responsibility.
func (t *LocalTreeStore) RemoveSingleNode(ctx context.Context, id node.NodeIdentifier, toTrash bool) error {
	t.mu.Lock()
	delete(t.byUID, id.UID)

	for parent, kids := range t.children {
		filtered := kids[:0]

		for _, k := range kids {
			if k != id.UID {
				filtered = append(filtered, k)
			}
		}

		t.children[parent] = filtered
	}
	t.mu.Unlock()

	if err := t.disk.Remove(ctx, id.UID); err != nil {
		return fmt.Errorf("treestore: removing node %d: %w", id.UID, err)
	}

	t.bus.PublishNodeRemoved(eventbus.NodeRemoved{Identifier: id, ToTrash: toTrash})

	return nil
}

// RemoveSubtree removes root and every descendant.
func (t *LocalTreeStore) RemoveSubtree(ctx context.Context, root node.NodeIdentifier, toTrash bool) error {
	t.mu.RLock()
	kids := append([]node.UID(nil), t.children[root.UID]...)
	t.mu.RUnlock()

	for _, k := range kids {
		if err := t.RemoveSubtree(ctx, node.NodeIdentifier{Device: t.device, UID: k}, toTrash); err != nil {
			return err
		}
	}

	return t.RemoveSingleNode(ctx, root, toTrash)
}

// GenerateDirStats computes bottom-up DirectoryStats for every directory in
// the subtree rooted at root.
func (t *LocalTreeStore) GenerateDirStats(ctx context.Context, root node.NodeIdentifier, treeID string) (map[node.UID]node.DirectoryStats, error) {
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
				if child.LocalDir.Trashed {
					stats.TrashedDirCount++
				}

				stats.Add(walk(child.Identifier.UID))
			} else {
				stats.FileCount++
				stats.SizeBytes += child.Size()

				if child.LocalFile.Trashed {
					stats.TrashedFileCount++
				}
			}
		}

		out[uid] = stats

		if n.Kind == node.KindLocalDir {
			n.LocalDir.Size = stats.SizeBytes
			n.LocalDir.FileCount = stats.FileCount
			n.LocalDir.DirCount = stats.DirCount
		}

		return stats
	}

	walk(root.UID)

	return out, nil
}

// GetAllFilesAndDirsForSubtree splits every node under root into files and
// directories.
func (t *LocalTreeStore) GetAllFilesAndDirsForSubtree(root node.NodeIdentifier) (files []*node.Node, dirs []*node.Node) {
	var walk func(uid node.UID)

	walk = func(uid node.UID) {
		n, ok := t.GetNodeForUID(uid)
		if !ok {
			return
		}

		if n.IsDir() {
			dirs = append(dirs, n)
		} else {
			files = append(files, n)
		}

		for _, child := range t.GetChildList(n, nil) {
			walk(child.Identifier.UID)
		}
	}

	walk(root.UID)

	return files, dirs
}

// GetNodeForDomainID treats the local domain ID as a path.
func (t *LocalTreeStore) GetNodeForDomainID(domainID string) (*node.Node, bool) {
	uid, ok := t.paths.Get(domainID)
	if !ok {
		return nil, false
	}

	return t.GetNodeForUID(uid)
}

// GetUIDForDomainID resolves a path to a UID, allocating one via suggestion
// semantics if unseen (mapper.PathMapper: stored value wins).
func (t *LocalTreeStore) GetUIDForDomainID(ctx context.Context, domainID string, suggestion node.UID) (node.UID, error) {
	if suggestion == node.NilUID {
		uid, err := t.uids.Next(ctx)
		if err != nil {
			return node.NilUID, err
		}

		suggestion = uid
	}

	return t.paths.GetOrSuggest(domainID, suggestion), nil
}

// AbsPath resolves a node's stored relative path to an absolute filesystem
// path, satisfying treestore.AbsPather for callers (the Signature
// Pipeline) that need to open the file a node describes.
func (t *LocalTreeStore) AbsPath(relPath string) string {
	return filepath.Join(t.rootPath, relPath)
}

// ListAllOnDisk returns every node the disk cache holds for this device,
// satisfying the optional DiskSnapshot capability used by VerifyConsistency
// (spec.md §6) to compare the in-memory tree against its durable backing.
func (t *LocalTreeStore) ListAllOnDisk(ctx context.Context) ([]*node.Node, error) {
	return t.disk.ListAll(ctx, t.device)
}

// IsComplete reports whether the last walk covered the whole subtree
// without permission errors.
func (t *LocalTreeStore) IsComplete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.complete
}

// StartWatch registers an fsnotify watch on every directory currently
// indexed, publishing incremental NodeUpserted/NodeRemoved events between
// full walks. Grounded on the teacher's FsWatcher wrapper in
// internal/sync/observer_local.go.
func (t *LocalTreeStore) StartWatch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("treestore: creating watcher: %w", err)
	}

	t.mu.RLock()
	for _, n := range t.byUID {
		if n.IsDir() {
			full := filepath.Join(t.rootPath, n.Identifier.SinglePath().Path)
			if addErr := w.Add(full); addErr != nil {
				t.logger.Warn("treestore: watch add failed", slog.String("path", full), slog.String("error", addErr.Error()))
			}
		}
	}
	t.mu.RUnlock()

	t.watcher = w
	t.watchDone = make(chan struct{})

	go t.watchLoop(ctx)

	return nil
}

func (t *LocalTreeStore) watchLoop(ctx context.Context) {
	defer close(t.watchDone)

	for {
		select {
		case <-ctx.Done():
			t.watcher.Close()
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}

			if err := t.handleWatchEvent(ctx, ev); err != nil {
				t.logger.Warn("treestore: handling fsnotify event failed",
					slog.String("name", ev.Name), slog.String("op", ev.Op.String()), slog.String("error", err.Error()))
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}

			t.logger.Warn("treestore: fsnotify error", slog.String("error", err.Error()))
		}
	}
}

// handleWatchEvent translates a single fsnotify event into the
// upsert/remove calls LoadSubtree would have produced for the same change,
// surfacing out-of-band filesystem activity between full walks.
func (t *LocalTreeStore) handleWatchEvent(ctx context.Context, ev fsnotify.Event) error {
	fsRel, err := filepath.Rel(t.rootPath, ev.Name)
	if err != nil {
		return fmt.Errorf("computing relative path for %q: %w", ev.Name, err)
	}
	fsRel = filepath.ToSlash(fsRel)

	if t.markers[filepath.Base(fsRel)] {
		return nil
	}

	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		return t.handleWatchRemoved(ctx, fsRel)
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		return t.handleWatchUpserted(ctx, fsRel)
	default:
		return nil
	}
}

func (t *LocalTreeStore) handleWatchRemoved(ctx context.Context, fsRel string) error {
	dbRel := normalizeRelPath(fsRel)

	uid, ok := t.paths.Get(dbRel)
	if !ok {
		return nil // never indexed; nothing to remove
	}

	return t.RemoveSubtree(ctx, node.NodeIdentifier{Device: t.device, UID: uid}, false)
}

func (t *LocalTreeStore) handleWatchUpserted(ctx context.Context, fsRel string) error {
	full := filepath.Join(t.rootPath, fsRel)

	info, err := os.Lstat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return t.handleWatchRemoved(ctx, fsRel)
		}

		return fmt.Errorf("stat %q: %w", full, err)
	}

	dbRel := normalizeRelPath(fsRel)

	parentFsRel := filepath.ToSlash(filepath.Dir(fsRel))
	if parentFsRel == "." {
		parentFsRel = ""
	}

	parentUID, ok := t.paths.Get(normalizeRelPath(parentFsRel))
	if !ok {
		return fmt.Errorf("parent directory of %q not indexed", fsRel)
	}

	isDir := info.IsDir()
	if info.Mode()&os.ModeSymlink != 0 {
		if t.skipLinks {
			return nil
		}

		isDir = false
	}

	existingUID, alreadyKnown := t.paths.Get(dbRel)

	var uid node.UID
	if alreadyKnown {
		uid = existingUID
	} else {
		allocated, allocErr := t.uids.Next(ctx)
		if allocErr != nil {
			return fmt.Errorf("allocating uid for %q: %w", dbRel, allocErr)
		}

		uid = allocated
		t.paths.Bind(dbRel, uid)
		t.linkChild(parentUID, uid)
	}

	var n *node.Node
	if isDir {
		n = &node.Node{
			Identifier: node.NodeIdentifier{Device: t.device, UID: uid, Paths: []string{dbRel}},
			Kind:       node.KindLocalDir,
			LocalDir:   &node.LocalDir{},
		}
	} else {
		n = &node.Node{
			Identifier: node.NodeIdentifier{Device: t.device, UID: uid, Paths: []string{dbRel}},
			Kind:       node.KindLocalFile,
			LocalFile: &node.LocalFile{
				Size:  info.Size(),
				Mtime: info.ModTime().UnixNano(),
			},
		}
	}

	t.indexAndPublish(ctx, n, "")

	if isDir && !alreadyKnown {
		if addErr := t.watcher.Add(full); addErr != nil {
			t.logger.Warn("treestore: watch add failed", slog.String("path", full), slog.String("error", addErr.Error()))
		}
	}

	return nil
}

func normalizeRelPath(fsRel string) string {
	if fsRel == "" {
		return ""
	}

	segments := strings.Split(fsRel, "/")
	for i, seg := range segments {
		segments[i] = norm.NFC.String(seg)
	}

	return strings.Join(segments, "/")
}

// StopWatch tears down the fsnotify watch and waits for watchLoop to exit.
func (t *LocalTreeStore) StopWatch() {
	if t.watcher == nil {
		return
	}

	t.watcher.Close()
	<-t.watchDone
}

func joinRelPath(parent, name string) string {
	if parent == "" {
		return name
	}

	return strings.TrimSuffix(parent, "/") + "/" + name
}
