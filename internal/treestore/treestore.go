// Package treestore implements the per-backend indices of spec.md §4.5: an
// in-memory tree plus a disk store (internal/store), offering the
// load/refresh/upsert/remove/child-list/stats capability the Cache Manager
// consumes. Two implementations share the Store interface: LocalTreeStore
// (POSIX filesystem, grounded on the teacher's internal/sync/scanner.go) and
// RemoteTreeStore (cloud-drive namespace, grounded on
// internal/sync/observer_remote.go).
package treestore

import (
	"context"

	"github.com/synctree/synctree/internal/node"
)

// Filter narrows GetChildList results; a nil Filter accepts everything.
type Filter func(*node.Node) bool

// Store is the capability contract spec.md §4.5 names for both backends.
type Store interface {
	LoadSubtree(ctx context.Context, rootID node.NodeIdentifier, treeID string) error
	RefreshSubtree(ctx context.Context, rootID node.NodeIdentifier, treeID string) error
	GetNodeForUID(uid node.UID) (*node.Node, bool)
	GetChildList(parent *node.Node, filter Filter) []*node.Node
	GetParentList(n *node.Node) []*node.Node
	UpsertSingleNode(ctx context.Context, n *node.Node) error
	UpdateSingleNode(ctx context.Context, n *node.Node) error
	RemoveSingleNode(ctx context.Context, id node.NodeIdentifier, toTrash bool) error
	RemoveSubtree(ctx context.Context, root node.NodeIdentifier, toTrash bool) error
	GenerateDirStats(ctx context.Context, root node.NodeIdentifier, treeID string) (map[node.UID]node.DirectoryStats, error)
	GetAllFilesAndDirsForSubtree(root node.NodeIdentifier) (files []*node.Node, dirs []*node.Node)
	GetNodeForDomainID(domainID string) (*node.Node, bool)
	GetUIDForDomainID(ctx context.Context, domainID string, suggestion node.UID) (node.UID, error)
	IsComplete() bool
}

// AbsPather is an optional capability: tree stores backed by a real
// filesystem can resolve a node's stored relative path to an absolute one.
// Only LocalTreeStore implements it — the Signature Pipeline type-asserts
// for it rather than this being part of Store itself, since the remote
// backend has no filesystem path to resolve.
type AbsPather interface {
	AbsPath(relPath string) string
}

// DiskSnapshot is an optional capability: a store that can enumerate every
// node its disk cache holds, independent of what is currently loaded into
// memory. Both backends implement it; VerifyConsistency (spec.md §6) uses
// it to compare the two without requiring a third store variant.
type DiskSnapshot interface {
	ListAllOnDisk(ctx context.Context) ([]*node.Node, error)
}

var (
	_ Store        = (*LocalTreeStore)(nil)
	_ Store        = (*RemoteTreeStore)(nil)
	_ AbsPather    = (*LocalTreeStore)(nil)
	_ DiskSnapshot = (*LocalTreeStore)(nil)
	_ DiskSnapshot = (*RemoteTreeStore)(nil)
)
