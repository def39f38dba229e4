// Package diag implements the read-only status and verification surface of
// spec.md §6: Status and VerifyConsistency are not part of the
// distillation's RPC list, but the teacher exposes the equivalent through
// its status.go and verify.go commands, and neither is excluded by any
// Non-goal, so they are supplemented here.
package diag

import (
	"context"
	"fmt"

	"github.com/synctree/synctree/internal/cacheman"
	"github.com/synctree/synctree/internal/node"
	"github.com/synctree/synctree/internal/opgraph"
	"github.com/synctree/synctree/internal/treestore"
)

// Status is a point-in-time snapshot of one active display tree.
type Status struct {
	TreeID     string
	LoadState  string
	NodeCount  int
	PendingOps int
	LastSyncTS int64
}

// Snapshot reports the current state of the display tree registered under
// treeID, plus the operation graph's outstanding work, as described by
// spec.md §6's status(tree_id) operation.
func Snapshot(ctx context.Context, cache *cacheman.Manager, graph *opgraph.Graph, treeID string) (*Status, error) {
	meta, ok := cache.GetDisplayTree(treeID)
	if !ok {
		return nil, fmt.Errorf("diag: no active display tree %q", treeID)
	}

	store, err := cache.StoreFor(meta.Root.Device)
	if err != nil {
		return nil, err
	}

	files, dirs := store.GetAllFilesAndDirsForSubtree(meta.Root)

	var lastSync int64

	for _, n := range files {
		if ts := n.Mtime(); ts > lastSync {
			lastSync = ts
		}
	}

	pending, err := graph.PendingCount(ctx)
	if err != nil {
		return nil, err
	}

	return &Status{
		TreeID:     treeID,
		LoadState:  meta.LoadState.String(),
		NodeCount:  len(files) + len(dirs),
		PendingOps: pending,
		LastSyncTS: lastSync,
	}, nil
}

// Discrepancy describes one node whose disk-cache row disagrees with its
// in-memory counterpart, or that exists in only one of the two.
type Discrepancy struct {
	UID    node.UID
	Field  string
	Memory string
	Disk   string
}

// VerifyConsistency walks the memory cache and disk cache for the subtree
// rooted at root and reports nodes present on only one side, a disk mtime
// newer than the memory mtime, and MD5s that are set on both sides and
// differ; no other field is compared. This directly exercises the invariant from spec.md §9: for any node present in both
// simultaneously, the disk row must be equal to or an older snapshot of
// the memory row.
func VerifyConsistency(ctx context.Context, cache *cacheman.Manager, root node.NodeIdentifier) ([]Discrepancy, error) {
	store, err := cache.StoreFor(root.Device)
	if err != nil {
		return nil, err
	}

	snapshotter, ok := store.(treestore.DiskSnapshot)
	if !ok {
		return nil, fmt.Errorf("diag: device %d's store has no disk snapshot capability", root.Device)
	}

	diskNodes, err := snapshotter.ListAllOnDisk(ctx)
	if err != nil {
		return nil, fmt.Errorf("diag: reading disk snapshot: %w", err)
	}

	onDisk := make(map[node.UID]*node.Node, len(diskNodes))
	for _, n := range diskNodes {
		onDisk[n.Identifier.UID] = n
	}

	files, dirs := store.GetAllFilesAndDirsForSubtree(root)
	inMemory := append(append([]*node.Node{}, files...), dirs...)

	var out []Discrepancy

	seen := make(map[node.UID]bool, len(inMemory))

	for _, mem := range inMemory {
		seen[mem.Identifier.UID] = true

		disk, ok := onDisk[mem.Identifier.UID]
		if !ok {
			out = append(out, Discrepancy{UID: mem.Identifier.UID, Field: "presence", Memory: "present", Disk: "absent"})
			continue
		}

		out = append(out, compareNode(mem, disk)...)
	}

	for uid := range onDisk {
		if !seen[uid] {
			out = append(out, Discrepancy{UID: uid, Field: "presence", Memory: "absent", Disk: "present"})
		}
	}

	return out, nil
}

func compareNode(mem, disk *node.Node) []Discrepancy {
	var out []Discrepancy

	if disk.Mtime() > mem.Mtime() {
		out = append(out, Discrepancy{
			UID:    mem.Identifier.UID,
			Field:  "mtime",
			Memory: fmt.Sprintf("%d", mem.Mtime()),
			Disk:   fmt.Sprintf("%d", disk.Mtime()),
		})
	}

	if mem.MD5() != "" && disk.MD5() != "" && mem.MD5() != disk.MD5() {
		out = append(out, Discrepancy{UID: mem.Identifier.UID, Field: "md5", Memory: mem.MD5(), Disk: disk.MD5()})
	}

	return out
}
