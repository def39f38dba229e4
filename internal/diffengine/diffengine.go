// Package diffengine implements the content-first, path-fallback diff of
// spec.md §4.8: given two subtree snapshots, it produces a ChangeTree of
// UserOps that would bring one side into agreement with the other.
package diffengine

import (
	"fmt"
	"strings"

	"github.com/synctree/synctree/internal/node"
	"github.com/synctree/synctree/internal/treestore"
	"github.com/synctree/synctree/internal/userop"
)

// Snapshot is one side of a comparison: a backend's Store plus the root
// identifier bounding the subtree being compared.
type Snapshot struct {
	Store treestore.Store
	Root  node.NodeIdentifier
}

// Options controls tie-break behavior not implied by content/mtime alone.
type Options struct {
	// PropagateDeletions: a file present on both sides with equal content
	// but trashed on one side is emitted as RM on the non-trashed side
	// only when this is true (spec.md §4.8 tie-break).
	PropagateDeletions bool
}

type indexedFile struct {
	node *node.Node
	path string
}

// Diff compares left against right and returns the ChangeTree that would
// reconcile them. left is conventionally the local backend, right the
// remote backend, but the algorithm is symmetric.
func Diff(left, right Snapshot, opts Options) (*userop.ChangeTree, error) {
	leftFiles, err := indexFiles(left)
	if err != nil {
		return nil, fmt.Errorf("diffengine: indexing left subtree: %w", err)
	}

	rightFiles, err := indexFiles(right)
	if err != nil {
		return nil, fmt.Errorf("diffengine: indexing right subtree: %w", err)
	}

	leftByMD5, leftByPath := buildIndices(leftFiles)
	rightByMD5, rightByPath := buildIndices(rightFiles)

	tree := userop.NewChangeTree()

	// Step 2/3: MD5 present on one side only -> CP to the other side.
	for md5, files := range leftByMD5 {
		if md5 == "" {
			continue
		}

		if _, ok := rightByMD5[md5]; !ok {
			for _, f := range files {
				tree.Add(copyOp(userop.ToAddRight, f, right.Root))
			}
		}
	}

	for md5, files := range rightByMD5 {
		if md5 == "" {
			continue
		}

		if _, ok := leftByMD5[md5]; !ok {
			for _, f := range files {
				tree.Add(copyOp(userop.ToAddLeft, f, left.Root))
			}
		}
	}

	// Step 4: MD5 present on both sides at different paths -> MV on the
	// side whose mtime is older (the newer side's path is authoritative).
	// Two nodes may legitimately share an MD5 (duplicate content), so every
	// left/right pair within a bucket is paired off in order, not just the
	// first of each.
	for md5, leftMatches := range leftByMD5 {
		if md5 == "" {
			continue
		}

		rightMatches, ok := rightByMD5[md5]
		if !ok {
			continue
		}

		for i := 0; i < len(leftMatches) && i < len(rightMatches); i++ {
			l, r := leftMatches[i], rightMatches[i]
			if l.path == r.path {
				continue
			}

			if olderSide(l.node, r.node) == sideLeft {
				tree.Add(moveOp(userop.ToMoveLeft, l, r.path))
			} else {
				tree.Add(moveOp(userop.ToMoveRight, r, l.path))
			}
		}
	}

	// Step 5: same path, different content -> UP on the older side.
	for path, l := range leftByPath {
		r, ok := rightByPath[path]
		if !ok {
			continue
		}

		if l.node.MD5() == r.node.MD5() {
			if trashTieBreak(tree, l, r, opts) {
				continue
			}

			continue // equal MD5, equal path: no-op (spec.md §4.8 tie-break)
		}

		switch olderSide(l.node, r.node) {
		case sideLeft:
			tree.Add(updateOp(userop.ToUpdateLeft, r, l))
		case sideRight:
			tree.Add(updateOp(userop.ToUpdateRight, l, r))
		default:
			// Equal, unknown, or tied mtimes with differing content: no
			// deterministic winner: leave for a human to resolve rather
			// than guess.
		}
	}

	return tree, nil
}

type side int

const (
	sideUnknown side = iota
	sideLeft
	sideRight
)

// olderSide returns which node is older (the side that should be
// overwritten). change_ts == 0 means "unknown" and is excluded from the
// comparison (spec.md §4.8 numeric semantics).
func olderSide(l, r *node.Node) side {
	lt, rt := l.Mtime(), r.Mtime()

	if lt == 0 || rt == 0 || lt == rt {
		return sideUnknown
	}

	if lt < rt {
		return sideLeft
	}

	return sideRight
}

// trashTieBreak handles the trashed/non-trashed tie-break: equal content,
// one side trashed, "propagate deletions" selected -> RM the non-trashed
// side. Returns true if it emitted an op (or deliberately emitted nothing
// because the preference is off).
func trashTieBreak(tree *userop.ChangeTree, l, r indexedFile, opts Options) bool {
	if l.node.IsTrashed() == r.node.IsTrashed() {
		return false
	}

	if !opts.PropagateDeletions {
		return true // tie-break applies, but the preference is off: no-op
	}

	if l.node.IsTrashed() {
		tree.Add(removeOp(userop.ToDeleteRight, r))
	} else {
		tree.Add(removeOp(userop.ToDeleteLeft, l))
	}

	return true
}

func copyOp(cat userop.Category, src indexedFile, dstRoot node.NodeIdentifier) *userop.UserOp {
	dst := node.NodeIdentifier{Device: dstRoot.Device, Paths: []string{src.path}}

	return &userop.UserOp{
		Category:  cat,
		Type:      userop.CP,
		Src:       src.node.Identifier,
		Dst:       &dst,
		SrcMD5:    src.node.MD5(),
		SrcSHA256: src.node.SHA256(),
		CreateTS:  src.node.Mtime(),
	}
}

func moveOp(cat userop.Category, src indexedFile, newPath string) *userop.UserOp {
	dst := node.NodeIdentifier{Device: src.node.Identifier.Device, Paths: []string{newPath}}

	return &userop.UserOp{
		Category: cat,
		Type:     userop.MV,
		Src:      src.node.Identifier,
		Dst:      &dst,
		CreateTS: src.node.Mtime(),
	}
}

func updateOp(cat userop.Category, src, dst indexedFile) *userop.UserOp {
	dstID := dst.node.Identifier

	return &userop.UserOp{
		Category:  cat,
		Type:      userop.UP,
		Src:       src.node.Identifier,
		Dst:       &dstID,
		SrcMD5:    src.node.MD5(),
		SrcSHA256: src.node.SHA256(),
		CreateTS:  src.node.Mtime(),
	}
}

func removeOp(cat userop.Category, target indexedFile) *userop.UserOp {
	return &userop.UserOp{
		Category: cat,
		Type:     userop.RM,
		Src:      target.node.Identifier,
		CreateTS: target.node.Mtime(),
	}
}

func buildIndices(files []indexedFile) (byMD5 map[string][]indexedFile, byPath map[string]indexedFile) {
	byMD5 = make(map[string][]indexedFile)
	byPath = make(map[string]indexedFile)

	for _, f := range files {
		if md5 := f.node.MD5(); md5 != "" {
			byMD5[md5] = append(byMD5[md5], f)
		}

		byPath[f.path] = f
	}

	return byMD5, byPath
}

func indexFiles(s Snapshot) ([]indexedFile, error) {
	files, _ := s.Store.GetAllFilesAndDirsForSubtree(s.Root)

	out := make([]indexedFile, 0, len(files))

	for _, f := range files {
		path, err := relativePath(s, f)
		if err != nil {
			return nil, err
		}

		out = append(out, indexedFile{node: f, path: path})
	}

	return out, nil
}

// relativePath reconstructs a node's path within its subtree by walking
// its parent chain (GetParentList) up to root, joining Name() segments.
// Cloud objects with several parents use the first parent edge reported;
// the diff only needs *a* consistent path, not a canonical one.
func relativePath(s Snapshot, n *node.Node) (string, error) {
	var segments []string

	cur := n

	for cur.Identifier.UID != s.Root.UID {
		segments = append(segments, cur.Name())

		parents := s.Store.GetParentList(cur)
		if len(parents) == 0 {
			break
		}

		cur = parents[0]
	}

	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}

	return strings.Join(segments, "/"), nil
}
