// Package userop defines the operation vocabulary shared by the Diff
// Engine, the Operation Graph, and the Command Executor: a UserOp is the
// unit both planned by a diff and dispatched for execution.
package userop

import "github.com/synctree/synctree/internal/node"

// Type names one of the five executable operations (spec.md §4.10).
type Type string

// Operation types.
const (
	Mkdir Type = "MKDIR"
	CP    Type = "CP"
	MV    Type = "MV"
	RM    Type = "RM"
	UP    Type = "UP"
)

// Category buckets a UserOp within a ChangeTree by which side of a diff it
// addresses (spec.md §4.8).
type Category string

// Change categories.
const (
	ToAddLeft    Category = "TO_ADD_LEFT"
	ToDeleteLeft Category = "TO_DELETE_LEFT"
	ToUpdateLeft Category = "TO_UPDATE_LEFT"
	ToMoveLeft   Category = "TO_MOVE_LEFT"

	ToAddRight    Category = "TO_ADD_RIGHT"
	ToDeleteRight Category = "TO_DELETE_RIGHT"
	ToUpdateRight Category = "TO_UPDATE_RIGHT"
	ToMoveRight   Category = "TO_MOVE_RIGHT"
)

// UserOp is one planned or in-flight operation. Src is always populated;
// Dst is populated for CP/MV/UP and nil for RM and MKDIR-at-src. The
// Operation Graph tracks each UserOp as a single node, whatever its Src
// and Dst backends or paths.
type UserOp struct {
	OpUID    string
	BatchUID string
	Category Category
	Type     Type

	Src node.NodeIdentifier
	Dst *node.NodeIdentifier

	// SrcMD5/SrcSHA256 are the content signatures the executor verifies a
	// CP/UP destination against once staged.
	SrcMD5    string
	SrcSHA256 string

	ToTrash   bool
	Recursive bool

	CreateTS int64
}

// ChangeTree is the forest a Diff Engine run produces: every planned
// UserOp, grouped by category.
type ChangeTree struct {
	Categories map[Category][]*UserOp
}

// NewChangeTree returns an empty ChangeTree ready for Add.
func NewChangeTree() *ChangeTree {
	return &ChangeTree{Categories: make(map[Category][]*UserOp)}
}

// Add appends op under its own category.
func (c *ChangeTree) Add(op *UserOp) {
	c.Categories[op.Category] = append(c.Categories[op.Category], op)
}

// All flattens the tree into insertion order within each category: adds,
// then moves, then updates, then deletes. The executor does not use this
// order; it runs ops in the order the Operation Graph releases them.
func (c *ChangeTree) All() []*UserOp {
	order := []Category{
		ToAddLeft, ToAddRight,
		ToMoveLeft, ToMoveRight,
		ToUpdateLeft, ToUpdateRight,
		ToDeleteLeft, ToDeleteRight,
	}

	var out []*UserOp

	for _, cat := range order {
		out = append(out, c.Categories[cat]...)
	}

	return out
}

// Len reports the total number of planned ops across every category.
func (c *ChangeTree) Len() int {
	n := 0
	for _, ops := range c.Categories {
		n += len(ops)
	}

	return n
}
