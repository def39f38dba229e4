package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/synctree/synctree/internal/node"
	"github.com/synctree/synctree/internal/userop"
)

// execMove implements spec.md §4.10's MV: an atomic rename when src and dst
// share a backend, else a CP followed by an RM of the source that only runs
// if the CP succeeded.
func (e *Executor) execMove(ctx context.Context, op *userop.UserOp) ([]node.NodeIdentifier, error) {
	if op.Dst == nil {
		return nil, fmt.Errorf("executor: MV op %s has no destination", op.OpUID)
	}

	if !op.Src.IsSPID() || !op.Dst.IsSPID() {
		return nil, fmt.Errorf("executor: MV op %s requires single-path src and dst", op.OpUID)
	}

	srcLocal, srcIsLocal := e.cache.AbsLocalPath(op.Src.Device, op.Src.SinglePath().Path)
	dstLocal, dstIsLocal := e.cache.AbsLocalPath(op.Dst.Device, op.Dst.SinglePath().Path)

	sameBackend := op.Src.Device == op.Dst.Device && srcIsLocal == dstIsLocal

	switch {
	case sameBackend && srcIsLocal:
		if err := os.MkdirAll(filepath.Dir(dstLocal), dirPermissions); err != nil {
			return nil, fmt.Errorf("executor: creating destination dir for %s: %w", dstLocal, err)
		}

		if err := os.Rename(srcLocal, dstLocal); err != nil {
			return nil, fmt.Errorf("executor: renaming %s to %s: %w", srcLocal, dstLocal, err)
		}

		return []node.NodeIdentifier{op.Src, *op.Dst}, nil

	case sameBackend && !srcIsLocal:
		w, err := e.remoteWriter(op.Src.Device)
		if err != nil {
			return nil, err
		}

		dstPath := op.Dst.SinglePath().Path
		parent := node.NodeIdentifier{Device: op.Dst.Device, Paths: []string{dirOf(dstPath)}}

		if err := e.withRetry(ctx, func(callCtx context.Context) error {
			return w.Move(callCtx, op.Src, parent, baseOf(dstPath))
		}); err != nil {
			return nil, fmt.Errorf("executor: moving %s to %s: %w", op.Src.String(), dstPath, err)
		}

		return []node.NodeIdentifier{op.Src, *op.Dst}, nil

	default:
		// Cross-backend: copy first, only remove the source once the copy
		// has actually landed (spec.md §4.10: "on CP failure, do not RM").
		affected, err := e.execCopy(ctx, op, false)
		if err != nil {
			return nil, fmt.Errorf("executor: MV op %s: copy leg failed: %w", op.OpUID, err)
		}

		if _, err := e.removeIdentifier(ctx, op.Src, op.ToTrash, op.Recursive); err != nil {
			return affected, fmt.Errorf("executor: MV op %s: copy succeeded but removing source failed: %w", op.OpUID, err)
		}

		return affected, nil
	}
}
