package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/synctree/synctree/internal/node"
	"github.com/synctree/synctree/internal/userop"
)

// trashDirName is where a local RM with ToTrash set relocates its target,
// preserving its relative path underneath.
const trashDirName = ".trash"

// execRemove implements spec.md §4.10's RM.
func (e *Executor) execRemove(ctx context.Context, op *userop.UserOp) ([]node.NodeIdentifier, error) {
	return e.removeIdentifier(ctx, op.Src, op.ToTrash, op.Recursive)
}

func (e *Executor) removeIdentifier(ctx context.Context, target node.NodeIdentifier, toTrash, recursive bool) ([]node.NodeIdentifier, error) {
	if !target.IsSPID() {
		return nil, fmt.Errorf("executor: RM target %s is not single-path", target.String())
	}

	relPath := target.SinglePath().Path

	if absPath, ok := e.cache.AbsLocalPath(target.Device, relPath); ok {
		return e.removeLocal(target, absPath, toTrash, recursive)
	}

	w, err := e.remoteWriter(target.Device)
	if err != nil {
		return nil, err
	}

	if err := e.withRetry(ctx, func(callCtx context.Context) error {
		return w.Delete(callCtx, target, toTrash)
	}); err != nil {
		return nil, fmt.Errorf("executor: deleting remote %s: %w", target.String(), err)
	}

	return []node.NodeIdentifier{target}, nil
}

func (e *Executor) removeLocal(target node.NodeIdentifier, absPath string, toTrash, recursive bool) ([]node.NodeIdentifier, error) {
	info, err := os.Stat(absPath)
	if os.IsNotExist(err) {
		return []node.NodeIdentifier{target}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("executor: stat %s: %w", absPath, err)
	}

	if info.IsDir() && !recursive {
		entries, err := os.ReadDir(absPath)
		if err != nil {
			return nil, fmt.Errorf("executor: reading dir %s: %w", absPath, err)
		}

		if len(entries) > 0 {
			return nil, fmt.Errorf("executor: refusing to remove non-empty directory %s without recursive", absPath)
		}
	}

	if toTrash {
		root, ok := e.cache.AbsLocalPath(target.Device, "")
		if !ok {
			return nil, fmt.Errorf("executor: no local root for device %d", target.Device)
		}

		trashPath := filepath.Join(root, trashDirName, target.SinglePath().Path)

		if err := os.MkdirAll(filepath.Dir(trashPath), dirPermissions); err != nil {
			return nil, fmt.Errorf("executor: creating trash dir for %s: %w", absPath, err)
		}

		if err := os.Rename(absPath, trashPath); err != nil {
			return nil, fmt.Errorf("executor: moving %s to trash: %w", absPath, err)
		}

		return []node.NodeIdentifier{target}, nil
	}

	if info.IsDir() && recursive {
		if err := os.RemoveAll(absPath); err != nil {
			return nil, fmt.Errorf("executor: removing %s: %w", absPath, err)
		}
	} else if err := os.Remove(absPath); err != nil {
		return nil, fmt.Errorf("executor: removing %s: %w", absPath, err)
	}

	return []node.NodeIdentifier{target}, nil
}
