package executor

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/synctree/synctree/internal/node"
	"github.com/synctree/synctree/internal/userop"
)

// execMkdir implements spec.md §4.10's MKDIR: create the target directory,
// local or remote, idempotently.
func (e *Executor) execMkdir(ctx context.Context, op *userop.UserOp) ([]node.NodeIdentifier, error) {
	target := op.Src
	if op.Dst != nil {
		target = *op.Dst
	}

	if !target.IsSPID() {
		return nil, fmt.Errorf("executor: mkdir target %s is not single-path", target.String())
	}

	relPath := target.SinglePath().Path

	if absPath, ok := e.cache.AbsLocalPath(target.Device, relPath); ok {
		if err := os.MkdirAll(absPath, dirPermissions); err != nil {
			return nil, fmt.Errorf("executor: mkdir %s: %w", relPath, err)
		}

		return []node.NodeIdentifier{target}, nil
	}

	w, err := e.remoteWriter(target.Device)
	if err != nil {
		return nil, err
	}

	parent := node.NodeIdentifier{Device: target.Device, Paths: []string{dirOf(relPath)}}

	err = e.withRetry(ctx, func(callCtx context.Context) error {
		_, createErr := w.CreateFolder(callCtx, parent, baseOf(relPath))
		return createErr
	})
	if err != nil && !errors.Is(err, ErrAlreadyExists) {
		return nil, fmt.Errorf("executor: create remote folder %s: %w", relPath, err)
	}

	return []node.NodeIdentifier{target}, nil
}
