package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/synctree/synctree/internal/hashing"
	"github.com/synctree/synctree/internal/node"
	"github.com/synctree/synctree/internal/userop"
)

// execCopy implements spec.md §4.10's CP and UP: UP is CP with a
// precondition that the destination already exists, everything else is
// identical (same staging, verify, atomic-rename sequence).
func (e *Executor) execCopy(ctx context.Context, op *userop.UserOp, requireExistingDst bool) ([]node.NodeIdentifier, error) {
	if op.Dst == nil {
		return nil, fmt.Errorf("executor: %s op %s has no destination", op.Type, op.OpUID)
	}

	if !op.Src.IsSPID() || !op.Dst.IsSPID() {
		return nil, fmt.Errorf("executor: %s op %s requires single-path src and dst", op.Type, op.OpUID)
	}

	srcLocal, srcIsLocal := e.cache.AbsLocalPath(op.Src.Device, op.Src.SinglePath().Path)
	dstLocal, dstIsLocal := e.cache.AbsLocalPath(op.Dst.Device, op.Dst.SinglePath().Path)

	if requireExistingDst {
		if err := e.requireExists(*op.Dst, dstLocal, dstIsLocal); err != nil {
			return nil, err
		}
	}

	switch {
	case srcIsLocal && dstIsLocal:
		return e.copyLocalToLocal(op, srcLocal, dstLocal)
	case srcIsLocal && !dstIsLocal:
		return e.copyLocalToRemote(ctx, op, srcLocal)
	case !srcIsLocal && dstIsLocal:
		return e.copyRemoteToLocal(ctx, op, dstLocal)
	default:
		return nil, fmt.Errorf("executor: %s op %s: copying between two remote backends directly is not supported", op.Type, op.OpUID)
	}
}

func (e *Executor) requireExists(dst node.NodeIdentifier, dstLocal string, dstIsLocal bool) error {
	if dstIsLocal {
		if _, err := os.Stat(dstLocal); err != nil {
			return fmt.Errorf("executor: UP target %s does not exist: %w", dst.String(), err)
		}

		return nil
	}

	if _, ok, err := e.cache.GetNodeForUID(dst.Device, dst.UID); err != nil || !ok {
		return fmt.Errorf("executor: UP target %s does not exist", dst.String())
	}

	return nil
}

// copyLocalToLocal stages src under the destination root's .sync-tmp,
// verifies the staged copy against a fresh hash of the source, then renames
// atomically into place (spec.md §4.10's CP local->local).
func (e *Executor) copyLocalToLocal(op *userop.UserOp, srcLocal, dstLocal string) ([]node.NodeIdentifier, error) {
	sig := hashing.Hash(srcLocal)
	if sig.IsEmpty() {
		return nil, fmt.Errorf("executor: source %s vanished or is unreadable", srcLocal)
	}

	srcInfo, err := os.Stat(srcLocal)
	if err != nil {
		return nil, fmt.Errorf("executor: stat source %s: %w", srcLocal, err)
	}

	dstRoot, ok := e.cache.AbsLocalPath(op.Dst.Device, "")
	if !ok {
		return nil, fmt.Errorf("executor: no local root for device %d", op.Dst.Device)
	}

	stageDir := stagingDir(dstRoot)
	if err := os.MkdirAll(stageDir, dirPermissions); err != nil {
		return nil, fmt.Errorf("executor: creating staging dir: %w", err)
	}

	stagePath := filepath.Join(stageDir, sig.SHA256)

	if err := copyFile(srcLocal, stagePath); err != nil {
		return nil, fmt.Errorf("executor: staging %s: %w", srcLocal, err)
	}

	if staged := hashing.Hash(stagePath); staged != sig {
		os.Remove(stagePath) //nolint:errcheck // best-effort cleanup, the error below is what matters
		return nil, fmt.Errorf("executor: staged copy of %s failed verification", srcLocal)
	}

	if err := os.MkdirAll(filepath.Dir(dstLocal), dirPermissions); err != nil {
		return nil, fmt.Errorf("executor: creating destination dir for %s: %w", dstLocal, err)
	}

	if err := os.Rename(stagePath, dstLocal); err != nil {
		return nil, fmt.Errorf("executor: renaming staged copy into place at %s: %w", dstLocal, err)
	}

	_ = os.Chtimes(dstLocal, time.Now(), srcInfo.ModTime()) //nolint:errcheck // best-effort mtime restore

	return []node.NodeIdentifier{op.Src, *op.Dst}, nil
}

// copyLocalToRemote streams src to the remote backend and verifies the
// server-returned digest against the signature the diff engine recorded,
// deleting the newly-created remote object on mismatch (spec.md §4.10's CP
// local->remote).
func (e *Executor) copyLocalToRemote(ctx context.Context, op *userop.UserOp, srcLocal string) ([]node.NodeIdentifier, error) {
	w, err := e.remoteWriter(op.Dst.Device)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(srcLocal)
	if err != nil {
		return nil, fmt.Errorf("executor: opening source %s: %w", srcLocal, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("executor: stat source %s: %w", srcLocal, err)
	}

	relPath := op.Dst.SinglePath().Path
	parent := node.NodeIdentifier{Device: op.Dst.Device, Paths: []string{dirOf(relPath)}}

	var serverMD5 string

	err = e.withRetry(ctx, func(callCtx context.Context) error {
		if _, seekErr := f.Seek(0, io.SeekStart); seekErr != nil {
			return fmt.Errorf("rewinding %s for retry: %w", srcLocal, seekErr)
		}

		_, md5, uploadErr := w.Upload(callCtx, parent, baseOf(relPath), f, info.Size())
		serverMD5 = md5
		return uploadErr
	})
	if err != nil {
		return nil, fmt.Errorf("executor: uploading %s: %w", relPath, err)
	}

	if op.SrcMD5 != "" && serverMD5 != op.SrcMD5 {
		if delErr := w.Delete(ctx, *op.Dst, false); delErr != nil {
			e.logger.Warn("executor: deleting mismatched upload", slog.String("path", relPath), slog.String("error", delErr.Error()))
		}

		return nil, fmt.Errorf("executor: uploaded %s failed digest verification (local %s, server %s)", relPath, op.SrcMD5, serverMD5)
	}

	return []node.NodeIdentifier{op.Src, *op.Dst}, nil
}

// copyRemoteToLocal downloads src to a staging file under the destination
// root, verifies it against the MD5 the diff engine recorded (the only
// digest a remote backend is guaranteed to supply), then renames atomically
// into place (spec.md §4.10's CP remote->local).
func (e *Executor) copyRemoteToLocal(ctx context.Context, op *userop.UserOp, dstLocal string) ([]node.NodeIdentifier, error) {
	w, err := e.remoteWriter(op.Src.Device)
	if err != nil {
		return nil, err
	}

	dstRoot, ok := e.cache.AbsLocalPath(op.Dst.Device, "")
	if !ok {
		return nil, fmt.Errorf("executor: no local root for device %d", op.Dst.Device)
	}

	stageDir := stagingDir(dstRoot)
	if err := os.MkdirAll(stageDir, dirPermissions); err != nil {
		return nil, fmt.Errorf("executor: creating staging dir: %w", err)
	}

	stageName := op.SrcSHA256
	if stageName == "" {
		stageName = op.SrcMD5
	}

	if stageName == "" {
		stageName = op.OpUID
	}

	stagePath := filepath.Join(stageDir, stageName)

	downloadErr := e.withRetry(ctx, func(callCtx context.Context) error {
		out, createErr := os.Create(stagePath)
		if createErr != nil {
			return fmt.Errorf("creating staging file: %w", createErr)
		}

		dlErr := w.Download(callCtx, op.Src, out)
		closeErr := out.Close()

		if dlErr != nil {
			return dlErr
		}

		return closeErr
	})
	if downloadErr != nil {
		os.Remove(stagePath) //nolint:errcheck
		return nil, fmt.Errorf("executor: downloading %s: %w", op.Src.String(), downloadErr)
	}

	if op.SrcMD5 != "" {
		if staged := hashing.Hash(stagePath); staged.MD5 != op.SrcMD5 {
			os.Remove(stagePath) //nolint:errcheck
			return nil, fmt.Errorf("executor: downloaded %s failed digest verification", op.Src.String())
		}
	}

	if err := os.MkdirAll(filepath.Dir(dstLocal), dirPermissions); err != nil {
		return nil, fmt.Errorf("executor: creating destination dir for %s: %w", dstLocal, err)
	}

	if err := os.Rename(stagePath, dstLocal); err != nil {
		return nil, fmt.Errorf("executor: renaming staged download into place at %s: %w", dstLocal, err)
	}

	return []node.NodeIdentifier{op.Src, *op.Dst}, nil
}

func copyFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)

	return err
}
