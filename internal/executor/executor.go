// Package executor implements the Command Executor of spec.md §4.10: the
// single consumer of the Operation Graph's ready queue. It pulls one UserOp
// at a time, dispatches it by Type to a local-filesystem or remote-backend
// handler (or both, for a CP/MV that crosses backends), and reports the
// outcome back to the graph and the event bus.
//
// Grounded on the teacher's internal/sync/executor.go: the staging-file
// pattern (write to a temp name, verify, atomic rename) and the phase-by-
// phase dispatch loop both carry over directly. Two things don't: the
// teacher hard-codes one direction (local disk <-> OneDrive) and one digest
// (quickxorhash); this executor takes either side of an op from either
// backend and verifies with internal/hashing's MD5/SHA-256 pair instead.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/synctree/synctree/internal/cacheman"
	"github.com/synctree/synctree/internal/eventbus"
	"github.com/synctree/synctree/internal/hashing"
	"github.com/synctree/synctree/internal/node"
	"github.com/synctree/synctree/internal/opgraph"
	"github.com/synctree/synctree/internal/userop"
)

// dirPermissions matches the teacher's internal/sync/executor.go constant.
const dirPermissions = 0o755

// stagingDirName is the per-root scratch directory a CP/UP destined for a
// local path stages through before its atomic rename, per spec.md §4.10.
const stagingDirName = ".sync-tmp"

// ErrAlreadyExists is the sentinel a RemoteDriveWriter.CreateFolder
// implementation should wrap and return when the target folder already
// exists, letting execMkdir treat it as the idempotent success spec.md
// §4.10 requires of MKDIR.
var ErrAlreadyExists = errors.New("executor: remote object already exists")

// RemoteDriveWriter is the write-side capability a remote backend's process
// wiring supplies. Unlike the read-only indexing path (treestore's
// RemoteTreeStore, which owns its own cloud-ID bookkeeping), every method
// here is addressed by NodeIdentifier rather than a bare cloud ID: the
// concrete adapter resolves identifiers to cloud IDs however it already
// does for indexing, so the executor never needs a second copy of that
// mapping.
type RemoteDriveWriter interface {
	// CreateFolder creates a folder named name under parent. Returns
	// ErrAlreadyExists (wrapped) if one already exists there.
	CreateFolder(ctx context.Context, parent node.NodeIdentifier, name string) (cloudID string, err error)

	// Upload streams r (size bytes) to a new object named name under
	// parent, returning its assigned cloud ID and server-computed MD5.
	Upload(ctx context.Context, parent node.NodeIdentifier, name string, r io.Reader, size int64) (cloudID, md5 string, err error)

	// Download streams src's content to w.
	Download(ctx context.Context, src node.NodeIdentifier, w io.Writer) error

	// Move relocates and/or renames src in place.
	Move(ctx context.Context, src node.NodeIdentifier, newParent node.NodeIdentifier, newName string) error

	// Delete removes target, trashing it instead of a hard delete when
	// toTrash is set.
	Delete(ctx context.Context, target node.NodeIdentifier, toTrash bool) error
}

// Result is the outcome of dispatching a single UserOp (spec.md §4.10's
// UserOpResult): whether it succeeded, the error if not, and every node
// identifier the op touched, for callers that want to react without
// re-deriving it from the op itself.
type Result struct {
	OpUID    string
	Success  bool
	Err      error
	Affected []node.NodeIdentifier
}

// defaultMaxRetries and defaultCallTimeout are spec.md §5's fallback retry
// policy, in effect until SetRetryPolicy overrides them from config.json's
// retry.max_retries / retry.call_timeout_sec.
const (
	defaultMaxRetries  = 10
	defaultCallTimeout = 30 * time.Second
)

// Executor is the Command Executor. One instance per process; Run drains
// opgraph.Graph.GetNext in a loop until its context is cancelled.
type Executor struct {
	cache       *cacheman.Manager
	graph       *opgraph.Graph
	bus         *eventbus.Bus
	logger      *slog.Logger
	remotes     map[node.DeviceUID]RemoteDriveWriter
	maxRetries  int
	callTimeout time.Duration
}

// New constructs an Executor. graph is used directly, both by Run's GetNext
// loop and for MarkCompleted/MarkFailed, which have no cacheman-level
// equivalent — the cache manager's remit is node storage, not op lifecycle.
func New(cache *cacheman.Manager, graph *opgraph.Graph, bus *eventbus.Bus, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		cache:       cache,
		graph:       graph,
		bus:         bus,
		logger:      logger,
		remotes:     make(map[node.DeviceUID]RemoteDriveWriter),
		maxRetries:  defaultMaxRetries,
		callTimeout: defaultCallTimeout,
	}
}

// SetRetryPolicy overrides the backoff policy applied to every remote
// backend call (spec.md §5). Zero values leave the corresponding default in
// place. Call before Run; not safe to change concurrently with dispatch.
func (e *Executor) SetRetryPolicy(maxRetries int, callTimeout time.Duration) {
	if maxRetries > 0 {
		e.maxRetries = maxRetries
	}

	if callTimeout > 0 {
		e.callTimeout = callTimeout
	}
}

// RegisterRemote wires the write-capable adapter for device. Must be called
// before Run for any device the executor will see remote-side ops for.
func (e *Executor) RegisterRemote(device node.DeviceUID, w RemoteDriveWriter) {
	e.remotes[device] = w
}

// CleanStagingDirs removes every registered local device's staging
// directory, per spec.md §4.10's "staging directories are cleaned on
// executor startup" — a crash mid-transfer can leave partially-written
// staged files behind, and nothing downstream of a fresh start should trust
// them.
func (e *Executor) CleanStagingDirs() error {
	for _, device := range e.cache.Devices() {
		root, ok := e.cache.AbsLocalPath(device, "")
		if !ok {
			continue
		}

		if err := os.RemoveAll(filepath.Join(root, stagingDirName)); err != nil {
			return fmt.Errorf("executor: cleaning staging dir for device %d: %w", device, err)
		}
	}

	return nil
}

// Run pulls ready ops and dispatches them one at a time until ctx is
// cancelled. A taskrunner.Pool calls Dispatch directly instead, from
// several goroutines, to parallelize this same loop.
func (e *Executor) Run(ctx context.Context) error {
	for {
		op, err := e.graph.GetNext(ctx)
		if err != nil {
			return err
		}

		e.Dispatch(ctx, op)
	}
}

// Dispatch executes a single UserOp end to end: runs its handler, reports
// the outcome to the Operation Graph, and publishes CommandComplete. Safe
// to call concurrently from multiple goroutines (a pulled op is never
// shared between callers).
func (e *Executor) Dispatch(ctx context.Context, op *userop.UserOp) Result {
	affected, err := e.dispatch(ctx, op)

	result := Result{OpUID: op.OpUID, Success: err == nil, Err: err, Affected: affected}

	if err != nil {
		e.logger.Warn("executor: op failed",
			slog.String("op_uid", op.OpUID), slog.String("type", string(op.Type)), slog.String("error", err.Error()))

		if markErr := e.graph.MarkFailed(ctx, op.OpUID, err.Error(), 0); markErr != nil {
			e.logger.Error("executor: marking op failed", slog.String("op_uid", op.OpUID), slog.String("error", markErr.Error()))
		}
	} else if markErr := e.graph.MarkCompleted(ctx, op.OpUID, 0); markErr != nil {
		e.logger.Error("executor: marking op completed", slog.String("op_uid", op.OpUID), slog.String("error", markErr.Error()))
	}

	e.bus.PublishCommandComplete(eventbus.CommandComplete{OpUID: op.OpUID, Success: result.Success, Err: result.Err})

	return result
}

func (e *Executor) dispatch(ctx context.Context, op *userop.UserOp) ([]node.NodeIdentifier, error) {
	switch op.Type {
	case userop.Mkdir:
		return e.execMkdir(ctx, op)
	case userop.CP:
		return e.execCopy(ctx, op, false)
	case userop.UP:
		return e.execCopy(ctx, op, true)
	case userop.MV:
		return e.execMove(ctx, op)
	case userop.RM:
		return e.execRemove(ctx, op)
	default:
		return nil, fmt.Errorf("executor: unknown op type %q", op.Type)
	}
}

func (e *Executor) remoteWriter(device node.DeviceUID) (RemoteDriveWriter, error) {
	w, ok := e.remotes[device]
	if !ok {
		return nil, fmt.Errorf("executor: no remote writer registered for device %d", device)
	}

	return w, nil
}

func dirOf(path string) string {
	i := lastSlash(path)
	if i < 0 {
		return ""
	}

	return path[:i]
}

func baseOf(path string) string {
	i := lastSlash(path)
	if i < 0 {
		return path
	}

	return path[i+1:]
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}

	return -1
}

func stagingDir(root string) string {
	return filepath.Join(root, stagingDirName)
}
