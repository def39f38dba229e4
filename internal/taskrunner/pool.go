// Package taskrunner implements the Task Runner of spec.md §4.11: a
// bounded worker pool that drains the Operation Graph and dispatches each
// ready op to the Command Executor concurrently, plus a hold-off timer
// primitive for coalescing bursty trigger events.
//
// Grounded directly on the teacher's internal/sync/worker.go WorkerPool: a
// flat pool of goroutines all reading a single ready source, a floor on
// worker count, atomic success/failure counters, and a capped diagnostic
// error list so a long-running pool's memory doesn't grow unbounded under
// sustained failures.
package taskrunner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/synctree/synctree/internal/executor"
	"github.com/synctree/synctree/internal/opgraph"
	"github.com/synctree/synctree/internal/userop"
)

// minWorkers is the floor for total worker count, matching the teacher's
// constant of the same name and rationale: below this, a single slow op
// can stall the whole pool.
const minWorkers = 4

// maxRecordedErrors caps the diagnostic error slice so a long-running pool
// doesn't grow its error history without bound; the failed counter stays
// accurate regardless via droppedErrors.
const maxRecordedErrors = 1000

// Pool is the Task Runner's worker pool: every goroutine pulls directly
// from the same Operation Graph and dispatches through the same Executor,
// so two workers never race on op assignment (opgraph.Graph.GetNext is the
// single arbitration point).
type Pool struct {
	graph  *opgraph.Graph
	exec   *executor.Executor
	logger *slog.Logger

	succeeded     atomic.Int32
	failed        atomic.Int32
	errors        []error
	errorsMu      sync.Mutex
	droppedErrors atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Pool. Call Start to begin executing.
func New(graph *opgraph.Graph, exec *executor.Executor, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{graph: graph, exec: exec, logger: logger}
}

// Start spawns total worker goroutines (raised to minWorkers if lower).
func (p *Pool) Start(ctx context.Context, total int) {
	if total < minWorkers {
		total = minWorkers
	}

	ctx, p.cancel = context.WithCancel(ctx)

	for range total {
		p.wg.Add(1)

		go p.worker(ctx)
	}

	p.logger.Info("taskrunner: pool started", slog.Int("workers", total))
}

// Stop cancels all in-flight work and waits for every worker to exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	p.wg.Wait()
}

// Stats returns the running success/failure counters and a snapshot of the
// diagnostic error list.
func (p *Pool) Stats() (succeeded, failed int, errs []error) {
	p.errorsMu.Lock()
	defer p.errorsMu.Unlock()

	out := make([]error, len(p.errors))
	copy(out, p.errors)

	return int(p.succeeded.Load()), int(p.failed.Load()), out
}

// DroppedErrors reports how many failures were not recorded because the
// diagnostic error slice was already at maxRecordedErrors.
func (p *Pool) DroppedErrors() int64 {
	return p.droppedErrors.Load()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		op, err := p.graph.GetNext(ctx)
		if err != nil {
			return
		}

		p.safeDispatch(ctx, op)
	}
}

// safeDispatch wraps Executor.Dispatch with panic recovery so one bad op
// doesn't take the whole pool down.
func (p *Pool) safeDispatch(ctx context.Context, op *userop.UserOp) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("taskrunner: panic dispatching op",
				slog.String("op_uid", op.OpUID), slog.Any("panic", r))
			p.recordFailure(fmt.Errorf("panic dispatching op %s: %v", op.OpUID, r))
		}
	}()

	result := p.exec.Dispatch(ctx, op)

	if result.Success {
		p.succeeded.Add(1)
		return
	}

	p.recordFailure(result.Err)
}

func (p *Pool) recordFailure(err error) {
	if err == nil {
		return
	}

	p.failed.Add(1)

	p.errorsMu.Lock()
	defer p.errorsMu.Unlock()

	if len(p.errors) >= maxRecordedErrors {
		p.droppedErrors.Add(1)
		return
	}

	p.errors = append(p.errors, err)
}
