// Package sigpipe implements the Background Signature Pipeline of spec.md
// §4.7: a single worker that detects newly-indexed local files lacking a
// content hash, computes one off the critical path, and re-submits the
// augmented node so the signature propagates into both cache tiers without
// racing the walker that indexed it.
package sigpipe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/synctree/synctree/internal/cacheman"
	"github.com/synctree/synctree/internal/eventbus"
	"github.com/synctree/synctree/internal/hashing"
	"github.com/synctree/synctree/internal/node"
)

// queueBufSize bounds the FIFO work queue; a burst of upserts beyond this
// blocks the enqueue loop rather than growing unbounded.
const queueBufSize = 4096

type workItem struct {
	device node.DeviceUID
	uid    node.UID
}

// Pipeline is the Signature Pipeline: one worker goroutine per instance,
// fed through its queue by a second goroutine that reads an eventbus
// subscription.
type Pipeline struct {
	bus    *eventbus.Bus
	cache  *cacheman.Manager
	logger *slog.Logger

	settlingDelay time.Duration

	queue chan workItem
	sf    singleflight.Group

	done chan struct{}
}

// New constructs a Pipeline. settlingDelay is the pause before the worker
// starts consuming NodeUpserted events, giving an initial burst of walker
// upserts time to settle before hashing begins (spec.md §4.7).
func New(bus *eventbus.Bus, cache *cacheman.Manager, settlingDelay time.Duration, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		bus:           bus,
		cache:         cache,
		logger:        logger,
		settlingDelay: settlingDelay,
		queue:         make(chan workItem, queueBufSize),
		done:          make(chan struct{}),
	}
}

// Start launches the pipeline's background goroutine: it sleeps
// settlingDelay, subscribes to NodeUpserted, and runs the enqueue and
// worker loops until ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	go func() {
		defer close(p.done)

		select {
		case <-time.After(p.settlingDelay):
		case <-ctx.Done():
			return
		}

		sub := p.bus.SubscribeNodeUpserted()

		go p.enqueueLoop(ctx, sub)

		p.workLoop(ctx)
	}()
}

// Wait blocks until the pipeline's goroutine has exited.
func (p *Pipeline) Wait() {
	<-p.done
}

// enqueueLoop is the subscription callback spec.md §4.7 describes: it
// filters every NodeUpserted event down to files that still lack a
// signature and enqueues just the (device, uid) pair — the worker loop
// re-reads the current node when it actually processes the item, since it
// may have changed again by then.
func (p *Pipeline) enqueueLoop(ctx context.Context, sub <-chan eventbus.NodeUpserted) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}

			if !needsSignature(ev.Node) {
				continue
			}

			item := workItem{device: ev.Node.Identifier.Device, uid: ev.Node.Identifier.UID}

			select {
			case p.queue <- item:
			case <-ctx.Done():
				return
			}
		}
	}
}

func needsSignature(n *node.Node) bool {
	return n.Kind == node.KindLocalFile && !n.HasSignature()
}

func (p *Pipeline) workLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}

			p.process(ctx, item)
		}
	}
}

// process implements steps 1-5 of spec.md §4.7's worker loop.
func (p *Pipeline) process(ctx context.Context, item workItem) {
	n, ok, err := p.cache.GetNodeForUID(item.device, item.uid)
	if err != nil || !ok {
		return
	}

	// Step 2: re-check the node still lacks a hash — another writer may
	// have filled it in between enqueue and this pop.
	if !needsSignature(n) {
		return
	}

	key := dedupKey(item.uid, n.Mtime())

	_, _, _ = p.sf.Do(key, func() (interface{}, error) {
		p.hashAndUpdate(ctx, item.device, n)
		return nil, nil
	})
}

// hashAndUpdate runs the Content Hasher and, on success, writes a deep
// copy of n back through the Cache Manager. It never mutates n itself —
// equality-based change detection elsewhere would otherwise silently lose
// a concurrent writer's in-flight mutation (spec.md §4.7 step 5).
func (p *Pipeline) hashAndUpdate(ctx context.Context, device node.DeviceUID, n *node.Node) {
	if !n.Identifier.IsSPID() {
		return
	}

	absPath, ok := p.cache.AbsLocalPath(device, n.Identifier.SinglePath().Path)
	if !ok {
		return
	}

	sig := hashing.Hash(absPath)

	// Step 4: both digests empty means the file vanished before it could
	// be hashed — drop silently.
	if sig.IsEmpty() {
		return
	}

	updated := n.Clone()
	updated.LocalFile.MD5 = sig.MD5
	updated.LocalFile.SHA256 = sig.SHA256

	if err := p.cache.UpdateSingleNode(ctx, device, updated); err != nil {
		p.logger.Warn("sigpipe: writing computed signature failed",
			slog.Uint64("uid", uint64(n.Identifier.UID)),
			slog.String("error", err.Error()))
	}
}

// dedupKey guarantees at-most-one hash recomputation per (uid, version)
// in flight at once (spec.md §4.7's guarantee). LocalFile carries no
// explicit version counter, so Mtime stands in for it: a file can only
// need re-hashing again after a write that also bumps its mtime.
func dedupKey(uid node.UID, mtime int64) string {
	return fmt.Sprintf("%d:%d", uid, mtime)
}
