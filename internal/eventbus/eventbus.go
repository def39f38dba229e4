// Package eventbus replaces the source system's process-global weakly-typed
// signal dispatcher (spec.md §9 Design Notes) with a typed broadcast channel
// per signal category. Components receive an explicit *Bus at construction
// time rather than reaching for thread-local/package-global state.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/synctree/synctree/internal/node"
)

// NodeUpserted is published after both the memory and disk writes for a
// node complete (spec.md §5 ordering guarantee — never published before).
type NodeUpserted struct {
	Node   *node.Node
	TreeID string
}

// NodeRemoved is published after a node's memory and disk rows are both
// gone.
type NodeRemoved struct {
	Identifier node.NodeIdentifier
	TreeID     string
	ToTrash    bool
}

// CommandComplete is published when the Command Executor finishes a
// UserOp, successfully or not.
type CommandComplete struct {
	OpUID   string
	Success bool
	Err     error
}

// subscriberBufSize bounds how far a slow subscriber may lag before events
// are dropped for it; a dropped event never blocks the publisher.
const subscriberBufSize = 256

// Bus is a typed, per-category broadcast facility. One Bus instance is
// constructed at process startup and threaded explicitly into every
// component that needs to publish or subscribe — grounded on spec.md §9's
// instruction to "pass an EventBus handle through constructors" instead of
// a thread-local singleton.
type Bus struct {
	mu sync.RWMutex

	upserted []chan NodeUpserted
	removed  []chan NodeRemoved
	commands []chan CommandComplete

	logger *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{logger: logger}
}

// SubscribeNodeUpserted registers a new receiver and returns its channel.
// The channel is never closed by the Bus; callers stop reading when their
// own lifetime ends.
func (b *Bus) SubscribeNodeUpserted() <-chan NodeUpserted {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan NodeUpserted, subscriberBufSize)
	b.upserted = append(b.upserted, ch)

	return ch
}

// SubscribeNodeRemoved registers a new receiver and returns its channel.
func (b *Bus) SubscribeNodeRemoved() <-chan NodeRemoved {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan NodeRemoved, subscriberBufSize)
	b.removed = append(b.removed, ch)

	return ch
}

// SubscribeCommandComplete registers a new receiver and returns its channel.
func (b *Bus) SubscribeCommandComplete() <-chan CommandComplete {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan CommandComplete, subscriberBufSize)
	b.commands = append(b.commands, ch)

	return ch
}

// PublishNodeUpserted broadcasts to every subscriber, non-blocking: a full
// subscriber channel causes that event to be dropped for that subscriber
// and logged, rather than stalling the publisher (mirrors the teacher's
// trySend pattern in internal/sync/observer_local.go, generalized from one
// channel to a fan-out list).
func (b *Bus) PublishNodeUpserted(ev NodeUpserted) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.upserted {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("eventbus: dropping NodeUpserted, subscriber channel full",
				slog.Uint64("uid", uint64(ev.Node.Identifier.UID)))
		}
	}
}

// PublishNodeRemoved broadcasts to every subscriber, non-blocking.
func (b *Bus) PublishNodeRemoved(ev NodeRemoved) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.removed {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("eventbus: dropping NodeRemoved, subscriber channel full",
				slog.Uint64("uid", uint64(ev.Identifier.UID)))
		}
	}
}

// PublishCommandComplete broadcasts to every subscriber, non-blocking.
func (b *Bus) PublishCommandComplete(ev CommandComplete) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.commands {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("eventbus: dropping CommandComplete, subscriber channel full",
				slog.String("op_uid", ev.OpUID))
		}
	}
}
