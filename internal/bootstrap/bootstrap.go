// Package bootstrap wires the importable core (internal/cacheman,
// internal/sigpipe, internal/opgraph, internal/executor, internal/taskrunner)
// together from a loaded internal/config.Config. It is the composition root
// the thin cmd/synctreed daemon and the root-level CLI both call into, kept
// out of internal/ core proper because none of it is addressed by an
// invariant or testable property in spec.md — it is glue, not a module.
//
// Grounded on the teacher's root.go PersistentPreRunE and newGraphClient
// helpers, which perform the same job (turn a resolved config into live
// client objects) for the OneDrive CLI's single-backend case; this
// generalizes it to synctree's arbitrary set of local and remote device
// roots.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/synctree/synctree/internal/cacheman"
	"github.com/synctree/synctree/internal/config"
	"github.com/synctree/synctree/internal/eventbus"
	"github.com/synctree/synctree/internal/executor"
	"github.com/synctree/synctree/internal/mapper"
	"github.com/synctree/synctree/internal/node"
	"github.com/synctree/synctree/internal/opgraph"
	"github.com/synctree/synctree/internal/sigpipe"
	"github.com/synctree/synctree/internal/store"
	"github.com/synctree/synctree/internal/taskrunner"
	"github.com/synctree/synctree/internal/treestore"
	"github.com/synctree/synctree/internal/uidalloc"
)

// System bundles every long-lived component a daemon process or a one-shot
// CLI command needs, plus the disk handles that must be closed on shutdown.
type System struct {
	Cache   *cacheman.Manager
	Bus     *eventbus.Bus
	Graph   *opgraph.Graph
	Exec    *executor.Executor
	Pool    *taskrunner.Pool
	SigPipe *sigpipe.Pipeline
	Holder  *config.Holder

	ops      *store.OpsStore
	registry *store.RegistryStore
	local    []*store.LocalStore
	remote   []*store.RemoteStore
}

// Build opens every database the configured roots need, constructs one
// LocalTreeStore or RemoteTreeStore per entry in cfg.Roots, and assembles
// the Cache Manager, Signature Pipeline, Operation Graph, Command Executor,
// and Task Runner pool around them. Roots of kind "remote" are registered
// with a RemoteTreeStore whose RemoteDriveClient is supplied by the caller
// (clients == nil is valid when no remote root is configured); synctree
// itself never constructs a transport, per spec.md §1.
func Build(ctx context.Context, holder *config.Holder, clients map[node.DeviceUID]treestore.RemoteDriveClient, writers map[node.DeviceUID]executor.RemoteDriveWriter, logger *slog.Logger) (*System, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := holder.Config()

	ops, err := store.OpenOpsStore(ctx, config.OpsDBPath(cfg.CacheDir), logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: opening ops store: %w", err)
	}

	registry, err := store.OpenRegistryStore(ctx, config.RegistryDBPath(cfg.CacheDir), logger)
	if err != nil {
		ops.Close()
		return nil, fmt.Errorf("bootstrap: opening registry store: %w", err)
	}

	bus := eventbus.New(logger)
	graph := opgraph.New(ops, logger)

	if err := graph.Restore(ctx); err != nil {
		if closeErr := closeAll(ops, registry, nil, nil); closeErr != nil {
			logger.Warn("bootstrap: closing stores after failed graph restore", slog.String("error", closeErr.Error()))
		}

		return nil, fmt.Errorf("bootstrap: restoring operation graph: %w", err)
	}

	cache := cacheman.New(logger)
	cache.SetGraph(graph)

	watermark := uidalloc.NewConfigWatermark(holder)

	uids, err := uidalloc.New(ctx, watermark)
	if err != nil {
		if closeErr := closeAll(ops, registry, nil, nil); closeErr != nil {
			logger.Warn("bootstrap: closing stores after failed UID allocator init", slog.String("error", closeErr.Error()))
		}

		return nil, fmt.Errorf("bootstrap: initializing UID allocator: %w", err)
	}

	sys := &System{Cache: cache, Bus: bus, Graph: graph, Holder: holder, ops: ops, registry: registry}

	for _, root := range cfg.Roots {
		device := node.DeviceUID(root.DeviceUID)

		switch root.Kind {
		case "local":
			if err := sys.addLocalRoot(ctx, root, device, uids, bus, logger); err != nil {
				sys.Close(ctx)
				return nil, err
			}
		case "remote":
			client := clients[device]
			if client == nil {
				logger.Warn("bootstrap: skipping remote root with no RemoteDriveClient configured",
					slog.Uint64("device", root.DeviceUID))
				continue
			}

			if err := sys.addRemoteRoot(ctx, root, device, client, uids, bus, logger); err != nil {
				sys.Close(ctx)
				return nil, err
			}
		default:
			sys.Close(ctx)
			return nil, fmt.Errorf("bootstrap: device %d has unknown root kind %q", root.DeviceUID, root.Kind)
		}

		if err := registry.Upsert(ctx, &store.CacheInfoEntry{
			ID:                fmt.Sprintf("device-%d", root.DeviceUID),
			CacheLocation:     config.DeviceDBPath(cfg.CacheDir, root.DeviceUID, root.Kind),
			SubtreeRootDevice: root.DeviceUID,
			SubtreeRootUID:    uint64(node.RootUID),
		}); err != nil {
			sys.Close(ctx)
			return nil, fmt.Errorf("bootstrap: recording device %d in registry: %w", root.DeviceUID, err)
		}
	}

	sys.Exec = executor.New(cache, graph, bus, logger)
	sys.Exec.SetRetryPolicy(cfg.Retry.MaxRetries, time.Duration(cfg.Retry.CallTimeoutSec)*time.Second)

	for device, writer := range writers {
		sys.Exec.RegisterRemote(device, writer)
	}

	sys.Pool = taskrunner.New(graph, sys.Exec, logger)
	sys.SigPipe = sigpipe.New(bus, cache, settlingDelay(cfg), logger)

	if err := cache.Start(ctx); err != nil {
		sys.Close(ctx)
		return nil, fmt.Errorf("bootstrap: starting cache manager: %w", err)
	}

	if err := sys.Exec.CleanStagingDirs(); err != nil {
		logger.Warn("bootstrap: cleaning staging directories", slog.Any("error", err))
	}

	return sys, nil
}

// Run starts the Signature Pipeline and a Task Runner pool sized from
// configuration, and blocks until ctx is cancelled.
func (s *System) Run(ctx context.Context) {
	poolSize := s.Holder.Config().Workers.PoolSize

	s.SigPipe.Start(ctx)
	s.Pool.Start(ctx, poolSize)

	<-ctx.Done()

	s.Pool.Stop()
	s.SigPipe.Wait()
}

func (s *System) addLocalRoot(ctx context.Context, root config.DeviceRoot, device node.DeviceUID, uids *uidalloc.Allocator, bus *eventbus.Bus, logger *slog.Logger) error {
	cfg := s.Holder.Config()

	disk, err := store.OpenLocalStore(ctx, config.DeviceDBPath(cfg.CacheDir, root.DeviceUID, "local"), logger)
	if err != nil {
		return fmt.Errorf("bootstrap: opening local store for device %d: %w", root.DeviceUID, err)
	}

	s.local = append(s.local, disk)

	tree := treestore.NewLocalTreeStore(device, root.RootPath, cfg.Preferences.ProjectDirMarkers, cfg.Preferences.SkipSymlinks, disk, uids, bus, logger)

	s.Cache.RegisterStore(device, tree, mapper.NewPathMapper(root.RootPath, logger), mapper.NewCloudIDMapper(logger))

	return nil
}

func (s *System) addRemoteRoot(ctx context.Context, root config.DeviceRoot, device node.DeviceUID, client treestore.RemoteDriveClient, uids *uidalloc.Allocator, bus *eventbus.Bus, logger *slog.Logger) error {
	cfg := s.Holder.Config()

	disk, err := store.OpenRemoteStore(ctx, config.DeviceDBPath(cfg.CacheDir, root.DeviceUID, "remote"), logger)
	if err != nil {
		return fmt.Errorf("bootstrap: opening remote store for device %d: %w", root.DeviceUID, err)
	}

	s.remote = append(s.remote, disk)

	tree := treestore.NewRemoteTreeStore(device, client, disk, uids, bus, logger)

	s.Cache.RegisterStore(device, tree, mapper.NewPathMapper("", logger), mapper.NewCloudIDMapper(logger))

	return nil
}

func settlingDelay(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Workers.SettlingDelayMS) * time.Millisecond
}

// Close shuts down every open database handle, aggregating whatever errors
// come back so one failed Close doesn't hide the rest. Safe to call after a
// partially-failed Build.
func (s *System) Close(ctx context.Context) error {
	if s.Cache != nil {
		s.Cache.Shutdown(ctx)
	}

	return closeAll(s.ops, s.registry, s.local, s.remote)
}

func closeAll(ops *store.OpsStore, registry *store.RegistryStore, local []*store.LocalStore, remote []*store.RemoteStore) error {
	var err error

	if ops != nil {
		err = multierr.Append(err, ops.Close())
	}

	if registry != nil {
		err = multierr.Append(err, registry.Close())
	}

	for _, l := range local {
		err = multierr.Append(err, l.Close())
	}

	for _, r := range remote {
		err = multierr.Append(err, r.Close())
	}

	return err
}
