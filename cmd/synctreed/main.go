// synctreed is a thin daemon wrapper around the importable core: it loads
// config.json, builds the Cache Manager / Signature Pipeline / Operation
// Graph / Command Executor / Task Runner for every configured root, and
// runs until terminated. It carries no RPC or network transport (spec.md
// §1) — an embedding program wires a RemoteDriveClient/RemoteDriveWriter
// pair in before any remote root does useful work.
//
// Grounded on the teacher's cmd/integration-bootstrap/main.go: a small
// flag-parsing main distinct from the full cobra-based CLI in the module
// root, for a narrower job.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/synctree/synctree/internal/bootstrap"
	"github.com/synctree/synctree/internal/config"
	"github.com/synctree/synctree/internal/node"
)

func main() {
	configPath := flag.String("config", "", "config file path (default: "+config.DefaultConfigPath()+")")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*configPath, logger); err != nil {
		fmt.Fprintf(os.Stderr, "synctreed: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	if configPath == "" {
		configPath = os.Getenv(config.EnvConfig)
	}

	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	holder := config.NewHolder(cfg, configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys, err := bootstrap.Build(ctx, holder, nil, nil, logger)
	if err != nil {
		return fmt.Errorf("building system: %w", err)
	}
	defer sys.Close(context.Background())

	for _, device := range sys.Cache.Devices() {
		treeID := fmt.Sprintf("device-%d", device)

		root := node.NodeIdentifier{Device: device, UID: node.RootUID}
		sys.Cache.CreateDisplayTree(treeID, root, nil)

		if err := sys.Cache.StartSubtreeLoad(ctx, treeID); err != nil {
			return fmt.Errorf("loading device %d: %w", device, err)
		}
	}

	logger.Info("synctreed: running", slog.Int("devices", len(sys.Cache.Devices())))
	sys.Run(ctx)
	logger.Info("synctreed: stopped")

	return nil
}
