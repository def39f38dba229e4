package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/synctree/synctree/internal/bootstrap"
	"github.com/synctree/synctree/internal/node"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Load every configured root and run the Signature Pipeline and Task Runner until interrupted",
		Long: `Builds the full importable core for every configured device root (§4) and
runs it in the foreground: the Signature Pipeline hashes newly upserted
local files, and the Task Runner drains the Operation Graph as operations
become ready. Stop with Ctrl-C.

No network transport is bundled with this binary (spec.md §1), so any
configured remote root is skipped with a warning until a RemoteDriveClient
is wired in by an embedding program.`,
		RunE: runSync,
	}
}

func runSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys, err := bootstrap.Build(ctx, cc.Holder, nil, nil, cc.Logger)
	if err != nil {
		return fmt.Errorf("starting cache manager: %w", err)
	}
	defer sys.Close(context.Background())

	for _, device := range sys.Cache.Devices() {
		treeID := fmt.Sprintf("device-%d", device)
		cc.Logger.Info("sync: loading device", "device", device)

		root := node.NodeIdentifier{Device: device, UID: node.RootUID}
		sys.Cache.CreateDisplayTree(treeID, root, nil)

		if err := sys.Cache.StartSubtreeLoad(ctx, treeID); err != nil {
			return fmt.Errorf("loading device %d: %w", device, err)
		}
	}

	cc.Logger.Info("sync: running, press Ctrl-C to stop")
	sys.Run(ctx)
	cc.Logger.Info("sync: stopped")

	return nil
}
