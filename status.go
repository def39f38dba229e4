package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/synctree/synctree/internal/bootstrap"
	"github.com/synctree/synctree/internal/diag"
	"github.com/synctree/synctree/internal/node"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [device]",
		Short: "Show the load state, node count, and pending-op count for a configured root",
		Long: `Opens every configured device root read-only, loads its subtree, and
reports its load state, node count, pending operation count, and last
observed sync timestamp — spec.md §6's status(tree_id) operation.

With no argument, every configured device root is reported.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	sys, err := bootstrap.Build(ctx, cc.Holder, nil, nil, cc.Logger)
	if err != nil {
		return fmt.Errorf("starting cache manager: %w", err)
	}
	defer sys.Close(ctx)

	devices := sys.Cache.Devices()
	if len(args) == 1 {
		devices = []node.DeviceUID{parseDeviceArg(args[0])}
	}

	statuses := make([]*diag.Status, 0, len(devices))

	for _, device := range devices {
		treeID := fmt.Sprintf("device-%d", device)
		root := node.NodeIdentifier{Device: device, UID: node.RootUID}

		sys.Cache.CreateDisplayTree(treeID, root, nil)

		if err := sys.Cache.StartSubtreeLoad(ctx, treeID); err != nil {
			return fmt.Errorf("loading device %d: %w", device, err)
		}

		st, err := diag.Snapshot(ctx, sys.Cache, sys.Graph, treeID)
		if err != nil {
			return fmt.Errorf("snapshotting device %d: %w", device, err)
		}

		statuses = append(statuses, st)
	}

	return printStatuses(cc, statuses)
}

func printStatuses(cc *CLIContext, statuses []*diag.Status) error {
	if cc.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(statuses)
	}

	for _, st := range statuses {
		lastSync := "never"
		if st.LastSyncTS > 0 {
			lastSync = humanize.Time(time.Unix(0, st.LastSyncTS))
		}

		fmt.Printf("%-24s state=%-16s nodes=%-6s pending_ops=%-4d last_sync=%s\n",
			st.TreeID, st.LoadState, humanize.Comma(int64(st.NodeCount)), st.PendingOps, lastSync)
	}

	return nil
}

func parseDeviceArg(arg string) node.DeviceUID {
	var n uint64

	fmt.Sscanf(arg, "%d", &n)

	return node.DeviceUID(n)
}
