package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/synctree/synctree/internal/bootstrap"
	"github.com/synctree/synctree/internal/diffengine"
	"github.com/synctree/synctree/internal/node"
	"github.com/synctree/synctree/internal/userop"
)

func newPlanCmd() *cobra.Command {
	var propagateDeletions bool

	cmd := &cobra.Command{
		Use:   "plan <left-device> <right-device>",
		Short: "Diff two configured device roots and print the operations that would reconcile them",
		Long: `Loads both device roots, runs the Diff Engine between them, and prints the
resulting UserOps grouped by category: adds, then moves, then updates, then
deletes (spec.md §4.8). The Command Executor does not run ops in this order;
it follows the Operation Graph. Nothing is enqueued or executed; use "sync"
to actually run the Operation Graph.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, args, propagateDeletions)
		},
	}

	cmd.Flags().BoolVar(&propagateDeletions, "propagate-deletions", false,
		"mirror a trash on one side as an RM on the other when content otherwise matches")

	return cmd
}

func runPlan(cmd *cobra.Command, args []string, propagateDeletions bool) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	leftDevice := parseDeviceArg(args[0])
	rightDevice := parseDeviceArg(args[1])

	sys, err := bootstrap.Build(ctx, cc.Holder, nil, nil, cc.Logger)
	if err != nil {
		return fmt.Errorf("starting cache manager: %w", err)
	}
	defer sys.Close(ctx)

	leftRoot, err := loadSubtree(ctx, sys, leftDevice)
	if err != nil {
		return err
	}

	rightRoot, err := loadSubtree(ctx, sys, rightDevice)
	if err != nil {
		return err
	}

	leftStore, err := sys.Cache.StoreFor(leftDevice)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}

	rightStore, err := sys.Cache.StoreFor(rightDevice)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}

	tree, err := diffengine.Diff(
		diffengine.Snapshot{Store: leftStore, Root: leftRoot},
		diffengine.Snapshot{Store: rightStore, Root: rightRoot},
		diffengine.Options{PropagateDeletions: propagateDeletions},
	)
	if err != nil {
		return fmt.Errorf("plan: diffing device %d against device %d: %w", leftDevice, rightDevice, err)
	}

	return printPlan(cc, tree.All())
}

func loadSubtree(ctx context.Context, sys *bootstrap.System, device node.DeviceUID) (node.NodeIdentifier, error) {
	treeID := fmt.Sprintf("device-%d", device)
	root := node.NodeIdentifier{Device: device, UID: node.RootUID}

	sys.Cache.CreateDisplayTree(treeID, root, nil)

	if err := sys.Cache.StartSubtreeLoad(ctx, treeID); err != nil {
		return node.NodeIdentifier{}, fmt.Errorf("plan: loading device %d: %w", device, err)
	}

	return root, nil
}

func printPlan(cc *CLIContext, ops []*userop.UserOp) error {
	if cc.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(ops)
	}

	if len(ops) == 0 {
		fmt.Println("in sync")
		return nil
	}

	for _, op := range ops {
		dst := "-"
		if op.Dst != nil {
			dst = op.Dst.String()
		}

		fmt.Printf("%-6s %-16s %s -> %s\n", op.Type, op.Category, op.Src.String(), dst)
	}

	return nil
}
