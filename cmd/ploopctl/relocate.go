// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openvz/ploop-go/lib/ploop"
)

func newRelocateCommand() *cobra.Command {
	var flags rawStackFlags
	var cluster uint64

	cmd := &cobra.Command{
		Use:   "relocate <image> [<delta>...]",
		Short: "Move a logical cluster's physical location within its owning delta",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stack, err := openStack(ctx, args, true, flags.shift())
			if err != nil {
				return err
			}

			l := ploop.LogicalCluster(cluster)
			loc, err := stack.Locate(ctx, l)
			if err != nil {
				return err
			}
			if !loc.OK {
				return fmt.Errorf("logical cluster %d is unmapped in every layer", cluster)
			}
			owner := loc.Val.Delta

			newPhys, err := owner.AllocateTail(stack.AllocationLimit(owner))
			if err != nil {
				return err
			}
			return owner.Relocate(ctx, stack, l, newPhys)
		},
	}
	flags.register(cmd)
	cmd.Flags().Uint64Var(&cluster, "cluster", 0, "logical cluster to relocate (required)")
	_ = cmd.MarkFlagRequired("cluster")
	return cmd
}
