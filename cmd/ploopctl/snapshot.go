// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/spf13/cobra"

	"github.com/openvz/ploop-go/lib/ploop"
)

func newSnapshotCommand() *cobra.Command {
	var flags rawStackFlags
	var newTopPath string

	cmd := &cobra.Command{
		Use:   "snapshot <image> [<delta>...]",
		Short: "Freeze the current top delta read-only and push a fresh writable top",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stack, err := openStack(ctx, args, true, flags.shift())
			if err != nil {
				return err
			}

			top := stack.Top()
			f, err := createFile(newTopPath)
			if err != nil {
				return err
			}
			newTop, err := ploop.CreateDelta(f, ploop.RoleImageDelta, top.ClusterShift(), stack.VirtualSizeClusters())
			if err != nil {
				f.Close()
				return err
			}
			return stack.Snapshot(ctx, newTop)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&newTopPath, "new", "", "path for the fresh top delta file (required)")
	_ = cmd.MarkFlagRequired("new")
	return cmd
}
