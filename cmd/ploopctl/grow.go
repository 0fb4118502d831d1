// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/spf13/cobra"
)

func newGrowCommand() *cobra.Command {
	var flags rawStackFlags
	var newSize uint64
	var batLimit uint32

	cmd := &cobra.Command{
		Use:   "grow <image> [<delta>...]",
		Short: "Extend the stack's virtual size and the top delta's BAT",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stack, err := openStack(ctx, args, true, flags.shift())
			if err != nil {
				return err
			}
			limit := batLimit
			if limit == 0 {
				limit = uint32(newSize)
			}
			return stack.Grow(ctx, newSize, limit)
		},
	}
	flags.register(cmd)
	cmd.Flags().Uint64Var(&newSize, "size", 0, "new virtual size, in clusters (required, must not shrink)")
	cmd.Flags().Uint32Var(&batLimit, "bat-limit", 0, "new cap on allocated data clusters for the top delta (default: --size)")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}
