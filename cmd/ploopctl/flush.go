// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/spf13/cobra"

	"github.com/openvz/ploop-go/lib/ploop"
)

func newFlushCommand() *cobra.Command {
	var flags rawStackFlags
	cmd := &cobra.Command{
		Use:   "flush <image> [<delta>...]",
		Short: "Drain the metadata pipeline and fsync every delta in the stack",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stack, err := openStack(ctx, args, true, flags.shift())
			if err != nil {
				return err
			}
			return stack.Submit(ctx, &ploop.Request{Kind: ploop.RequestBarrier})
		},
	}
	flags.register(cmd)
	return cmd
}
