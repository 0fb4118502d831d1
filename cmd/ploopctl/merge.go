// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/spf13/cobra"
)

func newMergeCommand() *cobra.Command {
	var flags rawStackFlags
	var victim int

	cmd := &cobra.Command{
		Use:   "merge <image> [<delta>...]",
		Short: "Fold an interior delta into the one below it and drop it from the stack",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stack, err := openStack(ctx, args, true, flags.shift())
			if err != nil {
				return err
			}
			return stack.Merge(ctx, victim)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&victim, "victim", 0, "index (0=base) of the interior delta to fold into its lower neighbor")
	_ = cmd.MarkFlagRequired("victim")
	return cmd
}
