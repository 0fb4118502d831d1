// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"
)

// rawStackFlags are shared by every subcommand that opens an existing
// stack rather than creating one.
type rawStackFlags struct {
	raw          bool
	clusterShift uint32
}

func (f *rawStackFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.raw, "raw", false, "the base image is a raw (headerless) flat file")
	cmd.Flags().Uint32Var(&f.clusterShift, "cluster-size", 11, "cluster size for a --raw base, as log2(sectors)")
}

func (f *rawStackFlags) shift() uint32 {
	if f.raw {
		return f.clusterShift
	}
	return 0
}

func newAttachCommand() *cobra.Command {
	var flags rawStackFlags
	cmd := &cobra.Command{
		Use:   "attach <image> [<delta>...]",
		Short: "Open a delta stack and report its geometry, without driving any I/O",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stack, err := openStack(ctx, args, false, flags.shift())
			if err != nil {
				return err
			}
			deltas := stack.Deltas()
			dlog.Infof(ctx, "attached stack of %d layer(s)", len(deltas))
			for i, d := range deltas {
				fmt.Printf("layer %d: role=%s\n", i, d.Role)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
