// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/spf13/cobra"

	"github.com/openvz/ploop-go/lib/ploop"
)

func newCreateCommand() *cobra.Command {
	var sizeClusters uint64
	var clusterShift uint32

	cmd := &cobra.Command{
		Use:   "create <image>",
		Short: "Lay down a fresh image-base delta: header, empty BAT, empty data region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := createFile(args[0])
			if err != nil {
				return err
			}
			if _, err := ploop.CreateDelta(f, ploop.RoleImageBase, ploop.ClusterShift(clusterShift), sizeClusters); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().Uint64Var(&sizeClusters, "size", 128, "virtual size, in clusters")
	cmd.Flags().Uint32Var(&clusterShift, "cluster-size", 11, "log2(cluster size in 512-byte sectors); 11 = 1 MiB clusters")
	return cmd
}
