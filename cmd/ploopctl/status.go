// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/spf13/cobra"

	"github.com/openvz/ploop-go/lib/containers"
	"github.com/openvz/ploop-go/lib/ploop"
)

// statusReport is the JSON shape `ploopctl status` prints, encoded via
// lowmemjson the way lib/containers.Set itself is (de)serialized,
// rather than reflection-heavy encoding/json.
type statusReport struct {
	DeltaCount       int                            `json:"delta_count"`
	TopGeneration    uint64                         `json:"top_generation"`
	DirtyPages       int                            `json:"dirty_pages"`
	InFlightClusters int                            `json:"in_flight_clusters"`
	Backpressure     bool                           `json:"backpressure"`
	DirtyPageIndices map[int]containers.Set[uint32] `json:"dirty_page_indices"`
}

func newStatusCommand() *cobra.Command {
	var flags rawStackFlags
	cmd := &cobra.Command{
		Use:   "status <image> [<delta>...]",
		Short: "Report dirty-page/in-flight/generation accounting for a stack",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stack, err := openStack(ctx, args, false, flags.shift())
			if err != nil {
				return err
			}
			engine := ploop.NewEngine(ctx, args[0], stack)
			stats := engine.Stats()
			report := statusReport{
				DeltaCount:       stats.DeltaCount,
				TopGeneration:    uint64(stats.TopGeneration),
				DirtyPages:       stats.DirtyPages,
				InFlightClusters: stats.InFlightClusters,
				Backpressure:     stats.Backpressure,
				DirtyPageIndices: engine.DirtyPages(),
			}
			return lowmemjson.NewEncoder(os.Stdout).Encode(report)
		},
	}
	flags.register(cmd)
	return cmd
}
