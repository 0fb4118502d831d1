// SPDX-License-Identifier: GPL-2.0-or-later

// Command ploopctl is a control-plane tool for the ploop I/O
// translation engine: it drives attach/snapshot/merge/grow/relocate
// against a stack of regular files standing in for block devices, the
// same role cmd/btrfs-rec's subcommand tree plays for btrfs, and it
// hosts a minimal "serve" request-queue simulator so the engine can be
// exercised end to end without a kernel block-device shell.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/openvz/ploop-go/lib/profile"
	"github.com/openvz/ploop-go/lib/textui"
)

// cmdStdin/cmdStdout are indirected so tests can redirect the serve
// subcommand's line protocol without touching the real process streams.
var (
	cmdStdin  io.Reader = os.Stdin
	cmdStdout io.Writer = os.Stdout
)

func main() {
	logLevelFlag := textui.LogLevelFlag{Level: dlog.LogLevelInfo}

	argparser := &cobra.Command{
		Use:   "ploopctl",
		Short: "Drive the ploop I/O translation engine from the command line",

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity (error|warn|info|debug|trace)")
	stopProfiles := profile.AddProfileFlags(argparser.PersistentFlags(), "")

	argparser.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
		ctx := dlog.WithLogger(cmd.Context(), logger)
		cmd.SetContext(ctx)
		return nil
	}

	argparser.AddCommand(
		newCreateCommand(),
		newAttachCommand(),
		newServeCommand(),
		newStatusCommand(),
		newSnapshotCommand(),
		newMergeCommand(),
		newGrowCommand(),
		newRelocateCommand(),
		newFlushCommand(),
		newFsckCommand(),
	)

	err := argparser.ExecuteContext(context.Background())
	if stopErr := stopProfiles(); err == nil {
		err = stopErr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

// runSupervised wraps fn in a dgroup.Group with signal handling
// enabled, matching the teacher's pattern of letting dgroup own
// ctrl-C/SIGTERM-triggered soft-then-hard shutdown instead of each
// subcommand hand-rolling it.
func runSupervised(ctx context.Context, name string, fn func(context.Context) error) error {
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
	grp.Go(name, fn)
	return grp.Wait()
}
