// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/openvz/ploop-go/lib/ploop"
)

// newServeCommand is the minimal request-queue simulator SPEC_FULL.md
// adds as a test collaborator standing in for the host request queue
// that spec.md §1 places out of scope: a trivial newline-delimited
// line protocol adapted onto Engine.Submit, the same role
// cmd/btrfs-rec/inspect/mount/mount.go's FUSE adapter plays for
// btrfs's core FS methods.
//
// Protocol, one command per line on stdin, one response per line on
// stdout:
//
//	READ <offset-sectors> <length-sectors>     -> OK <hex-bytes> | ERR <msg>
//	WRITE <offset-sectors> <hex-bytes>         -> OK | ERR <msg>
//	FLUSH                                      -> OK | ERR <msg>
//	QUIT                                       (closes the session)
func newServeCommand() *cobra.Command {
	var flags rawStackFlags
	cmd := &cobra.Command{
		Use:   "serve <image> [<delta>...]",
		Short: "Serve read/write/flush commands on stdin against a stack",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stack, err := openStack(ctx, args, true, flags.shift())
			if err != nil {
				return err
			}
			engine := ploop.NewEngine(ctx, args[0], stack)
			return runSupervised(ctx, "serve", func(ctx context.Context) error {
				defer func() {
					if err := engine.Close(ctx); err != nil {
						dlog.Errorf(ctx, "close: %v", err)
					}
				}()
				return serveLoop(ctx, engine)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func serveLoop(ctx context.Context, engine *ploop.Engine) error {
	scanner := bufio.NewScanner(cmdStdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch strings.ToUpper(fields[0]) {
		case "QUIT":
			return nil
		case "READ":
			respond(handleRead(ctx, engine, fields))
		case "WRITE":
			respond(handleWrite(ctx, engine, fields))
		case "FLUSH":
			respond("", engine.Submit(ctx, &ploop.Request{Kind: ploop.RequestBarrier}))
		default:
			fmt.Fprintf(cmdStdout, "ERR unknown command %q\n", fields[0])
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func handleRead(ctx context.Context, engine *ploop.Engine, fields []string) (string, error) {
	if len(fields) != 3 {
		return "", fmt.Errorf("READ wants offset and length")
	}
	off, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return "", err
	}
	n, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n*ploop.SectorSize)
	req := &ploop.Request{Kind: ploop.RequestRead, Offset: ploop.Sector(off), Data: buf}
	if err := engine.Submit(ctx, req); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func handleWrite(ctx context.Context, engine *ploop.Engine, fields []string) (string, error) {
	if len(fields) != 3 {
		return "", fmt.Errorf("WRITE wants offset and hex payload")
	}
	off, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return "", err
	}
	data, err := hex.DecodeString(fields[2])
	if err != nil {
		return "", err
	}
	req := &ploop.Request{Kind: ploop.RequestWrite, Offset: ploop.Sector(off), Data: data}
	return "", engine.Submit(ctx, req)
}

func respond(payload string, err error) {
	if err != nil {
		fmt.Fprintf(cmdStdout, "ERR %v\n", err)
		return
	}
	if payload == "" {
		fmt.Fprintln(cmdStdout, "OK")
		return
	}
	fmt.Fprintf(cmdStdout, "OK %s\n", payload)
}
