// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/openvz/ploop-go/lib/diskio"
	"github.com/openvz/ploop-go/lib/ploop"
)

// openFile wraps an *os.File as a diskio.File[ploop.ByteOffset], the
// address type every lib/ploop entry point expects, mirroring how
// cmd/btrfs-rec wraps its physical-volume files before handing them to
// the library.
func openFile(path string, write bool) (diskio.File[ploop.ByteOffset], error) {
	flag := os.O_RDONLY
	if write {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	return &diskio.OSFile[ploop.ByteOffset]{File: f}, nil
}

// createFile creates path fresh (failing if it already exists), for
// the create subcommand.
func createFile(path string) (diskio.File[ploop.ByteOffset], error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return &diskio.OSFile[ploop.ByteOffset]{File: f}, nil
}

// openStack opens paths[0] as the stack's base (raw if rawClusterShift
// is nonzero, otherwise an image-base whose own header supplies the
// cluster size) and every remaining path as an image-delta stacked on
// top, in the order given, mirroring "attach <image> [<delta>...]"
// from SPEC_FULL.md's ploopctl surface.
func openStack(ctx context.Context, paths []string, write bool, rawClusterShift uint32) (*ploop.Stack, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("ploopctl: at least one image file is required")
	}

	baseFile, err := openFile(paths[0], write)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", paths[0], err)
	}

	var base *ploop.Delta
	if rawClusterShift != 0 {
		base, err = ploop.OpenRawBase(baseFile, ploop.ClusterShift(rawClusterShift))
	} else {
		base, err = ploop.OpenDelta(baseFile, ploop.RoleImageBase)
	}
	if err != nil {
		return nil, fmt.Errorf("open base %s: %w", paths[0], err)
	}

	if err := ploop.RecoverDelta(ctx, base); err != nil {
		return nil, fmt.Errorf("recover %s: %w", paths[0], err)
	}

	stack, err := ploop.NewStack(base)
	if err != nil {
		return nil, err
	}

	for _, path := range paths[1:] {
		f, err := openFile(path, write)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		d, err := ploop.OpenDelta(f, ploop.RoleImageDelta)
		if err != nil {
			return nil, fmt.Errorf("open delta %s: %w", path, err)
		}
		if err := ploop.RecoverDelta(ctx, d); err != nil {
			return nil, fmt.Errorf("recover %s: %w", path, err)
		}
		if err := stack.AddDelta(d); err != nil {
			return nil, fmt.Errorf("add delta %s: %w", path, err)
		}
	}

	return stack, nil
}
