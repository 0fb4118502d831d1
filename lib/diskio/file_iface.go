// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"io"
)

// File is what a ploop.Delta opens its backing image file as; A is
// ByteOffset in every real caller, keeping header, BAT, and cluster
// offsets distinct from plain int64 byte counts throughout the ploop
// package. Tests substitute an in-memory implementation instead of
// this package's file_os.go so the crash-recovery tests can simulate
// a write landing without a following fsync.
type File[A ~int64] interface {
	Name() string
	Size() A
	Close() error
	ReadAt(p []byte, off A) (n int, err error)
	WriteAt(p []byte, off A) (n int, err error)
}

type assertAddr int64

var (
	_ io.WriterAt = File[int64](nil)
	_ io.ReaderAt = File[int64](nil)
)
