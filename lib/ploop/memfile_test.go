// SPDX-License-Identifier: GPL-2.0-or-later

package ploop_test

import (
	"io"
	"sync"

	"github.com/openvz/ploop-go/lib/diskio"
	"github.com/openvz/ploop-go/lib/ploop"
)

// memFile is an in-memory diskio.File, the same role
// byteReaderWithName plays for diskio's own fuzz tests, but read-write
// and growable so CreateDelta/writeCluster can exercise it directly
// without a real backing file.
type memFile struct {
	mu   sync.Mutex
	name string
	buf  []byte
}

func newMemFile(name string) *memFile {
	return &memFile{name: name}
}

func (f *memFile) Name() string { return f.name }

func (f *memFile) Size() ploop.ByteOffset {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ploop.ByteOffset(len(f.buf))
}

func (f *memFile) Close() error { return nil }

func (f *memFile) ReadAt(p []byte, off ploop.ByteOffset) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int64(off) >= int64(len(f.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off ploop.ByteOffset) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := int64(off) + int64(len(p))
	if end > int64(len(f.buf)) {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}
	copy(f.buf[int64(off):], p)
	return len(p), nil
}

// Truncate and Sync are detected via interface assertion by
// Delta.truncate/Delta.flush; a plain memFile has nothing to flush but
// still needs to support shrinking for merge/relocate tests.
func (f *memFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size <= int64(len(f.buf)) {
		f.buf = f.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, f.buf)
	f.buf = grown
	return nil
}

func (f *memFile) Sync() error { return nil }

var _ diskio.File[ploop.ByteOffset] = (*memFile)(nil)
