// SPDX-License-Identifier: GPL-2.0-or-later

package ploop

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memFile duplicates the in-memory diskio.File used by the external
// (ploop_test) tests; kept separate because a whitebox test file and
// a blackbox test file in the same directory are different packages
// and can't share an unexported type.
type memFile struct {
	name string
	buf  []byte
}

func newMemFile(name string) *memFile { return &memFile{name: name} }

func (f *memFile) Name() string     { return f.name }
func (f *memFile) Size() ByteOffset { return ByteOffset(len(f.buf)) }
func (f *memFile) Close() error     { return nil }

func (f *memFile) ReadAt(p []byte, off ByteOffset) (int, error) {
	if int64(off) >= int64(len(f.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off ByteOffset) (int, error) {
	end := int64(off) + int64(len(p))
	if end > int64(len(f.buf)) {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}
	copy(f.buf[int64(off):], p)
	return len(p), nil
}

// TestRecoverFlagsPageAheadOfHeaderGeneration is Scenario C: a BAT
// page whose on-disk generation stamp is ahead of the header's
// committed generation (the data write and page write landed, but the
// header commit that would make them durable did not) must be
// reported by Recover and discarded by RecoverDelta, not trusted.
func TestRecoverFlagsPageAheadOfHeaderGeneration(t *testing.T) {
	ctx := context.Background()

	f := newMemFile("delta")
	d, err := CreateDelta(f, RoleImageDelta, ClusterShift(3), 16)
	require.NoError(t, err)

	// Simulate the crash window between pipeline step 4 (page
	// generation stamp written) and step 6 (header generation bumped
	// and fsynced): stamp page 0 with a generation ahead of what the
	// header records, without going through the pipeline.
	genBuf := make([]byte, pageGenStampSize)
	putLE64(genBuf, uint64(d.header.Generation)+1)
	_, err = f.WriteAt(genBuf, d.batPageGenOffset(0))
	require.NoError(t, err)

	stale, err := Recover(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, stale)

	require.NoError(t, RecoverDelta(ctx, d))

	// After recovery the stamp must be clamped back down to the
	// header's committed generation, so a second pass finds nothing.
	stale, err = Recover(ctx, d)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

// TestRecoverDeltaDiscardsStalePageOnRead reproduces Scenario C all
// the way through to a read, not just the generation-stamp
// bookkeeping TestRecoverFlagsPageAheadOfHeaderGeneration checks: a
// BAT page write that lands without its header commit must come back
// as a hole after RecoverDelta, not as the mapping the crashed round
// was trying to install.
func TestRecoverDeltaDiscardsStalePageOnRead(t *testing.T) {
	ctx := context.Background()
	cs := ClusterShift(3)

	f := newMemFile(t.Name())
	d, err := CreateDelta(f, RoleImageDelta, cs, 16)
	require.NoError(t, err)

	stack, err := NewStack(d)
	require.NoError(t, err)

	// Drive one real write through to a full commit, so the delta's
	// generation and header are past zero before the simulated crash.
	warm := make([]byte, cs.Bytes())
	for i := range warm {
		warm[i] = 0xAA
	}
	require.NoError(t, stack.Submit(ctx, &Request{Kind: RequestWrite, Offset: LogicalCluster(0).Offset(cs), Data: warm}))

	// Now simulate the crash window for cluster 1: allocate and write
	// its data, and assign its BAT mapping, exactly as reserve does,
	// but stop short of the pipeline's header commit (steps 1-5 of
	// the commit land, step 6 never runs).
	top := stack.Top()
	payload := make([]byte, cs.Bytes())
	for i := range payload {
		payload[i] = 0xBB
	}
	phys, err := top.allocateTail(stack.limitFor(top))
	require.NoError(t, err)
	require.NoError(t, top.writeCluster(ctx, phys, payload))
	page, err := top.bat.assign(ctx, LogicalCluster(1), phys)
	require.NoError(t, err)

	gen := Generation(d.generation.Add(1))
	page.mu.Lock()
	require.NoError(t, d.writeBATPage(page))
	page.mu.Unlock()
	require.Greater(t, uint64(gen), d.header.Generation)

	// Reopen the delta from its backing file, as the real attach path
	// does after an unclean shutdown, and recover it.
	reopened, err := OpenDelta(f, RoleImageDelta)
	require.NoError(t, err)
	require.NoError(t, RecoverDelta(ctx, reopened))

	recoveredStack, err := NewStack(reopened)
	require.NoError(t, err)

	got := make([]byte, cs.Bytes())
	require.NoError(t, recoveredStack.Submit(ctx, &Request{Kind: RequestRead, Offset: LogicalCluster(1).Offset(cs), Data: got}))
	assert.Equal(t, make([]byte, cs.Bytes()), got, "stale mapping must read back as a hole, not the crashed round's payload")

	// Cluster 0's mapping lives on the same BAT page as cluster 1's, so
	// the whole stale page reverts to all-hole and cluster 0 reads back
	// as zeros too, despite its earlier commit.
	got0 := make([]byte, cs.Bytes())
	require.NoError(t, recoveredStack.Submit(ctx, &Request{Kind: RequestRead, Offset: LogicalCluster(0).Offset(cs), Data: got0}))
	assert.Equal(t, make([]byte, cs.Bytes()), got0)
}

// TestRecoverIgnoresRawBase covers the degenerate case: a raw-base
// delta has no header or BAT, so Recover is a no-op rather than a
// nil-pointer panic.
func TestRecoverIgnoresRawBase(t *testing.T) {
	ctx := context.Background()

	f := newMemFile("raw")
	d, err := OpenRawBase(f, ClusterShift(3))
	require.NoError(t, err)

	stale, err := Recover(ctx, d)
	require.NoError(t, err)
	assert.Nil(t, stale)
}
