// SPDX-License-Identifier: GPL-2.0-or-later

package ploop_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvz/ploop-go/lib/ploop"
)

const testVirtualSizeClusters = 8

// newTestBase formats a fresh image-base delta of testClusterShift
// clusters and testVirtualSizeClusters virtual size, backed by an
// in-memory file.
func newTestBase(t *testing.T) *ploop.Delta {
	t.Helper()
	d, err := ploop.CreateDelta(newMemFile(t.Name()+"-base"), ploop.RoleImageBase, testClusterShift, testVirtualSizeClusters)
	require.NoError(t, err)
	return d
}

func newTestDelta(t *testing.T, name string) *ploop.Delta {
	t.Helper()
	d, err := ploop.CreateDelta(newMemFile(name), ploop.RoleImageDelta, testClusterShift, testVirtualSizeClusters)
	require.NoError(t, err)
	return d
}

func clusterPattern(b byte, cs ploop.ClusterShift) []byte {
	return bytes.Repeat([]byte{b}, int(cs.Bytes()))
}

func readCluster(t *testing.T, ctx context.Context, stack *ploop.Stack, l ploop.LogicalCluster, cs ploop.ClusterShift) []byte {
	t.Helper()
	buf := make([]byte, cs.Bytes())
	req := &ploop.Request{Kind: ploop.RequestRead, Offset: l.Offset(cs), Data: buf}
	require.NoError(t, stack.Submit(ctx, req))
	return buf
}

func writeCluster(t *testing.T, ctx context.Context, stack *ploop.Stack, l ploop.LogicalCluster, cs ploop.ClusterShift, data []byte) {
	t.Helper()
	req := &ploop.Request{Kind: ploop.RequestWrite, Offset: l.Offset(cs), Data: data}
	require.NoError(t, stack.Submit(ctx, req))
}

// TestFreshClusterReadsAsZero covers §7's "a logical cluster with no
// mapping anywhere in the stack reads back as zero."
func TestFreshClusterReadsAsZero(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	stack, err := ploop.NewStack(newTestBase(t))
	require.NoError(t, err)
	cs := stack.ClusterShift()

	got := readCluster(t, ctx, stack, 0, cs)
	assert.Equal(t, clusterPattern(0, cs), got)
}

// TestWriteThenReadRoundTrips covers the basic translator contract:
// a whole-cluster write followed by a read of the same cluster
// returns exactly what was written.
func TestWriteThenReadRoundTrips(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	stack, err := ploop.NewStack(newTestBase(t))
	require.NoError(t, err)
	cs := stack.ClusterShift()

	pattern := clusterPattern('A', cs)
	writeCluster(t, ctx, stack, 2, cs, pattern)
	got := readCluster(t, ctx, stack, 2, cs)
	assert.Equal(t, pattern, got)

	// An untouched neighbor is still a hole.
	assert.Equal(t, clusterPattern(0, cs), readCluster(t, ctx, stack, 3, cs))
}

// TestSnapshotPreservesLowerData is Scenario A: data written before a
// snapshot is still visible afterward through the new, empty top
// delta, and a write to the new top shadows it without disturbing the
// layer below.
func TestSnapshotPreservesLowerData(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	stack, err := ploop.NewStack(newTestBase(t))
	require.NoError(t, err)
	cs := stack.ClusterShift()

	original := clusterPattern('B', cs)
	writeCluster(t, ctx, stack, 0, cs, original)

	top := newTestDelta(t, "layer1")
	require.NoError(t, stack.Snapshot(ctx, top))

	// Read-through: the new top has no mapping yet, so the original
	// data from the base is still what a reader sees.
	assert.Equal(t, original, readCluster(t, ctx, stack, 0, cs))

	// A write against the new top shadows the base without mutating
	// it: an untouched cluster on the new top still reads through.
	updated := clusterPattern('C', cs)
	writeCluster(t, ctx, stack, 0, cs, updated)
	assert.Equal(t, updated, readCluster(t, ctx, stack, 0, cs))
	assert.Equal(t, clusterPattern(0, cs), readCluster(t, ctx, stack, 1, cs))
}

// TestCopyUpOnPartialWrite is Scenario B: a sub-cluster write against
// a cluster the top delta doesn't yet own must copy up the rest of
// the cluster from whichever layer below owns it, not just the
// written bytes.
func TestCopyUpOnPartialWrite(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	stack, err := ploop.NewStack(newTestBase(t))
	require.NoError(t, err)
	cs := stack.ClusterShift()

	original := clusterPattern('D', cs)
	writeCluster(t, ctx, stack, 1, cs, original)

	top := newTestDelta(t, "layer1")
	require.NoError(t, stack.Snapshot(ctx, top))

	// Overwrite only the first sector of the cluster on the new top;
	// everything else must come up from the base untouched.
	partial := bytes.Repeat([]byte{'X'}, ploop.SectorSize)
	req := &ploop.Request{Kind: ploop.RequestWrite, Offset: ploop.LogicalCluster(1).Offset(cs), Data: partial}
	require.NoError(t, stack.Submit(ctx, req))

	want := append(append([]byte{}, partial...), original[len(partial):]...)
	assert.Equal(t, want, readCluster(t, ctx, stack, 1, cs))
}

// TestBarrierMakesPriorWritesDurable is Scenario E: submit writes W_a
// and W_b, then a barrier B, then a write W_c. B's completion must not
// precede the durable persistence of W_a's and W_b's data and BAT
// updates; W_c's completion must not precede B's. Submit is synchronous
// here, so the ordering half is automatic — the test's job is the
// durability half, checked by reopening the backing file from a byte
// snapshot taken the instant B returns (simulating a crash right after
// the barrier) and confirming W_a/W_b survive while W_c, submitted
// after the snapshot, does not.
func TestBarrierMakesPriorWritesDurable(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	f := newMemFile(t.Name())
	base, err := ploop.CreateDelta(f, ploop.RoleImageBase, testClusterShift, testVirtualSizeClusters)
	require.NoError(t, err)
	stack, err := ploop.NewStack(base)
	require.NoError(t, err)
	cs := stack.ClusterShift()

	wa := clusterPattern('A', cs)
	wb := clusterPattern('B', cs)
	writeCluster(t, ctx, stack, 0, cs, wa)
	writeCluster(t, ctx, stack, 1, cs, wb)

	require.NoError(t, stack.Submit(ctx, &ploop.Request{Kind: ploop.RequestBarrier}))

	f.mu.Lock()
	crashPoint := append([]byte{}, f.buf...)
	f.mu.Unlock()

	wc := clusterPattern('C', cs)
	writeCluster(t, ctx, stack, 2, cs, wc)

	reopened, err := ploop.OpenDelta(&memFile{name: "crash-snapshot", buf: crashPoint}, ploop.RoleImageBase)
	require.NoError(t, err)
	require.NoError(t, ploop.RecoverDelta(ctx, reopened))
	recoveredStack, err := ploop.NewStack(reopened)
	require.NoError(t, err)

	assert.Equal(t, wa, readCluster(t, ctx, recoveredStack, 0, cs), "W_a must be durable as of B's completion")
	assert.Equal(t, wb, readCluster(t, ctx, recoveredStack, 1, cs), "W_b must be durable as of B's completion")
	assert.Equal(t, make([]byte, cs.Bytes()), readCluster(t, ctx, recoveredStack, 2, cs),
		"W_c was submitted after the crash snapshot and must not appear in it")

	assert.Equal(t, wc, readCluster(t, ctx, stack, 2, cs), "W_c must still be visible on the live, non-crashed stack")
}

// TestMergeFoldsDataDownward is Scenario D: merging an interior delta
// into the one below it preserves every cluster's visible data and
// removes the merged layer from the stack.
func TestMergeFoldsDataDownward(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	base := newTestBase(t)
	stack, err := ploop.NewStack(base)
	require.NoError(t, err)
	cs := stack.ClusterShift()

	onBase := clusterPattern('A', cs)
	writeCluster(t, ctx, stack, 0, cs, onBase)

	mid := newTestDelta(t, "mid")
	require.NoError(t, stack.Snapshot(ctx, mid))
	onMid := clusterPattern('B', cs)
	writeCluster(t, ctx, stack, 1, cs, onMid)

	top := newTestDelta(t, "top")
	require.NoError(t, stack.Snapshot(ctx, top))

	require.Len(t, stack.Deltas(), 3)
	require.NoError(t, stack.Merge(ctx, 1))
	require.Len(t, stack.Deltas(), 2)

	assert.Equal(t, onBase, readCluster(t, ctx, stack, 0, cs))
	assert.Equal(t, onMid, readCluster(t, ctx, stack, 1, cs))
}

// TestGrowExtendsVirtualSize covers §4.5's grow operation: grow raises
// the visible virtual size and accepts writes into the new range, but
// refuses to shrink.
func TestGrowExtendsVirtualSize(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	stack, err := ploop.NewStack(newTestBase(t))
	require.NoError(t, err)
	cs := stack.ClusterShift()

	require.NoError(t, stack.Grow(ctx, testVirtualSizeClusters*2, ^uint32(0)))
	assert.Equal(t, uint64(testVirtualSizeClusters*2), stack.VirtualSizeClusters())

	pattern := clusterPattern('E', cs)
	writeCluster(t, ctx, stack, testVirtualSizeClusters+1, cs, pattern)
	assert.Equal(t, pattern, readCluster(t, ctx, stack, testVirtualSizeClusters+1, cs))

	assert.Error(t, stack.Grow(ctx, testVirtualSizeClusters, ^uint32(0)))
}

// TestRelocateMovesClusterData is Scenario F: relocating a cluster to
// a new physical location leaves its logical contents unchanged.
func TestRelocateMovesClusterData(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	base := newTestBase(t)
	stack, err := ploop.NewStack(base)
	require.NoError(t, err)
	cs := stack.ClusterShift()

	pattern := clusterPattern('F', cs)
	writeCluster(t, ctx, stack, 3, cs, pattern)

	loc, err := stack.Locate(ctx, 3)
	require.NoError(t, err)
	require.True(t, loc.OK)
	owner, oldPhys := loc.Val.Delta, loc.Val.Phys

	newPhys, err := owner.AllocateTail(stack.AllocationLimit(owner))
	require.NoError(t, err)
	assert.NotEqual(t, oldPhys, newPhys)

	require.NoError(t, owner.Relocate(ctx, stack, 3, newPhys))
	assert.Equal(t, pattern, readCluster(t, ctx, stack, 3, cs))

	loc2, err := stack.Locate(ctx, 3)
	require.NoError(t, err)
	require.True(t, loc2.OK)
	assert.Equal(t, newPhys, loc2.Val.Phys)
}

// TestOutOfRangeRequestIsRejected covers §7's caller-error handling:
// a request beyond the virtual size is rejected synchronously, with
// no partial effect.
func TestOutOfRangeRequestIsRejected(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	stack, err := ploop.NewStack(newTestBase(t))
	require.NoError(t, err)
	cs := stack.ClusterShift()

	req := &ploop.Request{
		Kind:   ploop.RequestRead,
		Offset: ploop.LogicalCluster(testVirtualSizeClusters + 100).Offset(cs),
		Data:   make([]byte, cs.Bytes()),
	}
	err = stack.Submit(ctx, req)
	assert.ErrorIs(t, err, ploop.ErrOutOfRange)
}

// TestMisalignedRequestIsRejected covers the other half of §7's
// caller-error handling: a length that isn't sector-aligned.
func TestMisalignedRequestIsRejected(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	stack, err := ploop.NewStack(newTestBase(t))
	require.NoError(t, err)

	req := &ploop.Request{Kind: ploop.RequestWrite, Offset: 0, Data: make([]byte, ploop.SectorSize-1)}
	err = stack.Submit(ctx, req)
	assert.ErrorIs(t, err, ploop.ErrInvalidAlignment)
}
