// SPDX-License-Identifier: GPL-2.0-or-later

package ploop_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvz/ploop-go/lib/ploop"
)

const testClusterShift = ploop.ClusterShift(3) // 8 sectors = 4 KiB, the minimum valid size

func TestCreateDeltaRejectsUndersizedCluster(t *testing.T) {
	t.Parallel()

	f := newMemFile("tiny")
	_, err := ploop.CreateDelta(f, ploop.RoleImageBase, ploop.ClusterShift(1), 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, ploop.ErrCorruptHeader)
}

func TestOpenDeltaRoundTrip(t *testing.T) {
	t.Parallel()

	f := newMemFile("base.img")
	created, err := ploop.CreateDelta(f, ploop.RoleImageBase, testClusterShift, 16)
	require.NoError(t, err)
	assert.Equal(t, testClusterShift, created.ClusterShift())
	assert.Equal(t, ploop.Generation(1), created.Generation())

	reopened, err := ploop.OpenDelta(f, ploop.RoleImageBase)
	require.NoError(t, err)
	assert.Equal(t, testClusterShift, reopened.ClusterShift())
	assert.Equal(t, ploop.Generation(1), reopened.Generation())

	stack, err := ploop.NewStack(reopened)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), stack.VirtualSizeClusters())
}

func TestOpenDeltaRejectsCorruptHeader(t *testing.T) {
	t.Parallel()

	f := newMemFile("base.img")
	_, err := ploop.CreateDelta(f, ploop.RoleImageBase, testClusterShift, 16)
	require.NoError(t, err)

	// Stomp the magic bytes at the start of the header; OpenDelta must
	// refuse to treat this as a valid delta rather than silently
	// reading garbage.
	if _, err := f.WriteAt([]byte("not-a-ploop-delta"), 0); err != nil {
		t.Fatal(err)
	}

	_, err = ploop.OpenDelta(f, ploop.RoleImageBase)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ploop.ErrCorruptHeader) || errors.Is(err, ploop.ErrUnsupportedVersion))
}

func TestAllocateTailMonotonicAndOutOfSpace(t *testing.T) {
	t.Parallel()

	f := newMemFile("base.img")
	d, err := ploop.CreateDelta(f, ploop.RoleImageBase, testClusterShift, 4)
	require.NoError(t, err)

	p1, err := d.AllocateTail(2)
	require.NoError(t, err)
	assert.Equal(t, ploop.PhysicalCluster(1), p1)

	p2, err := d.AllocateTail(2)
	require.NoError(t, err)
	assert.Equal(t, ploop.PhysicalCluster(2), p2)

	_, err = d.AllocateTail(2)
	assert.ErrorIs(t, err, ploop.ErrOutOfSpace)
}
