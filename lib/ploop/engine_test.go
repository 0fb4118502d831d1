// SPDX-License-Identifier: GPL-2.0-or-later

package ploop_test

import (
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvz/ploop-go/lib/ploop"
)

// TestEngineStatsReflectSteadyState covers the "stats are a
// point-in-time snapshot" property: once a write has returned, its
// slot is released and its BAT page is durably committed, so a
// subsequent Stats() call finds nothing outstanding.
func TestEngineStatsReflectSteadyState(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	stack, err := ploop.NewStack(newTestBase(t))
	require.NoError(t, err)
	cs := stack.ClusterShift()

	engine := ploop.NewEngine(ctx, t.Name(), stack)
	defer func() { assert.NoError(t, engine.Close(ctx)) }()

	pattern := clusterPattern('G', cs)
	req := &ploop.Request{Kind: ploop.RequestWrite, Offset: ploop.LogicalCluster(0).Offset(cs), Data: pattern}
	require.NoError(t, engine.Submit(ctx, req))

	stats := engine.Stats()
	assert.Equal(t, 0, stats.DirtyPages)
	assert.Equal(t, 0, stats.InFlightClusters)
	assert.False(t, stats.Backpressure)
	assert.Equal(t, 1, stats.DeltaCount)

	dirty := engine.DirtyPages()
	for _, set := range dirty {
		assert.Empty(t, set)
	}
}

// TestEngineBarrierSubmit covers the RequestBarrier path routed through
// Engine.Submit rather than Stack.Submit directly: it drains whatever
// the pipeline is holding dirty, succeeds with nothing dirty, and
// leaves no dirty pages behind once a prior write has made it through.
// The crash/durability half of the barrier contract (Scenario E) is
// covered at the Stack level by TestBarrierMakesPriorWritesDurable,
// since reopening a delta from a byte snapshot needs direct access to
// the backing memFile that Engine doesn't expose.
func TestEngineBarrierSubmit(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	stack, err := ploop.NewStack(newTestBase(t))
	require.NoError(t, err)
	cs := stack.ClusterShift()

	engine := ploop.NewEngine(ctx, t.Name(), stack)
	defer func() { assert.NoError(t, engine.Close(ctx)) }()

	require.NoError(t, engine.Submit(ctx, &ploop.Request{Kind: ploop.RequestBarrier}))

	pattern := clusterPattern('H', cs)
	req := &ploop.Request{Kind: ploop.RequestWrite, Offset: ploop.LogicalCluster(0).Offset(cs), Data: pattern}
	require.NoError(t, engine.Submit(ctx, req))
	require.NoError(t, engine.Submit(ctx, &ploop.Request{Kind: ploop.RequestBarrier}))

	stats := engine.Stats()
	assert.Equal(t, 0, stats.DirtyPages)
}
