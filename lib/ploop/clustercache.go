// SPDX-License-Identifier: GPL-2.0-or-later

package ploop

import (
	"context"

	"github.com/openvz/ploop-go/lib/caching"
)

// clusterCacheKey identifies one physical cluster's data within one
// delta's read cache.
type clusterCacheKey struct {
	delta *Delta
	phys  PhysicalCluster
}

// clusterData is a pinned, reusable buffer for one cached cluster's
// contents.
type clusterData struct {
	buf   []byte
	valid bool
}

// clusterSource loads cluster data straight from a delta's backing
// file; it never dirties anything, so Flush is a no-op. Actual writes
// go through Delta.writeCluster directly and invalidate the cache
// entry rather than updating it in place, since a cache built for a
// read-mostly hot set has no need to also serve as a write buffer.
type clusterSource struct{}

var _ caching.Source[clusterCacheKey, *clusterData] = clusterSource{}

func (clusterSource) Load(ctx context.Context, k clusterCacheKey, v **clusterData) {
	cd := *v
	if cd == nil {
		cd = &clusterData{}
	}
	clusterBytes := k.delta.clusterShift().Bytes()
	if int64(len(cd.buf)) != clusterBytes {
		cd.buf = make([]byte, clusterBytes)
	}
	cd.valid = k.delta.readClusterUncached(ctx, k.phys, cd.buf) == nil
	*v = cd
}

func (clusterSource) Flush(context.Context, **clusterData) {}

// dataClusterCacheCapacity bounds the read cache's working set, in
// whole clusters, shared across every delta of one Stack.
const dataClusterCacheCapacity = 256

// newClusterCache builds a Stack's hot-cluster read cache. It
// uses an Adaptive Replacement Cache rather than plain LRU because
// ploop workloads mix scans (favoring recency) with hot working sets
// re-touched across long idle gaps (favoring frequency); ARC tunes
// the split between the two automatically instead of requiring a
// fixed policy choice up front.
func newClusterCache() caching.Cache[clusterCacheKey, *clusterData] {
	return caching.NewARCache[clusterCacheKey, *clusterData](dataClusterCacheCapacity, clusterSource{})
}

// readClusterCached is readCluster's cache-aware entry point, used by
// the read path (submitRead); allocating writers and copy-up always
// call readClusterUncached/writeCluster directly since they immediately
// invalidate whatever they touch anyway.
func (s *Stack) readClusterCached(ctx context.Context, d *Delta, p PhysicalCluster, out []byte) error {
	if s.clusterCache == nil {
		return d.readCluster(ctx, p, out)
	}
	key := clusterCacheKey{delta: d, phys: p}
	cd := s.clusterCache.Acquire(ctx, key)
	defer s.clusterCache.Release(key)
	if !(*cd).valid {
		return ErrBackingIO
	}
	copy(out, (*cd).buf)
	return nil
}

// invalidateCluster drops any cached copy of physical cluster p in
// delta d, called after every write so the read cache never serves
// stale data.
func (s *Stack) invalidateCluster(d *Delta, p PhysicalCluster) {
	if s.clusterCache == nil {
		return
	}
	s.clusterCache.Delete(clusterCacheKey{delta: d, phys: p})
}
