// SPDX-License-Identifier: GPL-2.0-or-later

package ploop

import (
	"context"
	"fmt"
	"sync"

	"github.com/openvz/ploop-go/lib/caching"
	"github.com/openvz/ploop-go/lib/containers"
)

// Stack is an ordered list of deltas from bottom (index 0, the
// raw-base or oldest image-base) to top (the current writable
// image-delta), plus the per-cluster coordination state that the I/O
// translator and control operations serialize against.
//
// Lock order, never inverted: stackMu -> slot lock -> BAT page lock,
// per §5's "Lock Ordering" invariant.
type Stack struct {
	stackMu sync.RWMutex // guards deltas, quiesced

	deltas []*Delta

	clusterShift        ClusterShift
	virtualSizeClusters uint64

	quiesced   bool
	quiesceGen uint64

	// controlMu serializes control operations (Snapshot, Merge, Grow)
	// against each other. Snapshot and Grow also hold the full-stack
	// quiesce for their duration, so controlMu is redundant with that
	// for them; Merge does not quiesce (it serializes against ordinary
	// I/O per-cluster instead, via the normal slot), so controlMu is
	// what keeps it from running concurrently with another control op.
	controlMu sync.Mutex

	slotsMu sync.Mutex
	slots   map[clusterKey]*clusterSlot

	pipeline *commitPipeline

	growLimits growLimits

	clusterCache caching.Cache[clusterCacheKey, *clusterData]

	// bufPool recycles whole-cluster scratch buffers across the
	// read-modify-write paths (partial reads/writes, copy-up, merge):
	// every one of those is one cluster in, one cluster out, so a
	// single typed pool sized to the stack's cluster shift covers all
	// of them instead of each call site allocating and discarding its
	// own buffer.
	bufPool containers.SlicePool[byte]
}

// getClusterBuf returns a scratch buffer exactly one cluster long,
// reused from bufPool when possible. Callers must return it with
// putClusterBuf once they're done with it.
func (s *Stack) getClusterBuf() []byte {
	return s.bufPool.Get(int(s.clusterShift.Bytes()))
}

func (s *Stack) putClusterBuf(buf []byte) {
	s.bufPool.Put(buf)
}

// NewStack builds a Stack whose bottom delta is base and whose cluster
// geometry and virtual size are taken from base. Image-deltas are
// appended with AddDelta as snapshots are taken.
func NewStack(base *Delta) (*Stack, error) {
	s := &Stack{
		deltas:              []*Delta{base},
		clusterShift:        base.clusterShift(),
		virtualSizeClusters: virtualSizeOf(base),
		slots:               make(map[clusterKey]*clusterSlot),
		clusterCache:        newClusterCache(),
	}
	s.pipeline = newCommitPipeline(s)
	return s, nil
}

func virtualSizeOf(d *Delta) uint64 {
	if d.header != nil {
		return d.header.VirtualSizeClusters
	}
	return 0
}

// AddDelta pushes a new top delta onto the stack, e.g. after a
// snapshot creates a fresh image-delta. It's rejected if the new
// delta's cluster size doesn't match the stack's, per the Open
// Question resolution recorded in SPEC_FULL.md: a stack is one
// cluster size for its whole lifetime.
func (s *Stack) AddDelta(d *Delta) error {
	s.stackMu.Lock()
	defer s.stackMu.Unlock()
	if d.clusterShift() != s.clusterShift {
		return fmt.Errorf("%w: stack is %d, delta is %d", ErrIncompatibleClusterSize, s.clusterShift, d.clusterShift())
	}
	s.deltas = append(s.deltas, d)
	return nil
}

// ClusterShift reports the stack's cluster size, shared by every
// image layer in it.
func (s *Stack) ClusterShift() ClusterShift { return s.clusterShift }

// VirtualSizeClusters reports the stack's current virtual disk size,
// in clusters.
func (s *Stack) VirtualSizeClusters() uint64 {
	s.stackMu.RLock()
	defer s.stackMu.RUnlock()
	return s.virtualSizeClusters
}

// Top returns the current writable delta (the stack's last element).
func (s *Stack) Top() *Delta {
	s.stackMu.RLock()
	defer s.stackMu.RUnlock()
	return s.deltas[len(s.deltas)-1]
}

// Deltas returns a snapshot of the stack's delta list, bottom-first.
func (s *Stack) Deltas() []*Delta {
	s.stackMu.RLock()
	defer s.stackMu.RUnlock()
	out := make([]*Delta, len(s.deltas))
	copy(out, s.deltas)
	return out
}

// resolve walks the stack top-down for logical cluster l, returning
// the first delta (and its physical cluster) that has it mapped. If
// no delta above the raw-base has it mapped, it resolves against the
// raw-base's identity mapping. Per §4.1/§4.3's lookup contract.
func (s *Stack) resolve(ctx context.Context, l LogicalCluster) (owner *Delta, phys PhysicalCluster, found bool, err error) {
	deltas := s.Deltas()
	for i := len(deltas) - 1; i >= 0; i-- {
		d := deltas[i]
		if d.Role == RoleRawBase {
			// Raw-base addressing is a direct identity mapping, not
			// a BAT entry, so the hole-sentinel convention (0 means
			// unmapped) doesn't apply here.
			return d, PhysicalCluster(l), true, nil
		}
		p, lerr := d.bat.lookup(ctx, l)
		if lerr != nil {
			return nil, 0, false, lerr
		}
		if !p.IsHole() {
			return d, p, true, nil
		}
	}
	return nil, 0, false, nil
}

// quiesce blocks new requests from entering translation and waits for
// in-flight sub-requests to drain, per §4.5's quiescence protocol for
// control operations. It returns a token that must be passed to
// unquiesce.
func (s *Stack) quiesce(ctx context.Context) (uint64, error) {
	s.stackMu.Lock()
	defer s.stackMu.Unlock()
	if s.quiesced {
		return 0, ErrStackBusy
	}
	s.quiesced = true
	s.quiesceGen++
	return s.quiesceGen, nil
}

func (s *Stack) unquiesce(token uint64) {
	s.stackMu.Lock()
	defer s.stackMu.Unlock()
	if s.quiesceGen == token {
		s.quiesced = false
	}
}

// isQuiesced reports whether new requests must be rejected with
// ErrStackBusy right now.
func (s *Stack) isQuiesced() bool {
	s.stackMu.RLock()
	defer s.stackMu.RUnlock()
	return s.quiesced
}
