// SPDX-License-Identifier: GPL-2.0-or-later

package ploop

import (
	"context"
	"fmt"

	"github.com/openvz/ploop-go/lib/containers"
)

// MappedLocation is the resolved (delta, physical cluster) pair a
// lookup returns for a mapped logical cluster, the concrete type
// behind §4.3's abstract lookup contract: "lookup(stack, L) ->
// Option<(delta_id, physical_cluster)>."
type MappedLocation struct {
	Delta *Delta
	Phys  PhysicalCluster
}

// growLimits bounds how far allocateTail may grow a delta's data
// region before reporting OutOfSpace; Grow raises it (control.go).
// Stored per-delta would require touching every Delta's struct layout
// for a single counter the stack already owns one of per top delta,
// so it's tracked here instead, held by the stack and keyed by delta. It's read
// from the hot allocate/copy-up path and written only under
// quiescence, so it's a containers.SyncMap rather than a plain map
// guarded by stackMu: limitFor must never block on the same lock a
// control op holds across an entire quiesce window.
type growLimits struct {
	limits containers.SyncMap[*Delta, uint32]
}

// AllocationLimit is the exported form of limitFor, reporting the cap
// on allocated physical clusters currently in force for d (set by
// Grow's --bat-limit, or unlimited if Grow was never called).
func (s *Stack) AllocationLimit(d *Delta) uint32 {
	return s.limitFor(d)
}

func (s *Stack) limitFor(d *Delta) uint32 {
	if v, ok := s.growLimits.limits.Load(d); ok {
		return v
	}
	return ^uint32(0)
}

// lookup resolves logical cluster l to a physical location, serialized
// against concurrent writers/allocators on the same cluster via its
// slot, per §4.3's mapper contract: "lookup takes the slot in Reading
// mode."
func (s *Stack) lookup(ctx context.Context, l LogicalCluster) (*Delta, PhysicalCluster, error) {
	sl := s.slotFor(l)
	defer s.maybeDropSlot(l, sl)
	if err := sl.enter(ctx, slotReading); err != nil {
		return nil, 0, err
	}
	defer sl.leave()

	owner, phys, found, err := s.resolve(ctx, l)
	if err != nil {
		return nil, 0, err
	}
	if !found {
		return nil, 0, nil
	}
	return owner, phys, nil
}

// Locate is the read-only, slot-serialized form of resolve exported
// for diagnostic callers (ploopctl relocate) that need to know
// which delta currently owns a logical cluster without driving a full
// read through it. It returns the spec's lookup contract literally:
// an absent Optional means the cluster is a hole in every layer.
func (s *Stack) Locate(ctx context.Context, l LogicalCluster) (containers.Optional[MappedLocation], error) {
	sl := s.slotFor(l)
	defer s.maybeDropSlot(l, sl)
	if err := sl.enter(ctx, slotReading); err != nil {
		return containers.Optional[MappedLocation]{}, err
	}
	defer sl.leave()
	owner, phys, found, err := s.resolve(ctx, l)
	if err != nil || !found {
		return containers.Optional[MappedLocation]{}, err
	}
	return containers.Optional[MappedLocation]{OK: true, Val: MappedLocation{Delta: owner, Phys: phys}}, nil
}

// reserve allocates a new physical cluster for logical cluster l on
// the stack's top delta, writes data to it, and commits the new BAT
// mapping, holding the slot in Allocating mode across the whole span
// rather than just the allocate+assign step. Per §4.2, Allocating
// covers a tail cluster "being reserved and written," and per §4.2's
// completion-ordering invariant a write isn't done until its data is
// on stable storage and its BAT mapping is committed — so nothing may
// observe this cluster as mapped-but-idle in between, or a concurrent
// reader could follow the fresh mapping to a physical cluster that
// still holds garbage. Used by the write path on first write to an
// unmapped logical cluster.
func (s *Stack) reserve(ctx context.Context, l LogicalCluster, data []byte) (PhysicalCluster, error) {
	sl := s.slotFor(l)
	defer s.maybeDropSlot(l, sl)
	if err := sl.enter(ctx, slotAllocating); err != nil {
		return 0, err
	}
	defer sl.leave()

	top := s.Top()
	if top.Role == RoleRawBase {
		return 0, fmt.Errorf("ploop: cannot reserve on a raw-base top delta")
	}

	phys, err := top.allocateTail(s.limitFor(top))
	if err != nil {
		return 0, err
	}
	if err := top.writeCluster(ctx, phys, data); err != nil {
		return 0, err
	}
	s.invalidateCluster(top, phys)
	page, err := top.bat.assign(ctx, l, phys)
	if err != nil {
		return 0, err
	}
	s.pipeline.markDirty(top, page)
	if err := s.pipeline.commit(ctx); err != nil {
		return 0, err
	}
	return phys, nil
}

// copyUp duplicates the data of logical cluster l from its current
// owner (lower in the stack) into a freshly allocated physical cluster
// on the top delta, overlays this write's payload (within, at byte
// offset skip) onto the copied data, writes the combined result, and
// commits the new BAT entry — all while still holding the slot in
// CopyingUp, per §4.2's slot state for "a write to a cluster whose
// data must first be duplicated up from a lower delta." The overlay
// and final write must happen before the slot is released: if a
// second writer to the same cluster were let in once the pre-overlay
// copy-up was merely BAT-assigned, it could read-modify-write against
// that physical cluster and have its update silently clobbered when
// this call's real payload lands afterward, losing an update (§8).
func (s *Stack) copyUp(ctx context.Context, l LogicalCluster, within []byte, skip int64, clusterBuf []byte) (PhysicalCluster, error) {
	sl := s.slotFor(l)
	defer s.maybeDropSlot(l, sl)
	if err := sl.enter(ctx, slotCopyingUp); err != nil {
		return 0, err
	}
	defer sl.leave()

	owner, srcPhys, found, err := s.resolve(ctx, l)
	if err != nil {
		return 0, err
	}
	if found {
		if err := owner.readCluster(ctx, srcPhys, clusterBuf); err != nil {
			return 0, err
		}
	} else {
		for i := range clusterBuf {
			clusterBuf[i] = 0
		}
	}
	copy(clusterBuf[skip:], within)

	top := s.Top()
	phys, err := top.allocateTail(s.limitFor(top))
	if err != nil {
		return 0, err
	}
	if err := top.writeCluster(ctx, phys, clusterBuf); err != nil {
		return 0, err
	}
	s.invalidateCluster(top, phys)
	page, err := top.bat.assign(ctx, l, phys)
	if err != nil {
		return 0, err
	}
	s.pipeline.markDirty(top, page)
	if err := s.pipeline.commit(ctx); err != nil {
		return 0, err
	}
	return phys, nil
}
