// SPDX-License-Identifier: GPL-2.0-or-later

package ploop

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/openvz/ploop-go/lib/diskio"
)

// Snapshot quiesces the stack, appends a fresh empty image-delta on
// top (backed by newTop, which the caller has already created with
// CreateDelta), and unquiesces. The delta that was on top when
// Snapshot was called becomes read-only in spirit (nothing in this
// package enforces that directly; the control plane above Submit is
// expected not to route further writes to it once it is no longer
// Top()), per §4.5's snapshot operation.
func (s *Stack) Snapshot(ctx context.Context, newTop *Delta) error {
	ctx = dlog.WithField(ctx, "ploop.op", "snapshot")
	s.controlMu.Lock()
	defer s.controlMu.Unlock()

	dlog.Debugf(ctx, "quiescing stack")
	token, err := s.quiesce(ctx)
	if err != nil {
		return err
	}
	defer s.unquiesce(token)

	if err := s.pipeline.commit(ctx); err != nil {
		return fmt.Errorf("ploop: snapshot: %w", err)
	}
	return s.AddDelta(newTop)
}

// Merge folds the delta at index victim into the delta immediately
// below it (victim-1), copying every cluster victim's BAT maps into
// the lower delta (over the lower delta's own copy where it already
// has one), then removes victim from the stack. victim must not be the stack's bottom delta and must not be
// Top() (merging the live top isn't meaningful; snapshot first). Per
// §4.5's merge operation, Merge does not quiesce the whole stack the
// way Snapshot and Grow do: it "runs concurrently with user I/O,"
// serializing against other requests cluster-by-cluster through the
// normal per-cluster slot instead of blocking every request with
// ErrStackBusy for its whole duration. controlMu only excludes other
// control operations (another Merge, a Snapshot, a Grow) from running
// at the same time as this one; it never blocks Submit.
func (s *Stack) Merge(ctx context.Context, victim int) error {
	ctx = dlog.WithField(ctx, "ploop.op", "merge")
	s.controlMu.Lock()
	defer s.controlMu.Unlock()

	deltas := s.Deltas()
	if victim <= 0 || victim >= len(deltas)-1 {
		return fmt.Errorf("ploop: merge: index %d is not an interior delta", victim)
	}
	upper := deltas[victim]
	lower := deltas[victim-1]
	if lower.Role == RoleRawBase {
		return fmt.Errorf("ploop: merge: cannot merge into a raw-base")
	}
	dlog.Infof(ctx, "merging delta %d into %d", victim, victim-1)

	buf := s.getClusterBuf()
	defer s.putClusterBuf(buf)
	copied := 0
	for l := LogicalCluster(0); uint64(l) < s.virtualSizeClusters; l++ {
		moved, err := s.mergeCluster(ctx, l, upper, lower, buf)
		if err != nil {
			return fmt.Errorf("ploop: merge: %w", err)
		}
		if moved {
			copied++
		}
	}

	s.stackMu.Lock()
	s.deltas = append(append([]*Delta{}, s.deltas[:victim]...), s.deltas[victim+1:]...)
	s.stackMu.Unlock()
	dlog.Infof(ctx, "merge done: %d clusters copied down, delta removed", copied)
	return nil
}

// mergeCluster moves logical cluster l's data from upper into lower if
// upper owns it: into lower's existing physical cluster when lower
// already maps l, otherwise into a freshly allocated tail cluster with
// a new BAT entry. It holds l's slot in Relocating
// mode for the whole read-allocate-write-commit span — the same
// exclusion Delta.Relocate uses to move a cluster's physical backing
// without letting a concurrent reader or writer observe a half-moved
// mapping. Every other logical cluster's slot is untouched, so ordinary
// I/O against the rest of the stack keeps running while a merge is in
// progress. It commits its own BAT change immediately (rather than
// batching the whole merge into one commit at the end) so the slot
// never has to be held across more than one cluster's move.
func (s *Stack) mergeCluster(ctx context.Context, l LogicalCluster, upper, lower *Delta, buf []byte) (bool, error) {
	sl := s.slotFor(l)
	defer s.maybeDropSlot(l, sl)
	if err := sl.enter(ctx, slotRelocating); err != nil {
		return false, err
	}
	defer sl.leave()

	phys, err := upper.bat.lookup(ctx, l)
	if err != nil {
		return false, err
	}
	if phys.IsHole() {
		return false, nil
	}
	lowerPhys, err := lower.bat.lookup(ctx, l)
	if err != nil {
		return false, err
	}
	if err := upper.readCluster(ctx, phys, buf); err != nil {
		return false, err
	}
	if !lowerPhys.IsHole() {
		// lower already maps l; upper's copy shadows it, so overwrite
		// lower's physical cluster in place. The BAT is unchanged.
		if err := lower.writeCluster(ctx, lowerPhys, buf); err != nil {
			return false, err
		}
		s.invalidateCluster(lower, lowerPhys)
		return true, nil
	}
	newPhys, err := lower.allocateTail(s.limitFor(lower))
	if err != nil {
		return false, err
	}
	if err := lower.writeCluster(ctx, newPhys, buf); err != nil {
		return false, err
	}
	s.invalidateCluster(lower, newPhys)
	page, err := lower.bat.assign(ctx, l, newPhys)
	if err != nil {
		return false, err
	}
	s.pipeline.markDirty(lower, page)
	if err := s.pipeline.commit(ctx); err != nil {
		return false, err
	}
	dlog.Tracef(dlog.WithField(ctx, "ploop.cluster", l), "merge copied cluster down")
	return true, nil
}

// Grow extends the stack's virtual size to newVirtualSizeClusters and
// raises the top delta's allocation limit to match, widening its BAT
// if needed. It refuses to shrink, per §4.5 "grow is the only resize
// operation; there is no shrink."
func (s *Stack) Grow(ctx context.Context, newVirtualSizeClusters uint64, newBATLimit uint32) error {
	ctx = dlog.WithField(ctx, "ploop.op", "grow")
	s.controlMu.Lock()
	defer s.controlMu.Unlock()

	token, err := s.quiesce(ctx)
	if err != nil {
		return err
	}
	defer s.unquiesce(token)

	if newVirtualSizeClusters < s.virtualSizeClusters {
		return fmt.Errorf("ploop: grow: new size %d is smaller than current %d", newVirtualSizeClusters, s.virtualSizeClusters)
	}

	top := s.Top()
	if top.header != nil && uint64(top.header.BATEntries) < newVirtualSizeClusters {
		if err := s.growBAT(ctx, top, uint32(newVirtualSizeClusters), newVirtualSizeClusters); err != nil {
			return fmt.Errorf("ploop: grow: %w", err)
		}
	}

	s.stackMu.Lock()
	s.virtualSizeClusters = newVirtualSizeClusters
	s.stackMu.Unlock()
	s.growLimits.limits.Store(top, newBATLimit)

	if err := s.clearReadOnlyUntilGrown(top); err != nil {
		return fmt.Errorf("ploop: grow: %w", err)
	}

	dlog.Infof(ctx, "grew virtual size to %d clusters, bat limit %d", newVirtualSizeClusters, newBATLimit)
	return nil
}

// clearReadOnlyUntilGrown unlatches d's FlagReadOnlyUntilGrown, if set,
// now that Grow has given d more room to allocate into.
func (s *Stack) clearReadOnlyUntilGrown(d *Delta) error {
	d.mu.Lock()
	if d.header == nil || d.header.Flags&FlagReadOnlyUntilGrown == 0 {
		d.mu.Unlock()
		return nil
	}
	d.header.Flags &^= FlagReadOnlyUntilGrown
	h := *d.header
	d.mu.Unlock()
	return writeHeader(d.file, &h)
}

// growBAT widens top's BAT to newBATEntries entries and writes the
// resulting header. Per §4.5 "Grow (BAT region)", widening the BAT
// pushes dataRegionOffset forward (header.go's pageGenTableSize and
// batRegionSize both grow with batEntries), and physicalClusterOffset
// is computed against the CURRENT batEntries — so every physical
// cluster index top has already handed out is about to mean a
// different byte range. Indices that sit in the span the wider
// metadata regions are about to claim hold real data that must move
// before that happens; every other index keeps its bytes exactly
// where they are and only needs its BAT entry relabeled to account for
// the uniform shift.
func (s *Stack) growBAT(ctx context.Context, top *Delta, newBATEntries uint32, newVirtualSizeClusters uint64) error {
	cs := top.clusterShift()
	top.mu.RLock()
	oldBATEntries := top.header.BATEntries
	top.mu.RUnlock()
	oldDataOffset := dataRegionOffset(oldBATEntries, cs)
	newDataOffset := dataRegionOffset(newBATEntries, cs)
	shift := uint32((int64(newDataOffset) - int64(oldDataOffset)) / cs.Bytes())

	if shift == 0 {
		top.mu.Lock()
		top.header.BATEntries = newBATEntries
		top.header.VirtualSizeClusters = newVirtualSizeClusters
		err := writeHeader(top.file, top.header)
		top.mu.Unlock()
		return err
	}

	dlog.Infof(ctx, "bat growth pushes the data region forward by %d cluster(s): relocating clusters in the reclaimed span, renumbering the rest", shift)

	// Reserve [1, shift] up front so every allocateTail call below,
	// whether relocating a displaced cluster or just padding past the
	// reclaimed span, returns an index above shift. Any index in that
	// padding that never gets a real relocation landing on it is
	// simply wasted, consistent with allocateTail's no-freelist,
	// never-reuse-an-index contract (§4.3).
	limit := s.limitFor(top)
	top.mu.Lock()
	if top.allocatedClusters < shift {
		top.allocatedClusters = shift
	}
	top.mu.Unlock()

	for l := LogicalCluster(0); uint64(l) < uint64(oldBATEntries); l++ {
		phys, err := top.bat.lookup(ctx, l)
		if err != nil {
			return err
		}
		if phys.IsHole() {
			continue
		}

		if uint32(phys) > shift {
			// Bytes don't move; only the index does.
			newPhys := PhysicalCluster(uint32(phys) - shift)
			page, err := top.bat.assign(ctx, l, newPhys)
			if err != nil {
				return fmt.Errorf("renumbering cluster %d: %w", l, err)
			}
			s.pipeline.markDirty(top, page)
			if err := s.pipeline.commit(ctx); err != nil {
				return err
			}
			continue
		}

		// phys falls inside the span the grown metadata regions are
		// about to claim: move its bytes to a fresh tail slot, still
		// under the OLD (pre-grow) addressing Relocate and the header
		// currently agree on, then relabel that slot's BAT entry down
		// by shift so it resolves correctly once the header below
		// adopts the NEW addressing — Relocate itself has no way to
		// know the addressing scheme is about to change out from
		// under the index it just wrote, so this second assign is
		// what actually finishes the move.
		tailPhys, err := top.allocateTail(limit)
		if err != nil {
			return fmt.Errorf("relocating cluster %d: %w", l, err)
		}
		if err := top.Relocate(ctx, s, l, tailPhys); err != nil {
			return err
		}
		newPhys := PhysicalCluster(uint32(tailPhys) - shift)
		page, err := top.bat.assign(ctx, l, newPhys)
		if err != nil {
			return fmt.Errorf("relabeling relocated cluster %d: %w", l, err)
		}
		s.pipeline.markDirty(top, page)
		if err := s.pipeline.commit(ctx); err != nil {
			return err
		}
	}

	top.mu.Lock()
	top.allocatedClusters -= shift
	top.header.BATEntries = newBATEntries
	top.header.VirtualSizeClusters = newVirtualSizeClusters
	err := writeHeader(top.file, top.header)
	top.mu.Unlock()
	return err
}

// newEmptyDelta is a small helper control commands use to format a
// fresh image-delta backed by f, the counterpart of btrfsvol's
// add-device path but for ploop's one-header-per-file format.
func newEmptyDelta(f diskio.File[ByteOffset], cs ClusterShift, virtualSizeClusters uint64) (*Delta, error) {
	return CreateDelta(f, RoleImageDelta, cs, virtualSizeClusters)
}
