// SPDX-License-Identifier: GPL-2.0-or-later

package ploop

import (
	"context"
	"fmt"
)

// Relocate moves the data of logical cluster l within delta d to a
// new physical location, used by defragmentation/compaction to pack a
// sparse delta's tail back down. It is crash-safe: the new copy is
// written and fsynced, the BAT entry is flipped and committed, and
// only then is the old physical slot considered free, per §4.6's
// "write-new, commit-pointer, then the old slot is just unreferenced
// space" design (there's no separate old-slot freelist to update; the
// old slot simply stops being reachable once the BAT points
// elsewhere).
//
// The cluster's slot is held in Relocating for the whole operation,
// which blocks concurrent reads and writes against it but not against
// other clusters, per §4.2's slot state table.
func (d *Delta) Relocate(ctx context.Context, stack *Stack, l LogicalCluster, newPhys PhysicalCluster) error {
	if d.Role == RoleRawBase {
		return fmt.Errorf("ploop: relocate: raw-base deltas have no BAT to update")
	}

	sl := stack.slotFor(l)
	defer stack.maybeDropSlot(l, sl)
	if err := sl.enter(ctx, slotRelocating); err != nil {
		return err
	}
	defer sl.leave()

	oldPhys, err := d.bat.lookup(ctx, l)
	if err != nil {
		return fmt.Errorf("ploop: relocate: %w", err)
	}
	if oldPhys.IsHole() {
		return fmt.Errorf("ploop: relocate: logical cluster %d is unmapped in this delta", l)
	}
	if oldPhys == newPhys {
		return nil
	}

	clusterBytes := d.clusterShift().Bytes()
	buf := make([]byte, clusterBytes)
	if err := d.readCluster(ctx, oldPhys, buf); err != nil {
		return fmt.Errorf("ploop: relocate: read: %w", err)
	}
	if err := d.writeCluster(ctx, newPhys, buf); err != nil {
		return fmt.Errorf("ploop: relocate: write: %w", err)
	}
	if err := d.flush(ctx); err != nil {
		return fmt.Errorf("ploop: relocate: fsync new copy: %w", err)
	}

	page, err := d.bat.assign(ctx, l, newPhys)
	if err != nil {
		return fmt.Errorf("ploop: relocate: %w", err)
	}
	stack.pipeline.markDirty(d, page)
	return stack.pipeline.commit(ctx)
}
