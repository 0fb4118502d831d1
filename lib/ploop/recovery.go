// SPDX-License-Identifier: GPL-2.0-or-later

package ploop

import (
	"context"
	"fmt"
)

// Recover walks d's page-generation table against its header's
// committed Generation and reports which BAT pages, if any, hold
// stale (pre-crash, never-finished) data — i.e. pages whose on-disk
// generation stamp is strictly greater than the header's, meaning the
// page write landed but the header commit (step 6 of the pipeline)
// never did. Those pages are exactly the ones a recovering reader
// must NOT trust as newly-committed; RecoverDelta discards them,
// resetting each such page to all-hole.
func Recover(ctx context.Context, d *Delta) ([]uint32, error) {
	if d.Role == RoleRawBase {
		return nil, nil
	}
	d.mu.RLock()
	committed := Generation(d.header.Generation)
	pages := batPageCount(d.header.BATEntries)
	d.mu.RUnlock()

	var stale []uint32
	genBuf := make([]byte, pageGenStampSize)
	for i := uint32(0); i < pages; i++ {
		if _, err := d.file.ReadAt(genBuf, d.batPageGenOffset(i)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBackingIO, err)
		}
		stamp := Generation(le64(genBuf))
		if stamp > committed {
			stale = append(stale, i)
		}
	}
	return stale, nil
}

// RecoverDelta evicts every stale BAT page (as reported by Recover)
// from d's cache, zeroes its on-disk entries, and clamps its stamp
// down to the header's committed generation. This is the open step of
// attaching a delta after an unclean shutdown.
//
// Zeroing the entries, not just the stamp, matters because
// writeBATPage always rewrites a page's entire entries array in one
// shot (step 3 of the commit pipeline serializes page.entries in
// full, never a subset). A page can only go stale by being caught
// mid-round: its generation stamp was written in step 4 but the
// header's committed generation (step 6) never advanced past it. That
// means step 3's write for THIS round landed, but there's no telling
// whether it was the round's first touch of the page or whether the
// page held other, previously-committed mappings before this round
// started — either way, the array on disk right now is step 3's
// output, and treating it as trustworthy at entry granularity would
// let a recovering reader walk straight into a mapping nothing ever
// finished committing. So a stale page reverts entirely to all-hole,
// per §3's "a page whose generation exceeds the header's is all-hole,"
// not just to its pre-round contents.
func RecoverDelta(ctx context.Context, d *Delta) error {
	stale, err := Recover(ctx, d)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	d.mu.RLock()
	committed := Generation(d.header.Generation)
	d.mu.RUnlock()

	genBuf := make([]byte, pageGenStampSize)
	putLE64(genBuf, uint64(committed))
	holeBuf := make([]byte, batPageSize)
	for _, idx := range stale {
		if d.bat != nil {
			d.bat.cache.Delete(pageKey{delta: d, index: idx})
		}
		if _, err := d.file.WriteAt(holeBuf, d.batPageOffset(idx)); err != nil {
			return fmt.Errorf("%w: %w", ErrBackingIO, err)
		}
		if _, err := d.file.WriteAt(genBuf, d.batPageGenOffset(idx)); err != nil {
			return fmt.Errorf("%w: %w", ErrBackingIO, err)
		}
	}
	return nil
}
