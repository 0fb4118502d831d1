// SPDX-License-Identifier: GPL-2.0-or-later

package ploop

import (
	"context"
	"fmt"
	"sync"

	"github.com/openvz/ploop-go/lib/caching"
)

// pageState is the lifecycle of one BAT page, per the data model's
// BAT page attributes table.
type pageState int

const (
	pageClean pageState = iota
	pageDirty
	pageWriting
)

func (s pageState) String() string {
	switch s {
	case pageClean:
		return "clean"
	case pageDirty:
		return "dirty"
	case pageWriting:
		return "writing"
	default:
		return "invalid"
	}
}

// batPage is one page_size-sized slice of a delta's BAT, the unit at
// which the BAT cache reads, dirties, and commits.
type batPage struct {
	mu sync.RWMutex

	delta  *Delta
	index  uint32
	state  pageState
	onDiskGeneration Generation // stamp last observed on disk
	entries []PhysicalCluster  // logical-cluster-within-page -> physical cluster
}

func (p *batPage) entryCount() int { return len(p.entries) }

// pageKey identifies a batPage within the BAT cache.
type pageKey struct {
	delta *Delta
	index uint32
}

// batPageSize is the fixed page granularity of the BAT cache,
// independent of the cluster size (which may be far larger). Real
// ploop uses the host page size for this purpose; this is an
// elaboration of spec §3/§6.
const batPageSize = 4096

const entriesPerBATPage = batPageSize / 4

func batPageCount(batEntries uint32) uint32 {
	if batEntries == 0 {
		return 0
	}
	return (batEntries + entriesPerBATPage - 1) / entriesPerBATPage
}

// batSource adapts a *Delta's on-disk BAT region to a caching.Source,
// grounded on lib/diskio's bufferedFile block source (Load reads
// through, Flush writes dirty pages back).
type batSource struct {
	delta *Delta
}

var _ caching.Source[pageKey, *batPage] = batSource{}

func (s batSource) Load(ctx context.Context, k pageKey, v **batPage) {
	d := s.delta
	page := &batPage{delta: d, index: k.index, state: pageClean}
	page.entries = make([]PhysicalCluster, d.entriesInPage(k.index))

	buf := make([]byte, batPageSize)
	off := d.batPageOffset(k.index)
	if _, err := d.file.ReadAt(buf, off); err != nil {
		// Treat as all-hole; the caller will observe errors
		// on the next real I/O against this delta.
		*v = page
		return
	}
	for i := range page.entries {
		page.entries[i] = PhysicalCluster(le32(buf[i*4:]))
	}

	genBuf := make([]byte, 8)
	if _, err := d.file.ReadAt(genBuf, d.batPageGenOffset(k.index)); err == nil {
		page.onDiskGeneration = Generation(le64(genBuf))
	}
	*v = page
}

func (s batSource) Flush(ctx context.Context, v **batPage) {
	page := *v
	page.mu.Lock()
	defer page.mu.Unlock()
	if page.state != pageDirty {
		return
	}
	if err := s.delta.writeBATPage(page); err != nil {
		page.state = pageDirty
		return
	}
}

// BATCache is the in-memory image of one delta's Block Allocation
// Table: demand-loaded pages, evicted only when clean and unpinned,
// LRU among the unpinned.
type BATCache struct {
	delta *Delta
	cache caching.Cache[pageKey, *batPage]
}

func newBATCache(d *Delta, capacity int) *BATCache {
	if capacity < 1 {
		capacity = 1
	}
	return &BATCache{
		delta: d,
		cache: caching.NewLRUCache[pageKey, *batPage](capacity, batSource{delta: d}),
	}
}

// withPage acquires page pageIndex (shared-read by default; caller
// mutates under page.mu when it needs exclusive access) and releases
// it when fn returns, matching "reads hold the BAT cache in shared
// mode; any mutation takes an exclusive slot on the affected page."
func (c *BATCache) withPage(ctx context.Context, pageIndex uint32, fn func(*batPage) error) error {
	pptr := c.cache.Acquire(ctx, pageKey{delta: c.delta, index: pageIndex})
	defer c.cache.Release(pageKey{delta: c.delta, index: pageIndex})
	page := *pptr
	return fn(page)
}

// lookup returns the physical cluster mapped to logical cluster l
// within this delta, or the hole sentinel if unmapped.
func (c *BATCache) lookup(ctx context.Context, l LogicalCluster) (PhysicalCluster, error) {
	pageIndex, offset := c.delta.batIndex(l)
	var result PhysicalCluster
	err := c.withPage(ctx, pageIndex, func(p *batPage) error {
		p.mu.RLock()
		defer p.mu.RUnlock()
		if offset >= len(p.entries) {
			return fmt.Errorf("%w: logical cluster %d beyond this delta's BAT", ErrOutOfRange, l)
		}
		result = p.entries[offset]
		return nil
	})
	return result, err
}

// assign sets the BAT entry for logical cluster l to phys, marks the
// owning page dirty, and returns the page so the caller can enqueue
// it on the metadata pipeline.
func (c *BATCache) assign(ctx context.Context, l LogicalCluster, phys PhysicalCluster) (*batPage, error) {
	pageIndex, offset := c.delta.batIndex(l)
	var page *batPage
	err := c.withPage(ctx, pageIndex, func(p *batPage) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		if offset >= len(p.entries) {
			return fmt.Errorf("%w: logical cluster %d beyond this delta's BAT", ErrOutOfRange, l)
		}
		p.entries[offset] = phys
		p.state = pageDirty
		page = p
		return nil
	})
	return page, err
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
