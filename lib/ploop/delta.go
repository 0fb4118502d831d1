// SPDX-License-Identifier: GPL-2.0-or-later

package ploop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/openvz/ploop-go/lib/binstruct"
	"github.com/openvz/ploop-go/lib/containers"
	"github.com/openvz/ploop-go/lib/diskio"
	"github.com/openvz/ploop-go/lib/textui"
)

// deltaInFlightBudget bounds how many concurrent physical reads/writes
// one delta services at once, per §5's "in-flight request budget per
// delta: bounded to prevent a slow lower layer from starving the top."
// It's per-Delta rather than per-Stack because the whole point is to
// stop one slow *layer* from monopolizing physical I/O concurrency
// that the top delta needs for its own fast path.
var deltaInFlightBudget = textui.Tunable(128)

// Delta is one layer of a delta stack: a raw-base, image-base, or
// image-delta backing file, its BAT (if it has one), and the handful
// of fields recovery needs. The mapper and I/O coordinator dispatch on
// Role rather than subclassing, per §3's tagged-variant design note.
type Delta struct {
	Role DeltaRole

	file diskio.File[ByteOffset]

	mu     sync.RWMutex // guards header, allocatedClusters
	header *Header       // nil for RoleRawBase

	// offline is set once by markOffline after a fatal backing-I/O
	// error and never cleared; it's a containers.SyncValue rather
	// than a field under mu so a read/write hot path checking it
	// never contends with a concurrent header/allocatedClusters
	// mutation that has nothing to do with offline status.
	offline containers.SyncValue[bool]

	// allocatedClusters is the highest physical cluster index handed
	// out by allocateTail so far (0 before the first allocation).
	// allocateTail only ever increments it, matching "allocation
	// never reuses a freed physical index within the same delta's
	// lifetime" (§4.3); growBAT lowers it by the data region's shift
	// when it renumbers every index after widening the BAT.
	allocatedClusters uint32

	bat *BATCache // nil for RoleRawBase

	// rawClusterShift is only meaningful when Role == RoleRawBase,
	// which has no header of its own; the stack assigns it the
	// stack-wide shift when opening the delta (see stack.go).
	rawClusterShift ClusterShift

	generation atomic.Uint64 // in-memory generation, bumped before commit

	// inflight is a counting semaphore bounding concurrent physical
	// I/O against this delta specifically (see deltaInFlightBudget).
	// It guards readCluster/writeCluster only, never the metadata
	// pipeline's BAT/header writes, so a saturated data path can
	// never deadlock a commit that needs to drain it.
	inflight chan struct{}
}

func newInflightSem() chan struct{} {
	return make(chan struct{}, deltaInFlightBudget)
}

// clusterShift reports this delta's cluster shift.
func (d *Delta) clusterShift() ClusterShift {
	if d.header != nil {
		return d.header.clusterShift()
	}
	return d.rawClusterShift
}

// ClusterShift is the exported form of clusterShift, for callers
// outside the package (e.g. ploopctl) that need to size a new delta
// to match an existing one.
func (d *Delta) ClusterShift() ClusterShift { return d.clusterShift() }

// Generation reports d's in-memory generation counter (the value that
// will be stamped into the header on the next commit, or the header's
// own value if nothing has dirtied since open).
func (d *Delta) Generation() Generation { return Generation(d.generation.Load()) }

// entriesInPage returns how many BAT entries page pageIndex holds: all
// pages are full (entriesPerBATPage) except possibly the last.
func (d *Delta) entriesInPage(pageIndex uint32) int {
	total := int(d.header.BATEntries)
	start := int(pageIndex) * entriesPerBATPage
	n := total - start
	if n > entriesPerBATPage {
		n = entriesPerBATPage
	}
	if n < 0 {
		n = 0
	}
	return n
}

func (d *Delta) batIndex(l LogicalCluster) (pageIndex uint32, offset int) {
	return uint32(uint64(l) / entriesPerBATPage), int(uint64(l) % entriesPerBATPage)
}

func (d *Delta) batPageOffset(pageIndex uint32) ByteOffset {
	return batRegionOffset(d.header.BATEntries) + ByteOffset(int64(pageIndex)*batPageSize)
}

func (d *Delta) batPageGenOffset(pageIndex uint32) ByteOffset {
	return pageGenTableOffset() + ByteOffset(int64(pageIndex)*pageGenStampSize)
}

// writeBATPage serializes page's entries and generation stamp and
// writes both back to their regions. Called only from the metadata
// pipeline's commit step (pipeline.go) or batSource.Flush, both of
// which hold page.mu for writing.
func (d *Delta) writeBATPage(page *batPage) error {
	buf := make([]byte, batPageSize)
	for i, e := range page.entries {
		putLE32(buf[i*4:], uint32(e))
	}
	if _, err := d.file.WriteAt(buf, d.batPageOffset(page.index)); err != nil {
		return fmt.Errorf("%w: %w", ErrBackingIO, err)
	}

	gen := Generation(d.generation.Load())
	genBuf := make([]byte, pageGenStampSize)
	putLE64(genBuf, uint64(gen))
	if _, err := d.file.WriteAt(genBuf, d.batPageGenOffset(page.index)); err != nil {
		return fmt.Errorf("%w: %w", ErrBackingIO, err)
	}

	page.onDiskGeneration = gen
	page.state = pageClean
	return nil
}

// physicalOffset returns the byte range in d's backing file occupied
// by physical cluster p.
func (d *Delta) physicalOffset(p PhysicalCluster) ByteOffset {
	if d.Role == RoleRawBase {
		return ByteOffset(int64(p) * d.clusterShift().Bytes())
	}
	return physicalClusterOffset(p, d.header.BATEntries, d.clusterShift())
}

// readCluster reads the full contents of physical cluster p into buf,
// which must be exactly one cluster in length.
func (d *Delta) readCluster(ctx context.Context, p PhysicalCluster, buf []byte) error {
	if off, _ := d.offline.Load(); off {
		return ErrDeltaOffline
	}
	if int64(len(buf)) != d.clusterShift().Bytes() {
		return fmt.Errorf("ploop: readCluster buffer is %d bytes, want %d", len(buf), d.clusterShift().Bytes())
	}
	select {
	case d.inflight <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.inflight }()

	_, err := d.file.ReadAt(buf, d.physicalOffset(p))
	if err != nil {
		d.markOffline()
		return fmt.Errorf("%w: %w", ErrBackingIO, err)
	}
	return nil
}

// readClusterUncached is the uncached read entry point the stack's
// hot-cluster cache source calls on a miss.
func (d *Delta) readClusterUncached(ctx context.Context, p PhysicalCluster, buf []byte) error {
	return d.readCluster(ctx, p, buf)
}

// writeCluster writes buf (exactly one cluster) to physical cluster p.
func (d *Delta) writeCluster(ctx context.Context, p PhysicalCluster, buf []byte) error {
	if off, _ := d.offline.Load(); off {
		return ErrDeltaOffline
	}
	if int64(len(buf)) != d.clusterShift().Bytes() {
		return fmt.Errorf("ploop: writeCluster buffer is %d bytes, want %d", len(buf), d.clusterShift().Bytes())
	}
	select {
	case d.inflight <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.inflight }()

	_, err := d.file.WriteAt(buf, d.physicalOffset(p))
	if err != nil {
		d.markOffline()
		return fmt.Errorf("%w: %w", ErrBackingIO, err)
	}
	return nil
}

// allocateTail hands out the next never-before-used physical cluster
// index in this delta, per §4.3's "BAT allocation contract": no
// freelist, monotonic growth, OutOfSpace once the next index would
// exceed maxClusters (the stack's allocation limit for this delta).
//
// The first time it runs out of room it latches
// FlagReadOnlyUntilGrown in the header and persists it, so submitWrite
// can reject further writes against this delta without having to race
// back here on every one of them; Grow clears the latch once it has
// actually made more room.
func (d *Delta) allocateTail(maxClusters uint32) (PhysicalCluster, error) {
	d.mu.Lock()
	if d.allocatedClusters+1 > maxClusters {
		var toPersist *Header
		if d.header != nil && d.header.Flags&FlagReadOnlyUntilGrown == 0 {
			d.header.Flags |= FlagReadOnlyUntilGrown
			h := *d.header
			toPersist = &h
		}
		d.mu.Unlock()
		if toPersist != nil {
			_ = writeHeader(d.file, toPersist)
		}
		return 0, ErrOutOfSpace
	}
	d.allocatedClusters++
	n := d.allocatedClusters
	d.mu.Unlock()
	return PhysicalCluster(n), nil
}

// AllocateTail is the exported form of allocateTail, for control-plane
// callers (e.g. ploopctl relocate) that need to pick a destination
// cluster themselves before calling Relocate.
func (d *Delta) AllocateTail(maxClusters uint32) (PhysicalCluster, error) {
	return d.allocateTail(maxClusters)
}

// truncate shrinks the backing file to exactly fit the header, the
// metadata regions, and allocatedClusters data clusters. Nothing in
// this package calls it; merge and relocate leave the file size as it
// is.
func (d *Delta) truncate(ctx context.Context) error {
	d.mu.RLock()
	size := int64(dataRegionOffset(d.header.BATEntries, d.clusterShift())) +
		int64(d.allocatedClusters)*d.clusterShift().Bytes()
	d.mu.RUnlock()

	type truncater interface{ Truncate(int64) error }
	if t, ok := d.file.(truncater); ok {
		return t.Truncate(size)
	}
	return nil
}

// flush drives this delta's BAT cache to disk and fsyncs the backing
// file, implementing the durability half of the commit pipeline's
// barrier handling (§4.4 step 5, "fsync the delta file").
func (d *Delta) flush(ctx context.Context) error {
	if d.bat != nil {
		d.bat.cache.Flush(ctx)
	}
	type syncer interface{ Sync() error }
	if s, ok := d.file.(syncer); ok {
		return s.Sync()
	}
	return nil
}

func (d *Delta) markOffline() {
	d.offline.Store(true)
}

// IsOffline reports whether a fatal backing-I/O error has taken this
// delta out of service.
func (d *Delta) IsOffline() bool {
	off, _ := d.offline.Load()
	return off
}

// readOnlyUntilGrown reports whether d is latched against new BAT
// allocations by FlagReadOnlyUntilGrown. RoleRawBase deltas have no
// header and so are never latched.
func (d *Delta) readOnlyUntilGrown() bool {
	if d.header == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.header.Flags&FlagReadOnlyUntilGrown != 0
}

// batCacheCapacity bounds how many BAT pages a single delta keeps
// resident; callers needing a different working set size (e.g. fsck
// walking a whole delta) should size the cache themselves.
const batCacheCapacity = 64

// OpenRawBase wraps an already-open backing file as a read-only
// bottom-of-stack raw-base delta: no header, no BAT, every logical
// cluster maps 1:1 to the same-numbered physical cluster.
func OpenRawBase(f diskio.File[ByteOffset], cs ClusterShift) (*Delta, error) {
	if !cs.Valid() {
		return nil, fmt.Errorf("%w: cluster shift %d", ErrCorruptHeader, cs)
	}
	return &Delta{Role: RoleRawBase, file: f, rawClusterShift: cs, inflight: newInflightSem()}, nil
}

// OpenDelta opens an already-formatted image-base or image-delta
// backing file: reads and validates its header, then lazily attaches
// a BAT cache.
func OpenDelta(f diskio.File[ByteOffset], role DeltaRole) (*Delta, error) {
	if role == RoleRawBase {
		return nil, fmt.Errorf("ploop: OpenDelta called with RoleRawBase")
	}
	h, err := readHeader(f)
	if err != nil {
		return nil, err
	}
	d := &Delta{
		Role:     role,
		file:     f,
		header:   h,
		inflight: newInflightSem(),
	}
	d.generation.Store(h.Generation)
	d.allocatedClusters = batAllocatedClustersFromSize(f.Size(), h)
	d.bat = newBATCache(d, batCacheCapacity)
	return d, nil
}

// CreateDelta formats f as a fresh, empty image-base or image-delta
// delta: writes the header and zero-fills the page-generation table
// and BAT region so every logical cluster starts unmapped.
func CreateDelta(f diskio.File[ByteOffset], role DeltaRole, cs ClusterShift, virtualSizeClusters uint64) (*Delta, error) {
	if role == RoleRawBase {
		return nil, fmt.Errorf("ploop: CreateDelta called with RoleRawBase")
	}
	if !cs.Valid() {
		return nil, fmt.Errorf("%w: cluster shift %d", ErrCorruptHeader, cs)
	}
	h := &Header{
		Magic:               headerMagic,
		Version:             headerVersion,
		ClusterShift:        uint32(cs),
		VirtualSizeClusters: virtualSizeClusters,
		Generation:          1,
		BATEntries:          uint32(virtualSizeClusters),
	}
	if err := writeHeader(f, h); err != nil {
		return nil, err
	}

	zero := make([]byte, pageGenTableSize(h.BATEntries)+batRegionSize(h.BATEntries))
	if _, err := f.WriteAt(zero, pageGenTableOffset()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackingIO, err)
	}

	d := &Delta{Role: role, file: f, header: h, inflight: newInflightSem()}
	d.generation.Store(h.Generation)
	d.bat = newBATCache(d, batCacheCapacity)
	return d, nil
}

// batAllocatedClustersFromSize infers allocatedClusters from the
// backing file's current size, for deltas opened rather than freshly
// created: the highest whole data cluster the file can currently
// hold, which allocateTail then continues from.
func batAllocatedClustersFromSize(size ByteOffset, h *Header) uint32 {
	dataStart := dataRegionOffset(h.BATEntries, h.clusterShift())
	if int64(size) <= int64(dataStart) {
		return 0
	}
	return uint32((int64(size) - int64(dataStart)) / h.clusterShift().Bytes())
}

// readHeader loads, validates, and returns the Header at the start of
// f, the same read-validate-checksum sequence as
// btrfs.ReadSuperblock/csums.ValidateChecksum.
func readHeader(f diskio.File[ByteOffset]) (*Header, error) {
	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackingIO, err)
	}
	var h Header
	if _, err := binstruct.Unmarshal(buf, &h); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptHeader, err)
	}
	if h.Magic != headerMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptHeader)
	}
	if h.Version != headerVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, h.Version)
	}
	if err := h.ValidateChecksum(); err != nil {
		return nil, err
	}
	if !h.clusterShift().Valid() {
		return nil, fmt.Errorf("%w: cluster shift %d", ErrCorruptHeader, h.ClusterShift)
	}
	return &h, nil
}

// writeHeader serializes h (after refreshing its checksum) and writes
// it to f's first headerSize bytes.
func writeHeader(f diskio.File[ByteOffset], h *Header) error {
	if err := h.updateChecksum(); err != nil {
		return err
	}
	buf, err := binstruct.Marshal(*h)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("%w: %w", ErrBackingIO, err)
	}
	return nil
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
