// SPDX-License-Identifier: GPL-2.0-or-later

package ploop

import (
	"fmt"
	"hash/crc32"

	"github.com/openvz/ploop-go/lib/binstruct"
)

// headerMagic is written at offset 0 of every image-base/image-delta
// header. It is not a meaningful string beyond being a fixed, easily
// grep-able byte pattern, the same role btrfs's "_BHRfS_M" plays.
var headerMagic = [16]byte{'p', 'l', 'o', 'o', 'p', '-', 'd', 'e', 'l', 't', 'a', 0, 0, 0, 0, 0}

const headerVersion = 1

// Header is the on-disk header of an image-base or image-delta delta.
// It occupies the first headerSize bytes (one 4 KiB page, not a whole
// cluster) starting at offset 0; the checksum covers every preceding
// byte (magic through Flags). The page-generation table and BAT region that follow it are
// described by the layout helpers below, not by this struct, since
// their length depends on BATEntries.
type Header struct {
	Magic               [16]byte    `bin:"off=0x00, siz=0x10"`
	Version             uint32      `bin:"off=0x10, siz=0x4"`
	ClusterShift        uint32      `bin:"off=0x14, siz=0x4"`
	VirtualSizeClusters uint64      `bin:"off=0x18, siz=0x8"`
	Generation          uint64      `bin:"off=0x20, siz=0x8"`
	BATEntries          uint32      `bin:"off=0x28, siz=0x4"`
	Flags               uint32      `bin:"off=0x2c, siz=0x4"`
	Checksum            uint32      `bin:"off=0x30, siz=0x4"` // CRC32 (IEEE) of bytes [0x00,0x30)
	Reserved            [0xfcc]byte `bin:"off=0x34, siz=0xfcc"`
	binstruct.End       `bin:"off=0x1000"`
}

// headerSize is the fixed on-disk size of Header: exactly one host
// page, so the page-generation table that follows starts page-aligned
// regardless of cluster size.
const headerSize = 0x1000

// HeaderFlags.
const (
	// FlagReadOnlyUntilGrown marks a delta that hit OutOfSpace and
	// must not accept further writes until Grow runs (§7 "Resource
	// errors"). allocateTail sets it the moment it first returns
	// ErrOutOfSpace; submitWrite checks it on every write so the
	// rejection doesn't depend on hitting allocateTail again; Grow
	// clears it once it has raised the delta's allocation limit or
	// widened its BAT.
	FlagReadOnlyUntilGrown uint32 = 1 << 0
)

func (h *Header) calculateChecksum() (uint32, error) {
	buf, err := binstruct.Marshal(*h)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(buf[:0x30]), nil
}

// ValidateChecksum reports ErrCorruptHeader if h's stored checksum
// does not match its computed checksum.
func (h *Header) ValidateChecksum() error {
	calc, err := h.calculateChecksum()
	if err != nil {
		return err
	}
	if calc != h.Checksum {
		return fmt.Errorf("%w: stored=%#08x calculated=%#08x", ErrCorruptHeader, h.Checksum, calc)
	}
	return nil
}

// updateChecksum recomputes and stores h.Checksum.
func (h *Header) updateChecksum() error {
	calc, err := h.calculateChecksum()
	if err != nil {
		return err
	}
	h.Checksum = calc
	return nil
}

// clusterShift returns h's cluster shift, wrapped in the named type.
func (h *Header) clusterShift() ClusterShift { return ClusterShift(h.ClusterShift) }

// On-disk layout beyond the header.
//
// A delta file is three metadata regions followed by the data region:
//
//	[0,            headerSize)                    Header
//	[pageGenTableOffset, pageGenTableOffset+sz)    page-generation table
//	[batRegionOffset,    batRegionOffset+sz)        BAT region (packed u32 entries)
//	[dataRegionOffset,   EOF)                       data region, in whole clusters
//
// The BAT region is a pure packed array of little-endian u32 physical
// cluster indices, exactly as described for on-disk compatibility; it
// carries no interleaved metadata. Per-page crash-recovery state
// instead lives in the separate page-generation table: one little-
// endian u64 generation stamp per BAT page, in BAT-page order. At
// open, a page whose stamp is ahead of the header's committed
// Generation was written by a commit that never finished and is
// reset to all-hole rather than trusted; this is the on-disk
// expression of §4.4's "compare header generation vs per-page
// generation at recovery."
//
// batPageSize (4096 bytes, see bat.go) is independent of cluster size,
// so entriesPerBATPage and the table sizes below don't vary with the
// stack's cluster shift.

const pageGenStampSize = 8

func pageGenTableOffset() ByteOffset { return ByteOffset(headerSize) }

func pageGenTableSize(batEntries uint32) int64 {
	return int64(batPageCount(batEntries)) * pageGenStampSize
}

func batRegionOffset(batEntries uint32) ByteOffset {
	return pageGenTableOffset() + ByteOffset(pageGenTableSize(batEntries))
}

func batRegionSize(batEntries uint32) int64 {
	return int64(batEntries) * 4
}

// dataRegionOffset returns the byte offset of the first data cluster,
// the three metadata regions rounded up to a whole cluster so that
// cluster 1 (the lowest physical index actually usable as data) sits
// cluster-aligned immediately after them.
func dataRegionOffset(batEntries uint32, cs ClusterShift) ByteOffset {
	metaEnd := int64(batRegionOffset(batEntries)) + batRegionSize(batEntries)
	clusterBytes := cs.Bytes()
	rounded := ((metaEnd + clusterBytes - 1) / clusterBytes) * clusterBytes
	return ByteOffset(rounded)
}

// physicalClusterOffset returns the byte offset of physical cluster p
// within its delta file. p==0 (the hole sentinel) has no meaningful
// offset and is never passed here by a correct caller.
func physicalClusterOffset(p PhysicalCluster, batEntries uint32, cs ClusterShift) ByteOffset {
	return dataRegionOffset(batEntries, cs) + ByteOffset(int64(p-1)*cs.Bytes())
}
