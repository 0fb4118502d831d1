// SPDX-License-Identifier: GPL-2.0-or-later

package ploop

import (
	"context"
	"fmt"
)

// RequestKind distinguishes the three operations the translator
// accepts, per §4.1.
type RequestKind int

const (
	RequestRead RequestKind = iota
	RequestWrite
	RequestBarrier
)

// Request is one caller-issued I/O against the virtual disk. The
// translator splits it into per-cluster subRequests at cluster
// boundaries; a Barrier carries no data, waits for the commit pipeline
// to flush everything dirty so far, then fsyncs every delta.
type Request struct {
	Kind   RequestKind
	Offset Sector
	Data   []byte // len must be a multiple of SectorSize for Read/Write
}

type subRequest struct {
	cluster LogicalCluster
	within  []byte // the slice of Request.Data covered by this cluster
	skip    int64  // byte offset into the cluster where within starts
}

// Submit runs req to completion against s: reads are satisfied by
// resolving each covered cluster and copying from its owner, writes
// allocate/copy-up as needed and mark pages dirty, and barriers block
// until the commit pipeline's current backlog is durable.
//
// Per §7, a misaligned offset/length is a caller error reported
// synchronously with no state change; an out-of-range request is
// likewise rejected before any sub-request runs.
func (s *Stack) Submit(ctx context.Context, req *Request) error {
	if s.isQuiesced() {
		return ErrStackBusy
	}

	if req.Kind == RequestBarrier {
		return s.barrier(ctx)
	}

	if len(req.Data)%SectorSize != 0 {
		return fmt.Errorf("%w: length %d is not sector-aligned", ErrInvalidAlignment, len(req.Data))
	}

	endSector := req.Offset + Sector(len(req.Data)/SectorSize)
	maxSector := Sector(s.virtualSizeClusters) << s.clusterShift
	if req.Offset < 0 || endSector > maxSector {
		return fmt.Errorf("%w: [%d,%d) exceeds virtual size %d sectors", ErrOutOfRange, req.Offset, endSector, maxSector)
	}

	subs := s.split(req)
	switch req.Kind {
	case RequestRead:
		for _, sr := range subs {
			if err := s.submitRead(ctx, sr); err != nil {
				return err
			}
		}
	case RequestWrite:
		for _, sr := range subs {
			if err := s.submitWrite(ctx, sr); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("ploop: unknown request kind %d", req.Kind)
	}
	return nil
}

// barrier implements §4.4's barrier contract: force an immediate
// commit of everything currently dirty, wait for it to land, then
// fsync every delta file in stack order from base to top — not just
// the deltas the commit touched, since a barrier's job is to make the
// caller's prior writes durable end to end, including any delta whose
// data write already landed but whose BAT page wasn't dirtied by this
// particular commit round.
func (s *Stack) barrier(ctx context.Context) error {
	if err := s.pipeline.commit(ctx); err != nil {
		return err
	}
	for _, d := range s.Deltas() {
		if err := d.flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// split breaks req into one subRequest per logical cluster it
// touches, the "request splitting" half of §4.1's translator.
func (s *Stack) split(req *Request) []subRequest {
	clusterBytes := s.clusterShift.Bytes()
	startByte := req.Offset.Bytes()

	var subs []subRequest
	remaining := req.Data
	pos := startByte
	for len(remaining) > 0 {
		cluster := LogicalCluster(pos / clusterBytes)
		within := pos % clusterBytes
		n := clusterBytes - within
		if int64(len(remaining)) < n {
			n = int64(len(remaining))
		}
		subs = append(subs, subRequest{
			cluster: cluster,
			within:  remaining[:n],
			skip:    within,
		})
		remaining = remaining[n:]
		pos += n
	}
	return subs
}

// submitRead holds the cluster's slot in Reading (shared) mode for the
// whole operation, not just mapping resolution, so a concurrent
// Relocate of this cluster can't hand back a physical location that
// stops being valid mid-read (§4.2: "Reading... queue behind" every
// other state, including Relocating).
func (s *Stack) submitRead(ctx context.Context, sr subRequest) error {
	sl := s.slotFor(sr.cluster)
	defer s.maybeDropSlot(sr.cluster, sl)
	if err := sl.enter(ctx, slotReading); err != nil {
		return err
	}
	defer sl.leave()

	owner, phys, found, err := s.resolve(ctx, sr.cluster)
	if err != nil {
		return err
	}
	if !found {
		for i := range sr.within {
			sr.within[i] = 0
		}
		return nil
	}

	clusterBytes := s.clusterShift.Bytes()
	if int64(len(sr.within)) == clusterBytes && sr.skip == 0 {
		return s.readClusterCached(ctx, owner, phys, sr.within)
	}
	buf := s.getClusterBuf()
	defer s.putClusterBuf(buf)
	if err := s.readClusterCached(ctx, owner, phys, buf); err != nil {
		return err
	}
	copy(sr.within, buf[sr.skip:])
	return nil
}

// submitWrite implements the write path's copy-on-write decision tree:
// if the top delta already owns this cluster, write through directly
// under the slot's exclusive Writing state; otherwise allocate
// (whole-cluster write) or copy-up (partial-cluster write) before
// writing, per §4.1's "writes below the top always trigger a
// copy-up." A write that allocates or copies up a fresh BAT mapping
// does not return to the caller until the metadata pipeline has
// committed that mapping durably, per §4.2's completion-ordering
// invariant; a pure in-place overwrite carries no new mapping and so
// has nothing to wait for.
func (s *Stack) submitWrite(ctx context.Context, sr subRequest) error {
	clusterBytes := s.clusterShift.Bytes()
	top := s.Top()
	wholeCluster := int64(len(sr.within)) == clusterBytes && sr.skip == 0

	sl := s.slotFor(sr.cluster)
	defer s.maybeDropSlot(sr.cluster, sl)
	if err := sl.enter(ctx, slotWriting); err != nil {
		return err
	}
	topPhys, terr := top.bat.lookup(ctx, sr.cluster)
	if terr != nil {
		sl.leave()
		return terr
	}
	if !topPhys.IsHole() {
		defer sl.leave()
		if wholeCluster {
			s.invalidateCluster(top, topPhys)
			return top.writeCluster(ctx, topPhys, sr.within)
		}
		buf := s.getClusterBuf()
		defer s.putClusterBuf(buf)
		if err := top.readCluster(ctx, topPhys, buf); err != nil {
			return err
		}
		copy(buf[sr.skip:], sr.within)
		s.invalidateCluster(top, topPhys)
		return top.writeCluster(ctx, topPhys, buf)
	}
	// The cluster needs a fresh mapping; hand off to reserve/copyUp,
	// which take the slot themselves in the more specific Allocating
	// or CopyingUp state. Release the provisional Writing hold first
	// so they can acquire it without deadlocking against ourselves.
	sl.leave()

	if s.pipeline.overBudget() {
		return ErrMetadataBackpressure
	}
	if top.readOnlyUntilGrown() {
		return ErrOutOfSpace
	}

	if wholeCluster {
		_, err := s.reserve(ctx, sr.cluster, sr.within)
		return err
	}

	buf := s.getClusterBuf()
	defer s.putClusterBuf(buf)
	_, err := s.copyUp(ctx, sr.cluster, sr.within, sr.skip, buf)
	return err
}
