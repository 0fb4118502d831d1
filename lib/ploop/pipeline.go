// SPDX-License-Identifier: GPL-2.0-or-later

package ploop

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"

	"github.com/openvz/ploop-go/lib/containers"
	"github.com/openvz/ploop-go/lib/textui"
)

// dirtyPageWatermark bounds how many dirty BAT pages the pipeline will
// carry before the translator starts rejecting new allocating writes
// with ErrMetadataBackpressure, per §5's "dirty-page budget: bounded;
// when exhausted, producers... suspend until the pipeline drains."
// Reads are never affected; only writes that would mint a fresh dirty
// page check this.
var dirtyPageWatermark = textui.Tunable(4096)

// commitPipeline batches dirty BAT pages behind a monotonic generation
// counter and drives the crash-consistent commit transaction described
// in §4.4:
//
//  1. bump the in-memory generation
//  2. snapshot the set of currently-dirty pages
//  3. write each dirty page's entries to its BAT region slot
//  4. write each dirty page's new generation stamp to the
//     page-generation table
//  5. fsync the delta file
//  6. write the delta header's Generation field and fsync again,
//     making the new mappings visible to a recovering reader
//
// Waiters registered before step 1 of a round are released once that
// round's step 6 completes; callers that arrive mid-round join the
// next one instead of reusing a round that already captured its dirty
// set.
type commitPipeline struct {
	stack *Stack

	mu      sync.Mutex
	pending map[*Delta]map[*batPage]struct{}
	waiters []chan error
	running bool
}

func newCommitPipeline(s *Stack) *commitPipeline {
	return &commitPipeline{
		stack:   s,
		pending: make(map[*Delta]map[*batPage]struct{}),
	}
}

// markDirty records that page belongs to delta d's next commit round.
// Called by the mapper immediately after BATCache.assign.
func (p *commitPipeline) markDirty(d *Delta, page *batPage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.pending[d]
	if !ok {
		set = make(map[*batPage]struct{})
		p.pending[d] = set
	}
	set[page] = struct{}{}
}

// dirtyCount returns the number of dirty BAT pages currently queued
// for the pipeline's next (or in-flight) commit round, across every
// delta in the stack.
func (p *commitPipeline) dirtyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, set := range p.pending {
		n += len(set)
	}
	return n
}

// dirtyPageIndices returns the set of BAT page indices currently
// dirty for delta d, for diagnostic reporting (ploopctl status).
func (p *commitPipeline) dirtyPageIndices(d *Delta) containers.Set[uint32] {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := containers.Set[uint32]{}
	for page := range p.pending[d] {
		out.Insert(page.index)
	}
	return out
}

// overBudget reports whether the pipeline is backlogged past the
// dirty-page watermark; callers about to mint a new dirty page should
// reject the request with ErrMetadataBackpressure instead.
func (p *commitPipeline) overBudget() bool {
	return p.dirtyCount() >= dirtyPageWatermark
}

// commit runs one round of the pipeline synchronously, waiting for any
// round already in flight to finish first (the pipeline processes one
// round at a time; concurrent callers all observe the dirty set as of
// when they call commit, not as of when they started waiting).
func (p *commitPipeline) commit(ctx context.Context) error {
	ch := make(chan error, 1)
	p.mu.Lock()
	p.waiters = append(p.waiters, ch)
	if !p.running {
		p.running = true
		go p.runRound()
	}
	p.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *commitPipeline) runRound() {
	p.mu.Lock()
	batch := p.pending
	waiters := p.waiters
	p.pending = make(map[*Delta]map[*batPage]struct{})
	p.waiters = nil
	p.mu.Unlock()

	err := p.commitBatch(batch)

	p.mu.Lock()
	p.running = false
	if len(p.pending) > 0 || len(p.waiters) > 0 {
		p.running = true
		go p.runRound()
	}
	p.mu.Unlock()

	for _, w := range waiters {
		w <- err
	}
}

func (p *commitPipeline) commitBatch(batch map[*Delta]map[*batPage]struct{}) error {
	ctx := context.Background()

	for d, pages := range batch {
		gen := Generation(d.generation.Add(1))
		dctx := dlog.WithField(dlog.WithField(ctx, "ploop.delta", d.Role.String()), "ploop.generation", gen)
		dlog.Tracef(dctx, "committing %d dirty bat page(s)", len(pages))

		for page := range pages {
			page.mu.Lock()
			err := d.writeBATPage(page)
			page.mu.Unlock()
			if err != nil {
				return fmt.Errorf("ploop: commit: %w", err)
			}
		}

		if err := d.flush(dctx); err != nil {
			return fmt.Errorf("ploop: commit: fsync: %w", err)
		}

		d.mu.Lock()
		d.header.Generation = d.generation.Load()
		err := writeHeader(d.file, d.header)
		d.mu.Unlock()
		if err != nil {
			return fmt.Errorf("ploop: commit: header: %w", err)
		}

		if err := d.flush(dctx); err != nil {
			return fmt.Errorf("ploop: commit: fsync header: %w", err)
		}
		dlog.Tracef(dctx, "commit round landed")
	}
	return nil
}
