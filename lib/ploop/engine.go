// SPDX-License-Identifier: GPL-2.0-or-later

package ploop

import (
	"context"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/openvz/ploop-go/lib/containers"
)

// Engine is the explicit handle a caller opens once per attached
// virtual disk and uses for every subsequent Submit/control call, per
// the "explicit engine handle, not a package-level singleton" design
// note: it owns the stack, a supervised worker group for background
// commit/relocate activity, and the logger fields every operation
// tags its log lines with.
type Engine struct {
	Stack *Stack

	grp *dgroup.Group
	ctx context.Context

	name string
}

// NewEngine wires stack to a fresh supervised worker group, rooted at
// parent, the same lifecycle pattern the teacher uses for its
// long-running subcommands (dgroup.NewGroup + grp.Go per background
// task, grp.Wait on shutdown).
func NewEngine(parent context.Context, name string, stack *Stack) *Engine {
	ctx := dlog.WithField(parent, "ploop.disk", name)
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: false,
	})
	return &Engine{Stack: stack, grp: grp, ctx: ctx, name: name}
}

// Submit runs req against the engine's stack, logging at Trace level
// on entry/exit the way the teacher's I/O paths log via dlog.
func (e *Engine) Submit(ctx context.Context, req *Request) error {
	dlog.Tracef(e.ctx, "submit kind=%d offset=%d len=%d", req.Kind, req.Offset, len(req.Data))
	err := e.Stack.Submit(ctx, req)
	if err != nil {
		dlog.Debugf(e.ctx, "submit error: %v", err)
	}
	return err
}

// GoBackground schedules a supervised background task (periodic
// flush, async relocate, ...) under the engine's worker group; if it
// returns an error the whole engine's Wait unwinds with that error,
// matching dgroup's all-or-nothing supervision semantics.
func (e *Engine) GoBackground(name string, fn func(context.Context) error) {
	e.grp.Go(name, fn)
}

// Wait blocks until every background task started with GoBackground
// has exited, returning the first error (if any).
func (e *Engine) Wait() error {
	return e.grp.Wait()
}

// Close flushes the stack's commit pipeline and every delta's backing
// file, then waits for background tasks to wind down. The drain itself
// runs against dcontext.HardContext(ctx): if the caller's ctx is the
// same soft-shutdown context that triggered this Close (the normal
// case under dgroup supervision), data already accepted for commit
// must still reach stable storage, so the final flush pass must
// outlive the cancellation that told everything else to stop. Flush
// errors from individual deltas are aggregated rather than
// short-circuited, the same derror.MultiError pattern the teacher uses
// to close every device in a volume (lib/profile's flagSet.Stop does
// the same for profile shutdown funcs), so one offline delta doesn't
// hide a fsync failure on another.
func (e *Engine) Close(ctx context.Context) error {
	hard := dcontext.HardContext(ctx)

	if err := e.Stack.pipeline.commit(hard); err != nil {
		return err
	}

	var errs derror.MultiError
	for _, d := range e.Stack.Deltas() {
		if err := d.flush(hard); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.Wait(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// EngineStats is a plain accessor snapshot of the engine's live
// state, the same kind of struct-returning observability the teacher
// exposes (e.g. FS.Superblock()) rather than a metrics subsystem: it
// lets callers and tests assert on §8's invariants without reaching
// into package internals.
type EngineStats struct {
	DirtyPages     int
	InFlightClusters int
	TopGeneration  Generation
	Backpressure   bool
	DeltaCount     int
}

// DirtyPages reports the set of BAT page indices currently dirty for
// each delta in the stack, keyed by the delta's position (bottom-most
// is 0), for diagnostic reporting.
func (e *Engine) DirtyPages() map[int]containers.Set[uint32] {
	deltas := e.Stack.Deltas()
	out := make(map[int]containers.Set[uint32], len(deltas))
	for i, d := range deltas {
		if d.Role == RoleRawBase {
			continue
		}
		out[i] = e.Stack.pipeline.dirtyPageIndices(d)
	}
	return out
}

// Stats reports a point-in-time snapshot of the engine's stack.
func (e *Engine) Stats() EngineStats {
	s := e.Stack
	s.slotsMu.Lock()
	inFlight := len(s.slots)
	s.slotsMu.Unlock()
	top := s.Top()
	return EngineStats{
		DirtyPages:       s.pipeline.dirtyCount(),
		InFlightClusters: inFlight,
		TopGeneration:    Generation(top.generation.Load()),
		Backpressure:     s.pipeline.overBudget(),
		DeltaCount:       len(s.Deltas()),
	}
}
