package debug

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"

	"github.com/ctagard/rdebug/internal/errors"
)

// evalFunc evaluates a helper expression and returns its textual result
type evalFunc func(ctx context.Context, expression string) (string, error)

// BreakpointRegistry reference-counts breakpoints per location. The runtime
// is only contacted when a location gains its first reference or loses its
// last one.
type BreakpointRegistry struct {
	eval evalFunc

	// mu is held across runtime round-trips so that Add and Remove on the
	// same location are serialised
	mu     sync.Mutex
	counts map[Location]int
	// deferred registries only count references until Reapply installs them
	deferred bool
}

func newBreakpointRegistry(eval evalFunc) *BreakpointRegistry {
	return &BreakpointRegistry{
		eval:   eval,
		counts: make(map[Location]int),
	}
}

// Add takes a reference on the breakpoint at loc and returns the new count.
// On failure the count is left unchanged.
func (r *BreakpointRegistry) Add(ctx context.Context, loc Location) (int, error) {
	if !loc.Known() {
		return 0, errors.InvalidParameter("location", loc.String(), "a file and a positive line")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.counts[loc]
	if n == 0 && !r.deferred {
		if _, err := r.eval(ctx, addBreakpointExpr(loc)); err != nil {
			return 0, errors.BreakpointFailed(loc.File, loc.Line, err)
		}
	}
	r.counts[loc] = n + 1
	return n + 1, nil
}

// Remove drops a reference on the breakpoint at loc and returns the new
// count. Removing an absent breakpoint returns 0 without contacting the
// runtime. On failure the count is left unchanged.
func (r *BreakpointRegistry) Remove(ctx context.Context, loc Location) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.counts[loc]
	switch {
	case n == 0:
		return 0, nil
	case n == 1:
		if r.deferred {
			delete(r.counts, loc)
			return 0, nil
		}
		if _, err := r.eval(ctx, removeBreakpointExpr(loc)); err != nil {
			return n, errors.BreakpointFailed(loc.File, loc.Line, err)
		}
		delete(r.counts, loc)
		return 0, nil
	default:
		r.counts[loc] = n - 1
		return n - 1, nil
	}
}

// Count returns the current reference count at loc
func (r *BreakpointRegistry) Count(loc Location) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[loc]
}

// Locations returns every location with at least one reference, sorted
func (r *BreakpointRegistry) Locations() []Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

func (r *BreakpointRegistry) sortedLocked() []Location {
	out := make([]Location, 0, len(r.counts))
	for loc := range r.counts {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out
}

// Reapply installs every registered breakpoint in the runtime and ends
// deferred mode. Counts are not changed.
func (r *BreakpointRegistry) Reapply(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deferred = false
	var errs []error
	for _, loc := range r.sortedLocked() {
		if _, err := r.eval(ctx, addBreakpointExpr(loc)); err != nil {
			errs = append(errs, errors.BreakpointFailed(loc.File, loc.Line, err))
		}
	}
	return stderrors.Join(errs...)
}
