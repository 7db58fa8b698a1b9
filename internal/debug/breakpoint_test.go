package debug

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/rdebug/internal/errors"
)

type recordingEval struct {
	mu    sync.Mutex
	exprs []string
	fail  bool
}

func (r *recordingEval) eval(ctx context.Context, expr string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exprs = append(r.exprs, expr)
	if r.fail {
		return "", fmt.Errorf("runtime refused %s", expr)
	}
	return "TRUE", nil
}

func (r *recordingEval) calls(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.exprs {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func (r *recordingEval) setFail(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

func TestBreakpointRegistry_ReferenceCounting(t *testing.T) {
	rec := &recordingEval{}
	reg := newBreakpointRegistry(rec.eval)
	ctx := context.Background()
	loc := Location{File: "f.r", Line: 10}

	n, err := reg.Add(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = reg.Add(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, rec.calls(".rdebug$add_breakpoint"), "only the first reference installs")

	n, err = reg.Remove(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, rec.calls(".rdebug$remove_breakpoint"))

	n, err = reg.Remove(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, rec.calls(".rdebug$remove_breakpoint"), "only the last reference uninstalls")

	assert.Equal(t, []string{
		`.rdebug$add_breakpoint("f.r", 10L)`,
		`.rdebug$remove_breakpoint("f.r", 10L)`,
	}, rec.exprs)
}

func TestBreakpointRegistry_RemoveAbsent(t *testing.T) {
	rec := &recordingEval{}
	reg := newBreakpointRegistry(rec.eval)

	n, err := reg.Remove(context.Background(), Location{File: "f.r", Line: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, rec.exprs)
}

func TestBreakpointRegistry_FailureLeavesCount(t *testing.T) {
	rec := &recordingEval{fail: true}
	reg := newBreakpointRegistry(rec.eval)
	ctx := context.Background()
	loc := Location{File: "f.r", Line: 10}

	_, err := reg.Add(ctx, loc)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeBreakpointFailed))
	assert.Equal(t, 0, reg.Count(loc))

	rec.setFail(false)
	_, err = reg.Add(ctx, loc)
	require.NoError(t, err)

	rec.setFail(true)
	n, err := reg.Remove(ctx, loc)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, reg.Count(loc))
}

func TestBreakpointRegistry_RejectsUnknownLocation(t *testing.T) {
	rec := &recordingEval{}
	reg := newBreakpointRegistry(rec.eval)

	_, err := reg.Add(context.Background(), Location{File: "f.r"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidParameter))
	assert.Empty(t, rec.exprs)
}

func TestBreakpointRegistry_ConcurrentAdds(t *testing.T) {
	rec := &recordingEval{}
	reg := newBreakpointRegistry(rec.eval)
	loc := Location{File: "f.r", Line: 10}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Add(context.Background(), loc)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, reg.Count(loc))
	assert.Equal(t, 1, rec.calls(".rdebug$add_breakpoint"))
}

func TestBreakpointRegistry_LocationsAndReapply(t *testing.T) {
	rec := &recordingEval{}
	reg := newBreakpointRegistry(rec.eval)
	ctx := context.Background()

	for _, loc := range []Location{{File: "g.r", Line: 2}, {File: "f.r", Line: 9}, {File: "f.r", Line: 3}} {
		_, err := reg.Add(ctx, loc)
		require.NoError(t, err)
	}

	assert.Equal(t, []Location{{File: "f.r", Line: 3}, {File: "f.r", Line: 9}, {File: "g.r", Line: 2}}, reg.Locations())

	require.NoError(t, reg.Reapply(ctx))
	assert.Equal(t, 6, rec.calls(".rdebug$add_breakpoint"))
	assert.Equal(t, 1, reg.Count(Location{File: "f.r", Line: 3}))
}

func TestBreakpointRegistry_DeferredUntilReapply(t *testing.T) {
	rec := &recordingEval{}
	reg := newBreakpointRegistry(rec.eval)
	reg.deferred = true
	ctx := context.Background()

	f3 := Location{File: "f.r", Line: 3}
	g2 := Location{File: "g.r", Line: 2}
	for _, loc := range []Location{f3, f3, g2} {
		_, err := reg.Add(ctx, loc)
		require.NoError(t, err)
	}
	n, err := reg.Remove(ctx, g2)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, rec.exprs, "deferred registry does not contact the runtime")

	require.NoError(t, reg.Reapply(ctx))
	assert.Equal(t, []string{addBreakpointExpr(f3)}, rec.exprs)
	assert.Equal(t, 2, reg.Count(f3))

	n, err = reg.Remove(ctx, f3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = reg.Remove(ctx, f3)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, rec.calls(".rdebug$remove_breakpoint"))
}

func TestBreakpointRegistry_ReapplyReportsFailures(t *testing.T) {
	rec := &recordingEval{}
	reg := newBreakpointRegistry(rec.eval)
	reg.deferred = true
	ctx := context.Background()

	_, err := reg.Add(ctx, Location{File: "f.r", Line: 3})
	require.NoError(t, err)

	rec.setFail(true)
	err = reg.Reapply(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeBreakpointFailed))
	assert.Equal(t, 1, reg.Count(Location{File: "f.r", Line: 3}))
}
