package debug

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/rdebug/internal/errors"
	"github.com/ctagard/rdebug/internal/host"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) last(kind EventKind) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Kind == kind {
			return l.events[i], true
		}
	}
	return Event{}, false
}

// stops returns every non-Resumed event in order
func (l *eventLog) stops() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventKind
	for _, ev := range l.events {
		if ev.Kind != EventResumed {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func newTestSession(t *testing.T) (*Session, *fakeTransport, *eventLog) {
	t.Helper()
	f := newFakeTransport()
	s := NewSession(f, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	events := &eventLog{}
	s.Subscribe(events.record)
	t.Cleanup(func() { _ = s.Close() })
	return s, f, events
}

func frameRecordAt(line string) string {
	return `{"filename":"f.r","linenum":` + line + `,"is_global":false,"call":"f()"}`
}

// pauseAt presents a plain break prompt and waits for the session to report it
func pauseAt(t *testing.T, f *fakeTransport, events *eventLog, id uint64) {
	t.Helper()
	before := events.count(EventPaused)
	f.present(id, host.ContextBrowser)
	require.Eventually(t, func() bool { return events.count(EventPaused) == before+1 }, waitFor, tick)
}

func TestSession_BreakpointHitEndToEnd(t *testing.T) {
	s, f, events := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx))

	n, err := s.AddBreakpoint(ctx, Location{File: "f.r", Line: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.setStack(stackJSON(globalRecord, frameRecordAt("10"), tracerRecord, hitRecord))
	f.setOnRespond(func(line string) {
		switch line {
		case ".rdebug$browser_set_debug(2L)":
			f.resume()
			f.present(2, host.ContextBrowser)
		case "c":
			f.setStack(stackJSON(globalRecord, frameRecordAt("null")))
			f.resume()
			f.present(3, host.ContextBrowser)
		}
	})

	f.present(1, host.ContextBrowser)
	require.Eventually(t, func() bool { return events.count(EventPaused) == 1 }, waitFor, tick)

	assert.Equal(t, []string{".rdebug$browser_set_debug(2L)", "c"}, f.responded())
	assert.Equal(t, []EventKind{EventBreakpointHit, EventPaused}, events.stops())
	assert.Equal(t, 2, events.count(EventResumed))

	hit, ok := events.last(EventBreakpointHit)
	require.True(t, ok)
	assert.Equal(t, Location{File: "f.r", Line: 10}, hit.Location)

	paused, ok := events.last(EventPaused)
	require.True(t, ok)
	assert.Equal(t, ReasonBreakpoint, paused.Reason)

	frames, err := s.GetStackFrames(ctx)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.NotNil(t, frames[0].Fallback)
	assert.Equal(t, FrameKindNormal, frames[0].Kind)
	assert.Equal(t, 1, frames[0].RuntimeIndex)
	assert.Same(t, s, frames[0].Session())

	loc, ok := frames[0].Location()
	require.True(t, ok)
	assert.Equal(t, Location{File: "f.r", Line: 10}, loc)

	assert.Equal(t, 2, f.countEvaluations(stackFramesExpr()), "one fetch at the hit, one by GetStackFrames")
}

// hitStateOf returns the processing state and whether a hit frame is retained
func hitStateOf(s *Session) (hitState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.hitFrame != nil
}

func TestSession_NonBreakPromptResetsUnwind(t *testing.T) {
	tests := []struct {
		name string
		// stopAt is the hidden command after which the runtime stops presenting prompts
		stopAt string
		want   hitState
	}{
		{"awaiting unwind setup", ".rdebug$browser_set_debug(2L)", stateAwaitingUnwindSetup},
		{"awaiting unwind continue", "c", stateAwaitingUnwindContinue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, f, events := newTestSession(t)
			ctx := context.Background()
			require.NoError(t, s.Initialize(ctx))
			_, err := s.AddBreakpoint(ctx, Location{File: "f.r", Line: 10})
			require.NoError(t, err)

			f.setStack(stackJSON(globalRecord, frameRecordAt("10"), tracerRecord, hitRecord))
			f.setOnRespond(func(line string) {
				f.resume()
				if line != tt.stopAt {
					f.present(2, host.ContextBrowser)
				}
			})

			f.present(1, host.ContextBrowser)
			require.Eventually(t, func() bool {
				state, _ := hitStateOf(s)
				return state == tt.want
			}, waitFor, tick)
			_, retained := hitStateOf(s)
			assert.True(t, retained)

			f.present(3, host.ContextTopLevel)
			require.Eventually(t, func() bool {
				state, retained := hitStateOf(s)
				return state == stateNone && !retained
			}, waitFor, tick)

			assert.Empty(t, events.stops())
		})
	}
}

func TestSession_CancelStepResetsUnwind(t *testing.T) {
	s, f, events := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))
	_, err := s.AddBreakpoint(ctx, Location{File: "f.r", Line: 10})
	require.NoError(t, err)

	f.setStack(stackJSON(globalRecord, frameRecordAt("10"), tracerRecord, hitRecord))
	f.setOnRespond(func(line string) { f.resume() })

	f.present(1, host.ContextBrowser)
	require.Eventually(t, func() bool {
		state, _ := hitStateOf(s)
		return state == stateAwaitingUnwindSetup
	}, waitFor, tick)

	assert.False(t, s.CancelStep(), "no step was pending")
	state, retained := hitStateOf(s)
	assert.Equal(t, stateNone, state)
	assert.False(t, retained)

	// the unwind prompt arrives after the reset and is treated as a plain pause
	f.setStack(stackJSON(globalRecord, frameRecordAt("11")))
	pauseAt(t, f, events, 2)

	assert.Equal(t, []string{".rdebug$browser_set_debug(2L)"}, f.responded())
	assert.Equal(t, 0, events.count(EventBreakpointHit))
	paused, _ := events.last(EventPaused)
	assert.Equal(t, ReasonPause, paused.Reason)
}

func TestSession_PromptBelowBrowserIsNotABreak(t *testing.T) {
	_, f, events := newTestSession(t)

	f.present(1, host.ContextFunction, host.ContextBrowser)
	pauseAt(t, f, events, 2)

	assert.Equal(t, 1, events.count(EventPaused))
	assert.Equal(t, 1, f.countEvaluations(stackFramesExpr()), "only the real break prompt fetches the stack")
	assert.Empty(t, f.responded())
}

func TestSession_Steps(t *testing.T) {
	tests := []struct {
		name    string
		step    func(*Session, context.Context) error
		command string
	}{
		{"step into", (*Session).StepInto, "s"},
		{"step over", (*Session).StepOver, "n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, f, events := newTestSession(t)
			f.setStack(stackJSON(globalRecord, frameRecordAt("3")))
			pauseAt(t, f, events, 1)

			f.setOnRespond(func(line string) {
				if line == tt.command {
					f.setStack(stackJSON(globalRecord, frameRecordAt("4")))
					f.resume()
					f.present(2, host.ContextBrowser)
				}
			})

			require.NoError(t, tt.step(s, context.Background()))
			require.Eventually(t, func() bool { return events.count(EventPaused) == 2 }, waitFor, tick)

			paused, _ := events.last(EventPaused)
			assert.Equal(t, ReasonStep, paused.Reason)
			assert.Equal(t, []string{tt.command}, f.responded())
		})
	}
}

func TestSession_StepOutIgnoresIntermediatePrompt(t *testing.T) {
	s, f, events := newTestSession(t)
	f.setStack(stackJSON(globalRecord, frameRecordAt("3")))
	pauseAt(t, f, events, 1)

	f.setOnRespond(func(line string) {
		switch line {
		case ".rdebug$browser_set_debug()":
			f.resume()
			f.present(2, host.ContextBrowser)
		case "c":
			f.setStack(stackJSON(globalRecord))
			f.resume()
			f.present(3, host.ContextBrowser)
		}
	})

	require.NoError(t, s.StepOut(context.Background()))
	require.Eventually(t, func() bool { return events.count(EventPaused) == 2 }, waitFor, tick)
	assert.Never(t, func() bool { return events.count(EventPaused) > 2 }, 100*time.Millisecond, tick)

	assert.Equal(t, []string{".rdebug$browser_set_debug()", "c"}, f.responded())
}

func TestSession_StepCancelledByNonBreakPrompt(t *testing.T) {
	s, f, events := newTestSession(t)
	pauseAt(t, f, events, 1)

	f.setOnRespond(func(line string) {
		f.resume()
		f.present(2, host.ContextTopLevel)
	})

	err := s.StepOver(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeStepCancelled))
	assert.Equal(t, 1, events.count(EventPaused))
}

func TestSession_SingleStepAtATime(t *testing.T) {
	s, f, events := newTestSession(t)
	pauseAt(t, f, events, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.StepOver(context.Background())
	}()
	require.Eventually(t, func() bool { return len(f.responded()) == 1 }, waitFor, tick)

	err := s.StepInto(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidState))

	err = s.Continue(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidState))

	assert.True(t, s.CancelStep())
	select {
	case err := <-errCh:
		assert.True(t, errors.HasCode(err, errors.CodeStepCancelled))
	case <-time.After(waitFor):
		t.Fatal("step not resolved by CancelStep")
	}
	assert.False(t, s.CancelStep())
}

func TestSession_StepHonoursContext(t *testing.T) {
	s, f, events := newTestSession(t)
	pauseAt(t, f, events, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.StepOver(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, s.CancelStep())
}

func TestSession_Continue(t *testing.T) {
	s, f, events := newTestSession(t)
	pauseAt(t, f, events, 1)

	require.NoError(t, s.Continue(context.Background()))
	assert.Equal(t, []string{"c"}, f.responded())
}

func TestSession_StalePromptHandling(t *testing.T) {
	s, f, events := newTestSession(t)
	ctx := context.Background()

	f.presentSilently(6, host.ContextBrowser)
	s.markOwnPrompt(5)

	step := newPendingStep("step over")
	step.dispatched = true
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()

	// the session answered prompt 5 itself: drop silently
	s.handlePrompt(ctx, host.Prompt{ID: 5, Contexts: []host.ContextFlags{host.ContextBrowser}})
	s.mu.Lock()
	assert.Same(t, step, s.step)
	s.mu.Unlock()
	assert.Empty(t, f.responded())
	assert.Empty(t, events.stops())

	// someone else answered prompt 4: reset and cancel
	s.handlePrompt(ctx, host.Prompt{ID: 4, Contexts: []host.ContextFlags{host.ContextBrowser}})
	select {
	case <-step.done:
		assert.True(t, errors.HasCode(step.err, errors.CodeStepCancelled))
	default:
		t.Fatal("step not cancelled by a prompt consumed elsewhere")
	}
	assert.Empty(t, f.responded())
}

func TestSession_PendingStepOwnsLeadingPrompts(t *testing.T) {
	s, f, events := newTestSession(t)
	f.presentSilently(3, host.ContextBrowser)

	step := newPendingStep("step out")
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()

	s.handlePrompt(context.Background(), host.Prompt{ID: 3, Contexts: []host.ContextFlags{host.ContextBrowser}})

	assert.Empty(t, f.responded())
	assert.Empty(t, events.stops())
	assert.Equal(t, 0, f.countEvaluations(stackFramesExpr()))
}

func TestSession_FetchFailureStillPauses(t *testing.T) {
	_, f, events := newTestSession(t)
	f.setEvalFn(func(expr string) (host.EvaluationResult, error) {
		return host.EvaluationResult{ParseStatus: host.ParseOK, Error: "stack helper missing"}, nil
	})

	pauseAt(t, f, events, 1)
	paused, _ := events.last(EventPaused)
	assert.Equal(t, ReasonPause, paused.Reason)
}

func TestSession_Evaluate(t *testing.T) {
	s, f, _ := newTestSession(t)
	ctx := context.Background()

	f.setStack(stackJSON(globalRecord, frameRecordAt("3")))
	frames, err := s.GetStackFrames(ctx)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	lastEval := func() string {
		evals := f.evaluations()
		return evals[len(evals)-1]
	}

	f.setDescribe(`{"expression":"x + 1","value":"[1] 3","type":"double","classes":["numeric"],"length":1,"has_children":false}`)
	res, err := s.Evaluate(ctx, frames[0], "x + 1", "")
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	assert.Equal(t, `.rdebug$describe_eval("x + 1", sys.frame(1L))`, lastEval())
	assert.Equal(t, "[1] 3", res.Value.Value)
	assert.Equal(t, "double", res.Value.TypeName)
	assert.Equal(t, []string{"numeric"}, res.Value.Classes)
	assert.Equal(t, 1, res.Value.Length)
	assert.False(t, res.Value.HasChildren)

	_, err = s.Evaluate(ctx, nil, `paste("a", "b")`, "")
	require.NoError(t, err)
	assert.Equal(t, `.rdebug$describe_eval("paste(\"a\", \"b\")", globalenv())`, lastEval())

	_, err = s.Evaluate(ctx, frames[0], "y", "baseenv()")
	require.NoError(t, err)
	assert.Equal(t, `.rdebug$describe_eval("y", baseenv())`, lastEval())

	f.setDescribe(`{"error":"object 'y' not found"}`)
	res, err = s.Evaluate(ctx, frames[0], "y", "")
	require.NoError(t, err)
	assert.False(t, res.Succeeded())
	assert.Equal(t, "object 'y' not found", res.Error)

	f.setDescribe("garbage")
	_, err = s.Evaluate(ctx, frames[0], "y", "")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeMalformedData))

	f.setEvalFn(func(expr string) (host.EvaluationResult, error) {
		return host.EvaluationResult{ParseStatus: host.ParseError}, nil
	})
	_, err = s.Evaluate(ctx, frames[0], "y +", "")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeEvaluationFailed))
}

func TestSession_Initialize(t *testing.T) {
	s, f, _ := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Initialize(ctx))
	assert.Equal(t, 1, f.countEvaluations(HelperCode()))

	failing, ff, _ := newTestSession(t)
	ff.setEvalFn(func(expr string) (host.EvaluationResult, error) {
		return host.EvaluationResult{ParseStatus: host.ParseOK, Error: "could not find function"}, nil
	})
	err := failing.Initialize(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInitializationFailed))
}

func TestSession_InitializeInstallsEarlierBreakpoints(t *testing.T) {
	s, f, _ := newTestSession(t)
	ctx := context.Background()
	loc := Location{File: "f.r", Line: 4}

	n, err := s.AddBreakpoint(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, f.countEvaluations(addBreakpointExpr(loc)), "helpers are not installed yet")

	require.NoError(t, s.Initialize(ctx))
	evals := f.evaluations()
	require.Len(t, evals, 2)
	assert.Equal(t, HelperCode(), evals[0])
	assert.Equal(t, addBreakpointExpr(loc), evals[1])

	_, err = s.AddBreakpoint(ctx, Location{File: "f.r", Line: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, f.countEvaluations(addBreakpointExpr(Location{File: "f.r", Line: 5})))
}

func TestSession_ResumedMirrorsTransport(t *testing.T) {
	_, f, events := newTestSession(t)

	f.present(1, host.ContextTopLevel)
	f.resume()
	f.present(2, host.ContextTopLevel)
	f.resume()

	require.Eventually(t, func() bool { return events.count(EventResumed) == 2 }, waitFor, tick)
	assert.Equal(t, 0, events.count(EventPaused))
}

func TestSession_Close(t *testing.T) {
	s, f, _ := newTestSession(t)
	ctx := context.Background()
	assert.Equal(t, 1, f.listenerCount())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, f.listenerCount())

	_, err := s.AddBreakpoint(ctx, Location{File: "f.r", Line: 1})
	assert.True(t, errors.HasCode(err, errors.CodeSessionDisposed))
	_, err = s.RemoveBreakpoint(ctx, Location{File: "f.r", Line: 1})
	assert.True(t, errors.HasCode(err, errors.CodeSessionDisposed))
	_, err = s.GetStackFrames(ctx)
	assert.True(t, errors.HasCode(err, errors.CodeSessionDisposed))
	_, err = s.Evaluate(ctx, nil, "1", "")
	assert.True(t, errors.HasCode(err, errors.CodeSessionDisposed))
	assert.True(t, errors.HasCode(s.StepOver(ctx), errors.CodeSessionDisposed))
	assert.True(t, errors.HasCode(s.Continue(ctx), errors.CodeSessionDisposed))
	assert.True(t, errors.HasCode(s.Initialize(ctx), errors.CodeSessionDisposed))
}
