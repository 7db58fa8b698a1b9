// Package debug implements a debug session controller for a remote R runtime.
//
// A Session sits on top of a host.Transport and adds breakpoints, stepping,
// stack inspection and expression evaluation. Breakpoints are implemented
// with tracers; when one fires the runtime stops one level too deep and the
// session transparently unwinds to the user's frame before reporting a pause.
package debug

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ctagard/rdebug/internal/errors"
	"github.com/ctagard/rdebug/internal/host"
)

// EventKind identifies a session event
type EventKind int

const (
	// EventPaused is raised when the runtime stops in break mode and any
	// breakpoint processing has finished
	EventPaused EventKind = iota
	// EventResumed is raised every time the runtime resumes executing
	EventResumed
	// EventBreakpointHit is raised just before the Paused that follows a
	// breakpoint hit
	EventBreakpointHit
)

func (k EventKind) String() string {
	switch k {
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventBreakpointHit:
		return "breakpointHit"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Stop reasons reported with EventPaused
const (
	ReasonBreakpoint = "breakpoint"
	ReasonStep       = "step"
	ReasonPause      = "pause"
)

// Event is delivered to session subscribers
type Event struct {
	Kind EventKind
	// Reason is set for EventPaused
	Reason string
	// Location is set for EventBreakpointHit
	Location Location
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the session logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithHelperCode replaces the embedded helper payload evaluated by Initialize
func WithHelperCode(code string) Option {
	return func(s *Session) {
		s.helperCode = code
	}
}

// queuedEvent is a transport notification waiting for the event loop
type queuedEvent struct {
	resumed bool
	prompt  host.Prompt
}

// Session is a debug session on one runtime
type Session struct {
	transport  host.Transport
	logger     *slog.Logger
	helperCode string

	breakpoints *BreakpointRegistry

	mu          sync.Mutex
	initialized bool
	closed      bool
	state       hitState
	hitFrame    *StackFrame
	step        *pendingStep
	generation  uint64
	ownPrompts  []uint64
	subscribers map[int]func(Event)
	nextSubID   int

	queueMu   sync.Mutex
	queue     []queuedEvent
	queueWake chan struct{}

	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewSession creates a session on transport and starts listening to it.
// Initialize must be called before breakpoints can fire.
func NewSession(transport host.Transport, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		transport:   transport,
		logger:      slog.Default(),
		helperCode:  helperCode,
		subscribers: make(map[int]func(Event)),
		queueWake:   make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.breakpoints = newBreakpointRegistry(s.evaluate)
	s.breakpoints.deferred = true

	s.wg.Add(1)
	go s.run()
	s.unsubscribe = transport.Subscribe(sessionListener{s})

	return s
}

// sessionListener adapts transport notifications onto the event queue
type sessionListener struct {
	s *Session
}

func (l sessionListener) BeforeRequest(prompt host.Prompt) {
	l.s.enqueue(queuedEvent{prompt: prompt})
}

func (l sessionListener) AfterRequest() {
	l.s.enqueue(queuedEvent{resumed: true})
}

func (s *Session) enqueue(ev queuedEvent) {
	s.queueMu.Lock()
	s.queue = append(s.queue, ev)
	s.queueMu.Unlock()

	select {
	case s.queueWake <- struct{}{}:
	default:
	}
}

func (s *Session) dequeue() (queuedEvent, bool) {
	for {
		s.queueMu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.queueMu.Unlock()
			return ev, true
		}
		s.queueMu.Unlock()

		select {
		case <-s.queueWake:
		case <-s.ctx.Done():
			return queuedEvent{}, false
		}
	}
}

// run processes transport notifications one at a time, in arrival order
func (s *Session) run() {
	defer s.wg.Done()
	for {
		ev, ok := s.dequeue()
		if !ok {
			return
		}
		if ev.resumed {
			s.raise(Event{Kind: EventResumed})
			continue
		}
		s.handlePrompt(s.ctx, ev.prompt)
	}
}

// Subscribe registers fn for session events and returns a function that
// removes it. Handlers run on the session's event goroutine and must not
// call blocking session operations.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *Session) raise(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	subs := make([]func(Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.SessionDisposed()
	}
	return nil
}

// Initialize installs the helper payload in the runtime, then any breakpoints
// added before it. Later calls are no-ops.
func (s *Session) Initialize(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.mu.Lock()
	done := s.initialized
	s.mu.Unlock()
	if done {
		return nil
	}

	if _, err := s.evaluateRaw(ctx, s.helperCode, false); err != nil {
		return errors.InitializationFailed(err)
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	s.logger.Debug("debug helpers installed")

	if err := s.breakpoints.Reapply(ctx); err != nil {
		s.logger.Warn("failed to install breakpoints registered before initialization", "error", err)
	}
	return nil
}

// evaluate runs a helper expression and requires a textual result
func (s *Session) evaluate(ctx context.Context, expression string) (string, error) {
	return s.evaluateRaw(ctx, expression, true)
}

func (s *Session) evaluateRaw(ctx context.Context, expression string, needResult bool) (string, error) {
	eval, err := s.transport.BeginEvaluation(ctx)
	if err != nil {
		return "", errors.EvaluationFailed(expression, err)
	}
	defer eval.Close()

	res, err := eval.Evaluate(ctx, expression)
	if err != nil {
		return "", errors.EvaluationFailed(expression, err)
	}
	if res.Failed() {
		msg := res.Error
		if msg == "" {
			msg = "parse status " + string(res.ParseStatus)
		}
		return "", errors.EvaluationFailed(expression, fmt.Errorf("%s", msg))
	}
	if res.Result == nil {
		if needResult {
			return "", errors.EvaluationFailed(expression, fmt.Errorf("no result"))
		}
		return "", nil
	}
	return *res.Result, nil
}

// GetStackFrames fetches the runtime's current call stack, innermost first
func (s *Session) GetStackFrames(ctx context.Context) ([]*StackFrame, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	hit := s.hitFrame
	s.mu.Unlock()
	return s.fetchFrames(ctx, hit)
}

// Evaluate evaluates expression in the environment of frame. A non-empty
// environment expression overrides the frame; with neither the global
// environment is used. Runtime errors are reported in the result, not as err.
func (s *Session) Evaluate(ctx context.Context, frame *StackFrame, expression, environment string) (EvaluationResult, error) {
	if err := s.checkOpen(); err != nil {
		return EvaluationResult{}, err
	}

	env := environment
	if env == "" {
		env = globalEnvironment
		if frame != nil {
			env = frameEnvironment(frame.RuntimeIndex)
		}
	}

	raw, err := s.evaluate(ctx, describeEvalExpr(expression, env))
	if err != nil {
		return EvaluationResult{}, err
	}
	return parseEvaluationResult(expression, raw)
}

// AddBreakpoint takes a reference on the breakpoint at loc. Before
// Initialize the reference is only recorded.
func (s *Session) AddBreakpoint(ctx context.Context, loc Location) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.breakpoints.Add(ctx, loc)
}

// RemoveBreakpoint drops a reference on the breakpoint at loc
func (s *Session) RemoveBreakpoint(ctx context.Context, loc Location) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.breakpoints.Remove(ctx, loc)
}

// Breakpoints returns the session's breakpoint registry
func (s *Session) Breakpoints() *BreakpointRegistry {
	return s.breakpoints
}

// Close detaches the session from its transport. Pending steps are
// cancelled and later operations fail with SESSION_DISPOSED. The transport
// itself is not closed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		s.CancelStep()

		s.mu.Lock()
		s.closed = true
		s.subscribers = make(map[int]func(Event))
		s.mu.Unlock()

		s.cancel()
		s.wg.Wait()
	})
	return nil
}
