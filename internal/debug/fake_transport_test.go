package debug

import (
	"context"
	"strings"
	"sync"

	"github.com/ctagard/rdebug/internal/host"
)

type fakeResponse struct {
	promptID uint64
	line     string
}

// fakeTransport is a scripted runtime host. Tests set the stack the stack
// helper reports and hook Respond to present follow-up prompts.
type fakeTransport struct {
	mu       sync.Mutex
	evalSem  chan struct{}
	interSem chan struct{}

	prompt   *host.Prompt
	answered bool
	changed  chan struct{}

	listeners map[int]host.Listener
	nextID    int

	stack     string
	describe  string
	evalFn    func(expr string) (host.EvaluationResult, error)
	onRespond func(line string)

	evals     []string
	responses []fakeResponse
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		evalSem:   make(chan struct{}, 1),
		interSem:  make(chan struct{}, 1),
		changed:   make(chan struct{}),
		listeners: make(map[int]host.Listener),
		stack:     `[{"filename":null,"linenum":null,"is_global":true,"call":null}]`,
	}
}

func okResult(s string) host.EvaluationResult {
	return host.EvaluationResult{ParseStatus: host.ParseOK, Result: &s}
}

func (f *fakeTransport) setStack(stack string) {
	f.mu.Lock()
	f.stack = stack
	f.mu.Unlock()
}

func (f *fakeTransport) setDescribe(raw string) {
	f.mu.Lock()
	f.describe = raw
	f.mu.Unlock()
}

func (f *fakeTransport) setEvalFn(fn func(expr string) (host.EvaluationResult, error)) {
	f.mu.Lock()
	f.evalFn = fn
	f.mu.Unlock()
}

func (f *fakeTransport) setOnRespond(fn func(line string)) {
	f.mu.Lock()
	f.onRespond = fn
	f.mu.Unlock()
}

func (f *fakeTransport) snapshotListeners() []host.Listener {
	out := make([]host.Listener, 0, len(f.listeners))
	for _, l := range f.listeners {
		out = append(out, l)
	}
	return out
}

// present makes the runtime wait at a new prompt and notifies listeners
func (f *fakeTransport) present(id uint64, contexts ...host.ContextFlags) {
	f.mu.Lock()
	f.setPromptLocked(id, contexts)
	listeners := f.snapshotListeners()
	f.mu.Unlock()

	for _, l := range listeners {
		l.BeforeRequest(host.Prompt{ID: id, Contexts: contexts})
	}
}

// presentSilently changes the current prompt without notifying anyone
func (f *fakeTransport) presentSilently(id uint64, contexts ...host.ContextFlags) {
	f.mu.Lock()
	f.setPromptLocked(id, contexts)
	f.mu.Unlock()
}

func (f *fakeTransport) setPromptLocked(id uint64, contexts []host.ContextFlags) {
	f.prompt = &host.Prompt{ID: id, Contexts: contexts}
	f.answered = false
	close(f.changed)
	f.changed = make(chan struct{})
}

// resume marks the runtime as executing and notifies listeners
func (f *fakeTransport) resume() {
	f.mu.Lock()
	f.prompt = nil
	listeners := f.snapshotListeners()
	f.mu.Unlock()

	for _, l := range listeners {
		l.AfterRequest()
	}
}

func (f *fakeTransport) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *fakeTransport) evaluations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.evals...)
}

func (f *fakeTransport) countEvaluations(prefix string) int {
	n := 0
	for _, e := range f.evaluations() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeTransport) responded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.responses))
	for _, r := range f.responses {
		out = append(out, r.line)
	}
	return out
}

func (f *fakeTransport) BeginEvaluation(ctx context.Context) (host.Evaluation, error) {
	select {
	case f.evalSem <- struct{}{}:
		return &fakeEvaluation{f: f}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) BeginInteraction(ctx context.Context, visible bool) (host.Interaction, error) {
	select {
	case f.interSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for {
		f.mu.Lock()
		if f.prompt != nil && !f.answered {
			prompt := *f.prompt
			f.mu.Unlock()
			return &fakeInteraction{f: f, prompt: prompt}, nil
		}
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			<-f.interSem
			return nil, ctx.Err()
		}
	}
}

func (f *fakeTransport) Subscribe(listener host.Listener) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = listener
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) handleEval(expr string) (host.EvaluationResult, error) {
	f.mu.Lock()
	f.evals = append(f.evals, expr)
	fn := f.evalFn
	stack := f.stack
	describe := f.describe
	f.mu.Unlock()

	if fn != nil {
		return fn(expr)
	}
	switch {
	case expr == stackFramesExpr():
		return okResult(stack), nil
	case strings.HasPrefix(expr, ".rdebug$describe_eval("):
		return okResult(describe), nil
	default:
		return okResult("TRUE"), nil
	}
}

type fakeEvaluation struct {
	f    *fakeTransport
	once sync.Once
}

func (e *fakeEvaluation) Evaluate(ctx context.Context, expression string) (host.EvaluationResult, error) {
	if err := ctx.Err(); err != nil {
		return host.EvaluationResult{}, err
	}
	return e.f.handleEval(expression)
}

func (e *fakeEvaluation) Close() error {
	e.once.Do(func() { <-e.f.evalSem })
	return nil
}

type fakeInteraction struct {
	f      *fakeTransport
	prompt host.Prompt
	once   sync.Once
}

func (i *fakeInteraction) Prompt() host.Prompt {
	return i.prompt
}

func (i *fakeInteraction) Respond(ctx context.Context, line string) error {
	f := i.f
	f.mu.Lock()
	if f.prompt == nil || f.prompt.ID != i.prompt.ID || f.answered {
		f.mu.Unlock()
		return host.ErrPromptGone
	}
	f.answered = true
	f.responses = append(f.responses, fakeResponse{promptID: i.prompt.ID, line: line})
	hook := f.onRespond
	f.mu.Unlock()

	if hook != nil {
		hook(line)
	}
	return nil
}

func (i *fakeInteraction) Close() error {
	i.once.Do(func() { <-i.f.interSem })
	return nil
}
