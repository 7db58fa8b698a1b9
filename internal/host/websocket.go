package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

// message is the JSON envelope exchanged with a runtime host
type message struct {
	Type string `json:"type"`

	// evaluate / result
	ID          uint64  `json:"id,omitempty"`
	Expr        string  `json:"expr,omitempty"`
	ParseStatus string  `json:"parseStatus,omitempty"`
	Error       string  `json:"error,omitempty"`
	Result      *string `json:"result,omitempty"`

	// prompt / respond
	PromptID uint64         `json:"promptId,omitempty"`
	Contexts []ContextFlags `json:"contexts,omitempty"`
	Line     string         `json:"line,omitempty"`
	Visible  bool           `json:"visible,omitempty"`
}

const (
	msgEvaluate = "evaluate"
	msgResult   = "result"
	msgRespond  = "respond"
	msgPrompt   = "prompt"
	msgResumed  = "resumed"
)

type evalReply struct {
	result EvaluationResult
	err    error
}

// WebsocketTransport talks to a runtime host over a websocket connection
type WebsocketTransport struct {
	address string
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  *slog.Logger

	seq     *atomic.Uint64
	pending map[uint64]chan evalReply
	mu      sync.Mutex

	evalSem  chan struct{}
	interSem chan struct{}

	// current prompt, nil while the runtime is executing
	prompt         *Prompt
	promptAnswered bool
	promptChanged  chan struct{}

	listeners  map[int]Listener
	listenerID int

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// DialOption configures a WebsocketTransport
type DialOption func(*WebsocketTransport)

// WithLogger sets the transport logger
func WithLogger(logger *slog.Logger) DialOption {
	return func(t *WebsocketTransport) {
		t.logger = logger
	}
}

// Dial connects to a runtime host at a ws:// or wss:// address
func Dial(ctx context.Context, address string, opts ...DialOption) (*WebsocketTransport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to runtime host at %s: %w", address, err)
	}

	t := newWebsocketTransport(address, conn)
	for _, opt := range opts {
		opt(t)
	}

	t.wg.Add(1)
	go t.readLoop()

	return t, nil
}

func newWebsocketTransport(address string, conn *websocket.Conn) *WebsocketTransport {
	return &WebsocketTransport{
		address:       address,
		conn:          conn,
		logger:        slog.Default(),
		seq:           atomic.NewUint64(0),
		pending:       make(map[uint64]chan evalReply),
		evalSem:       make(chan struct{}, 1),
		interSem:      make(chan struct{}, 1),
		promptChanged: make(chan struct{}),
		listeners:     make(map[int]Listener),
		done:          make(chan struct{}),
	}
}

// Address returns the host address this transport is connected to
func (t *WebsocketTransport) Address() string {
	return t.address
}

// Done is closed once the connection is gone
func (t *WebsocketTransport) Done() <-chan struct{} {
	return t.done
}

// Subscribe registers a listener for prompt notifications
func (t *WebsocketTransport) Subscribe(listener Listener) func() {
	t.mu.Lock()
	id := t.listenerID
	t.listenerID++
	t.listeners[id] = listener
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

func (t *WebsocketTransport) snapshotListeners() []Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		out = append(out, l)
	}
	return out
}

// readLoop dispatches host messages until the connection fails
func (t *WebsocketTransport) readLoop() {
	defer t.wg.Done()

	for {
		var msg message
		if err := t.conn.ReadJSON(&msg); err != nil {
			select {
			case <-t.done:
			default:
				t.logger.Warn("runtime host connection lost", "address", t.address, "error", err)
				t.shutdown(err)
			}
			return
		}
		t.handleMessage(&msg)
	}
}

func (t *WebsocketTransport) handleMessage(msg *message) {
	switch msg.Type {
	case msgResult:
		t.mu.Lock()
		ch, ok := t.pending[msg.ID]
		delete(t.pending, msg.ID)
		t.mu.Unlock()
		if !ok {
			t.logger.Debug("dropping result for unknown request", "id", msg.ID)
			return
		}
		ch <- evalReply{result: EvaluationResult{
			ParseStatus: ParseStatus(msg.ParseStatus),
			Error:       msg.Error,
			Result:      msg.Result,
		}}

	case msgPrompt:
		prompt := Prompt{ID: msg.PromptID, Contexts: msg.Contexts}
		t.mu.Lock()
		t.prompt = &prompt
		t.promptAnswered = false
		close(t.promptChanged)
		t.promptChanged = make(chan struct{})
		t.mu.Unlock()
		for _, l := range t.snapshotListeners() {
			l.BeforeRequest(prompt)
		}

	case msgResumed:
		t.mu.Lock()
		t.prompt = nil
		t.mu.Unlock()
		for _, l := range t.snapshotListeners() {
			l.AfterRequest()
		}

	default:
		t.logger.Warn("unexpected message from runtime host", "type", msg.Type)
	}
}

func (t *WebsocketTransport) write(msg *message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write %s message: %w", msg.Type, err)
	}
	return nil
}

func acquire(ctx context.Context, sem chan struct{}, done <-chan struct{}) error {
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrClosed
	}
}

// BeginEvaluation waits for exclusive use of the evaluation channel
func (t *WebsocketTransport) BeginEvaluation(ctx context.Context) (Evaluation, error) {
	if err := acquire(ctx, t.evalSem, t.done); err != nil {
		return nil, err
	}
	return &wsEvaluation{t: t}, nil
}

// BeginInteraction waits for exclusive use of the interaction channel and
// for the runtime to be waiting at a prompt that has not been answered yet.
func (t *WebsocketTransport) BeginInteraction(ctx context.Context, visible bool) (Interaction, error) {
	if err := acquire(ctx, t.interSem, t.done); err != nil {
		return nil, err
	}

	for {
		t.mu.Lock()
		if t.prompt != nil && !t.promptAnswered {
			prompt := *t.prompt
			t.mu.Unlock()
			return &wsInteraction{t: t, prompt: prompt, visible: visible}, nil
		}
		changed := t.promptChanged
		t.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			<-t.interSem
			return nil, ctx.Err()
		case <-t.done:
			<-t.interSem
			return nil, ErrClosed
		}
	}
}

// Close closes the connection and fails every waiter
func (t *WebsocketTransport) Close() error {
	t.shutdown(ErrClosed)
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

func (t *WebsocketTransport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.closeErr = cause
		close(t.done)

		t.mu.Lock()
		for id, ch := range t.pending {
			ch <- evalReply{err: fmt.Errorf("runtime host %s: %w", t.address, cause)}
			delete(t.pending, id)
		}
		t.mu.Unlock()
	})
}

type wsEvaluation struct {
	t        *WebsocketTransport
	once     sync.Once
	released bool
}

func (e *wsEvaluation) Evaluate(ctx context.Context, expression string) (EvaluationResult, error) {
	if e.released {
		return EvaluationResult{}, ErrHandleReleased
	}
	t := e.t

	id := t.seq.Inc()
	ch := make(chan evalReply, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.write(&message{Type: msgEvaluate, ID: id, Expr: expression}); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return EvaluationResult{}, err
	}

	select {
	case reply := <-ch:
		return reply.result, reply.err
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return EvaluationResult{}, ctx.Err()
	case <-t.done:
		return EvaluationResult{}, ErrClosed
	}
}

func (e *wsEvaluation) Close() error {
	e.once.Do(func() {
		e.released = true
		<-e.t.evalSem
	})
	return nil
}

type wsInteraction struct {
	t        *WebsocketTransport
	prompt   Prompt
	visible  bool
	once     sync.Once
	released bool
}

func (i *wsInteraction) Prompt() Prompt {
	return i.prompt
}

func (i *wsInteraction) Respond(ctx context.Context, line string) error {
	if i.released {
		return ErrHandleReleased
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t := i.t

	t.mu.Lock()
	if t.prompt == nil || t.prompt.ID != i.prompt.ID || t.promptAnswered {
		t.mu.Unlock()
		return ErrPromptGone
	}
	t.promptAnswered = true
	t.mu.Unlock()

	return t.write(&message{
		Type:     msgRespond,
		PromptID: i.prompt.ID,
		Line:     line,
		Visible:  i.visible,
	})
}

func (i *wsInteraction) Close() error {
	i.once.Do(func() {
		i.released = true
		<-i.t.interSem
	})
	return nil
}
