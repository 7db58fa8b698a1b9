// Package hosttest provides a scripted runtime host speaking the websocket
// protocol, for tests of packages built on top of host.WebsocketTransport.
package hosttest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// ContextBrowser is the context flag of a break-mode prompt
const ContextBrowser = 16

// GlobalStack is a stack dump holding only the global frame
const GlobalStack = `[{"filename":null,"linenum":null,"is_global":true,"call":null}]`

type envelope struct {
	Type        string  `json:"type"`
	ID          uint64  `json:"id,omitempty"`
	Expr        string  `json:"expr,omitempty"`
	ParseStatus string  `json:"parseStatus,omitempty"`
	Error       string  `json:"error,omitempty"`
	Result      *string `json:"result,omitempty"`
	PromptID    uint64  `json:"promptId,omitempty"`
	Contexts    []int   `json:"contexts,omitempty"`
	Line        string  `json:"line,omitempty"`
	Visible     bool    `json:"visible,omitempty"`
}

// Host is a fake runtime host served over httptest
type Host struct {
	URL string

	server *httptest.Server
	ready  chan struct{}
	once   sync.Once

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu          sync.Mutex
	stack       string
	describe    string
	evalHook    func(expr string) (result string, errMsg string)
	respondHook func(line string)
	evaluations []string
	responses   []string
}

// New starts a host. Close it when done.
func New() *Host {
	h := &Host{
		ready:    make(chan struct{}),
		stack:    GlobalStack,
		describe: `{"expression":"","value":"NULL","type":"NULL","classes":["NULL"],"length":0,"has_children":false}`,
	}
	upgrader := websocket.Upgrader{}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.writeMu.Lock()
		h.conn = conn
		h.writeMu.Unlock()
		h.once.Do(func() { close(h.ready) })
		h.serve(conn)
	}))
	h.URL = "ws" + strings.TrimPrefix(h.server.URL, "http")
	return h
}

func (h *Host) serve(conn *websocket.Conn) {
	for {
		var msg envelope
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "evaluate":
			result, errMsg := h.evaluate(msg.Expr)
			reply := envelope{Type: "result", ID: msg.ID, ParseStatus: "OK", Error: errMsg}
			if errMsg == "" {
				reply.Result = &result
			}
			h.send(reply)
		case "respond":
			h.mu.Lock()
			h.responses = append(h.responses, msg.Line)
			hook := h.respondHook
			h.mu.Unlock()
			if hook != nil {
				go hook(msg.Line)
			}
		}
	}
}

func (h *Host) evaluate(expr string) (string, string) {
	h.mu.Lock()
	h.evaluations = append(h.evaluations, expr)
	hook := h.evalHook
	stack := h.stack
	describe := h.describe
	h.mu.Unlock()

	if hook != nil {
		return hook(expr)
	}
	switch {
	case strings.HasPrefix(expr, ".rdebug$stack_frames("):
		return stack, ""
	case strings.HasPrefix(expr, ".rdebug$describe_eval("):
		return describe, ""
	default:
		return "TRUE", ""
	}
}

func (h *Host) send(msg envelope) {
	<-h.ready
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = h.conn.WriteJSON(msg)
}

// Prompt makes the runtime wait at a prompt with the given context flags
func (h *Host) Prompt(id uint64, contexts ...int) {
	h.send(envelope{Type: "prompt", PromptID: id, Contexts: contexts})
}

// Resume reports that the runtime is executing again
func (h *Host) Resume() {
	h.send(envelope{Type: "resumed"})
}

// SetStack sets the stack dump returned by the stack helper
func (h *Host) SetStack(stack string) {
	h.mu.Lock()
	h.stack = stack
	h.mu.Unlock()
}

// SetDescribe sets the value description returned by the describe helper
func (h *Host) SetDescribe(describe string) {
	h.mu.Lock()
	h.describe = describe
	h.mu.Unlock()
}

// OnEvaluate overrides evaluation. A non-empty errMsg fails the evaluation.
func (h *Host) OnEvaluate(fn func(expr string) (result string, errMsg string)) {
	h.mu.Lock()
	h.evalHook = fn
	h.mu.Unlock()
}

// OnRespond is called, on its own goroutine, with every line sent to a prompt
func (h *Host) OnRespond(fn func(line string)) {
	h.mu.Lock()
	h.respondHook = fn
	h.mu.Unlock()
}

// Evaluations returns every expression evaluated so far
func (h *Host) Evaluations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.evaluations...)
}

// CountEvaluations counts evaluated expressions starting with prefix
func (h *Host) CountEvaluations(prefix string) int {
	n := 0
	for _, e := range h.Evaluations() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

// Responses returns every line sent to a prompt so far
func (h *Host) Responses() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.responses...)
}

// Disconnect drops the client connection
func (h *Host) Disconnect() {
	<-h.ready
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = h.conn.Close()
}

// Close stops the host
func (h *Host) Close() {
	h.writeMu.Lock()
	if h.conn != nil {
		_ = h.conn.Close()
	}
	h.writeMu.Unlock()
	h.server.Close()
}
