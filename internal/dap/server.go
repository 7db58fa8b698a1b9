package dap

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/go-dap"

	"github.com/ctagard/rdebug/internal/debug"
	"github.com/ctagard/rdebug/internal/errors"
	"github.com/ctagard/rdebug/internal/sessions"
	"github.com/ctagard/rdebug/pkg/types"
)

// threadID is the only thread an R runtime has
const threadID = 1

// Error ids sent in error responses
const (
	errIDNoSession   = 1001
	errIDUnsupported = 1002
	errIDFailed      = 1003
)

// Options controls what a DAP client may do
type Options struct {
	AllowSpawn    bool
	AllowConnect  bool
	AllowEvaluate bool
	// DefaultURL is used by attach requests without a url
	DefaultURL string
}

// launchArguments are the custom arguments of a launch request
type launchArguments struct {
	Script   string            `json:"script"`
	HostPath string            `json:"hostPath"`
	Args     []string          `json:"args"`
	Cwd      string            `json:"cwd"`
	Env      map[string]string `json:"env"`
}

// attachArguments are the custom arguments of an attach request
type attachArguments struct {
	URL string `json:"url"`
}

// Server answers one DAP client against one debug session
type Server struct {
	transport *Transport
	opener    *sessions.Opener
	opts      Options
	logger    *slog.Logger

	mu          sync.Mutex
	session     *sessions.Session
	dbg         *debug.Session
	unsubscribe func()
	// breakpoint lines per source path, as last set by the client
	breakpoints map[string][]int
	frames      []*debug.StackFrame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server for one client connection
func NewServer(transport *Transport, opener *sessions.Opener, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		transport:   transport,
		opener:      opener,
		opts:        opts,
		logger:      logger,
		breakpoints: make(map[string][]int),
	}
}

// Serve handles requests until the client disconnects or ctx is done
func (s *Server) Serve(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.shutdown()

	go func() {
		<-s.ctx.Done()
		_ = s.transport.Close()
	}()

	for {
		msg, err := s.transport.Receive()
		if err != nil {
			if stderrors.Is(err, io.EOF) || s.ctx.Err() != nil {
				return nil
			}
			return err
		}

		req, ok := msg.(dap.RequestMessage)
		if !ok {
			s.logger.Warn("ignoring non-request DAP message", "seq", msg.GetSeq())
			continue
		}
		if done := s.dispatch(req); done {
			return nil
		}
	}
}

func (s *Server) shutdown() {
	s.cancel()

	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	session := s.session
	s.session = nil
	s.dbg = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if session != nil {
		if err := s.opener.Manager.TerminateSession(session.ID); err != nil && !errors.HasCode(err, errors.CodeSessionNotFound) {
			s.logger.Warn("failed to terminate session", "session", session.ID, "error", err)
		}
	}
	s.wg.Wait()
}

// dispatch handles one request and reports whether the client is done
func (s *Server) dispatch(msg dap.RequestMessage) bool {
	switch req := msg.(type) {
	case *dap.InitializeRequest:
		s.onInitialize(req)
	case *dap.LaunchRequest:
		s.onLaunch(req)
	case *dap.AttachRequest:
		s.onAttach(req)
	case *dap.ConfigurationDoneRequest:
		s.send(&dap.ConfigurationDoneResponse{Response: newResponse(req.Request)})
	case *dap.SetBreakpointsRequest:
		s.onSetBreakpoints(req)
	case *dap.ThreadsRequest:
		s.send(&dap.ThreadsResponse{
			Response: newResponse(req.Request),
			Body:     dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: threadID, Name: "R"}}},
		})
	case *dap.StackTraceRequest:
		s.onStackTrace(req)
	case *dap.ScopesRequest:
		s.send(&dap.ScopesResponse{
			Response: newResponse(req.Request),
			Body:     dap.ScopesResponseBody{Scopes: []dap.Scope{}},
		})
	case *dap.EvaluateRequest:
		s.onEvaluate(req)
	case *dap.NextRequest:
		s.onStep(req.Request, &dap.NextResponse{Response: newResponse(req.Request)}, (*debug.Session).StepOver)
	case *dap.StepInRequest:
		s.onStep(req.Request, &dap.StepInResponse{Response: newResponse(req.Request)}, (*debug.Session).StepInto)
	case *dap.StepOutRequest:
		s.onStep(req.Request, &dap.StepOutResponse{Response: newResponse(req.Request)}, (*debug.Session).StepOut)
	case *dap.ContinueRequest:
		s.onContinue(req)
	case *dap.PauseRequest:
		s.sendError(req.Request, errIDUnsupported, "pausing a running R session is not supported")
	case *dap.DisconnectRequest:
		s.send(&dap.DisconnectResponse{Response: newResponse(req.Request)})
		return true
	default:
		r := msg.GetRequest()
		s.sendError(*r, errIDUnsupported, fmt.Sprintf("unsupported request %q", r.Command))
	}
	return false
}

func newResponse(req dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		Command:         req.Command,
		RequestSeq:      req.Seq,
		Success:         true,
	}
}

func newEvent(event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Type: "event"},
		Event:           event,
	}
}

func (s *Server) send(msg dap.Message) {
	if err := s.transport.Send(msg); err != nil {
		s.logger.Warn("failed to send DAP message", "error", err)
	}
}

func (s *Server) sendError(req dap.Request, id int, message string) {
	resp := &dap.ErrorResponse{Response: newResponse(req)}
	resp.Success = false
	resp.Message = message
	resp.Body.Error = &dap.ErrorMessage{Id: id, Format: message, ShowUser: true}
	s.send(resp)
}

func (s *Server) sendErr(req dap.Request, err error) {
	s.sendError(req, errIDFailed, err.Error())
}

func (s *Server) current() (*debug.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dbg, s.dbg != nil
}

func (s *Server) onInitialize(req *dap.InitializeRequest) {
	s.send(&dap.InitializeResponse{
		Response: newResponse(req.Request),
		Body: dap.Capabilities{
			SupportsConfigurationDoneRequest: true,
			SupportsEvaluateForHovers:        s.opts.AllowEvaluate,
		},
	})
	s.send(&dap.InitializedEvent{Event: newEvent("initialized")})
}

func (s *Server) onLaunch(req *dap.LaunchRequest) {
	if !s.opts.AllowSpawn {
		s.sendErr(req.Request, errors.PermissionDenied("spawn", "current"))
		return
	}
	var args launchArguments
	if len(req.Arguments) > 0 {
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			s.sendErr(req.Request, errors.InvalidJSON("arguments", err, `{"script": "analysis.R"}`))
			return
		}
	}

	session, err := s.opener.Launch(s.ctx, types.LaunchRequest{
		HostPath: args.HostPath,
		Args:     args.Args,
		Cwd:      args.Cwd,
		Env:      args.Env,
		Script:   args.Script,
	})
	if err != nil {
		s.sendErr(req.Request, err)
		return
	}
	s.bind(session)
	s.send(&dap.LaunchResponse{Response: newResponse(req.Request)})
}

func (s *Server) onAttach(req *dap.AttachRequest) {
	if !s.opts.AllowConnect {
		s.sendErr(req.Request, errors.PermissionDenied("connect", "current"))
		return
	}
	var args attachArguments
	if len(req.Arguments) > 0 {
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			s.sendErr(req.Request, errors.InvalidJSON("arguments", err, `{"url": "ws://127.0.0.1:8765"}`))
			return
		}
	}
	if args.URL == "" {
		args.URL = s.opts.DefaultURL
	}

	session, err := s.opener.Connect(s.ctx, args.URL)
	if err != nil {
		s.sendErr(req.Request, err)
		return
	}
	s.bind(session)
	s.send(&dap.AttachResponse{Response: newResponse(req.Request)})
}

// bind makes session the server's session and forwards its events
func (s *Server) bind(session *sessions.Session) {
	dbg := session.Debug()
	unsubscribe := dbg.Subscribe(s.onDebugEvent)

	s.mu.Lock()
	previous := s.session
	s.session = session
	s.dbg = dbg
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	if previous != nil {
		_ = s.opener.Manager.TerminateSession(previous.ID)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-session.Done():
			s.mu.Lock()
			lost := s.session == session
			s.mu.Unlock()
			if lost {
				s.send(&dap.TerminatedEvent{Event: newEvent("terminated")})
			}
		case <-s.ctx.Done():
		}
	}()
}

func (s *Server) onDebugEvent(ev debug.Event) {
	switch ev.Kind {
	case debug.EventPaused:
		s.mu.Lock()
		s.frames = nil
		s.mu.Unlock()
		s.send(&dap.StoppedEvent{
			Event: newEvent("stopped"),
			Body: dap.StoppedEventBody{
				Reason:            ev.Reason,
				ThreadId:          threadID,
				AllThreadsStopped: true,
			},
		})
	case debug.EventResumed:
		s.send(&dap.ContinuedEvent{
			Event: newEvent("continued"),
			Body:  dap.ContinuedEventBody{ThreadId: threadID, AllThreadsContinued: true},
		})
	case debug.EventBreakpointHit:
		s.send(&dap.OutputEvent{
			Event: newEvent("output"),
			Body: dap.OutputEventBody{
				Category: "console",
				Output:   fmt.Sprintf("Breakpoint hit at %s\n", ev.Location),
			},
		})
	}
}

func (s *Server) onSetBreakpoints(req *dap.SetBreakpointsRequest) {
	dbg, ok := s.current()
	if !ok {
		s.sendError(req.Request, errIDNoSession, "no debug session: launch or attach first")
		return
	}

	path := req.Arguments.Source.Path
	if path == "" {
		path = req.Arguments.Source.Name
	}
	wanted := make([]int, 0, len(req.Arguments.Breakpoints))
	for _, bp := range req.Arguments.Breakpoints {
		wanted = append(wanted, bp.Line)
	}

	s.mu.Lock()
	previous := s.breakpoints[path]
	s.mu.Unlock()

	added, removed := diffLines(previous, wanted)
	failed := make(map[int]error)
	kept := make(map[int]bool)
	for _, line := range previous {
		kept[line] = true
	}

	for _, line := range removed {
		if _, err := dbg.RemoveBreakpoint(s.ctx, debug.Location{File: path, Line: line}); err != nil {
			s.logger.Warn("failed to remove breakpoint", "file", path, "line", line, "error", err)
			continue
		}
		delete(kept, line)
	}
	for _, line := range added {
		if _, err := dbg.AddBreakpoint(s.ctx, debug.Location{File: path, Line: line}); err != nil {
			failed[line] = err
			continue
		}
		kept[line] = true
	}

	current := make([]int, 0, len(kept))
	for line := range kept {
		current = append(current, line)
	}
	sort.Ints(current)
	s.mu.Lock()
	if len(current) == 0 {
		delete(s.breakpoints, path)
	} else {
		s.breakpoints[path] = current
	}
	s.mu.Unlock()

	source := req.Arguments.Source
	result := make([]dap.Breakpoint, 0, len(wanted))
	for _, line := range wanted {
		bp := dap.Breakpoint{Verified: true, Line: line, Source: &source}
		if err := failed[line]; err != nil {
			bp.Verified = false
			bp.Message = err.Error()
		}
		result = append(result, bp)
	}

	s.send(&dap.SetBreakpointsResponse{
		Response: newResponse(req.Request),
		Body:     dap.SetBreakpointsResponseBody{Breakpoints: result},
	})
}

// diffLines returns the lines only in wanted and the lines only in previous
func diffLines(previous, wanted []int) (added, removed []int) {
	prev := make(map[int]bool, len(previous))
	for _, l := range previous {
		prev[l] = true
	}
	want := make(map[int]bool, len(wanted))
	for _, l := range wanted {
		if !want[l] && !prev[l] {
			added = append(added, l)
		}
		want[l] = true
	}
	for _, l := range previous {
		if !want[l] {
			removed = append(removed, l)
		}
	}
	return added, removed
}

func (s *Server) onStackTrace(req *dap.StackTraceRequest) {
	dbg, ok := s.current()
	if !ok {
		s.sendError(req.Request, errIDNoSession, "no debug session: launch or attach first")
		return
	}

	frames, err := dbg.GetStackFrames(s.ctx)
	if err != nil {
		s.sendErr(req.Request, err)
		return
	}
	s.mu.Lock()
	s.frames = frames
	s.mu.Unlock()

	start := req.Arguments.StartFrame
	if start < 0 || start > len(frames) {
		start = len(frames)
	}
	end := len(frames)
	if levels := req.Arguments.Levels; levels > 0 && start+levels < end {
		end = start + levels
	}

	out := make([]dap.StackFrame, 0, end-start)
	for _, f := range frames[start:end] {
		sf := dap.StackFrame{Id: frameID(f), Name: f.Name()}
		if loc, ok := f.Location(); ok {
			src := sessions.SourceView(loc.File)
			sf.Source = &dap.Source{Name: src.Name, Path: src.Path}
			sf.Line = loc.Line
			sf.Column = 1
		}
		out = append(out, sf)
	}

	s.send(&dap.StackTraceResponse{
		Response: newResponse(req.Request),
		Body:     dap.StackTraceResponseBody{StackFrames: out, TotalFrames: len(frames)},
	})
}

// frameID maps a frame to a DAP id; DAP reserves 0
func frameID(f *debug.StackFrame) int {
	return f.Index + 1
}

func (s *Server) frameByID(id int) *debug.StackFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := id - 1
	if idx < 0 || idx >= len(s.frames) {
		return nil
	}
	return s.frames[idx]
}

func (s *Server) onEvaluate(req *dap.EvaluateRequest) {
	dbg, ok := s.current()
	if !ok {
		s.sendError(req.Request, errIDNoSession, "no debug session: launch or attach first")
		return
	}
	if !s.opts.AllowEvaluate {
		s.sendErr(req.Request, errors.PermissionDenied("evaluate", "current"))
		return
	}

	var frame *debug.StackFrame
	if req.Arguments.FrameId > 0 {
		frame = s.frameByID(req.Arguments.FrameId)
		if frame == nil {
			s.sendError(req.Request, errIDFailed, fmt.Sprintf("unknown frame %d: request a stack trace first", req.Arguments.FrameId))
			return
		}
	}

	res, err := dbg.Evaluate(s.ctx, frame, req.Arguments.Expression, "")
	if err != nil {
		s.sendErr(req.Request, err)
		return
	}
	if !res.Succeeded() {
		s.sendError(req.Request, errIDFailed, res.Error)
		return
	}

	s.send(&dap.EvaluateResponse{
		Response: newResponse(req.Request),
		Body: dap.EvaluateResponseBody{
			Result: res.Value.Value,
			Type:   res.Value.TypeName,
		},
	})
}

// onStep acknowledges the request and runs the step in the background; the
// stopped event that ends it comes from the session
func (s *Server) onStep(req dap.Request, resp dap.Message, step func(*debug.Session, context.Context) error) {
	dbg, ok := s.current()
	if !ok {
		s.sendError(req, errIDNoSession, "no debug session: launch or attach first")
		return
	}

	s.send(resp)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := step(dbg, s.ctx); err != nil && !errors.HasCode(err, errors.CodeStepCancelled) && s.ctx.Err() == nil {
			s.logger.Warn("step failed", "command", req.Command, "error", err)
			s.send(&dap.OutputEvent{
				Event: newEvent("output"),
				Body:  dap.OutputEventBody{Category: "stderr", Output: fmt.Sprintf("%s failed: %v\n", req.Command, err)},
			})
		}
	}()
}

func (s *Server) onContinue(req *dap.ContinueRequest) {
	dbg, ok := s.current()
	if !ok {
		s.sendError(req.Request, errIDNoSession, "no debug session: launch or attach first")
		return
	}
	if err := dbg.Continue(s.ctx); err != nil {
		s.sendErr(req.Request, err)
		return
	}
	s.send(&dap.ContinueResponse{
		Response: newResponse(req.Request),
		Body:     dap.ContinueResponseBody{AllThreadsContinued: true},
	})
}
