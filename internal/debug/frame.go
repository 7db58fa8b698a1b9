package debug

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/ctagard/rdebug/internal/errors"
)

// FrameKind classifies a stack frame relative to the breakpoint machinery
type FrameKind int

const (
	// FrameKindNormal is an ordinary user frame
	FrameKindNormal FrameKind = iota
	// FrameKindDoTrace is the tracer call injected at a breakpoint
	FrameKindDoTrace
	// FrameKindTracebackAfterBreakpoint is the frame the tracer stopped in
	FrameKindTracebackAfterBreakpoint
	// FrameKindUnknown marks a record that could not be parsed
	FrameKindUnknown
)

func (k FrameKind) String() string {
	switch k {
	case FrameKindNormal:
		return "normal"
	case FrameKindDoTrace:
		return "doTrace"
	case FrameKindTracebackAfterBreakpoint:
		return "tracebackAfterBreakpoint"
	default:
		return "unknown"
	}
}

// StackFrame is one frame of a fetched call stack. Frames of one fetch share
// an arena; Index 0 is the innermost frame.
type StackFrame struct {
	// Index is the position in the fetched list, innermost first
	Index int
	// RuntimeIndex is the position in the runtime's own outermost-first order,
	// usable as sys.frame(RuntimeIndex)
	RuntimeIndex int
	// Call is the text of the expression that created the frame
	Call     string
	IsGlobal bool
	Kind     FrameKind
	// Fallback is the retained breakpoint hit frame at the same index, if any
	Fallback *StackFrame

	location     Location
	callingIndex int
	arena        []*StackFrame
	session      *Session
}

// Location returns the frame's source position. The fallback frame's
// location takes precedence when it has one.
func (f *StackFrame) Location() (Location, bool) {
	if f.Fallback != nil {
		if loc, ok := f.Fallback.Location(); ok {
			return loc, true
		}
	}
	if f.location.Known() {
		return f.location, true
	}
	return Location{}, false
}

// CallingFrame returns the frame that called this one, nil for the outermost
func (f *StackFrame) CallingFrame() *StackFrame {
	if f.callingIndex < 0 || f.callingIndex >= len(f.arena) {
		return nil
	}
	return f.arena[f.callingIndex]
}

// Session returns the session the frame was fetched from
func (f *StackFrame) Session() *Session {
	return f.session
}

// Name is a short label for display
func (f *StackFrame) Name() string {
	if f.IsGlobal {
		return "<global>"
	}
	if f.Call == "" {
		return "<unknown>"
	}
	return f.Call
}

// detached copies the frame without its fallback so retained hit frames never chain
func (f *StackFrame) detached() *StackFrame {
	c := *f
	c.Fallback = nil
	return &c
}

type frameRecord struct {
	filename string
	linenum  int
	isGlobal bool
	call     string
}

// fetchFrames asks the runtime for its call stack and builds the frame list
func (s *Session) fetchFrames(ctx context.Context, hit *StackFrame) ([]*StackFrame, error) {
	raw, err := s.evaluate(ctx, stackFramesExpr())
	if err != nil {
		return nil, err
	}
	return parseFrames(raw, hit, s, s.logger.Warn)
}

// parseFrames builds the frame arena from the stack helper's JSON output.
// Records arrive outermost first; the result is innermost first.
func parseFrames(raw string, hit *StackFrame, s *Session, warn func(msg string, args ...any)) ([]*StackFrame, error) {
	if raw == "" {
		return nil, errors.MalformedData("stack frames", fmt.Errorf("empty result"))
	}
	if !gjson.Valid(raw) {
		return nil, errors.MalformedData("stack frames", fmt.Errorf("invalid JSON"))
	}
	doc := gjson.Parse(raw)
	if !doc.IsArray() {
		return nil, errors.MalformedData("stack frames", fmt.Errorf("expected an array, got %s", doc.Type))
	}

	records := doc.Array()
	n := len(records)
	arena := make([]*StackFrame, n)

	var calling *StackFrame
	for pos, rec := range records {
		frame := &StackFrame{
			Index:        n - 1 - pos,
			RuntimeIndex: pos,
			callingIndex: -1,
			arena:        arena,
			session:      s,
		}
		if calling != nil {
			frame.callingIndex = calling.Index
		}

		parsed, err := parseFrameRecord(rec)
		if err != nil {
			if warn != nil {
				warn("malformed stack frame record", "position", pos, "error", err)
			}
			frame.Kind = FrameKindUnknown
		} else {
			frame.Call = parsed.call
			frame.IsGlobal = parsed.isGlobal
			frame.location = Location{File: parsed.filename, Line: parsed.linenum}
			frame.Kind = classifyFrame(parsed.call, calling)
		}

		if frame.Kind == FrameKindTracebackAfterBreakpoint && !frame.location.Known() {
			if loc, ok := ParseTracerCall(calling.Call); ok {
				frame.location = loc
			}
		}
		// the retained frame is the trampoline, so only its location is borrowed
		if hit != nil && hit.Index == frame.Index {
			frame.Fallback = hit
		}

		arena[frame.Index] = frame
		calling = frame
	}

	return arena, nil
}

func classifyFrame(call string, calling *StackFrame) FrameKind {
	if _, ok := ParseTracerCall(call); ok {
		return FrameKindDoTrace
	}
	if calling != nil && calling.Kind == FrameKindDoTrace {
		return FrameKindTracebackAfterBreakpoint
	}
	return FrameKindNormal
}

func parseFrameRecord(rec gjson.Result) (frameRecord, error) {
	var out frameRecord
	if !rec.IsObject() {
		return out, fmt.Errorf("expected an object, got %s", rec.Type)
	}

	filename := rec.Get("filename")
	switch filename.Type {
	case gjson.Null:
	case gjson.String:
		out.filename = filename.Str
	default:
		return out, fmt.Errorf("filename: expected string, got %s", filename.Type)
	}

	linenum := rec.Get("linenum")
	switch linenum.Type {
	case gjson.Null:
	case gjson.Number:
		if linenum.Num != float64(int(linenum.Num)) || linenum.Num < 0 {
			return out, fmt.Errorf("linenum: %s is not a line number", linenum.Raw)
		}
		out.linenum = int(linenum.Num)
	default:
		return out, fmt.Errorf("linenum: expected number, got %s", linenum.Type)
	}

	isGlobal := rec.Get("is_global")
	switch isGlobal.Type {
	case gjson.Null:
	case gjson.True, gjson.False:
		out.isGlobal = isGlobal.Bool()
	default:
		return out, fmt.Errorf("is_global: expected boolean, got %s", isGlobal.Type)
	}

	call := rec.Get("call")
	switch call.Type {
	case gjson.Null:
	case gjson.String:
		out.call = call.Str
	default:
		return out, fmt.Errorf("call: expected string, got %s", call.Type)
	}

	return out, nil
}
