// Package host defines the contract rdebug consumes from a remote interactive
// runtime and provides a websocket implementation of it.
//
// A runtime host exposes two exclusive primitives:
//   - Evaluation: submit an expression, get back a parse status, an optional
//     error message and an optional textual result
//   - Interaction: claim the prompt the runtime is currently waiting at and
//     optionally answer it with one line of input
//
// Hosts also notify listeners when the runtime is about to wait at a prompt
// (BeforeRequest) and when it resumes executing (AfterRequest).
package host

import (
	"context"
	"errors"
)

// ParseStatus is the runtime's verdict on an evaluated expression
type ParseStatus string

const (
	ParseOK         ParseStatus = "OK"
	ParseNull       ParseStatus = "NULL"
	ParseIncomplete ParseStatus = "INCOMPLETE"
	ParseError      ParseStatus = "ERROR"
	ParseEOF        ParseStatus = "EOF"
)

// ContextFlags describes one entry of the runtime's context stack.
// Values follow the R evaluator's CTXT_* constants.
type ContextFlags int

const (
	ContextTopLevel ContextFlags = 0
	ContextNext     ContextFlags = 1
	ContextBreak    ContextFlags = 2
	ContextLoop     ContextFlags = 3
	ContextFunction ContextFlags = 4
	ContextCCode    ContextFlags = 8
	ContextReturn   ContextFlags = 12
	ContextBrowser  ContextFlags = 16
	ContextGeneric  ContextFlags = 20
	ContextRestart  ContextFlags = 32
	ContextBuiltin  ContextFlags = 64
)

// Has reports whether all bits of flag are set
func (c ContextFlags) Has(flag ContextFlags) bool {
	return c&flag == flag
}

// Prompt identifies one wait-for-input state of the runtime. IDs increase
// monotonically for the lifetime of a connection.
type Prompt struct {
	ID       uint64
	Contexts []ContextFlags
}

// EvaluationResult is the runtime's answer to an evaluation request.
// A nil Result means the runtime produced no value.
type EvaluationResult struct {
	ParseStatus ParseStatus
	Error       string
	Result      *string
}

// Failed reports whether the runtime rejected or failed the expression
func (r EvaluationResult) Failed() bool {
	return r.ParseStatus != ParseOK || r.Error != ""
}

// Listener receives runtime prompt notifications. Implementations must not
// block: notifications are delivered on the transport's read goroutine.
type Listener interface {
	// BeforeRequest is called when the runtime is about to wait at a prompt.
	BeforeRequest(prompt Prompt)
	// AfterRequest is called when the runtime resumes executing.
	AfterRequest()
}

// Evaluation is an exclusive evaluation handle. Close releases it and is
// safe to call more than once.
type Evaluation interface {
	Evaluate(ctx context.Context, expression string) (EvaluationResult, error)
	Close() error
}

// Interaction is an exclusive claim on the current prompt. Close releases it
// and is safe to call more than once.
type Interaction interface {
	Prompt() Prompt
	Respond(ctx context.Context, line string) error
	Close() error
}

// Transport is the runtime host contract.
type Transport interface {
	BeginEvaluation(ctx context.Context) (Evaluation, error)
	BeginInteraction(ctx context.Context, visible bool) (Interaction, error)
	Subscribe(listener Listener) (unsubscribe func())
}

var (
	// ErrClosed is returned by operations on a closed transport
	ErrClosed = errors.New("transport closed")
	// ErrPromptGone is returned when responding to a prompt that was already answered
	ErrPromptGone = errors.New("prompt is no longer pending")
	// ErrHandleReleased is returned when using a handle after Close
	ErrHandleReleased = errors.New("handle already released")
)
