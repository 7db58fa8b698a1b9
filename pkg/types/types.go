// Package types defines shared data types used across rdebug front ends.
//
// This package provides type definitions for:
//   - SessionStatus: debug session states (initializing, running, stopped, terminated)
//   - Request types: LaunchRequest, ConnectRequest
//   - Info types: SessionInfo, StackFrame, Breakpoint, EvaluateResult
//
// The MCP and DAP front ends render these instead of the internal debug
// types so that their JSON shape stays stable.
package types

import "time"

// SessionStatus represents the status of a debug session
type SessionStatus string

const (
	SessionStatusInitializing SessionStatus = "initializing"
	SessionStatusRunning      SessionStatus = "running"
	SessionStatusStopped      SessionStatus = "stopped"
	SessionStatusTerminated   SessionStatus = "terminated"
)

// LaunchRequest represents a request to spawn a runtime host and debug it
type LaunchRequest struct {
	HostPath string            `json:"hostPath,omitempty"`
	Args     []string          `json:"args,omitempty"`
	Cwd      string            `json:"cwd,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Script   string            `json:"script,omitempty"`
}

// ConnectRequest represents a request to connect to a running runtime host
type ConnectRequest struct {
	URL string `json:"url"`
}

// SessionInfo represents information about a debug session
type SessionInfo struct {
	SessionID    string        `json:"sessionId"`
	Status       SessionStatus `json:"status"`
	Address      string        `json:"address"`
	PID          int           `json:"pid,omitempty"`
	Script       string        `json:"script,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActivity time.Time     `json:"lastActivity"`
}

// StackFrame represents a stack frame
type StackFrame struct {
	ID           int         `json:"id"`
	Name         string      `json:"name"`
	Source       *SourceInfo `json:"source,omitempty"`
	Line         int         `json:"line"`
	Kind         string      `json:"kind"`
	RuntimeIndex int         `json:"runtimeIndex"`
	IsGlobal     bool        `json:"isGlobal,omitempty"`
}

// SourceInfo represents source file information
type SourceInfo struct {
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}

// Breakpoint represents a breakpoint
type Breakpoint struct {
	Verified   bool        `json:"verified"`
	Message    string      `json:"message,omitempty"`
	Source     *SourceInfo `json:"source,omitempty"`
	Line       int         `json:"line,omitempty"`
	References int         `json:"references"`
}

// EvaluateResult represents the result of evaluating an expression
type EvaluateResult struct {
	Expression  string   `json:"expression"`
	Result      string   `json:"result,omitempty"`
	Type        string   `json:"type,omitempty"`
	Classes     []string `json:"classes,omitempty"`
	Length      int      `json:"length,omitempty"`
	HasChildren bool     `json:"hasChildren,omitempty"`
	Error       string   `json:"error,omitempty"`
}
