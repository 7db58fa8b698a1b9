// Package mcp provides the Model Context Protocol (MCP) server implementation.
//
// This package exposes R debug sessions through MCP tools:
//
// Session Management (always available):
//   - debug_launch: Spawn a runtime host and open a session on it
//   - debug_connect: Open a session on a running runtime host
//   - debug_disconnect: Terminate a session
//   - debug_list_sessions: List active sessions
//   - debug_list_configs: List R configurations from launch.json
//
// Inspection (always available):
//   - debug_stack: Get the call stack of a paused runtime
//   - debug_evaluate: Evaluate expressions in a frame
//
// Control (full mode only):
//   - debug_breakpoints: Add, remove or list breakpoints
//   - debug_step: Step into, over or out
//   - debug_cancel_step: Give up on a pending step
//   - debug_continue: Resume execution
package mcp

import (
	"log/slog"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ctagard/rdebug/internal/config"
	"github.com/ctagard/rdebug/internal/sessions"
	"github.com/ctagard/rdebug/internal/version"
)

// Server wraps the MCP server with debugging capabilities
type Server struct {
	mcpServer *server.MCPServer
	opener    *sessions.Opener
	config    *config.Config
	logger    *slog.Logger
	toolNames []string
}

// NewServer creates an MCP server that opens sessions through opener
func NewServer(cfg *config.Config, opener *sessions.Opener, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mcpServer := server.NewMCPServer(
		"rdebug",
		version.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer: mcpServer,
		opener:    opener,
		config:    cfg,
		logger:    logger,
	}
	s.registerTools()

	return s
}

// ServeStdio starts the server using stdio transport
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Close terminates every session
func (s *Server) Close() {
	s.opener.Manager.Close()
}

// MCPServer returns the underlying MCP server
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
	s.toolNames = append(s.toolNames, tool.Name)
}

// ToolNames returns the names of the registered tools, sorted
func (s *Server) ToolNames() []string {
	names := append([]string(nil), s.toolNames...)
	sort.Strings(names)
	return names
}
