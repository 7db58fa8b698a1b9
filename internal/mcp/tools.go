package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// registerTools registers the debug tool API
func (s *Server) registerTools() {
	// Session Management
	s.registerDebugLaunch()
	s.registerDebugConnect()
	s.registerDebugDisconnect()
	s.registerDebugListSessions()
	s.registerDebugListConfigs()

	// Inspection
	s.registerDebugStack()
	s.registerDebugEvaluate()

	// Control (full mode only)
	if s.config.CanUseControlTools() {
		s.registerDebugBreakpoints()
		s.registerDebugStep()
		s.registerDebugCancelStep()
		s.registerDebugContinue()
	}
}

// Session Management Tools

func (s *Server) registerDebugLaunch() {
	tool := mcp.NewTool("debug_launch",
		mcp.WithDescription("Spawn an R runtime host and open a debug session on it. Use direct arguments OR reference an R-Debugger configuration in a VS Code launch.json. Returns the sessionId needed by all other tools."),
		mcp.WithString("script",
			mcp.Description("Path of the R script the host sources after starting. Not required if configName is provided."),
		),
		mcp.WithString("hostPath",
			mcp.Description("Runtime host executable (default: from server configuration)"),
		),
		mcp.WithString("args",
			mcp.Description("JSON array of extra host arguments, e.g. [\"--vanilla\"]"),
		),
		mcp.WithString("cwd",
			mcp.Description("Working directory of the runtime host"),
		),
		mcp.WithString("env",
			mcp.Description("JSON object of environment variables, e.g. {\"R_LIBS\": \"/opt/lib\"}"),
		),
		mcp.WithString("configName",
			mcp.Description("Name of an R-Debugger launch configuration in launch.json"),
		),
		mcp.WithString("configPath",
			mcp.Description("Path to launch.json. Auto-discovered from workspace if not provided."),
		),
		mcp.WithString("workspace",
			mcp.Description("Workspace root for ${workspaceFolder} and launch.json discovery"),
		),
		mcp.WithString("inputValues",
			mcp.Description("JSON object with values for ${input:} variables in launch.json"),
		),
	)
	s.addTool(tool, s.handleDebugLaunch)
}

func (s *Server) registerDebugConnect() {
	tool := mcp.NewTool("debug_connect",
		mcp.WithDescription("Open a debug session on an R runtime host that is already running. Returns the sessionId needed by all other tools."),
		mcp.WithString("url",
			mcp.Description("Websocket address of the host (default: from server configuration)"),
		),
		mcp.WithString("configName",
			mcp.Description("Name of an R-Debugger attach configuration in launch.json"),
		),
		mcp.WithString("configPath",
			mcp.Description("Path to launch.json. Auto-discovered from workspace if not provided."),
		),
		mcp.WithString("workspace",
			mcp.Description("Workspace root for ${workspaceFolder} and launch.json discovery"),
		),
		mcp.WithString("inputValues",
			mcp.Description("JSON object with values for ${input:} variables in launch.json"),
		),
	)
	s.addTool(tool, s.handleDebugConnect)
}

func (s *Server) registerDebugDisconnect() {
	tool := mcp.NewTool("debug_disconnect",
		mcp.WithDescription("Terminate a debug session. Launched hosts are killed, connected hosts are left running."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID to disconnect from"),
		),
	)
	s.addTool(tool, s.handleDebugDisconnect)
}

func (s *Server) registerDebugListSessions() {
	tool := mcp.NewTool("debug_list_sessions",
		mcp.WithDescription("List all active debug sessions"),
	)
	s.addTool(tool, s.handleDebugListSessions)
}

func (s *Server) registerDebugListConfigs() {
	tool := mcp.NewTool("debug_list_configs",
		mcp.WithDescription("List the R-Debugger configurations of a VS Code launch.json"),
		mcp.WithString("configPath",
			mcp.Description("Path to launch.json. Auto-discovered from workspace if not provided."),
		),
		mcp.WithString("workspace",
			mcp.Description("Directory to start launch.json discovery from (default: current directory)"),
		),
	)
	s.addTool(tool, s.handleDebugListConfigs)
}

// Inspection Tools

func (s *Server) registerDebugStack() {
	tool := mcp.NewTool("debug_stack",
		mcp.WithDescription("Get the call stack of a paused runtime, innermost frame first. Frame ids can be passed to debug_evaluate."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
	)
	s.addTool(tool, s.handleDebugStack)
}

func (s *Server) registerDebugEvaluate() {
	tool := mcp.NewTool("debug_evaluate",
		mcp.WithDescription("Evaluate one or more R expressions in a frame of a paused runtime. Errors raised by R are reported per expression."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
		mcp.WithString("expression",
			mcp.Description("Single expression to evaluate, e.g. 'summary(x)'"),
		),
		mcp.WithString("expressions",
			mcp.Description("JSON array of expressions for batch evaluation: [\"x\", \"nrow(df)\"]"),
		),
		mcp.WithNumber("frameId",
			mcp.Description("Frame id from debug_stack (default: global environment)"),
		),
		mcp.WithString("environment",
			mcp.Description("R expression yielding the environment to evaluate in. Overrides frameId."),
		),
	)
	s.addTool(tool, s.handleDebugEvaluate)
}

// Control Tools (Full mode only)

func (s *Server) registerDebugBreakpoints() {
	tool := mcp.NewTool("debug_breakpoints",
		mcp.WithDescription("Add, remove or list line breakpoints. Breakpoints are reference counted: a location stays armed until it has been removed as often as it was added."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("'add', 'remove' or 'list'"),
		),
		mcp.WithString("path",
			mcp.Description("Source file path as known to the runtime (add/remove)"),
		),
		mcp.WithNumber("line",
			mcp.Description("1-based line number (add/remove)"),
		),
	)
	s.addTool(tool, s.handleDebugBreakpoints)
}

func (s *Server) registerDebugStep() {
	tool := mcp.NewTool("debug_step",
		mcp.WithDescription("Execute a step command and wait until the runtime pauses again. Use type='over' for the next line, 'into' to enter function calls, 'out' to finish the current function. Returns the new top frame."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Step type: 'over', 'into' or 'out'"),
		),
		mcp.WithNumber("timeoutSeconds",
			mcp.Description("How long to wait for the step to complete (default: 30)"),
		),
	)
	s.addTool(tool, s.handleDebugStep)
}

func (s *Server) registerDebugCancelStep() {
	tool := mcp.NewTool("debug_cancel_step",
		mcp.WithDescription("Give up on a pending step. The runtime keeps running; the next pause is reported normally."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
	)
	s.addTool(tool, s.handleDebugCancelStep)
}

func (s *Server) registerDebugContinue() {
	tool := mcp.NewTool("debug_continue",
		mcp.WithDescription("Continue execution until the next breakpoint or the end of the program. Returns immediately - use debug_list_sessions or debug_stack to check state after stopping."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
	)
	s.addTool(tool, s.handleDebugContinue)
}
