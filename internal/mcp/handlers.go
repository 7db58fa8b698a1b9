package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ctagard/rdebug/internal/debug"
	"github.com/ctagard/rdebug/internal/errors"
	"github.com/ctagard/rdebug/internal/launchconfig"
	"github.com/ctagard/rdebug/internal/sessions"
	"github.com/ctagard/rdebug/pkg/types"
)

const defaultStepTimeout = 30 * time.Second

// Session Management Handlers

func (s *Server) handleDebugLaunch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanSpawn() {
		return mcp.NewToolResultError(errors.PermissionDenied("spawn", string(s.config.Mode)).Error()), nil
	}

	var req types.LaunchRequest
	if configName := request.GetString("configName", ""); configName != "" {
		resolved, err := s.resolveConfig(request, configName)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if resolved.Launch == nil {
			return mcp.NewToolResultError(errors.InvalidParameter("configName", configName, "a launch configuration; use debug_connect for attach configurations").Error()), nil
		}
		req = *resolved.Launch
	} else {
		script, err := request.RequireString("script")
		if err != nil {
			return mcp.NewToolResultError(errors.MissingParameter("script",
				"Specify the R script to debug, e.g. 'analysis.R'. Alternatively, use configName to load from launch.json.").Error()), nil
		}
		req.Script = script
		req.HostPath = request.GetString("hostPath", "")
		req.Cwd = request.GetString("cwd", "")

		if argsJSON := request.GetString("args", ""); argsJSON != "" {
			if err := json.Unmarshal([]byte(argsJSON), &req.Args); err != nil {
				return mcp.NewToolResultError(errors.InvalidJSON("args", err, `["--vanilla"]`).Error()), nil
			}
		}
		if envJSON := request.GetString("env", ""); envJSON != "" {
			if err := json.Unmarshal([]byte(envJSON), &req.Env); err != nil {
				return mcp.NewToolResultError(errors.InvalidJSON("env", err, `{"R_LIBS": "/opt/lib"}`).Error()), nil
			}
		}
	}

	session, err := s.opener.Launch(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(session.GetInfo())
}

func (s *Server) handleDebugConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanConnect() {
		return mcp.NewToolResultError(errors.PermissionDenied("connect", string(s.config.Mode)).Error()), nil
	}

	url := request.GetString("url", "")
	if configName := request.GetString("configName", ""); configName != "" {
		resolved, err := s.resolveConfig(request, configName)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if resolved.Launch != nil {
			return mcp.NewToolResultError(errors.InvalidParameter("configName", configName, "an attach configuration; use debug_launch for launch configurations").Error()), nil
		}
		url = resolved.URL
	}
	if url == "" {
		url = s.config.Runtime.URL
	}

	session, err := s.opener.Connect(ctx, url)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(session.GetInfo())
}

func (s *Server) handleDebugDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("sessionId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.opener.Manager.TerminateSession(sessionID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(map[string]interface{}{
		"sessionId": sessionID,
		"status":    "disconnected",
	})
}

func (s *Server) handleDebugListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	all := s.opener.Manager.ListSessions()

	infos := make([]types.SessionInfo, len(all))
	for i, session := range all {
		infos[i] = session.GetInfo()
	}

	return jsonResult(map[string]interface{}{
		"sessions": infos,
	})
}

func (s *Server) handleDebugListConfigs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	lj, path, err := launchconfig.Load(request.GetString("configPath", ""), request.GetString("workspace", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load launch.json: %v", err)), nil
	}

	configs := make([]map[string]interface{}, 0, len(lj.Configurations))
	var warnings []string
	for i := range lj.Configurations {
		cfg := &lj.Configurations[i]
		if cfg.Type != launchconfig.ConfigType {
			continue
		}
		configs = append(configs, map[string]interface{}{
			"name":    cfg.Name,
			"request": cfg.Request,
		})
		if err := launchconfig.ValidateConfiguration(cfg); err != nil {
			warnings = append(warnings, err.Error())
		}
	}

	result := map[string]interface{}{
		"configPath":     path,
		"configurations": configs,
	}
	if len(warnings) > 0 {
		result["validationWarnings"] = warnings
	}
	return jsonResult(result)
}

// Inspection Handlers

func (s *Server) handleDebugStack(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, dbg, err := s.getSession(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	frames, err := dbg.GetStackFrames(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(map[string]interface{}{
		"stackFrames": sessions.FrameViews(frames),
		"totalFrames": len(frames),
	})
}

// handleDebugEvaluate handles single and batch expression evaluation
func (s *Server) handleDebugEvaluate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanEvaluate() {
		return mcp.NewToolResultError(errors.PermissionDenied("evaluate", string(s.config.Mode)).Error()), nil
	}

	_, dbg, err := s.getSession(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var expressions []string
	batch := false
	if expressionsJSON := request.GetString("expressions", ""); expressionsJSON != "" {
		if err := json.Unmarshal([]byte(expressionsJSON), &expressions); err != nil {
			return mcp.NewToolResultError(errors.InvalidJSON("expressions", err, `["x", "nrow(df)"]`).Error()), nil
		}
		batch = true
	} else {
		expression, err := request.RequireString("expression")
		if err != nil {
			return mcp.NewToolResultError(errors.MissingParameter("expression",
				"Provide either 'expression' for a single evaluation (e.g., \"mean(x)\") or 'expressions' for batch evaluation (e.g., [\"x\", \"y\"]).").Error()), nil
		}
		expressions = []string{expression}
	}

	environment := request.GetString("environment", "")
	var frame *debug.StackFrame
	if id, err := request.RequireFloat("frameId"); err == nil && environment == "" {
		frame, err = findFrame(ctx, dbg, int(id))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	results := make([]types.EvaluateResult, 0, len(expressions))
	for _, expr := range expressions {
		res, err := dbg.Evaluate(ctx, frame, expr, environment)
		if err != nil {
			if !batch {
				return mcp.NewToolResultError(err.Error()), nil
			}
			results = append(results, types.EvaluateResult{Expression: expr, Error: err.Error()})
			continue
		}
		results = append(results, sessions.EvaluateView(res))
	}

	if !batch {
		return jsonResult(results[0])
	}
	return jsonResult(map[string]interface{}{
		"evaluations": results,
	})
}

// findFrame returns the frame with the given id from a fresh stack
func findFrame(ctx context.Context, dbg *debug.Session, id int) (*debug.StackFrame, error) {
	frames, err := dbg.GetStackFrames(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range frames {
		if f.Index == id {
			return f, nil
		}
	}
	return nil, errors.InvalidParameter("frameId", id, fmt.Sprintf("a frame id from debug_stack (0-%d)", len(frames)-1))
}

// Control Handlers

func (s *Server) handleDebugBreakpoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, dbg, err := s.getSession(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	action, err := request.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("action", "One of 'add', 'remove' or 'list'.").Error()), nil
	}

	if action == "list" {
		return jsonResult(map[string]interface{}{
			"breakpoints": breakpointViews(dbg),
		})
	}

	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("path", "The source file path as known to the runtime, e.g. 'R/fit.R'.").Error()), nil
	}
	line, err := request.RequireFloat("line")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("line", "The 1-based line number.").Error()), nil
	}
	loc := debug.Location{File: path, Line: int(line)}

	var count int
	switch action {
	case "add":
		count, err = dbg.AddBreakpoint(ctx, loc)
	case "remove":
		count, err = dbg.RemoveBreakpoint(ctx, loc)
	default:
		return mcp.NewToolResultError(errors.InvalidParameter("action", action, "'add', 'remove' or 'list'").Error()), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(types.Breakpoint{
		Verified:   count > 0,
		Source:     sessions.SourceView(loc.File),
		Line:       loc.Line,
		References: count,
	})
}

func breakpointViews(dbg *debug.Session) []types.Breakpoint {
	reg := dbg.Breakpoints()
	locs := reg.Locations()
	out := make([]types.Breakpoint, 0, len(locs))
	for _, loc := range locs {
		out = append(out, types.Breakpoint{
			Verified:   true,
			Source:     sessions.SourceView(loc.File),
			Line:       loc.Line,
			References: reg.Count(loc),
		})
	}
	return out
}

func (s *Server) handleDebugStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, dbg, err := s.getSession(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	stepType, err := request.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var step func(context.Context) error
	switch stepType {
	case "over":
		step = dbg.StepOver
	case "into":
		step = dbg.StepInto
	case "out":
		step = dbg.StepOut
	default:
		return mcp.NewToolResultError(errors.InvalidParameter("type", stepType, "'over', 'into', or 'out'").Error()), nil
	}

	timeout := defaultStepTimeout
	if t, err := request.RequireFloat("timeoutSeconds"); err == nil && t > 0 {
		timeout = time.Duration(t * float64(time.Second))
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := step(stepCtx); err != nil {
		if stepCtx.Err() != nil && ctx.Err() == nil {
			return mcp.NewToolResultError(fmt.Sprintf("step %s did not complete within %s; the step was cancelled and the runtime is still running", stepType, timeout)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := map[string]interface{}{
		"status": "paused",
		"type":   stepType,
	}
	if frames, err := dbg.GetStackFrames(ctx); err == nil && len(frames) > 0 {
		result["frame"] = sessions.FrameViews(frames[:1])[0]
	} else if err != nil {
		s.logger.Debug("failed to fetch stack after step", "error", err)
	}
	return jsonResult(result)
}

func (s *Server) handleDebugCancelStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, dbg, err := s.getSession(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(map[string]interface{}{
		"cancelled": dbg.CancelStep(),
	})
}

func (s *Server) handleDebugContinue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, dbg, err := s.getSession(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := dbg.Continue(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(map[string]interface{}{
		"status": "continued",
	})
}

// Helper functions

func (s *Server) getSession(request mcp.CallToolRequest) (*sessions.Session, *debug.Session, error) {
	sessionID, err := request.RequireString("sessionId")
	if err != nil {
		return nil, nil, errors.MissingParameter("sessionId", "Provide the sessionId returned from debug_launch or debug_connect. Use debug_list_sessions to see active sessions.")
	}

	session, err := s.opener.Manager.GetSession(sessionID)
	if err != nil {
		return nil, nil, err
	}

	dbg := session.Debug()
	if dbg == nil {
		return nil, nil, errors.InvalidState("session", "the session is still being opened")
	}
	return session, dbg, nil
}

// resolveConfig loads launch.json and resolves the named configuration
func (s *Server) resolveConfig(request mcp.CallToolRequest, name string) (*launchconfig.Resolved, error) {
	lj, path, err := launchconfig.Load(request.GetString("configPath", ""), request.GetString("workspace", ""))
	if err != nil {
		return nil, errors.Wrap(errors.CodeInvalidParameter, "failed to load launch.json",
			"Pass configPath, or a workspace containing .vscode/launch.json.", err)
	}

	cfg, err := launchconfig.FindConfiguration(lj, name)
	if err != nil {
		return nil, errors.InvalidParameter("configName", name, err.Error())
	}

	inputs := map[string]string{}
	if inputJSON := request.GetString("inputValues", ""); inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &inputs); err != nil {
			return nil, errors.InvalidJSON("inputValues", err, `{"script": "main.R"}`)
		}
	}

	workspace := request.GetString("workspace", "")
	if workspace == "" {
		workspace = launchconfig.GetWorkspaceFolder(path)
	}

	resolved, err := launchconfig.ResolveConfiguration(lj, cfg, &launchconfig.ResolutionContext{
		WorkspaceFolder: workspace,
		InputValues:     inputs,
	})
	if err != nil {
		if missing, ok := launchconfig.IsMissingInputsError(err); ok {
			return nil, errors.MissingParameter("inputValues",
				fmt.Sprintf("The configuration needs values for %v. Pass them as a JSON object.", missing.Inputs))
		}
		return nil, errors.InvalidParameter("configName", name, err.Error())
	}
	return resolved, nil
}

func jsonResult(data interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
