package debug

import (
	_ "embed"
	"fmt"
	"strconv"
)

// helperCode installs the .rdebug environment in the runtime. It is
// evaluated once per session by Initialize.
//
//go:embed helpers.R
var helperCode string

// HelperCode returns the embedded helper payload
func HelperCode() string {
	return helperCode
}

const (
	stepIntoCommand = "s"
	stepOverCommand = "n"
	continueCommand = "c"
)

func stackFramesExpr() string {
	return ".rdebug$stack_frames()"
}

func addBreakpointExpr(loc Location) string {
	return fmt.Sprintf(".rdebug$add_breakpoint(%s, %dL)", quoteString(loc.File), loc.Line)
}

func removeBreakpointExpr(loc Location) string {
	return fmt.Sprintf(".rdebug$remove_breakpoint(%s, %dL)", quoteString(loc.File), loc.Line)
}

// unwindCommand makes the browser skip n levels on the next continue.
// With n == 0 it arms a plain "finish the current function".
func unwindCommand(n int) string {
	if n <= 0 {
		return ".rdebug$browser_set_debug()"
	}
	return ".rdebug$browser_set_debug(" + strconv.Itoa(n) + "L)"
}

func describeEvalExpr(expression, environment string) string {
	return fmt.Sprintf(".rdebug$describe_eval(%s, %s)", quoteString(expression), environment)
}

func frameEnvironment(runtimeIndex int) string {
	return "sys.frame(" + strconv.Itoa(runtimeIndex) + "L)"
}

const globalEnvironment = "globalenv()"
