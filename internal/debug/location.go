package debug

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Location is a position in a source file. A zero File or Line means unknown.
type Location struct {
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
}

// Known reports whether both the file and the line are set
func (l Location) Known() bool {
	return l.File != "" && l.Line > 0
}

// String formats the location like "file.r:10"
func (l Location) String() string {
	file := l.File
	if file == "" {
		file = "<unknown>"
	}
	if l.Line <= 0 {
		return file
	}
	return fmt.Sprintf("%s:%d", file, l.Line)
}

// The tracer installed at a breakpoint shows up in the runtime's call stack
// as exactly this call, which is how trampoline frames are recognised.
var tracerCallRegex = regexp.MustCompile(`^\.doTrace\(\.rdebug\$breakpoint\("((?:[^"\\]|\\.)*)", ([1-9][0-9]*)L\)\)$`)

// TracerCall returns the calling expression of the trampoline frame created
// when the breakpoint at loc fires.
func TracerCall(loc Location) string {
	return fmt.Sprintf(".doTrace(.rdebug$breakpoint(%s, %dL))", quoteString(loc.File), loc.Line)
}

// ParseTracerCall extracts the breakpoint location from a trampoline call.
// It reports false for any text that TracerCall could not have produced.
func ParseTracerCall(call string) (Location, bool) {
	m := tracerCallRegex.FindStringSubmatch(call)
	if m == nil {
		return Location{}, false
	}
	file, ok := unquoteString(m[1])
	if !ok {
		return Location{}, false
	}
	line, err := strconv.Atoi(m[2])
	if err != nil {
		return Location{}, false
	}
	return Location{File: file, Line: line}, true
}

// quoteString renders s as a double-quoted runtime string literal
func quoteString(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			sb.WriteString(`\\`)
		case '"':
			sb.WriteString(`\"`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

// unquoteString reverses quoteString on the body of a literal (no quotes)
func unquoteString(body string) (string, bool) {
	var sb strings.Builder
	sb.Grow(len(body))
	escaped := false
	for _, r := range body {
		if !escaped {
			if r == '\\' {
				escaped = true
				continue
			}
			sb.WriteRune(r)
			continue
		}
		escaped = false
		switch r {
		case '\\', '"':
			sb.WriteRune(r)
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		default:
			return "", false
		}
	}
	if escaped {
		return "", false
	}
	return sb.String(), true
}
