package sessions

import (
	"path/filepath"

	"github.com/ctagard/rdebug/internal/debug"
	"github.com/ctagard/rdebug/pkg/types"
)

// FrameViews converts fetched frames to their wire representation
func FrameViews(frames []*debug.StackFrame) []types.StackFrame {
	out := make([]types.StackFrame, 0, len(frames))
	for _, f := range frames {
		view := types.StackFrame{
			ID:           f.Index,
			Name:         f.Name(),
			Kind:         f.Kind.String(),
			RuntimeIndex: f.RuntimeIndex,
			IsGlobal:     f.IsGlobal,
		}
		if loc, ok := f.Location(); ok {
			view.Source = SourceView(loc.File)
			view.Line = loc.Line
		}
		out = append(out, view)
	}
	return out
}

// SourceView describes a source file by path
func SourceView(path string) *types.SourceInfo {
	return &types.SourceInfo{Name: filepath.Base(path), Path: path}
}

// EvaluateView converts an evaluation result to its wire representation
func EvaluateView(res debug.EvaluationResult) types.EvaluateResult {
	out := types.EvaluateResult{
		Expression: res.Expression,
		Error:      res.Error,
	}
	if v := res.Value; v != nil {
		out.Result = v.Value
		out.Type = v.TypeName
		out.Classes = v.Classes
		out.Length = v.Length
		out.HasChildren = v.HasChildren
	}
	return out
}
