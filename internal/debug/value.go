package debug

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/ctagard/rdebug/internal/errors"
)

// ValueInfo describes a successfully evaluated value
type ValueInfo struct {
	Expression  string   `json:"expression"`
	Value       string   `json:"value"`
	TypeName    string   `json:"type"`
	Classes     []string `json:"classes,omitempty"`
	Length      int      `json:"length"`
	HasChildren bool     `json:"hasChildren"`
}

// EvaluationResult is the outcome of evaluating an expression in a frame.
// Exactly one of Value and Error is set.
type EvaluationResult struct {
	Expression string     `json:"expression"`
	Value      *ValueInfo `json:"value,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Succeeded reports whether the expression produced a value
func (r EvaluationResult) Succeeded() bool {
	return r.Value != nil
}

// parseEvaluationResult decodes the describe helper's JSON output
func parseEvaluationResult(expression, raw string) (EvaluationResult, error) {
	if !gjson.Valid(raw) {
		return EvaluationResult{}, errors.MalformedData("evaluation result", fmt.Errorf("invalid JSON"))
	}
	doc := gjson.Parse(raw)
	if !doc.IsObject() {
		return EvaluationResult{}, errors.MalformedData("evaluation result", fmt.Errorf("expected an object, got %s", doc.Type))
	}

	result := EvaluationResult{Expression: expression}
	if msg := doc.Get("error"); msg.Exists() && msg.Type != gjson.Null {
		result.Error = msg.String()
		if result.Error == "" {
			result.Error = "evaluation failed"
		}
		return result, nil
	}

	info := &ValueInfo{
		Expression:  expression,
		Value:       doc.Get("value").String(),
		TypeName:    doc.Get("type").String(),
		Length:      int(doc.Get("length").Int()),
		HasChildren: doc.Get("has_children").Bool(),
	}
	if expr := doc.Get("expression"); expr.Type == gjson.String {
		info.Expression = expr.Str
	}
	for _, c := range doc.Get("classes").Array() {
		info.Classes = append(info.Classes, c.String())
	}
	result.Value = info
	return result, nil
}
