package dialog

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"text/template"
)

const maxConditionOutput = 4 * 1024

// conditionCache caches parsed condition templates.
var conditionCache sync.Map

// StateSource is the read-only view of external state that conditions are
// evaluated against.
type StateSource interface {
	Flag(key string) bool
	Num(key string) float64
	Str(key string) string
	Has(key string) bool
}

type emptySource struct{}

func (emptySource) Flag(string) bool   { return false }
func (emptySource) Num(string) float64 { return 0 }
func (emptySource) Str(string) string  { return "" }
func (emptySource) Has(string) bool    { return false }

// conditionCtx is the data available in condition expressions, e.g.
// {{ and (.Flag "ship.docked") (gt (.Num "ship.fuel") 10.0) }}.
type conditionCtx struct {
	StateSource
}

// EvalCondition evaluates a Go template condition against src.
// Returns true if the result is non-empty and not "false".
func EvalCondition(condition string, src StateSource) (bool, error) {
	if strings.TrimSpace(condition) == "" {
		return true, nil
	}
	if src == nil {
		src = emptySource{}
	}

	var tmpl *template.Template
	if cached, ok := conditionCache.Load(condition); ok {
		tmpl = cached.(*template.Template)
	} else {
		var err error
		tmpl, err = template.New("").Option("missingkey=zero").Parse(condition)
		if err != nil {
			return false, err
		}
		conditionCache.Store(condition, tmpl)
	}

	var buf bytes.Buffer
	lw := &limitWriter{w: &buf, n: maxConditionOutput}
	if err := tmpl.Execute(lw, conditionCtx{StateSource: src}); err != nil {
		return false, err
	}

	result := strings.TrimSpace(buf.String())
	return result != "" && result != "false" && result != "<no value>", nil
}

// CompileCondition binds a condition expression to src. Evaluation errors
// are logged and count as false. An empty expression yields nil, which
// CheckCondition treats as always true.
func CompileCondition(key, condition string, src StateSource) Condition {
	if strings.TrimSpace(condition) == "" {
		return nil
	}
	return func() bool {
		ok, err := EvalCondition(condition, src)
		if err != nil {
			slog.Warn("dialog condition failed",
				slog.String("node", key),
				slog.String("condition", condition),
				slog.String("error", err.Error()))
			return false
		}
		return ok
	}
}

// limitWriter caps output from template.Execute.
type limitWriter struct {
	w       io.Writer
	n       int64
	written int64
}

func (lw *limitWriter) Write(p []byte) (int, error) {
	if lw.written+int64(len(p)) > lw.n {
		allowed := lw.n - lw.written
		if allowed > 0 {
			n, err := lw.w.Write(p[:allowed])
			lw.written += int64(n)
			if err != nil {
				return n, err
			}
		}
		return 0, fmt.Errorf("condition output exceeds %d bytes", lw.n)
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	return n, err
}
