package sandbox

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

// logSink accumulates console output for a single Execute call, in
// emission order, for return to the caller alongside the result value.
type logSink struct {
	mu   sync.Mutex
	logs []string
}

func newLogSink() *logSink {
	return &logSink{}
}

func (s *logSink) add(prefix string, args []goja.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = formatConsoleArg(a)
	}
	s.logs = append(s.logs, prefix+strings.Join(parts, " "))
}

func (s *logSink) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.logs))
	copy(out, s.logs)
	return out
}

// formatConsoleArg renders one console.log argument. Objects and arrays are
// exported to plain Go values and formatted with %v rather than recursed
// into by hand, which sidesteps cycles in exported maps/slices.
func formatConsoleArg(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	switch exported := v.Export().(type) {
	case string:
		return exported
	default:
		return fmt.Sprintf("%v", exported)
	}
}
