package sandbox

import (
	"context"
	"time"

	"github.com/pocketomega/codemode-bridge/internal/logging"
)

var insecureLog = logging.For("sandbox.insecure")

// InsecureRuntime is a goja runtime with none of the hardening a real
// sandbox backend applies: no frozen prototypes, no stripped globals. It
// exists for local development against trusted code only and is never part
// of defaultPreference — it is reachable solely via an explicit executor
// type or CODEMODE_EXECUTOR_TYPE=insecure.
//
// Running code here that an untrusted caller supplied is equivalent to the
// host process itself executing that code: full filesystem, network, and
// process access (CWE-94/CWE-95 territory). Every construction logs a
// warning naming this explicitly so the choice cannot be made silently.
type InsecureRuntime struct {
	inner *GojaRuntime
}

func NewInsecureRuntime(timeout time.Duration) (*InsecureRuntime, error) {
	insecureLog.Warn().Msg("insecure sandbox backend selected: sandboxed code runs with full host privileges (no container/process isolation, no VM hardening). Only use with trusted code.")
	inner, err := NewGojaRuntime(timeout)
	if err != nil {
		return nil, err
	}
	return &InsecureRuntime{inner: inner}, nil
}

// Execute shares GojaRuntime's pool, timeout handling, and tool injection
// but skips the harden() pass entirely: prototypes stay mutable, eval and
// Function stay reachable, the global object stays unsealed, and codemode
// is bound as an ordinary writable/configurable property. Only the memory
// limit set at VM creation still applies.
func (r *InsecureRuntime) Execute(ctx context.Context, code string, tools ToolTable) ExecuteResult {
	return r.inner.executeOn(ctx, code, tools, false)
}

func (r *InsecureRuntime) Dispose() { r.inner.Dispose() }

func (r *InsecureRuntime) Info() ExecutorInfo {
	info := r.inner.Info()
	info.Type = BackendInsecure
	return info
}
