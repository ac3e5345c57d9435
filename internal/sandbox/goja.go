package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/pocketomega/codemode-bridge/internal/bridgeerr"
	"github.com/pocketomega/codemode-bridge/internal/logging"
)

var gojaLog = logging.For("sandbox.goja")

// gojaMemoryLimitBytes is spec §4.A's "~128MiB" per-VM ceiling. goja counts
// live heap allocations against this as snippets run and fails the
// allocation with a RangeError once exceeded.
const gojaMemoryLimitBytes = 128 * 1024 * 1024

// GojaRuntime runs snippets in-process against a pooled goja.Runtime. This
// is the default backend: no external dependency, cheapest to start, and
// the first entry in the Factory's preference order.
//
// Grounded on the in-process VM pattern: acquire a VM from a pool, inject
// the tool table as global functions, run on a goroutine so a goja.Interrupt
// can enforce the timeout without leaking the blocked goroutine past the
// Execute call's lifetime.
type GojaRuntime struct {
	timeout time.Duration

	mu   sync.Mutex
	pool []*goja.Runtime
}

// NewGojaRuntime constructs a GojaRuntime. Construction never fails: goja
// VMs are created lazily per Execute call (and returned to the pool after),
// so there is nothing to provision up front.
func NewGojaRuntime(timeout time.Duration) (*GojaRuntime, error) {
	return &GojaRuntime{timeout: timeout}, nil
}

// acquire returns a VM from the pool, or a freshly constructed one. The
// second return reports whether the VM is fresh: fresh VMs still need the
// hardening pass (prototype freeze, global strip, seal) and the one-time
// codemode/console bindings; pooled VMs already carry both and only need
// their tool closures refreshed for this call.
func (r *GojaRuntime) acquire() (*goja.Runtime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.pool); n > 0 {
		vm := r.pool[n-1]
		r.pool = r.pool[:n-1]
		return vm, false
	}
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	vm.SetMemoryLimit(gojaMemoryLimitBytes)
	return vm, true
}

func (r *GojaRuntime) release(vm *goja.Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pool) < 8 {
		r.pool = append(r.pool, vm)
	}
}

type gojaOutcome struct {
	value any
	err   error
}

// Execute runs code against a hardened VM. See harden() for the full pass;
// the InsecureRuntime backend shares this method but calls executeOn
// directly with hardened=false.
func (r *GojaRuntime) Execute(ctx context.Context, code string, tools ToolTable) ExecuteResult {
	return r.executeOn(ctx, code, tools, true)
}

func (r *GojaRuntime) executeOn(ctx context.Context, code string, tools ToolTable, hardened bool) ExecuteResult {
	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	vm, fresh := r.acquire()
	keep := true
	defer func() {
		if keep {
			r.release(vm)
		}
	}()

	if fresh && hardened {
		if err := harden(vm); err != nil {
			keep = false
			return ExecuteResult{Error: bridgeerr.New(bridgeerr.SandboxCrash, fmt.Errorf("harden sandbox: %w", err))}
		}
	}

	logs := newLogSink()
	r.injectConsole(vm, logs)
	if err := r.injectTools(execCtx, vm, tools, fresh, hardened); err != nil {
		return ExecuteResult{Logs: logs.lines(), Error: err}
	}
	if fresh && hardened {
		if err := sealGlobals(vm); err != nil {
			keep = false
			return ExecuteResult{Logs: logs.lines(), Error: bridgeerr.New(bridgeerr.SandboxCrash, fmt.Errorf("seal sandbox globals: %w", err))}
		}
	}

	program := normalizeCode(code)
	resultCh := make(chan gojaOutcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resultCh <- gojaOutcome{err: bridgeerr.New(bridgeerr.SandboxCrash, fmt.Errorf("panic in sandbox: %v", rec))}
			}
		}()
		value, err := vm.RunString(program)
		if err != nil {
			resultCh <- gojaOutcome{err: translateGojaError(err)}
			return
		}
		settled, err := settlePromise(vm, value)
		if err != nil {
			resultCh <- gojaOutcome{err: translateGojaError(err)}
			return
		}
		resultCh <- gojaOutcome{value: exportValue(vm, settled)}
	}()

	select {
	case out := <-resultCh:
		if bridgeerr.Is(out.err, bridgeerr.MemoryExhausted) {
			// A VM that tripped its memory limit may hold allocations past
			// what SetMemoryLimit intended to permit; don't trust it for
			// reuse.
			keep = false
		}
		return ExecuteResult{Value: out.value, Logs: logs.lines(), Error: out.err}
	case <-execCtx.Done():
		vm.Interrupt("execution timeout")
		select {
		case <-resultCh:
		case <-time.After(100 * time.Millisecond):
		}
		// The interrupted vm must not return to the pool: its internal
		// state after a forced interrupt is not guaranteed reusable.
		keep = false
		return ExecuteResult{Logs: logs.lines(), Error: bridgeerr.New(bridgeerr.Timeout, execCtx.Err())}
	}
}

// harden applies spec §4.A's "Globals hardening" pass to a freshly created
// VM: it freezes the built-in prototypes so a snippet can't pollute them
// for the VM's next reuse, strips the eval/Function escape hatches that
// would otherwise let a snippet compile and run arbitrary strings outside
// the codemode.* tool table, and seals the global object once the
// console/codemode bindings are in place so no other globals can be added.
// Never called for InsecureRuntime.
func harden(vm *goja.Runtime) error {
	const freezePrototypes = `
		Object.freeze(Object.prototype);
		Object.freeze(Array.prototype);
		Object.freeze(Function.prototype);
		Object.freeze(String.prototype);
		Object.freeze(Number.prototype);
		Object.freeze(Boolean.prototype);
	`
	if _, err := vm.RunString(freezePrototypes); err != nil {
		return fmt.Errorf("freeze prototypes: %w", err)
	}
	if err := vm.Set("eval", goja.Undefined()); err != nil {
		return fmt.Errorf("strip eval: %w", err)
	}
	if err := vm.Set("Function", goja.Undefined()); err != nil {
		return fmt.Errorf("strip Function: %w", err)
	}
	return nil
}

// sealGlobals locks the global object against new properties. Called once
// per fresh VM, after console/codemode have been bound, so a pooled VM's
// later reuses can still overwrite those two existing bindings' contents
// without being able to introduce a third.
func sealGlobals(vm *goja.Runtime) error {
	_, err := vm.RunString("Object.seal(globalThis);")
	return err
}

// settlePromise unwraps the Promise returned by running the normalized
// async IIFE. goja has no real I/O event loop, so by the time RunString
// returns, every microtask reachable without external input has already
// drained and the promise is settled (fulfilled or rejected) — there is no
// need to pump an explicit loop.
func settlePromise(vm *goja.Runtime, v goja.Value) (goja.Value, error) {
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateRejected:
		reason := p.Result()
		return nil, fmt.Errorf("%s", formatConsoleArg(reason))
	default:
		return p.Result(), nil
	}
}

func exportValue(vm *goja.Runtime, v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// translateGojaError classifies a RunString/settlePromise error into a
// bridgeerr.Kind. goja reports an exceeded SetMemoryLimit as a plain
// JS-catchable error whose message names the limit, not a distinct Go
// error type, so that case is matched on text.
func translateGojaError(err error) error {
	if _, ok := err.(*goja.InterruptedError); ok {
		return bridgeerr.New(bridgeerr.Timeout, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "memory limit") {
		return bridgeerr.New(bridgeerr.MemoryExhausted, err)
	}
	return bridgeerr.New(bridgeerr.SandboxCrash, err)
}

// injectTools binds each ToolTable entry as a global function under
// codemode.*. Calling it from script blocks the running goroutine on a real
// Go call — there is no JS-level event loop here, so calls are synchronous
// from the snippet's point of view, matching spec §4.A's "awaited, not
// queued" semantics.
//
// On a fresh, hardened VM the codemode binding itself is defined
// non-writable/non-configurable (spec §4.A): a snippet cannot reassign
// `codemode` to something else or delete it. The object's own tool
// properties are still replaced on every call (including later reuses of
// the same pooled VM, each with a different tool table), since only the
// top-level binding — not the object's contents — needs to resist script
// tampering between calls.
func (r *GojaRuntime) injectTools(ctx context.Context, vm *goja.Runtime, tools ToolTable, fresh, hardened bool) error {
	var codemode *goja.Object
	if !fresh {
		if existing := vm.GlobalObject().Get("codemode"); existing != nil && !goja.IsUndefined(existing) {
			if obj, ok := existing.(*goja.Object); ok {
				codemode = obj
			}
		}
	}
	if codemode == nil {
		codemode = vm.NewObject()
	}
	for _, k := range codemode.Keys() {
		codemode.Delete(k)
	}
	for name, fn := range tools {
		boundFn := fn
		boundName := name
		if err := codemode.Set(boundName, func(call goja.FunctionCall) goja.Value {
			var args map[string]any
			if len(call.Arguments) > 0 {
				exported := call.Arguments[0].Export()
				if m, ok := exported.(map[string]any); ok {
					args = m
				}
			}
			value, err := boundFn(ctx, args)
			if err != nil {
				panic(vm.NewGoError(err))
			}
			return vm.ToValue(value)
		}); err != nil {
			return bridgeerr.New(bridgeerr.ProtocolError, fmt.Errorf("bind tool %s: %w", name, err))
		}
	}
	if !fresh {
		return nil
	}
	if hardened {
		return vm.GlobalObject().DefineDataProperty("codemode", vm.ToValue(codemode), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	}
	return vm.Set("codemode", codemode)
}

// injectConsole wires console.log/warn/error to the per-call log sink,
// matching the output the host surfaces back to the MCP caller alongside
// the eval result (spec §4.D "console output").
func (r *GojaRuntime) injectConsole(vm *goja.Runtime, sink *logSink) {
	console := vm.NewObject()
	bind := func(prefix string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			sink.add(prefix, call.Arguments)
			return goja.Undefined()
		}
	}
	console.Set("log", bind(""))
	console.Set("warn", bind("[WARN] "))
	console.Set("error", bind("[ERROR] "))
	vm.Set("console", console)
}

func (r *GojaRuntime) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pool = nil
}

func (r *GojaRuntime) Info() ExecutorInfo {
	return ExecutorInfo{Type: BackendGoja, Timeout: r.timeout}
}
