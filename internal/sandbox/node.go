package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketomega/codemode-bridge/internal/bridgeerr"
	"github.com/pocketomega/codemode-bridge/internal/logging"
)

var nodeLog = logging.For("sandbox.node")

// nodeMemoryLimitMB is spec §4.A's "~128MiB" ceiling, applied via V8's
// heap-size flag. Grounded on alexandrem-coral's script executor, which
// passes the same flag shape (`--v8-flags=--max-old-space-size=<MB>`) for
// an equivalent per-script memory bound.
const nodeMemoryLimitMB = 128

// nodeOOMExitCodes are the child process exit codes V8 uses when it aborts
// after exceeding --max-old-space-size: 134 is the SIGABRT V8 raises on a
// fatal allocation failure, 137 is SIGKILL (observed when an external OOM
// killer, e.g. a cgroup limit, intervenes first).
var nodeOOMExitCodes = map[int]bool{134: true, 137: true}

// nodeState is the child process lifecycle (spec §4.A "out-of-process
// scripting runtime").
type nodeState int

const (
	nodeStarting nodeState = iota
	nodeReady
	nodeBusy
	nodeDisposing
	nodeDisposed
)

// NodeRuntime executes snippets in a node child process, communicating over
// newline-delimited JSON on stdin/stdout. Grounded on the NDJSON stdio
// bridging pattern used for MCP-over-stdio servers: a bufio.Scanner with an
// enlarged buffer reading one JSON object per line, a mutex serializing
// writes so interleaved goroutines never tear a line in half.
type NodeRuntime struct {
	timeout time.Duration

	mu       sync.Mutex
	state    nodeState
	cmd      *exec.Cmd
	stdin    *json.Encoder
	writeMu  sync.Mutex
	pending  map[string]chan Envelope
	toolTabl map[string]ToolTable

	missedHeartbeats int

	// exited closes once cmd.Wait() returns, which happens exactly once
	// for the process's whole lifetime; exitState/exitErr are only safe to
	// read after exited is closed.
	exited    chan struct{}
	exitState *os.ProcessState
	exitErr   error
}

// NewNodeRuntime starts the node child process and waits for its initial
// `ready` message.
func NewNodeRuntime(timeout time.Duration) (*NodeRuntime, error) {
	cmd := exec.Command("node",
		fmt.Sprintf("--max-old-space-size=%d", nodeMemoryLimitMB),
		"--experimental-vm-modules", "-e", nodeBootstrapScript)
	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("node stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("node stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start node: %w", err)
	}

	r := &NodeRuntime{
		timeout:  timeout,
		state:    nodeStarting,
		cmd:      cmd,
		stdin:    json.NewEncoder(stdinPipe),
		pending:  map[string]chan Envelope{},
		toolTabl: map[string]ToolTable{},
		exited:   make(chan struct{}),
	}

	go func() {
		r.exitErr = cmd.Wait()
		r.exitState = cmd.ProcessState
		close(r.exited)
	}()

	scanner := bufio.NewScanner(stdoutPipe)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)
	go r.readLoop(scanner)

	readyCh := make(chan struct{})
	r.mu.Lock()
	r.pending["__ready__"] = make(chan Envelope, 1)
	readyPending := r.pending["__ready__"]
	r.mu.Unlock()
	go func() {
		<-readyPending
		close(readyCh)
	}()

	select {
	case <-readyCh:
		r.mu.Lock()
		r.state = nodeReady
		r.mu.Unlock()
	case <-time.After(5 * time.Second):
		cmd.Process.Kill()
		return nil, bridgeerr.New(bridgeerr.BackendUnavailable, fmt.Errorf("node runtime did not signal ready in time"))
	}

	return r, nil
}

func (r *NodeRuntime) readLoop(scanner *bufio.Scanner) {
	for scanner.Scan() {
		var env Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			nodeLog.Warn().Err(err).Msg("malformed line from node child")
			continue
		}
		r.dispatch(env)
	}
}

func (r *NodeRuntime) dispatch(env Envelope) {
	switch env.Type {
	case MsgReady:
		r.mu.Lock()
		if ch, ok := r.pending["__ready__"]; ok {
			ch <- env
		}
		r.mu.Unlock()
	case MsgHeartbeat:
		r.mu.Lock()
		r.missedHeartbeats = 0
		r.mu.Unlock()
	case MsgToolCall:
		go r.handleToolCall(env)
	case MsgResult, MsgError:
		r.mu.Lock()
		ch, ok := r.pending[env.ID]
		r.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (r *NodeRuntime) handleToolCall(env Envelope) {
	r.mu.Lock()
	tools := r.toolTabl[env.ID]
	r.mu.Unlock()
	if tools == nil {
		r.writeLine(Envelope{Type: MsgToolError, ID: env.ID, Error: &WireError{Message: "no active execution for tool call"}})
		return
	}
	fn, ok := tools[env.Name]
	if !ok {
		r.writeLine(Envelope{Type: MsgToolError, ID: env.ID, Error: &WireError{Message: "unknown tool: " + env.Name}})
		return
	}
	var args map[string]any
	if len(env.Args) > 0 {
		json.Unmarshal(env.Args, &args)
	}
	value, err := fn(context.Background(), args)
	if err != nil {
		r.writeLine(Envelope{Type: MsgToolError, ID: env.ID, Error: &WireError{Message: err.Error()}})
		return
	}
	payload, _ := json.Marshal(value)
	r.writeLine(Envelope{Type: MsgToolResult, ID: env.ID, Result: payload})
}

func (r *NodeRuntime) writeLine(env Envelope) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.stdin.Encode(env)
}

func (r *NodeRuntime) Execute(ctx context.Context, code string, tools ToolTable) ExecuteResult {
	id := uuid.NewString()

	r.mu.Lock()
	if r.state == nodeDisposed || r.state == nodeDisposing {
		r.mu.Unlock()
		return ExecuteResult{Error: bridgeerr.New(bridgeerr.BackendUnavailable, fmt.Errorf("node runtime disposed"))}
	}
	r.state = nodeBusy
	r.toolTabl[id] = tools
	resultCh := make(chan Envelope, 1)
	r.pending[id] = resultCh
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		delete(r.toolTabl, id)
		if r.state == nodeBusy {
			r.state = nodeReady
		}
		r.mu.Unlock()
	}()

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.writeLine(Envelope{Type: MsgExecute, ID: id, Code: normalizeCode(code)})

	select {
	case env := <-resultCh:
		if env.Type == MsgError {
			msg := "sandbox error"
			if env.Error != nil {
				msg = env.Error.Message
			}
			return ExecuteResult{Logs: env.Logs, Error: bridgeerr.New(bridgeerr.SandboxCrash, fmt.Errorf("%s", msg))}
		}
		var value any
		if len(env.Result) > 0 {
			json.Unmarshal(env.Result, &value)
		}
		return ExecuteResult{Value: value, Logs: env.Logs}
	case <-r.exited:
		// The child died mid-call instead of replying; without this case
		// the call would otherwise just hang until execCtx.Done() fires
		// and get misreported as a plain Timeout.
		return ExecuteResult{Error: nodeExitError(r.exitState, r.exitErr)}
	case <-execCtx.Done():
		return ExecuteResult{Error: bridgeerr.New(bridgeerr.Timeout, execCtx.Err())}
	}
}

// nodeExitError classifies why the node child process terminated. An exit
// code matching nodeOOMExitCodes means V8 hit nodeMemoryLimitMB and
// aborted; anything else is reported as the backend going unavailable.
func nodeExitError(state *os.ProcessState, waitErr error) error {
	if state != nil && nodeOOMExitCodes[state.ExitCode()] {
		return bridgeerr.New(bridgeerr.MemoryExhausted, fmt.Errorf("node child exited %d (heap limit %dMB)", state.ExitCode(), nodeMemoryLimitMB))
	}
	if waitErr != nil {
		return bridgeerr.New(bridgeerr.BackendUnavailable, fmt.Errorf("node child exited unexpectedly: %w", waitErr))
	}
	return bridgeerr.New(bridgeerr.BackendUnavailable, fmt.Errorf("node child exited unexpectedly"))
}

func (r *NodeRuntime) Dispose() {
	r.mu.Lock()
	if r.state == nodeDisposed || r.state == nodeDisposing {
		r.mu.Unlock()
		return
	}
	r.state = nodeDisposing
	r.mu.Unlock()

	r.writeLine(Envelope{Type: MsgShutdown})
	select {
	case <-r.exited:
	case <-time.After(2 * time.Second):
		r.cmd.Process.Kill()
		<-r.exited
	}

	r.mu.Lock()
	r.state = nodeDisposed
	r.mu.Unlock()
}

func (r *NodeRuntime) Info() ExecutorInfo {
	return ExecutorInfo{Type: BackendNode, Timeout: r.timeout}
}

// nodeBootstrapScript is the minimal host-side contract a node child must
// implement: read NDJSON `execute` messages from stdin, run the code with
// `codemode.<tool>(args)` calls proxied back over stdout as `tool-call`
// messages, and reply with `result`/`error`. Both NewNodeRuntime and
// NewContainerRuntime run this constant as the child's script.
const nodeBootstrapScript = `
const readline = require('readline');
const rl = readline.createInterface({ input: process.stdin });
let pending = new Map();
let counter = 0;
function send(obj) { process.stdout.write(JSON.stringify(obj) + "\n"); }
function callTool(name, args) {
  return new Promise((resolve, reject) => {
    const id = String(++counter);
    pending.set(id, { resolve, reject });
    send({ type: 'tool-call', id, name, args });
  });
}
rl.on('line', async (line) => {
  let msg;
  try { msg = JSON.parse(line); } catch (e) { return; }
  if (msg.type === 'tool-result') {
    const p = pending.get(msg.id); if (p) { pending.delete(msg.id); p.resolve(msg.result === undefined ? null : msg.result); }
    return;
  }
  if (msg.type === 'tool-error') {
    const p = pending.get(msg.id); if (p) { pending.delete(msg.id); p.reject(new Error((msg.error || {}).message || 'tool error')); }
    return;
  }
  if (msg.type === 'shutdown') { process.exit(0); }
  if (msg.type === 'execute') {
    const logs = [];
    const console2 = { log: (...a) => logs.push(a.join(' ')), warn: (...a) => logs.push('[WARN] ' + a.join(' ')), error: (...a) => logs.push('[ERROR] ' + a.join(' ')) };
    try {
      const fn = new Function('codemode', 'console', 'return ' + msg.code);
      const proxy = new Proxy({}, { get: (_, name) => (args) => callTool(String(name), args) });
      const value = await fn(proxy, console2);
      send({ type: 'result', id: msg.id, result: value === undefined ? null : value, logs });
    } catch (e) {
      send({ type: 'error', id: msg.id, error: { message: String(e && e.message || e) }, logs });
    }
  }
});
send({ type: 'ready' });
setInterval(() => send({ type: 'heartbeat' }), 5000);
`
