package sandbox

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pocketomega/codemode-bridge/internal/bridgeerr"
	"github.com/pocketomega/codemode-bridge/internal/logging"
)

// defaultPreference is the backend trial order when no explicit type or env
// override is given (spec §4.C). "insecure" is deliberately excluded: it is
// only reachable via an explicit request.
var defaultPreference = []BackendType{BackendGoja, BackendNode, BackendContainer}

// EnvExecutorType overrides the default preference order when set, unless
// the caller already asked for an explicit type.
const EnvExecutorType = "CODEMODE_EXECUTOR_TYPE"

// availabilityProbe reports, without side effects, whether a backend can be
// constructed in this environment (e.g. "node" binary on PATH, docker/podman
// reachable). Probing must never itself start a sandbox.
type availabilityProbe func() (ok bool, reason string)

// builder constructs a Runtime for a backend once it has been selected.
type builder func(timeout time.Duration) (Runtime, error)

// Factory selects and constructs sandbox backends, caching availability
// probe results for the lifetime of the process (spec §4.C: "probing is
// assumed stable for the process lifetime").
type Factory struct {
	mu     sync.Mutex
	probed map[BackendType]bool

	probes   map[BackendType]availabilityProbe
	builders map[BackendType]builder
}

// NewFactory builds a Factory wired to the real backend probes/builders.
func NewFactory() *Factory {
	f := &Factory{
		probed:   map[BackendType]bool{},
		probes:   map[BackendType]availabilityProbe{},
		builders: map[BackendType]builder{},
	}
	f.probes[BackendGoja] = func() (bool, string) { return true, "always available (in-process)" }
	f.builders[BackendGoja] = func(timeout time.Duration) (Runtime, error) {
		return NewGojaRuntime(timeout)
	}

	f.probes[BackendNode] = probeNodeAvailable
	f.builders[BackendNode] = func(timeout time.Duration) (Runtime, error) {
		return NewNodeRuntime(timeout)
	}

	f.probes[BackendContainer] = probeContainerAvailable
	f.builders[BackendContainer] = func(timeout time.Duration) (Runtime, error) {
		return NewContainerRuntime(timeout)
	}

	f.probes[BackendInsecure] = func() (bool, string) { return true, "explicit only" }
	f.builders[BackendInsecure] = func(timeout time.Duration) (Runtime, error) {
		return NewInsecureRuntime(timeout)
	}
	return f
}

// Create selects a backend and constructs its Runtime.
//
// Selection order (spec §4.C):
//  1. explicitType, if non-empty, is used verbatim (failure is fatal, no
//     fallback — the caller asked for exactly this backend).
//  2. otherwise CODEMODE_EXECUTOR_TYPE, if set, is used the same way.
//  3. otherwise defaultPreference is walked in order; the first backend
//     whose probe succeeds is built. If every probe fails, goja is used as
//     a last resort since it has no external dependency and its probe
//     always succeeds.
func (f *Factory) Create(timeout time.Duration, explicitType BackendType) (Runtime, ExecutorInfo, error) {
	if explicitType != "" {
		rt, err := f.build(explicitType, timeout)
		info := ExecutorInfo{Type: explicitType, Reason: "explicit", Timeout: timeout}
		return rt, info, err
	}

	if v := strings.TrimSpace(os.Getenv(EnvExecutorType)); v != "" {
		bt := BackendType(v)
		rt, err := f.build(bt, timeout)
		info := ExecutorInfo{Type: bt, Reason: "env override (" + EnvExecutorType + ")", Timeout: timeout}
		return rt, info, err
	}

	var lastReason string
	for _, bt := range defaultPreference {
		ok, reason := f.probeOnce(bt)
		if !ok {
			lastReason = reason
			continue
		}
		rt, err := f.build(bt, timeout)
		if err != nil {
			lastReason = err.Error()
			continue
		}
		return rt, ExecutorInfo{Type: bt, Reason: "first available", Timeout: timeout}, nil
	}

	// Nothing in the preference list panned out; goja's probe always
	// succeeds so this path is only reachable if goja itself fails to
	// build, which is treated as fatal.
	rt, err := f.build(BackendGoja, timeout)
	if err != nil {
		return nil, ExecutorInfo{}, bridgeerr.New(bridgeerr.BackendUnavailable,
			fmt.Errorf("no sandbox backend available, last reason %q: %w", lastReason, err))
	}
	factoryLog.Warn().Str("last_reason", lastReason).Msg("falling back to goja sandbox backend")
	return rt, ExecutorInfo{Type: BackendGoja, Reason: "fallback: " + lastReason, Timeout: timeout}, nil
}

func (f *Factory) probeOnce(bt BackendType) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	probe, ok := f.probes[bt]
	if !ok {
		return false, "unknown backend"
	}
	if cached, done := f.probed[bt]; done {
		return cached, "cached"
	}
	ok2, reason := probe()
	f.probed[bt] = ok2
	return ok2, reason
}

func (f *Factory) build(bt BackendType, timeout time.Duration) (Runtime, error) {
	b, ok := f.builders[bt]
	if !ok {
		return nil, bridgeerr.New(bridgeerr.BackendUnavailable, fmt.Errorf("unknown executor type %q", bt))
	}
	rt, err := b(timeout)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.BackendUnavailable, fmt.Errorf("%s: %w", bt, err))
	}
	return rt, nil
}

var factoryLog = logging.For("sandbox.factory")
