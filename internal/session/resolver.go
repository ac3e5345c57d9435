// Package session implements the Session Resolver (spec §4.D): the mapping
// from an MCP session ID to its sandbox.Runtime, with single-flight
// creation, idle eviction, and singleton fallback for transports (stdio)
// that have no notion of a session ID.
//
// The eviction mechanism is adapted from the teacher's chat-history Store
// (internal/session/store.go in Pocket-Omega): a background sweep over
// LastUsed timestamps under a single mutex. Here there is no sweep: each
// session instead owns its own idle timer so eviction does not wait for a shared tick, and
// the tracked value is a sandbox.Runtime instead of a conversation history.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pocketomega/codemode-bridge/internal/logging"
	"github.com/pocketomega/codemode-bridge/internal/sandbox"
)

var log = logging.For("session.resolver")

// DefaultIdleTimeout is the inactivity window after which an idle session's
// sandbox runtime is disposed (spec §4.D).
const DefaultIdleTimeout = 30 * time.Minute

// SingletonID names the one pseudo-session used by transports without a
// real per-connection session identity (stdio).
const SingletonID = ""

// RuntimeFactory constructs a new sandbox.Runtime on demand. Supplied by the
// caller (the front door) so the resolver does not need to know about
// executor-type configuration or the Sandbox Factory directly.
type RuntimeFactory func() (sandbox.Runtime, sandbox.ExecutorInfo, error)

type entry struct {
	runtime sandbox.Runtime
	info    sandbox.ExecutorInfo
	timer   *time.Timer
}

// Resolver owns the sessionID -> sandbox.Runtime mapping.
type Resolver struct {
	mu          sync.Mutex
	sessions    map[string]*entry
	inflight    map[string]*inflightCreate
	idleTimeout time.Duration
	newRuntime  RuntimeFactory
}

type inflightCreate struct {
	done chan struct{}
	rt   sandbox.Runtime
	info sandbox.ExecutorInfo
	err  error
}

// NewResolver builds a Resolver. idleTimeout <= 0 selects DefaultIdleTimeout.
func NewResolver(newRuntime RuntimeFactory, idleTimeout time.Duration) *Resolver {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Resolver{
		sessions:    map[string]*entry{},
		inflight:    map[string]*inflightCreate{},
		idleTimeout: idleTimeout,
		newRuntime:  newRuntime,
	}
}

// Resolve returns the runtime for sessionID, creating it on first use.
// Concurrent Resolve calls for the same sessionID that arrive while a
// creation is already underway block on that single creation rather than
// racing to build two runtimes (spec §8 "concurrent Resolve is
// single-flight").
//
// sessionID == SingletonID resolves (and, if evicted, re-creates) the one
// shared runtime used by stdio transport, which never arms an idle timer.
func (r *Resolver) Resolve(ctx context.Context, sessionID string) (sandbox.Runtime, sandbox.ExecutorInfo, error) {
	r.mu.Lock()
	if e, ok := r.sessions[sessionID]; ok {
		r.touch(sessionID, e)
		r.mu.Unlock()
		return e.runtime, e.info, nil
	}
	if inf, ok := r.inflight[sessionID]; ok {
		r.mu.Unlock()
		<-inf.done
		return inf.rt, inf.info, inf.err
	}

	inf := &inflightCreate{done: make(chan struct{})}
	r.inflight[sessionID] = inf
	r.mu.Unlock()

	rt, info, err := r.newRuntime()

	r.mu.Lock()
	inf.rt, inf.info, inf.err = rt, info, err
	delete(r.inflight, sessionID)
	if err == nil {
		e := &entry{runtime: rt, info: info}
		r.sessions[sessionID] = e
		r.arm(sessionID, e)
	}
	r.mu.Unlock()
	close(inf.done)

	return rt, info, err
}

// touch resets the idle timer for a non-singleton session. Must be called
// with r.mu held.
func (r *Resolver) touch(sessionID string, e *entry) {
	if sessionID == SingletonID {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	r.arm(sessionID, e)
}

// arm starts (or restarts) the idle timer for a non-singleton session. Must
// be called with r.mu held. The timer callback runs on its own goroutine
// (time.AfterFunc), so arming never blocks the caller.
func (r *Resolver) arm(sessionID string, e *entry) {
	if sessionID == SingletonID {
		return
	}
	e.timer = time.AfterFunc(r.idleTimeout, func() {
		r.evict(sessionID, e)
	})
}

func (r *Resolver) evict(sessionID string, e *entry) {
	r.mu.Lock()
	current, ok := r.sessions[sessionID]
	if !ok || current != e {
		// Already replaced or disposed by something else; nothing to do.
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	log.Info().Str("session_id", sessionID).Msg("evicting idle sandbox runtime")
	e.runtime.Dispose()
}

// DisposeSession explicitly removes and disposes sessionID's runtime, if
// any. Idempotent and safe to call concurrently with Resolve.
func (r *Resolver) DisposeSession(sessionID string) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	r.mu.Unlock()
	if ok {
		e.runtime.Dispose()
	}
}

// DisposeAll tears down every tracked runtime, e.g. on process shutdown.
func (r *Resolver) DisposeAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = map[string]*entry{}
	r.mu.Unlock()
	for id, e := range all {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.runtime.Dispose()
		log.Info().Str("session_id", id).Msg("disposed sandbox runtime on shutdown")
	}
}

// Count returns the number of runtimes currently tracked.
func (r *Resolver) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
