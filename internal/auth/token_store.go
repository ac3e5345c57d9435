// Package auth persists OAuth access tokens for upstream HTTP/SSE MCP
// servers between bridge restarts, and reloads a token when its backing
// file is edited externally (e.g. by a companion "codemode auth login"
// invocation writing a freshly obtained token).
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pocketomega/codemode-bridge/internal/filewatch"
)

// Token is the persisted shape of one server's OAuth credential.
type Token struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"` // seconds; defaults to 3600 if zero
	LastUpdated  int64  `json:"lastUpdated"`          // unix millis
}

// Expired reports whether the token's computed expiry has passed. Matches
// the teacher pack's convention of deriving expiry from lastUpdated plus a
// duration rather than storing an absolute expiry timestamp, so a clock
// change on the machine that wrote the token doesn't desync the check.
func (t Token) Expired(now time.Time) bool {
	expiresIn := t.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	expiryMillis := t.LastUpdated + expiresIn*1000
	return now.UnixMilli() >= expiryMillis
}

// TokenStore tracks one token file, reloading it whenever it changes on
// disk (spec's OAuth supplement: "external-edit file-watch reload").
type TokenStore struct {
	path string

	mu      sync.RWMutex
	token   Token
	loaded  bool
	watcher *filewatch.Watcher
}

// NewTokenStore builds a TokenStore for the given token file path. The file
// is read once synchronously (a missing file is not an error); Watch may be
// called afterward to pick up external edits.
func NewTokenStore(path string) (*TokenStore, error) {
	ts := &TokenStore{path: path}
	if err := ts.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return ts, nil
}

func (ts *TokenStore) reload() error {
	data, err := os.ReadFile(ts.path)
	if err != nil {
		return err
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return fmt.Errorf("auth: parse token file %q: %w", ts.path, err)
	}
	ts.mu.Lock()
	ts.token = tok
	ts.loaded = true
	ts.mu.Unlock()
	return nil
}

// Watch starts watching the token file for external changes; each change
// triggers a reload. Safe to call once; returns the underlying watcher so
// the caller can Close it on shutdown.
func (ts *TokenStore) Watch() (*filewatch.Watcher, error) {
	w := filewatch.New(ts.path, func() {
		_ = ts.reload()
	})
	if err := w.Start(); err != nil {
		return nil, err
	}
	ts.watcher = w
	return w, nil
}

// Get returns the current token and whether one has ever been
// successfully loaded.
func (ts *TokenStore) Get() (Token, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.token, ts.loaded
}

// Save writes a new token to disk and updates the in-memory copy. The
// filewatch-driven reload will also pick this up, but updating in-memory
// immediately avoids a race against the debounce window.
func (ts *TokenStore) Save(tok Token) error {
	tok.LastUpdated = time.Now().UnixMilli()
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(ts.path, data, 0o600); err != nil {
		return err
	}
	ts.mu.Lock()
	ts.token = tok
	ts.loaded = true
	ts.mu.Unlock()
	return nil
}
