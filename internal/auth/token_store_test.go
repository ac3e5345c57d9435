package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewTokenStore_MissingFileIsNotFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	ts, err := NewTokenStore(path)
	if err != nil {
		t.Fatalf("NewTokenStore: %v", err)
	}
	if _, loaded := ts.Get(); loaded {
		t.Error("expected loaded=false for missing token file")
	}
}

func TestTokenStore_SaveThenGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	ts, err := NewTokenStore(path)
	if err != nil {
		t.Fatalf("NewTokenStore: %v", err)
	}
	if err := ts.Save(Token{AccessToken: "abc123", ExpiresIn: 3600}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	tok, loaded := ts.Get()
	if !loaded {
		t.Fatal("expected loaded=true after Save")
	}
	if tok.AccessToken != "abc123" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
}

func TestToken_Expired(t *testing.T) {
	now := time.Now()
	fresh := Token{LastUpdated: now.UnixMilli(), ExpiresIn: 3600}
	if fresh.Expired(now) {
		t.Error("freshly issued token should not be expired")
	}

	stale := Token{LastUpdated: now.Add(-2 * time.Hour).UnixMilli(), ExpiresIn: 3600}
	if !stale.Expired(now) {
		t.Error("token issued 2h ago with 1h TTL should be expired")
	}
}

func TestToken_ExpiredDefaultsToOneHour(t *testing.T) {
	now := time.Now()
	tok := Token{LastUpdated: now.Add(-30 * time.Minute).UnixMilli()} // ExpiresIn unset
	if tok.Expired(now) {
		t.Error("token issued 30m ago with default 1h TTL should not be expired yet")
	}
}

func TestTokenStore_WatchPicksUpExternalEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	os.WriteFile(path, []byte(`{"accessToken":"v1","lastUpdated":1}`), 0o600)

	ts, err := NewTokenStore(path)
	if err != nil {
		t.Fatalf("NewTokenStore: %v", err)
	}
	w, err := ts.Watch()
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	// Start attaches on a background goroutine; edit only once it is attached.
	for attachBy := time.Now().Add(2 * time.Second); !w.IsWatching() && time.Now().Before(attachBy); {
		time.Sleep(10 * time.Millisecond)
	}

	os.WriteFile(path, []byte(`{"accessToken":"v2","lastUpdated":2}`), 0o600)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tok, _ := ts.Get(); tok.AccessToken == "v2" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected external token file edit to be picked up")
}
