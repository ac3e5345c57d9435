package sandbox

import (
	"testing"
	"time"
)

func TestFactory_ExplicitTypeBypassesPreference(t *testing.T) {
	f := NewFactory()
	rt, info, err := f.Create(time.Second, BackendGoja)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer rt.Dispose()
	if info.Type != BackendGoja {
		t.Errorf("Type = %q, want goja", info.Type)
	}
	if info.Reason != "explicit" {
		t.Errorf("Reason = %q, want explicit", info.Reason)
	}
}

func TestFactory_DefaultPreferenceFallsBackToGoja(t *testing.T) {
	f := NewFactory()
	// Force node/container unavailable so goja (always available) wins.
	f.probes[BackendNode] = func() (bool, string) { return false, "forced unavailable" }
	f.probes[BackendContainer] = func() (bool, string) { return false, "forced unavailable" }

	rt, info, err := f.Create(time.Second, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer rt.Dispose()
	if info.Type != BackendGoja {
		t.Errorf("Type = %q, want goja", info.Type)
	}
}

func TestFactory_ProbeResultIsCached(t *testing.T) {
	f := NewFactory()
	calls := 0
	// goja is first in the preference order; make it unavailable so the
	// walk reaches the node probe.
	f.probes[BackendGoja] = func() (bool, string) { return false, "unavailable" }
	f.probes[BackendNode] = func() (bool, string) {
		calls++
		return false, "unavailable"
	}
	f.probes[BackendContainer] = func() (bool, string) { return false, "unavailable" }

	if _, _, err := f.Create(time.Second, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := f.Create(time.Second, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if calls != 1 {
		t.Errorf("node probe called %d times, want 1 (should be cached)", calls)
	}
}

func TestFactory_UnknownExplicitType(t *testing.T) {
	f := NewFactory()
	_, _, err := f.Create(time.Second, BackendType("quantum"))
	if err == nil {
		t.Error("expected error for unknown explicit backend type")
	}
}
