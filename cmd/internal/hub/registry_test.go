package hub

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	v1 "github.com/hgosansn/Deskling/shared/contracts/ipc/v1"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	s, _ := newTestSession("desktop-ui", minSendQueueSize)

	if err := reg.Register(s.Name, s); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, ok := reg.Lookup("desktop-ui")
	if !ok || got != s {
		t.Fatal("lookup did not return the registered session")
	}
	if reg.Len() != 1 {
		t.Fatalf("len = %d, want 1", reg.Len())
	}
}

func TestRegistryDuplicateRejected(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	first, _ := newTestSession("agent-core", minSendQueueSize)
	second, _ := newTestSession("agent-core", minSendQueueSize)

	if err := reg.Register("agent-core", first); err != nil {
		t.Fatalf("register first: %v", err)
	}

	err := reg.Register("agent-core", second)
	pe, ok := v1.AsProtocolError(err)
	if !ok || pe.Code != v1.CodeDuplicateService {
		t.Fatalf("duplicate register error = %v, want %s", err, v1.CodeDuplicateService)
	}

	// The existing session is untouched.
	got, _ := reg.Lookup("agent-core")
	if got != first {
		t.Fatal("duplicate register replaced the existing session")
	}
}

func TestRegistryRegisterRace(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())

	const attempts = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		s, _ := newTestSession("voice-service", minSendQueueSize)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.Register("voice-service", s) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("%d registrations won, want exactly 1", wins.Load())
	}
	if reg.Len() != 1 {
		t.Fatalf("len = %d, want 1", reg.Len())
	}
}

func TestRegistryDropGuard(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	old, _ := newTestSession("desktop-ui", minSendQueueSize)
	if err := reg.Register("desktop-ui", old); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Simulate a reconnect: the old entry leaves, a newer session takes
	// the name. A stale drop holding the old pointer must be a no-op.
	if !reg.Drop("desktop-ui", old) {
		t.Fatal("first drop rejected")
	}
	if reg.Drop("desktop-ui", old) {
		t.Fatal("second drop of the same session succeeded")
	}

	fresh, _ := newTestSession("desktop-ui", minSendQueueSize)
	if err := reg.Register("desktop-ui", fresh); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if reg.Drop("desktop-ui", old) {
		t.Fatal("stale drop evicted the newer session")
	}
	if got, ok := reg.Lookup("desktop-ui"); !ok || got != fresh {
		t.Fatal("newer session lost after stale drop")
	}
}

func TestRegistrySnapshotSorted(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	for _, name := range []string{"voice-service", "agent-core", "desktop-ui"} {
		s, _ := newTestSession(name, minSendQueueSize)
		if err := reg.Register(name, s); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	snap := reg.Snapshot()
	want := []string{"agent-core", "desktop-ui", "voice-service"}
	if len(snap) != len(want) {
		t.Fatalf("snapshot len = %d, want %d", len(snap), len(want))
	}
	for i, name := range want {
		if snap[i].Name != name {
			t.Fatalf("snapshot[%d] = %s, want %s", i, snap[i].Name, name)
		}
	}
}

func TestRegistryConcurrentMixedOps(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		name := fmt.Sprintf("peer-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, _ := newTestSession(name, minSendQueueSize)
			if err := reg.Register(name, s); err != nil {
				t.Errorf("register %s: %v", name, err)
				return
			}
			_ = reg.Snapshot()
			reg.Drop(name, s)
		}()
	}
	wg.Wait()

	if reg.Len() != 0 {
		t.Fatalf("len = %d after register/drop pairs, want 0", reg.Len())
	}
}
