package kernel

import "testing"

func testSession(target TargetID) *Session {
	return newSession(target, &SpecDescriptor{KernelSpec: pythonSpec()}, DefaultTimeouts, Deps{})
}

func TestRegistryPutLookupRemove(t *testing.T) {
	registry := newSessionRegistry()
	target := TargetID("file:///a.ipynb")

	if _, ok := registry.Lookup(target); ok {
		t.Fatal("lookup on empty registry should miss")
	}

	session := testSession(target)
	descriptor := session.Descriptor()
	registry.Put(target, descriptor, session)

	entry, ok := registry.Lookup(target)
	if !ok {
		t.Fatal("expected entry after put")
	}
	if entry.session != session || entry.descriptor != descriptor {
		t.Fatal("entry does not hold the stored pair")
	}

	if !registry.Remove(target) {
		t.Fatal("remove should report a removed entry")
	}
	if registry.Remove(target) {
		t.Fatal("second remove should be a no-op")
	}
	if registry.Len() != 0 {
		t.Fatalf("expected empty registry, got %d entries", registry.Len())
	}
}

func TestRegistryPutDisplacesPrevious(t *testing.T) {
	registry := newSessionRegistry()
	target := TargetID("file:///a.ipynb")

	first := testSession(target)
	second := testSession(target)
	registry.Put(target, first.Descriptor(), first)
	registry.Put(target, second.Descriptor(), second)

	entry, ok := registry.Lookup(target)
	if !ok || entry.session != second {
		t.Fatal("expected the later session to win")
	}
	if registry.Len() != 1 {
		t.Fatalf("expected a single entry, got %d", registry.Len())
	}
}

func TestRegistryRemoveIfGuardsSuccessor(t *testing.T) {
	registry := newSessionRegistry()
	target := TargetID("file:///a.ipynb")

	displaced := testSession(target)
	successor := testSession(target)
	registry.Put(target, successor.Descriptor(), successor)

	// A removal landing for an already replaced session must not evict
	// the successor.
	if registry.RemoveIf(target, displaced) {
		t.Fatal("stale removal should be a no-op")
	}
	if entry, ok := registry.Lookup(target); !ok || entry.session != successor {
		t.Fatal("successor entry should be untouched")
	}

	if !registry.RemoveIf(target, successor) {
		t.Fatal("matching removal should evict the entry")
	}
	if _, ok := registry.Lookup(target); ok {
		t.Fatal("entry should be gone")
	}
}

func TestRegistrySessionsOrderedByTarget(t *testing.T) {
	registry := newSessionRegistry()
	targets := []TargetID{"c", "a", "b"}
	for _, target := range targets {
		session := testSession(target)
		registry.Put(target, session.Descriptor(), session)
	}

	sessions := registry.Sessions()
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}
	for i, want := range []TargetID{"a", "b", "c"} {
		if sessions[i].Target() != want {
			t.Fatalf("position %d: got %q, want %q", i, sessions[i].Target(), want)
		}
	}
}
