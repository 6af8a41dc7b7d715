package registry

import "testing"

type nopEmitter struct{ name string }

func (nopEmitter) Emit(event string, data any) error { return nil }

func TestRegistry_BindUnbind(t *testing.T) {
	r := New()
	r.Bind("s1", "u1", nopEmitter{"s1"})
	r.Bind("s2", "u1", nopEmitter{"s2"})
	r.Bind("s3", "u2", nopEmitter{"s3"})

	if id, ok := r.IdentityOf("s1"); !ok || id != "u1" {
		t.Fatalf("IdentityOf(s1) = %q, %v", id, ok)
	}
	if got := len(r.SessionsOf("u1")); got != 2 {
		t.Fatalf("u1 sessions = %d, want 2", got)
	}
	if !r.HasIdentity("u2") {
		t.Fatalf("expected u2 online locally")
	}

	id, ok := r.Unbind("s1")
	if !ok || id != "u1" {
		t.Fatalf("Unbind(s1) = %q, %v", id, ok)
	}
	if got := len(r.SessionsOf("u1")); got != 1 {
		t.Fatalf("u1 sessions after unbind = %d, want 1", got)
	}

	r.Unbind("s2")
	if r.HasIdentity("u1") {
		t.Fatalf("u1 should have no sessions left")
	}
	if _, ok := r.Unbind("s2"); ok {
		t.Fatalf("double unbind must report ok=false")
	}
}

func TestRegistry_RebindMovesIdentity(t *testing.T) {
	r := New()
	r.Bind("s1", "u1", nopEmitter{})
	r.Bind("s1", "u2", nopEmitter{})

	if r.HasIdentity("u1") {
		t.Fatalf("u1 should be empty after rebind")
	}
	if id, _ := r.IdentityOf("s1"); id != "u2" {
		t.Fatalf("IdentityOf(s1) = %q, want u2", id)
	}
	if !r.HasIdentity("u2") {
		t.Fatalf("expected u2 bound after rebind")
	}
}

func TestRegistry_SessionsOfIsSnapshot(t *testing.T) {
	r := New()
	r.Bind("s1", "u1", nopEmitter{})
	snap := r.SessionsOf("u1")
	r.Unbind("s1")
	if len(snap) != 1 {
		t.Fatalf("snapshot mutated by later unbind")
	}
	if r.SessionsOf("u1") != nil {
		t.Fatalf("expected nil for unknown identity")
	}
}
