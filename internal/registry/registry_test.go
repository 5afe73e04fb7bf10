package registry

import "testing"

func TestRegisterAndLookup(t *testing.T) {
	t.Parallel()
	r := New()

	id := r.Register("p1", "workspace:p1", []string{"claude-output"})
	scope, ok := r.Lookup(id)
	if !ok {
		t.Fatal("expected lookup to succeed")
	}
	if scope.ProjectID != "p1" || scope.Channel != "workspace:p1" {
		t.Fatalf("unexpected scope: %+v", scope)
	}
	if scope.ConnectedAt.IsZero() {
		t.Fatal("expected connected-at timestamp")
	}
}

func TestReleaseRemovesStream(t *testing.T) {
	t.Parallel()
	r := New()

	id := r.Register("p1", "workspace:p1", nil)
	r.Release(id)
	if _, ok := r.Lookup(id); ok {
		t.Fatal("expected lookup to fail after release")
	}
	r.Release(id) // releasing twice is a no-op
}

func TestActiveForProject(t *testing.T) {
	t.Parallel()
	r := New()

	a := r.Register("p1", "workspace:p1", nil)
	r.Register("p1", "workspace:p1", nil)
	r.Register("p2", "workspace:p2", nil)

	if got := r.ActiveForProject("p1"); got != 2 {
		t.Fatalf("expected 2 active streams for p1, got %d", got)
	}
	if got := r.Len(); got != 3 {
		t.Fatalf("expected 3 total streams, got %d", got)
	}

	r.Release(a)
	if got := r.ActiveForProject("p1"); got != 1 {
		t.Fatalf("expected 1 active stream after release, got %d", got)
	}
}
