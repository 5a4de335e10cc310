package session_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/voicelayer/sonicgate/internal/session"
)

func TestRegistry_AddGetRemove(t *testing.T) {
	t.Parallel()
	r := session.NewRegistry(0)
	s := session.New("sess-1", ident, session.Config{Settle: -1})

	if err := r.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, ok := r.Get("sess-1")
	if !ok || got != s {
		t.Fatalf("Get = (%v, %v), want the added session", got, ok)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}

	r.Remove("sess-1")
	if _, ok := r.Get("sess-1"); ok {
		t.Error("session still present after Remove")
	}
	// Removing again is harmless.
	r.Remove("sess-1")
}

func TestRegistry_DuplicateIDRejected(t *testing.T) {
	t.Parallel()
	r := session.NewRegistry(0)
	if err := r.Add(session.New("dup", ident, session.Config{Settle: -1})); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(session.New("dup", ident, session.Config{Settle: -1})); err == nil {
		t.Fatal("second Add with same id succeeded, want error")
	}
}

func TestRegistry_EnforcesSessionCap(t *testing.T) {
	t.Parallel()
	r := session.NewRegistry(2)
	for i := 0; i < 2; i++ {
		if err := r.Add(session.New(fmt.Sprintf("s-%d", i), ident, session.Config{Settle: -1})); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
	}
	err := r.Add(session.New("s-2", ident, session.Config{Settle: -1}))
	if !errors.Is(err, session.ErrSessionLimit) {
		t.Fatalf("Add over cap = %v, want ErrSessionLimit", err)
	}

	// Capacity frees up after removal.
	r.Remove("s-0")
	if err := r.Add(session.New("s-2", ident, session.Config{Settle: -1})); err != nil {
		t.Fatalf("Add after Remove: %v", err)
	}
}

func TestRegistry_SetMaxAppliesToNewAdds(t *testing.T) {
	t.Parallel()
	r := session.NewRegistry(1)
	if err := r.Add(session.New("m-0", ident, session.Config{Settle: -1})); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(session.New("m-1", ident, session.Config{Settle: -1})); !errors.Is(err, session.ErrSessionLimit) {
		t.Fatalf("Add over cap = %v, want ErrSessionLimit", err)
	}

	r.SetMax(2)
	if err := r.Add(session.New("m-1", ident, session.Config{Settle: -1})); err != nil {
		t.Fatalf("Add after raising cap: %v", err)
	}

	// Lowering below the live count keeps existing sessions but refuses new
	// ones.
	r.SetMax(1)
	if r.Len() != 2 {
		t.Errorf("Len = %d after lowering cap, want 2", r.Len())
	}
	if err := r.Add(session.New("m-2", ident, session.Config{Settle: -1})); !errors.Is(err, session.ErrSessionLimit) {
		t.Fatalf("Add under lowered cap = %v, want ErrSessionLimit", err)
	}
}

func TestRegistry_AllSnapshots(t *testing.T) {
	t.Parallel()
	r := session.NewRegistry(0)
	for i := 0; i < 3; i++ {
		if err := r.Add(session.New(fmt.Sprintf("a-%d", i), ident, session.Config{Settle: -1})); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	all := r.All()
	if len(all) != 3 {
		t.Fatalf("All() returned %d sessions, want 3", len(all))
	}
	seen := map[string]bool{}
	for _, s := range all {
		seen[s.ID()] = true
	}
	for i := 0; i < 3; i++ {
		if !seen[fmt.Sprintf("a-%d", i)] {
			t.Errorf("All() missing a-%d", i)
		}
	}
}
