package registry

import (
	"context"
	"testing"

	"github.com/arenabench/matchmaking/internal/store"
)

func TestKey(t *testing.T) {
	if got := key("p1"); got != "participant:p1:status" {
		t.Errorf("key(p1) = %q, want %q", got, "participant:p1:status")
	}
}

func TestNew_StoresReference(t *testing.T) {
	reg := New(nil)
	if reg.store != nil {
		t.Error("expected nil store to be preserved as given")
	}
}

// newTestRegistry connects to a local Redis instance, skipping the test if
// none is reachable.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	s, err := store.New("localhost:6379")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestSetSearching_ThenGet(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	id := "test_registry_searching"

	if err := reg.SetSearching(ctx, id, 2, 6.5, "control"); err != nil {
		t.Fatalf("SetSearching() error: %v", err)
	}

	status, err := reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if status == nil {
		t.Fatal("expected a status record")
	}
	if status.Status != StatusSearching || status.Round != 2 || status.SkillLevel != 6.5 {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestSetMatched_IsMatchedTrue(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	id := "test_registry_matched"

	if err := reg.SetMatched(ctx, id, "match-123"); err != nil {
		t.Fatalf("SetMatched() error: %v", err)
	}

	matched, err := reg.IsMatched(ctx, id)
	if err != nil {
		t.Fatalf("IsMatched() error: %v", err)
	}
	if !matched {
		t.Error("expected IsMatched=true after SetMatched")
	}
}

func TestIsMatched_AbsentParticipant(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	matched, err := reg.IsMatched(ctx, "test_registry_never_seen")
	if err != nil {
		t.Fatalf("IsMatched() error: %v", err)
	}
	if matched {
		t.Error("expected IsMatched=false for a participant with no record")
	}
}
