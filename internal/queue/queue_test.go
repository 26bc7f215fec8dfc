package queue

import (
	"context"
	"testing"

	"github.com/arenabench/matchmaking/internal/store"
)

func TestRoundKey(t *testing.T) {
	if got := RoundKey(3); got != "queue:round:3" {
		t.Errorf("RoundKey(3) = %q, want %q", got, "queue:round:3")
	}
}

func TestEntryKey(t *testing.T) {
	if got := entryKey(3, "p1"); got != "queue:round:3:entry:p1" {
		t.Errorf("entryKey(3, p1) = %q", got)
	}
}

func TestIsRoundSetKey(t *testing.T) {
	if !isRoundSetKey("queue:round:3") {
		t.Error("expected queue:round:3 to be a round set key")
	}
	if isRoundSetKey("queue:round:3:entry:p1") {
		t.Error("expected entry hash key to not be a round set key")
	}
}

func TestRoundFromKey(t *testing.T) {
	if got := roundFromKey("queue:round:7"); got != 7 {
		t.Errorf("roundFromKey(queue:round:7) = %d, want 7", got)
	}
}

func TestNew_NilCheckerAllowed(t *testing.T) {
	svc := New(nil, nil, 0)
	if svc.checker != nil {
		t.Error("expected nil checker to be preserved")
	}
	if svc.maxSize != 0 {
		t.Error("expected maxSize 0 (uncapped) to be preserved")
	}
}

// newTestService connects to a local Redis instance, skipping the test if
// none is reachable. checker is nil, so Add never rejects on the
// idempotence guard.
func newTestService(t *testing.T, maxSize int) *Service {
	t.Helper()
	s, err := store.New("localhost:6379")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, nil, maxSize)
}

func TestAdd_ThenPositionAndSize(t *testing.T) {
	svc := newTestService(t, 0)
	ctx := context.Background()
	round := 9001

	t.Cleanup(func() {
		svc.Remove(ctx, round, "test_queue_p1")
		svc.Remove(ctx, round, "test_queue_p2")
	})

	added, err := svc.Add(ctx, round, Entry{ParticipantID: "test_queue_p1", SkillLevel: 5.0})
	if err != nil || !added {
		t.Fatalf("Add() p1 = %v, %v", added, err)
	}
	added, err = svc.Add(ctx, round, Entry{ParticipantID: "test_queue_p2", SkillLevel: 6.0})
	if err != nil || !added {
		t.Fatalf("Add() p2 = %v, %v", added, err)
	}

	pos, err := svc.Position(ctx, round, "test_queue_p2")
	if err != nil {
		t.Fatalf("Position() error: %v", err)
	}
	if pos != 2 {
		t.Errorf("expected position 2 for second-joined entry, got %d", pos)
	}

	size, err := svc.Size(ctx, round)
	if err != nil {
		t.Fatalf("Size() error: %v", err)
	}
	if size != 2 {
		t.Errorf("expected size 2, got %d", size)
	}
}

func TestAdd_RejectsAtMaxSize(t *testing.T) {
	svc := newTestService(t, 1)
	ctx := context.Background()
	round := 9002

	t.Cleanup(func() {
		svc.Remove(ctx, round, "test_queue_cap1")
		svc.Remove(ctx, round, "test_queue_cap2")
	})

	added, err := svc.Add(ctx, round, Entry{ParticipantID: "test_queue_cap1", SkillLevel: 5.0})
	if err != nil || !added {
		t.Fatalf("Add() first entry = %v, %v", added, err)
	}

	added, err = svc.Add(ctx, round, Entry{ParticipantID: "test_queue_cap2", SkillLevel: 5.0})
	if err != nil {
		t.Fatalf("Add() second entry error: %v", err)
	}
	if added {
		t.Error("expected second add to be rejected once maxSize is reached")
	}
}

func TestRemove_ClearsEntry(t *testing.T) {
	svc := newTestService(t, 0)
	ctx := context.Background()
	round := 9003

	if _, err := svc.Add(ctx, round, Entry{ParticipantID: "test_queue_remove", SkillLevel: 5.0}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if err := svc.Remove(ctx, round, "test_queue_remove"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}

	entry, err := svc.Get(ctx, round, "test_queue_remove")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if entry != nil {
		t.Errorf("expected no entry after Remove, got %+v", entry)
	}
}
