package lock

import (
	"context"
	"testing"
	"time"

	"github.com/arenabench/matchmaking/internal/store"
)

// newTestService connects to a local Redis instance, skipping the test if
// none is reachable. Tests that call this helper require a running Redis on
// localhost:6379.
func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := store.New("localhost:6379")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestAcquire_SucceedsWhenAbsent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	key := "test_lock:acquire_absent"
	t.Cleanup(func() { svc.Release(ctx, key, "tok") })

	acquired, err := svc.Acquire(ctx, key, "tok", time.Second)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if !acquired {
		t.Fatal("expected lock to be acquired")
	}
}

func TestAcquire_FailsWhenHeld(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	key := "test_lock:acquire_held"
	t.Cleanup(func() { svc.Release(ctx, key, "tok1") })

	if _, err := svc.Acquire(ctx, key, "tok1", time.Second); err != nil {
		t.Fatalf("first Acquire() error: %v", err)
	}
	acquired, err := svc.Acquire(ctx, key, "tok2", time.Second)
	if err != nil {
		t.Fatalf("second Acquire() error: %v", err)
	}
	if acquired {
		t.Fatal("expected second acquire to fail while lock is held")
	}
}

func TestRelease_RequiresMatchingToken(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	key := "test_lock:release_token"
	t.Cleanup(func() { svc.Release(ctx, key, "owner") })

	if _, err := svc.Acquire(ctx, key, "owner", time.Minute); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	released, err := svc.Release(ctx, key, "intruder")
	if err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if released {
		t.Error("expected release with wrong token to fail")
	}

	released, err = svc.Release(ctx, key, "owner")
	if err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if !released {
		t.Error("expected release with correct token to succeed")
	}
}
