package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/arenabench/matchmaking/internal/config"
	"github.com/arenabench/matchmaking/internal/lock"
	"github.com/arenabench/matchmaking/internal/queue"
	"github.com/arenabench/matchmaking/internal/registry"
	"github.com/arenabench/matchmaking/internal/store"
	"github.com/arenabench/matchmaking/internal/validate"
)

// newTestEngine wires a real Engine against miniredis instead of a live
// Redis, the way the teacher's own service tests stand up an in-memory
// broker rather than mocking the store package's interface. Intervals are
// set long enough that the background continuous-search/fallback
// goroutines StartMatchmaking arms never fire during a test.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	st, err := store.New(mr.Addr())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New(st)
	q := queue.New(st, reg, 1000)
	lk := lock.New(st)
	cfg := config.Config{
		HumanSearchTimeout:     time.Hour,
		SearchInterval:         time.Hour,
		MinSearchAttempts:      10,
		SkillMatchingThreshold: 1.5,
		MaxQueueSize:           1000,
	}
	return New(cfg, st, q, lk, reg, nil, nil)
}

const (
	testParticipant1 = "11111111-1111-4111-8111-111111111111"
	testParticipant2 = "22222222-2222-4222-8222-222222222222"
)

func TestStartMatchmaking_PairsTwoHumansOfSimilarSkill(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	req1, err := validate.NewStartMatchmakingRequest(testParticipant1, "Alice", 1, 5.0, "control")
	if err != nil {
		t.Fatalf("build request 1: %v", err)
	}
	result1, err := e.StartMatchmaking(ctx, req1)
	if err != nil {
		t.Fatalf("start matchmaking 1: %v", err)
	}
	if result1.Status != StatusSearching {
		t.Fatalf("expected first participant to be searching, got %q", result1.Status)
	}

	req2, err := validate.NewStartMatchmakingRequest(testParticipant2, "Bob", 1, 5.2, "control")
	if err != nil {
		t.Fatalf("build request 2: %v", err)
	}
	result2, err := e.StartMatchmaking(ctx, req2)
	if err != nil {
		t.Fatalf("start matchmaking 2: %v", err)
	}
	if result2.Status != StatusMatched || result2.Match == nil {
		t.Fatalf("expected second participant to be matched immediately, got status %q", result2.Status)
	}
	if result2.Match.IsAI() {
		t.Fatalf("expected a human match, got an AI match")
	}
	if result2.Match.Participant1ID() != testParticipant2 || result2.Match.Participant2ID() != testParticipant1 {
		t.Fatalf("expected participants (%s, %s), got (%s, %s)",
			testParticipant2, testParticipant1, result2.Match.Participant1ID(), result2.Match.Participant2ID())
	}

	status, err := e.registry.Get(ctx, testParticipant1)
	if err != nil {
		t.Fatalf("get registry status for participant 1: %v", err)
	}
	if status == nil || status.Status != registry.StatusMatched {
		t.Fatalf("expected participant 1 to be marked matched, got %+v", status)
	}
}

func TestStartMatchmaking_AlreadySearchingIsRejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	req, err := validate.NewStartMatchmakingRequest(testParticipant1, "Alice", 1, 5.0, "control")
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if _, err := e.StartMatchmaking(ctx, req); err != nil {
		t.Fatalf("start matchmaking: %v", err)
	}
	result, err := e.StartMatchmaking(ctx, req)
	if err != nil {
		t.Fatalf("start matchmaking again: %v", err)
	}
	if result.Status != StatusAlreadySearching {
		t.Fatalf("expected already_searching, got %q", result.Status)
	}
}

func TestCreateAIMatch_MarksParticipantMatched(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	search := &activeSearch{
		participantID:   testParticipant1,
		participantName: "Alice",
		round:           1,
		skill:           5.0,
		group:           "control",
		startedAt:       time.Now(),
	}

	match := e.createAIMatch(ctx, search)
	if match == nil || !match.IsAI() {
		t.Fatalf("expected an AI match, got %+v", match)
	}
	if match.Participant1ID() != testParticipant1 {
		t.Fatalf("expected match participant %s, got %s", testParticipant1, match.Participant1ID())
	}

	status, err := e.registry.Get(ctx, testParticipant1)
	if err != nil {
		t.Fatalf("get registry status: %v", err)
	}
	if status == nil || status.Status != registry.StatusMatched {
		t.Fatalf("expected participant marked matched after AI fallback, got %+v", status)
	}
}

func TestSelectBySkillWindow_PrefersFIFOEarliestWithinThreshold(t *testing.T) {
	now := time.Now()
	entries := []queue.Entry{
		{ParticipantID: "p1", SkillLevel: 4.0, JoinedAt: now},
		{ParticipantID: "p2", SkillLevel: 5.1, JoinedAt: now.Add(time.Second)},
	}
	// Both are within threshold 1.5 of skill 5.0, but p1 joined first, so
	// Algorithm A returns p1 even though p2 is numerically closer.
	got := selectBySkillWindow(5.0, entries, 1.5)
	if got == nil || got.ParticipantID != "p1" {
		t.Fatalf("expected FIFO-earliest p1, got %+v", got)
	}
}

func TestSelectBySkillWindow_ArgminPicksClosest(t *testing.T) {
	now := time.Now()
	entries := []queue.Entry{
		{ParticipantID: "p1", SkillLevel: 1.0, JoinedAt: now},
		{ParticipantID: "p2", SkillLevel: 4.5, JoinedAt: now.Add(time.Second)},
		{ParticipantID: "p3", SkillLevel: 9.0, JoinedAt: now.Add(2 * time.Second)},
	}
	got := selectBySkillWindow(5.0, entries, 0.2)
	if got == nil || got.ParticipantID != "p2" {
		t.Fatalf("expected closest candidate p2, got %+v", got)
	}
}

func TestSelectBySkillWindow_EmptyEntries(t *testing.T) {
	got := selectBySkillWindow(5.0, nil, 1.5)
	if got != nil {
		t.Fatalf("expected nil for empty entries, got %+v", got)
	}
}

func TestEstimateWaitSeconds(t *testing.T) {
	cases := []struct {
		pos  int
		want int
	}{
		{pos: -1, want: 5},
		{pos: 0, want: 5},
		{pos: 1, want: 3},
		{pos: 4, want: 12},
	}
	for _, c := range cases {
		if got := estimateWaitSeconds(c.pos); got != c.want {
			t.Errorf("estimateWaitSeconds(%d) = %d, want %d", c.pos, got, c.want)
		}
	}
}
