// Package engine implements the matchmaking engine (C6): the orchestrator
// that takes a participant from startMatchmaking through an immediate
// scan, a continuous re-scan, and a bounded AI fallback, emitting
// match-found events to an injected observer port. Grounded on the
// teacher's internal/matching/service.go ticker-and-context-cancellation
// shape, generalized from the teacher's tiered interest matching to the
// skill-window Algorithm A and the AI-fallback timer this spec requires.
package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arenabench/matchmaking/internal/ai"
	"github.com/arenabench/matchmaking/internal/config"
	"github.com/arenabench/matchmaking/internal/lock"
	"github.com/arenabench/matchmaking/internal/metrics"
	"github.com/arenabench/matchmaking/internal/queue"
	"github.com/arenabench/matchmaking/internal/registry"
	"github.com/arenabench/matchmaking/internal/store"
	"github.com/arenabench/matchmaking/internal/validate"
)

// Result statuses returned by StartMatchmaking.
const (
	StatusAlreadySearching = "already_searching"
	StatusSearching        = "searching"
	StatusMatched          = "matched"
)

// MatchObserver is the narrow port Design Notes §9 calls for: the Engine
// pushes a match-found event without knowing anything about the
// transport. The push dispatcher implements this.
type MatchObserver interface {
	MatchFound(ctx context.Context, match Match) error
}

// PersistenceSink is the best-effort durable-storage port (C8). Every
// call is wrapped in retry-with-backoff by the Engine; a PersistenceSink
// implementation should return promptly on failure rather than retry
// internally.
type PersistenceSink interface {
	CreateTournamentMatch(ctx context.Context, record MatchRecord) error
	GetActiveMatchForParticipant(ctx context.Context, participantID string, round int) (*MatchRecord, error)
}

// StartResult is the response to startMatchmaking.
type StartResult struct {
	Status               string
	QueuePosition        int
	EstimatedWaitSeconds int
	Match                *Match
}

// activeSearch is the in-process-memory participant-search record.
// Per-process only: multiple Engine instances do not share this map, only
// the shared store and its lock.
type activeSearch struct {
	participantID   string
	participantName string
	round           int
	skill           float64
	group           string
	startedAt       time.Time
	attempts        int
	cancel          context.CancelFunc
}

// Engine orchestrates the matchmaking search lifecycle.
type Engine struct {
	cfg         config.Config
	store       *store.Store
	queue       *queue.Service
	lock        *lock.Service
	registry    *registry.Registry
	persistence PersistenceSink
	observer    MatchObserver

	mu       sync.Mutex
	searches map[string]*activeSearch
}

// New constructs an Engine. persistence and observer may be nil during
// tests that only exercise the queue/lock/registry path.
func New(cfg config.Config, st *store.Store, q *queue.Service, lk *lock.Service, reg *registry.Registry, persistence PersistenceSink, observer MatchObserver) *Engine {
	return &Engine{
		cfg:         cfg,
		store:       st,
		queue:       q,
		lock:        lk,
		registry:    reg,
		persistence: persistence,
		observer:    observer,
		searches:    make(map[string]*activeSearch),
	}
}

// SetObserver wires the match-observer port after construction, for
// callers that build the Engine before the Dispatcher exists (cmd/
// entrypoints wire both then call this once).
func (e *Engine) SetObserver(observer MatchObserver) {
	e.mu.Lock()
	e.observer = observer
	e.mu.Unlock()
}

// StartMatchmaking implements spec.md §4.4 startMatchmaking.
func (e *Engine) StartMatchmaking(ctx context.Context, req validate.StartMatchmakingRequest) (StartResult, error) {
	e.mu.Lock()
	if _, exists := e.searches[req.ParticipantID]; exists {
		e.mu.Unlock()
		return StartResult{Status: StatusAlreadySearching}, nil
	}
	searchCtx, cancel := context.WithCancel(context.Background())
	search := &activeSearch{
		participantID:   req.ParticipantID,
		participantName: req.ParticipantName,
		round:           req.RoundNumber,
		skill:           req.SkillLevel,
		group:           req.TreatmentGroup,
		startedAt:       time.Now(),
		cancel:          cancel,
	}
	e.searches[req.ParticipantID] = search
	e.mu.Unlock()

	if err := e.registry.SetSearching(ctx, req.ParticipantID, req.RoundNumber, req.SkillLevel, req.TreatmentGroup); err != nil {
		log.Printf("[engine] set searching %s: %v", req.ParticipantID, err)
		return e.degradeToAI(ctx, search)
	}

	// Defensive: a stale entry from a crashed prior search should not
	// block this one.
	_ = e.queue.Remove(ctx, req.RoundNumber, req.ParticipantID)

	added, err := e.queue.Add(ctx, req.RoundNumber, queue.Entry{
		ParticipantID: req.ParticipantID, DisplayName: req.ParticipantName,
		SkillLevel: req.SkillLevel, TreatmentGroup: req.TreatmentGroup,
	})
	if err != nil {
		log.Printf("[engine] enqueue %s round %d: %v", req.ParticipantID, req.RoundNumber, err)
		return e.degradeToAI(ctx, search)
	}
	if !added {
		// Add refused the entry: either the status flipped to "matched"
		// between our SetSearching call and the enqueue, or the round's
		// queue is at MaxQueueSize. Abort; report whatever status holds.
		e.clearSearch(req.ParticipantID)
		status, _ := e.registry.Get(ctx, req.ParticipantID)
		result := StartResult{Status: StatusMatched}
		if status != nil {
			result.Status = status.Status
		}
		return result, nil
	}
	e.incrStat(ctx, "queue_joins")

	match, err := e.findImmediateMatch(ctx, search)
	if err != nil {
		log.Printf("[engine] immediate match for %s: %v", req.ParticipantID, err)
	}
	if match != nil {
		e.clearSearch(req.ParticipantID)
		e.notifyObserver(ctx, *match)
		return StartResult{Status: StatusMatched, Match: match}, nil
	}

	go e.runContinuousSearch(searchCtx, search)
	e.armFallbackTimer(searchCtx, search)

	pos, err := e.queue.Position(ctx, req.RoundNumber, req.ParticipantID)
	if err != nil {
		pos = -1
	}
	return StartResult{
		Status: StatusSearching, QueuePosition: pos,
		EstimatedWaitSeconds: estimateWaitSeconds(pos),
	}, nil
}

// CancelMatchmaking implements spec.md §4.4 cancelMatchmaking for an
// explicit client-initiated cancel. round is the caller's best
// understanding of the participant's round; the active-search record's
// own round takes precedence when present (see HandleDisconnect for
// the round=0 disconnect sentinel).
func (e *Engine) CancelMatchmaking(ctx context.Context, participantID string, round int) error {
	search := e.popSearch(participantID)
	if search != nil {
		round = search.round
	}
	if round > 0 {
		if err := e.queue.Remove(ctx, round, participantID); err != nil {
			log.Printf("[engine] cancel remove %s round %d: %v", participantID, round, err)
		}
	}
	return e.registry.SetStatus(ctx, participantID, registry.StatusCancelled)
}

// HandleDisconnect implements the disconnect path Design Notes §9
// discusses: the Dispatcher calls this with no round context (the
// transport layer does not necessarily know it), so round=0 is tolerated
// as a no-op removeFromQueue when there is no active-search record to
// recover the real round from. When a record exists, its own round is
// used instead — an explicit resolution of the "sweep all round queues"
// open question: the Engine trusts its own active-search bookkeeping over
// the sentinel.
func (e *Engine) HandleDisconnect(ctx context.Context, participantID string) error {
	search := e.popSearch(participantID)
	if search != nil && search.round > 0 {
		if err := e.queue.Remove(ctx, search.round, participantID); err != nil {
			log.Printf("[engine] disconnect remove %s round %d: %v", participantID, search.round, err)
		}
	}
	return e.registry.SetStatus(ctx, participantID, registry.StatusDisconnected)
}

// popSearch removes and returns participantID's active-search record,
// cancelling its scoped tasks. Returns nil if none exists.
func (e *Engine) popSearch(participantID string) *activeSearch {
	e.mu.Lock()
	defer e.mu.Unlock()
	search, ok := e.searches[participantID]
	if !ok {
		return nil
	}
	delete(e.searches, participantID)
	search.cancel()
	return search
}

func (e *Engine) clearSearch(participantID string) {
	e.popSearch(participantID)
}

// findImmediateMatch implements spec.md §4.4 findImmediateMatch.
func (e *Engine) findImmediateMatch(ctx context.Context, search *activeSearch) (*Match, error) {
	lockKey := fmt.Sprintf("matchlock:round:%d", search.round)

	if held, holder, err := e.lock.Held(ctx, lockKey); err == nil && held {
		metrics.LockContentionTotal.Inc()
		log.Printf("[engine] lock %s held by %s, skipping this round", lockKey, holder)
		return nil, nil
	}

	token := uuid.New().String()
	acquired, err := e.lock.Acquire(ctx, lockKey, token, config.MatchLockTTL)
	if err != nil {
		return nil, fmt.Errorf("engine: acquire %s: %w", lockKey, err)
	}
	if !acquired {
		metrics.LockContentionTotal.Inc()
		return nil, nil
	}
	defer func() {
		if _, err := e.lock.Release(ctx, lockKey, token); err != nil {
			log.Printf("[engine] release %s: %v", lockKey, err)
		}
	}()

	entries, err := e.queue.Entries(ctx, search.round, search.participantID)
	if err != nil {
		return nil, fmt.Errorf("engine: read queue round %d: %w", search.round, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	candidate := selectBySkillWindow(search.skill, entries, e.cfg.SkillMatchingThreshold)
	if candidate == nil {
		return nil, nil
	}

	return e.createHumanMatch(ctx, search, *candidate)
}

// selectBySkillWindow implements Algorithm A (spec.md §4.4): the
// FIFO-earliest candidate within threshold T of skill, else the
// FIFO-earliest argmin of |candidate.skill - skill|. entries must already
// be in FIFO order.
func selectBySkillWindow(skill float64, entries []queue.Entry, threshold float64) *queue.Entry {
	var best *queue.Entry
	bestDist := -1.0
	for i := range entries {
		candidate := &entries[i]
		dist := math.Abs(candidate.SkillLevel - skill)
		if dist <= threshold {
			return candidate
		}
		if bestDist < 0 || dist < bestDist {
			bestDist = dist
			best = candidate
		}
	}
	return best
}

// createHumanMatch implements spec.md §4.4 createHumanMatch. Called only
// while search.round's matchlock is held.
func (e *Engine) createHumanMatch(ctx context.Context, search *activeSearch, candidate queue.Entry) (*Match, error) {
	if search.participantID == candidate.ParticipantID {
		return nil, fmt.Errorf("engine: self-match detected for %s", search.participantID)
	}

	opponentName := candidate.DisplayName
	if opponentName == "" {
		opponentName = ai.FallbackDisplayName(candidate.ParticipantID)
	}

	match := Match{Human: &HumanMatch{
		ID:                uuid.New().String(),
		Round:             search.round,
		Participant1ID:    search.participantID,
		Participant2ID:    candidate.ParticipantID,
		Participant1Name:  search.participantName,
		Participant2Name:  opponentName,
		Participant1Skill: search.skill,
		Participant2Skill: candidate.SkillLevel,
		TreatmentGroup1:   search.group,
		TreatmentGroup2:   candidate.TreatmentGroup,
		CreatedAt:         time.Now(),
		Status:            StatusActive,
	}}

	if err := e.writeMatchRecord(ctx, match); err != nil {
		return nil, err
	}
	e.mirrorPersistence(ctx, match)

	if err := e.registry.SetMatched(ctx, search.participantID, match.ID()); err != nil {
		log.Printf("[engine] set matched %s: %v", search.participantID, err)
	}
	if err := e.registry.SetMatched(ctx, candidate.ParticipantID, match.ID()); err != nil {
		log.Printf("[engine] set matched %s: %v", candidate.ParticipantID, err)
	}
	if err := e.queue.Remove(ctx, search.round, search.participantID); err != nil {
		log.Printf("[engine] remove %s from queue: %v", search.participantID, err)
	}
	if err := e.queue.Remove(ctx, search.round, candidate.ParticipantID); err != nil {
		log.Printf("[engine] remove %s from queue: %v", candidate.ParticipantID, err)
	}

	e.incrStat(ctx, "human_matches")
	metrics.MatchesTotal.WithLabelValues("human").Inc()
	metrics.SearchDuration.Observe(time.Since(search.startedAt).Seconds())

	return &match, nil
}

// createAIMatch implements spec.md §4.4 createAIMatch. It always produces
// a match: any shared-store write failure is logged and the in-memory
// match is still returned, per the spec's "synthesize a fallback match...
// still returned to caller" requirement.
func (e *Engine) createAIMatch(ctx context.Context, search *activeSearch) *Match {
	if err := e.queue.Remove(ctx, search.round, search.participantID); err != nil {
		log.Printf("[engine] remove %s from queue before AI match: %v", search.participantID, err)
	}

	selected := ai.SelectOpponent(search.skill, e.cfg.SkillMatchingThreshold)
	match := Match{AI: &AIMatch{
		ID:              uuid.New().String(),
		Round:           search.round,
		ParticipantID:   search.participantID,
		ParticipantName: search.participantName,
		Opponent:        selected,
		CreatedAt:       time.Now(),
		Status:          StatusActive,
	}}

	if err := e.writeMatchRecord(ctx, match); err != nil {
		log.Printf("[engine] write AI match record for %s: %v", search.participantID, err)
	}
	e.mirrorPersistence(ctx, match)

	if err := e.registry.SetMatched(ctx, search.participantID, match.ID()); err != nil {
		log.Printf("[engine] set matched %s: %v", search.participantID, err)
	}

	e.incrStat(ctx, "ai_matches")
	metrics.MatchesTotal.WithLabelValues("ai").Inc()
	metrics.SearchDuration.Observe(time.Since(search.startedAt).Seconds())

	return &match
}

// degradeToAI handles "unrecoverable error during steps 1-5 of
// startMatchmaking: fall back to creating an AI match immediately".
func (e *Engine) degradeToAI(ctx context.Context, search *activeSearch) (StartResult, error) {
	match := e.createAIMatch(ctx, search)
	e.clearSearch(search.participantID)
	e.notifyObserver(ctx, *match)
	return StartResult{Status: StatusMatched, Match: match}, nil
}

func (e *Engine) notifyObserver(ctx context.Context, match Match) {
	e.mu.Lock()
	observer := e.observer
	e.mu.Unlock()
	if observer == nil {
		return
	}
	if err := observer.MatchFound(ctx, match); err != nil {
		log.Printf("[engine] observer match found %s: %v", match.ID(), err)
	}
}

// runContinuousSearch implements spec.md §4.4 startContinuousSearch.
func (e *Engine) runContinuousSearch(ctx context.Context, search *activeSearch) {
	ticker := time.NewTicker(e.cfg.SearchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.tick(ctx, search) {
				return
			}
		}
	}
}

// tick runs one continuous-search iteration. Returns true when the search
// has terminated (matched or the record was otherwise cleared).
func (e *Engine) tick(ctx context.Context, search *activeSearch) bool {
	e.mu.Lock()
	_, exists := e.searches[search.participantID]
	e.mu.Unlock()
	if !exists {
		return true
	}
	search.attempts++

	status, err := e.registry.Get(ctx, search.participantID)
	if err == nil && status != nil && status.Status == registry.StatusMatched {
		e.clearSearch(search.participantID)
		return true
	}

	if e.persistence != nil {
		active, err := e.persistence.GetActiveMatchForParticipant(ctx, search.participantID, search.round)
		if err == nil && active != nil {
			if err := e.registry.SetMatched(ctx, search.participantID, active.ID); err != nil {
				log.Printf("[engine] sync matched %s: %v", search.participantID, err)
			}
			e.clearSearch(search.participantID)
			return true
		}
	}

	match, err := e.findImmediateMatch(ctx, search)
	if err != nil {
		log.Printf("[engine] continuous search for %s: %v", search.participantID, err)
		return false
	}
	if match != nil {
		e.clearSearch(search.participantID)
		e.notifyObserver(ctx, *match)
		return true
	}

	if search.attempts >= e.cfg.MinSearchAttempts {
		recent, err := e.hasRecentOtherEntry(ctx, search)
		if err == nil && !recent {
			aiMatch := e.createAIMatch(ctx, search)
			e.clearSearch(search.participantID)
			e.notifyObserver(ctx, *aiMatch)
			return true
		}
	}
	return false
}

// hasRecentOtherEntry reports whether the round queue holds any entry
// besides search.participantID that joined within the last 5 minutes —
// used to decide whether an early AI fallback on a quiet round is
// warranted after minSearchAttempts.
func (e *Engine) hasRecentOtherEntry(ctx context.Context, search *activeSearch) (bool, error) {
	entries, err := e.queue.Entries(ctx, search.round, search.participantID)
	if err != nil {
		return false, err
	}
	cutoff := time.Now().Add(-5 * time.Minute)
	for _, entry := range entries {
		if entry.JoinedAt.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

// armFallbackTimer implements the AI-fallback timer described in spec.md
// §4.4: a one-shot scoped task under the search's cancellation token.
func (e *Engine) armFallbackTimer(ctx context.Context, search *activeSearch) {
	go func() {
		timer := time.NewTimer(e.cfg.HumanSearchTimeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			e.mu.Lock()
			_, exists := e.searches[search.participantID]
			e.mu.Unlock()
			if !exists {
				return
			}
			bgCtx := context.Background()
			match := e.createAIMatch(bgCtx, search)
			e.clearSearch(search.participantID)
			e.notifyObserver(bgCtx, *match)
		}
	}()
}

// RunCleanupLoop runs the periodic maintenance sweep described in
// spec.md §4.4: every 5 minutes, purge stale active-search records and
// expired queue entries. Intended to run for the lifetime of the process
// in its own goroutine.
func (e *Engine) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(config.EngineCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.cleanupStaleSearches()
			if removed, err := e.queue.CleanupExpired(ctx); err != nil {
				log.Printf("[engine] cleanup expired queues: %v", err)
			} else if removed > 0 {
				log.Printf("[engine] cleanup removed %d stale queue entries", removed)
			}
		}
	}
}

func (e *Engine) cleanupStaleSearches() {
	cutoff := time.Now().Add(-config.ActiveSearchStaleAfter)
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, search := range e.searches {
		if search.startedAt.Before(cutoff) {
			search.cancel()
			delete(e.searches, id)
		}
	}
}

func (e *Engine) writeMatchRecord(ctx context.Context, match Match) error {
	record, err := match.ToRecord()
	if err != nil {
		return fmt.Errorf("engine: serialize match %s: %w", match.ID(), err)
	}
	key := "match:" + record.ID
	if err := e.store.HSet(ctx, key, record.Fields()); err != nil {
		return fmt.Errorf("engine: write match record %s: %w", record.ID, err)
	}
	if err := e.store.Expire(ctx, key, config.MatchRecordTTL); err != nil {
		log.Printf("[engine] expire match record %s: %v", record.ID, err)
	}
	return nil
}

// mirrorPersistence best-effort mirrors a freshly created match to the
// Persistence Sink, retrying with exponential backoff. Failures never
// fail the pairing operation itself (spec.md §7).
func (e *Engine) mirrorPersistence(ctx context.Context, match Match) {
	if e.persistence == nil {
		return
	}
	record, err := match.ToRecord()
	if err != nil {
		log.Printf("[engine] serialize match %s for persistence: %v", match.ID(), err)
		return
	}

	var lastErr error
	wait := config.PersistenceRetryBase
	for attempt := 1; attempt <= config.PersistenceRetryAttempts; attempt++ {
		if lastErr = e.persistence.CreateTournamentMatch(ctx, record); lastErr == nil {
			return
		}
		if attempt < config.PersistenceRetryAttempts {
			time.Sleep(wait)
			wait *= 2
		}
	}
	log.Printf("[engine] persistence mirror failed for match %s after %d attempts: %v",
		match.ID(), config.PersistenceRetryAttempts, lastErr)
	metrics.PersistenceMirrorFailuresTotal.Inc()
}

func (e *Engine) incrStat(ctx context.Context, field string) {
	key := "stats:" + time.Now().Format("2006-01-02")
	if _, err := e.store.HIncrBy(ctx, key, field, 1); err != nil {
		log.Printf("[engine] incr stat %s: %v", field, err)
		return
	}
	if err := e.store.Expire(ctx, key, 7*24*time.Hour); err != nil {
		log.Printf("[engine] expire stat key: %v", err)
	}
}

func estimateWaitSeconds(queuePosition int) int {
	if queuePosition <= 0 {
		return 5
	}
	return queuePosition * 3
}
