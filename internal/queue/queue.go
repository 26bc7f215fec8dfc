// Package queue implements the per-round matchmaking queue: a FIFO ordered
// by join timestamp, held in the shared store as a sorted set plus a hash
// per entry. Grounded on the teacher's internal/matching/queue.go Redis
// layout (global sorted set + per-member hash), generalized here from a
// single global queue to one queue per round, and from interest tags to the
// skill-window fields the matchmaking spec requires.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arenabench/matchmaking/internal/metrics"
	"github.com/arenabench/matchmaking/internal/store"
)

const (
	// keyRoundPrefix + "<round>" is the sorted set of participant ids for
	// a round, scored by join timestamp (milliseconds).
	keyRoundPrefix = "queue:round:"

	// entryKeyTTL matches the sliding TTL the spec assigns the round key.
	entryKeyTTL = 10 * time.Minute

	// staleAfter marks entries eligible for GC.
	staleAfter = 5 * time.Minute

	// StatusWaiting is the only status a queue entry is ever written with.
	StatusWaiting = "waiting"
)

// Entry is a participant's record in a round's queue.
type Entry struct {
	ParticipantID  string
	DisplayName    string
	Round          int
	SkillLevel     float64
	TreatmentGroup string
	JoinedAt       time.Time
	Status         string
}

// StatusChecker reports whether a participant's current status is
// "matched", used by Add as an idempotence guard against a double-enqueue
// racing a just-completed pairing.
type StatusChecker interface {
	IsMatched(ctx context.Context, participantID string) (bool, error)
}

// Service manages round queues in the shared store.
type Service struct {
	store   *store.Store
	checker StatusChecker
	maxSize int
}

// New creates a queue Service. checker may be nil, in which case Add never
// rejects on the idempotence guard (used by tests that exercise the queue
// in isolation). maxSize enforces spec.md's maxQueueSize cap; 0 disables
// the cap (see DESIGN.md for why the core resolves this differently from
// the source, where the option is declared but never enforced).
func New(s *store.Store, checker StatusChecker, maxSize int) *Service {
	return &Service{store: s, checker: checker, maxSize: maxSize}
}

// RoundKey returns the shared-store key for a round's queue.
func RoundKey(round int) string {
	return fmt.Sprintf("%s%d", keyRoundPrefix, round)
}

func entryKey(round int, participantID string) string {
	return fmt.Sprintf("%s%d:entry:%s", keyRoundPrefix, round, participantID)
}

// Add appends a fresh entry to the round's queue. It rejects if the
// participant's status is already "matched" — a race between an earlier
// pairing and this enqueue — returning (false, nil) in that case. It also
// returns (false, nil) when the round's queue already holds maxSize
// entries (maxSize > 0). The round
// key's TTL is refreshed to entryKeyTTL on every successful add.
func (s *Service) Add(ctx context.Context, round int, entry Entry) (bool, error) {
	if s.checker != nil {
		matched, err := s.checker.IsMatched(ctx, entry.ParticipantID)
		if err != nil {
			return false, fmt.Errorf("queue: status check for %s: %w", entry.ParticipantID, err)
		}
		if matched {
			return false, nil
		}
	}

	roundKey := RoundKey(round)

	if s.maxSize > 0 {
		size, err := s.store.ZCard(ctx, roundKey)
		if err != nil {
			return false, fmt.Errorf("queue: size check round %d: %w", round, err)
		}
		if int(size) >= s.maxSize {
			return false, nil
		}
	}

	now := time.Now()
	if entry.JoinedAt.IsZero() {
		entry.JoinedAt = now
	}
	entry.Round = round
	entry.Status = StatusWaiting

	eKey := entryKey(round, entry.ParticipantID)

	pipe := s.store.Pipeline()
	pipe.ZAdd(ctx, roundKey, redis.Z{Score: float64(entry.JoinedAt.UnixMilli()), Member: entry.ParticipantID})
	pipe.Expire(ctx, roundKey, entryKeyTTL)
	pipe.HSet(ctx, eKey, map[string]interface{}{
		"participant_id":  entry.ParticipantID,
		"display_name":    entry.DisplayName,
		"round":           entry.Round,
		"skill_level":     entry.SkillLevel,
		"treatment_group": entry.TreatmentGroup,
		"joined_at":       entry.JoinedAt.UnixMilli(),
		"status":          entry.Status,
	})
	pipe.Expire(ctx, eKey, entryKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("queue: add %s round %d: %w", entry.ParticipantID, round, err)
	}
	s.reportSize(ctx, round, roundKey)
	return true, nil
}

// Remove removes a participant from the round's queue and its entry hash.
func (s *Service) Remove(ctx context.Context, round int, participantID string) error {
	roundKey := RoundKey(round)
	pipe := s.store.Pipeline()
	pipe.ZRem(ctx, roundKey, participantID)
	pipe.Del(ctx, entryKey(round, participantID))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: remove %s round %d: %w", participantID, round, err)
	}
	s.reportSize(ctx, round, roundKey)
	return nil
}

// reportSize updates the matchmaking_queue_size gauge for round after a
// mutation. Best-effort: a failed read leaves the gauge at its last known
// value rather than failing the caller's Add/Remove.
func (s *Service) reportSize(ctx context.Context, round int, roundKey string) {
	size, err := s.store.ZCard(ctx, roundKey)
	if err != nil {
		return
	}
	metrics.QueueSize.WithLabelValues(strconv.Itoa(round)).Set(float64(size))
}

// AverageWaitSeconds returns the mean time, in seconds, that everyone
// currently in round's queue has been waiting, read directly from each
// member's sorted-set join-time score rather than fetching every entry's
// hash fields.
func (s *Service) AverageWaitSeconds(ctx context.Context, round int) (float64, error) {
	ids, err := s.store.ZRange(ctx, RoundKey(round))
	if err != nil {
		return 0, fmt.Errorf("queue: average wait round %d: %w", round, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	nowMs := float64(time.Now().UnixMilli())
	var total float64
	for _, id := range ids {
		joinedMs, ok, err := s.store.ZScore(ctx, RoundKey(round), id)
		if err != nil || !ok {
			continue
		}
		total += (nowMs - joinedMs) / 1000
	}
	return total / float64(len(ids)), nil
}

// Entries returns all entries in the round's queue in FIFO order (by the
// stored join-timestamp score, not parse order), optionally excluding one
// participant id.
func (s *Service) Entries(ctx context.Context, round int, exclude string) ([]Entry, error) {
	ids, err := s.store.ZRange(ctx, RoundKey(round))
	if err != nil {
		return nil, fmt.Errorf("queue: entries round %d: %w", round, err)
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if id == exclude {
			continue
		}
		entry, err := s.Get(ctx, round, id)
		if err != nil || entry == nil {
			continue // stale member, cleanup will remove it
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// Get retrieves a single participant's queue entry, or nil if not present.
func (s *Service) Get(ctx context.Context, round int, participantID string) (*Entry, error) {
	fields, err := s.store.HGetAll(ctx, entryKey(round, participantID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	skill, _ := strconv.ParseFloat(fields["skill_level"], 64)
	joinedMs, _ := strconv.ParseInt(fields["joined_at"], 10, 64)
	roundNum, _ := strconv.Atoi(fields["round"])

	return &Entry{
		ParticipantID:  fields["participant_id"],
		DisplayName:    fields["display_name"],
		Round:          roundNum,
		SkillLevel:     skill,
		TreatmentGroup: fields["treatment_group"],
		JoinedAt:       time.UnixMilli(joinedMs),
		Status:         fields["status"],
	}, nil
}

// Position returns the 1-based FIFO position of participantID in the
// round's queue, or -1 if not present.
func (s *Service) Position(ctx context.Context, round int, participantID string) (int, error) {
	rank, err := s.store.ZRank(ctx, RoundKey(round), participantID)
	if err != nil {
		return -1, fmt.Errorf("queue: position %s round %d: %w", participantID, round, err)
	}
	if rank < 0 {
		return -1, nil
	}
	return int(rank) + 1, nil
}

// Size returns the cardinality of the round's queue.
func (s *Service) Size(ctx context.Context, round int) (int, error) {
	n, err := s.store.ZCard(ctx, RoundKey(round))
	if err != nil {
		return 0, fmt.Errorf("queue: size round %d: %w", round, err)
	}
	return int(n), nil
}

// CleanupExpired scans every queue:round:* key and drops entries older than
// staleAfter. Returns the number of entries removed.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := s.store.Keys(ctx, keyRoundPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("queue: cleanup keys: %w", err)
	}

	removed := 0
	cutoff := float64(time.Now().Add(-staleAfter).UnixMilli())
	for _, key := range keys {
		// Skip entry hashes; only sorted-set round keys have no further
		// suffix beyond the round number.
		if !isRoundSetKey(key) {
			continue
		}

		// The key can TTL out between the Keys() scan above and here;
		// confirm it is still present before spending a ZRangeByScoreLTE
		// round trip on it.
		if exists, err := s.store.Exists(ctx, key); err != nil || !exists {
			continue
		}

		round := roundFromKey(key)
		stale, err := s.store.ZRangeByScoreLTE(ctx, key, cutoff)
		if err != nil {
			continue
		}
		for _, id := range stale {
			if err := s.Remove(ctx, round, id); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func isRoundSetKey(key string) bool {
	// "queue:round:<n>" has exactly 3 colon-separated segments; entry
	// hashes have "queue:round:<n>:entry:<id>" with 5.
	segments := 0
	for _, c := range key {
		if c == ':' {
			segments++
		}
	}
	return segments == 2
}

func roundFromKey(key string) int {
	var round int
	fmt.Sscanf(key, keyRoundPrefix+"%d", &round)
	return round
}
