// Package registry implements the participant registry: a shared-store
// hash per participant recording their current matchmaking status. Grounded
// on the teacher's internal/session/store.go (Redis hash + sliding TTL,
// status state machine), generalized from the teacher's idle/matching/
// chatting states to this spec's searching/matched/cancelled/disconnected/
// timeout set.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/arenabench/matchmaking/internal/store"
)

const (
	keyPrefix = "participant:"
	keySuffix = ":status"

	// StatusTTL is refreshed on every write, per spec.md §3.
	StatusTTL = 1 * time.Hour

	StatusSearching   = "searching"
	StatusMatched     = "matched"
	StatusCancelled   = "cancelled"
	StatusDisconnected = "disconnected"
	StatusTimeout     = "timeout"
)

// Status is a participant's current matchmaking state plus associated
// metadata.
type Status struct {
	ParticipantID  string
	Status         string
	LastUpdated    time.Time
	MatchID        string
	Round          int
	SkillLevel     float64
	TreatmentGroup string
}

// Registry stores and queries participant status records.
type Registry struct {
	store *store.Store
}

// New creates a Registry backed by store.
func New(s *store.Store) *Registry {
	return &Registry{store: s}
}

func key(participantID string) string {
	return keyPrefix + participantID + keySuffix
}

// SetSearching marks a participant as actively searching, attaching the
// round/skill/treatment-group metadata the engine needs to reconstruct a
// queue entry from the status record alone.
func (r *Registry) SetSearching(ctx context.Context, participantID string, round int, skill float64, group string) error {
	return r.write(ctx, participantID, map[string]interface{}{
		"status":          StatusSearching,
		"round":           round,
		"skill_level":     skill,
		"treatment_group": group,
	})
}

// SetMatched marks a participant as matched with the given match id.
func (r *Registry) SetMatched(ctx context.Context, participantID, matchID string) error {
	return r.write(ctx, participantID, map[string]interface{}{
		"status":   StatusMatched,
		"match_id": matchID,
	})
}

// SetStatus writes a bare status transition (cancelled, disconnected,
// timeout) without touching match/round metadata.
func (r *Registry) SetStatus(ctx context.Context, participantID, status string) error {
	return r.write(ctx, participantID, map[string]interface{}{"status": status})
}

func (r *Registry) write(ctx context.Context, participantID string, fields map[string]interface{}) error {
	fields["last_updated"] = time.Now().Unix()
	k := key(participantID)
	if err := r.store.HSet(ctx, k, fields); err != nil {
		return fmt.Errorf("registry: write %s: %w", participantID, err)
	}
	if err := r.store.Expire(ctx, k, StatusTTL); err != nil {
		return fmt.Errorf("registry: expire %s: %w", participantID, err)
	}
	return nil
}

// Get retrieves a participant's status record, or nil if absent/expired.
func (r *Registry) Get(ctx context.Context, participantID string) (*Status, error) {
	fields, err := r.store.HGetAll(ctx, key(participantID))
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", participantID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	lastUpdated, _ := strconv.ParseInt(fields["last_updated"], 10, 64)
	round, _ := strconv.Atoi(fields["round"])
	skill, _ := strconv.ParseFloat(fields["skill_level"], 64)

	return &Status{
		ParticipantID:  participantID,
		Status:         fields["status"],
		LastUpdated:    time.Unix(lastUpdated, 0),
		MatchID:        fields["match_id"],
		Round:          round,
		SkillLevel:     skill,
		TreatmentGroup: fields["treatment_group"],
	}, nil
}

// IsMatched implements queue.StatusChecker.
func (r *Registry) IsMatched(ctx context.Context, participantID string) (bool, error) {
	status, err := r.Get(ctx, participantID)
	if err != nil {
		return false, err
	}
	if status == nil {
		return false, nil
	}
	return status.Status == StatusMatched, nil
}
