// Package persistence implements the Persistence Sink (C8): a best-effort
// durable mirror of matches and participant activity in PostgreSQL,
// queried by analytics and experiment-replay tooling but never required
// for the matchmaking hot path itself. Grounded on the teacher's
// internal/report/store.go (database/sql + lib/pq, parameterized
// queries, JSONB columns for nested payloads).
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/arenabench/matchmaking/internal/engine"
)

// Store persists matchmaking activity to PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateTournamentMatch implements engine.PersistenceSink. It upserts the
// match row so a retried mirror write after a transient failure is
// idempotent.
func (s *Store) CreateTournamentMatch(ctx context.Context, record engine.MatchRecord) error {
	var participant2ID interface{}
	if record.Participant2ID != "" {
		participant2ID = record.Participant2ID
	}

	var aiSettings interface{}
	if record.AISettings != "" {
		aiSettings = json.RawMessage(record.AISettings)
	}

	const query = `
		INSERT INTO tournament_matches (id, round_number, match_type, status, participant1_id, participant2_id, is_ai, opponent, ai_settings, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status     = EXCLUDED.status,
			updated_at = NOW()`

	_, err := s.db.ExecContext(ctx, query,
		record.ID, record.Round, record.MatchType, record.Status,
		record.Participant1ID, participant2ID, record.IsAI,
		json.RawMessage(record.Opponent), aiSettings, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("persistence: create tournament match %s: %w", record.ID, err)
	}
	return nil
}

// GetActiveMatchForParticipant implements engine.PersistenceSink. It
// reports the most recent active match row for participantID in round, if
// any — used by the Engine's continuous-search tick to detect a pairing
// that completed on another instance without a shared-store match record
// reaching this process (e.g. after a shared-store restart).
func (s *Store) GetActiveMatchForParticipant(ctx context.Context, participantID string, round int) (*engine.MatchRecord, error) {
	const query = `
		SELECT id, round_number, match_type, status, participant1_id, participant2_id, is_ai, opponent, ai_settings, created_at
		FROM tournament_matches
		WHERE round_number = $1 AND status = 'active'
		  AND (participant1_id = $2 OR participant2_id = $2)
		ORDER BY created_at DESC
		LIMIT 1`

	var (
		rec             engine.MatchRecord
		participant2ID  sql.NullString
		aiSettings      sql.NullString
		opponent        []byte
	)

	row := s.db.QueryRowContext(ctx, query, round, participantID)
	if err := row.Scan(&rec.ID, &rec.Round, &rec.MatchType, &rec.Status, &rec.Participant1ID, &participant2ID, &rec.IsAI, &opponent, &aiSettings, &rec.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("persistence: get active match for %s round %d: %w", participantID, round, err)
	}

	rec.Participant2ID = participant2ID.String
	rec.AISettings = aiSettings.String
	rec.Opponent = string(opponent)
	return &rec, nil
}

// UpdateMatchStatus transitions a persisted match's status, used when a
// match completes or is cancelled after creation.
func (s *Store) UpdateMatchStatus(ctx context.Context, matchID, status string) error {
	const query = `UPDATE tournament_matches SET status = $1, updated_at = NOW() WHERE id = $2`
	if _, err := s.db.ExecContext(ctx, query, status, matchID); err != nil {
		return fmt.Errorf("persistence: update match status %s: %w", matchID, err)
	}
	return nil
}

// RecordActivity appends a row to the participant activity log: queue
// joins, matches, cancellations, disconnects, and timeouts, per spec.md
// §4.7's event trail.
func (s *Store) RecordActivity(ctx context.Context, participantID string, round int, eventType, treatmentGroup string, skillLevel float64) error {
	const query = `
		INSERT INTO participant_activity (participant_id, round_number, event_type, treatment_group, skill_level)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.ExecContext(ctx, query, participantID, round, eventType, treatmentGroup, skillLevel); err != nil {
		return fmt.Errorf("persistence: record activity %s: %w", participantID, err)
	}
	return nil
}

// RecordMatchResult stores the outcome of a completed match for a single
// participant's perspective.
func (s *Store) RecordMatchResult(ctx context.Context, matchID, participantID string, correct, total int, finalScore float64, outcome string) error {
	const query = `
		INSERT INTO match_results (match_id, participant_id, questions_correct, questions_total, final_score, outcome)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (match_id, participant_id) DO UPDATE SET
			questions_correct = EXCLUDED.questions_correct,
			questions_total   = EXCLUDED.questions_total,
			final_score       = EXCLUDED.final_score,
			outcome           = EXCLUDED.outcome`
	if _, err := s.db.ExecContext(ctx, query, matchID, participantID, correct, total, finalScore, outcome); err != nil {
		return fmt.Errorf("persistence: record match result %s/%s: %w", matchID, participantID, err)
	}
	return nil
}

// GetMatchHistory returns a participant's match records across all rounds,
// most recent first, for experiment-replay and analytics tooling.
func (s *Store) GetMatchHistory(ctx context.Context, participantID string, limit int) ([]engine.MatchRecord, error) {
	const query = `
		SELECT id, round_number, match_type, status, participant1_id, participant2_id, is_ai, opponent, ai_settings, created_at
		FROM tournament_matches
		WHERE participant1_id = $1 OR participant2_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, participantID, limit)
	if err != nil {
		return nil, fmt.Errorf("persistence: match history for %s: %w", participantID, err)
	}
	defer rows.Close()

	var records []engine.MatchRecord
	for rows.Next() {
		var (
			rec            engine.MatchRecord
			participant2ID sql.NullString
			aiSettings     sql.NullString
			opponent       []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Round, &rec.MatchType, &rec.Status, &rec.Participant1ID, &participant2ID, &rec.IsAI, &opponent, &aiSettings, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("persistence: scan match history row: %w", err)
		}
		rec.Participant2ID = participant2ID.String
		rec.AISettings = aiSettings.String
		rec.Opponent = string(opponent)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persistence: iterate match history for %s: %w", participantID, err)
	}
	return records, nil
}

// GetParticipantStats aggregates a participant's match counts across human
// and AI opponents, for the experiment dashboard.
func (s *Store) GetParticipantStats(ctx context.Context, participantID string) (humanMatches, aiMatches int, err error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE is_ai = FALSE),
			COUNT(*) FILTER (WHERE is_ai = TRUE)
		FROM tournament_matches
		WHERE participant1_id = $1 OR participant2_id = $1`

	row := s.db.QueryRowContext(ctx, query, participantID)
	if scanErr := row.Scan(&humanMatches, &aiMatches); scanErr != nil {
		return 0, 0, fmt.Errorf("persistence: participant stats for %s: %w", participantID, scanErr)
	}
	return humanMatches, aiMatches, nil
}

var _ engine.PersistenceSink = (*Store)(nil)
