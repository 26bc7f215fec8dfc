package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/arenabench/matchmaking/internal/ai"
)

// Match statuses, per spec.md §3.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusPaused    = "paused"
)

// Match types.
const (
	MatchTypeHuman = "live-human"
	MatchTypeAI    = "human-vs-ai"
)

// HumanMatch is the human-vs-human arm of the Match tagged variant.
type HumanMatch struct {
	ID                string
	Round             int
	Participant1ID    string
	Participant2ID    string
	Participant1Name  string
	Participant2Name  string
	Participant1Skill float64
	Participant2Skill float64
	TreatmentGroup1   string
	TreatmentGroup2   string
	CreatedAt         time.Time
	Status            string
}

// AIMatch is the human-vs-AI arm of the Match tagged variant.
type AIMatch struct {
	ID              string
	Round           int
	ParticipantID   string
	ParticipantName string
	Opponent        ai.SelectedOpponent
	CreatedAt       time.Time
	Status          string
}

// Match is the tagged-variant internal representation Design Notes §9
// calls for: exactly one of Human or AI is set. It is serialized to a
// MatchRecord at the shared-store boundary and to a wire payload at the
// push-protocol boundary; neither boundary ever sees this type directly.
type Match struct {
	Human *HumanMatch
	AI    *AIMatch
}

// IsAI reports whether this is the AI arm of the variant.
func (m Match) IsAI() bool { return m.AI != nil }

// ID returns the match id regardless of variant.
func (m Match) ID() string {
	if m.AI != nil {
		return m.AI.ID
	}
	return m.Human.ID
}

// RoundNumber returns the round regardless of variant.
func (m Match) RoundNumber() int {
	if m.AI != nil {
		return m.AI.Round
	}
	return m.Human.Round
}

// Participant1ID returns the initiating participant's id regardless of
// variant.
func (m Match) Participant1ID() string {
	if m.AI != nil {
		return m.AI.ParticipantID
	}
	return m.Human.Participant1ID
}

// Participant2ID returns the opponent's participant id, or "" for an AI
// match.
func (m Match) Participant2ID() string {
	if m.AI != nil {
		return ""
	}
	return m.Human.Participant2ID
}

// CreatedAt returns the creation time regardless of variant.
func (m Match) CreatedAt() time.Time {
	if m.AI != nil {
		return m.AI.CreatedAt
	}
	return m.Human.CreatedAt
}

// Status returns the match status regardless of variant.
func (m Match) Status() string {
	if m.AI != nil {
		return m.AI.Status
	}
	return m.Human.Status
}

// humanOpponentDescriptor is the JSON shape of a human opponent as seen
// from the *other* participant's perspective.
type humanOpponentDescriptor struct {
	ID             string  `json:"id"`
	DisplayName    string  `json:"displayName"`
	SkillLevel     float64 `json:"skillLevel"`
	TreatmentGroup string  `json:"treatmentGroup"`
}

// aiOpponentDescriptor is the JSON shape of an AI opponent.
type aiOpponentDescriptor struct {
	ID             string  `json:"id"`
	DisplayName    string  `json:"displayName"`
	BaseSkill      float64 `json:"baseSkill"`
	EffectiveSkill float64 `json:"effectiveSkill"`
	Personality    string  `json:"personality"`
	ResponseClass  string  `json:"responseClass"`
}

// aiSettingsPayload is the serialized aiSettings field on AI match records.
type aiSettingsPayload struct {
	Personality    string  `json:"personality"`
	ResponseClass  string  `json:"responseClass"`
	EffectiveSkill float64 `json:"effectiveSkill"`
}

// OpponentFor renders the opponent descriptor as seen by perspectiveID.
// For a human match this is whichever participant perspectiveID is not;
// for an AI match it is always the AI opponent.
func (m Match) OpponentFor(perspectiveID string) (json.RawMessage, error) {
	if m.AI != nil {
		return json.Marshal(aiOpponentDescriptor{
			ID:             m.AI.Opponent.ID,
			DisplayName:    m.AI.Opponent.DisplayName,
			BaseSkill:      m.AI.Opponent.BaseSkill,
			EffectiveSkill: m.AI.Opponent.EffectiveSkill,
			Personality:    string(m.AI.Opponent.Personality),
			ResponseClass:  string(m.AI.Opponent.ResponseClass),
		})
	}

	h := m.Human
	if perspectiveID == h.Participant1ID {
		return json.Marshal(humanOpponentDescriptor{
			ID: h.Participant2ID, DisplayName: h.Participant2Name,
			SkillLevel: h.Participant2Skill, TreatmentGroup: h.TreatmentGroup2,
		})
	}
	return json.Marshal(humanOpponentDescriptor{
		ID: h.Participant1ID, DisplayName: h.Participant1Name,
		SkillLevel: h.Participant1Skill, TreatmentGroup: h.TreatmentGroup1,
	})
}

// MyRoleFor returns "participant1" or "participant2" depending on which
// side of a human match perspectiveID occupies; AI matches are always
// "participant1" since the AI never takes a slot in the variant.
func (m Match) MyRoleFor(perspectiveID string) string {
	if m.AI != nil {
		return "participant1"
	}
	if perspectiveID == m.Human.Participant1ID {
		return "participant1"
	}
	return "participant2"
}

// MatchRecord is the flat, all-strings shape the shared store holds at
// key match:<id>, per spec.md §3. Every value is text; nested objects are
// serialized as JSON text, mirroring the queue/registry hashes.
type MatchRecord struct {
	ID             string
	Participant1ID string
	Participant2ID string // "" for AI matches
	Round          int
	MatchType      string
	Status         string
	CreatedAt      time.Time
	IsAI           bool
	Opponent       string // JSON text
	AISettings     string // JSON text, only set for AI matches
}

// ToRecord serializes a Match to its shared-store hash representation.
func (m Match) ToRecord() (MatchRecord, error) {
	if m.AI != nil {
		opponent, err := json.Marshal(aiOpponentDescriptor{
			ID: m.AI.Opponent.ID, DisplayName: m.AI.Opponent.DisplayName,
			BaseSkill: m.AI.Opponent.BaseSkill, EffectiveSkill: m.AI.Opponent.EffectiveSkill,
			Personality: string(m.AI.Opponent.Personality), ResponseClass: string(m.AI.Opponent.ResponseClass),
		})
		if err != nil {
			return MatchRecord{}, fmt.Errorf("engine: marshal AI opponent: %w", err)
		}
		settings, err := json.Marshal(aiSettingsPayload{
			Personality: string(m.AI.Opponent.Personality), ResponseClass: string(m.AI.Opponent.ResponseClass),
			EffectiveSkill: m.AI.Opponent.EffectiveSkill,
		})
		if err != nil {
			return MatchRecord{}, fmt.Errorf("engine: marshal AI settings: %w", err)
		}
		return MatchRecord{
			ID: m.AI.ID, Participant1ID: m.AI.ParticipantID, Round: m.AI.Round,
			MatchType: MatchTypeAI, Status: m.AI.Status, CreatedAt: m.AI.CreatedAt,
			IsAI: true, Opponent: string(opponent), AISettings: string(settings),
		}, nil
	}

	h := m.Human
	opponent, err := json.Marshal(humanOpponentDescriptor{
		ID: h.Participant2ID, DisplayName: h.Participant2Name,
		SkillLevel: h.Participant2Skill, TreatmentGroup: h.TreatmentGroup2,
	})
	if err != nil {
		return MatchRecord{}, fmt.Errorf("engine: marshal human opponent: %w", err)
	}
	return MatchRecord{
		ID: h.ID, Participant1ID: h.Participant1ID, Participant2ID: h.Participant2ID,
		Round: h.Round, MatchType: MatchTypeHuman, Status: h.Status, CreatedAt: h.CreatedAt,
		IsAI: false, Opponent: string(opponent),
	}, nil
}

// Fields renders a MatchRecord as the field map written to the match:<id>
// hash.
func (r MatchRecord) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"id":              r.ID,
		"participant1_id": r.Participant1ID,
		"participant2_id": r.Participant2ID,
		"round":           r.Round,
		"match_type":      r.MatchType,
		"status":          r.Status,
		"created_at":      r.CreatedAt.UnixMilli(),
		"is_ai":           strconv.FormatBool(r.IsAI),
		"opponent":        r.Opponent,
	}
	if r.AISettings != "" {
		fields["ai_settings"] = r.AISettings
	}
	return fields
}

// MatchRecordFromFields parses the match:<id> hash back into a
// MatchRecord, performing the isAI string-to-boolean coercion Design
// Notes §9 calls out explicitly: the shared store holds every value as
// text, so "true"/"false" must be parsed back to bool at this boundary.
func MatchRecordFromFields(fields map[string]string) (MatchRecord, error) {
	round, _ := strconv.Atoi(fields["round"])
	createdMs, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	isAI := fields["is_ai"] == "true"

	return MatchRecord{
		ID:             fields["id"],
		Participant1ID: fields["participant1_id"],
		Participant2ID: fields["participant2_id"],
		Round:          round,
		MatchType:      fields["match_type"],
		Status:         fields["status"],
		CreatedAt:      time.UnixMilli(createdMs),
		IsAI:           isAI,
		Opponent:       fields["opponent"],
		AISettings:     fields["ai_settings"],
	}, nil
}
