// Package validate enforces the boundary validation rules from spec.md §6:
// UUID shape for participant/match ids, round number bounds, skill level
// bounds, and the treatment-group enum. These run before the Engine is
// ever called — invalid input never reaches matchmaking logic.
package validate

import (
	"fmt"
	"regexp"
)

// uuidPattern matches UUIDv1-v5 with variant bits [89ab], per spec.md §6.
var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-5][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// longFormGroups and shortAliasGroups are the recognized treatment-group
// values from spec.md §6.
var longFormGroups = map[string]bool{
	"Group 1: Control":                                      true,
	"Group 2: Goal Setting Only":                             true,
	"Group 3: Goal Setting + AI Assistant":                   true,
	"Group 4: Goal Setting + AI Assistant + Competition":      true,
	"Group 5: Goal Setting + AI Assistant + Blind Competition": true,
}

var shortAliasGroups = map[string]bool{
	"control":      true,
	"goal_setting": true,
	"goal_ai":      true,
	"tournament":   true,
}

// UUID reports whether id is a syntactically valid UUIDv1-v5 with variant
// bits in [89ab].
func UUID(id string) error {
	if !uuidPattern.MatchString(id) {
		return fmt.Errorf("validate: %q is not a valid UUID", id)
	}
	return nil
}

// Round reports whether round falls within the valid experimental-phase
// range [1, 10].
func Round(round int) error {
	if round < 1 || round > 10 {
		return fmt.Errorf("validate: round number %d out of range [1, 10]", round)
	}
	return nil
}

// SkillLevel reports whether skill falls within [1, 10].
func SkillLevel(skill float64) error {
	if skill < 1 || skill > 10 {
		return fmt.Errorf("validate: skill level %v out of range [1, 10]", skill)
	}
	return nil
}

// TreatmentGroup reports whether group is a recognized long-form or
// short-alias treatment-group value. Any other value is rejected.
func TreatmentGroup(group string) error {
	if longFormGroups[group] || shortAliasGroups[group] {
		return nil
	}
	return fmt.Errorf("validate: unrecognized treatment group %q", group)
}

// StartMatchmakingRequest is the validated, immutable request record an
// external collaborator constructs after validation passes. Unlike the
// original source (see DESIGN.md), the boundary never mutates an inbound
// request in place — it builds one of these instead.
type StartMatchmakingRequest struct {
	ParticipantID   string
	ParticipantName string
	RoundNumber     int
	SkillLevel      float64
	TreatmentGroup  string
}

// NewStartMatchmakingRequest validates all fields and returns an immutable
// request record, or an error naming the first validation failure.
func NewStartMatchmakingRequest(participantID, participantName string, round int, skill float64, group string) (StartMatchmakingRequest, error) {
	if err := UUID(participantID); err != nil {
		return StartMatchmakingRequest{}, err
	}
	if err := Round(round); err != nil {
		return StartMatchmakingRequest{}, err
	}
	if err := SkillLevel(skill); err != nil {
		return StartMatchmakingRequest{}, err
	}
	if err := TreatmentGroup(group); err != nil {
		return StartMatchmakingRequest{}, err
	}
	return StartMatchmakingRequest{
		ParticipantID:   participantID,
		ParticipantName: participantName,
		RoundNumber:     round,
		SkillLevel:      skill,
		TreatmentGroup:  group,
	}, nil
}
