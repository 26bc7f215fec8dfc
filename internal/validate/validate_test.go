package validate

import "testing"

func TestUUID_Valid(t *testing.T) {
	valid := []string{
		"9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d", // v4
		"a8098c1a-f86e-11da-bd1a-00112444be1e", // v1
	}
	for _, id := range valid {
		if err := UUID(id); err != nil {
			t.Errorf("expected %q to be valid: %v", id, err)
		}
	}
}

func TestUUID_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"not-a-uuid",
		"9b1deb4d-3b7d-0bad-9bdd-2b0d7b3dcb6d", // invalid version nibble
		"9b1deb4d-3b7d-4bad-0bdd-2b0d7b3dcb6d", // invalid variant nibble
	}
	for _, id := range invalid {
		if err := UUID(id); err == nil {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}

func TestRound_Bounds(t *testing.T) {
	if err := Round(0); err == nil {
		t.Error("round 0 should be rejected")
	}
	if err := Round(11); err == nil {
		t.Error("round 11 should be rejected")
	}
	if err := Round(1); err != nil {
		t.Error("round 1 should be accepted")
	}
	if err := Round(10); err != nil {
		t.Error("round 10 should be accepted")
	}
}

func TestSkillLevel_Bounds(t *testing.T) {
	if err := SkillLevel(0.5); err == nil {
		t.Error("skill 0.5 should be rejected")
	}
	if err := SkillLevel(10.1); err == nil {
		t.Error("skill 10.1 should be rejected")
	}
	if err := SkillLevel(5.5); err != nil {
		t.Error("skill 5.5 should be accepted")
	}
}

func TestTreatmentGroup_Recognized(t *testing.T) {
	recognized := []string{
		"Group 1: Control",
		"Group 5: Goal Setting + AI Assistant + Blind Competition",
		"control",
		"tournament",
	}
	for _, g := range recognized {
		if err := TreatmentGroup(g); err != nil {
			t.Errorf("expected %q to be recognized: %v", g, err)
		}
	}
}

func TestTreatmentGroup_Unrecognized(t *testing.T) {
	if err := TreatmentGroup("not_a_group"); err == nil {
		t.Error("expected unrecognized group to be rejected")
	}
}

func TestNewStartMatchmakingRequest_ImmutableOnSuccess(t *testing.T) {
	req, err := NewStartMatchmakingRequest("9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d", "Alice", 3, 5.0, "control")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.ParticipantName != "Alice" || req.RoundNumber != 3 {
		t.Errorf("unexpected request contents: %+v", req)
	}
}

func TestNewStartMatchmakingRequest_FirstFailureReported(t *testing.T) {
	_, err := NewStartMatchmakingRequest("not-a-uuid", "Alice", 3, 5.0, "control")
	if err == nil {
		t.Fatal("expected validation error for malformed participant id")
	}
}
