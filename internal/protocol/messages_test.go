package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientMessage_Register(t *testing.T) {
	input := []byte(`{"type":"register","participantId":"p1","participantName":"Alice","roundNumber":1,"treatmentGroup":"control"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeRegister {
		t.Fatalf("expected type %q, got %q", TypeRegister, msgType)
	}
	reg, ok := msg.(RegisterMsg)
	if !ok {
		t.Fatalf("expected RegisterMsg, got %T", msg)
	}
	if reg.ParticipantID != "p1" || reg.RoundNumber != 1 {
		t.Errorf("unexpected register contents: %+v", reg)
	}
}

func TestParseClientMessage_StartMatchmaking(t *testing.T) {
	input := []byte(`{"type":"start_matchmaking","participantId":"p1","roundNumber":2,"skillLevel":6.5,"treatmentGroup":"tournament"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeStartMatchmaking {
		t.Fatalf("expected type %q, got %q", TypeStartMatchmaking, msgType)
	}
	sm, ok := msg.(StartMatchmakingMsg)
	if !ok {
		t.Fatalf("expected StartMatchmakingMsg, got %T", msg)
	}
	if sm.SkillLevel != 6.5 || sm.RoundNumber != 2 {
		t.Errorf("unexpected start_matchmaking contents: %+v", sm)
	}
}

func TestParseClientMessage_CancelMatchmaking(t *testing.T) {
	input := []byte(`{"type":"cancel_matchmaking","participantId":"p1","roundNumber":2}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeCancelMatchmaking {
		t.Fatalf("expected type %q, got %q", TypeCancelMatchmaking, msgType)
	}
	if _, ok := msg.(CancelMatchmakingMsg); !ok {
		t.Fatalf("expected CancelMatchmakingMsg, got %T", msg)
	}
}

func TestParseClientMessage_GetQueueStatus(t *testing.T) {
	input := []byte(`{"type":"get_queue_status","roundNumber":3}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeGetQueueStatus {
		t.Fatalf("expected type %q, got %q", TypeGetQueueStatus, msgType)
	}
	gs, ok := msg.(GetQueueStatusMsg)
	if !ok {
		t.Fatalf("expected GetQueueStatusMsg, got %T", msg)
	}
	if gs.RoundNumber != 3 {
		t.Errorf("unexpected round number: %d", gs.RoundNumber)
	}
}

func TestParseClientMessage_MatchUpdate(t *testing.T) {
	input := []byte(`{"type":"match_update","matchId":"m1","updateType":"answer_submitted","updateData":{"correct":true}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMatchUpdate {
		t.Fatalf("expected type %q, got %q", TypeMatchUpdate, msgType)
	}
	mu, ok := msg.(MatchUpdateMsg)
	if !ok {
		t.Fatalf("expected MatchUpdateMsg, got %T", msg)
	}
	if mu.MatchID != "m1" || mu.UpdateType != "answer_submitted" {
		t.Errorf("unexpected match_update contents: %+v", mu)
	}
}

func TestParseClientMessage_UpdateStatus(t *testing.T) {
	input := []byte(`{"type":"update_status","participantId":"p1","status":"ready"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeUpdateStatus {
		t.Fatalf("expected type %q, got %q", TypeUpdateStatus, msgType)
	}
	if _, ok := msg.(UpdateStatusMsg); !ok {
		t.Fatalf("expected UpdateStatusMsg, got %T", msg)
	}
}

func TestParseClientMessage_Ping(t *testing.T) {
	input := []byte(`{"type":"ping"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePing {
		t.Fatalf("expected type %q, got %q", TypePing, msgType)
	}
	if _, ok := msg.(PingMsg); !ok {
		t.Fatalf("expected PingMsg, got %T", msg)
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"not_a_real_type"}`)

	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected an error for an unrecognized message type")
	}
}

func TestParseClientMessage_MalformedJSON(t *testing.T) {
	input := []byte(`{"type":`)

	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeMatchmakingStarted, MatchmakingStartedMsg{
		Status: "searching", QueuePosition: 4, EstimatedWaitSeconds: 12,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if decoded["type"] != TypeMatchmakingStarted {
		t.Errorf("expected injected type %q, got %v", TypeMatchmakingStarted, decoded["type"])
	}
	if decoded["status"] != "searching" {
		t.Errorf("expected status field to survive marshaling, got %v", decoded["status"])
	}
}

func TestNewServerMessage_MatchFoundRoundTrip(t *testing.T) {
	data, err := NewServerMessage(TypeMatchFound, MatchFoundMsg{
		ID: "m1", RoundNumber: 2, MatchType: "live-human", Status: "active",
		IsAI: false, MyRole: "participant1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if decoded["type"] != TypeMatchFound {
		t.Errorf("expected type %q, got %v", TypeMatchFound, decoded["type"])
	}
	if decoded["id"] != "m1" {
		t.Errorf("expected id %q, got %v", "m1", decoded["id"])
	}
}
