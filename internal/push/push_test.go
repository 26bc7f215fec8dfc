package push

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/arenabench/matchmaking/internal/ai"
	"github.com/arenabench/matchmaking/internal/engine"
	"github.com/arenabench/matchmaking/internal/protocol"
	"github.com/arenabench/matchmaking/internal/ws"
)

// newPipeConnection returns a ws.Connection backed by an in-memory net.Pipe
// and the peer end the test reads decoded frames from.
func newPipeConnection(t *testing.T) (*ws.Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return &ws.Connection{ID: "conn1", Conn: server, CreatedAt: time.Now()}, client
}

func TestDeliverMatchFound_HumanMatch(t *testing.T) {
	d := &Dispatcher{}
	conn, client := newPipeConnection(t)

	match := engine.Match{Human: &engine.HumanMatch{
		ID: "m1", Round: 2, Participant1ID: "p1", Participant2ID: "p2",
		Participant1Name: "Alice", Participant2Name: "Bob",
		Participant1Skill: 5.0, Participant2Skill: 5.5,
		CreatedAt: time.Now(), Status: engine.StatusActive,
	}}

	done := make(chan map[string]interface{}, 1)
	go func() {
		decoded := readWSTextFrame(t, client)
		done <- decoded
	}()

	d.deliverMatchFound(context.Background(), match, "p1", conn)

	decoded := <-done
	if decoded["type"] != protocol.TypeMatchFound {
		t.Errorf("expected type %q, got %v", protocol.TypeMatchFound, decoded["type"])
	}
	if decoded["myRole"] != "participant1" {
		t.Errorf("expected myRole participant1, got %v", decoded["myRole"])
	}
	if decoded["isAI"] != false {
		t.Errorf("expected isAI=false for human match, got %v", decoded["isAI"])
	}
}

func TestDeliverMatchFound_AIMatch(t *testing.T) {
	d := &Dispatcher{}
	conn, client := newPipeConnection(t)

	match := engine.Match{AI: &engine.AIMatch{
		ID: "m2", Round: 1, ParticipantID: "p1", ParticipantName: "Alice",
		Opponent:  ai.SelectedOpponent{Opponent: ai.Roster[0]},
		CreatedAt: time.Now(), Status: engine.StatusActive,
	}}

	done := make(chan map[string]interface{}, 1)
	go func() {
		decoded := readWSTextFrame(t, client)
		done <- decoded
	}()

	d.deliverMatchFound(context.Background(), match, "p1", conn)

	decoded := <-done
	if decoded["isAI"] != true {
		t.Errorf("expected isAI=true for AI match, got %v", decoded["isAI"])
	}
	if decoded["aiSettings"] == nil {
		t.Error("expected aiSettings to be populated for an AI match")
	}
}

func TestMatchType(t *testing.T) {
	human := engine.Match{Human: &engine.HumanMatch{}}
	ai := engine.Match{AI: &engine.AIMatch{}}
	if matchType(human) != engine.MatchTypeHuman {
		t.Errorf("expected human match type, got %q", matchType(human))
	}
	if matchType(ai) != engine.MatchTypeAI {
		t.Errorf("expected ai match type, got %q", matchType(ai))
	}
}

func TestEstimateWaitSeconds(t *testing.T) {
	if got := estimateWaitSeconds(0); got != 5 {
		t.Errorf("estimateWaitSeconds(0) = %d, want 5", got)
	}
	if got := estimateWaitSeconds(3); got != 9 {
		t.Errorf("estimateWaitSeconds(3) = %d, want 9", got)
	}
}

func TestTouchSession_UpsertsBothMaps(t *testing.T) {
	d := &Dispatcher{byParticipant: make(map[string]*session), byConn: make(map[string]*session)}
	d.touchSession("conn1", "p1", "Alice", 2, "control")

	if _, ok := d.byParticipant["p1"]; !ok {
		t.Error("expected session indexed by participant id")
	}
	if _, ok := d.byConn["conn1"]; !ok {
		t.Error("expected session indexed by connection id")
	}
	if d.byParticipant["p1"] != d.byConn["conn1"] {
		t.Error("expected both maps to reference the same session")
	}
}

// readWSTextFrame reads and decodes a single gobwas/ws text frame written
// by Connection.WriteMessage, returning the payload as a generic map.
func readWSTextFrame(t *testing.T, conn net.Conn) map[string]interface{} {
	t.Helper()
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	payloadLen := int(header[1] & 0x7f)
	var extra int
	switch payloadLen {
	case 126:
		extra = 2
	case 127:
		extra = 8
	}
	lenBytes := make([]byte, extra)
	if extra > 0 {
		if _, err := io.ReadFull(conn, lenBytes); err != nil {
			t.Fatalf("read extended length: %v", err)
		}
		payloadLen = 0
		for _, b := range lenBytes {
			payloadLen = payloadLen<<8 | int(b)
		}
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return decoded
}
