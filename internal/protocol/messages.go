// Package protocol defines the push-channel message types and structures
// used between participants and the matchmaking service. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator. Grounded on the teacher's internal/protocol/messages.go
// two-phase decode pattern (Envelope captures raw bytes + type, then
// dispatch decodes into a concrete struct); the message catalogue itself
// is rebuilt for the matchmaking events in spec.md §6.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeRegister           = "register"
	TypeStartMatchmaking   = "start_matchmaking"
	TypeCancelMatchmaking  = "cancel_matchmaking"
	TypeGetQueueStatus     = "get_queue_status"
	TypeMatchUpdate        = "match_update"
	TypeUpdateStatus       = "update_status"
	TypePing               = "ping"
)

// Server -> Client event types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeRegistrationSuccess   = "registration_success"
	TypeMatchmakingStarted    = "matchmaking_started"
	TypeMatchmakingStatus     = "matchmaking_status"
	TypeMatchFound            = "match_found"
	TypeServerMatchUpdate     = "match_update"
	TypeQueueStatusUpdate     = "queue_status_update"
	TypeStatusUpdated         = "status_updated"
	TypeMatchmakingCancelled  = "matchmaking_cancelled"
	TypeMatchmakingError      = "matchmaking_error"
	TypeError                 = "error"
	TypeHeartbeat             = "heartbeat"
	TypePong                  = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// RegisterMsg associates the connection with a participant identity.
type RegisterMsg struct {
	Type           string `json:"type"`
	ParticipantID  string `json:"participantId"`
	ParticipantName string `json:"participantName"`
	RoundNumber    int    `json:"roundNumber"`
	TreatmentGroup string `json:"treatmentGroup"`
}

// StartMatchmakingMsg requests entry into a round's matchmaking queue.
type StartMatchmakingMsg struct {
	Type            string  `json:"type"`
	ParticipantID   string  `json:"participantId"`
	RoundNumber     int     `json:"roundNumber"`
	SkillLevel      float64 `json:"skillLevel"`
	TreatmentGroup  string  `json:"treatmentGroup"`
	ParticipantName string  `json:"participantName"`
}

// CancelMatchmakingMsg requests withdrawal from the current search.
type CancelMatchmakingMsg struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participantId"`
	RoundNumber   int    `json:"roundNumber"`
}

// GetQueueStatusMsg requests the current snapshot of a round's queue.
type GetQueueStatusMsg struct {
	Type        string `json:"type"`
	RoundNumber int    `json:"roundNumber"`
}

// MatchUpdateMsg carries an application-level update about an existing
// match (e.g. a lifecycle transition reported by the client).
type MatchUpdateMsg struct {
	Type       string                 `json:"type"`
	MatchID    string                 `json:"matchId"`
	UpdateType string                 `json:"updateType"`
	UpdateData map[string]interface{} `json:"updateData"`
}

// UpdateStatusMsg writes through a participant status change.
type UpdateStatusMsg struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participantId"`
	Status        string `json:"status"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectionEstablishedMsg is sent immediately after a raw transport
// upgrade, before any participant identity is known.
type ConnectionEstablishedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

// RegistrationSuccessMsg confirms a register event was processed.
type RegistrationSuccessMsg struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participantId"`
}

// MatchmakingStartedMsg confirms entry into the search lifecycle.
type MatchmakingStartedMsg struct {
	Type                 string `json:"type"`
	Status               string `json:"status"`
	QueuePosition         int    `json:"queuePosition"`
	EstimatedWaitSeconds  int    `json:"estimatedWaitSeconds"`
}

// MatchmakingStatusMsg reports the current status of an in-progress
// search, used as a periodic or on-demand status echo.
type MatchmakingStatusMsg struct {
	Type                 string `json:"type"`
	Status               string `json:"status"`
	QueuePosition         int    `json:"queuePosition"`
	EstimatedWaitSeconds  int    `json:"estimatedWaitSeconds"`
}

// MatchFoundMsg is the match-found payload, materialized per-peer by the
// push dispatcher per spec.md §4.6 and §6.
type MatchFoundMsg struct {
	Type             string          `json:"type"`
	ID               string          `json:"id"`
	Participant1ID   string          `json:"participant1_id"`
	Participant2ID   *string         `json:"participant2_id"`
	RoundNumber      int             `json:"round_number"`
	MatchType        string          `json:"match_type"`
	Status           string          `json:"status"`
	CreatedAt        int64           `json:"created_at"`
	IsAI             bool            `json:"isAI"`
	Opponent         json.RawMessage `json:"opponent"`
	MyRole           string          `json:"myRole"`
	Timestamp        int64           `json:"timestamp"`
	AISettings       json.RawMessage `json:"aiSettings,omitempty"`
}

// ServerMatchUpdateMsg carries a match update; the push dispatcher sends
// it back to the connection that sent the update.
type ServerMatchUpdateMsg struct {
	Type       string                 `json:"type"`
	MatchID    string                 `json:"matchId"`
	UpdateType string                 `json:"updateType"`
	UpdateData map[string]interface{} `json:"updateData"`
}

// QueueStatusUpdateMsg reports aggregate round-queue statistics.
type QueueStatusUpdateMsg struct {
	Type              string  `json:"type"`
	RoundNumber       int     `json:"roundNumber"`
	TotalWaiting      int     `json:"totalWaiting"`
	AverageWaitTime   float64 `json:"averageWaitTime"`
	RecentMatches     int     `json:"recentMatches"`
	EstimatedWaitTime float64 `json:"estimatedWaitTime"`
}

// StatusUpdatedMsg confirms a write-through status change.
type StatusUpdatedMsg struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participantId"`
	Status        string `json:"status"`
}

// MatchmakingCancelledMsg confirms a cancelled search.
type MatchmakingCancelledMsg struct {
	Type string `json:"type"`
}

// MatchmakingErrorMsg reports a failure to start or continue a search.
type MatchmakingErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorMsg is sent by the server to communicate a malformed-payload or
// protocol-level error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatMsg is broadcast on every heartbeat tick.
type HeartbeatMsg struct {
	Type      string `json:"type"`
	Connected int    `json:"connected"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client
// message. It returns the message type string, the decoded struct, and
// any error encountered during parsing. An error is returned for unknown
// or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeRegister:
		var m RegisterMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStartMatchmaking:
		var m StartMatchmakingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelMatchmaking:
		var m CancelMatchmakingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetQueueStatus:
		var m GetQueueStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMatchUpdate:
		var m MatchUpdateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUpdateStatus:
		var m UpdateStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
