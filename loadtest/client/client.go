// Package client provides a reusable WebSocket load test client for the
// matchmaking service. It connects using gobwas/ws (the same library the
// server uses), sends the register handshake, and
// tracks per-connection performance metrics. Adapted from the teacher's
// loadtest/client package, which handled the chat app's session_created ->
// set_fingerprint handshake; here the handshake is register ->
// registration_success and the event of interest is match_found rather
// than a chat session.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeRegister          = "register"
	TypeStartMatchmaking  = "start_matchmaking"
	TypeCancelMatchmaking = "cancel_matchmaking"
	TypeGetQueueStatus    = "get_queue_status"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeRegistrationSuccess = "registration_success"
	TypeMatchmakingStarted  = "matchmaking_started"
	TypeMatchFound          = "match_found"
	TypeQueueStatusUpdate   = "queue_status_update"
	TypeMatchmakingError    = "matchmaking_error"
	TypeError               = "error"
	TypePong                = "pong"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client represents a single simulated participant connection to the
// matchmaking server. It manages the WebSocket lifecycle, dispatches
// incoming messages to registered handlers, and completes the register
// handshake using the participant id supplied to New.
type Client struct {
	conn          net.Conn
	participantID string
	registered    chan struct{}
	registerOnce  sync.Once
	mu            sync.Mutex
	metrics       Metrics
	handlers      map[string]func(json.RawMessage)
	done          chan struct{}
	closeOnce     sync.Once
	firstMsg      time.Time
}

// New creates a new load test client connected to url and immediately sends
// a register message identifying the connection as participantID in round.
// A background goroutine begins reading messages right away.
func New(ctx context.Context, url, participantID, participantName string, round int) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:          conn,
		participantID: participantID,
		registered:    make(chan struct{}),
		handlers:      make(map[string]func(json.RawMessage)),
		done:          make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	c.On(TypeRegistrationSuccess, func(json.RawMessage) {
		c.registerOnce.Do(func() { close(c.registered) })
	})

	go c.readLoop()

	if err := c.Send(map[string]interface{}{
		"type":            TypeRegister,
		"participantId":   participantID,
		"participantName": participantName,
		"roundNumber":     round,
	}); err != nil {
		return nil, fmt.Errorf("send register: %w", err)
	}

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding. Handlers
// are invoked from the read loop goroutine so they should not block for
// extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForRegistration blocks until the server has confirmed registration or
// the context is cancelled.
func (c *Client) WaitForRegistration(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before registration completed")
	case <-c.registered:
		return nil
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// ParticipantID returns the id this client registered with.
func (c *Client) ParticipantID() string {
	return c.participantID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and
// dispatches them to registered handlers. It runs until the connection is
// closed or an unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.metrics.Errors++
			return
		}

		if c.firstMsg.IsZero() {
			c.firstMsg = time.Now()
			c.metrics.FirstMsgLatency = c.metrics.ConnectLatency + time.Since(c.firstMsg)
		}
		c.metrics.MessagesReceived++

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
