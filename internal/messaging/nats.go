// Package messaging provides a NATS client wrapper for pub/sub messaging
// across matchmaking service instances. It handles connection lifecycle,
// subject-based subscriptions, and convenience methods for the matchmaking
// and engine-worker channels. Grounded on the teacher's
// internal/messaging/nats.go; chat/moderation subjects dropped, match
// subjects kept and regrounded for cross-instance engine coordination (a
// standalone cmd/matchworker can run the Engine and publish match.found to
// whichever cmd/matchserver instance holds the participant's connection).
package messaging

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across matchmaking service instances.
const (
	SubjectMatchRequest = "match.request"        // engine-worker enqueue request
	SubjectMatchCancel  = "match.cancel"          // engine-worker cancel request
	SubjectMatchFound   = "match.found"           // + .<participant_id>
	SubjectMatchNotify  = "match.notify"          // + .<participant_id> (queue status, search-continuing events)
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "matchmaking",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishMatchRequest publishes data to the match.request subject.
func (c *NATSClient) PublishMatchRequest(data []byte) error {
	return c.Publish(SubjectMatchRequest, data)
}

// PublishMatchFound publishes a match-found event for participantID to
// match.found.<participant_id>. cmd/matchworker uses this to hand a
// match-found event to whichever matchserver instance holds the
// participant's live connection.
func (c *NATSClient) PublishMatchFound(participantID string, data []byte) error {
	return c.Publish(SubjectMatchFound+"."+participantID, data)
}

// SubscribeMatchFoundAll subscribes to match.found.* and passes each
// event's participant id (the subject's final token) and payload to
// handler. A single wildcard subscription covers every participant,
// since a matchserver instance does not know in advance which
// participants a matchworker elsewhere will pair — unlike the teacher's
// per-session chat subscriptions, which subscribe after learning the
// session id from a prior handshake.
func (c *NATSClient) SubscribeMatchFoundAll(handler func(participantID string, data []byte)) error {
	subject := SubjectMatchFound + ".*"
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		participantID := strings.TrimPrefix(msg.Subject, SubjectMatchFound+".")
		handler(participantID, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// SubscribeMatchRequest subscribes to match request messages from WS servers.
func (c *NATSClient) SubscribeMatchRequest(handler func(data []byte)) error {
	return c.Subscribe(SubjectMatchRequest, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// SubscribeMatchCancel subscribes to match cancellation messages from WS servers.
func (c *NATSClient) SubscribeMatchCancel(handler func(data []byte)) error {
	return c.Subscribe(SubjectMatchCancel, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishMatchCancel publishes a match cancellation request.
func (c *NATSClient) PublishMatchCancel(data []byte) error {
	return c.Publish(SubjectMatchCancel, data)
}

// SubscribeMatchNotify subscribes to match lifecycle notifications for a session.
func (c *NATSClient) SubscribeMatchNotify(sessionID string, handler func(data []byte)) error {
	subject := SubjectMatchNotify + "." + sessionID
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeMatchNotify unsubscribes from match lifecycle notifications.
func (c *NATSClient) UnsubscribeMatchNotify(sessionID string) error {
	return c.unsubscribe(SubjectMatchNotify + "." + sessionID)
}

// PublishMatchNotify publishes a match lifecycle notification to a session.
func (c *NATSClient) PublishMatchNotify(sessionID string, data []byte) error {
	return c.Publish(SubjectMatchNotify+"."+sessionID, data)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
