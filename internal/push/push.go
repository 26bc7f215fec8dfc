// Package push implements the Push Dispatcher (C7): it wires
// internal/ws's generic transport to the matchmaking domain, translating
// client events (register, start_matchmaking, cancel_matchmaking,
// get_queue_status, match_update, update_status, ping) into
// internal/engine calls and rendering the Engine's match-found events
// into per-peer wire payloads. Grounded on the teacher's
// cmd/wsserver/main.go handler-registration shape and internal/ws's
// generic dispatch plumbing; the per-connection participant mapping here
// replaces the teacher's session-store-backed presence tracking since
// participant identity now lives in internal/registry.
package push

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"sync"
	"time"

	"github.com/arenabench/matchmaking/internal/config"
	"github.com/arenabench/matchmaking/internal/engine"
	"github.com/arenabench/matchmaking/internal/metrics"
	"github.com/arenabench/matchmaking/internal/protocol"
	"github.com/arenabench/matchmaking/internal/queue"
	"github.com/arenabench/matchmaking/internal/ratelimit"
	"github.com/arenabench/matchmaking/internal/registry"
	"github.com/arenabench/matchmaking/internal/validate"
	"github.com/arenabench/matchmaking/internal/ws"
)

// RuleStartMatchmaking bounds how often a single participant may call
// startMatchmaking. spec.md names no production figure for this limit
// (see DESIGN.md); this value is a conservative placeholder sized for an
// experiment session's natural pacing (participants start one search per
// round, not in a tight loop).
var RuleStartMatchmaking = ratelimit.Rule{Key: "rl:startmm:", Limit: 10, Window: 1 * time.Minute}

// session is the push layer's per-connection bookkeeping: the connection
// id a participant is currently attached to, plus the denormalized
// metadata needed to answer get_queue_status and drive heartbeat sweeps
// without a round trip to the shared store.
type session struct {
	connID         string
	participantID  string
	participantName string
	round          int
	treatmentGroup string
	connectedAt    time.Time
	lastSeenAt     time.Time
}

// Dispatcher binds a ws.Server to an engine.Engine, a queue.Service (for
// queue-status snapshots), and a registry.Registry (for status
// write-throughs). It implements engine.MatchObserver.
type Dispatcher struct {
	server   *ws.Server
	engine   *engine.Engine
	queue    *queue.Service
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	cfg      config.Config

	mu            sync.RWMutex
	byParticipant map[string]*session // participant id -> session
	byConn        map[string]*session // connection id -> session
}

// New constructs a Dispatcher. Call Register to wire its handlers onto a
// ws.MessageDispatcher, and SetOnDisconnect on the ws.Server to route
// disconnects here.
func New(server *ws.Server, eng *engine.Engine, q *queue.Service, reg *registry.Registry, limiter *ratelimit.Limiter, cfg config.Config) *Dispatcher {
	return &Dispatcher{
		server:        server,
		engine:        eng,
		queue:         q,
		registry:      reg,
		limiter:       limiter,
		cfg:           cfg,
		byParticipant: make(map[string]*session),
		byConn:        make(map[string]*session),
	}
}

// Register binds the Dispatcher's handlers onto md.
func (d *Dispatcher) Register(md *ws.MessageDispatcher) {
	md.Register(protocol.TypeRegister, d.handleRegister)
	md.Register(protocol.TypeStartMatchmaking, d.handleStartMatchmaking)
	md.Register(protocol.TypeCancelMatchmaking, d.handleCancelMatchmaking)
	md.Register(protocol.TypeGetQueueStatus, d.handleGetQueueStatus)
	md.Register(protocol.TypeMatchUpdate, d.handleMatchUpdate)
	md.Register(protocol.TypeUpdateStatus, d.handleUpdateStatus)
}

// AttachServer wires the ws.Server reference, for the initialization
// order where the Dispatcher is built before the Server exists (the
// Server's onMessage callback needs the MessageDispatcher that in turn
// needs routes registered before Start runs). It also installs the
// disconnect hook.
func (d *Dispatcher) AttachServer(server *ws.Server) {
	d.mu.Lock()
	d.server = server
	d.mu.Unlock()
	server.SetOnDisconnect(d.handleDisconnect)
}

// handleRegister associates a connection with a participant identity.
func (d *Dispatcher) handleRegister(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.RegisterMsg)
	if !ok {
		return
	}
	if err := validate.UUID(msg.ParticipantID); err != nil {
		d.sendError(conn, "matchmaking_error", err.Error())
		return
	}

	ctx := context.Background()
	if d.limiter != nil && conn.Conn != nil {
		allowed, err := d.limiter.Allow(ctx, remoteIP(conn.Conn), ratelimit.RuleConnect)
		if err == nil && !allowed {
			d.sendError(conn, "matchmaking_error", "rate limited: too many connections from this address")
			return
		}
	}

	sess := &session{
		connID:          conn.ID,
		participantID:   msg.ParticipantID,
		participantName: msg.ParticipantName,
		round:           msg.RoundNumber,
		treatmentGroup:  msg.TreatmentGroup,
		connectedAt:     time.Now(),
		lastSeenAt:      time.Now(),
	}

	d.mu.Lock()
	if old, ok := d.byParticipant[msg.ParticipantID]; ok {
		delete(d.byConn, old.connID)
	}
	d.byParticipant[msg.ParticipantID] = sess
	d.byConn[conn.ID] = sess
	metrics.PushSessionsTotal.Set(float64(len(d.byParticipant)))
	d.mu.Unlock()

	data, err := protocol.NewServerMessage(protocol.TypeRegistrationSuccess, protocol.RegistrationSuccessMsg{
		ParticipantID: msg.ParticipantID,
	})
	if err != nil {
		log.Printf("push: build registration_success for %s: %v", msg.ParticipantID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("push: send registration_success for %s: %v", msg.ParticipantID, err)
	}

	if msg.RoundNumber > 0 {
		d.sendQueueStatus(ctx, conn, msg.RoundNumber)
	}
}

// sendQueueStatus looks up and sends a round's queue snapshot to conn. Used
// both by get_queue_status and by register, which per spec.md §4.6 returns
// the current queue status alongside registration_success when the client
// already knows its round.
func (d *Dispatcher) sendQueueStatus(ctx context.Context, conn *ws.Connection, round int) {
	size, err := d.queue.Size(ctx, round)
	if err != nil {
		log.Printf("push: queue size round %d: %v", round, err)
		size = 0
	}
	avgWait, err := d.queue.AverageWaitSeconds(ctx, round)
	if err != nil {
		log.Printf("push: average wait round %d: %v", round, err)
		avgWait = 0
	}

	data, err := protocol.NewServerMessage(protocol.TypeQueueStatusUpdate, protocol.QueueStatusUpdateMsg{
		RoundNumber:       round,
		TotalWaiting:      size,
		AverageWaitTime:   avgWait,
		RecentMatches:     0,
		EstimatedWaitTime: float64(estimateWaitSeconds(size)),
	})
	if err != nil {
		log.Printf("push: build queue_status_update round %d: %v", round, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("push: send queue_status_update round %d: %v", round, err)
	}
}

// remoteIP extracts the bare host from conn's remote address, used as the
// identifier for RuleConnect.
func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// handleStartMatchmaking validates the request, rate-limits it, and
// drives the Engine's StartMatchmaking operation.
func (d *Dispatcher) handleStartMatchmaking(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.StartMatchmakingMsg)
	if !ok {
		return
	}

	ctx := context.Background()

	if d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx, msg.ParticipantID, RuleStartMatchmaking)
		if err == nil && !allowed {
			d.sendMatchmakingError(conn, "rate limited: too many matchmaking requests")
			return
		}
	}

	req, err := validate.NewStartMatchmakingRequest(msg.ParticipantID, msg.ParticipantName, msg.RoundNumber, msg.SkillLevel, msg.TreatmentGroup)
	if err != nil {
		d.sendMatchmakingError(conn, err.Error())
		return
	}

	d.touchSession(conn.ID, req.ParticipantID, req.ParticipantName, req.RoundNumber, req.TreatmentGroup)

	result, err := d.engine.StartMatchmaking(ctx, req)
	if err != nil {
		log.Printf("push: start matchmaking %s: %v", req.ParticipantID, err)
		d.sendMatchmakingError(conn, "failed to start matchmaking")
		return
	}

	if result.Match != nil {
		// A match was found synchronously — deliver it directly instead
		// of waiting for the observer round trip, since this connection
		// is already known.
		d.deliverMatchFound(ctx, *result.Match, req.ParticipantID, conn)
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeMatchmakingStarted, protocol.MatchmakingStartedMsg{
		Status:               result.Status,
		QueuePosition:        result.QueuePosition,
		EstimatedWaitSeconds: result.EstimatedWaitSeconds,
	})
	if err != nil {
		log.Printf("push: build matchmaking_started for %s: %v", req.ParticipantID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("push: send matchmaking_started for %s: %v", req.ParticipantID, err)
	}
}

// handleCancelMatchmaking withdraws a participant from their active
// search.
func (d *Dispatcher) handleCancelMatchmaking(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.CancelMatchmakingMsg)
	if !ok {
		return
	}
	d.markSeen(conn.ID)
	ctx := context.Background()
	if err := d.engine.CancelMatchmaking(ctx, msg.ParticipantID, msg.RoundNumber); err != nil {
		log.Printf("push: cancel matchmaking %s: %v", msg.ParticipantID, err)
	}

	data, err := protocol.NewServerMessage(protocol.TypeMatchmakingCancelled, protocol.MatchmakingCancelledMsg{})
	if err != nil {
		log.Printf("push: build matchmaking_cancelled for %s: %v", msg.ParticipantID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("push: send matchmaking_cancelled for %s: %v", msg.ParticipantID, err)
	}
}

// handleGetQueueStatus reports aggregate statistics for a round's queue.
func (d *Dispatcher) handleGetQueueStatus(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.GetQueueStatusMsg)
	if !ok {
		return
	}
	d.markSeen(conn.ID)
	d.sendQueueStatus(context.Background(), conn, msg.RoundNumber)
}

// handleMatchUpdate echoes an application-level match update back to the
// sending connection only; the other participant of the match is not sent
// the update, and the match id is not checked against any stored match.
// The push layer does not interpret
// updateType/updateData; it is opaque payload the client-side application
// logic assigns meaning to.
func (d *Dispatcher) handleMatchUpdate(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.MatchUpdateMsg)
	if !ok {
		return
	}
	d.markSeen(conn.ID)

	if d.limiter != nil {
		allowed, err := d.limiter.Allow(context.Background(), conn.ID, ratelimit.RuleMessage)
		if err == nil && !allowed {
			d.sendError(conn, "rate_limited", "too many match updates")
			return
		}
	}

	data, err := protocol.NewServerMessage(protocol.TypeServerMatchUpdate, protocol.ServerMatchUpdateMsg{
		MatchID:    msg.MatchID,
		UpdateType: msg.UpdateType,
		UpdateData: msg.UpdateData,
	})
	if err != nil {
		log.Printf("push: build match_update for match %s: %v", msg.MatchID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("push: send match_update for match %s: %v", msg.MatchID, err)
	}
}

// handleUpdateStatus writes through a participant status change to the
// registry.
func (d *Dispatcher) handleUpdateStatus(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.UpdateStatusMsg)
	if !ok {
		return
	}
	d.markSeen(conn.ID)
	ctx := context.Background()
	if err := d.registry.SetStatus(ctx, msg.ParticipantID, msg.Status); err != nil {
		log.Printf("push: update status %s: %v", msg.ParticipantID, err)
	}

	data, err := protocol.NewServerMessage(protocol.TypeStatusUpdated, protocol.StatusUpdatedMsg{
		ParticipantID: msg.ParticipantID,
		Status:        msg.Status,
	})
	if err != nil {
		log.Printf("push: build status_updated for %s: %v", msg.ParticipantID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("push: send status_updated for %s: %v", msg.ParticipantID, err)
	}
}

// handleDisconnect is wired as the ws.Server's onDisconnect callback. It
// clears the connection's session and notifies the Engine so an active
// search is abandoned and the queue entry removed.
func (d *Dispatcher) handleDisconnect(connID string) {
	d.mu.Lock()
	sess, ok := d.byConn[connID]
	if ok {
		delete(d.byConn, connID)
		delete(d.byParticipant, sess.participantID)
		metrics.PushSessionsTotal.Set(float64(len(d.byParticipant)))
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	if err := d.engine.HandleDisconnect(ctx, sess.participantID); err != nil {
		log.Printf("push: handle disconnect %s: %v", sess.participantID, err)
	}
}

// MatchFound implements engine.MatchObserver. It is invoked from the
// Engine's own goroutines (continuous search, fallback timer), so it must
// locate the connections for both sides of the match itself rather than
// relying on a connection already in hand.
func (d *Dispatcher) MatchFound(ctx context.Context, match engine.Match) error {
	d.deliverTo(ctx, match, match.Participant1ID())
	if !match.IsAI() && match.Participant2ID() != "" {
		d.deliverTo(ctx, match, match.Participant2ID())
	}
	return nil
}

// deliverTo looks up perspectiveID's live connection, if any, and pushes
// the match-found payload. A participant with no live connection (e.g.
// they reconnect later and poll get_queue_status / an out-of-band API)
// simply misses the push; the shared-store match record remains the
// source of truth.
func (d *Dispatcher) deliverTo(ctx context.Context, match engine.Match, perspectiveID string) {
	d.mu.RLock()
	sess, ok := d.byParticipant[perspectiveID]
	d.mu.RUnlock()
	if !ok {
		return
	}
	conn := d.server.Connections().Get(sess.connID)
	if conn == nil {
		return
	}
	d.deliverMatchFound(ctx, match, perspectiveID, conn)
}

// deliverMatchFound renders and sends the match-found payload for
// perspectiveID over conn.
func (d *Dispatcher) deliverMatchFound(ctx context.Context, match engine.Match, perspectiveID string, conn *ws.Connection) {
	data, err := RenderMatchFound(match, perspectiveID)
	if err != nil {
		log.Printf("push: render match_found for %s on match %s: %v", perspectiveID, match.ID(), err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("push: send match_found for %s: %v", perspectiveID, err)
	}
}

// RenderMatchFound builds the match_found wire payload for perspectiveID's
// view of match. Exported so cmd/matchworker's cross-instance NATS
// publisher renders the identical payload this package sends to a
// locally-held connection, instead of a second hand-written copy drifting
// out of sync with protocol.MatchFoundMsg.
func RenderMatchFound(match engine.Match, perspectiveID string) ([]byte, error) {
	opponent, err := match.OpponentFor(perspectiveID)
	if err != nil {
		return nil, err
	}

	var participant2ID *string
	if !match.IsAI() {
		p2 := match.Participant2ID()
		participant2ID = &p2
	}

	var aiSettings json.RawMessage
	if match.IsAI() {
		aiSettings, _ = json.Marshal(struct {
			Personality    string  `json:"personality"`
			ResponseClass  string  `json:"responseClass"`
			EffectiveSkill float64 `json:"effectiveSkill"`
		}{
			Personality:    string(match.AI.Opponent.Personality),
			ResponseClass:  string(match.AI.Opponent.ResponseClass),
			EffectiveSkill: match.AI.Opponent.EffectiveSkill,
		})
	}

	return protocol.NewServerMessage(protocol.TypeMatchFound, protocol.MatchFoundMsg{
		ID:             match.ID(),
		Participant1ID: match.Participant1ID(),
		Participant2ID: participant2ID,
		RoundNumber:    match.RoundNumber(),
		MatchType:      matchType(match),
		Status:         match.Status(),
		CreatedAt:      match.CreatedAt().UnixMilli(),
		IsAI:           match.IsAI(),
		Opponent:       opponent,
		MyRole:         match.MyRoleFor(perspectiveID),
		Timestamp:      time.Now().UnixMilli(),
		AISettings:     aiSettings,
	})
}

// RelayMatchFound is the matchserver-side half of cross-instance match
// delivery: cmd/matchworker renders a match-found payload with
// RenderMatchFound and publishes it to match.found.<participantID> over
// NATS. Whichever matchserver instance holds that participant's
// connection writes the pre-rendered bytes straight through, without
// re-deriving them from a Match it never held locally.
func (d *Dispatcher) RelayMatchFound(participantID string, data []byte) {
	d.mu.RLock()
	sess, ok := d.byParticipant[participantID]
	d.mu.RUnlock()
	if !ok {
		return
	}
	conn := d.server.Connections().Get(sess.connID)
	if conn == nil {
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("push: relay match_found for %s: %v", participantID, err)
	}
}

func matchType(match engine.Match) string {
	if match.IsAI() {
		return engine.MatchTypeAI
	}
	return engine.MatchTypeHuman
}

func (d *Dispatcher) touchSession(connID, participantID, participantName string, round int, group string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.byConn[connID]
	if !ok {
		sess = &session{connID: connID, connectedAt: time.Now()}
		d.byConn[connID] = sess
	}
	sess.participantID = participantID
	sess.participantName = participantName
	sess.round = round
	sess.treatmentGroup = group
	sess.lastSeenAt = time.Now()
	d.byParticipant[participantID] = sess
	metrics.PushSessionsTotal.Set(float64(len(d.byParticipant)))
}

// markSeen refreshes connID's session activity timestamp, read by the
// heartbeat sweep. Ping is handled entirely at the ws transport layer and
// never reaches here, so every other client-initiated event touches this
// to keep a session's staleness check meaningful.
func (d *Dispatcher) markSeen(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sess, ok := d.byConn[connID]; ok {
		sess.lastSeenAt = time.Now()
	}
}

// RunHeartbeatLoop ticks every cfg.HeartbeatInterval until ctx is
// cancelled, sweeping stale sessions per spec.md §4.6. Intended to run for
// the lifetime of the process in its own goroutine, alongside the
// Engine's RunCleanupLoop.
func (d *Dispatcher) RunHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepStaleSessions(ctx)
		}
	}
}

// sweepStaleSessions drops any session whose last-seen time is older than
// cfg.ConnectionTimeout, marking the participant "timeout" in the
// registry and abandoning any active search, then broadcasts a heartbeat
// event carrying the current connected-count to every session still
// attached.
func (d *Dispatcher) sweepStaleSessions(ctx context.Context) {
	cutoff := time.Now().Add(-d.cfg.ConnectionTimeout)

	d.mu.Lock()
	var stale []*session
	for _, sess := range d.byParticipant {
		if sess.lastSeenAt.Before(cutoff) {
			stale = append(stale, sess)
		}
	}
	for _, sess := range stale {
		delete(d.byParticipant, sess.participantID)
		delete(d.byConn, sess.connID)
	}
	metrics.PushSessionsTotal.Set(float64(len(d.byParticipant)))
	d.mu.Unlock()

	for _, sess := range stale {
		if err := d.engine.HandleDisconnect(ctx, sess.participantID); err != nil {
			log.Printf("push: handle timeout disconnect %s: %v", sess.participantID, err)
		}
		if err := d.registry.SetStatus(ctx, sess.participantID, registry.StatusTimeout); err != nil {
			log.Printf("push: mark timeout %s: %v", sess.participantID, err)
		}
		if conn := d.server.Connections().Get(sess.connID); conn != nil {
			d.server.RemoveConnection(conn)
		}
	}

	data, err := protocol.NewServerMessage(protocol.TypeHeartbeat, protocol.HeartbeatMsg{
		Connected: d.server.Connections().Count(),
	})
	if err != nil {
		log.Printf("push: build heartbeat: %v", err)
		return
	}
	d.server.Connections().Broadcast(data)
}

func (d *Dispatcher) sendMatchmakingError(conn *ws.Connection, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeMatchmakingError, protocol.MatchmakingErrorMsg{Message: message})
	if err != nil {
		log.Printf("push: build matchmaking_error: %v", err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("push: send matchmaking_error: %v", err)
	}
}

func (d *Dispatcher) sendError(conn *ws.Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
	if err != nil {
		log.Printf("push: build error: %v", err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("push: send error: %v", err)
	}
}

func estimateWaitSeconds(queuePosition int) int {
	if queuePosition <= 0 {
		return 5
	}
	return queuePosition * 3
}
