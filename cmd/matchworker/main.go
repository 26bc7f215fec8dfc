// Command matchworker runs the matchmaking Engine as a standalone process,
// decoupled from any WebSocket front-end: it receives startMatchmaking
// requests over NATS and publishes match-found events back to whichever
// cmd/matchserver instance holds the requesting participant's connection.
// This is the horizontal-scaling topology Design Notes §9 calls for — one
// or more matchworker processes share the Engine's load across a fleet of
// matchserver front-ends, all coordinating through the shared store and
// NATS rather than direct process-to-process calls. Grounded on the
// teacher's cmd/matcher/main.go (a standalone NATS-subscribed matching
// process) generalized to the skill-window Engine.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/arenabench/matchmaking/internal/config"
	"github.com/arenabench/matchmaking/internal/database"
	"github.com/arenabench/matchmaking/internal/engine"
	"github.com/arenabench/matchmaking/internal/lock"
	"github.com/arenabench/matchmaking/internal/messaging"
	"github.com/arenabench/matchmaking/internal/persistence"
	"github.com/arenabench/matchmaking/internal/push"
	"github.com/arenabench/matchmaking/internal/queue"
	"github.com/arenabench/matchmaking/internal/registry"
	"github.com/arenabench/matchmaking/internal/store"
	"github.com/arenabench/matchmaking/internal/validate"
)

// matchRequest is the wire shape the worker decodes from match.request
// messages. cmd/matchserver runs its own Engine in-process and does not
// publish to match.request.
type matchRequest struct {
	ParticipantID   string  `json:"participantId"`
	ParticipantName string  `json:"participantName"`
	RoundNumber     int     `json:"roundNumber"`
	SkillLevel      float64 `json:"skillLevel"`
	TreatmentGroup  string  `json:"treatmentGroup"`
}

// natsObserver implements engine.MatchObserver by publishing match-found
// events to NATS instead of delivering them to a locally-held connection.
// Whichever matchserver instance is subscribed to match.found.<participant
// id> relays the event to the live WebSocket connection, if any.
type natsObserver struct {
	nats *messaging.NATSClient
}

func (o *natsObserver) MatchFound(ctx context.Context, match engine.Match) error {
	if err := o.publishTo(match, match.Participant1ID()); err != nil {
		log.Printf("matchworker: publish match.found for %s: %v", match.Participant1ID(), err)
	}
	if !match.IsAI() && match.Participant2ID() != "" {
		if err := o.publishTo(match, match.Participant2ID()); err != nil {
			log.Printf("matchworker: publish match.found for %s: %v", match.Participant2ID(), err)
		}
	}
	return nil
}

func (o *natsObserver) publishTo(match engine.Match, perspectiveID string) error {
	data, err := push.RenderMatchFound(match, perspectiveID)
	if err != nil {
		return err
	}
	return o.nats.PublishMatchFound(perspectiveID, data)
}

func main() {
	cfg := config.Load()

	log.Printf("matchworker starting")
	log.Printf("  redis_addr:   %s", cfg.RedisAddr)
	log.Printf("  nats_url:     %s", cfg.NATSURL)
	log.Printf("  database_url: %s", cfg.DatabaseURL)

	sharedStore, err := store.New(cfg.RedisAddr)
	if err != nil {
		log.Fatalf("failed to connect to shared store: %v", err)
	}

	migrationsPath, err := filepath.Abs("migrations")
	if err != nil {
		log.Fatalf("failed to resolve migrations path: %v", err)
	}
	if err := database.RunMigrations(cfg.DatabaseURL, migrationsPath); err != nil {
		log.Fatalf("failed to run database migrations: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database connection: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}
	persistenceStore := persistence.NewStore(db)

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	lockSvc := lock.New(sharedStore)
	reg := registry.New(sharedStore)
	queueSvc := queue.New(sharedStore, reg, cfg.MaxQueueSize)
	observer := &natsObserver{nats: natsClient}
	eng := engine.New(cfg, sharedStore, queueSvc, lockSvc, reg, persistenceStore, observer)

	if err := natsClient.SubscribeMatchRequest(func(data []byte) {
		var req matchRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("matchworker: malformed match.request: %v", err)
			return
		}
		validated, err := validate.NewStartMatchmakingRequest(req.ParticipantID, req.ParticipantName, req.RoundNumber, req.SkillLevel, req.TreatmentGroup)
		if err != nil {
			log.Printf("matchworker: invalid match.request for %s: %v", req.ParticipantID, err)
			return
		}
		if _, err := eng.StartMatchmaking(context.Background(), validated); err != nil {
			log.Printf("matchworker: start matchmaking %s: %v", req.ParticipantID, err)
		}
	}); err != nil {
		log.Fatalf("failed to subscribe to match.request: %v", err)
	}

	if err := natsClient.SubscribeMatchCancel(func(data []byte) {
		var req struct {
			ParticipantID string `json:"participantId"`
			RoundNumber   int    `json:"roundNumber"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("matchworker: malformed match.cancel: %v", err)
			return
		}
		if err := eng.CancelMatchmaking(context.Background(), req.ParticipantID, req.RoundNumber); err != nil {
			log.Printf("matchworker: cancel matchmaking %s: %v", req.ParticipantID, err)
		}
	}); err != nil {
		log.Fatalf("failed to subscribe to match.cancel: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go eng.RunCleanupLoop(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down", sig)
	cancel()
	natsClient.Close()
	if err := sharedStore.Close(); err != nil {
		log.Printf("shared store close error: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Printf("database close error: %v", err)
	}
}
