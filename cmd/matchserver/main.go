// Command matchserver is the primary matchmaking service binary: it
// terminates WebSocket connections, runs the matchmaking Engine in
// process, and mirrors completed matches to PostgreSQL. Grounded on the
// teacher's cmd/wsserver/main.go wiring shape (config resolution, Redis/
// NATS/Postgres connection setup, dispatcher registration, graceful
// shutdown on SIGINT/SIGTERM).
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/arenabench/matchmaking/internal/ai"
	"github.com/arenabench/matchmaking/internal/config"
	"github.com/arenabench/matchmaking/internal/database"
	"github.com/arenabench/matchmaking/internal/engine"
	"github.com/arenabench/matchmaking/internal/lock"
	"github.com/arenabench/matchmaking/internal/messaging"
	"github.com/arenabench/matchmaking/internal/persistence"
	"github.com/arenabench/matchmaking/internal/push"
	"github.com/arenabench/matchmaking/internal/queue"
	"github.com/arenabench/matchmaking/internal/ratelimit"
	"github.com/arenabench/matchmaking/internal/registry"
	"github.com/arenabench/matchmaking/internal/store"
	"github.com/arenabench/matchmaking/internal/ws"
)

func main() {
	cfg := config.Load()

	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.ListenAddr

	log.Printf("matchserver starting")
	log.Printf("  listen_addr:      %s", wsConfig.ListenAddr)
	log.Printf("  redis_addr:       %s", cfg.RedisAddr)
	log.Printf("  database_url:     %s", cfg.DatabaseURL)
	log.Printf("  nats_url:         %s", cfg.NATSURL)
	log.Printf("  server_name:      %s", cfg.ServerName)
	log.Printf("  search_interval:  %s", cfg.SearchInterval)
	log.Printf("  human_timeout:    %s", cfg.HumanSearchTimeout)
	log.Printf("  skill_threshold:  %.2f", cfg.SkillMatchingThreshold)
	log.Printf("  max_queue_size:   %d", cfg.MaxQueueSize)
	log.Printf("  roster_size:      %d", len(ai.Roster))

	// --- Shared store (Redis) ---
	sharedStore, err := store.New(cfg.RedisAddr)
	if err != nil {
		log.Fatalf("failed to connect to shared store: %v", err)
	}

	lockSvc := lock.New(sharedStore)
	reg := registry.New(sharedStore)
	queueSvc := queue.New(sharedStore, reg, cfg.MaxQueueSize)

	// --- PostgreSQL persistence mirror ---
	migrationsPath, err := filepath.Abs("migrations")
	if err != nil {
		log.Fatalf("failed to resolve migrations path: %v", err)
	}
	if err := database.RunMigrations(cfg.DatabaseURL, migrationsPath); err != nil {
		log.Fatalf("failed to run database migrations: %v", err)
	}
	log.Printf("database migrations applied successfully")

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database connection: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}
	persistenceStore := persistence.NewStore(db)

	// --- Cross-instance match-observer transport (optional) ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Printf("nats unavailable, continuing without cross-instance match delivery: %v", err)
		natsClient = nil
	}

	// --- Matchmaking engine ---
	eng := engine.New(cfg, sharedStore, queueSvc, lockSvc, reg, persistenceStore, nil)

	rateLimiter := ratelimit.NewLimiter(sharedStore.Client())

	var server *ws.Server
	dispatcher := ws.NewMessageDispatcher(nil)
	pushDispatcher := push.New(nil, eng, queueSvc, reg, rateLimiter, cfg)
	eng.SetObserver(pushDispatcher)
	pushDispatcher.Register(dispatcher)

	server = ws.NewServer(wsConfig, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	pushDispatcher.AttachServer(server)

	// Relay match-found events a matchworker instance published for a
	// participant this matchserver instance happens to hold the
	// connection for — the cross-instance half of horizontal scaling.
	if natsClient != nil {
		if err := natsClient.SubscribeMatchFoundAll(pushDispatcher.RelayMatchFound); err != nil {
			log.Printf("nats subscribe match.found.*: %v, continuing without cross-instance match delivery", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go eng.RunCleanupLoop(ctx)
	go pushDispatcher.RunHeartbeatLoop(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		cancel()
		if natsClient != nil {
			natsClient.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sharedStore.Close(); err != nil {
			log.Printf("shared store close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
