// Package server provides the public entry point for initializing the
// Process Engine server: it wires the store, validator, event bus,
// publishers, step-handler registry, execution engine, and HTTP transport
// into one ready-to-serve Server value.
//
// This package exists in pkg/ (not internal/), matching the control-plane
// server package's layout, so a host binary other than cmd/server can
// import and compose it (e.g. to embed the engine in a larger service or
// override a handler's AgentGateway for tests).
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/forgeflow/process-engine/internal/api"
	"github.com/forgeflow/process-engine/internal/api/handlers"
	"github.com/forgeflow/process-engine/internal/config"
	"github.com/forgeflow/process-engine/internal/engine"
	"github.com/forgeflow/process-engine/internal/eventbus"
	"github.com/forgeflow/process-engine/internal/expression"
	procHandlers "github.com/forgeflow/process-engine/internal/handlers"
	"github.com/forgeflow/process-engine/internal/store"
	"github.com/forgeflow/process-engine/internal/store/postgres"
	"github.com/forgeflow/process-engine/internal/telemetry"
	"github.com/forgeflow/process-engine/internal/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Server holds the initialized Process Engine, ready for an HTTP listener
// to be attached.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the definition/execution/approval persistence layer —
	// in-memory by default, PostgreSQL when DATABASE_URL is set.
	Store store.Store

	// Bus is the event bus every domain-event publisher is registered on.
	Bus *eventbus.Bus

	// LiveStream is the WebSocket publisher also mounted at
	// /events/stream by the router.
	LiveStream *eventbus.LiveStreamPublisher

	// Webhook is the optional webhook publisher. Subscriptions can be
	// added at runtime via Webhook.Subscribe.
	Webhook *eventbus.WebhookPublisher

	// Validator parses and checks declarative process definitions.
	Validator *validator.Validator

	// Engine is the DAG scheduler.
	Engine *engine.Engine

	// Config is the resolved server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// Shutdown stops the telemetry pipeline. Safe to call once.
	Shutdown func(context.Context) error
}

// New initializes the Process Engine using configuration sourced from
// environment variables. This is the primary entry point for cmd/server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the Process Engine with an explicit
// configuration, letting callers (tests, alternate hosts) override
// defaults without touching the environment.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	if err := dataStore.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return buildServer(cfg, dataStore, shutdown)
}

// buildStore opens the PostgreSQL store when DATABASE_URL names a real
// connection string, falling back to the zero-config in-memory store
// otherwise — mirroring the control-plane server's OSS-vs-externally-
// provided-store split, minus the Pro/OSS branching that no longer
// applies here.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("no DATABASE_URL configured, using in-memory store")
		return store.NewMemoryStore(), nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		log.Warn().Err(err).Msg("postgres pool init failed, falling back to in-memory store")
		return store.NewMemoryStore(), nil
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		log.Warn().Err(err).Msg("postgres ping failed, falling back to in-memory store")
		return store.NewMemoryStore(), nil
	}
	log.Info().Msg("postgres store initialized")
	return postgres.New(pool), nil
}

// buildServer wires the validator, event bus, step handlers, and engine
// around an already-opened store, then builds the HTTP transport.
func buildServer(cfg *config.Config, dataStore store.Store, shutdown func(context.Context) error) (*Server, error) {
	bus := eventbus.NewBus()
	liveStream := eventbus.NewLiveStreamPublisher()
	bus.Register(liveStream)

	var webhookPub *eventbus.WebhookPublisher
	if subs := os.Getenv("PROCESS_ENGINE_WEBHOOK_URLS"); subs != "" {
		webhookPub = eventbus.NewWebhookPublisher()
		for i, url := range strings.Split(subs, ",") {
			url = strings.TrimSpace(url)
			if url == "" {
				continue
			}
			webhookPub.Subscribe(eventbus.WebhookSubscription{
				ID:     fmt.Sprintf("env-%d", i),
				URL:    url,
				Secret: os.Getenv("PROCESS_ENGINE_WEBHOOK_SECRET"),
			})
		}
		bus.Register(webhookPub)
		log.Info().Int("subscriptions", len(strings.Split(subs, ","))).Msg("webhook publisher registered")
	}

	v := validator.New(dataStore)
	eval := expression.New()

	launcher := engine.NewLauncher(dataStore, dataStore)

	agentGateway := procHandlers.NewHTTPAgentGateway(agentGatewayBaseURL())
	registry := procHandlers.NewRegistry(
		&procHandlers.AgentTaskHandler{Gateway: agentGateway},
		&procHandlers.HumanApprovalHandler{Approvals: dataStore, Bus: bus},
		&procHandlers.GatewayHandler{Evaluator: eval},
		&procHandlers.TimerHandler{},
		procHandlers.NewNotificationHandler(),
		&procHandlers.SubProcessHandler{Launcher: launcher},
	)

	eng := engine.New(dataStore, bus, registry, eval,
		engine.WithParallelExecution(cfg.Engine.ParallelExecution),
		engine.WithMaxConcurrentSteps(cfg.Engine.MaxConcurrentSteps),
		engine.WithDefaultStepTimeout(cfg.Engine.DefaultStepTimeout),
	)
	launcher.Bind(eng)

	h := handlers.New(dataStore, v, eng)
	router := api.NewRouter(cfg, h, liveStream)

	return &Server{
		Handler:    router,
		Store:      dataStore,
		Bus:        bus,
		LiveStream: liveStream,
		Webhook:    webhookPub,
		Validator:  v,
		Engine:     eng,
		Config:     cfg,
		Port:       cfg.Port,
		Shutdown:   shutdown,
	}, nil
}

// agentGatewayBaseURL resolves the base URL the agent_task handler calls
// out to. In process, this is the only outbound collaborator the engine
// talks to directly — everything else (auth, transport, credential
// management) is out of scope per spec.md §1.
func agentGatewayBaseURL() string {
	if url := os.Getenv("PROCESS_ENGINE_AGENT_GATEWAY_URL"); url != "" {
		return url
	}
	return "http://localhost:8081"
}
