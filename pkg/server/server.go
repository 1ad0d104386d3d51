// Package server provides the public entry point for initializing the dxtr
// orchestrator.
//
// This package exists in pkg/ (not internal/) so that embedders can compose
// the full server and wrap its handler with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8000", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/dxtr/internal/actions"
	"github.com/agentoven/dxtr/internal/api"
	"github.com/agentoven/dxtr/internal/api/handlers"
	"github.com/agentoven/dxtr/internal/backend"
	"github.com/agentoven/dxtr/internal/config"
	"github.com/agentoven/dxtr/internal/delegation"
	"github.com/agentoven/dxtr/internal/executor"
	"github.com/agentoven/dxtr/internal/guardrails"
	"github.com/agentoven/dxtr/internal/intent"
	"github.com/agentoven/dxtr/internal/sessions"
	"github.com/agentoven/dxtr/internal/specialist"
	"github.com/agentoven/dxtr/internal/telemetry"
	"github.com/agentoven/dxtr/internal/toolbox"
	"github.com/agentoven/dxtr/internal/turn"
	"github.com/agentoven/dxtr/pkg/contracts"
)

// Server holds the initialized orchestrator.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the session store. The caller closes it after the HTTP
	// server has drained.
	Store contracts.SessionStore

	// Turns is the turn coordinator, for embedders that drive turns
	// without HTTP.
	Turns *turn.Coordinator

	// Config is the resolved configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New loads configuration from the environment and initializes every
// component.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the orchestrator with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	agents, err := config.LoadAgents(cfg.AgentsFile, cfg.Executor)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}

	store, err := sessions.Open(ctx, cfg.Sessions)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	log.Info().Str("driver", cfg.Sessions.Driver).Msg("✅ Session store initialized")

	srv, err := build(cfg, agents, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	srv.ShutdownFunc = shutdown
	return srv, nil
}

func build(cfg *config.Config, agents *config.Agents, store contracts.SessionStore) (*Server, error) {
	mr, err := backend.NewModelRouter(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("init backend: %w", err)
	}
	log.Info().Int("providers", len(cfg.Backend.Providers)).Str("model", cfg.Backend.Model).Msg("✅ Model Router initialized")

	policy, err := actions.NewPolicy(agents.Policy)
	if err != nil {
		return nil, fmt.Errorf("confirmation policy: %w", err)
	}
	tools, err := toolbox.Build(cfg.Toolbox, policy)
	if err != nil {
		return nil, fmt.Errorf("build toolbox: %w", err)
	}

	catalog, err := specialist.New(agents, tools)
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}
	log.Info().Strs("specialists", catalog.Capabilities()).Strs("tools", tools.Names()).Msg("✅ Specialist catalog loaded")

	var classifier contracts.IntentClassifier = intent.NewLexicon()
	if cfg.Turn.Classifier == "model" {
		classifier = intent.NewModelClassifier(mr, cfg.Backend.Model)
	}
	gate := actions.NewGate(catalog, classifier)

	exec := executor.NewExecutor(mr, cfg.Executor, cfg.Backend)
	router := delegation.NewRouter(mr, catalog, gate, exec, cfg.Turn, cfg.Backend)

	guard, err := guardrails.New(agents.Guardrails)
	if err != nil {
		return nil, fmt.Errorf("guardrails: %w", err)
	}

	turns := turn.New(store, router, guard, cfg.Turn)
	log.Info().Str("mode", cfg.Turn.QueueMode).Int("max_hops", cfg.Turn.MaxHops).Msg("✅ Turn coordinator ready")

	h := handlers.New(turns, catalog, mr)
	return &Server{
		Handler: api.NewRouter(cfg, h),
		Store:   store,
		Turns:   turns,
		Config:  cfg,
		Port:    cfg.Port,
	}, nil
}
