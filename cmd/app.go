package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/config"
	"github.com/JochenWeerda/valeo-apm/internal/llm"
	"github.com/JochenWeerda/valeo-apm/internal/retrieval"
	"github.com/JochenWeerda/valeo-apm/internal/slogutil"
	"github.com/JochenWeerda/valeo-apm/internal/store"
	"github.com/JochenWeerda/valeo-apm/internal/workflow"
)

// app holds the components a command works with.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	search *retrieval.Service
	port   llm.Port
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	level := slogutil.LevelFromString(cfg.Log.Level)
	if verbose {
		level = slog.LevelDebug
	}
	return cfg, slogutil.NewLogger(os.Stderr, level), nil
}

// openApp loads the configuration and opens the store, retrieval index and
// language model adapter.
func openApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Store.Endpoint, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	port, embedder, err := llm.Open(cfg.LLM, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	svc, err := retrieval.New(ctx, st, embedder, cfg.Retrieval.Mode,
		retrieval.WithLogger(logger), retrieval.WithDefaultK(cfg.Retrieval.K))
	if err != nil {
		st.Close()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, store: st, search: svc, port: port}, nil
}

func (a *app) coordinator() *workflow.Coordinator {
	opts := append(workflow.FromConfig(a.cfg),
		workflow.WithLogger(a.logger),
		workflow.WithTracerProvider(otel.GetTracerProvider()))
	return workflow.New(a.store, a.search, a.port, opts...)
}

// project loads a project, reporting unknown ids as a missing precondition.
func (a *app) project(ctx context.Context, id string) (*store.Project, error) {
	p, err := a.store.GetProject(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, unknownProject(id)
	}
	return p, err
}

func unknownProject(id string) error {
	return apmerr.New(apmerr.PreconditionMissing, "unknown project %q; start it with 'apm run --project %s'", id, id)
}

func (a *app) Close() error {
	return a.store.Close()
}

func requireProject(project string) error {
	if project == "" {
		return fmt.Errorf("--project is required")
	}
	return nil
}
