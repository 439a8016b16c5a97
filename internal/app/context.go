// Package app wires configuration, storage, collaborators and the engine for the CLI and server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/feedback"
	"forgeline/internal/generator"
	"forgeline/internal/materialize"
	"forgeline/internal/migrate"
	"forgeline/internal/pipeline"
	"forgeline/internal/repo"
)

// Overrides are command-line values that take precedence over forgeline.yml.
type Overrides struct {
	Provider   string
	Model      string
	Collector  string
	MaxSteps   int
	TestReview *bool
	OutputRoot string
}

// ResolveConfig loads forgeline.yml from the workspace, falling back to defaults when it is
// absent, applies overrides and validates the result.
func ResolveConfig(workspace string, o Overrides) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if o.Provider != "" {
		cfg.Generator.Provider = o.Provider
	}
	if o.Model != "" {
		cfg.Generator.Model = o.Model
	}
	if o.Collector != "" {
		cfg.Human.Collector = o.Collector
	}
	if o.MaxSteps > 0 {
		cfg.Pipeline.MaxSteps = o.MaxSteps
	}
	if o.TestReview != nil {
		cfg.Pipeline.TestReview = *o.TestReview
	}
	if o.OutputRoot != "" {
		cfg.Output.Root = o.OutputRoot
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Options customize Open. Nil collaborators are built from the config.
type Options struct {
	Generator generator.Generator
	Collector feedback.Collector
	Logger    *slog.Logger
	Observers []engine.Observer
	Now       func() time.Time
	ActorID   string
	// Stdout receives the console collector's rendering.
	Stdout io.Writer
	// PollInterval makes the inbox collector wait for answers instead of returning
	// domain.ErrAwaitingInput.
	PollInterval time.Duration
}

// App is an opened workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Store     repo.Store
	Engine    *engine.Engine
	Writer    *materialize.Writer
	Logger    *slog.Logger
}

// Open opens and migrates the workspace database and builds the engine.
func Open(ctx context.Context, workspace string, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config required", domain.ErrConfiguration)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store := repo.NewStore(conn)
	if opts.Now != nil {
		store.Now = opts.Now
	}

	eng, err := NewEngine(cfg, store, opts, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Store:     store,
		Engine:    eng,
		Writer:    NewWriter(workspace, cfg.Output.Root),
		Logger:    logger,
	}, nil
}

// NewEngine builds the stage table, graph and engine over store.
func NewEngine(cfg *config.Config, store repo.Store, opts Options, logger *slog.Logger) (*engine.Engine, error) {
	gen := opts.Generator
	if gen == nil {
		var err error
		if gen, err = generator.New(cfg, logger); err != nil {
			return nil, err
		}
	}
	collector := opts.Collector
	if collector == nil {
		collector = newCollector(cfg, store, opts)
	}
	graph, err := pipeline.NewGraph(pipeline.GraphOptions{
		TestReview:   cfg.Pipeline.TestReview,
		RetryTargets: cfg.RetryTargets(),
	})
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Options{
		Store: store,
		Stages: pipeline.NewStages(pipeline.Deps{
			Generator: gen,
			Human:     collector,
			Now:       opts.Now,
		}),
		Graph:        graph,
		Guard:        pipeline.RetryGuard{Thresholds: cfg.Thresholds()},
		Locker:       store,
		Observers:    opts.Observers,
		Logger:       logger,
		Now:          opts.Now,
		MaxSteps:     cfg.Pipeline.MaxSteps,
		HumanTimeout: cfg.HumanTimeout(),
		LeaseTTL:     cfg.LeaseTTL(),
		ActorID:      opts.ActorID,
	})
}

// NewWriter resolves a relative output root against the workspace.
func NewWriter(workspace, root string) *materialize.Writer {
	if root == "" {
		root = "generated_project"
	}
	if filepath.IsAbs(root) || workspace == "" {
		return materialize.New(afero.NewOsFs(), root)
	}
	return materialize.New(afero.NewBasePathFs(afero.NewOsFs(), workspace), root)
}

func newCollector(cfg *config.Config, store repo.Store, opts Options) feedback.Collector {
	if cfg.Human.Collector == config.CollectorInbox {
		return feedback.Inbox{Store: store, PollInterval: opts.PollInterval}
	}
	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}
	return feedback.Console{Out: out}
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
