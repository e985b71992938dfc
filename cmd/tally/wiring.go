package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/connectors/provider"
	"github.com/tallyhq/tally/internal/connectors/registry"
	"github.com/tallyhq/tally/internal/connectors/rest"
	"github.com/tallyhq/tally/internal/connectors/shopify"
	"github.com/tallyhq/tally/internal/connectors/stripe"
	"github.com/tallyhq/tally/internal/store"
	"github.com/tallyhq/tally/internal/sync"
	"github.com/tallyhq/tally/internal/transform"
)

const userAgent = "tally-sync/1.0"

// app holds the process wide dependencies shared by every command that
// talks to providers or the database.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	store    *store.Postgres
	engine   *transform.Engine
	registry *registry.ConnectorRegistry
	auth     *auth.Manager
	sessions *registry.Sessions
}

func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	engine := transform.NewEngine()
	reg, err := buildRegistry(cfg, engine)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	st := store.NewPostgres(pool)

	mgr, err := buildAuthManager(cfg, st, reg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		store:    st,
		engine:   engine,
		registry: reg,
		auth:     mgr,
		sessions: buildSessions(cfg, st, mgr),
	}, nil
}

func (r *app) Close() {
	if r != nil && r.pool != nil {
		r.pool.Close()
	}
}

func (r *app) orchestrator(reporter registry.Reporter) (*sync.Orchestrator, error) {
	locks, err := sync.NewLockManager(r.pool, sync.LockManagerConfig{Mode: r.cfg.SyncLockMode})
	if err != nil {
		return nil, err
	}
	return sync.NewOrchestrator(sync.Options{
		Store:       r.store,
		Registry:    r.registry,
		Sessions:    r.sessions,
		Auth:        r.auth,
		Engine:      r.engine,
		Locks:       locks,
		Reporter:    reporter,
		Logger:      r.logger,
		PageLimit:   r.cfg.SyncPageLimit,
		Concurrency: r.cfg.SyncConcurrency,
	})
}

// buildRegistry registers the built-in providers followed by one generic
// REST provider per definition file in ConnectorDefinitionsDir.
func buildRegistry(cfg config.Config, engine *transform.Engine) (*registry.ConnectorRegistry, error) {
	reg := registry.NewRegistry()

	sp, err := stripe.New(engine)
	if err != nil {
		return nil, err
	}
	if err := reg.Register(sp); err != nil {
		return nil, err
	}
	shp, err := shopify.New(engine)
	if err != nil {
		return nil, err
	}
	if err := reg.Register(shp); err != nil {
		return nil, err
	}

	if cfg.ConnectorDefinitionsDir == "" {
		return reg, nil
	}
	defs, err := registry.LoadDir(cfg.ConnectorDefinitionsDir, engine)
	if err != nil {
		return nil, fmt.Errorf("load connector definitions: %w", err)
	}
	for _, def := range defs {
		if err := reg.Register(rest.New(def, engine)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func buildAuthManager(cfg config.Config, st auth.CredentialStore, reg *registry.ConnectorRegistry, logger *slog.Logger) (*auth.Manager, error) {
	mgr := auth.NewManager(st, auth.ManagerOptions{
		RefreshBuffer: cfg.AuthRefreshBuffer,
		Logger:        logger,
	})
	for _, p := range reg.All() {
		def := p.Definition()
		clientID, clientSecret := config.OAuthClient(def.Slug)
		client := auth.OAuthClient{ClientID: clientID, ClientSecret: clientSecret}
		if err := mgr.RegisterProvider(def.Slug, def.Auth, client); err != nil {
			return nil, err
		}
	}
	return mgr, nil
}

func buildSessions(cfg config.Config, st registry.StateReader, mgr *auth.Manager) *registry.Sessions {
	authorizer := func(ref store.Ref) provider.Authorizer {
		return mgr.Authorizer(ref)
	}
	return registry.NewSessions(registry.SessionOptions{
		States:     st,
		Authorizer: authorizer,
		Tier:       cfg.RateLimitTier,
		MaxRetries: cfg.ProviderMaxRetries,
		UserAgent:  userAgent,
	})
}
