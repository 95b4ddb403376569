// Package app assembles the intake service from configuration. The server
// binary and the integration harness both build through New so the wiring
// exists in one place.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/config"
	"github.com/pitabwire/intake/internal/generate"
	"github.com/pitabwire/intake/internal/idempotency"
	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/internal/operator"
	"github.com/pitabwire/intake/internal/session"
	"github.com/pitabwire/intake/internal/store"
	"github.com/pitabwire/intake/internal/transport"
	"github.com/pitabwire/intake/internal/workflow"
)

// App is a fully wired service. Handler serves every route; Run drives the
// background session sweeper until its context ends.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Metrics     *observability.Metrics
	Store       store.RecordStore
	Engine      *workflow.Engine
	Generator   generate.Generator
	Idempotency idempotency.Store
	Sessions    *session.Manager
	Dashboard   *operator.Dashboard
	Handler     http.Handler

	closeIdempotency func() error
}

// New builds every component selected by cfg. On error anything already
// opened is closed again.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	if reg != nil {
		a.Metrics = observability.InitMetrics(reg)
	}

	rs, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.Store = rs

	policy, err := workflow.ParsePolicy(cfg.Workflow.TransitionPolicy)
	if err != nil {
		a.closeQuietly()
		return nil, err
	}
	a.Engine = workflow.NewEngine(rs, policy, logger, a.Metrics)

	gen, err := generate.New(cfg.Generator, logger, a.Metrics)
	if err != nil {
		a.closeQuietly()
		return nil, err
	}
	a.Generator = gen

	idem, closeIdem, err := idempotency.New(cfg.Idempotency)
	if err != nil {
		a.closeQuietly()
		return nil, err
	}
	a.Idempotency, a.closeIdempotency = idem, closeIdem

	a.Sessions = session.NewManager(session.Deps{
		Store:     rs,
		Workflow:  a.Engine,
		Generator: gen,
		Logger:    logger,
		Metrics:   a.Metrics,
	}, session.Options{
		DebounceInterval: cfg.Session.DebounceInterval,
		SavingIndicator:  cfg.Session.SavingIndicator,
		ReplacePolicy:    session.ReplacePolicy(cfg.Session.ReplacePolicy),
	}, cfg.Session.IdleTimeout)

	a.Dashboard = operator.NewDashboard(rs, a.Engine, logger)

	readiness := observability.ReadinessChecks{RecordStore: rs}
	if idem != nil {
		readiness.IdempotencyStore = idem
	}
	if hc, ok := gen.(observability.HealthChecker); ok {
		readiness.Generator = hc
	}

	a.Handler = transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Logger:      logger,
		Metrics:     a.Metrics,
		Sessions:    a.Sessions,
		Submissions: rs,
		Dashboard:   a.Dashboard,
		Generator:   gen,
		Idempotency: idem,
		Readiness:   readiness,
	})
	return a, nil
}

// Run evicts idle sessions every sweep interval until ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	interval := a.Config.Session.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	a.Sessions.Run(ctx, interval)
}

// Close flushes live sessions and releases the stores. Sessions go first
// so their last writes reach the record store before it closes.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Sessions != nil {
		if err := a.Sessions.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}
	}
	if a.closeIdempotency != nil {
		if err := a.closeIdempotency(); err != nil {
			errs = append(errs, fmt.Errorf("idempotency store: %w", err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("record store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) closeQuietly() {
	if err := a.Close(context.Background()); err != nil {
		a.Logger.Warn("cleanup after failed start", zap.Error(err))
	}
}
