// Package app wires the engine components together for the possync binary.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pdcretail/possync/internal/config"
	"github.com/pdcretail/possync/internal/engine"
	"github.com/pdcretail/possync/internal/events"
	"github.com/pdcretail/possync/internal/logging"
	"github.com/pdcretail/possync/internal/models"
	"github.com/pdcretail/possync/internal/monitor"
	"github.com/pdcretail/possync/internal/remote"
	"github.com/pdcretail/possync/internal/session"
	"github.com/pdcretail/possync/internal/store"
)

// maintenanceInterval is the cadence of retention pruning.
const maintenanceInterval = time.Hour

// App owns the lifecycle of every long-running component.
type App struct {
	cfg      *config.Config
	log      logging.Logger
	store    *store.Store
	bus      *events.Bus
	monitor  *monitor.Monitor
	engine   *engine.Engine
	queue    *engine.Service
	sessions *session.Manager
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	st, err := store.Open(ctx, cfg.DatabaseDSN, store.Options{
		QuotaBytes: cfg.QuotaBytes,
		Logger:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	bus := events.NewBus()

	mon, err := monitor.New(monitor.Options{
		Endpoints:         cfg.ProbeEndpoints,
		ProbeTimeout:      cfg.ProbeTimeout,
		ProbeInterval:     cfg.ProbeInterval,
		SlowThreshold:     cfg.SlowThreshold,
		SlowProbeTimeout:  cfg.SlowProbeTimeout,
		SlowProbeInterval: cfg.SlowProbeInterval,
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
	}, bus, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	client := remote.NewHTTPClient(cfg.ServerBaseURL, cfg.RequestTimeout)

	eng := engine.New(st, client, mon, bus, engine.Config{
		BatchSize:     cfg.SyncBatchSize,
		PriorityQuota: cfg.PriorityQuota,
		MaxAttempts:   cfg.MaxAttempts,
		BackoffBase:   cfg.BackoffBase,
		BackoffCap:    cfg.BackoffCap,
		DrainInterval: cfg.ProbeInterval,
		RefreshCollections: []string{
			models.CacheUsers, models.CacheConfigs, models.CacheProducts,
			models.CacheCategories, models.CachePaymentMethods, models.CacheTaxRules,
		},
	}, log)

	retention := store.RetentionPolicy{
		RetainSynced: cfg.RetainSynced,
		RetainErrors: cfg.RetainErrors,
		CacheTTL:     cfg.CacheTTL,
	}

	queue := engine.NewService(st, bus, eng, mon, engine.ServiceConfig{
		QueueLimit:  cfg.QueueLimit,
		ArchiveKeep: cfg.ArchiveKeep,
		Retention:   retention,
	}, log)

	sessions := session.NewManager(st, client, session.Config{
		Lifetime:             cfg.SessionLifetime,
		MaxOfflineAge:        cfg.SessionMaxOfflineAge,
		SigningKey:           cfg.SessionSigningKey,
		PinAttemptsPerMinute: cfg.PinAttemptsPerMinute,
	}, log)

	return &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		bus:      bus,
		monitor:  mon,
		engine:   eng,
		queue:    queue,
		sessions: sessions,
	}, nil
}

// Queue is the enqueue and stats surface.
func (a *App) Queue() *engine.Service { return a.queue }

// Sessions is the session lifecycle surface.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Engine exposes drain and cache refresh controls.
func (a *App) Engine() *engine.Engine { return a.engine }

// Events exposes the notification bus for UI integration.
func (a *App) Events() *events.Bus { return a.bus }

// Run starts the monitor, the drain loop, and retention maintenance, then
// blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.monitor.Start(ctx)
	go a.engine.Run(ctx)

	retention := store.RetentionPolicy{
		RetainSynced: a.cfg.RetainSynced,
		RetainErrors: a.cfg.RetainErrors,
		CacheTTL:     a.cfg.CacheTTL,
	}

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	a.log.Info(ctx, "possync started", "db", a.cfg.DatabaseDSN, "server", a.cfg.ServerBaseURL)
	for {
		select {
		case <-ctx.Done():
			return a.shutdown()
		case <-ticker.C:
			if err := a.store.Maintain(ctx, time.Now(), retention); err != nil {
				a.log.Error(ctx, "maintenance failed", "error", err)
			}
		}
	}
}

func (a *App) shutdown() error {
	ctx := context.Background()
	a.log.Info(ctx, "shutting down")
	a.monitor.Stop()
	a.bus.Close()
	return a.store.Close()
}
