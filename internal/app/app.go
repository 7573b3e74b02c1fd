package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"msgstore/pkg/config"
	"msgstore/pkg/engine"
	"msgstore/pkg/extensions"
	"msgstore/pkg/interaction"
	"msgstore/pkg/jobs"
	"msgstore/pkg/logger"
	"msgstore/pkg/maintenance"
	"msgstore/pkg/migrations"
	"msgstore/pkg/telemetry"
)

// App groups the open store and the background components around it.
type App struct {
	cfg     *config.Config
	db      *engine.DB
	version string
	state   string

	maintenanceCancel context.CancelFunc
}

// New opens the store, registers extensions and runs pending migrations.
// The config must already be validated.
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	extensions.SetStrict(cfg.Extensions.Strict)

	db, err := engine.Open(engine.Options{
		Path:         cfg.Store.Path,
		CacheSize:    cfg.Store.CacheSize.Int64(),
		MemTableSize: uint64(cfg.Store.MemTableSize.Int64()),
		DisableWAL:   cfg.Store.DisableWAL,
		ReadOnly:     cfg.Store.ReadOnly,
		SyncWrites:   cfg.Store.SyncWritesEnabled(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", cfg.Store.Path, err)
	}
	a := &App{cfg: cfg, db: db, version: version, state: "starting"}

	if err := a.registerExtensions(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := migrations.Run(ctx, db, version); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	logger.Info("store_ready",
		"path", cfg.Store.Path,
		"read_only", cfg.Store.ReadOnly,
		"disk", humanize.IBytes(db.DiskUsage()),
		"extensions", db.ExtensionCount())
	a.state = "ready"
	return a, nil
}

// registerExtensions attaches every extension the store uses. A read-only
// store cannot build a missing extension; queries that need it then report
// it unavailable.
func (a *App) registerExtensions() error {
	regs := []func(*engine.DB) error{migrations.RegisterView, interaction.RegisterExtensions, jobs.RegisterExtensions}
	for _, reg := range regs {
		err := reg(a.db)
		if err == nil {
			continue
		}
		if errors.Is(err, engine.ErrReadOnly) {
			logger.Warn("extension_unavailable_read_only", "error", err)
			continue
		}
		return fmt.Errorf("failed to register extensions: %w", err)
	}
	return nil
}

func (a *App) DB() *engine.DB { return a.db }

func (a *App) Config() *config.Config { return a.cfg }

func (a *App) State() string { return a.state }

// Serve runs maintenance and the metrics endpoint until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	cancel, err := maintenance.Start(ctx, a.db, a.cfg.Maintenance)
	if err != nil {
		return err
	}
	a.maintenanceCancel = cancel
	a.state = "serving"

	if !a.cfg.Metrics.Enabled {
		logger.Info("metrics_disabled")
		<-ctx.Done()
		return nil
	}
	telemetry.RegisterEngine(a.db)
	return telemetry.Serve(ctx, a.cfg.Metrics.Address)
}

// Close stops background work and closes the store.
func (a *App) Close() error {
	a.state = "shutting_down"
	if a.maintenanceCancel != nil {
		a.maintenanceCancel()
	}
	err := a.db.Close()
	if err == nil {
		a.state = "stopped"
	}
	return err
}
