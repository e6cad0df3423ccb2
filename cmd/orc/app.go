package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/claude-orc/orc/internal/archive"
	"github.com/claude-orc/orc/internal/common/config"
	"github.com/claude-orc/orc/internal/common/logger"
	"github.com/claude-orc/orc/internal/contextreg"
	"github.com/claude-orc/orc/internal/events"
	"github.com/claude-orc/orc/internal/events/bus"
)

// app bundles the long-lived collaborators every command needs: config,
// logging, the event bus, the context registry, and the archive when it
// is enabled.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	bus      bus.EventBus
	busClose func() error
	store    *archive.Store
	recorder *archive.Recorder
	registry *contextreg.Registry
}

// loadApp builds the shared plumbing from configuration. Callers own the
// result and must Close it.
func loadApp() (*app, error) {
	cfg, err := config.LoadWithPath(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.SetDefault(log)

	provided, busClose, err := events.Provide(cfg, log)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		bus:      provided.Bus,
		busClose: busClose,
	}
	a.registry = contextreg.NewRegistry(cfg.Registry, a.bus, log)

	if cfg.Archive.Enabled {
		store, err := archive.Open(cfg.Archive)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open archive: %w", err)
		}
		a.store = store
		a.recorder = archive.NewRecorder(store, a.bus, log)
		if err := a.recorder.Start(); err != nil {
			a.Close()
			return nil, fmt.Errorf("start archive recorder: %w", err)
		}
	}

	return a, nil
}

// Close tears the shared plumbing down in reverse construction order.
func (a *app) Close() {
	if a.recorder != nil {
		a.recorder.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("archive close failed", zap.Error(err))
		}
	}
	if a.busClose != nil {
		_ = a.busClose()
	}
	_ = a.log.Sync()
}
