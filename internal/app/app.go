// Package app wires the calendar store, resolver, dispatch engine, time
// sync and the ops surface into one lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"belltower/internal/config"
	"belltower/internal/eventbus"
	"belltower/internal/schedule"
	"belltower/internal/services/dispatch"
	"belltower/internal/services/timesync"
	"belltower/internal/sink"
	"belltower/internal/storage"
	"belltower/internal/web"
	logx "belltower/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus      eventbus.Bus
	store    storage.Store
	resolver *schedule.Resolver
	engine   *dispatch.Engine
	sync     *timesync.Service
	web      *web.Server

	cancelWatch context.CancelFunc
	updates     chan *config.Config
	wg          sync.WaitGroup
}

// New loads the config and constructs every component. Nothing runs yet.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("component", "config")))

	a := &App{cfgMgr: mgr, logSvc: logSvc, log: log, bus: eventbus.New()}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	busyTimeout, err := config.ParseDurationOrDefault(
		"storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        storagePath(cfg),
		BusyTimeout: busyTimeout,
	}, a.bus, a.log.With(logx.String("component", "storage")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = store

	a.resolver = &schedule.Resolver{
		Store:         store,
		LookaheadDays: cfg.Engine.LookaheadDays,
		Location:      loc,
	}

	out := sink.Sink(sink.NewAudio(sink.Config{
		Players: cfg.Audio.Players,
		TTS: sink.TTS{
			Enabled:   cfg.Audio.TTS.Enabled,
			PiperBin:  cfg.Audio.TTS.PiperBin,
			ModelPath: cfg.Audio.TTS.ModelPath,
		},
	}, a.log))

	fireTimeout, err := config.ParseDurationOrDefault(
		"engine.fire_timeout", cfg.Engine.FireTimeout, 30*time.Second)
	if err != nil {
		return err
	}
	a.engine = dispatch.New(dispatch.Config{
		Location:        loc,
		MaterializeDays: cfg.Engine.MaterializeDays,
		FireTimeout:     fireTimeout,
	}, store, a.resolver, out, a.bus, a.log)

	if cfg.Timesync.Enabled {
		interval, err := config.ParseDurationOrDefault(
			"timesync.interval", cfg.Timesync.Interval, 6*time.Hour)
		if err != nil {
			return err
		}
		timeout, err := config.ParseDurationOrDefault(
			"timesync.timeout", cfg.Timesync.Timeout, 5*time.Second)
		if err != nil {
			return err
		}
		a.sync = timesync.New(timesync.Config{
			Enabled:  true,
			Interval: interval,
			Timeout:  timeout,
			Servers:  cfg.Timesync.Servers,
		}, store, a.log)
		a.sync.Register(a.engine)
	}

	if cfg.Web.Enabled {
		a.web = web.New(web.Config{
			Enabled: true,
			Addr:    cfg.Web.Addr,
			Token:   cfg.Web.Token,
		}, a.engine, a.resolver, a.sync, a.log)
	}
	return nil
}

func storagePath(cfg *config.Config) string {
	if cfg.Storage.Path != "" {
		return cfg.Storage.Path
	}
	return "./belltower.db"
}

// Start launches the dispatch loop, the HTTP server and the config
// watcher.
func (a *App) Start(ctx context.Context) error {
	if err := a.engine.Start(); err != nil {
		return err
	}

	if a.web != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.web.Start(); err != nil {
				a.log.Error("http server failed", logx.Err(err))
			}
		}()
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	a.cancelWatch = cancel
	updates := a.cfgMgr.Subscribe(1)
	a.updates = updates
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(watchCtx)
	}()
	go func() {
		defer a.wg.Done()
		for cfg := range updates {
			a.applyReload(cfg)
		}
	}()

	a.log.Info("belltower started")
	return nil
}

// applyReload handles the hot-reloadable subset of the config: logging
// sinks and a trigger rebuild. Structural changes (storage driver,
// listen address) need a restart.
func (a *App) applyReload(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.engine.Refresh()
	a.log.Info("config reload applied")
}

// Stop shuts everything down in reverse start order.
func (a *App) Stop(ctx context.Context) {
	if a.cancelWatch != nil {
		a.cancelWatch()
	}
	if a.updates != nil {
		a.cfgMgr.Unsubscribe(a.updates)
		a.updates = nil
	}
	if a.web != nil {
		shctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.web.Shutdown(shctx); err != nil {
			a.log.Warn("http shutdown failed", logx.Err(err))
		}
		cancel()
	}
	a.engine.Stop()
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.wg.Wait()
	a.log.Info("belltower stopped")
	_ = a.logSvc.Close()
}
