// Package app wires the daemon together: config, logging, store, pool
// and the scheduler loop, plus hot reload of the poll settings.
package app

import (
	"context"
	"fmt"
	"sync"

	"cronwell/internal/config"
	"cronwell/internal/loop"
	"cronwell/internal/pool"
	"cronwell/internal/schedule"
	"cronwell/internal/store"
	logx "cronwell/pkg/logx"
)

type App struct {
	cfgm     *config.Manager
	log      logx.Logger
	logClose func() error

	st   store.Store
	pool *pool.Service
	mgr  *schedule.Manager
	loop *loop.Loop

	mu          sync.Mutex
	started     bool
	cancelWatch context.CancelFunc
	sub         chan *config.Config
	bg          sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	log, logClose, err := logx.New(cfg.Logging.LogConfig())
	if err != nil {
		return nil, err
	}
	log = log.With(logx.String("comp", "app"))

	storeCfg, err := cfg.Storage.StoreConfig()
	if err != nil {
		_ = logClose()
		return nil, err
	}
	st, err := store.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logClose()
		return nil, err
	}

	loopCfg, err := cfg.Scheduler.LoopConfig()
	if err != nil {
		_ = st.Close()
		_ = logClose()
		return nil, err
	}

	p := pool.New(cfg.Pool.PoolConfig(), log.With(logx.String("comp", "pool")))
	mgr := schedule.NewManager(st, log.With(logx.String("comp", "schedule")))
	l := loop.New(loopCfg, mgr, p, log.With(logx.String("comp", "loop")))

	return &App{
		cfgm:     cfgm,
		log:      log,
		logClose: logClose,
		st:       st,
		pool:     p,
		mgr:      mgr,
		loop:     l,
	}, nil
}

// Loop exposes the scheduler loop so callers can register runners before Start.
func (a *App) Loop() *loop.Loop { return a.loop }

// Manager exposes schedule CRUD.
func (a *App) Manager() *schedule.Manager { return a.mgr }

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("app already started")
	}
	a.started = true

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	a.pool.Start()

	cfg := a.cfgm.Get()
	if cfg.Scheduler.Enabled {
		a.loop.Start(ctx)
	} else {
		a.log.Info("scheduler disabled by config; loop not started")
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	a.cancelWatch = cancel
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		_ = a.cfgm.Watch(watchCtx)
	}()

	a.sub = a.cfgm.Subscribe(8)
	a.bg.Add(1)
	go func(old *config.Config) {
		defer a.bg.Done()
		for next := range a.sub {
			a.applyReload(old, next)
			old = next
		}
	}(cfg)

	a.log.Info("started",
		logx.String("store_driver", cfg.Storage.Driver),
		logx.Bool("scheduler_enabled", cfg.Scheduler.Enabled))
	return nil
}

// applyReload applies the subset of config that is hot-reloadable. The
// poll interval and submit priority take effect live; storage, pool and
// logging changes need a restart and are only reported.
func (a *App) applyReload(old, next *config.Config) {
	changed, attrs := config.SummarizeChange(old, next)
	if len(changed) == 0 {
		return
	}
	a.log.Info("config reloaded", append(attrs, logx.Any("changed", changed))...)

	if old.Scheduler != next.Scheduler {
		loopCfg, err := next.Scheduler.LoopConfig()
		if err != nil {
			// The validator runs before publish; this is belt and braces.
			a.log.Warn("scheduler config not applied", logx.Err(err))
		} else {
			a.loop.Apply(loopCfg)
		}
	}
	if old.Storage != next.Storage || old.Pool != next.Pool || old.Logging != next.Logging {
		a.log.Warn("storage/pool/logging changes require a restart")
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	a.log.Info("stopping")

	if a.cancelWatch != nil {
		a.cancelWatch()
	}

	// Loop first so no new work is claimed, then the pool drains.
	a.loop.Stop(ctx)
	a.pool.Stop(ctx)

	if a.sub != nil {
		a.cfgm.Unsubscribe(a.sub)
		a.sub = nil
	}

	finished := make(chan struct{})
	go func() {
		a.bg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		a.log.Warn("background tasks did not stop in time", logx.Err(ctx.Err()))
	}

	if err := a.st.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	if a.logClose != nil {
		return a.logClose()
	}
	return nil
}
