// Package app wires the engine together: config, logging, storage, the
// lock table, tracker and queue, the scheduler-driven dispatch and janitor
// loops, the transport adapter and the ingest workers.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"followbot/internal/config"
	"followbot/internal/engine/followup"
	"followbot/internal/engine/lock"
	"followbot/internal/engine/queue"
	"followbot/internal/eventbus"
	"followbot/internal/services/dispatch"
	"followbot/internal/services/ingest"
	"followbot/internal/services/janitor"
	"followbot/internal/services/logging"
	"followbot/internal/services/notify"
	"followbot/internal/services/scheduler"
	"followbot/internal/storage"
	"followbot/internal/transport"
	"followbot/internal/transport/telegram"
	"followbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logging.Service
	log  *slog.Logger
	bus  eventbus.Bus

	store      storage.Store
	locks      *lock.Table
	tracker    *followup.Tracker
	queue      *queue.Queue
	sched      *scheduler.Service
	notifier   *notify.Service
	dispatcher *dispatch.Service
	jan        *janitor.Service
	ing        *ingest.Service

	adapter transport.Adapter
	updates chan transport.Update

	unsubCfg  func()
	unsubBus  func()
	runCancel context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	set, err := cfg.Settings()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logs, logger := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
		File: logging.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgm.SetLogger(logx.New(os.Stderr, cfg.Logging.Level).With("config"))

	bus := eventbus.New()

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: set.BusyTimeout,
	}, logx.New(os.Stderr, cfg.Logging.Level).With("storage"))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	tracker := followup.NewTracker(cfg.Engine.MaxAttempts, set.Cooldown)
	locks := lock.NewTable(set.LockTimeout, logger.With(slog.String("comp", "locks")), bus)
	q := queue.New(queue.Config{
		MaxSize:        cfg.Engine.MaxQueueSize,
		BackpressureAt: cfg.Engine.BackpressureThreshold,
		MinDelayFactor: cfg.Engine.MinDelayFactor,
		MaxDelayFactor: cfg.Engine.MaxDelayFactor,
	}, tracker, logger.With(slog.String("comp", "queue")), bus)

	a := &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     logger.With(slog.String("comp", "app")),
		bus:     bus,
		store:   store,
		locks:   locks,
		tracker: tracker,
		queue:   q,
	}

	a.sched = scheduler.New(scheduler.Config{
		Workers:        2,
		DefaultTimeout: 30 * time.Second,
		HistorySize:    200,
	}, logger.With(slog.String("comp", "scheduler")), bus)

	a.jan = janitor.New(tracker, q, store, logger.With(slog.String("comp", "janitor")), bus)
	a.ing = ingest.New(ingest.Config{
		Workers:       cfg.Ingest.Workers,
		FollowUpDelay: set.FollowUpDelay,
	}, locks, tracker, q, store, logger.With(slog.String("comp", "ingest")), bus)

	var sender transport.Sender
	if cfg.Telegram.Token != "" {
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: set.PollTimeout,
		}, logger.With(slog.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.adapter = ad
		sender = ad
	} else {
		a.log.Warn("no telegram token configured; running without transport")
	}

	a.notifier = notify.New(notify.Config{RatePerSec: cfg.Notify.RatePerSec}, sender, logger.With(slog.String("comp", "notify")))
	a.dispatcher = dispatch.New(locks, tracker, q, store, a.notifier, logger.With(slog.String("comp", "dispatch")), bus)
	return a, nil
}

// Ingest exposes the producer API (ScheduleFollowUp, HandleMessage) to hosts
// embedding the engine.
func (a *App) Ingest() *ingest.Service { return a.ing }

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Current()
	set, err := cfg.Settings()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	a.startEventLog(runCtx)
	a.sched.Start(runCtx)

	if _, err := a.sched.AddInterval("dispatch", set.DispatchEvery, set.DispatchEvery, a.dispatcher.Tick); err != nil {
		return err
	}
	if _, err := a.sched.AddInterval("janitor", set.JanitorEvery, time.Minute, a.jan.Sweep); err != nil {
		return err
	}
	if _, err := a.sched.AddInterval("lock-sweep", set.LockSweep, 10*time.Second, func(ctx context.Context) error {
		a.locks.Sweep(time.Now())
		return nil
	}); err != nil {
		return err
	}

	if a.adapter != nil {
		a.updates = make(chan transport.Update, 256)
		if err := a.adapter.Start(runCtx, a.updates); err != nil {
			return err
		}
		a.ing.Run(runCtx, a.updates)
	}

	if err := a.cfgm.Watch(runCtx); err != nil {
		a.log.Warn("config watch unavailable", slog.Any("err", err))
	}
	ch, unsub := a.cfgm.Subscribe()
	a.unsubCfg = unsub
	go a.applyLoop(runCtx, ch)

	a.notifySystemd(runCtx)
	a.log.Info("started",
		slog.Duration("dispatch_every", set.DispatchEvery),
		slog.Duration("janitor_every", set.JanitorEvery),
		slog.Duration("lock_ttl", set.LockTimeout))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if a.unsubCfg != nil {
		a.unsubCfg()
	}
	if a.unsubBus != nil {
		a.unsubBus()
	}
	if a.runCancel != nil {
		a.runCancel()
	}
	if a.adapter != nil {
		_ = a.adapter.Stop(ctx)
	}
	a.ing.Wait()
	a.sched.Stop(ctx)
	if a.store != nil {
		_ = a.store.Close()
	}
	a.logs.Close()
	a.log.Info("stopped")
	return nil
}

// applyLoop pushes reloaded config into the services that support live
// re-application. Anything else (storage driver, telegram token) needs a
// restart.
func (a *App) applyLoop(ctx context.Context, ch <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logs.Apply(logging.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
				File: logging.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.notifier.Apply(notify.Config{RatePerSec: cfg.Notify.RatePerSec})
			a.log.Info("config applied", slog.String("level", cfg.Logging.Level), slog.Int("notify_rps", cfg.Notify.RatePerSec))
		}
	}
}

func (a *App) notifySystemd(ctx context.Context) {
	if ok, _ := daemon.SdNotify(false, daemon.SdNotifyReady); ok {
		a.log.Debug("systemd readiness notified")
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}
