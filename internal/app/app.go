// Package app wires pillbot together: config, logging, storage, the schedule
// driver, the notifier pipeline, and the Telegram transport.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pillbot/internal/config"
	"pillbot/internal/eventbus"
	"pillbot/internal/medication"
	"pillbot/internal/notifier"
	"pillbot/internal/observability/pprof"
	rtsup "pillbot/internal/runtime/supervisor"
	"pillbot/internal/schedule"
	"pillbot/internal/storage"
	kit "pillbot/internal/transport"
	"pillbot/internal/transport/telegram"
	logx "pillbot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	adapter kit.Adapter
	notif   *notifier.Service
	driver  schedule.Driver
	med     *medication.Service
	cmds    *Commands
	prof    *pprof.Service

	sup     *rtsup.Supervisor
	updates chan kit.Update

	schedEnabled bool
	timerMode    bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notifier.New(ncfg, ad, logSvc.Logger().With(logx.String("comp", "notifier")), bus)

	dcfg := mapSchedulerConfig(cfg)
	driver := schedule.NewDriver(dcfg, store, store, notifSvc,
		logSvc.Logger().With(logx.String("comp", "schedule")), bus)

	med := medication.New(store, driver, logSvc.Logger().With(logx.String("comp", "medication")), bus)

	prof := pprof.New(pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}, logSvc.Logger().With(logx.String("comp", "pprof")))

	a := &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		adapter:      ad,
		notif:        notifSvc,
		driver:       driver,
		med:          med,
		prof:         prof,
		updates:      make(chan kit.Update, 256),
		schedEnabled: cfg.Scheduler.Enabled,
		timerMode:    dcfg.Mode == schedule.ModeTimers,
	}
	a.cmds = NewCommands(logSvc.Logger().With(logx.String("comp", "commands")), ad, med, cfg.Telegram.AllowedChats)
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.prof.Enabled() {
		if err := a.prof.Start(a.sup.Context()); err != nil {
			a.log.Warn("pprof failed to start; continuing without it", logx.Err(err))
		}
	}

	if a.schedEnabled {
		if err := a.driver.Start(a.sup.Context()); err != nil {
			return err
		}
		// The timer model keeps its state in memory; rebuild every owner's
		// entries from the store on boot. The scan model needs nothing.
		if a.timerMode {
			if err := a.restoreSchedules(a.sup.Context()); err != nil {
				a.log.Warn("restoring schedules failed", logx.Err(err))
			}
		}
	} else {
		a.log.Warn("scheduler disabled; no reminders will fire")
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmds.DispatchLoop(c, a.updates)
	})

	// Debug-level event log for observability.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot-reload fan-out: logging and notifier settings apply live; storage
	// and scheduler mode changes need a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		if wasEnabled && !ncfg.Enabled {
			stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !wasEnabled && ncfg.Enabled {
			a.notif.Start(a.sup.Context())
		}
	}

	if schedule.Mode(strings.ToLower(cfg.Scheduler.Mode)) != modeOf(a.timerMode) && cfg.Scheduler.Mode != "" {
		a.log.Warn("scheduler mode changed; restart required for changes to take effect")
	}
	a.log.Info("config reloaded")
}

func modeOf(timerMode bool) schedule.Mode {
	if timerMode {
		return schedule.ModeTimers
	}
	return schedule.ModeScan
}

// restoreSchedules re-registers per-stage timers for every owner with an
// active plan.
func (a *App) restoreSchedules(ctx context.Context) error {
	owners, err := a.store.ListActiveOwners(ctx)
	if err != nil {
		return err
	}
	for _, owner := range owners {
		p, err := a.store.GetActivePlan(ctx, owner)
		if err != nil {
			a.log.Warn("loading plan on boot failed", logx.String("owner", owner), logx.Err(err))
			continue
		}
		if err := a.driver.SetSchedule(owner, p); err != nil {
			a.log.Warn("restoring schedule failed", logx.String("owner", owner), logx.Err(err))
		}
	}
	a.log.Info("schedules restored", logx.Int("owners", len(owners)))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bounded shutdown steps: one stuck component must not stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer func() {
				if r := recover(); r != nil {
					a.log.Warn("panic in stop step", logx.String("name", name), logx.Any("panic", r))
				}
				close(done)
			}()
			fn(stepCtx)
		}()
		select {
		case <-done:
			a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) { a.driver.Stop(c) })
	step("notifier", 2*time.Second, func(c context.Context) { a.notif.Stop(c) })
	step("adapter", 2*time.Second, func(c context.Context) { _ = a.adapter.Stop(c) })
	step("pprof", 1*time.Second, func(c context.Context) { a.prof.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) { _ = a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./pillbot.sqlite"
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	enabled := true
	if n.Enabled != nil {
		enabled = *n.Enabled
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:    enabled,
		Workers:    n.Workers,
		QueueSize:  n.QueueSize,
		RatePerSec: n.RatePerSec,
		RetryMax:   n.RetryMax,
		RetryBase:  retryBase,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) schedule.Config {
	return schedule.Config{
		Mode:     schedule.Mode(strings.ToLower(strings.TrimSpace(cfg.Scheduler.Mode))),
		Timezone: cfg.Scheduler.Timezone,
	}
}

func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Scheduler.Mode)) {
	case "", string(schedule.ModeScan), string(schedule.ModeTimers):
	default:
		return fmt.Errorf("scheduler.mode: unknown mode %q", cfg.Scheduler.Mode)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}
