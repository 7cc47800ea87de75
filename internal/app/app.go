// Package app wires config, storage, transport, dispatcher, scheduler and
// the admin API into the renewd daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"renewd/internal/adminapi"
	"renewd/internal/config"
	"renewd/internal/eventbus"
	"renewd/internal/metrics"
	"renewd/internal/notifier"
	"renewd/internal/runtime/supervisor"
	"renewd/internal/scheduler"
	"renewd/internal/storage"
	logx "renewd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	logsCfg func(*config.Config) logx.Config
	bus     eventbus.Bus

	store     storage.Store
	transport notifier.Transport
	refresh   loopFunc
	disp      *notifier.Dispatcher
	metrics   *metrics.Collector
	sched     *scheduler.Controller
	admin     *adminapi.Service
}

type Option func(*App)

// WithLogsToStderr keeps stdout free for command output.
func WithLogsToStderr() Option {
	return func(a *App) {
		a.logsCfg = func(c *config.Config) logx.Config {
			lc := mapLoggingConfig(c)
			lc.Stderr = true
			return lc
		}
	}
}

// NewApp builds every component from the manager's current config,
// loading it first if needed. Nothing runs until Start.
func NewApp(cfgm *config.ConfigManager, opts ...Option) (*App, error) {
	cfg := cfgm.Get()
	if cfg == nil {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}

	a := &App{cfgm: cfgm, logsCfg: mapLoggingConfig}
	for _, o := range opts {
		o(a)
	}

	logSvc, log := logx.New(a.logsCfg(cfg))
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()
	a.metrics = metrics.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	if a.store, err = storage.Open(sc, log); err != nil {
		return nil, a.abort(err)
	}
	a.log.Debug("storage opened", logx.String("driver", sc.Driver))

	if a.transport, a.refresh, err = buildTransport(cfg, log); err != nil {
		return nil, a.abort(err)
	}
	dc, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.disp = notifier.New(dc, a.transport, log.With(logx.String("comp", "dispatcher")),
		notifier.WithEventBus(a.bus),
		notifier.WithObserver(a.metrics),
	)

	schc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.sched, err = scheduler.New(schc, a.store, a.disp, log.With(logx.String("comp", "scheduler")),
		scheduler.WithEventBus(a.bus),
		scheduler.WithRecorder(a.metrics),
	)
	if err != nil {
		return nil, a.abort(err)
	}

	handler := adminapi.NewHandler(adminapi.Deps{
		Passes:        a.sched,
		Reminders:     a.store,
		Metrics:       a.metrics.Handler(),
		Tasks:         a.supervisorSnapshot,
		EventsDropped: a.bus.Dropped,
		Observer:      a.metrics,
		Log:           log.With(logx.String("comp", "adminapi")),
	}, cfg.Admin.Token)
	a.admin = adminapi.New(mapAdminConfig(cfg), handler, log)
	return a, nil
}

// abort releases what NewApp opened so far.
func (a *App) abort(err error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) Store() storage.Store             { return a.store }
func (a *App) Scheduler() *scheduler.Controller { return a.sched }
func (a *App) Logger() logx.Logger              { return a.log }
func (a *App) Config() *config.Config           { return a.cfgm.Get() }

func (a *App) supervisorSnapshot() supervisor.Snapshot {
	if a.sup == nil {
		return supervisor.Snapshot{}
	}
	return a.sup.Snapshot()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// validate runs on every reload before it is committed: a config that would
// not build its components is rejected and the running one stays.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if cfg.Admin.Enabled {
		if err := adminapi.CheckBind(mapAdminConfig(cfg)); err != nil {
			return err
		}
	}
	return nil
}

// Start runs the daemon: triggers, admin API, transport upkeep, config
// watch and event logging.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	a.sched.Start(a.sup.Context())

	if err := a.admin.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.refresh != nil {
		// DNS refresh only speeds up sends; losing it must not stop the daemon.
		a.sup.GoRestart("transport.refresh", func(c context.Context) error {
			if err := a.refresh(c); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	events, unsub := a.bus.Subscribe(128, "pass.", "reminder", "dispatch.")
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Keep this debug-level; reminder events are per item.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	snap := a.sched.Snapshot()
	a.log.Info("app started",
		logx.Bool("scheduler_enabled", snap.Enabled),
		logx.String("tz", snap.Timezone),
		logx.String("transport", a.transport.Name()),
		logx.String("admin_addr", a.admin.Addr()),
	)
	return nil
}

// applyConfig applies the live-reloadable sections. Storage, transport and
// admin changes are only logged; they take effect after a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := strings.Join(ch.Sections, ",")
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", changed)}, ch.Attrs...)...)

	if ch.Has("logging") {
		a.logs.Apply(a.logsCfg(newCfg))
	}
	if ch.Has("dispatcher") {
		if dc, err := mapDispatcherConfig(newCfg); err != nil {
			a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
		} else {
			a.disp.Apply(dc)
		}
	}
	// Dispatcher also carries templates and target clearing for the scheduler.
	if ch.Has("scheduler") || ch.Has("dispatcher") {
		if sc, err := mapSchedulerConfig(newCfg); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else if err := a.sched.Apply(sc); err != nil {
			a.log.Warn("scheduler config rejected; keeping previous", logx.Err(err))
		}
	}
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config sections changed that need a restart",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}
	a.log.Info("config reloaded", logx.String("changed", changed))
}

// Close releases storage and logging for command-style use without Start.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so a running pass starts releasing its claims.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// The scheduler waits for an in-flight pass to settle its claims.
	step("scheduler", 15*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("admin", 3*time.Second, a.admin.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
