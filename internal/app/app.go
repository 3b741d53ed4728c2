// Package app wires the daemon: storage, registry, scheduler, executor,
// lifecycle controller, Telegram transport, command router and the optional
// debug server.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"timetask/internal/config"
	"timetask/internal/directory"
	"timetask/internal/eventbus"
	"timetask/internal/observability/debug"
	"timetask/internal/provider"
	"timetask/internal/provider/openai"
	rtsup "timetask/internal/runtime/supervisor"
	"timetask/internal/storage"
	"timetask/internal/task/engine"
	"timetask/internal/task/lifecycle"
	"timetask/internal/task/registry"
	"timetask/internal/task/scheduler"
	"timetask/internal/transport"
	"timetask/internal/transport/router"
	"timetask/internal/transport/telegram"
	"timetask/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store   storage.Store
	reg     *registry.Registry
	sched   *scheduler.Service
	engine  *engine.Service
	ctrl    *lifecycle.Controller
	dir     *directory.Static
	adapter *telegram.Adapter
	router  *router.Router
	metrics *debug.Metrics
	debug   *debug.Server

	updates chan transport.Update
}

// New loads and validates the config at cfgPath and builds every component.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(mapLogging(cfg.Logging))
	cfgm.SetLogger(log)
	bus := eventbus.New()

	schedCfg, err := mapScheduler(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, log)

	stCfg, err := mapStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	stCfg.Location = sched.Location()
	store, err := storage.Open(stCfg, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	reg := registry.New(store, log, registry.Options{Now: sched.Now})

	engCfg, err := mapExecutor(cfg.Executor)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, log.With(logx.String("comp", "executor")), bus)

	tgCfg, err := mapTelegram(cfg.Telegram)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tgCfg, log)
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(ad)

	var prov provider.Provider
	if pc, enabled, err := mapProvider(cfg.Provider); err != nil {
		return nil, err
	} else if enabled {
		c, err := openai.New(pc, log)
		if err != nil {
			return nil, err
		}
		prov = c
		log.Info("completion provider enabled", logx.String("provider", c.Name()))
	}

	dir := directory.NewStatic(cfg.Destinations, log)
	ctrl := lifecycle.New(lifecycle.Deps{
		Registry:        reg,
		Scheduler:       sched,
		Executor:        eng,
		Deliverer:       lifecycle.NewDeliverer(ad, prov, log),
		Directory:       dir,
		Bus:             bus,
		Log:             log,
		DeliveryTimeout: engCfg.DefaultTimeout,
	})

	rt := router.New(router.Config{Owners: cfg.Telegram.OwnerUserIDs}, log, ad, ctrl, sched.Now)

	dbgCfg, err := mapDebug(cfg.Debug)
	if err != nil {
		return nil, err
	}
	metrics := debug.NewMetrics(func() int { return len(sched.Entries()) })

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     reg,
		sched:   sched,
		engine:  eng,
		ctrl:    ctrl,
		dir:     dir,
		adapter: ad,
		router:  rt,
		metrics: metrics,
		updates: make(chan transport.Update, 256),
	}
	a.debug = debug.New(dbgCfg, log, metrics, a.health)
	a.debug.SetSupervisors(a.supervisors)
	return a, nil
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) supervisors() map[string]rtsup.Snapshot {
	return map[string]rtsup.Snapshot{
		"app":      a.sup.Snapshot(),
		"telegram": a.adapter.Supervisor().Snapshot(),
		"executor": a.engine.Supervisor().Snapshot(),
		"commands": a.router.Supervisor().Snapshot(),
	}
}

func (a *App) health() error {
	select {
	case <-a.ctrl.Ready():
	default:
		return errors.New("task lifecycle not ready")
	}
	if a.Err() != nil {
		return a.Err()
	}
	return nil
}

// Start restores persisted tasks and begins serving. It returns once the
// restore finished and the transport is polling.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	a.engine.Start(runCtx)
	a.sup.Go("lifecycle", a.ctrl.Run)
	select {
	case <-a.ctrl.Ready():
	case <-runCtx.Done():
		if err := a.sup.Err(); err != nil {
			return fmt.Errorf("restore tasks: %w", err)
		}
		return runCtx.Err()
	}
	a.sched.Start(runCtx)

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	a.debug.Start(runCtx)
	a.sup.Go("metrics.consume", func(c context.Context) error {
		return a.metrics.Consume(c, a.bus)
	})
	a.sup.Go0("eventbus.log", a.logEvents)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.notifySystemd(daemon.SdNotifyReady)
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) { a.watchdog(c, interval/2) })
	}

	a.log.Info("app started", logx.Int("tasks", a.reg.Len()), logx.String("tz", a.sched.Location().String()))
	return nil
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	var dropped uint64
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			if n := a.bus.Dropped(); n > dropped {
				a.log.Warn("event bus dropped events", logx.Int64("total", int64(n)), logx.Int("subscribers", a.bus.Subscribers()))
				dropped = n
			}
		}
	}
}

func (a *App) watchdog(c context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.Done():
			return
		case <-t.C:
			if a.health() == nil {
				a.notifySystemd(daemon.SdNotifyWatchdog)
			}
		}
	}
}

func (a *App) notifySystemd(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// reloadLoop applies hot-reloadable sections. Sections that need a restart
// are only reported.
func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(c, last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyConfig(c context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(cfg.Logging))
	a.router.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.dir.Apply(cfg.Destinations)
	if dc, err := mapDebug(cfg.Debug); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(c, dc)
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", restart))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifySystemd(daemon.SdNotifyStopping)
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("adapter", 2*time.Second, a.adapter.Stop)
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("executor", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
