package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"autopilot/internal/agent"
	"autopilot/internal/api"
	"autopilot/internal/config"
	"autopilot/internal/dispatch"
	"autopilot/internal/docstore"
	"autopilot/internal/eventbus"
	"autopilot/internal/ledger"
	"autopilot/internal/messaging"
	"autopilot/internal/notifier"
	"autopilot/internal/observability/metrics"
	"autopilot/internal/observability/opsserver"
	rtsup "autopilot/internal/runtime/supervisor"
	"autopilot/internal/task/checklist"
	"autopilot/internal/task/jobs"
	"autopilot/internal/task/scheduler"
	"autopilot/internal/task/store"
	logx "autopilot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	docs docstore.Store
	msgr messaging.Messenger

	tasks   *store.Store
	jobs    *jobs.Runner
	sched   *scheduler.Scheduler
	notif   *notifier.Service
	gateway *dispatch.Gateway
	metrics *metrics.Collector
	ops     *opsserver.Service
	api     *opsserver.Service
}

// New loads the config file and wires every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	// Forwarding needs the messenger, so logging starts without it and is re-applied below.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Forward.Enabled = false
	logSvc, root := logx.New(bootCfg)
	log := root.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	mc, err := mapMessagingConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Storage and messaging may both dial out; open them concurrently.
	var (
		docs docstore.Store
		msgr messaging.Messenger
	)
	var g errgroup.Group
	g.Go(func() error {
		d, err := docstore.Open(sc, root.With(logx.String("comp", "docstore")))
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		docs = d
		return nil
	})
	g.Go(func() error {
		m, err := messaging.Open(mc, root)
		if err != nil {
			return fmt.Errorf("messaging: %w", err)
		}
		msgr = m
		return nil
	})
	if err := g.Wait(); err != nil {
		if docs != nil {
			_ = docs.Close()
		}
		if msgr != nil {
			_ = msgr.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("collaborators opened", logx.String("storage", sc.Driver), logx.String("messaging", mc.Driver))

	if ch := strings.TrimSpace(cfg.Messaging.OpsChannel); ch != "" {
		logSvc.SetForwarder(messaging.Forwarder{M: msgr, Channel: ch})
		logSvc.Apply(logCfg)
	}

	a := &App{
		cfgm: cfgm,
		log:  log,
		logs: logSvc,
		bus:  eventbus.New(),
		docs: docs,
		msgr: msgr,
	}
	if err := a.wire(cfg, root); err != nil {
		_ = docs.Close()
		_ = msgr.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config, root logx.Logger) error {
	jc, err := mapJobsConfig(cfg)
	if err != nil {
		return err
	}
	schc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	agc, err := mapAgentConfig(cfg)
	if err != nil {
		return err
	}
	lc, err := mapLedgerConfig(cfg)
	if err != nil {
		return err
	}
	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	opsc, err := mapServerConfig("ops", cfg.Ops)
	if err != nil {
		return err
	}
	apic, err := mapServerConfig("api", cfg.API)
	if err != nil {
		return err
	}
	apic.Pprof = false
	listingTTL, err := config.ParseDurationField("dispatch.listing_ttl", cfg.Dispatch.ListingTTL)
	if err != nil {
		return err
	}

	a.tasks = store.New(a.docs, root)
	a.jobs = jobs.New(jc, root, a.bus)
	a.notif = notifier.New(nc, a.msgr, a.tasks, root, a.bus)

	engine := checklist.NewEngine(a.tasks, root, checklist.WithObserver(a.notif), checklist.WithBus(a.bus))
	gate := checklist.NewGate(a.tasks, a.tasks, a.bus, root)

	a.sched = scheduler.New(schc, scheduler.Deps{
		Store:     a.tasks,
		Messenger: a.msgr,
		Engine:    agent.New(agc, root),
		Jobs:      a.jobs,
	}, root, a.bus)

	listing := dispatch.NewMemoryListing(listingTTL)
	a.gateway = dispatch.New(dc, dispatch.Deps{
		Listing:    listing,
		Ledger:     ledger.New(lc, root),
		Transport:  newTransport(cfg),
		Docs:       a.docs,
		Executions: a.tasks,
		Jobs:       a.jobs,
	}, root, a.bus)

	a.metrics = metrics.New()
	a.ops = opsserver.New("ops", opsc, func(mux *http.ServeMux) {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}, root)
	a.ops.SetHealth(a.health)

	handler := api.New(api.Deps{
		Tasks:     a.tasks,
		Checklist: engine,
		Gate:      gate,
		Dispatch:  a.gateway,
		Listings:  listing,
		Scheduler: a.sched,
	}, root)
	a.api = opsserver.New("api", apic, handler.Mount, root)
	a.api.SetHealth(func() any { return map[string]any{"scheduler": a.sched.Snapshot().State} })
	return nil
}

// health is the /healthz payload of the ops server.
func (a *App) health() any {
	js := a.jobs.Snapshot()
	js.History = nil
	sups := map[string]rtsup.Counters{}
	for name, s := range map[string]*rtsup.Supervisor{
		"app":       a.sup,
		"scheduler": a.sched.Supervisor(),
		"jobs":      a.jobs.Supervisor(),
		"notifier":  a.notif.Supervisor(),
		"ops":       a.ops.Supervisor(),
		"api":       a.api.Supervisor(),
	} {
		if s != nil {
			sups[name] = s.Counters()
		}
	}
	return map[string]any{
		"scheduler":   a.sched.Snapshot(),
		"jobs":        js,
		"notifier":    a.notif.Enabled(),
		"supervisors": sups,
	}
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

// validate is the transactional hot-reload check: a config every mapper accepts.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	var errs []error
	_, err := mapSchedulerConfig(cfg)
	errs = append(errs, err)
	_, err = mapJobsConfig(cfg)
	errs = append(errs, err)
	_, err = mapNotifierConfig(cfg)
	errs = append(errs, err)
	_, err = mapDispatchConfig(cfg)
	errs = append(errs, err)
	_, err = mapServerConfig("ops", cfg.Ops)
	errs = append(errs, err)
	_, err = mapServerConfig("api", cfg.API)
	errs = append(errs, err)
	return errors.Join(errs...)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	// Subscribe before anything can publish so the first tick is counted.
	metricEvents, metricUnsub := a.bus.Subscribe(512)
	a.sup.Go0("metrics", func(c context.Context) {
		defer metricUnsub()
		a.metrics.Consume(c, metricEvents)
	})

	a.jobs.Start(runCtx)
	a.notif.Start(runCtx)
	a.sched.Start(runCtx)
	a.ops.Start(runCtx)
	a.api.Start(runCtx)

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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig fans a reloaded config out to every live component.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if config.RestartRequired(s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	if ch := strings.TrimSpace(newCfg.Messaging.OpsChannel); ch != "" {
		a.logs.SetForwarder(messaging.Forwarder{M: a.msgr, Channel: ch})
	}
	a.logs.Apply(mapLoggingConfig(newCfg))

	if jc, err := mapJobsConfig(newCfg); err != nil {
		a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
	} else {
		a.jobs.Apply(ctx, jc)
	}

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		running := a.sched.Snapshot().State == scheduler.StateRunning
		a.sched.Apply(sc)
		switch {
		case running && !sc.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_ = a.sched.Stop(stopCtx)
			cancel()
		case !running && sc.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	if nc, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prev := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case prev && !nc.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && nc.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if dc, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.gateway.Apply(dc)
	}

	if oc, err := mapServerConfig("ops", newCfg.Ops); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}
	if ac, err := mapServerConfig("api", newCfg.API); err != nil {
		a.log.Warn("invalid api config; keeping previous", logx.Err(err))
	} else {
		ac.Pprof = false
		a.api.Reconfigure(ctx, ac)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		runStep(ctx, a.log, name, limit, fn)
	}

	// Stop new work first, then drain what is in flight, then close collaborators.
	step("scheduler", 3*time.Second, a.sched.Stop)
	step("api", time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("jobs", 5*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("messaging", time.Second, func(context.Context) error { return a.msgr.Close() })
	step("storage", time.Second, func(context.Context) error { return a.docs.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
