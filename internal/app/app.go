// Package app wires the ingress daemon together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"ingressd/internal/api"
	"ingressd/internal/config"
	"ingressd/internal/dynamicplugins"
	"ingressd/internal/eventbus"
	"ingressd/internal/ingress"
	"ingressd/internal/ingress/catalog"
	"ingressd/internal/ingressmanager"
	"ingressd/internal/runtime/supervisor"
	"ingressd/internal/storage"
	"ingressd/internal/task/scheduler"
	logx "ingressd/pkg/logx"
)

const persistTimeout = 10 * time.Second

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	catalog  *catalog.Catalog
	registry dynamicplugins.Registry
	manager  *ingressmanager.Manager
	sched    *scheduler.Service
	api      *api.Service

	recon   *reconciler
	persist *persister
	health  *healthRecorder

	// newProber overrides the controller probe; tests only.
	newProber ingressmanager.ProberFactory
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	cat := catalog.New(log.With(logx.String("comp", "catalog")), bus)

	var store storage.Store
	var persist *persister
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		persist = newPersister(log, cat, store)
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err = persist.restore(ctx)
		cancel()
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("restore catalog: %w", err)
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	sched := scheduler.New(log, cfg.Persist.Timezone)
	if persist != nil {
		if err := sched.AddSchedule(persistJobName, persistSchedule(cfg), persistTimeout, persist.Run); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("persist.schedule: %w", err)
		}
	}

	reg := dynamicplugins.NewRegistry(log)

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		catalog:  cat,
		registry: reg,
		sched:    sched,
		recon:    newReconciler(log, reg, cat),
		persist:  persist,
	}

	// Restored plugins are reconciled against the config on the first Apply.
	a.recon.adopt(cat.IDs())

	src := api.Sources{Plugins: cat, Status: a.status}
	if store != nil {
		src.Events = store
	}
	a.api = api.New(apiCfg, src, log)
	return a, nil
}

func (a *App) Catalog() *catalog.Catalog { return a.catalog }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateConfig)

	cfg := a.cfgm.Get()
	resync, interval := managerTimings(cfg)
	a.manager = ingressmanager.New(ingressmanager.Config{
		Logger:     a.log,
		Registry:   a.registry,
		Supervisor: a.sup,
		Bus:        a.bus,
		Update: func(_ string, info *ingress.Info) {
			a.catalog.ApplyFingerprint(info)
		},
		Remove:              a.catalog.RemoveController,
		NewProber:           a.newProber,
		ResyncPeriod:        resync,
		FingerprintInterval: interval,
	})

	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.logEvents(c, events)
	})
	if a.store != nil {
		a.health = startHealthRecorder(a.log.With(logx.String("comp", "health")), a.bus, a.store)
	}

	a.manager.Run()
	if _, err := a.recon.Apply(cfg); err != nil {
		a.log.Warn("some ingress controllers were not registered", logx.Err(err))
	}
	a.sup.Go0("ingress.wait", func(c context.Context) {
		a.waitForPlugins(c, cfg)
	})

	a.sched.Start()
	a.api.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("plugins", len(cfg.Plugins)),
		logx.Bool("storage", a.store != nil),
		logx.Bool("api", cfg.API.Enabled),
	)
	return nil
}

// waitForPlugins waits for a registered controller of every configured
// plugin and returns the ids that became ready.
func (a *App) waitForPlugins(ctx context.Context, cfg *config.Config) []string {
	ids := make([]string, 0, len(cfg.Plugins))
	for id, pc := range cfg.Plugins {
		if len(pc.Controllers) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var ready []string
	for _, id := range ids {
		err := a.manager.WaitForPlugin(ctx, dynamicplugins.PluginTypeIngress, id)
		if err != nil {
			if ctx.Err() != nil {
				return ready
			}
			a.log.Warn("ingress plugin has no registered controller", logx.String("plugin", id), logx.Err(err))
			continue
		}
		ready = append(ready, id)
	}
	return ready
}

// validateConfig runs before a reloaded config is committed.
func (a *App) validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if err := a.sched.Validate(persistSchedule(cfg)); err != nil {
		return fmt.Errorf("persist.schedule: %w", err)
	}
	if tz := strings.TrimSpace(cfg.Persist.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("persist.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
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
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, pluginChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(pluginChanged) > 0 {
		a.log.Debug("plugin config changes detected", logx.Any("plugins", pluginChanged))
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if newCfg.Persist != oldCfg.Persist {
		a.sched.SetTimezone(newCfg.Persist.Timezone)
		if a.persist != nil {
			if err := a.sched.AddSchedule(persistJobName, persistSchedule(newCfg), persistTimeout, a.persist.Run); err != nil {
				a.log.Warn("invalid persist schedule; keeping previous", logx.Err(err))
			}
		}
	}

	if apiCfg, err := mapAPIConfig(newCfg); err != nil {
		a.log.Warn("invalid api config; keeping previous", logx.Err(err))
	} else {
		a.api.Reconfigure(ctx, apiCfg)
	}

	if len(pluginChanged) > 0 {
		if _, err := a.recon.Apply(newCfg); err != nil {
			a.log.Warn("some ingress controllers were not registered", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

type status struct {
	CatalogIndex uint64                `json:"catalog_index"`
	Instances    []string              `json:"instances"`
	Supervisor   supervisor.Snapshot   `json:"supervisor"`
	Schedules    []scheduler.EntryInfo `json:"schedules"`
}

func (a *App) status() any {
	st := status{CatalogIndex: a.catalog.Index(), Schedules: a.sched.Snapshot()}
	if a.manager != nil {
		st.Instances = a.manager.Instances()
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	return st
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name),
					logx.Duration("took", time.Since(start)),
					logx.Bool("ok", err == nil),
				)
			}()
		}
	}

	step("api", time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("scheduler", 2*time.Second, a.sched.Stop)
	// Shutdown runs a last fingerprint per controller, marking it unhealthy.
	step("ingress.manager", 4*time.Second, func(context.Context) error {
		if a.manager != nil {
			a.manager.Shutdown()
		}
		return nil
	})
	step("health.recorder", 2*time.Second, func(c context.Context) error {
		if a.health == nil {
			return nil
		}
		return a.health.stop(c)
	})
	step("registry", time.Second, func(context.Context) error { a.registry.Shutdown(); return nil })
	step("persist", 3*time.Second, func(c context.Context) error {
		if a.persist == nil {
			return nil
		}
		return a.persist.Run(c)
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
