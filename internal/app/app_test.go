package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ingressd/internal/config"
	"ingressd/internal/dynamicplugins"
	"ingressd/internal/eventbus"
	"ingressd/internal/ingress"
	"ingressd/internal/ingress/catalog"
	"ingressd/internal/ingress/probe"
	"ingressd/internal/ingressmanager"
	"ingressd/internal/storage"
	logx "ingressd/pkg/logx"
)

func intPtr(n int) *int { return &n }

func TestReconcileDeclaresAndRegisters(t *testing.T) {
	t.Parallel()
	reg := dynamicplugins.NewRegistry(logx.Nop())
	cat := catalog.New(logx.Nop(), nil)
	r := newReconciler(logx.Nop(), reg, cat)

	cfg := &config.Config{Plugins: map[string]config.PluginConfig{
		"edge": {
			Provider: "traefik", Version: "3.0", ExpectedControllers: intPtr(3), HealthService: "ingress",
			Controllers: []config.ControllerConfig{
				{ID: "c1", Node: "n1", Socket: "/run/edge/c1.sock"},
				{ID: "c2", Node: "n2", Socket: "/run/edge/c2"},
			},
		},
	}}
	res, err := r.Apply(cfg)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Declared != 1 || res.Registered != 2 {
		t.Fatalf("result = %+v", res)
	}
	p, ok := cat.Get("edge")
	if !ok || p.Provider != "traefik" || p.ControllersExpected != 3 || p.ControllersHealthy != 0 {
		t.Fatalf("plugin = %#v, %v", p, ok)
	}
	info, err := reg.PluginForAlloc(dynamicplugins.PluginTypeIngress, "edge", "c2")
	if err != nil {
		t.Fatalf("c2: %v", err)
	}
	if info.ConnectionInfo.SocketPath != "/run/edge/c2/ingress.sock" || info.Options["Provider"] != "traefik" || info.Options["Class"] != "internal" || info.Options["HealthService"] != "ingress" {
		t.Fatalf("registration = %#v", info)
	}

	// Same config again is a no-op.
	if res, _ := r.Apply(cfg); res != (reconcileResult{}) {
		t.Fatalf("idempotent apply = %+v", res)
	}

	// Move c2, drop c1.
	edge := cfg.Plugins["edge"]
	next := &config.Config{Plugins: map[string]config.PluginConfig{
		"edge": {
			Provider: edge.Provider, Version: edge.Version, ExpectedControllers: intPtr(3),
			Controllers: []config.ControllerConfig{{ID: "c2", Node: "n2", Socket: "/srv/c2.sock"}},
		},
	}}
	res, err = r.Apply(next)
	if err != nil {
		t.Fatal(err)
	}
	if res.Declared != 0 || res.Registered != 1 || res.Deregistered != 1 {
		t.Fatalf("result = %+v", res)
	}
	all := reg.ListPlugins(dynamicplugins.PluginTypeIngress)
	if len(all) != 1 || all[0].AllocID != "c2" || all[0].ConnectionInfo.SocketPath != "/srv/c2.sock" {
		t.Fatalf("registry = %#v", all)
	}

	// Removing the plugin undeclares it; without fingerprints it disappears.
	res, err = r.Apply(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Undeclared != 1 || res.Deregistered != 1 {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := cat.Get("edge"); ok {
		t.Fatal("undeclared plugin still listed")
	}
}

func TestPersisterWritesOnlyOnChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	cat := catalog.New(logx.Nop(), nil)
	p := newPersister(logx.Nop(), cat, st)

	cat.Declare(catalog.Declaration{PlainID: "web", Provider: "nginx", Expected: intPtr(2)})
	if err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := st.LoadPlugins(ctx)
	if len(got) != 1 || got[0].PlainID != "web" || got[0].ControllersExpected != 2 {
		t.Fatalf("stored = %#v", got)
	}

	// Unchanged catalog: the store is left alone.
	_ = st.ReplacePlugins(ctx, nil)
	if err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := st.LoadPlugins(ctx); len(got) != 0 {
		t.Fatalf("unchanged catalog rewritten: %#v", got)
	}

	cat.Declare(catalog.Declaration{PlainID: "edge"})
	_ = p.Run(ctx)
	if got, _ := st.LoadPlugins(ctx); len(got) != 2 {
		t.Fatalf("stored = %#v", got)
	}

	// Restore into a fresh catalog keeps the stored counts.
	cat2 := catalog.New(logx.Nop(), nil)
	p2 := newPersister(logx.Nop(), cat2, st)
	if err := p2.restore(ctx); err != nil {
		t.Fatal(err)
	}
	if w, ok := cat2.Get("web"); !ok || w.ControllersExpected != 2 {
		t.Fatalf("restored = %#v", w)
	}
}

func TestHealthRecorderKeepsTransitionsBehindUpdates(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	bus := eventbus.New()
	r := startHealthRecorder(logx.Nop(), bus, st)

	// More updates than the recorder buffers must not push transitions out.
	for i := 0; i < 300; i++ {
		bus.Publish(eventbus.Event{Type: eventbus.PluginUpdated, Data: "ignored"})
	}
	bus.Publish(eventbus.Event{Type: eventbus.PluginUnhealthy, Data: catalog.HealthChange{PlainID: "web", ControllersHealthy: 1, ControllersExpected: 2}})
	bus.Publish(eventbus.Event{Type: eventbus.PluginRecovered, Data: catalog.HealthChange{PlainID: "web", ControllersHealthy: 2, ControllersExpected: 2}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	got, err := st.HealthEvents(context.Background(), "web", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Kind != storage.HealthEventUnhealthy || got[1].Kind != storage.HealthEventRecovered || got[1].ControllersHealthy != 2 {
		t.Fatalf("events = %#v", got)
	}
}

func TestReconcileDropsStaleRestoredState(t *testing.T) {
	t.Parallel()
	reg := dynamicplugins.NewRegistry(logx.Nop())
	cat := catalog.New(logx.Nop(), nil)
	cat.Load([]ingress.Plugin{
		{PlainID: "gone", Provider: "nginx", ControllersExpected: 1, Controllers: []ingress.Controller{{ID: "g1"}}},
		{PlainID: "edge", Provider: "traefik", ControllersExpected: 1, Controllers: []ingress.Controller{{ID: "c1", Healthy: true}}},
	})
	r := newReconciler(logx.Nop(), reg, cat)
	r.adopt(cat.IDs())

	cfg := &config.Config{Plugins: map[string]config.PluginConfig{
		"edge": {Provider: "traefik", Controllers: []config.ControllerConfig{{ID: "c2", Socket: "/run/edge/c2.sock"}}},
	}}
	res, err := r.Apply(cfg)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Declared != 1 || res.Undeclared != 1 || res.Pruned != 2 || res.Registered != 1 {
		t.Fatalf("result = %+v", res)
	}
	cat.ApplyFingerprint(&ingress.Info{PluginID: "edge", AllocID: "c2", Healthy: true, UpdateTime: time.Now()})

	if _, ok := cat.Get("gone"); ok {
		t.Fatal("unconfigured restored plugin still listed")
	}
	edge, ok := cat.Get("edge")
	if !ok || len(edge.Controllers) != 1 || edge.Controllers[0].ID != "c2" {
		t.Fatalf("edge = %#v", edge)
	}
	if edge.ControllersHealthy != 1 || edge.ControllersExpected != 1 || edge.ControllersHealthyProportion() != 1 {
		t.Fatalf("edge health = %d/%d", edge.ControllersHealthy, edge.ControllersExpected)
	}
}

func TestWaitForPluginsReportsReady(t *testing.T) {
	t.Parallel()
	reg := dynamicplugins.NewRegistry(logx.Nop())
	cat := catalog.New(logx.Nop(), nil)
	mgr := ingressmanager.New(ingressmanager.Config{
		Logger:    logx.Nop(),
		Registry:  reg,
		Update:    func(_ string, info *ingress.Info) { cat.ApplyFingerprint(info) },
		Remove:    cat.RemoveController,
		NewProber: func(*dynamicplugins.PluginInfo, logx.Logger) probe.Prober { return &stubProber{} },
	})
	defer mgr.Shutdown()
	a := &App{log: logx.Nop(), registry: reg, catalog: cat, manager: mgr}

	cfg := &config.Config{Plugins: map[string]config.PluginConfig{
		"edge":  {Provider: "traefik", Controllers: []config.ControllerConfig{{ID: "c1", Socket: "/run/edge/c1.sock"}}},
		"idle":  {Provider: "nginx"},
		"later": {Provider: "nginx", Controllers: []config.ControllerConfig{{ID: "l1", Socket: "/run/later.sock"}}},
	}}
	r := newReconciler(logx.Nop(), reg, cat)
	if _, err := r.Apply(&config.Config{Plugins: map[string]config.PluginConfig{"edge": cfg.Plugins["edge"]}}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	ready := a.waitForPlugins(ctx, cfg)
	if len(ready) != 1 || ready[0] != "edge" {
		t.Fatalf("ready = %v", ready)
	}
	if got := mgr.Instances(); len(got) != 1 {
		t.Fatalf("instances = %v", got)
	}
}

type stubProber struct {
	mu     sync.Mutex
	closed bool
}

func (p *stubProber) Probe(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, probe.ErrClosed
	}
	return true, nil
}

func (p *stubProber) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

const appConfig = `{
  "logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}},
  "api": {"enabled": false},
  "manager": {"resync_period": "1s", "fingerprint_interval": "20ms"},
  "storage": {"driver": "file", "path": "STATE"},
  "persist": {"schedule": "@every 1s"},
  "plugins": {
    "edge": {
      "provider": "traefik",
      "version": "3.0",
      "expected_controllers": 2,
      "controllers": [
        {"id": "c1", "socket": "/run/edge/c1.sock"},
        {"id": "c2", "socket": "/run/edge/c2.sock"}
      ]
    }
  }
}`

func TestAppLifecycle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	state := filepath.Join(dir, "state.json")
	cfgPath := filepath.Join(dir, "ingressd.json")
	if err := os.WriteFile(cfgPath, []byte(strings.Replace(appConfig, "STATE", state, 1)), 0o600); err != nil {
		t.Fatal(err)
	}

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.newProber = func(*dynamicplugins.PluginInfo, logx.Logger) probe.Prober { return &stubProber{} }
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		p, ok := a.Catalog().Get("edge")
		if ok && p.ControllersHealthy == 2 {
			if p.ControllersHealthyProportion() != 1 {
				t.Fatalf("proportion = %v", p.ControllersHealthyProportion())
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("plugin never became healthy: %#v", p)
		}
		time.Sleep(20 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: state}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	got, err := st.LoadPlugins(context.Background())
	if err != nil || len(got) != 1 {
		t.Fatalf("stored = %#v, %v", got, err)
	}
	edge := got[0]
	if edge.ControllersExpected != 2 || len(edge.Controllers) != 2 || edge.ControllersHealthy != 0 {
		t.Fatalf("stored edge = %#v", edge)
	}
	for _, c := range edge.Controllers {
		if c.Healthy || !strings.Contains(c.HealthDescription, "failed fingerprinting") {
			t.Fatalf("controller after shutdown = %#v", c)
		}
	}

	// The shutdown fingerprints degrade the plugin; that transition is kept.
	events, err := st.HealthEvents(context.Background(), "edge", 0)
	if err != nil || len(events) == 0 {
		t.Fatalf("health events = %#v, %v", events, err)
	}
	if last := events[len(events)-1]; last.Kind != storage.HealthEventUnhealthy {
		t.Fatalf("last health event = %#v", last)
	}
}
