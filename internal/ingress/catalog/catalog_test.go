package catalog

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"ingressd/internal/eventbus"
	"ingressd/internal/ingress"
	logx "ingressd/pkg/logx"
)

func intPtr(n int) *int { return &n }

func fingerprint(plugin, alloc string, healthy bool) *ingress.Info {
	return &ingress.Info{
		PluginID:        plugin,
		AllocID:         alloc,
		Provider:        "nginx",
		ProviderVersion: "1.25",
		Healthy:         healthy,
		UpdateTime:      time.Now(),
	}
}

func TestApplyFingerprintCounts(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop(), nil)
	c.ApplyFingerprint(fingerprint("web", "a1", true))
	c.ApplyFingerprint(fingerprint("web", "a2", false))

	p, ok := c.Get("web")
	if !ok {
		t.Fatal("plugin not found")
	}
	if p.ControllersHealthy != 1 || p.ControllersExpected != 2 {
		t.Fatalf("counts = %d/%d, want 1/2", p.ControllersHealthy, p.ControllersExpected)
	}
	if p.Provider != "nginx" || p.Version != "1.25" {
		t.Fatalf("identity = %s/%s", p.Provider, p.Version)
	}

	// Same controller again: replaced in place, not appended.
	c.ApplyFingerprint(fingerprint("web", "a2", true))
	p, _ = c.Get("web")
	if len(p.Controllers) != 2 || p.ControllersHealthy != 2 {
		t.Fatalf("after update: %d controllers, %d healthy", len(p.Controllers), p.ControllersHealthy)
	}
}

func TestControllerOrderIsFirstSeen(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop(), nil)
	for _, id := range []string{"z", "a", "m"} {
		c.ApplyFingerprint(fingerprint("p", id, true))
	}
	c.ApplyFingerprint(fingerprint("p", "a", false))

	p, _ := c.Get("p")
	want := []string{"z", "a", "m"}
	for i, ctrl := range p.Controllers {
		if ctrl.ID != want[i] {
			t.Fatalf("controllers[%d] = %s, want %s", i, ctrl.ID, want[i])
		}
	}
}

func TestLoadPreservesValues(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop(), nil)
	in := ingress.Plugin{
		PlainID:             "lb",
		Provider:            "haproxy",
		Version:             "2.8",
		Controllers:         []ingress.Controller{{ID: "3"}, {ID: "1"}, {ID: "2"}},
		ControllersHealthy:  5,
		ControllersExpected: 0,
	}
	c.Load([]ingress.Plugin{in})

	p, ok := c.Get("lb")
	if !ok {
		t.Fatal("plugin not loaded")
	}
	if p.ControllersHealthy != 5 || p.ControllersExpected != 0 {
		t.Fatalf("counts changed on load: %d/%d", p.ControllersHealthy, p.ControllersExpected)
	}
	if !math.IsInf(p.ControllersHealthyProportion(), 1) {
		t.Fatalf("proportion = %v, want +Inf", p.ControllersHealthyProportion())
	}
	for i, id := range []string{"3", "1", "2"} {
		if p.Controllers[i].ID != id {
			t.Fatalf("order changed: %v", p.Controllers)
		}
	}
}

func TestDeclaredExpectationIsIndependentOfControllers(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop(), nil)
	c.Declare(Declaration{PlainID: "edge", Provider: "traefik", Version: "3", Expected: intPtr(10)})

	p, ok := c.Get("edge")
	if !ok {
		t.Fatal("declared plugin missing")
	}
	if len(p.Controllers) != 0 || p.ControllersExpected != 10 {
		t.Fatalf("declared plugin: %d controllers, expected %d", len(p.Controllers), p.ControllersExpected)
	}

	for i := 0; i < 7; i++ {
		c.ApplyFingerprint(fingerprint("edge", fmt.Sprintf("c%d", i), true))
	}
	p, _ = c.Get("edge")
	if got := p.ControllersHealthyProportion(); got != 0.7 {
		t.Fatalf("proportion = %v, want 0.7", got)
	}
	// Declared identity wins over fingerprinted identity.
	if p.Provider != "traefik" || p.Version != "3" {
		t.Fatalf("identity = %s/%s, want traefik/3", p.Provider, p.Version)
	}
}

func TestDeclaredZeroExpectedYieldsNaN(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop(), nil)
	c.Declare(Declaration{PlainID: "idle", Expected: intPtr(0)})
	p, _ := c.Get("idle")
	if !math.IsNaN(p.ControllersHealthyProportion()) {
		t.Fatalf("proportion = %v, want NaN", p.ControllersHealthyProportion())
	}
}

func TestRemoveControllerAndUndeclare(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop(), nil)
	c.ApplyFingerprint(fingerprint("p", "a", true))
	c.ApplyFingerprint(fingerprint("p", "b", true))

	c.RemoveController("p", "a")
	p, ok := c.Get("p")
	if !ok || len(p.Controllers) != 1 || p.Controllers[0].ID != "b" {
		t.Fatalf("unexpected plugin after remove: %#v", p)
	}

	c.RemoveController("p", "b")
	if _, ok := c.Get("p"); ok {
		t.Fatal("undeclared plugin without controllers should be removed")
	}

	c.Declare(Declaration{PlainID: "kept"})
	c.Undeclare("kept")
	if _, ok := c.Get("kept"); ok {
		t.Fatal("undeclared empty plugin should be removed")
	}
}

func TestPruneDropsUnkeptControllers(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop(), nil)
	c.Load([]ingress.Plugin{
		{PlainID: "edge", Provider: "traefik", ControllersExpected: 2, Controllers: []ingress.Controller{{ID: "c1"}, {ID: "c2", Healthy: true}}},
		{PlainID: "gone", ControllersExpected: 1, Controllers: []ingress.Controller{{ID: "g1"}}},
	})
	c.Declare(Declaration{PlainID: "edge", Provider: "traefik"})

	if n := c.Prune("edge", map[string]struct{}{"c2": {}}); n != 1 {
		t.Fatalf("dropped = %d, want 1", n)
	}
	p, _ := c.Get("edge")
	if len(p.Controllers) != 1 || p.Controllers[0].ID != "c2" || p.ControllersExpected != 1 || p.ControllersHealthy != 1 {
		t.Fatalf("edge = %#v", p)
	}
	idx := c.Index()
	if n := c.Prune("edge", map[string]struct{}{"c2": {}}); n != 0 || c.Index() != idx {
		t.Fatalf("no-op prune dropped %d, index %d -> %d", n, idx, c.Index())
	}

	c.Prune("gone", nil)
	if _, ok := c.Get("gone"); ok {
		t.Fatal("restored plugin without controllers should be removed")
	}
	if ids := c.IDs(); len(ids) != 1 || ids[0] != "edge" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestListSortedAndCopied(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop(), nil)
	c.ApplyFingerprint(fingerprint("b", "1", true))
	c.ApplyFingerprint(fingerprint("a", "1", true))

	list := c.List()
	if len(list) != 2 || list[0].PlainID != "a" || list[1].PlainID != "b" {
		t.Fatalf("list = %#v", list)
	}
	list[0].Controllers[0].ID = "mutated"
	p, _ := c.Get("a")
	if p.Controllers[0].ID != "1" {
		t.Fatal("List leaked a shared controller slice")
	}
	if stubs := c.Stubs(); len(stubs) != 2 || stubs[0].PlainID != "a" {
		t.Fatalf("stubs = %#v", stubs)
	}
}

func TestIndexAdvances(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop(), nil)
	i0 := c.Index()
	c.ApplyFingerprint(fingerprint("p", "a", true))
	if c.Index() <= i0 {
		t.Fatalf("index did not advance: %d -> %d", i0, c.Index())
	}
}

func TestHealthTransitionEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.PluginUnhealthy, eventbus.PluginRecovered)
	defer unsub()

	c := New(logx.Nop(), bus)
	c.Declare(Declaration{PlainID: "p", Expected: intPtr(1)})
	c.ApplyFingerprint(fingerprint("p", "a", true))
	c.ApplyFingerprint(fingerprint("p", "a", false))

	var got []string
	for len(events) > 0 {
		got = append(got, (<-events).Type)
	}
	want := []string{eventbus.PluginRecovered, eventbus.PluginUnhealthy}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

// Readers must never observe counts from one load mixed with controllers
// from another.
func TestReloadIsAtomicForReaders(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop(), nil)

	gen := func(n int) []ingress.Plugin {
		ctrls := make([]ingress.Controller, n)
		for i := range ctrls {
			ctrls[i] = ingress.Controller{ID: fmt.Sprintf("c%d", i)}
		}
		return []ingress.Plugin{{PlainID: "p", Controllers: ctrls, ControllersHealthy: n, ControllersExpected: n}}
	}
	c.Load(gen(1))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan string, 4)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p, ok := c.Get("p")
				if !ok {
					continue
				}
				if p.ControllersHealthy != p.ControllersExpected || len(p.Controllers) != p.ControllersExpected {
					select {
					case errs <- fmt.Sprintf("torn read: %d/%d with %d controllers", p.ControllersHealthy, p.ControllersExpected, len(p.Controllers)):
					default:
					}
					return
				}
			}
		}()
	}
	for i := 1; i <= 500; i++ {
		c.Load(gen(i%17 + 1))
	}
	close(stop)
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatal(e)
	}
}
