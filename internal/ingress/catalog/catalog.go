// Package catalog holds the current set of ingress plugins.
//
// Writers are serialized and every change publishes a new immutable snapshot
// with a single pointer swap, so readers always see a whole plugin set from
// one point in time.
package catalog

import (
	"sort"
	"sync"
	"sync/atomic"

	"ingressd/internal/eventbus"
	"ingressd/internal/ingress"
	logx "ingressd/pkg/logx"
)

// Declaration is what the operator configured for a plugin.
// A nil Expected means "expect every controller we have heard from".
type Declaration struct {
	PlainID  string
	Provider string
	Version  string
	Expected *int
}

// HealthChange is the payload of PluginUnhealthy / PluginRecovered events.
type HealthChange struct {
	PlainID             string `json:"id"`
	ControllersHealthy  int    `json:"controllers_healthy"`
	ControllersExpected int    `json:"controllers_expected"`
}

type snapshot struct {
	index   uint64
	plugins map[string]ingress.Plugin
	ids     []string
}

// entry is the writer-side state of one plugin.
type entry struct {
	provider string
	version  string
	expected *int
	declared bool

	order []string
	ctrls map[string]ingress.Controller
}

type Catalog struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex // serializes writers
	entries map[string]*entry

	snap atomic.Pointer[snapshot]
}

func New(log logx.Logger, bus eventbus.Bus) *Catalog {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Catalog{log: log, bus: bus, entries: map[string]*entry{}}
	c.snap.Store(&snapshot{plugins: map[string]ingress.Plugin{}})
	return c
}

// Index increases on every published change.
func (c *Catalog) Index() uint64 { return c.snap.Load().index }

// Get returns a copy of the plugin with the given id.
func (c *Catalog) Get(plainID string) (ingress.Plugin, bool) {
	p, ok := c.snap.Load().plugins[plainID]
	if !ok {
		return ingress.Plugin{}, false
	}
	return p.Copy(), true
}

// List returns copies of all plugins ordered by id.
func (c *Catalog) List() []ingress.Plugin {
	s := c.snap.Load()
	out := make([]ingress.Plugin, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.plugins[id].Copy())
	}
	return out
}

// IDs returns the ids of all listed plugins in order.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.snap.Load().ids...)
}

func (c *Catalog) Stubs() []ingress.ListStub {
	s := c.snap.Load()
	out := make([]ingress.ListStub, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.plugins[id].Stub())
	}
	return out
}

// Load replaces the whole plugin set with plugins exactly as given.
// Later fingerprints and declarations rebuild individual plugins.
func (c *Catalog) Load(plugins []ingress.Plugin) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make(map[string]*entry, len(plugins))
	next := make(map[string]ingress.Plugin, len(plugins))
	for _, p := range plugins {
		if p.PlainID == "" {
			continue
		}
		exp := p.ControllersExpected
		e := &entry{provider: p.Provider, version: p.Version, expected: &exp, ctrls: map[string]ingress.Controller{}}
		for _, ctrl := range p.Controllers {
			if _, dup := e.ctrls[ctrl.ID]; !dup {
				e.order = append(e.order, ctrl.ID)
			}
			e.ctrls[ctrl.ID] = ctrl
		}
		entries[p.PlainID] = e
		next[p.PlainID] = p.Copy()
	}
	c.entries = entries
	c.publishLocked(next)
	c.log.Info("catalog loaded", logx.Int("plugins", len(next)))
}

// Declare registers (or updates) the configured identity and expectation of a plugin.
func (c *Catalog) Declare(d Declaration) {
	if d.PlainID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(d.PlainID)
	e.declared = true
	e.provider = d.Provider
	e.version = d.Version
	if d.Expected != nil {
		n := *d.Expected
		e.expected = &n
	} else {
		e.expected = nil
	}
	c.rebuildLocked(d.PlainID)
}

// Undeclare drops the configured declaration. The plugin stays visible while
// it still has controllers.
func (c *Catalog) Undeclare(plainID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[plainID]
	if !ok {
		return
	}
	e.declared = false
	e.expected = nil
	if len(e.order) == 0 {
		c.removeLocked(plainID)
		return
	}
	c.rebuildLocked(plainID)
}

// ApplyFingerprint merges one controller fingerprint into its plugin.
func (c *Catalog) ApplyFingerprint(info *ingress.Info) {
	if info == nil || info.PluginID == "" || info.AllocID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(info.PluginID)
	if _, ok := e.ctrls[info.AllocID]; !ok {
		e.order = append(e.order, info.AllocID)
	}
	e.ctrls[info.AllocID] = info.Controller()
	if !e.declared {
		if info.Provider != "" {
			e.provider = info.Provider
		}
		if info.ProviderVersion != "" {
			e.version = info.ProviderVersion
		}
	}
	c.rebuildLocked(info.PluginID)
}

// RemoveController forgets one controller. Undeclared plugins without
// controllers are removed.
func (c *Catalog) RemoveController(plainID, allocID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[plainID]
	if !ok {
		return
	}
	if _, ok := e.ctrls[allocID]; !ok {
		return
	}
	delete(e.ctrls, allocID)
	for i, id := range e.order {
		if id == allocID {
			e.order = append(e.order[:i:i], e.order[i+1:]...)
			break
		}
	}
	if len(e.order) == 0 && !e.declared {
		c.removeLocked(plainID)
		return
	}
	c.rebuildLocked(plainID)
}

// Prune drops every controller of plainID whose alloc id is not in keep and
// reports how many were dropped. Undeclared plugins left empty are removed.
func (c *Catalog) Prune(plainID string, keep map[string]struct{}) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[plainID]
	if !ok {
		return 0
	}
	order := e.order[:0:0]
	for _, id := range e.order {
		if _, ok := keep[id]; ok {
			order = append(order, id)
			continue
		}
		delete(e.ctrls, id)
	}
	dropped := len(e.order) - len(order)
	if dropped == 0 {
		return 0
	}
	e.order = order
	c.log.Debug("stale controllers pruned", logx.String("plugin", plainID), logx.Int("dropped", dropped))
	if len(e.order) == 0 && !e.declared {
		c.removeLocked(plainID)
		return dropped
	}
	c.rebuildLocked(plainID)
	return dropped
}

func (c *Catalog) Remove(plainID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(plainID)
}

func (c *Catalog) entryLocked(plainID string) *entry {
	e, ok := c.entries[plainID]
	if !ok {
		e = &entry{ctrls: map[string]ingress.Controller{}}
		c.entries[plainID] = e
	}
	return e
}

func (e *entry) plugin(plainID string) ingress.Plugin {
	p := ingress.Plugin{
		PlainID:     plainID,
		Provider:    e.provider,
		Version:     e.version,
		Controllers: make([]ingress.Controller, 0, len(e.order)),
	}
	for _, id := range e.order {
		ctrl := e.ctrls[id]
		p.Controllers = append(p.Controllers, ctrl)
		if ctrl.Healthy {
			p.ControllersHealthy++
		}
	}
	if e.expected != nil {
		p.ControllersExpected = *e.expected
	} else {
		p.ControllersExpected = len(e.order)
	}
	return p
}

func fullyHealthy(p ingress.Plugin) bool {
	return p.ControllersExpected > 0 && p.ControllersHealthy >= p.ControllersExpected
}

func (c *Catalog) rebuildLocked(plainID string) {
	cur := c.snap.Load()
	prev, existed := cur.plugins[plainID]
	p := c.entries[plainID].plugin(plainID)

	next := make(map[string]ingress.Plugin, len(cur.plugins)+1)
	for id, v := range cur.plugins {
		next[id] = v
	}
	next[plainID] = p
	c.publishLocked(next)

	c.emit(eventbus.PluginUpdated, p.Stub())
	if existed && fullyHealthy(prev) && !fullyHealthy(p) {
		c.log.Warn("ingress plugin degraded",
			logx.String("plugin", plainID),
			logx.Int("healthy", p.ControllersHealthy),
			logx.Int("expected", p.ControllersExpected),
		)
		c.emit(eventbus.PluginUnhealthy, HealthChange{PlainID: plainID, ControllersHealthy: p.ControllersHealthy, ControllersExpected: p.ControllersExpected})
	} else if (!existed || !fullyHealthy(prev)) && fullyHealthy(p) {
		c.log.Info("ingress plugin healthy",
			logx.String("plugin", plainID),
			logx.Int("controllers", p.ControllersExpected),
		)
		c.emit(eventbus.PluginRecovered, HealthChange{PlainID: plainID, ControllersHealthy: p.ControllersHealthy, ControllersExpected: p.ControllersExpected})
	}
}

func (c *Catalog) removeLocked(plainID string) {
	delete(c.entries, plainID)
	cur := c.snap.Load()
	if _, ok := cur.plugins[plainID]; !ok {
		return
	}
	next := make(map[string]ingress.Plugin, len(cur.plugins))
	for id, v := range cur.plugins {
		if id != plainID {
			next[id] = v
		}
	}
	c.publishLocked(next)
	c.emit(eventbus.PluginRemoved, plainID)
	c.log.Debug("ingress plugin removed", logx.String("plugin", plainID))
}

func (c *Catalog) publishLocked(plugins map[string]ingress.Plugin) {
	ids := make([]string, 0, len(plugins))
	for id := range plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	c.snap.Store(&snapshot{index: c.snap.Load().index + 1, plugins: plugins, ids: ids})
}

func (c *Catalog) emit(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
