package app

import (
	"errors"
	"sort"
	"sync"

	"ingressd/internal/config"
	"ingressd/internal/dynamicplugins"
	"ingressd/internal/ingress"
	"ingressd/internal/ingress/catalog"
	logx "ingressd/pkg/logx"
)

// reconciler turns the configured plugins into catalog declarations and
// registry entries, one registration per controller.
type reconciler struct {
	log logx.Logger
	reg dynamicplugins.Registry
	cat *catalog.Catalog

	mu          sync.Mutex
	declared    map[string]declaredPlugin
	controllers map[string]*dynamicplugins.PluginInfo // PluginInfo.Key -> registration
}

type declaredPlugin struct {
	task     *ingress.TaskPluginConfig
	expected *int
	restored bool
}

func (d declaredPlugin) equal(o declaredPlugin) bool {
	if d.restored || o.restored {
		return false
	}
	if !d.task.Equal(o.task) {
		return false
	}
	if d.expected == nil || o.expected == nil {
		return d.expected == o.expected
	}
	return *d.expected == *o.expected
}

type reconcileResult struct {
	Declared, Undeclared     int
	Registered, Deregistered int
	Pruned                   int
}

func newReconciler(log logx.Logger, reg dynamicplugins.Registry, cat *catalog.Catalog) *reconciler {
	return &reconciler{
		log:         log.With(logx.String("comp", "reconcile")),
		reg:         reg,
		cat:         cat,
		declared:    map[string]declaredPlugin{},
		controllers: map[string]*dynamicplugins.PluginInfo{},
	}
}

// adopt tracks plugins restored from storage so the next Apply declares or
// undeclares them like any configured plugin.
func (r *reconciler) adopt(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if _, ok := r.declared[id]; !ok {
			r.declared[id] = declaredPlugin{restored: true}
		}
	}
}

func controllerInfo(id string, pc config.PluginConfig, tc *ingress.TaskPluginConfig, cc config.ControllerConfig) *dynamicplugins.PluginInfo {
	opts := map[string]string{
		"Provider": pc.Provider,
		"Class":    string(tc.Class),
	}
	if tc.Internal != nil && tc.Internal.LBConfPath != "" {
		opts["LBConfPath"] = tc.Internal.LBConfPath
	}
	if pc.HealthService != "" {
		opts["HealthService"] = pc.HealthService
	}
	return &dynamicplugins.PluginInfo{
		Type:           dynamicplugins.PluginTypeIngress,
		Name:           id,
		Version:        pc.Version,
		AllocID:        cc.ID,
		Node:           cc.Node,
		ConnectionInfo: &dynamicplugins.PluginConnectionInfo{SocketPath: cc.SocketPath()},
		Options:        opts,
	}
}

func sameRegistration(a, b *dynamicplugins.PluginInfo) bool {
	if !a.SameEndpoint(b) || a.Node != b.Node || len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		if b.Options[k] != v {
			return false
		}
	}
	return true
}

// Apply brings the catalog and registry in line with cfg. Errors of single
// registrations are joined; the rest of the config is still applied.
func (r *reconciler) Apply(cfg *config.Config) (reconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		res  reconcileResult
		errs []error
	)
	ids := make([]string, 0, len(cfg.Plugins))
	for id := range cfg.Plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Controllers the catalog may keep: configured now or still registered.
	// Registered ones leave through the manager's final fingerprint.
	keep := map[string]map[string]struct{}{}
	known := func(plainID, allocID string) {
		if keep[plainID] == nil {
			keep[plainID] = map[string]struct{}{}
		}
		keep[plainID][allocID] = struct{}{}
	}
	for _, info := range r.controllers {
		known(info.Name, info.AllocID)
	}

	want := map[string]*dynamicplugins.PluginInfo{}
	for _, id := range ids {
		pc := cfg.Plugins[id]
		tc := pc.TaskConfig(id)
		d := declaredPlugin{task: tc, expected: pc.ExpectedControllers}
		if prev, ok := r.declared[id]; !ok || !prev.equal(d) {
			r.cat.Declare(catalog.Declaration{
				PlainID:  id,
				Provider: pc.Provider,
				Version:  pc.Version,
				Expected: pc.ExpectedControllers,
			})
			r.declared[id] = declaredPlugin{task: tc.Copy(), expected: pc.ExpectedControllers}
			res.Declared++
		}
		for _, cc := range pc.Controllers {
			info := controllerInfo(id, pc, tc, cc)
			want[info.Key()] = info
			known(id, cc.ID)
		}
	}

	// Deregister first so a controller moving between plugins never shows twice.
	keys := make([]string, 0, len(r.controllers))
	for key := range r.controllers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, ok := want[key]; ok {
			continue
		}
		old := r.controllers[key]
		err := r.reg.DeregisterPlugin(old.Type, old.Name, old.AllocID)
		if err != nil && !errors.Is(err, dynamicplugins.ErrPluginNotFound) {
			errs = append(errs, err)
			continue
		}
		delete(r.controllers, key)
		res.Deregistered++
	}

	keys = keys[:0]
	for key := range want {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		info := want[key]
		if old, ok := r.controllers[key]; ok && sameRegistration(old, info) {
			continue
		}
		if err := r.reg.RegisterPlugin(info); err != nil {
			errs = append(errs, err)
			continue
		}
		r.controllers[key] = info
		res.Registered++
	}

	for _, id := range ids {
		res.Pruned += r.cat.Prune(id, keep[id])
	}
	for id := range r.declared {
		if _, ok := cfg.Plugins[id]; ok {
			continue
		}
		res.Pruned += r.cat.Prune(id, keep[id])
		r.cat.Undeclare(id)
		delete(r.declared, id)
		res.Undeclared++
	}

	if res != (reconcileResult{}) {
		r.log.Info("ingress plugins reconciled",
			logx.Int("declared", res.Declared),
			logx.Int("undeclared", res.Undeclared),
			logx.Int("registered", res.Registered),
			logx.Int("deregistered", res.Deregistered),
			logx.Int("pruned", res.Pruned),
		)
	}
	return res, errors.Join(errs...)
}
