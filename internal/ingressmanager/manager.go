// Package ingressmanager keeps one fingerprinting loop per registered ingress
// controller and reports every fingerprint through an update callback.
package ingressmanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ingressd/internal/dynamicplugins"
	"ingressd/internal/eventbus"
	"ingressd/internal/ingress"
	"ingressd/internal/ingress/probe"
	"ingressd/internal/runtime/supervisor"
	logx "ingressd/pkg/logx"
)

const (
	// DefaultResyncPeriod is the full resync against the registry, covering
	// missed update events.
	DefaultResyncPeriod        = 30 * time.Second
	DefaultFingerprintInterval = 3 * time.Second

	waitForPluginTimeout = time.Minute
)

// UpdateFunc receives every fingerprint of a controller of pluginID.
type UpdateFunc func(pluginID string, info *ingress.Info)

// RemoveFunc is called after a deregistered controller has been shut down.
type RemoveFunc func(pluginID, allocID string)

// ProberFactory opens the probe connection for a registered controller.
type ProberFactory func(info *dynamicplugins.PluginInfo, log logx.Logger) probe.Prober

// DefaultProber dials the controller socket from the registration and checks
// the health service named by the "HealthService" option.
func DefaultProber(info *dynamicplugins.PluginInfo, log logx.Logger) probe.Prober {
	var sock string
	if info.ConnectionInfo != nil {
		sock = info.ConnectionInfo.SocketPath
	}
	c := probe.NewClient(sock, log.With(logx.String("comp", "probe")))
	if svc := info.Options["HealthService"]; svc != "" {
		c = c.WithService(svc)
	}
	return c
}

type Config struct {
	Logger     logx.Logger
	Registry   dynamicplugins.Registry
	Supervisor *supervisor.Supervisor
	Bus        eventbus.Bus

	Update    UpdateFunc
	Remove    RemoveFunc
	NewProber ProberFactory

	ResyncPeriod        time.Duration
	FingerprintInterval time.Duration
}

type Manager struct {
	log      logx.Logger
	registry dynamicplugins.Registry
	sup      *supervisor.Supervisor
	bus      eventbus.Bus

	update    UpdateFunc
	remove    RemoveFunc
	newProber ProberFactory

	resyncPeriod time.Duration
	interval     time.Duration

	mu        sync.Mutex
	instances map[string]*instanceManager // PluginInfo.Key -> instance

	ctx      context.Context
	cancel   context.CancelFunc
	runOnce  sync.Once
	loopDone chan struct{}
}

func New(cfg Config) *Manager {
	log := cfg.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "ingress_manager"))
	sup := cfg.Supervisor
	if sup == nil {
		sup = supervisor.New(context.Background(), supervisor.WithLogger(log))
	}
	if cfg.ResyncPeriod <= 0 {
		cfg.ResyncPeriod = DefaultResyncPeriod
	}
	if cfg.FingerprintInterval <= 0 {
		cfg.FingerprintInterval = DefaultFingerprintInterval
	}
	if cfg.NewProber == nil {
		cfg.NewProber = DefaultProber
	}
	if cfg.Update == nil {
		cfg.Update = func(string, *ingress.Info) {}
	}
	ctx, cancel := context.WithCancel(sup.Context())
	return &Manager{
		log:          log,
		registry:     cfg.Registry,
		sup:          sup,
		bus:          cfg.Bus,
		update:       cfg.Update,
		remove:       cfg.Remove,
		newProber:    cfg.NewProber,
		resyncPeriod: cfg.ResyncPeriod,
		interval:     cfg.FingerprintInterval,
		instances:    map[string]*instanceManager{},
		ctx:          ctx,
		cancel:       cancel,
		loopDone:     make(chan struct{}),
	}
}

// Run starts the resync loop. It returns immediately.
func (m *Manager) Run() {
	m.runOnce.Do(func() {
		m.sup.Go0("ingress.manager", m.runLoop)
	})
}

func (m *Manager) runLoop(context.Context) {
	defer close(m.loopDone)
	timer := time.NewTimer(0) // sync immediately on the first pass
	defer timer.Stop()
	updates := m.registry.PluginsUpdatedCh(m.ctx, dynamicplugins.PluginTypeIngress)
	for {
		select {
		case <-timer.C:
			m.resync()
			timer.Reset(m.resyncPeriod)
		case ev, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			m.handlePluginEvent(ev)
		case <-m.ctx.Done():
			return
		}
	}
}

// resync starts instances for every registered controller and stops those
// that are no longer registered.
func (m *Manager) resync() {
	plugins := m.registry.ListPlugins(dynamicplugins.PluginTypeIngress)
	seen := make(map[string]struct{}, len(plugins))

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range plugins {
		seen[p.Key()] = struct{}{}
		m.ensureInstanceLocked(p)
	}
	for key, inst := range m.instances {
		if _, ok := seen[key]; !ok {
			m.ensureNoInstanceLocked(inst.info)
		}
	}
}

func (m *Manager) handlePluginEvent(ev *dynamicplugins.PluginUpdateEvent) {
	if ev == nil || ev.Info == nil {
		return
	}
	m.log.Trace("dynamic plugin event",
		logx.String("event", string(ev.EventType)),
		logx.String("plugin", ev.Info.Name),
		logx.String("alloc", ev.Info.AllocID),
	)
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.EventType {
	case dynamicplugins.EventTypeRegistered:
		m.ensureInstanceLocked(ev.Info)
	case dynamicplugins.EventTypeDeregistered:
		m.ensureNoInstanceLocked(ev.Info)
	default:
		m.log.Error("unknown dynamic plugin event type", logx.String("type", string(ev.EventType)))
	}
}

func (m *Manager) ensureInstanceLocked(p *dynamicplugins.PluginInfo) {
	if m.ctx.Err() != nil {
		return
	}
	key := p.Key()
	if cur, ok := m.instances[key]; ok {
		if cur.info.SameEndpoint(p) {
			return
		}
		m.log.Debug("ingress controller changed, restarting", logx.String("plugin", p.Name), logx.String("alloc", p.AllocID))
		m.stopInstance(cur)
	} else {
		m.log.Debug("detected new ingress controller", logx.String("plugin", p.Name), logx.String("alloc", p.AllocID))
	}
	inst := newInstanceManager(m.ctx, m.log, m.update, m.newProber, m.interval, p.Copy())
	m.instances[key] = inst
	m.sup.Go0("ingress.instance."+key, func(context.Context) { inst.run() })
	m.emit(eventbus.InstanceStarted, p.Key())
}

func (m *Manager) ensureNoInstanceLocked(p *dynamicplugins.PluginInfo) {
	key := p.Key()
	inst, ok := m.instances[key]
	if !ok {
		return
	}
	m.log.Debug("shutting down ingress controller", logx.String("plugin", p.Name), logx.String("alloc", p.AllocID))
	m.stopInstance(inst)
	delete(m.instances, key)
	if m.remove != nil {
		m.remove(p.Name, p.AllocID)
	}
}

func (m *Manager) stopInstance(inst *instanceManager) {
	inst.shutdown()
	m.emit(eventbus.InstanceStopped, inst.info.Key())
}

// WaitForPlugin waits up to a minute for any controller of pluginID to
// register and makes sure it is being fingerprinted.
func (m *Manager) WaitForPlugin(ctx context.Context, pluginType, pluginID string) error {
	ctx, cancel := context.WithTimeout(ctx, waitForPluginTimeout)
	defer cancel()
	p, err := m.registry.WaitForPlugin(ctx, pluginType, pluginID)
	if err != nil {
		return fmt.Errorf("%s plugin '%s' did not become ready: %w", pluginType, pluginID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureInstanceLocked(p)
	return nil
}

// Instances returns the keys of running instance managers, sorted.
func (m *Manager) Instances() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.instances))
	for k := range m.instances {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Shutdown stops the resync loop, then every instance in parallel. It blocks
// until each instance has published its final fingerprint.
func (m *Manager) Shutdown() {
	m.cancel()
	// A loop that never ran has nothing to wait for.
	m.runOnce.Do(func() { close(m.loopDone) })
	<-m.loopDone

	m.mu.Lock()
	instances := m.instances
	m.instances = map[string]*instanceManager{}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *instanceManager) {
			defer wg.Done()
			m.stopInstance(inst)
		}(inst)
	}
	wg.Wait()
}

func (m *Manager) emit(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
