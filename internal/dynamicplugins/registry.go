// Package dynamicplugins tracks plugins that announce themselves at runtime.
//
// A plugin is identified by (type, name, alloc): several controller
// allocations may serve the same named plugin.
package dynamicplugins

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	logx "ingressd/pkg/logx"
)

const PluginTypeIngress = "ingress"

var (
	ErrPluginNotFound = errors.New("plugin not found")
	ErrInvalidPlugin  = errors.New("invalid plugin registration")
	ErrRegistryClosed = errors.New("registry is shut down")
)

type EventType string

const (
	EventTypeRegistered   EventType = "registered"
	EventTypeDeregistered EventType = "deregistered"
)

type PluginConnectionInfo struct {
	// SocketPath is the unix socket the plugin serves on.
	SocketPath string
}

type PluginInfo struct {
	Type    string
	Name    string
	Version string
	// AllocID identifies the controller allocation serving the plugin.
	AllocID string
	Node    string

	ConnectionInfo *PluginConnectionInfo
	Options        map[string]string
}

func (p *PluginInfo) Copy() *PluginInfo {
	if p == nil {
		return nil
	}
	np := *p
	if p.ConnectionInfo != nil {
		ci := *p.ConnectionInfo
		np.ConnectionInfo = &ci
	}
	if p.Options != nil {
		np.Options = make(map[string]string, len(p.Options))
		for k, v := range p.Options {
			np.Options[k] = v
		}
	}
	return &np
}

// Key is unique per registered controller.
func (p *PluginInfo) Key() string { return p.Name + "/" + p.AllocID }

func (p *PluginInfo) socketPath() string {
	if p.ConnectionInfo == nil {
		return ""
	}
	return p.ConnectionInfo.SocketPath
}

// SameEndpoint reports whether both infos reach the same running controller.
func (p *PluginInfo) SameEndpoint(o *PluginInfo) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.AllocID == o.AllocID && p.Version == o.Version && p.socketPath() == o.socketPath()
}

type PluginUpdateEvent struct {
	EventType EventType
	Info      *PluginInfo
}

type Registry interface {
	RegisterPlugin(info *PluginInfo) error
	DeregisterPlugin(ptype, name, allocID string) error
	ListPlugins(ptype string) []*PluginInfo
	PluginForAlloc(ptype, name, allocID string) (*PluginInfo, error)
	// WaitForPlugin blocks until any controller of the named plugin is registered.
	WaitForPlugin(ctx context.Context, ptype, name string) (*PluginInfo, error)
	// PluginsUpdatedCh streams registration changes of ptype until ctx is done.
	PluginsUpdatedCh(ctx context.Context, ptype string) <-chan *PluginUpdateEvent
	Shutdown()
}

// eventBuffer bounds each subscriber channel. Full subscribers drop events and
// rely on a periodic resync.
const eventBuffer = 32

type subscriber struct {
	ptype string
	ch    chan *PluginUpdateEvent
}

type registry struct {
	log logx.Logger

	mu      sync.RWMutex
	plugins map[string]map[string]*PluginInfo // type -> key -> info
	subs    map[*subscriber]struct{}
	closed  bool
}

func NewRegistry(log logx.Logger) Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &registry{
		log:     log.With(logx.String("comp", "dynamicplugins")),
		plugins: map[string]map[string]*PluginInfo{},
		subs:    map[*subscriber]struct{}{},
	}
}

func (r *registry) RegisterPlugin(info *PluginInfo) error {
	if info == nil || info.Type == "" || info.Name == "" || info.AllocID == "" {
		return fmt.Errorf("%w: type, name and alloc id are required", ErrInvalidPlugin)
	}
	info = info.Copy()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	byKey, ok := r.plugins[info.Type]
	if !ok {
		byKey = map[string]*PluginInfo{}
		r.plugins[info.Type] = byKey
	}
	byKey[info.Key()] = info
	r.log.Debug("plugin registered",
		logx.String("type", info.Type),
		logx.String("plugin", info.Name),
		logx.String("alloc", info.AllocID),
	)
	r.broadcastLocked(&PluginUpdateEvent{EventType: EventTypeRegistered, Info: info.Copy()})
	return nil
}

func (r *registry) DeregisterPlugin(ptype, name, allocID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byKey := r.plugins[ptype]
	key := name + "/" + allocID
	info, ok := byKey[key]
	if !ok {
		return fmt.Errorf("%w: %s %s alloc %s", ErrPluginNotFound, ptype, name, allocID)
	}
	delete(byKey, key)
	r.log.Debug("plugin deregistered",
		logx.String("type", ptype),
		logx.String("plugin", name),
		logx.String("alloc", allocID),
	)
	r.broadcastLocked(&PluginUpdateEvent{EventType: EventTypeDeregistered, Info: info.Copy()})
	return nil
}

func (r *registry) ListPlugins(ptype string) []*PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PluginInfo, 0, len(r.plugins[ptype]))
	for _, p := range r.plugins[ptype] {
		out = append(out, p.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (r *registry) PluginForAlloc(ptype, name, allocID string) (*PluginInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[ptype][name+"/"+allocID]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s alloc %s", ErrPluginNotFound, ptype, name, allocID)
	}
	return p.Copy(), nil
}

func (r *registry) firstByName(ptype, name string) *PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *PluginInfo
	for _, p := range r.plugins[ptype] {
		if p.Name != name {
			continue
		}
		if found == nil || p.AllocID < found.AllocID {
			found = p
		}
	}
	return found.Copy()
}

func (r *registry) WaitForPlugin(ctx context.Context, ptype, name string) (*PluginInfo, error) {
	// Subscribe before the lookup so a registration in between is not missed.
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates := r.PluginsUpdatedCh(subCtx, ptype)

	if p := r.firstByName(ptype, name); p != nil {
		return p, nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return nil, ErrRegistryClosed
			}
			if ev.EventType == EventTypeRegistered && ev.Info.Name == name {
				return ev.Info, nil
			}
		}
	}
}

func (r *registry) PluginsUpdatedCh(ctx context.Context, ptype string) <-chan *PluginUpdateEvent {
	s := &subscriber{ptype: ptype, ch: make(chan *PluginUpdateEvent, eventBuffer)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(s.ch)
		return s.ch
	}
	r.subs[s] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.unsubscribe(s)
	}()
	return s.ch
}

func (r *registry) unsubscribe(s *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[s]; !ok {
		return
	}
	delete(r.subs, s)
	close(s.ch)
}

// broadcastLocked never blocks. Channels are only closed under r.mu.
func (r *registry) broadcastLocked(ev *PluginUpdateEvent) {
	for s := range r.subs {
		if s.ptype != ev.Info.Type {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			r.log.Warn("plugin update dropped, subscriber is full",
				logx.String("type", ev.Info.Type),
				logx.String("plugin", ev.Info.Name),
				logx.String("event", string(ev.EventType)),
			)
		}
	}
}

// Shutdown closes every subscriber channel and rejects new registrations.
func (r *registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for s := range r.subs {
		delete(r.subs, s)
		close(s.ch)
	}
}
