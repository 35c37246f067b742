package app

import (
	"context"
	"time"

	"ingressd/internal/eventbus"
	"ingressd/internal/ingress/catalog"
	"ingressd/internal/storage"
	logx "ingressd/pkg/logx"
)

const healthEventTimeout = 2 * time.Second

// logEvents logs every bus event at debug level.
func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// healthRecorder appends plugin health transitions to storage. It runs
// outside the supervisor so transitions emitted during shutdown are kept.
type healthRecorder struct {
	log   logx.Logger
	store storage.Store

	unsub func()
	done  chan struct{}
}

func startHealthRecorder(log logx.Logger, bus eventbus.Bus, store storage.Store) *healthRecorder {
	events, unsub := bus.Subscribe(256, eventbus.PluginUnhealthy, eventbus.PluginRecovered)
	r := &healthRecorder{log: log, store: store, unsub: unsub, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		r.run(events)
	}()
	return r
}

// run records events until the channel is closed and drained.
func (r *healthRecorder) run(events <-chan eventbus.Event) {
	for e := range events {
		var kind string
		switch e.Type {
		case eventbus.PluginUnhealthy:
			kind = storage.HealthEventUnhealthy
		case eventbus.PluginRecovered:
			kind = storage.HealthEventRecovered
		default:
			continue
		}
		hc, ok := e.Data.(catalog.HealthChange)
		if !ok {
			continue
		}
		r.record(e.Time, kind, hc)
	}
}

// stop unsubscribes and waits for buffered transitions to be written.
func (r *healthRecorder) stop(ctx context.Context) error {
	r.unsub()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *healthRecorder) record(at time.Time, kind string, hc catalog.HealthChange) {
	if at.IsZero() {
		at = time.Now()
	}
	c, cancel := context.WithTimeout(context.Background(), healthEventTimeout)
	defer cancel()
	err := r.store.AppendHealthEvent(c, storage.HealthEvent{
		At:                  at,
		PlainID:             hc.PlainID,
		Kind:                kind,
		ControllersHealthy:  hc.ControllersHealthy,
		ControllersExpected: hc.ControllersExpected,
	})
	if err != nil {
		r.log.Warn("health event not recorded", logx.String("plugin", hc.PlainID), logx.String("kind", kind), logx.Err(err))
	}
}
