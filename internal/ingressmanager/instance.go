package ingressmanager

import (
	"context"
	"time"

	"ingressd/internal/dynamicplugins"
	"ingressd/internal/ingress/probe"
	logx "ingressd/pkg/logx"
)

// finalFingerprintTimeout bounds the probe run after the client is closed.
const finalFingerprintTimeout = time.Second

// instanceManager fingerprints one registered controller.
type instanceManager struct {
	info     *dynamicplugins.PluginInfo
	log      logx.Logger
	updater  UpdateFunc
	interval time.Duration

	prober probe.Prober
	fp     *fingerprinter

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

func newInstanceManager(parent context.Context, log logx.Logger, updater UpdateFunc, newProber ProberFactory, interval time.Duration, info *dynamicplugins.PluginInfo) *instanceManager {
	ctx, cancel := context.WithCancel(parent)
	log = log.With(logx.String("plugin", info.Name), logx.String("alloc", info.AllocID))
	prober := newProber(info, log)
	return &instanceManager{
		info:     info,
		log:      log,
		updater:  updater,
		interval: interval,
		prober:   prober,
		fp:       newFingerprinter(info, prober),
		ctx:      ctx,
		cancel:   cancel,
		doneCh:   make(chan struct{}),
	}
}

// run blocks until the instance is shut down.
func (i *instanceManager) run() {
	defer close(i.doneCh)

	// Publish the controller as pending before the first probe completes.
	i.updater(i.info.Name, i.fp.basicInfo())

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-i.ctx.Done():
			if err := i.prober.Close(); err != nil {
				i.log.Debug("closing probe client", logx.Err(err))
			}
			// One last fingerprint against the closed client marks the
			// controller unhealthy.
			ctx, cancel := context.WithTimeout(context.Background(), finalFingerprintTimeout)
			info, _ := i.fp.fingerprint(ctx)
			cancel()
			i.updater(i.info.Name, info)
			return

		case <-timer.C:
			ctx, cancel := context.WithTimeout(i.ctx, i.interval)
			info, first := i.fp.fingerprint(ctx)
			cancel()
			// Shutdown raced the probe; the final fingerprint above reports it.
			if i.ctx.Err() != nil {
				continue
			}
			if first {
				i.log.Info("ingress controller fingerprinted", logx.Bool("healthy", info.Healthy))
			} else if !info.Healthy {
				i.log.Debug("ingress controller unhealthy", logx.String("reason", info.HealthDescription))
			}
			i.updater(i.info.Name, info)
			timer.Reset(i.interval)
		}
	}
}

// shutdown cancels the loop and waits for the final fingerprint.
func (i *instanceManager) shutdown() {
	i.cancel()
	<-i.doneCh
}
