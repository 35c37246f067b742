package ingressmanager

import (
	"context"
	"fmt"
	"time"

	"ingressd/internal/dynamicplugins"
	"ingressd/internal/ingress"
	"ingressd/internal/ingress/probe"
)

const initialHealthDescription = "initial fingerprint not completed"

type fingerprinter struct {
	info   *dynamicplugins.PluginInfo
	prober probe.Prober

	basic *ingress.Info

	hadFirstSuccess bool
}

func newFingerprinter(info *dynamicplugins.PluginInfo, prober probe.Prober) *fingerprinter {
	return &fingerprinter{info: info, prober: prober}
}

// basicInfo describes the controller before anything has been probed.
func (f *fingerprinter) basicInfo() *ingress.Info {
	if f.basic == nil {
		f.basic = &ingress.Info{
			PluginID:          f.info.Name,
			AllocID:           f.info.AllocID,
			Node:              f.info.Node,
			Provider:          f.info.Options["Provider"],
			ProviderVersion:   f.info.Version,
			Healthy:           false,
			HealthDescription: initialHealthDescription,
			UpdateTime:        time.Now(),
		}
	}
	return f.basic.Copy()
}

// fingerprint probes the controller. The result is never nil: a failed probe
// yields an unhealthy fingerprint carrying the error.
func (f *fingerprinter) fingerprint(ctx context.Context) (info *ingress.Info, firstSuccess bool) {
	info = f.basicInfo()
	healthy, err := f.prober.Probe(ctx)
	if err != nil {
		info.Healthy = false
		info.HealthDescription = fmt.Sprintf("failed fingerprinting with error: %v", err)
		info.UpdateTime = time.Now()
		return info, false
	}
	info.SetHealthy(healthy)
	if !f.hadFirstSuccess {
		f.hadFirstSuccess = true
		return info, true
	}
	return info, false
}
