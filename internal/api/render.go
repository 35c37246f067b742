package api

import (
	"math"

	"ingressd/internal/ingress"
)

// Health labels derived from the healthy/expected proportion.
const (
	HealthHealthy      = "healthy"
	HealthDegraded     = "degraded"
	HealthUnhealthy    = "unhealthy"
	HealthUnknown      = "unknown"
	HealthNoneExpected = "no_controllers_expected"
)

// HealthOf classifies a proportion. NaN (0/0) is unknown, an infinite value
// (n/0) means nothing was expected.
func HealthOf(p float64) string {
	switch {
	case math.IsNaN(p):
		return HealthUnknown
	case math.IsInf(p, 0):
		return HealthNoneExpected
	case p >= 1:
		return HealthHealthy
	case p > 0:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// finite returns nil for values JSON cannot carry.
func finite(p float64) *float64 {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return nil
	}
	return &p
}

type pluginStub struct {
	ID                  string   `json:"id"`
	Provider            string   `json:"provider"`
	Version             string   `json:"version"`
	ControllersHealthy  int      `json:"controllers_healthy"`
	ControllersExpected int      `json:"controllers_expected"`
	Proportion          *float64 `json:"controllers_healthy_proportion"`
	Health              string   `json:"health"`
}

type pluginDetail struct {
	pluginStub
	Controllers []ingress.Controller `json:"controllers"`
	Breadcrumbs []ingress.Breadcrumb `json:"breadcrumbs"`
}

func renderStub(s ingress.ListStub) pluginStub {
	p := s.ControllersHealthyProportion()
	return pluginStub{
		ID:                  s.PlainID,
		Provider:            s.Provider,
		Version:             s.Version,
		ControllersHealthy:  s.ControllersHealthy,
		ControllersExpected: s.ControllersExpected,
		Proportion:          finite(p),
		Health:              HealthOf(p),
	}
}

func renderPlugin(p ingress.Plugin) pluginDetail {
	controllers := p.Controllers
	if controllers == nil {
		controllers = []ingress.Controller{}
	}
	return pluginDetail{
		pluginStub:  renderStub(p.Stub()),
		Controllers: controllers,
		Breadcrumbs: p.Breadcrumbs(),
	}
}
