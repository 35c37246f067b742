package ingress

import "time"

// Info is a single controller fingerprint as produced by the plugin manager.
type Info struct {
	PluginID          string
	AllocID           string
	Node              string
	Provider          string
	ProviderVersion   string
	Healthy           bool
	HealthDescription string
	UpdateTime        time.Time
}

func (i *Info) Copy() *Info {
	if i == nil {
		return nil
	}
	ni := new(Info)
	*ni = *i
	return ni
}

// SetHealthy records a probe outcome and stamps the update time.
func (i *Info) SetHealthy(healthy bool) {
	i.Healthy = healthy
	if healthy {
		i.HealthDescription = "healthy"
	} else {
		i.HealthDescription = "probe reported not serving"
	}
	i.UpdateTime = time.Now()
}

// Controller converts the fingerprint into the record stored on a Plugin.
func (i *Info) Controller() Controller {
	return Controller{
		ID:                i.AllocID,
		Node:              i.Node,
		Provider:          i.Provider,
		ProviderVersion:   i.ProviderVersion,
		Healthy:           i.Healthy,
		HealthDescription: i.HealthDescription,
		UpdateTime:        i.UpdateTime,
	}
}
