package ingress

import "time"

// Route names understood by the management UI.
const (
	RoutePluginList   = "ingress.plugins"
	RoutePluginDetail = "ingress.plugins.plugin"

	pluginsLabel = "Plugins"
)

// Controller is one controller instance as last reported for its plugin.
// It is a plain value: two loads of the same controller are distinct records.
type Controller struct {
	ID                string    `json:"id"`
	Node              string    `json:"node,omitempty"`
	Provider          string    `json:"provider,omitempty"`
	ProviderVersion   string    `json:"provider_version,omitempty"`
	Healthy           bool      `json:"healthy"`
	HealthDescription string    `json:"health_description,omitempty"`
	UpdateTime        time.Time `json:"update_time"`
}

// Plugin is the health view of a single ingress plugin.
//
// ControllersHealthy and ControllersExpected are reported counts; they are not
// required to match len(Controllers).
type Plugin struct {
	PlainID  string `json:"id"`
	Provider string `json:"provider"`
	Version  string `json:"version"`

	Controllers         []Controller `json:"controllers"`
	ControllersHealthy  int          `json:"controllers_healthy"`
	ControllersExpected int          `json:"controllers_expected"`
}

// ControllersHealthyProportion returns healthy/expected as a float division.
// An expected count of zero yields NaN (0/0) or +Inf (n/0); callers decide
// how to present non-finite values.
func (p Plugin) ControllersHealthyProportion() float64 {
	return float64(p.ControllersHealthy) / float64(p.ControllersExpected)
}

// Breadcrumb is one node of a navigation trail.
type Breadcrumb struct {
	Label  string   `json:"label"`
	Target string   `json:"target"`
	Args   []string `json:"args"`
}

// Breadcrumbs returns the trail from the plugin list to this plugin.
func (p Plugin) Breadcrumbs() []Breadcrumb {
	return []Breadcrumb{
		{Label: pluginsLabel, Target: RoutePluginList, Args: []string{}},
		{Label: p.PlainID, Target: RoutePluginDetail, Args: []string{p.PlainID}},
	}
}

// Copy returns a deep copy; the controller slice is not shared.
func (p Plugin) Copy() Plugin {
	cp := p
	if p.Controllers != nil {
		cp.Controllers = append([]Controller(nil), p.Controllers...)
	}
	return cp
}

// ListStub is the summary row shown in plugin listings.
type ListStub struct {
	PlainID             string `json:"id"`
	Provider            string `json:"provider"`
	Version             string `json:"version"`
	ControllersHealthy  int    `json:"controllers_healthy"`
	ControllersExpected int    `json:"controllers_expected"`
}

// Stub returns the listing summary of p.
func (p Plugin) Stub() ListStub {
	return ListStub{
		PlainID:             p.PlainID,
		Provider:            p.Provider,
		Version:             p.Version,
		ControllersHealthy:  p.ControllersHealthy,
		ControllersExpected: p.ControllersExpected,
	}
}

// ControllersHealthyProportion mirrors Plugin.ControllersHealthyProportion.
func (s ListStub) ControllersHealthyProportion() float64 {
	return float64(s.ControllersHealthy) / float64(s.ControllersExpected)
}
