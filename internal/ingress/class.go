package ingress

// Class selects where the load balancer managed by a plugin lives.
type Class string

const (
	// InternalClass indicates that the load balancer runs inside the cluster.
	InternalClass Class = "internal"
	// ExternalClass indicates that the load balancer runs outside the cluster.
	ExternalClass Class = "external"

	// SocketName is the default socket file name of a controller.
	SocketName = "ingress.sock"
)

func (c Class) Valid() bool {
	return c == InternalClass || c == ExternalClass
}

// TaskPluginConfig is the declaration of one ingress plugin.
type TaskPluginConfig struct {
	ID       string
	Provider string
	Version  string
	Class    Class
	Internal *InternalClassConfig
	External *ExternalClassConfig
}

// InternalClassConfig holds parameters for controllers managing an in-cluster
// load balancer.
type InternalClassConfig struct {
	LBConfPath string
}

// ExternalClassConfig holds parameters for controllers managing an external
// load balancer. It has no fields yet.
type ExternalClassConfig struct{}

func (t *TaskPluginConfig) Copy() *TaskPluginConfig {
	if t == nil {
		return nil
	}
	nt := new(TaskPluginConfig)
	*nt = *t
	if t.Internal != nil {
		in := *t.Internal
		nt.Internal = &in
	}
	if t.External != nil {
		ex := *t.External
		nt.External = &ex
	}
	return nt
}

func (t *TaskPluginConfig) Equal(o *TaskPluginConfig) bool {
	if t == nil || o == nil {
		return t == o
	}
	switch {
	case t.ID != o.ID:
		return false
	case t.Provider != o.Provider:
		return false
	case t.Version != o.Version:
		return false
	case t.Class != o.Class:
		return false
	}
	return t.Internal.Equal(o.Internal) && t.External.Equal(o.External)
}

func (i *InternalClassConfig) Equal(o *InternalClassConfig) bool {
	if i == nil || o == nil {
		return i == o
	}
	return i.LBConfPath == o.LBConfPath
}

func (e *ExternalClassConfig) Equal(o *ExternalClassConfig) bool {
	if e == nil || o == nil {
		return e == o
	}
	return true
}
