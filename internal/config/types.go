package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"ingressd/internal/ingress"
)

type Config struct {
	Logging LoggingConfig  `json:"logging"`
	API     APIConfig      `json:"api"`
	Manager ManagerConfig  `json:"manager"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Persist PersistConfig  `json:"persist"`

	// Plugins declares the ingress plugins keyed by plain id.
	Plugins map[string]PluginConfig `json:"plugins"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// APIConfig controls the HTTP data API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:4747").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:4747"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// RatePerSec limits requests per second across all clients; 0 disables.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// ManagerConfig tunes the ingress plugin manager. Go duration strings.
type ManagerConfig struct {
	ResyncPeriod        string `json:"resync_period,omitempty"`        // default: "30s"
	FingerprintInterval string `json:"fingerprint_interval,omitempty"` // default: "3s"
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/ingressd.db" }
type StorageConfig struct {
	Driver         string `json:"driver"`
	Path           string `json:"path"`
	BusyTimeout    string `json:"busy_timeout,omitempty"`    // sqlite
	EventRetention string `json:"event_retention,omitempty"` // e.g. "720h"
}

// PersistConfig controls when the catalog is written to storage.
type PersistConfig struct {
	// Schedule accepts a cron expression, "@every 30s", a Go duration or HH:MM.
	// Default: "@every 30s".
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

const DefaultPersistSchedule = "@every 30s"

type PluginConfig struct {
	Provider string `json:"provider"`
	Version  string `json:"version"`

	// Class is "internal" or "external"; default internal.
	Class    string               `json:"class,omitempty"`
	Internal *InternalClassConfig `json:"internal,omitempty"`
	External *ExternalClassConfig `json:"external,omitempty"`

	// ExpectedControllers pins the expected count. When omitted, every
	// configured or fingerprinted controller is expected.
	ExpectedControllers *int               `json:"expected_controllers,omitempty"`
	Controllers         []ControllerConfig `json:"controllers,omitempty"`

	// HealthService is the grpc health service checked on each controller;
	// empty checks the whole server.
	HealthService string `json:"health_service,omitempty"`
}

type InternalClassConfig struct {
	LBConfPath string `json:"lb_conf_path"`
}

type ExternalClassConfig struct{}

type ControllerConfig struct {
	ID   string `json:"id"`
	Node string `json:"node,omitempty"`
	// Socket is the controller's unix socket, or a directory holding ingress.sock.
	Socket string `json:"socket"`
}

func (c ControllerConfig) SocketPath() string {
	s := strings.TrimSpace(c.Socket)
	if s == "" || strings.HasSuffix(s, ".sock") {
		return s
	}
	return filepath.Join(s, ingress.SocketName)
}

// TaskConfig converts the declaration into the runtime task plugin config.
func (p PluginConfig) TaskConfig(id string) *ingress.TaskPluginConfig {
	class := ingress.Class(strings.ToLower(strings.TrimSpace(p.Class)))
	if class == "" {
		class = ingress.InternalClass
	}
	tc := &ingress.TaskPluginConfig{
		ID:       id,
		Provider: p.Provider,
		Version:  p.Version,
		Class:    class,
	}
	if p.Internal != nil {
		tc.Internal = &ingress.InternalClassConfig{LBConfPath: p.Internal.LBConfPath}
	}
	if p.External != nil {
		tc.External = &ingress.ExternalClassConfig{}
	}
	return tc
}

// Validate checks the parts of the config that decoding cannot.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	durations := map[string]string{
		"api.read_timeout":             c.API.ReadTimeout,
		"api.write_timeout":            c.API.WriteTimeout,
		"api.idle_timeout":             c.API.IdleTimeout,
		"manager.resync_period":        c.Manager.ResyncPeriod,
		"manager.fingerprint_interval": c.Manager.FingerprintInterval,
	}
	if c.Storage != nil {
		durations["storage.busy_timeout"] = c.Storage.BusyTimeout
		durations["storage.event_retention"] = c.Storage.EventRetention
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if c.API.RatePerSec < 0 || c.API.Burst < 0 {
		errs = append(errs, errors.New("api: rate_per_sec and burst must be >= 0"))
	}

	ids := make([]string, 0, len(c.Plugins))
	for id := range c.Plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := c.Plugins[id].validate(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p PluginConfig) validate(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("plugins: empty plugin id")
	}
	if strings.Contains(id, "/") {
		return fmt.Errorf("plugins.%s: id must not contain '/'", id)
	}
	tc := p.TaskConfig(id)
	if !tc.Class.Valid() {
		return fmt.Errorf("plugins.%s.class: unknown class %q", id, p.Class)
	}
	if tc.Class == ingress.InternalClass && p.External != nil {
		return fmt.Errorf("plugins.%s: external settings on an internal plugin", id)
	}
	if tc.Class == ingress.ExternalClass && p.Internal != nil {
		return fmt.Errorf("plugins.%s: internal settings on an external plugin", id)
	}
	if p.ExpectedControllers != nil && *p.ExpectedControllers < 0 {
		return fmt.Errorf("plugins.%s.expected_controllers: must be >= 0", id)
	}
	seen := map[string]struct{}{}
	for i, c := range p.Controllers {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("plugins.%s.controllers[%d]: id is required", id, i)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("plugins.%s.controllers[%d]: duplicate id %q", id, i, c.ID)
		}
		seen[c.ID] = struct{}{}
		if strings.TrimSpace(c.Socket) == "" {
			return fmt.Errorf("plugins.%s.controllers[%d]: socket is required", id, i)
		}
	}
	return nil
}
