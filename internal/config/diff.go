package config

import (
	"reflect"
	"sort"
	"strings"

	logx "ingressd/pkg/logx"
)

// SummarizeConfigChange returns (1) the changed top-level sections,
// (2) safe structured attrs for logging (never the API token) and
// (3) the ids of plugins that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oAPI, nAPI := oldCfg.API, newCfg.API
	tokenChanged := oAPI.Token != nAPI.Token
	oAPI.Token, nAPI.Token = "", ""
	if tokenChanged || oAPI != nAPI {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", nAPI.Enabled),
			logx.String("api.addr", strings.TrimSpace(nAPI.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
			logx.Bool("api.token_changed", tokenChanged),
			logx.Bool("api.pprof", nAPI.Pprof),
		)
	}

	if oldCfg.Manager != newCfg.Manager {
		changed = append(changed, "manager")
		attrs = append(attrs,
			logx.String("manager.resync_period", newCfg.Manager.ResyncPeriod),
			logx.String("manager.fingerprint_interval", newCfg.Manager.FingerprintInterval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		var driver string
		var pathSet bool
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
			pathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
		}
		attrs = append(attrs, logx.String("storage.driver", driver), logx.Bool("storage.path_set", pathSet))
	}

	if oldCfg.Persist != newCfg.Persist {
		changed = append(changed, "persist")
		attrs = append(attrs, logx.String("persist.schedule", newCfg.Persist.Schedule))
	}

	pluginChanged := diffPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(pluginChanged) > 0 {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.Int("plugins.changed_count", len(pluginChanged)),
			logx.Int("plugins.count", len(newCfg.Plugins)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, pluginChanged
}

// RequiresRestart reports sections that only take effect on restart.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "manager":
			out = append(out, s)
		}
	}
	return out
}

func diffPlugins(oldM, newM map[string]PluginConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		o, inOld := oldM[id]
		n, inNew := newM[id]
		if inOld != inNew || hashJSON(o) != hashJSON(n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
