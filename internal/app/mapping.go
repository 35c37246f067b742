package app

import (
	"fmt"
	"strings"
	"time"

	"ingressd/internal/api"
	"ingressd/internal/config"
	"ingressd/internal/ingressmanager"
	"ingressd/internal/storage"
	logx "ingressd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	retention, err := config.ParseDurationField("storage.event_retention", sc.EventRetention)
	if err != nil {
		return storage.Config{}, false, err
	}

	switch driver {
	case "file":
		return storage.Config{Driver: driver, Path: path, EventRetention: retention}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, EventRetention: retention}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	ac := cfg.API
	read, err := config.ParseDurationOrDefault("api.read_timeout", ac.ReadTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("api.write_timeout", ac.WriteTimeout, 30*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("api.idle_timeout", ac.IdleTimeout, 60*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	addr := strings.TrimSpace(ac.Addr)
	if addr == "" {
		addr = api.DefaultAddr
	}
	return api.Config{
		Enabled:       ac.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		RatePerSec:    ac.RatePerSec,
		Burst:         ac.Burst,
		Pprof:         ac.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func persistSchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Persist.Schedule); s != "" {
		return s
	}
	return config.DefaultPersistSchedule
}

func managerTimings(cfg *config.Config) (resync, interval time.Duration) {
	return cfg.Manager.Resync(ingressmanager.DefaultResyncPeriod),
		cfg.Manager.Interval(ingressmanager.DefaultFingerprintInterval)
}
