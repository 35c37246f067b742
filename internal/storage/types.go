package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot json + jsonl event log)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// EventRetention drops health events older than this; 0 keeps everything.
	EventRetention time.Duration
}

// Health event kinds.
const (
	HealthEventUnhealthy = "unhealthy"
	HealthEventRecovered = "recovered"
)

// HealthEvent records one plugin health transition.
type HealthEvent struct {
	At                  time.Time `json:"at"`
	PlainID             string    `json:"id"`
	Kind                string    `json:"kind"`
	ControllersHealthy  int       `json:"controllers_healthy"`
	ControllersExpected int       `json:"controllers_expected"`
}
