package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"ingressd/internal/ingress"
	logx "ingressd/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.plugins.json  (snapshot, replaced via rename)
//   - <prefix>.health.jsonl  (append-only JSON Lines)
//
// The event log is rewritten without expired events every compactEvery appends.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	eventsPath   string
	eventsFile   *os.File
	retention    time.Duration
	appends      int
}

const compactEvery = 1000

type pluginSnapshot struct {
	SavedAt time.Time        `json:"saved_at"`
	Plugins []ingress.Plugin `json:"plugins"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	eventsPath := prefix + ".health.jsonl"
	ef, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: prefix + ".plugins.json",
		eventsPath:   eventsPath,
		eventsFile:   ef,
		retention:    cfg.EventRetention,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return nil
	}
	err := s.eventsFile.Close()
	s.eventsFile = nil
	return err
}

func (s *fileStore) ReplacePlugins(ctx context.Context, plugins []ingress.Plugin) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return ErrClosed
	}
	return writeJSONAtomic(s.snapshotPath, pluginSnapshot{SavedAt: time.Now(), Plugins: plugins})
}

func (s *fileStore) LoadPlugins(ctx context.Context) ([]ingress.Plugin, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var snap pluginSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.snapshotPath, err)
	}
	sort.SliceStable(snap.Plugins, func(i, j int) bool { return snap.Plugins[i].PlainID < snap.Plugins[j].PlainID })
	return snap.Plugins, nil
}

func (s *fileStore) AppendHealthEvent(ctx context.Context, e HealthEvent) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.eventsFile).Encode(e); err != nil {
		return err
	}
	s.appends++
	if s.retention > 0 && s.appends%compactEvery == 0 {
		// Best-effort.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("health log compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) HealthEvents(ctx context.Context, plainID string, limit int) ([]HealthEvent, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []HealthEvent
	err := s.scanEventsLocked(func(e HealthEvent) {
		if e.PlainID != plainID {
			return
		}
		out = append(out, e)
		if limit > 0 && len(out) > limit {
			out = out[1:]
		}
	})
	return out, err
}

func (s *fileStore) scanEventsLocked(fn func(HealthEvent)) error {
	f, err := os.Open(s.eventsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e HealthEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.PlainID == "" {
			continue
		}
		fn(e)
	}
	return sc.Err()
}

func (s *fileStore) compactLocked() error {
	cutoff := time.Now().Add(-s.retention)
	var keep []HealthEvent
	if err := s.scanEventsLocked(func(e HealthEvent) {
		if !e.At.Before(cutoff) {
			keep = append(keep, e)
		}
	}); err != nil {
		return err
	}

	tmp := s.eventsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, e := range keep {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := s.eventsFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.eventsPath); err != nil {
		return err
	}
	s.eventsFile, err = os.OpenFile(s.eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	return err
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
