package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"ingressd/internal/ingress"
	logx "ingressd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retention  time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retention: cfg.EventRetention, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ReplacePlugins(ctx context.Context, plugins []ingress.Plugin) (err error) {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM controllers`); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM plugins`); err != nil {
		return err
	}
	for _, p := range plugins {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO plugins(id, provider, version, controllers_healthy, controllers_expected) VALUES(?,?,?,?,?)`,
			p.PlainID, p.Provider, p.Version, p.ControllersHealthy, p.ControllersExpected,
		); err != nil {
			return fmt.Errorf("insert plugin %s: %w", p.PlainID, err)
		}
		for pos, c := range p.Controllers {
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO controllers(plugin_id, position, id, node, provider, provider_version, healthy, health_description, update_time)
				 VALUES(?,?,?,?,?,?,?,?,?)`,
				p.PlainID, pos, c.ID, nullStr(c.Node), nullStr(c.Provider), nullStr(c.ProviderVersion),
				boolInt(c.Healthy), nullStr(c.HealthDescription), formatTime(c.UpdateTime),
			); err != nil {
				return fmt.Errorf("insert controller %s/%s: %w", p.PlainID, c.ID, err)
			}
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadPlugins(ctx context.Context) ([]ingress.Plugin, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, version, controllers_healthy, controllers_expected FROM plugins ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var out []ingress.Plugin
	index := map[string]int{}
	for rows.Next() {
		var p ingress.Plugin
		if err := rows.Scan(&p.PlainID, &p.Provider, &p.Version, &p.ControllersHealthy, &p.ControllersExpected); err != nil {
			rows.Close()
			return nil, err
		}
		index[p.PlainID] = len(out)
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	crows, err := s.db.QueryContext(ctx,
		`SELECT plugin_id, id, node, provider, provider_version, healthy, health_description, update_time
		 FROM controllers ORDER BY plugin_id, position`)
	if err != nil {
		return nil, err
	}
	defer crows.Close()
	for crows.Next() {
		var (
			pluginID                              string
			c                                     ingress.Controller
			node, provider, version, desc, update sql.NullString
			healthy                               int
		)
		if err := crows.Scan(&pluginID, &c.ID, &node, &provider, &version, &healthy, &desc, &update); err != nil {
			return nil, err
		}
		i, ok := index[pluginID]
		if !ok {
			continue
		}
		c.Node, c.Provider, c.ProviderVersion, c.HealthDescription = node.String, provider.String, version.String, desc.String
		c.Healthy = healthy != 0
		c.UpdateTime = parseTime(update.String)
		out[i].Controllers = append(out[i].Controllers, c)
	}
	return out, crows.Err()
}

func (s *sqliteStore) AppendHealthEvent(ctx context.Context, e HealthEvent) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO health_events(at, at_ms, plugin_id, kind, controllers_healthy, controllers_expected)
		 VALUES(?,?,?,?,?,?)`,
		formatTime(e.At), e.At.UnixMilli(), e.PlainID, e.Kind, e.ControllersHealthy, e.ControllersExpected,
	)
	if err == nil && s.retention > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("health event prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) HealthEvents(ctx context.Context, plainID string, limit int) ([]HealthEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1 // no LIMIT in sqlite
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, plugin_id, kind, controllers_healthy, controllers_expected FROM (
		   SELECT seq, at, plugin_id, kind, controllers_healthy, controllers_expected
		   FROM health_events WHERE plugin_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`, plainID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HealthEvent
	for rows.Next() {
		var (
			e  HealthEvent
			at string
		)
		if err := rows.Scan(&at, &e.PlainID, &e.Kind, &e.ControllersHealthy, &e.ControllersExpected); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM health_events WHERE at_ms < ?`, cutoff)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
