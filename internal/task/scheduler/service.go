package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "ingressd/pkg/logx"
)

var (
	ErrUnknownJob = errors.New("scheduler: unknown job")
	ErrNilJob     = errors.New("scheduler: nil job")
)

// Job is one run of a scheduled task. ctx carries the per-run timeout.
type Job func(ctx context.Context) error

// EntryInfo is a point-in-time view of one schedule.
type EntryInfo struct {
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule"`
	Kind         string        `json:"kind"`
	Next         time.Time     `json:"next,omitempty"`
	Prev         time.Time     `json:"prev,omitempty"`
	Running      bool          `json:"running"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	Skipped      int64         `json:"skipped"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

type entry struct {
	name    string
	raw     string
	spec    ParsedSpec
	timeout time.Duration
	job     Job
	id      cron.EntryID

	running  atomic.Bool
	runs     atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64

	mu      sync.Mutex
	lastDur time.Duration
	lastErr string
}

type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	parser  cron.Parser
	tz      string
	loc     *time.Location
	c       *cron.Cron
	started bool
	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a stopped scheduler. An empty or invalid tz means local time.
func New(log logx.Logger, tz string) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "scheduler")),
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tz:      strings.TrimSpace(tz),
		entries: map[string]*entry{},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.loc = s.loadLocation()
	s.c = s.newCron()
	return s
}

// Validate reports whether raw is a schedule AddSchedule would accept.
func (s *Service) Validate(raw string) error {
	spec, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(spec.CronExpr()); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return nil
}

// AddSchedule registers job under name, replacing any previous job with
// that name. timeout <= 0 means no per-run timeout.
func (s *Service) AddSchedule(name, raw string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("scheduler: name required")
	}
	if job == nil {
		return ErrNilJob
	}
	spec, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	sched, err := s.parser.Parse(spec.CronExpr())
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", raw, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[name]; ok {
		s.c.Remove(old.id)
	}
	e := &entry{name: name, raw: strings.TrimSpace(raw), spec: spec, timeout: timeout, job: job}
	e.id = s.c.Schedule(sched, s.wrap(e))
	s.entries[name] = e
	s.log.Debug("schedule added",
		logx.String("job", name),
		logx.String("schedule", e.raw),
		logx.String("kind", spec.Kind.String()),
		logx.Duration("timeout", timeout),
	)
	return nil
}

func (s *Service) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	s.c.Remove(e.id)
	delete(s.entries, name)
	s.log.Debug("schedule removed", logx.String("job", name))
	return nil
}

// RunNow runs the named job synchronously, honoring its timeout and the
// no-overlap rule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, e)
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

// Stop cancels running jobs and waits for them until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.cancel()
		return nil
	}
	s.started = false
	s.cancel()
	done := s.c.Stop().Done()
	s.mu.Unlock()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetTimezone rebuilds the cron runner in the new location and
// re-registers every schedule.
func (s *Service) SetTimezone(tz string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tz = strings.TrimSpace(tz)
	if tz == s.tz {
		return
	}
	s.tz = tz
	s.loc = s.loadLocation()

	wasStarted := s.started
	if wasStarted {
		<-s.c.Stop().Done()
	}
	s.c = s.newCron()
	for _, e := range s.entries {
		sched, err := s.parser.Parse(e.spec.CronExpr())
		if err != nil {
			continue
		}
		e.id = s.c.Schedule(sched, s.wrap(e))
	}
	if wasStarted {
		s.c.Start()
	}
	s.log.Info("scheduler timezone changed", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) Snapshot() []EntryInfo {
	s.mu.Lock()
	out := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		ce := s.c.Entry(e.id)
		e.mu.Lock()
		info := EntryInfo{
			Name:         e.name,
			Schedule:     e.raw,
			Kind:         e.spec.Kind.String(),
			Next:         ce.Next,
			Prev:         ce.Prev,
			Running:      e.running.Load(),
			Runs:         e.runs.Load(),
			Failures:     e.failures.Load(),
			Skipped:      e.skipped.Load(),
			LastDuration: e.lastDur,
			LastError:    e.lastErr,
		}
		e.mu.Unlock()
		out = append(out, info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) wrap(e *entry) cron.Job {
	return cron.FuncJob(func() {
		if err := s.run(s.ctx, e); err != nil && !errors.Is(err, errSkipped) {
			s.log.Warn("scheduled job failed", logx.String("job", e.name), logx.Err(err))
		}
	})
}

var errSkipped = errors.New("scheduler: previous run still active")

func (s *Service) run(parent context.Context, e *entry) (err error) {
	if !e.running.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		s.log.Debug("job skipped; still running", logx.String("job", e.name))
		return errSkipped
	}
	defer e.running.Store(false)

	ctx := parent
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, e.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		dur := time.Since(start)
		e.runs.Add(1)
		e.mu.Lock()
		e.lastDur = dur
		e.lastErr = ""
		if err != nil {
			e.lastErr = err.Error()
		}
		e.mu.Unlock()
		if err != nil {
			e.failures.Add(1)
		}
		s.log.Trace("job finished", logx.String("job", e.name), logx.Duration("took", dur), logx.Bool("ok", err == nil))
	}()
	return e.job(ctx)
}

func (s *Service) newCron() *cron.Cron {
	return cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{log: s.log}),
	)
}

func (s *Service) loadLocation() *time.Location {
	if s.tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", s.tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	if l.log.Enabled(logx.LevelTrace) {
		l.log.Trace("cron: "+msg, kvFields(kv)...)
	}
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
