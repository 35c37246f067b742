package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "ingressd/pkg/logx"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), "")
	for _, ok := range []string{"@every 30s", "0 */5 * * * *", "*/5 * * * *", "1m", "00:10"} {
		if err := s.Validate(ok); err != nil {
			t.Fatalf("Validate(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"61 * * * *", "@sometimes", "x"} {
		if err := s.Validate(bad); err == nil {
			t.Fatalf("Validate(%q): expected error", bad)
		}
	}
}

func TestIntervalJobRuns(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), "UTC")
	var runs atomic.Int32
	done := make(chan struct{})
	err := s.AddSchedule("tick", "@every 1s", time.Second, func(ctx context.Context) error {
		if runs.Add(1) == 2 {
			close(done)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start()
	defer func() { _ = s.Stop(context.Background()) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("job ran %d times, want 2", runs.Load())
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Name != "tick" || snap[0].Runs < 2 || snap[0].Next.IsZero() {
		t.Fatalf("snapshot = %#v", snap)
	}
}

func TestRunNowRecordsFailureAndTimeout(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), "")
	_ = s.AddSchedule("slow", "1h", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	err := s.RunNow(context.Background(), "slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	snap := s.Snapshot()
	if snap[0].Failures != 1 || snap[0].LastError == "" {
		t.Fatalf("snapshot = %#v", snap[0])
	}
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestRunNowRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), "")
	_ = s.AddSchedule("boom", "1h", 0, func(context.Context) error { panic("boom") })
	if err := s.RunNow(context.Background(), "boom"); err == nil || err.Error() != "panic: boom" {
		t.Fatalf("err = %v", err)
	}
}

func TestNoOverlap(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), "")
	release := make(chan struct{})
	started := make(chan struct{})
	_ = s.AddSchedule("long", "1h", 0, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	go func() { _ = s.RunNow(context.Background(), "long") }()
	<-started
	if err := s.RunNow(context.Background(), "long"); !errors.Is(err, errSkipped) {
		t.Fatalf("overlapping run err = %v", err)
	}
	close(release)
	if s.Snapshot()[0].Skipped != 1 {
		t.Fatalf("skipped = %d", s.Snapshot()[0].Skipped)
	}
}

func TestReplaceRemoveAndTimezone(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), "Not/AZone")
	if s.Location() != time.Local {
		t.Fatalf("invalid tz should fall back to Local, got %v", s.Location())
	}
	job := func(context.Context) error { return nil }
	_ = s.AddSchedule("a", "@every 1m", 0, job)
	_ = s.AddSchedule("a", "@every 2m", 0, job)
	_ = s.AddSchedule("b", "*/5 * * * *", 0, job)
	s.Start()
	defer func() { _ = s.Stop(context.Background()) }()

	s.SetTimezone("UTC")
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].Schedule != "@every 2m" || snap[1].Kind != "cron" {
		t.Fatalf("snapshot = %#v", snap)
	}
	if s.Location().String() != "UTC" {
		t.Fatalf("location = %v", s.Location())
	}
	if err := s.Remove("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("a"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("second remove = %v", err)
	}
	if err := s.AddSchedule("c", "nope", 0, job); err == nil {
		t.Fatal("bad schedule accepted")
	}
	if err := s.AddSchedule("c", "1m", 0, nil); !errors.Is(err, ErrNilJob) {
		t.Fatalf("nil job err = %v", err)
	}
}
