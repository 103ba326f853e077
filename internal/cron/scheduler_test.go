package cron_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-company/internal/config"
	"github.com/basket/go-company/internal/cron"
)

// waitFor polls check until it returns true or the deadline elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeSweeper struct {
	orphans atomic.Int32
	reviews atomic.Int32
}

func (f *fakeSweeper) SweepOrphans(context.Context) int {
	f.orphans.Add(1)
	return 2
}

func (f *fakeSweeper) RetryReviews(context.Context) int {
	f.reviews.Add(1)
	return 0
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	var n atomic.Int32
	s, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{
		Name: "tick",
		Spec: "@every 1s",
		Run:  func(context.Context) int { n.Add(1); return 1 },
	}}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 3*time.Second, func() bool { return n.Load() >= 1 })
	if s.Runs()["tick"] < 1 {
		t.Fatalf("runs not recorded: %v", s.Runs())
	}
}

func TestScheduler_InvalidSpec(t *testing.T) {
	_, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{Name: "bad", Spec: "every minute", Run: func(context.Context) int { return 0 }}}})
	if err == nil {
		t.Fatal("expected invalid spec error")
	}
}

func TestScheduler_DuplicateName(t *testing.T) {
	run := func(context.Context) int { return 0 }
	_, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{
		{Name: "a", Spec: "@every 1m", Run: run},
		{Name: "a", Spec: "@every 2m", Run: run},
	}})
	if err == nil {
		t.Fatal("expected duplicate job error")
	}
}

func TestMaintenanceJobs_RunNowAndDisabled(t *testing.T) {
	sw := &fakeSweeper{}
	s, err := cron.NewScheduler(cron.Config{Jobs: cron.MaintenanceJobs(config.MaintenanceConfig{
		RecoverySweep: "@every 1m",
	}, sw)})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	n, err := s.RunNow(cron.JobRecoverySweep)
	if err != nil || n != 2 || sw.orphans.Load() != 1 {
		t.Fatalf("recovery sweep: n=%d err=%v calls=%d", n, err, sw.orphans.Load())
	}
	if _, err := s.RunNow(cron.JobReviewRetry); err == nil {
		t.Fatal("review retry has no spec and must not be registered")
	}
}

func TestScheduler_StopCancelsJobContext(t *testing.T) {
	var sawCancel atomic.Bool
	started := make(chan struct{})
	s, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{
		Name: "slow",
		Spec: "@every 1s",
		Run: func(ctx context.Context) int {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			sawCancel.Store(true)
			return 0
		},
	}}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}
	s.Stop()
	if !sawCancel.Load() {
		t.Fatal("job context not cancelled on stop")
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/5 * * * *", base.Add(5 * time.Minute)},
		{"@every 1m", base.Add(time.Minute)},
		{"0 12 * * *", time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		got, err := cron.NextRunTime(tc.expr, base)
		if err != nil {
			t.Fatalf("%s: %v", tc.expr, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.expr, got, tc.want)
		}
	}
	if _, err := cron.NextRunTime("bogus", base); err == nil {
		t.Fatal("expected parse error")
	}
}
