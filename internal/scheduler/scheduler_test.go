package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/chanbridge/internal/session"
	"github.com/user/chanbridge/internal/state"
)

func TestSchedulerFiresTask(t *testing.T) {
	var fires atomic.Int32
	sched := New(nil)
	if err := sched.Add("every-second", "* * * * * *", func(context.Context) error {
		fires.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	// Wait up to 2.5 seconds for at least one fire
	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			t.Fatalf("task did not fire within 2.5s, fires=%d", fires.Load())
		case <-ticker.C:
			if fires.Load() > 0 {
				return
			}
		}
	}
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	sched := New(nil)
	if err := sched.Add("bad", "not a schedule", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestSchedulerAcceptsFiveFields(t *testing.T) {
	sched := New(nil)
	if err := sched.Add("hourly", "0 * * * *", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sched.Add("descriptor", "@every 1m", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReapIdleSessions(t *testing.T) {
	now := time.Date(2024, 10, 1, 10, 0, 0, 0, time.UTC)
	mgr := session.NewManager(state.NewMemoryBackend(), session.WithClock(func() time.Time { return now }))
	ctx := context.Background()
	if _, err := mgr.GetOrCreateSession(ctx, "C1", "T1", true); err != nil {
		t.Fatal(err)
	}

	task := ReapIdleSessions(mgr, 30*time.Minute, nil)

	if err := task(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(mgr.Cached()); got != 1 {
		t.Fatalf("fresh session reaped, cached=%d", got)
	}

	now = now.Add(time.Hour)
	if err := task(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(mgr.Cached()); got != 0 {
		t.Fatalf("expected idle session reaped, cached=%d", got)
	}
}
