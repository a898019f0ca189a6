package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleRejectsBadSpec(t *testing.T) {
	t.Parallel()

	s := NewCronScheduler(time.UTC, nil)
	if err := s.Schedule("broken", "not a cron line", func(context.Context) {}); err == nil {
		t.Fatalf("expected error for invalid spec")
	}
	if err := s.Schedule("nil", "@every 1s", nil); err == nil {
		t.Fatalf("expected error for nil job")
	}
}

func TestSchedulerRunsAndSkipsOverlap(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	release := make(chan struct{})

	s := NewCronScheduler(time.UTC, nil)
	err := s.Schedule("slow", "@every 1s", func(ctx context.Context) {
		runs.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(3500 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("expected overlapping runs to be skipped, got %d runs", got)
	}

	close(release)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop should be a no-op: %v", err)
	}
}
