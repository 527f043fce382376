package simulation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoopRunsAtLeastOneTick(t *testing.T) {
	var ticks int32
	loop := NewLoop(60, func(context.Context, time.Duration) {
		atomic.AddInt32(&ticks, 1)
		time.Sleep(time.Millisecond)
	})
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	time.Sleep(80 * time.Millisecond)
	cancel()
	loop.Stop()
	if atomic.LoadInt32(&ticks) == 0 {
		t.Fatalf("expected loop to tick at least once")
	}
	if loop.Monitor().Snapshot().Samples == 0 {
		t.Fatal("expected tick durations to be sampled")
	}
}

func TestLoopStepDuration(t *testing.T) {
	loop := NewLoop(4, nil)
	if step := loop.StepDuration(); step != 250*time.Millisecond {
		t.Fatalf("unexpected step duration %v", step)
	}
	if NewLoop(0, nil).StepDuration() != 250*time.Millisecond {
		t.Fatal("expected non-positive rate to fall back to 4Hz")
	}
}

func TestTickMonitorAggregates(t *testing.T) {
	monitor := NewTickMonitor()
	monitor.Observe(10 * time.Millisecond)
	monitor.Observe(30 * time.Millisecond)
	monitor.Observe(0)
	snap := monitor.Snapshot()
	if snap.Samples != 2 || snap.Average != 20*time.Millisecond || snap.Max != 30*time.Millisecond || snap.Last != 30*time.Millisecond {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.AverageTPS() != 50 {
		t.Fatalf("expected 50 ticks per second, got %v", snap.AverageTPS())
	}
	monitor.Reset()
	if monitor.Snapshot().Samples != 0 {
		t.Fatal("expected reset to clear samples")
	}
}
