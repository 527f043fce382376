package simulation

import (
	"context"
	"time"
)

// StepFunc advances the host by one fixed timestep.
type StepFunc func(ctx context.Context, step time.Duration)

// maxCatchUpSteps bounds how many steps one wakeup may run after a stall.
const maxCatchUpSteps = 8

// Loop drives a fixed timestep at the configured frequency.
type Loop struct {
	step     time.Duration
	stepFunc StepFunc
	monitor  *TickMonitor
	ticker   *time.Ticker
	done     chan struct{}
}

// NewLoop configures a loop that targets the provided ticks per second.
func NewLoop(targetHz float64, step StepFunc) *Loop {
	if targetHz <= 0 {
		targetHz = 4
	}
	if step == nil {
		step = func(context.Context, time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 4
	}
	return &Loop{
		step:     interval,
		stepFunc: step,
		monitor:  NewTickMonitor(),
	}
}

// Start begins ticking until the context is cancelled or Stop is invoked.
func (l *Loop) Start(ctx context.Context) {
	if l == nil || l.stepFunc == nil {
		return
	}

	l.ticker = time.NewTicker(l.step)
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		defer l.ticker.Stop()
		last := time.Now()
		accumulator := time.Duration(0)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-l.ticker.C:
				//1.- Accumulate elapsed time and run fixed steps while catching up.
				accumulator += now.Sub(last)
				last = now
				steps := 0
				for accumulator >= l.step && steps < maxCatchUpSteps {
					started := time.Now()
					l.stepFunc(ctx, l.step)
					l.monitor.Observe(time.Since(started))
					accumulator -= l.step
					steps++
				}
				//2.- Drop the backlog after a long stall rather than spiralling.
				if accumulator >= l.step {
					accumulator = 0
				}
			}
		}
	}()
}

// Stop waits for the loop goroutine to exit. The caller cancels the context first.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	if l.done != nil {
		<-l.done
		l.done = nil
	}
}

// StepDuration exposes the configured timestep.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}

// Monitor exposes the tick timing statistics.
func (l *Loop) Monitor() *TickMonitor {
	if l == nil {
		return nil
	}
	return l.monitor
}
