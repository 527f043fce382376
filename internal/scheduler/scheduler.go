// Package scheduler debounces registry churn into single clustering passes.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"powernet/broker/internal/logging"
)

// State is the debounce state machine position.
type State int

const (
	StateIdle State = iota
	StatePending
	StateRebuilding
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRebuilding:
		return "rebuilding"
	default:
		return "idle"
	}
}

// RebuildFunc performs one clustering pass. A returned error or panic leaves
// the previous partition in place.
type RebuildFunc func(ctx context.Context) error

// Config holds the two debounce windows.
type Config struct {
	// MinQuiet is the inactivity window after the last change before rebuilding.
	MinQuiet time.Duration
	// MaxDelay bounds how long after the first change of a burst the rebuild may wait.
	MaxDelay time.Duration
}

// Stats summarises scheduler activity for metrics and diagnostics.
type Stats struct {
	Triggers     uint64
	Rebuilds     uint64
	Failures     uint64
	LastDuration time.Duration
	LastError    string
	LastRebuild  time.Time
}

// Option customises the scheduler.
type Option func(*Scheduler)

// WithClock injects the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger overrides the logger used for rebuild failures.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver registers a callback invoked after every rebuild attempt.
func WithObserver(fn func(duration time.Duration, err error)) Option {
	return func(s *Scheduler) {
		s.observe = fn
	}
}

// Scheduler implements Idle -> Pending -> Rebuilding -> Idle.
type Scheduler struct {
	mu    sync.Mutex
	state State
	first time.Time
	last  time.Time
	// rearm records a change that arrived while a rebuild was running.
	rearm bool
	// forced records a Force that arrived while a rebuild was running.
	forced bool
	stats Stats

	cfg     Config
	rebuild RebuildFunc
	now     func() time.Time
	logger  *logging.Logger
	observe func(time.Duration, error)
	wake    chan struct{}
}

// New constructs an idle scheduler invoking rebuild when the debounce policy fires.
func New(cfg Config, rebuild RebuildFunc, opts ...Option) *Scheduler {
	if cfg.MinQuiet < 0 {
		cfg.MinQuiet = 0
	}
	if cfg.MaxDelay < cfg.MinQuiet {
		cfg.MaxDelay = cfg.MinQuiet
	}
	if rebuild == nil {
		rebuild = func(context.Context) error { return nil }
	}
	s := &Scheduler{
		cfg:     cfg,
		rebuild: rebuild,
		now:     time.Now,
		logger:  logging.L(),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Notify records a registry change.
func (s *Scheduler) Notify() {
	if s == nil {
		return
	}
	now := s.now()
	s.mu.Lock()
	s.stats.Triggers++
	switch s.state {
	case StateIdle:
		//1.- Start a burst: both timestamps anchor at the first change.
		s.state = StatePending
		s.first, s.last = now, now
	case StatePending:
		//2.- Extend the burst without moving the max-delay anchor.
		s.last = now
	case StateRebuilding:
		//3.- The running pass may have missed this change; queue another burst.
		if !s.rearm {
			s.first = now
		}
		s.rearm = true
		s.last = now
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Force requests a rebuild on the next Step regardless of the debounce windows.
func (s *Scheduler) Force() {
	if s == nil {
		return
	}
	s.Notify()
	s.mu.Lock()
	switch s.state {
	case StatePending:
		s.first = s.now().Add(-s.cfg.MaxDelay)
	case StateRebuilding:
		s.forced = true
	}
	s.mu.Unlock()
}

// State reports the current state.
func (s *Scheduler) State() State {
	if s == nil {
		return StateIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a copy of the accumulated counters.
func (s *Scheduler) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Due reports whether a pending burst has satisfied either debounce window.
func (s *Scheduler) Due() bool {
	if s == nil {
		return false
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dueLocked(now)
}

func (s *Scheduler) dueLocked(now time.Time) bool {
	if s.state != StatePending {
		return false
	}
	return now.Sub(s.last) >= s.cfg.MinQuiet || now.Sub(s.first) >= s.cfg.MaxDelay
}

// Step runs the rebuild when due. It reports whether a rebuild was attempted
// and the rebuild error, if any. Rebuild failures never propagate as panics.
func (s *Scheduler) Step(ctx context.Context) (bool, error) {
	if s == nil {
		return false, nil
	}
	start := s.now()
	s.mu.Lock()
	if !s.dueLocked(start) {
		s.mu.Unlock()
		return false, nil
	}
	s.state = StateRebuilding
	s.rearm, s.forced = false, false
	s.mu.Unlock()

	err := s.invoke(ctx)
	finished := s.now()
	duration := finished.Sub(start)

	s.mu.Lock()
	s.stats.Rebuilds++
	s.stats.LastDuration = duration
	s.stats.LastRebuild = finished
	s.stats.LastError = ""
	if err != nil {
		s.stats.Failures++
		s.stats.LastError = err.Error()
	}
	if s.rearm {
		s.state = StatePending
		if s.forced {
			//1.- Back-date the burst so the forced pass runs on the next Step.
			s.first = finished.Add(-s.cfg.MaxDelay)
		}
	} else {
		s.state = StateIdle
	}
	s.rearm, s.forced = false, false
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("network rebuild failed; keeping previous partition",
			logging.Error(err), logging.Duration("duration", duration))
	}
	if s.observe != nil {
		s.observe(duration, err)
	}
	return true, err
}

func (s *Scheduler) invoke(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("rebuild panicked: %v", recovered)
		}
	}()
	return s.rebuild(ctx)
}

// Watch polls Step every poll interval while a burst is pending and sleeps
// until the next Notify while idle. It returns when ctx is cancelled.
func (s *Scheduler) Watch(ctx context.Context, poll time.Duration) {
	if s == nil {
		return
	}
	if poll <= 0 {
		poll = s.cfg.MinQuiet / 4
	}
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if s.State() == StateIdle {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Step(ctx)
		}
	}
}
