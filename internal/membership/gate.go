package membership

import (
	"sync"
	"time"

	"powernet/broker/internal/logging"
)

// Clock exposes the current time for freshness and rate decisions.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (c ClockFunc) Now() time.Time { return c() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// GateConfig controls the freshness and throughput gates applied to membership reports.
type GateConfig struct {
	MaxAge      time.Duration
	MinInterval time.Duration
}

// DropReason enumerates why a report was rejected by the gate.
type DropReason string

const (
	DropReasonNone        DropReason = ""
	DropReasonSequence    DropReason = "sequence"
	DropReasonStale       DropReason = "stale"
	DropReasonRateLimited DropReason = "rate_limit"
)

// String returns the textual representation of the drop reason.
func (r DropReason) String() string { return string(r) }

// Decision summarises whether a report passed the gate.
type Decision struct {
	Accepted bool
	Reason   DropReason
	Delay    time.Duration
}

// Frame captures the metadata the gate inspects.
type Frame struct {
	ActorID  string
	Sequence uint64
	SentAt   time.Time
}

type actorState struct {
	lastSequence uint64
	lastAccepted time.Time
}

// DropCounters aggregates per-reason drop counts.
type DropCounters struct {
	Sequence    uint64 `json:"sequence"`
	Stale       uint64 `json:"stale"`
	RateLimited uint64 `json:"rate_limited"`
}

type dropMetrics struct {
	mu    sync.RWMutex
	drops map[string]DropCounters
}

func newDropMetrics() *dropMetrics {
	return &dropMetrics{drops: make(map[string]DropCounters)}
}

func (m *dropMetrics) observe(actorID string, reason DropReason) {
	if actorID == "" || reason == DropReasonNone {
		return
	}
	m.mu.Lock()
	current := m.drops[actorID]
	switch reason {
	case DropReasonSequence:
		current.Sequence++
	case DropReasonStale:
		current.Stale++
	case DropReasonRateLimited:
		current.RateLimited++
	}
	m.drops[actorID] = current
	m.mu.Unlock()
}

func (m *dropMetrics) snapshot() map[string]DropCounters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.drops) == 0 {
		return nil
	}
	clone := make(map[string]DropCounters, len(m.drops))
	for actorID, counters := range m.drops {
		clone[actorID] = counters
	}
	return clone
}

func (m *dropMetrics) forget(actorID string) {
	m.mu.Lock()
	delete(m.drops, actorID)
	m.mu.Unlock()
}

// Gate validates sequencing, freshness and throughput of membership reports per actor.
type Gate struct {
	mu      sync.Mutex
	cfg     GateConfig
	clock   Clock
	logger  *logging.Logger
	metrics *dropMetrics
	actors  map[string]*actorState
}

// NewGate constructs a gate. Zero or negative limits disable the matching check.
func NewGate(cfg GateConfig, clock Clock, logger *logging.Logger) *Gate {
	if cfg.MaxAge < 0 {
		cfg.MaxAge = 0
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Gate{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		metrics: newDropMetrics(),
		actors:  make(map[string]*actorState),
	}
}

// Evaluate applies the sequencing, freshness and throughput guards to frame.
func (g *Gate) Evaluate(frame Frame) Decision {
	decision := Decision{Accepted: true}
	if g == nil || frame.ActorID == "" {
		return decision
	}
	now := g.clock.Now()
	if !frame.SentAt.IsZero() {
		//1.- Measure capture-to-arrival delay when the sender stamped the report.
		if delay := now.Sub(frame.SentAt); delay > 0 {
			decision.Delay = delay
		}
	}

	g.mu.Lock()
	state := g.actors[frame.ActorID]
	if state == nil {
		state = &actorState{}
		g.actors[frame.ActorID] = state
	}

	switch {
	case frame.Sequence == 0 || (state.lastSequence != 0 && frame.Sequence <= state.lastSequence):
		decision = Decision{Reason: DropReasonSequence, Delay: decision.Delay}
	case g.cfg.MaxAge > 0 && decision.Delay > g.cfg.MaxAge:
		decision = Decision{Reason: DropReasonStale, Delay: decision.Delay}
	case state.lastSequence != 0 && g.cfg.MinInterval > 0 && now.Sub(state.lastAccepted) < g.cfg.MinInterval:
		decision = Decision{Reason: DropReasonRateLimited, Delay: decision.Delay}
	default:
		//2.- Promote the report as the latest accepted one for this actor.
		state.lastSequence = frame.Sequence
		state.lastAccepted = now
	}
	g.mu.Unlock()

	if !decision.Accepted {
		g.metrics.observe(frame.ActorID, decision.Reason)
		g.logger.Debug("membership report dropped",
			logging.String("actor_id", frame.ActorID),
			logging.Uint64("sequence", frame.Sequence),
			logging.String("reason", decision.Reason.String()))
	}
	return decision
}

// Forget clears sequencing state and drop counters for actorID.
func (g *Gate) Forget(actorID string) {
	if g == nil || actorID == "" {
		return
	}
	g.mu.Lock()
	delete(g.actors, actorID)
	g.mu.Unlock()
	g.metrics.forget(actorID)
}

// Drops returns a snapshot of the per-actor drop counters.
func (g *Gate) Drops() map[string]DropCounters {
	if g == nil {
		return nil
	}
	return g.metrics.snapshot()
}
