// Package authority runs the canonical clustering, simulation and publish
// pipeline for one process.
package authority

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"powernet/broker/internal/cluster"
	"powernet/broker/internal/config"
	"powernet/broker/internal/logging"
	"powernet/broker/internal/node"
	"powernet/broker/internal/observability"
	"powernet/broker/internal/persistence"
	"powernet/broker/internal/registry"
	"powernet/broker/internal/replication"
	"powernet/broker/internal/scheduler"
	"powernet/broker/internal/simulation"
)

// NetworkLedger pairs a network with the energy ledger of its last tick.
type NetworkLedger struct {
	NetworkID string            `json:"network_id"`
	Members   int               `json:"members"`
	Ledger    simulation.Ledger `json:"ledger"`
}

// TickReport summarises one authority step.
type TickReport struct {
	Tick       uint64
	Step       time.Duration
	StartedAt  time.Time
	Duration   time.Duration
	Rebuilt    bool
	RebuildErr error
	Networks   []NetworkLedger
	Total      simulation.Ledger
	Excluded   []node.ID
	Pruned     []node.ID
	Removed    []node.ID
	Published  []replication.Report
}

// Messages counts the observer messages delivered during the step.
func (r TickReport) Messages() (delivered, failed int) {
	for _, report := range r.Published {
		delivered += report.Messages
		failed += report.Failures
	}
	return delivered, failed
}

// TickSink receives every step report, typically for telemetry or journaling.
type TickSink func(TickReport)

// Option customises the authority.
type Option func(*Authority)

// WithClock injects the time source shared with the rebuild scheduler.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger overrides the authority logger.
func WithLogger(logger *logging.Logger) Option {
	return func(a *Authority) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithStore persists node attributes after every step.
func WithStore(store persistence.Store) Option {
	return func(a *Authority) {
		a.store = store
	}
}

// WithEngine overrides the simulation engine.
func WithEngine(engine *simulation.Engine) Option {
	return func(a *Authority) {
		if engine != nil {
			a.engine = engine
		}
	}
}

// WithCollector records metrics for every step and rebuild.
func WithCollector(collector *observability.EngineCollector) Option {
	return func(a *Authority) {
		a.collector = collector
	}
}

// WithTickSink registers a consumer of step reports.
func WithTickSink(sink TickSink) Option {
	return func(a *Authority) {
		if sink != nil {
			a.sinks = append(a.sinks, sink)
		}
	}
}

// WithClusterOptions forwards options to the clusterer.
func WithClusterOptions(opts ...cluster.Option) Option {
	return func(a *Authority) {
		a.clusterOpts = append(a.clusterOpts, opts...)
	}
}

// Authority owns the partition and drives the per-tick pipeline.
type Authority struct {
	cfg       config.EngineConfig
	registry  *registry.Registry
	publisher *replication.Publisher
	clusterer *cluster.Clusterer
	scheduler *scheduler.Scheduler
	engine    *simulation.Engine
	store     persistence.Store
	collector *observability.EngineCollector
	logger    *logging.Logger
	now       func() time.Time
	sinks     []TickSink

	clusterOpts []cluster.Option
	unsubscribe func()

	stepMu sync.Mutex
	tick   uint64

	mu        sync.RWMutex
	partition cluster.Partition
	ledgers   map[string]NetworkLedger
	removals  []node.ID
}

// New wires an authority over reg publishing through publisher.
func New(cfg config.EngineConfig, reg *registry.Registry, publisher *replication.Publisher, opts ...Option) *Authority {
	a := &Authority{
		cfg:       cfg,
		registry:  reg,
		publisher: publisher,
		engine:    simulation.NewEngine(),
		logger:    logging.L(),
		now:       time.Now,
		ledgers:   make(map[string]NetworkLedger),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	clusterOpts := append([]cluster.Option{cluster.WithLogger(a.logger)}, a.clusterOpts...)
	a.clusterer = cluster.New(cluster.Config{
		JoinDistance:      cfg.JoinDistance,
		RelayJoinDistance: cfg.RelayJoinDistance,
		SpanWarnDistance:  cfg.SpanWarnDistance,
		ReuseIDs:          cfg.ReuseNetworkIDs,
	}, clusterOpts...)
	a.scheduler = scheduler.New(scheduler.Config{
		MinQuiet: cfg.RebuildQuiet,
		MaxDelay: cfg.RebuildMaxDelay,
	}, a.rebuild,
		scheduler.WithClock(a.now),
		scheduler.WithLogger(a.logger),
		scheduler.WithObserver(a.collector.ObserveRebuild))
	a.unsubscribe = reg.Subscribe(a.onRegistryEvent)

	//1.- Nodes registered before the authority existed still need a first pass.
	if reg.Len() > 0 {
		a.scheduler.Force()
	}
	return a
}

// Close detaches the authority from the registry.
func (a *Authority) Close() {
	if a == nil || a.unsubscribe == nil {
		return
	}
	a.unsubscribe()
}

// Registry exposes the canonical node set.
func (a *Authority) Registry() *registry.Registry { return a.registry }

// Scheduler exposes the rebuild scheduler.
func (a *Authority) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Publisher exposes the sync publisher.
func (a *Authority) Publisher() *replication.Publisher { return a.publisher }

// Place registers a node. Placing an existing identifier is a no-op.
func (a *Authority) Place(ctx context.Context, n *node.Node) (bool, error) {
	return a.registry.Add(ctx, n)
}

// Destroy unregisters a node.
func (a *Authority) Destroy(id node.ID) bool {
	return a.registry.Remove(id)
}

// Move relocates a node, scheduling a rebuild.
func (a *Authority) Move(id node.ID, pos node.Vec3) (bool, error) {
	return a.registry.Move(id, pos)
}

// RequestRebuild forces a clustering pass on the next step.
func (a *Authority) RequestRebuild() {
	a.scheduler.Force()
}

// Partition returns the current partition.
func (a *Authority) Partition() cluster.Partition {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.partition
}

// Ledgers returns the last ledger of every network, sorted by network id.
func (a *Authority) Ledgers() []NetworkLedger {
	a.mu.RLock()
	out := make([]NetworkLedger, 0, len(a.ledgers))
	for _, ledger := range a.ledgers {
		out = append(out, ledger)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NetworkID < out[j].NetworkID })
	return out
}

// Tick reports the number of completed steps.
func (a *Authority) Tick() uint64 {
	a.stepMu.Lock()
	defer a.stepMu.Unlock()
	return a.tick
}

func (a *Authority) onRegistryEvent(event registry.Event) {
	if event.Structural() {
		a.scheduler.Notify()
	}
	if event.Kind == registry.EventRemoved {
		a.mu.Lock()
		a.removals = append(a.removals, event.NodeID)
		a.mu.Unlock()
	}
}

func (a *Authority) rebuild(ctx context.Context) error {
	_, span := observability.Tracer().Start(ctx, "authority.rebuild")
	defer span.End()

	nodes := a.registry.AllNodes()
	partition, err := a.clusterer.Rebuild(nodes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	a.registry.AssignNetworks(partition.Assignment)
	a.mu.Lock()
	a.partition = partition
	for networkID := range a.ledgers {
		if _, ok := partition.Network(networkID); !ok {
			delete(a.ledgers, networkID)
		}
	}
	a.mu.Unlock()

	span.SetAttributes(attribute.Int("nodes", len(nodes)), attribute.Int("networks", partition.Len()))
	a.collector.SetTopology(len(nodes), partition.Len())
	a.logger.Debug("networks rebuilt", logging.Int("nodes", len(nodes)), logging.Int("networks", partition.Len()))
	return nil
}
