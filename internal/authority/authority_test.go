package authority

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"powernet/broker/internal/actors"
	"powernet/broker/internal/cluster"
	"powernet/broker/internal/config"
	"powernet/broker/internal/logging"
	"powernet/broker/internal/node"
	"powernet/broker/internal/persistence"
	"powernet/broker/internal/registry"
	"powernet/broker/internal/replication"
	"powernet/broker/internal/simulation"
	"powernet/broker/internal/wire"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type inbox struct {
	mu       sync.Mutex
	messages []*wire.NodesChanged
}

func (i *inbox) Send(_ context.Context, _ string, msg *wire.NodesChanged) error {
	i.mu.Lock()
	i.messages = append(i.messages, msg)
	i.mu.Unlock()
	return nil
}

func (i *inbox) drain() []*wire.NodesChanged {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.messages
	i.messages = nil
	return out
}

func sequentialIDs() func() string {
	next := 0
	return func() string {
		next++
		return fmt.Sprintf("net-%d", next)
	}
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		TickRateHz:        4,
		JoinDistance:      10,
		RelayJoinDistance: 30,
		SpanWarnDistance:  500,
		RebuildQuiet:      100 * time.Millisecond,
		RebuildMaxDelay:   time.Second,
		ReuseNetworkIDs:   true,
	}
}

type fixture struct {
	authority *Authority
	registry  *registry.Registry
	clock     *fakeClock
	inbox     *inbox
}

func newFixture(t *testing.T, cfg config.EngineConfig, opts ...Option) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_000, 0)}
	logger := logging.NewTestLogger()
	reg := registry.New(registry.WithLogger(logger))
	box := &inbox{}
	publisher := replication.NewPublisher(replication.NewInterests(), box,
		replication.WithPublisherLogger(logger),
		replication.WithPublisherClock(clock.Now))
	base := []Option{WithClock(clock.Now), WithLogger(logger), WithClusterOptions(cluster.WithIDGenerator(sequentialIDs()))}
	a := New(cfg, reg, publisher, append(base, opts...)...)
	t.Cleanup(a.Close)
	return &fixture{authority: a, registry: reg, clock: clock, inbox: box}
}

func (f *fixture) place(t *testing.T, n *node.Node) {
	t.Helper()
	if _, err := f.authority.Place(context.Background(), n); err != nil {
		t.Fatalf("place %s: %v", n.ID, err)
	}
}

func (f *fixture) settle(dt time.Duration) TickReport {
	f.clock.Advance(200 * time.Millisecond)
	return f.authority.Step(context.Background(), dt)
}

func source(id string, pos node.Vec3) *node.Node {
	n := node.New(node.ID(id), node.KindSource, pos)
	n.Source = &node.SourceState{Fuel: 100, FuelCapacity: 100, OutputRate: 10, BurnRate: 1}
	return n
}

func consumer(id string, pos node.Vec3, request float64) *node.Node {
	n := node.New(node.ID(id), node.KindConsumer, pos)
	n.Consumer = &node.ConsumerState{Demand: true, Request: request, Intensity: 1}
	return n
}

func battery(id string, pos node.Vec3) *node.Node {
	n := node.New(node.ID(id), node.KindStorage, pos)
	n.Storage = &node.StorageState{Capacity: 100, DischargeEnabled: true}
	return n
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRelayMergesIsolatedNetworksAndDeliversPower(t *testing.T) {
	var reports []TickReport
	f := newFixture(t, testEngineConfig(), WithTickSink(func(r TickReport) { reports = append(reports, r) }))
	f.place(t, source("src", node.Vec3{X: -20}))
	f.place(t, consumer("load", node.Vec3{X: 20}, 4))
	f.place(t, battery("bat", node.Vec3{Y: 25}))

	isolated := f.settle(250 * time.Millisecond)
	if !isolated.Rebuilt || len(isolated.Networks) != 3 {
		t.Fatalf("expected three single-node networks, got %+v", isolated.Networks)
	}
	load, _ := f.registry.Get("load")
	if load.Consumer.Served != 0 || !almostEqual(load.Consumer.Unserved, 1) {
		t.Fatalf("isolated consumer should be unserved, got %+v", load.Consumer)
	}

	relay := node.New("relay", node.KindRelay, node.Vec3{})
	f.place(t, relay)
	merged := f.settle(250 * time.Millisecond)
	if !merged.Rebuilt || len(merged.Networks) != 1 || merged.Networks[0].Members != 4 {
		t.Fatalf("expected one merged network, got %+v", merged.Networks)
	}
	load, _ = f.registry.Get("load")
	if !almostEqual(load.Consumer.Served, 1) || load.Consumer.Unserved != 0 {
		t.Fatalf("expected consumer served after merge, got %+v", load.Consumer)
	}
	bat, _ := f.registry.Get("bat")
	if !almostEqual(bat.Storage.Stored, 1.5) || !almostEqual(merged.Total.Charged, 1.5) {
		t.Fatalf("expected surplus banked, stored %v ledger %+v", bat.Storage.Stored, merged.Total)
	}
	if len(reports) != 2 || reports[1].Tick != 2 {
		t.Fatalf("expected sink to see both steps, got %d", len(reports))
	}
}

func TestBurstOfPlacementsRebuildsOnce(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	for i := 0; i < 5; i++ {
		f.place(t, node.New(node.ID(fmt.Sprintf("r%d", i)), node.KindRelay, node.Vec3{X: float64(i)}))
		f.clock.Advance(20 * time.Millisecond)
		if report := f.authority.Step(context.Background(), 250*time.Millisecond); report.Rebuilt {
			t.Fatalf("rebuild fired mid-burst at placement %d", i)
		}
	}
	if report := f.settle(250 * time.Millisecond); !report.Rebuilt {
		t.Fatal("expected rebuild after the quiet window")
	}
	if stats := f.authority.Scheduler().Stats(); stats.Rebuilds != 1 || stats.Triggers != 5 {
		t.Fatalf("expected one rebuild for five triggers, got %+v", stats)
	}
	if partition := f.authority.Partition(); partition.Len() != 1 {
		t.Fatalf("expected a single network, got %d", partition.Len())
	}
}

func TestPublishesChangesOnceAndTombstonesRemovals(t *testing.T) {
	store := persistence.NewMemoryStore()
	f := newFixture(t, testEngineConfig(), WithStore(store))
	f.authority.Publisher().Interests().Upsert(replication.Interest{ObserverID: "obs", Range: 100})
	f.place(t, node.New("r1", node.KindRelay, node.Vec3{}))
	f.place(t, node.New("r2", node.KindRelay, node.Vec3{X: 5}))

	f.settle(250 * time.Millisecond)
	first := f.inbox.drain()
	if len(first) != 1 || first[0].Count != 2 {
		t.Fatalf("expected one message carrying both relays, got %d", len(first))
	}
	f.authority.Step(context.Background(), 250*time.Millisecond)
	if idle := f.inbox.drain(); len(idle) != 0 {
		t.Fatalf("expected no messages without changes, got %d", len(idle))
	}
	if attrs, _ := store.Load(context.Background(), "r2"); attrs.Len() == 0 {
		t.Fatal("expected relay attributes persisted")
	}

	f.authority.Destroy("r2")
	report := f.settle(250 * time.Millisecond)
	if len(report.Removed) != 1 || report.Removed[0] != "r2" {
		t.Fatalf("expected r2 removal reported, got %v", report.Removed)
	}
	var tombstones int
	for _, msg := range f.inbox.drain() {
		for _, id := range msg.Removed {
			if id == "r2" {
				tombstones++
			}
		}
	}
	if tombstones != 1 {
		t.Fatalf("expected one tombstone for r2, got %d", tombstones)
	}
	if attrs, _ := store.Load(context.Background(), "r2"); attrs.Len() != 0 {
		t.Fatalf("expected r2 attributes deleted, got %+v", attrs)
	}
}

func TestReaddedNodeKeepsItsImageAndAttributes(t *testing.T) {
	store := persistence.NewMemoryStore()
	f := newFixture(t, testEngineConfig(), WithStore(store))
	f.authority.Publisher().Interests().Upsert(replication.Interest{ObserverID: "obs", Range: 100})
	f.place(t, node.New("r1", node.KindRelay, node.Vec3{}))
	f.place(t, node.New("r2", node.KindRelay, node.Vec3{X: 5}))
	f.settle(250 * time.Millisecond)
	f.inbox.drain()

	//1.- Destroy and register r2 again before the next step sees the removal.
	f.authority.Destroy("r2")
	f.place(t, node.New("r2", node.KindRelay, node.Vec3{X: 5}))
	if readded, _ := f.registry.Get("r2"); readded.NetworkID != "" {
		t.Fatalf("expected re-added node to wait for clustering, got network %q", readded.NetworkID)
	}

	report := f.settle(250 * time.Millisecond)
	if len(report.Removed) != 0 {
		t.Fatalf("expected no removal for a re-added node, got %v", report.Removed)
	}
	for _, msg := range f.inbox.drain() {
		for _, id := range msg.Removed {
			if id == "r2" {
				t.Fatalf("unexpected tombstone for live node r2 in %+v", msg)
			}
		}
	}
	if attrs, _ := store.Load(context.Background(), "r2"); attrs.Len() == 0 {
		t.Fatal("expected r2 attributes kept in the store")
	}
	r1, _ := f.registry.Get("r1")
	r2, _ := f.registry.Get("r2")
	if r2.NetworkID == "" || r2.NetworkID != r1.NetworkID {
		t.Fatalf("expected r2 back in r1's network, got %q and %q", r2.NetworkID, r1.NetworkID)
	}
	published := f.authority.Publisher().Published()
	if len(published[r1.NetworkID]) != 2 {
		t.Fatalf("expected both relays published, got %+v", published)
	}
}

type liveHandle struct{ alive atomic.Bool }

func (h *liveHandle) Valid() bool { return h.alive.Load() }

func TestInvalidNodesArePrunedBeforeClustering(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	handle := &liveHandle{}
	handle.alive.Store(true)
	doomed := node.New("doomed", node.KindRelay, node.Vec3{})
	doomed.Handle = handle
	f.place(t, doomed)
	f.place(t, node.New("keeper", node.KindRelay, node.Vec3{X: 100}))
	f.settle(250 * time.Millisecond)

	handle.alive.Store(false)
	report := f.authority.Step(context.Background(), 250*time.Millisecond)
	if len(report.Pruned) != 1 || report.Pruned[0] != "doomed" {
		t.Fatalf("expected doomed pruned, got %v", report.Pruned)
	}
	if f.registry.Len() != 1 {
		t.Fatalf("expected one node left, got %d", f.registry.Len())
	}
	if after := f.settle(250 * time.Millisecond); !after.Rebuilt || len(after.Networks) != 1 {
		t.Fatalf("expected pruning to trigger a rebuild, got %+v", after)
	}
}

func TestFailedRebuildKeepsPreviousPartition(t *testing.T) {
	cfg := testEngineConfig()
	cfg.ReuseNetworkIDs = false
	calls := 0
	f := newFixture(t, cfg, WithClusterOptions(cluster.WithIDGenerator(func() string {
		calls++
		if calls > 1 {
			panic("identifier source exhausted")
		}
		return "net-only"
	})))
	f.place(t, node.New("r1", node.KindRelay, node.Vec3{}))
	if report := f.settle(250 * time.Millisecond); report.RebuildErr != nil {
		t.Fatalf("first rebuild: %v", report.RebuildErr)
	}

	f.place(t, node.New("r2", node.KindRelay, node.Vec3{X: 500}))
	report := f.settle(250 * time.Millisecond)
	if report.RebuildErr == nil {
		t.Fatal("expected rebuild failure")
	}
	partition := f.authority.Partition()
	if partition.Len() != 1 || partition.Networks[0].ID != "net-only" {
		t.Fatalf("expected previous partition kept, got %+v", partition.Networks)
	}
	if len(report.Networks) != 1 {
		t.Fatalf("expected only the clustered network simulated, got %+v", report.Networks)
	}
	if f.authority.Scheduler().State().String() != "idle" {
		t.Fatalf("expected scheduler idle after failure, got %s", f.authority.Scheduler().State())
	}
}

func TestParallelTicksMatchSequentialTicks(t *testing.T) {
	run := func(parallel bool) TickReport {
		cfg := testEngineConfig()
		cfg.ParallelTicks = parallel
		f := newFixture(t, cfg)
		for i := 0; i < 4; i++ {
			x := float64(i) * 100
			f.place(t, source(fmt.Sprintf("src-%d", i), node.Vec3{X: x}))
			f.place(t, consumer(fmt.Sprintf("load-%d", i), node.Vec3{X: x + 5}, float64(i+1)*6))
			f.place(t, battery(fmt.Sprintf("bat-%d", i), node.Vec3{X: x + 2}))
		}
		return f.settle(250 * time.Millisecond)
	}
	sequential := run(false)
	parallel := run(true)
	if len(sequential.Networks) != 4 {
		t.Fatalf("expected four networks, got %d", len(sequential.Networks))
	}
	if !reflect.DeepEqual(sequential.Networks, parallel.Networks) || sequential.Total != parallel.Total {
		t.Fatalf("parallel ticks diverged:\n%+v\n%+v", sequential.Networks, parallel.Networks)
	}
}

type hookedPool struct {
	onDrain func()
}

func (p *hookedPool) AveragePoolLevel() float64        { return 0.5 }
func (p *hookedPool) AddToPool(amount float64) float64 { return amount }
func (p *hookedPool) SubtractFromPool(amount float64) float64 {
	if p.onDrain != nil {
		p.onDrain()
		p.onDrain = nil
	}
	return amount
}

type singlePool struct{ pool actors.Pool }

func (s singlePool) PoolFor([]string) actors.Pool { return s.pool }

func TestUpdatesMadeDuringTickSurviveWriteBack(t *testing.T) {
	pool := &hookedPool{}
	engine := simulation.NewEngine(simulation.WithPools(singlePool{pool: pool}))
	f := newFixture(t, testEngineConfig(), WithEngine(engine))
	gate := node.New("gate", node.KindConduit, node.Vec3{})
	gate.Conduit = &node.ConduitState{Mode: node.ModeDrain, TransferRate: 10}
	gate.Conduit.SetActors([]string{"p1"})
	f.place(t, gate)
	f.place(t, consumer("c", node.Vec3{X: 5}, 4))

	//1.- A collaborator switches the demand off while the engine is mid-tick.
	var updateErr error
	pool.onDrain = func() {
		updateErr = f.registry.Update("c", func(n *node.Node) { n.Consumer.Demand = false })
	}
	report := f.settle(250 * time.Millisecond)
	if updateErr != nil {
		t.Fatalf("update during tick: %v", updateErr)
	}
	if !report.Rebuilt || len(report.Networks) != 1 {
		t.Fatalf("expected one network, got %+v", report.Networks)
	}

	//2.- The engine's figures are written back without clobbering the update.
	c, _ := f.registry.Get("c")
	if c.Consumer.Demand {
		t.Fatal("expected demand switched off during the tick to survive the write-back")
	}
	if !almostEqual(c.Consumer.Served, 1) {
		t.Fatalf("expected served energy written back, got %+v", c.Consumer)
	}
	g, _ := f.registry.Get("gate")
	if !almostEqual(g.Conduit.Transferred, 2.5) {
		t.Fatalf("expected conduit transfer written back, got %+v", g.Conduit)
	}
}
