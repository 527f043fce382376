package membership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"powernet/broker/internal/actors"
	"powernet/broker/internal/logging"
	"powernet/broker/internal/node"
	"powernet/broker/internal/registry"
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

func TestGateRejectsReplayedSequence(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0)}
	gate := NewGate(GateConfig{MaxAge: time.Second, MinInterval: 50 * time.Millisecond}, clock, logging.NewTestLogger())

	if decision := gate.Evaluate(Frame{ActorID: "p1", Sequence: 4}); !decision.Accepted {
		t.Fatalf("first report rejected: %+v", decision)
	}
	clock.Advance(time.Second)
	if decision := gate.Evaluate(Frame{ActorID: "p1", Sequence: 4}); decision.Accepted || decision.Reason != DropReasonSequence {
		t.Fatalf("expected sequence drop, got %+v", decision)
	}
	if decision := gate.Evaluate(Frame{ActorID: "p1", Sequence: 0}); decision.Reason != DropReasonSequence {
		t.Fatalf("expected zero sequence drop, got %+v", decision)
	}
	if drops := gate.Drops()["p1"]; drops.Sequence != 2 {
		t.Fatalf("sequence drops = %d, want 2", drops.Sequence)
	}
}

func TestGateRejectsStaleAndBurstReports(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0)}
	gate := NewGate(GateConfig{MaxAge: time.Second, MinInterval: 50 * time.Millisecond}, clock, logging.NewTestLogger())

	stale := gate.Evaluate(Frame{ActorID: "p1", Sequence: 1, SentAt: clock.Now().Add(-3 * time.Second)})
	if stale.Accepted || stale.Reason != DropReasonStale || stale.Delay != 3*time.Second {
		t.Fatalf("expected stale drop, got %+v", stale)
	}
	if decision := gate.Evaluate(Frame{ActorID: "p1", Sequence: 2}); !decision.Accepted {
		t.Fatalf("expected fresh report accepted, got %+v", decision)
	}
	clock.Advance(10 * time.Millisecond)
	if decision := gate.Evaluate(Frame{ActorID: "p1", Sequence: 3}); decision.Reason != DropReasonRateLimited {
		t.Fatalf("expected rate limit drop, got %+v", decision)
	}
	clock.Advance(100 * time.Millisecond)
	if decision := gate.Evaluate(Frame{ActorID: "p1", Sequence: 3}); !decision.Accepted {
		t.Fatalf("expected report accepted after interval, got %+v", decision)
	}

	gate.Forget("p1")
	if len(gate.Drops()) != 0 {
		t.Fatalf("expected counters cleared, got %v", gate.Drops())
	}
	if decision := gate.Evaluate(Frame{ActorID: "p1", Sequence: 1}); !decision.Accepted {
		t.Fatalf("expected fresh session accepted, got %+v", decision)
	}
}

func TestOccupancyKeepsActorInOneConduit(t *testing.T) {
	occupancy := NewOccupancy()
	if _, moved := occupancy.Enter("c1", "p1", "obs"); moved {
		t.Fatal("first entry should not report a move")
	}
	left, moved := occupancy.Enter("c2", "p1", "obs")
	if !moved || left != "c1" {
		t.Fatalf("expected move out of c1, got %q %v", left, moved)
	}
	if got := occupancy.Actors("c1"); len(got) != 0 {
		t.Fatalf("expected c1 empty, got %v", got)
	}
	if conduit, ok := occupancy.ConduitOf("p1"); !ok || conduit != "c2" {
		t.Fatalf("expected p1 in c2, got %q", conduit)
	}
	if occupancy.Exit("c1", "p1") {
		t.Fatal("exit from a conduit the actor is not in should be a no-op")
	}
	occupancy.Enter("c2", "p2", "other")
	left2 := occupancy.ForgetSender("obs")
	if len(left2) != 1 || len(left2["c2"]) != 1 || left2["c2"][0] != "p1" {
		t.Fatalf("unexpected sender eviction %v", left2)
	}
	if evicted := occupancy.ForgetConduit("c2"); len(evicted) != 1 || evicted[0] != "p2" {
		t.Fatalf("unexpected conduit eviction %v", evicted)
	}
}

func newTrackerFixture(t *testing.T) (*Tracker, *registry.Registry, *actors.Roster) {
	t.Helper()
	reg := registry.New(registry.WithLogger(logging.NewTestLogger()))
	ctx := context.Background()
	for _, n := range []*node.Node{
		node.New("c1", node.KindConduit, node.Vec3{}),
		node.New("c2", node.KindConduit, node.Vec3{X: 5}),
		node.New("src", node.KindSource, node.Vec3{X: 2}),
	} {
		if _, err := reg.Add(ctx, n); err != nil {
			t.Fatalf("add %s: %v", n.ID, err)
		}
	}
	roster := actors.NewRoster()
	tracker := NewTracker(reg, nil, WithRoster(roster, 50), WithLogger(logging.NewTestLogger()))
	reg.Subscribe(tracker.HandleRegistryEvent)
	return tracker, reg, roster
}

func conduitActors(t *testing.T, reg *registry.Registry, id node.ID) []string {
	t.Helper()
	n, ok := reg.Get(id)
	if !ok {
		t.Fatalf("conduit %s missing", id)
	}
	return n.Conduit.Actors
}

func TestTrackerAppliesEnterAndExit(t *testing.T) {
	tracker, reg, roster := newTrackerFixture(t)
	ctx := context.Background()

	if err := tracker.Apply(ctx, "obs", &wire.ActorMembership{ConduitID: "c1", ActorID: "p1", Entered: true, Sequence: 1}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if got := conduitActors(t, reg, "c1"); len(got) != 1 || got[0] != "p1" {
		t.Fatalf("expected p1 in c1, got %v", got)
	}
	if actor, err := roster.Get("p1"); err != nil || actor.Capacity != 50 {
		t.Fatalf("expected actor joined to roster, got %+v %v", actor, err)
	}

	if err := tracker.Apply(ctx, "obs", &wire.ActorMembership{ConduitID: "c2", ActorID: "p1", Entered: true, Sequence: 2}); err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := conduitActors(t, reg, "c1"); len(got) != 0 {
		t.Fatalf("expected c1 emptied after move, got %v", got)
	}
	if got := conduitActors(t, reg, "c2"); len(got) != 1 {
		t.Fatalf("expected p1 in c2, got %v", got)
	}

	if err := tracker.Apply(ctx, "obs", &wire.ActorMembership{ConduitID: "c2", ActorID: "p1", Entered: false, Sequence: 3}); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if got := conduitActors(t, reg, "c2"); len(got) != 0 {
		t.Fatalf("expected c2 empty, got %v", got)
	}
}

func TestTrackerRejectsBadTargets(t *testing.T) {
	tracker, _, _ := newTrackerFixture(t)
	ctx := context.Background()

	err := tracker.Apply(ctx, "obs", &wire.ActorMembership{ConduitID: "src", ActorID: "p1", Entered: true, Sequence: 1})
	if !errors.Is(err, ErrNotConduit) {
		t.Fatalf("expected not-conduit error, got %v", err)
	}
	err = tracker.Apply(ctx, "obs", &wire.ActorMembership{ConduitID: "ghost", ActorID: "p1", Entered: true, Sequence: 2})
	if !errors.Is(err, registry.ErrUnknownNode) {
		t.Fatalf("expected unknown node error, got %v", err)
	}
	err = tracker.Apply(ctx, "obs", &wire.ActorMembership{ConduitID: "c1", ActorID: "", Entered: true, Sequence: 3})
	if !errors.Is(err, wire.ErrInvalidMessage) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTrackerGateDropsOutOfOrderReports(t *testing.T) {
	reg := registry.New(registry.WithLogger(logging.NewTestLogger()))
	if _, err := reg.Add(context.Background(), node.New("c1", node.KindConduit, node.Vec3{})); err != nil {
		t.Fatalf("add: %v", err)
	}
	gate := NewGate(GateConfig{}, &fakeClock{now: time.Unix(0, 0)}, logging.NewTestLogger())
	var drops []string
	tracker := NewTracker(reg, gate, WithLogger(logging.NewTestLogger()), WithDropObserver(func(reason string) { drops = append(drops, reason) }))
	ctx := context.Background()

	if err := tracker.Apply(ctx, "obs", &wire.ActorMembership{ConduitID: "c1", ActorID: "p1", Entered: true, Sequence: 5}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	err := tracker.Apply(ctx, "obs", &wire.ActorMembership{ConduitID: "c1", ActorID: "p1", Entered: false, Sequence: 4})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejected exit, got %v", err)
	}
	if got := conduitActors(t, reg, "c1"); len(got) != 1 {
		t.Fatalf("expected stale exit ignored, got %v", got)
	}
	if len(drops) != 1 || drops[0] != string(DropReasonSequence) {
		t.Fatalf("expected one sequence drop, got %v", drops)
	}
}

func TestTrackerForgetsDisconnectedSenderAndRemovedConduit(t *testing.T) {
	tracker, reg, _ := newTrackerFixture(t)
	ctx := context.Background()
	_ = tracker.Apply(ctx, "obs-a", &wire.ActorMembership{ConduitID: "c1", ActorID: "p1", Entered: true, Sequence: 1})
	_ = tracker.Apply(ctx, "obs-b", &wire.ActorMembership{ConduitID: "c1", ActorID: "p2", Entered: true, Sequence: 1})
	_ = tracker.Apply(ctx, "obs-b", &wire.ActorMembership{ConduitID: "c2", ActorID: "p3", Entered: true, Sequence: 1})

	tracker.Disconnect("obs-a")
	if got := conduitActors(t, reg, "c1"); len(got) != 1 || got[0] != "p2" {
		t.Fatalf("expected only p2 left in c1, got %v", got)
	}

	reg.Remove("c2")
	if _, ok := tracker.Occupancy().ConduitOf("p3"); ok {
		t.Fatal("expected occupants of removed conduit to be evicted")
	}
}
