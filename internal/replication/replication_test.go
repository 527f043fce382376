package replication

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"powernet/broker/internal/logging"
	"powernet/broker/internal/node"
	"powernet/broker/internal/wire"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent map[string][]*wire.NodesChanged
	fail map[string]bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{sent: make(map[string][]*wire.NodesChanged), fail: make(map[string]bool)}
}

func (t *recordingTransport) Send(_ context.Context, observerID string, msg *wire.NodesChanged) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail[observerID] {
		return errors.New("socket closed")
	}
	t.sent[observerID] = append(t.sent[observerID], msg)
	return nil
}

func (t *recordingTransport) count(observerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent[observerID])
}

func newPublisher(transport Transport) *Publisher {
	return NewPublisher(NewInterests(), transport,
		WithPublisherLogger(logging.NewTestLogger()),
		WithPublisherClock(func() time.Time { return time.UnixMilli(1000) }))
}

func placed(id string, kind node.Kind, x float64, networkID string) *node.Node {
	n := node.New(node.ID(id), kind, node.Vec3{X: x})
	n.NetworkID = networkID
	return n
}

func TestFanOutSendsOneMessagePerIntersectingObserver(t *testing.T) {
	transport := newRecordingTransport()
	p := newPublisher(transport)
	p.Interests().Upsert(Interest{ObserverID: "near-both", Position: node.Vec3{X: 5}, Range: 10})
	p.Interests().Upsert(Interest{ObserverID: "near-one", Position: node.Vec3{X: -5}, Range: 6})
	p.Interests().Upsert(Interest{ObserverID: "far", Position: node.Vec3{X: 500}, Range: 10})

	changed := []*node.Node{placed("a", node.KindSource, 0, "net"), placed("b", node.KindConsumer, 10, "net")}
	report := p.PublishChanges(context.Background(), "net", 1, changed)

	if report.Messages != 2 || report.Changed != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if transport.count("near-both") != 1 || transport.count("near-one") != 1 || transport.count("far") != 0 {
		t.Fatalf("unexpected fan-out %v", transport.sent)
	}
	msg := transport.sent["near-one"][0]
	if msg.Count != 2 || len(msg.Nodes) != 2 || msg.NetworkID != "net" || msg.Tick != 1 {
		t.Fatalf("expected full change list in one message, got %+v", msg)
	}
}

func TestDiffOnlyReportsChangedNodes(t *testing.T) {
	p := newPublisher(nil)
	a := placed("a", node.KindStorage, 0, "net")
	b := placed("b", node.KindStorage, 1, "net")
	first := p.Diff([]*node.Node{a, b})
	if len(first) != 2 {
		t.Fatalf("expected everything new to be changed, got %d", len(first))
	}
	p.PublishChanges(context.Background(), "net", 1, first)

	b2 := b.Clone()
	b2.Storage.Stored = 5
	a2 := a.Clone()
	a2.Handle = nil
	changed := p.Diff([]*node.Node{a2, b2})
	if len(changed) != 1 || changed[0].ID != "b" {
		t.Fatalf("expected only b changed, got %v", changed)
	}
	moved := a.Clone()
	moved.NetworkID = "other"
	if len(p.Diff([]*node.Node{moved})) != 1 {
		t.Fatal("expected network reassignment to count as a change")
	}
}

func TestSendFailureIsCountedNotFatal(t *testing.T) {
	transport := newRecordingTransport()
	transport.fail["broken"] = true
	p := newPublisher(transport)
	p.Interests().Upsert(Interest{ObserverID: "broken", Range: 100})
	p.Interests().Upsert(Interest{ObserverID: "ok", Range: 100})
	report := p.PublishChanges(context.Background(), "net", 1, []*node.Node{placed("a", node.KindRelay, 0, "net")})
	if report.Failures != 1 || report.Messages != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRegisterSendsInitialStatePerNetwork(t *testing.T) {
	transport := newRecordingTransport()
	p := newPublisher(transport)
	p.PublishChanges(context.Background(), "n1", 3, []*node.Node{placed("a", node.KindSource, 0, "n1"), placed("b", node.KindConsumer, 2, "n1")})
	p.PublishChanges(context.Background(), "n2", 4, []*node.Node{placed("c", node.KindSource, 4, "n2"), placed("far", node.KindSource, 400, "n2")})

	sent := p.Register(context.Background(), Interest{ObserverID: "obs", Position: node.Vec3{}, Range: 10})
	if sent != 2 || transport.count("obs") != 2 {
		t.Fatalf("expected one message per network, got %d", sent)
	}
	second := transport.sent["obs"][1]
	if second.NetworkID != "n2" || second.Count != 1 || second.NodeIDs[0] != "c" {
		t.Fatalf("expected only covered node of n2, got %+v", second)
	}
	if again := p.Register(context.Background(), Interest{ObserverID: "obs", Position: node.Vec3{}, Range: 10}); again != 0 {
		t.Fatalf("expected unchanged interest not to resend, got %d", again)
	}
}

func TestPublishRemovalsUsesLastPosition(t *testing.T) {
	transport := newRecordingTransport()
	p := newPublisher(transport)
	p.Interests().Upsert(Interest{ObserverID: "obs", Range: 5})
	p.PublishChanges(context.Background(), "net", 1, []*node.Node{placed("a", node.KindRelay, 1, "net")})

	reports := p.PublishRemovals(context.Background(), 2, []node.ID{"a", "never-published"})
	if len(reports) != 1 || reports[0].Messages != 1 {
		t.Fatalf("unexpected removal reports %+v", reports)
	}
	last := transport.sent["obs"][len(transport.sent["obs"])-1]
	if len(last.Removed) != 1 || last.Removed[0] != "a" || last.Count != 0 {
		t.Fatalf("expected tombstone message, got %+v", last)
	}
	if len(p.Diff([]*node.Node{placed("a", node.KindRelay, 1, "net")})) != 1 {
		t.Fatal("expected removed node to be forgotten by the publisher")
	}
}

func update(networkID string, tick uint64, nodes ...*node.Node) *wire.NodesChanged {
	states := make([]wire.NodeState, 0, len(nodes))
	for _, n := range nodes {
		states = append(states, wire.NewNodeState(n, tick))
	}
	return wire.NewNodesChanged(networkID, tick, states, nil, time.Time{})
}

func TestReplicaApplyIsIdempotent(t *testing.T) {
	replica := NewReplica()
	bat := placed("bat", node.KindStorage, 0, "net")
	bat.Storage.Stored = 7
	msg := update("net", 5, bat)

	first, err := replica.ApplyUpdate(msg)
	if err != nil || first.Applied != 1 {
		t.Fatalf("first apply: %+v %v", first, err)
	}
	if _, err := replica.ApplyUpdate(msg); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	got, ok := replica.Get("bat")
	if !ok || got.Storage.Stored != 7 || replica.Len() != 1 {
		t.Fatalf("unexpected replica state %+v", got)
	}
	if dirty := replica.ConsumeDirty(); len(dirty) != 1 || dirty[0] != "net" {
		t.Fatalf("expected net dirty, got %v", dirty)
	}
	if dirty := replica.ConsumeDirty(); len(dirty) != 0 {
		t.Fatalf("expected dirty set cleared, got %v", dirty)
	}
}

func TestReplicaConvergesRegardlessOfArrivalOrder(t *testing.T) {
	stale := placed("bat", node.KindStorage, 0, "net")
	stale.Storage.Stored = 1
	fresh := stale.Clone()
	fresh.Storage.Stored = 9

	inOrder := NewReplica()
	_, _ = inOrder.ApplyUpdate(update("net", 1, stale))
	_, _ = inOrder.ApplyUpdate(update("net", 2, fresh))

	reversed := NewReplica()
	_, _ = reversed.ApplyUpdate(update("net", 2, fresh))
	result, _ := reversed.ApplyUpdate(update("net", 1, stale))
	if result.Stale != 1 {
		t.Fatalf("expected stale update to be skipped, got %+v", result)
	}

	a, _ := inOrder.Get("bat")
	b, _ := reversed.Get("bat")
	if a.Storage.Stored != 9 || b.Storage.Stored != 9 {
		t.Fatalf("expected both replicas at fresh state, got %v and %v", a.Storage.Stored, b.Storage.Stored)
	}
}

func TestReplicaRemovalTombstoneBlocksStaleResurrection(t *testing.T) {
	replica := NewReplica()
	relay := placed("r", node.KindRelay, 0, "net")
	_, _ = replica.ApplyUpdate(update("net", 1, relay))
	removal := wire.NewNodesChanged("net", 3, nil, []node.ID{"r"}, time.Time{})
	if result, _ := replica.ApplyUpdate(removal); result.Removed != 1 {
		t.Fatalf("expected removal, got %+v", result)
	}
	_, _ = replica.ApplyUpdate(update("net", 2, relay))
	if _, ok := replica.Get("r"); ok {
		t.Fatal("expected stale update not to resurrect removed node")
	}
	_, _ = replica.ApplyUpdate(update("net", 4, relay))
	if _, ok := replica.Get("r"); !ok {
		t.Fatal("expected newer update to re-add node")
	}
}

func TestReplicaNetworkMoveMarksBothDirty(t *testing.T) {
	replica := NewReplica()
	_, _ = replica.ApplyUpdate(update("old", 1, placed("a", node.KindRelay, 0, "old")))
	replica.ConsumeDirty()
	_, _ = replica.ApplyUpdate(update("new", 2, placed("a", node.KindRelay, 0, "new")))
	dirty := replica.ConsumeDirty()
	if len(dirty) != 2 || dirty[0] != "new" || dirty[1] != "old" {
		t.Fatalf("expected both networks dirty, got %v", dirty)
	}
	if networks := replica.Networks(); len(networks["new"]) != 1 || len(networks["old"]) != 0 {
		t.Fatalf("unexpected grouping %v", networks)
	}
}

func TestRolesRouteMessages(t *testing.T) {
	transport := newRecordingTransport()
	publisher := newPublisher(transport)
	var memberships []*wire.ActorMembership
	authority := NewAuthorityRole(publisher, func(_ context.Context, _ string, msg *wire.ActorMembership) error {
		memberships = append(memberships, msg)
		return nil
	})
	ctx := context.Background()

	if err := authority.Handle(ctx, "obs", &wire.Interest{ObserverID: "obs", Range: 5}); err != nil {
		t.Fatalf("interest: %v", err)
	}
	if publisher.Interests().Len() != 1 {
		t.Fatal("expected interest registered")
	}
	if err := authority.Handle(ctx, "obs", &wire.Interest{ObserverID: "someone-else", Range: 5}); !errors.Is(err, wire.ErrInvalidMessage) {
		t.Fatalf("expected spoofed interest rejected, got %v", err)
	}
	if err := authority.Handle(ctx, "obs", &wire.ActorMembership{ConduitID: "c", ActorID: "p", Sequence: 1}); err != nil || len(memberships) != 1 {
		t.Fatalf("expected membership forwarded, got %v", err)
	}
	if err := authority.Handle(ctx, "obs", update("net", 1)); !errors.Is(err, ErrUnsupportedMessage) {
		t.Fatalf("expected authority to reject node updates, got %v", err)
	}
	authority.Disconnect("obs")
	if publisher.Interests().Len() != 0 {
		t.Fatal("expected disconnect to forget interest")
	}

	applied := 0
	observer := NewObserverRole(nil, func(*wire.NodesChanged, ApplyResult) { applied++ })
	if observer.Authoritative() || !authority.Authoritative() {
		t.Fatal("unexpected authority flags")
	}
	if err := observer.Handle(ctx, "", update("net", 1, placed("a", node.KindRelay, 0, "net"))); err != nil || applied != 1 {
		t.Fatalf("expected update applied, got %v", err)
	}
	if err := observer.Handle(ctx, "", &wire.Interest{ObserverID: "x"}); !errors.Is(err, ErrUnsupportedMessage) {
		t.Fatalf("expected observer to reject interest, got %v", err)
	}
}

func TestDispatcherDeliversAsynchronously(t *testing.T) {
	release := make(chan struct{})
	var delivered sync.WaitGroup
	delivered.Add(2)
	slow := TransportFunc(func(context.Context, string, *wire.NodesChanged) error {
		<-release
		delivered.Done()
		return nil
	})
	dispatcher := NewDispatcher(slow, 1, logging.NewTestLogger())

	msg := update("net", 1)
	if err := dispatcher.Send(context.Background(), "a", msg); err != nil {
		t.Fatalf("first send: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	var err error
	for time.Now().Before(deadline) {
		if err = dispatcher.Send(context.Background(), "b", msg); err == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	close(release)
	delivered.Wait()
	dispatcher.Close()
	if dispatcher.Delivered() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", dispatcher.Delivered())
	}
	if err := dispatcher.Send(context.Background(), "c", msg); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestFailedSendIsRedeliveredAfterRecovery(t *testing.T) {
	ctx := context.Background()
	replica := NewReplica()
	failures := 1
	delivered := 0
	transport := TransportFunc(func(_ context.Context, observerID string, msg *wire.NodesChanged) error {
		if failures > 0 {
			failures--
			return errors.New("send queue full")
		}
		delivered++
		_, err := replica.ApplyUpdate(msg)
		return err
	})
	p := newPublisher(transport)
	p.Interests().Upsert(Interest{ObserverID: "r", Range: 100})
	nodes := []*node.Node{placed("gen", node.KindSource, 0, "net"), placed("load", node.KindConsumer, 5, "net")}

	//1.- The first publish is lost on the way to r.
	if report := p.PublishChanges(ctx, "net", 1, p.Diff(nodes)); report.Failures != 1 {
		t.Fatalf("expected the first send to fail, got %+v", report)
	}
	if pending := p.Undelivered("r"); pending != 2 {
		t.Fatalf("expected 2 backlogged nodes, got %d", pending)
	}

	//2.- Nothing changes afterwards, so the diff alone would never resend.
	for tick := uint64(2); tick <= 9; tick++ {
		p.Redeliver(ctx)
		if changed := p.Diff(nodes); len(changed) > 0 {
			p.PublishChanges(ctx, "net", tick, changed)
		}
	}
	if delivered != 1 {
		t.Fatalf("expected exactly one resend, got %d", delivered)
	}
	if replica.Len() != 2 {
		t.Fatalf("expected replica to hold both nodes, got %d", replica.Len())
	}
	if state, ok := replica.State("load"); !ok || state.Tick != 1 {
		t.Fatalf("expected the tick 1 image of load, got %+v", state)
	}
	if pending := p.Undelivered("r"); pending != 0 {
		t.Fatalf("expected backlog drained, got %d", pending)
	}
}

func TestRedeliverSendsTombstoneForNodeRemovedWhileBacklogged(t *testing.T) {
	ctx := context.Background()
	transport := newRecordingTransport()
	p := newPublisher(transport)
	p.Interests().Upsert(Interest{ObserverID: "r", Range: 100})
	p.PublishChanges(ctx, "net", 1, []*node.Node{placed("a", node.KindRelay, 0, "net")})

	transport.mu.Lock()
	transport.fail["r"] = true
	transport.mu.Unlock()
	p.PublishChanges(ctx, "net", 2, []*node.Node{placed("a", node.KindRelay, 1, "net")})
	p.PublishRemovals(ctx, 3, []node.ID{"a"})

	transport.mu.Lock()
	transport.fail["r"] = false
	transport.mu.Unlock()
	reports := p.Redeliver(ctx)
	if len(reports) != 1 || reports[0].Messages != 1 || !reports[0].Resent {
		t.Fatalf("unexpected redelivery reports %+v", reports)
	}
	last := transport.sent["r"][len(transport.sent["r"])-1]
	if last.Count != 0 || len(last.Removed) != 1 || last.Removed[0] != "a" || last.Tick != 3 {
		t.Fatalf("expected only the tombstone to be resent, got %+v", last)
	}
}

func TestRedeliverDropsBacklogOfDepartedObserver(t *testing.T) {
	transport := newRecordingTransport()
	transport.fail["gone"] = true
	p := newPublisher(transport)
	p.Interests().Upsert(Interest{ObserverID: "gone", Range: 100})
	p.PublishChanges(context.Background(), "net", 1, []*node.Node{placed("a", node.KindRelay, 0, "net")})
	p.Unregister("gone")
	if p.Undelivered("gone") != 0 {
		t.Fatal("expected unregister to clear the backlog")
	}
	p.MarkUndelivered("gone", update("net", 1, placed("a", node.KindRelay, 0, "net")))
	if reports := p.Redeliver(context.Background()); len(reports) != 0 {
		t.Fatalf("expected no resend to an unknown observer, got %+v", reports)
	}
}

func TestDispatcherReportsDeliveryFailures(t *testing.T) {
	failed := make(chan string, 1)
	broken := TransportFunc(func(context.Context, string, *wire.NodesChanged) error {
		return errors.New("send queue full")
	})
	dispatcher := NewDispatcher(broken, 4, logging.NewTestLogger(),
		WithDeliveryFailure(func(observerID string, _ *wire.NodesChanged) { failed <- observerID }))
	if err := dispatcher.Send(context.Background(), "r", update("net", 1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	dispatcher.Close()
	select {
	case observerID := <-failed:
		if observerID != "r" {
			t.Fatalf("expected failure for r, got %s", observerID)
		}
	default:
		t.Fatal("expected the delivery failure to be reported")
	}
	if dispatcher.Delivered() != 0 {
		t.Fatalf("expected no deliveries, got %d", dispatcher.Delivered())
	}
}
