package replication

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"powernet/broker/internal/logging"
	"powernet/broker/internal/node"
	"powernet/broker/internal/spatial"
	"powernet/broker/internal/wire"
)

// Transport delivers a message to one observer. Implementations must not
// assume the caller waits for acknowledgement.
type Transport interface {
	Send(ctx context.Context, observerID string, msg *wire.NodesChanged) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, observerID string, msg *wire.NodesChanged) error

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, observerID string, msg *wire.NodesChanged) error {
	return f(ctx, observerID, msg)
}

// Report summarises one publish call.
type Report struct {
	NetworkID string
	Changed   int
	Messages  int
	Failures  int
	Observers []string
	// Resent is set on reports produced by Redeliver.
	Resent bool
}

// PublisherOption customises the publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger overrides the logger used for send failures.
func WithPublisherLogger(logger *logging.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPublisherClock injects the time source used for message timestamps.
func WithPublisherClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

// WithSentHook registers a callback for every message handed to the transport.
func WithSentHook(fn func(observerID string, msg *wire.NodesChanged)) PublisherOption {
	return func(p *Publisher) {
		p.onSent = fn
	}
}

// Publisher runs on the authority. It remembers the last published image of
// every node, diffs tick results against it and fans changes out to the
// observers whose interest covers them.
type Publisher struct {
	mu        sync.Mutex
	published map[node.ID]wire.NodeState
	index     *spatial.GridIndex
	// backlog holds, per observer, what a failed send never delivered.
	backlog map[string]*backlog

	interests *Interests
	transport Transport
	logger    *logging.Logger
	now       func() time.Time
	onSent    func(string, *wire.NodesChanged)
}

// NewPublisher constructs a publisher over interests delivering through transport.
func NewPublisher(interests *Interests, transport Transport, opts ...PublisherOption) *Publisher {
	if interests == nil {
		interests = NewInterests()
	}
	p := &Publisher{
		published: make(map[node.ID]wire.NodeState),
		index:     spatial.NewGridIndex(0),
		backlog:   make(map[string]*backlog),
		interests: interests,
		transport: transport,
		logger:    logging.L(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Interests exposes the observer table.
func (p *Publisher) Interests() *Interests {
	if p == nil {
		return nil
	}
	return p.interests
}

// Diff returns the nodes whose state differs from the last published image.
func (p *Publisher) Diff(nodes []*node.Node) []*node.Node {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := make([]*node.Node, 0)
	for _, n := range nodes {
		if n == nil {
			continue
		}
		last, ok := p.published[n.ID]
		if ok && sameImage(&last.Node, n) {
			continue
		}
		changed = append(changed, n)
	}
	return changed
}

// PublishChanges records changed as published at tick and sends the whole
// change list once to every observer whose interest covers at least one of them.
func (p *Publisher) PublishChanges(ctx context.Context, networkID string, tick uint64, changed []*node.Node) Report {
	report := Report{NetworkID: networkID, Changed: len(changed)}
	if p == nil || len(changed) == 0 {
		return report
	}

	//1.- Capture the images first so the next diff sees them even if nobody listens.
	states := make([]wire.NodeState, 0, len(changed))
	positions := make([]node.Vec3, 0, len(changed))
	p.mu.Lock()
	for _, n := range changed {
		state := wire.NewNodeState(n, tick)
		p.published[n.ID] = state
		p.index.Update(string(n.ID), n.Position)
		states = append(states, state)
		positions = append(positions, n.Position)
	}
	p.mu.Unlock()

	//2.- Resolve the audience once per batch so each observer gets one message.
	report.Observers = p.interests.Audience(positions)
	for _, observerID := range report.Observers {
		msg := wire.NewNodesChanged(networkID, tick, states, nil, p.now())
		if p.send(ctx, observerID, msg) {
			report.Messages++
		} else {
			report.Failures++
		}
	}
	return report
}

// PublishRemovals tells observers near the last published position of each
// removed node to drop it, grouped per network. Nodes never published are ignored.
func (p *Publisher) PublishRemovals(ctx context.Context, tick uint64, removed []node.ID) []Report {
	if p == nil || len(removed) == 0 {
		return nil
	}
	type group struct {
		ids       []node.ID
		positions []node.Vec3
	}
	groups := make(map[string]*group)
	p.mu.Lock()
	for _, id := range removed {
		last, ok := p.published[id]
		if !ok {
			continue
		}
		delete(p.published, id)
		p.index.Remove(string(id))
		g, exists := groups[last.NetworkID]
		if !exists {
			g = &group{}
			groups[last.NetworkID] = g
		}
		g.ids = append(g.ids, id)
		g.positions = append(g.positions, last.Position)
	}
	p.mu.Unlock()

	networkIDs := make([]string, 0, len(groups))
	for networkID := range groups {
		networkIDs = append(networkIDs, networkID)
	}
	sort.Strings(networkIDs)

	reports := make([]Report, 0, len(groups))
	for _, networkID := range networkIDs {
		g := groups[networkID]
		report := Report{NetworkID: networkID, Changed: len(g.ids), Observers: p.interests.Audience(g.positions)}
		for _, observerID := range report.Observers {
			msg := wire.NewNodesChanged(networkID, tick, nil, g.ids, p.now())
			if p.send(ctx, observerID, msg) {
				report.Messages++
			} else {
				report.Failures++
			}
		}
		reports = append(reports, report)
	}
	return reports
}

// Register upserts an observer's interest and, when it is new or moved, sends
// the published state of every covered node, one message per network.
func (p *Publisher) Register(ctx context.Context, interest Interest) int {
	if p == nil || !p.interests.Upsert(interest) {
		return 0
	}
	p.mu.Lock()
	byNetwork := make(map[string][]wire.NodeState)
	var tick uint64
	for _, id := range p.index.Within(interest.Position, interest.Range) {
		state, ok := p.published[node.ID(id)]
		if !ok {
			continue
		}
		byNetwork[state.NetworkID] = append(byNetwork[state.NetworkID], state)
		if state.Tick > tick {
			tick = state.Tick
		}
	}
	p.mu.Unlock()

	networkIDs := make([]string, 0, len(byNetwork))
	for networkID := range byNetwork {
		networkIDs = append(networkIDs, networkID)
	}
	sort.Strings(networkIDs)
	sent := 0
	for _, networkID := range networkIDs {
		states := byNetwork[networkID]
		sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
		if p.send(ctx, interest.ObserverID, wire.NewNodesChanged(networkID, tick, states, nil, p.now())) {
			sent++
		}
	}
	return sent
}

// Unregister forgets an observer.
func (p *Publisher) Unregister(observerID string) bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	delete(p.backlog, observerID)
	p.mu.Unlock()
	return p.interests.Remove(observerID)
}

// Published returns the last published image of every node grouped by network.
func (p *Publisher) Published() map[string][]wire.NodeState {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]wire.NodeState)
	for _, state := range p.published {
		out[state.NetworkID] = append(out[state.NetworkID], state)
	}
	for _, states := range out {
		sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	}
	return out
}

// Restore seeds the published images, typically from a state snapshot after restart.
func (p *Publisher) Restore(states []wire.NodeState) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, state := range states {
		p.published[state.ID] = state
		p.index.Update(string(state.ID), state.Position)
	}
}

func (p *Publisher) send(ctx context.Context, observerID string, msg *wire.NodesChanged) bool {
	if p.transport == nil {
		return false
	}
	if err := p.transport.Send(ctx, observerID, msg); err != nil {
		p.logger.Warn("sync send failed",
			logging.String("observer_id", observerID),
			logging.String("network_id", msg.NetworkID),
			logging.Error(err))
		p.MarkUndelivered(observerID, msg)
		return false
	}
	if p.onSent != nil {
		p.onSent(observerID, msg)
	}
	return true
}

func sameImage(published *node.Node, current *node.Node) bool {
	a := *published
	b := *current
	a.Handle, b.Handle = nil, nil
	return reflect.DeepEqual(a, b)
}
