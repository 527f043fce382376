package replication

import (
	"context"
	"sort"

	"powernet/broker/internal/node"
	"powernet/broker/internal/wire"
)

type removal struct {
	networkID string
	tick      uint64
}

// backlog is what one observer has not received yet. Images are resent from
// the latest published state, so only IDs are kept.
type backlog struct {
	images  map[node.ID]struct{}
	removed map[node.ID]removal
}

func (b *backlog) empty() bool { return len(b.images) == 0 && len(b.removed) == 0 }

// MarkUndelivered records that msg never reached observerID. Redeliver sends
// the affected nodes again on the next call.
func (p *Publisher) MarkUndelivered(observerID string, msg *wire.NodesChanged) {
	if p == nil || msg == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.backlog[observerID]
	if !ok {
		b = &backlog{images: make(map[node.ID]struct{}), removed: make(map[node.ID]removal)}
		p.backlog[observerID] = b
	}
	for _, state := range msg.Nodes {
		b.images[state.ID] = struct{}{}
		delete(b.removed, state.ID)
	}
	for _, id := range msg.Removed {
		delete(b.images, id)
		b.removed[id] = removal{networkID: msg.NetworkID, tick: msg.Tick}
	}
}

// Undelivered reports how many nodes are waiting to be resent to observerID.
func (p *Publisher) Undelivered(observerID string) int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.backlog[observerID]
	if !ok {
		return 0
	}
	return len(b.images) + len(b.removed)
}

// Redeliver resends every backlogged node to its observer: the current
// published image for nodes still present, a tombstone for nodes removed since.
// Failed resends go back into the backlog.
func (p *Publisher) Redeliver(ctx context.Context) []Report {
	if p == nil {
		return nil
	}
	type batch struct {
		states  []wire.NodeState
		removed []node.ID
		tick    uint64
	}
	type pending struct {
		observerID string
		networks   map[string]*batch
	}

	//1.- Swap the backlog out under the lock and resolve it against the latest images.
	p.mu.Lock()
	observerIDs := make([]string, 0, len(p.backlog))
	for observerID := range p.backlog {
		observerIDs = append(observerIDs, observerID)
	}
	sort.Strings(observerIDs)
	work := make([]pending, 0, len(observerIDs))
	for _, observerID := range observerIDs {
		b := p.backlog[observerID]
		delete(p.backlog, observerID)
		if _, err := p.interests.Get(observerID); err != nil || b.empty() {
			continue
		}
		item := pending{observerID: observerID, networks: make(map[string]*batch)}
		group := func(networkID string) *batch {
			g, ok := item.networks[networkID]
			if !ok {
				g = &batch{}
				item.networks[networkID] = g
			}
			return g
		}
		for id := range b.images {
			state, ok := p.published[id]
			if !ok {
				continue
			}
			g := group(state.NetworkID)
			g.states = append(g.states, state)
			if state.Tick > g.tick {
				g.tick = state.Tick
			}
		}
		for id, gone := range b.removed {
			if _, back := p.published[id]; back {
				continue
			}
			g := group(gone.networkID)
			g.removed = append(g.removed, id)
			if gone.tick > g.tick {
				g.tick = gone.tick
			}
		}
		if len(item.networks) > 0 {
			work = append(work, item)
		}
	}
	p.mu.Unlock()

	//2.- One message per observer and network, in a stable order.
	reports := make([]Report, 0)
	for _, item := range work {
		networkIDs := make([]string, 0, len(item.networks))
		for networkID := range item.networks {
			networkIDs = append(networkIDs, networkID)
		}
		sort.Strings(networkIDs)
		for _, networkID := range networkIDs {
			g := item.networks[networkID]
			sort.Slice(g.states, func(i, j int) bool { return g.states[i].ID < g.states[j].ID })
			sort.Slice(g.removed, func(i, j int) bool { return g.removed[i] < g.removed[j] })
			report := Report{
				NetworkID: networkID,
				Changed:   len(g.states) + len(g.removed),
				Observers: []string{item.observerID},
				Resent:    true,
			}
			if p.send(ctx, item.observerID, wire.NewNodesChanged(networkID, g.tick, g.states, g.removed, p.now())) {
				report.Messages++
			} else {
				report.Failures++
			}
			reports = append(reports, report)
		}
	}
	return reports
}
