package replication

import (
	"errors"
	"sort"
	"sync"

	"powernet/broker/internal/node"
	"powernet/broker/internal/wire"
)

// ApplyResult summarises one ApplyUpdate call.
type ApplyResult struct {
	Applied int
	Stale   int
	Removed int
}

// Replica is the observer-side cache of authority state. Updates are full-field
// overwrites guarded by the authority tick, so duplicates are no-ops and
// out-of-order delivery converges on the freshest image.
type Replica struct {
	mu         sync.RWMutex
	nodes      map[node.ID]wire.NodeState
	tombstones map[node.ID]uint64
	dirty      map[string]struct{}
	lastTick   uint64
}

// NewReplica constructs an empty replica.
func NewReplica() *Replica {
	return &Replica{
		nodes:      make(map[node.ID]wire.NodeState),
		tombstones: make(map[node.ID]uint64),
		dirty:      make(map[string]struct{}),
	}
}

// ApplyUpdate overwrites the cached nodes carried by msg and marks the affected
// networks dirty.
func (r *Replica) ApplyUpdate(msg *wire.NodesChanged) (ApplyResult, error) {
	var result ApplyResult
	if r == nil {
		return result, errors.New("replication: nil replica")
	}
	if err := msg.Validate(); err != nil {
		return result, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.NetworkID != "" {
		r.dirty[msg.NetworkID] = struct{}{}
	}
	if msg.Tick > r.lastTick {
		r.lastTick = msg.Tick
	}

	for _, state := range msg.Nodes {
		tick := state.Tick
		if tick == 0 {
			tick = msg.Tick
		}
		//1.- Skip images older than what we already hold or older than a removal.
		if current, ok := r.nodes[state.ID]; ok && current.Tick > tick {
			result.Stale++
			continue
		}
		if removedAt, ok := r.tombstones[state.ID]; ok && removedAt >= tick {
			result.Stale++
			continue
		}
		delete(r.tombstones, state.ID)
		if previous, ok := r.nodes[state.ID]; ok && previous.NetworkID != state.NetworkID && previous.NetworkID != "" {
			r.dirty[previous.NetworkID] = struct{}{}
		}
		copyState := wire.NewNodeState(state.ToNode(), tick)
		r.nodes[state.ID] = copyState
		result.Applied++
	}

	for _, id := range msg.Removed {
		if current, ok := r.nodes[id]; ok {
			if current.Tick > msg.Tick {
				result.Stale++
				continue
			}
			if current.NetworkID != "" {
				r.dirty[current.NetworkID] = struct{}{}
			}
			delete(r.nodes, id)
			result.Removed++
		}
		if msg.Tick > r.tombstones[id] {
			r.tombstones[id] = msg.Tick
		}
	}
	return result, nil
}

// Get returns a copy of the cached node.
func (r *Replica) Get(id node.ID) (*node.Node, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	return state.ToNode(), true
}

// State returns the cached image including its tick.
func (r *Replica) State(id node.ID) (wire.NodeState, bool) {
	if r == nil {
		return wire.NodeState{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.nodes[id]
	return state, ok
}

// Len reports how many nodes are cached.
func (r *Replica) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// LastTick reports the newest authority tick seen.
func (r *Replica) LastTick() uint64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastTick
}

// Networks returns cached node ids grouped by network, each list sorted.
func (r *Replica) Networks() map[string][]node.ID {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make(map[string][]node.ID)
	for id, state := range r.nodes {
		out[state.NetworkID] = append(out[state.NetworkID], id)
	}
	r.mu.RUnlock()
	for _, ids := range out {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return out
}

// ConsumeDirty returns and clears the networks touched since the last call.
func (r *Replica) ConsumeDirty() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	out := make([]string, 0, len(r.dirty))
	for networkID := range r.dirty {
		out = append(out, networkID)
	}
	r.dirty = make(map[string]struct{})
	r.mu.Unlock()
	sort.Strings(out)
	return out
}
