// Package registry owns the canonical set of live power nodes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"powernet/broker/internal/logging"
	"powernet/broker/internal/node"
	"powernet/broker/internal/persistence"
)

var (
	// ErrNilNode is returned when Add receives a nil node.
	ErrNilNode = errors.New("registry: nil node")
	// ErrUnknownNode is returned when an update targets an absent node.
	ErrUnknownNode = errors.New("registry: unknown node")
)

// EventKind describes what changed in the registry.
type EventKind int

const (
	EventAdded EventKind = iota + 1
	EventRemoved
	EventMoved
	EventUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventMoved:
		return "moved"
	case EventUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after every mutation.
type Event struct {
	Kind   EventKind
	NodeID node.ID
	// Node is a snapshot taken after the mutation, or the last state for removals.
	Node *node.Node
}

// Structural reports whether the event can change network membership.
func (e Event) Structural() bool {
	return e.Kind == EventAdded || e.Kind == EventRemoved || e.Kind == EventMoved
}

// Option configures optional registry collaborators.
type Option func(*Registry)

// WithStore loads node attributes from store when nodes are added.
func WithStore(store persistence.Store) Option {
	return func(r *Registry) {
		r.store = store
	}
}

// WithLogger overrides the logger used for load failures and pruning.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

type entry struct {
	node *node.Node
	seq  uint64
}

// Registry is a keyed collection of nodes with change notification.
type Registry struct {
	mu      sync.RWMutex
	nodes   map[node.ID]*entry
	nextSeq uint64

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int

	store  persistence.Store
	logger *logging.Logger
}

// New constructs an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		nodes:  make(map[node.ID]*entry),
		subs:   make(map[int]func(Event)),
		logger: logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Subscribe registers fn for every subsequent event and returns a function that
// removes the subscription. Callbacks run synchronously on the mutating goroutine.
func (r *Registry) Subscribe(fn func(Event)) func() {
	if r == nil || fn == nil {
		return func() {}
	}
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
		})
	}
}

// Add registers n, loading its persisted attributes first when a store is set.
// Adding an already-present identifier is a no-op and reports false.
func (r *Registry) Add(ctx context.Context, n *node.Node) (bool, error) {
	if r == nil {
		return false, nil
	}
	if n == nil {
		return false, ErrNilNode
	}
	if err := n.Validate(); err != nil {
		return false, err
	}

	r.mu.RLock()
	_, exists := r.nodes[n.ID]
	r.mu.RUnlock()
	if exists {
		return false, nil
	}

	//1.- Load outside the lock; a failed load degrades to defaults rather than rejecting the node.
	stored := n.Clone()
	if r.store != nil {
		if err := stored.Load(ctx, r.store); err != nil {
			r.logger.Warn("node attributes unavailable, using defaults",
				logging.String("node_id", string(n.ID)), logging.Error(err))
		}
	}
	//2.- Network membership is assigned by the next clustering pass only.
	stored.NetworkID = ""

	r.mu.Lock()
	if _, exists := r.nodes[n.ID]; exists {
		r.mu.Unlock()
		return false, nil
	}
	r.nextSeq++
	r.nodes[n.ID] = &entry{node: stored, seq: r.nextSeq}
	snapshot := stored.Clone()
	r.mu.Unlock()

	r.emit(Event{Kind: EventAdded, NodeID: n.ID, Node: snapshot})
	return true, nil
}

// Remove unregisters id. Removing an absent identifier is a no-op and reports false.
func (r *Registry) Remove(id node.ID) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	current, ok := r.nodes[id]
	if ok {
		delete(r.nodes, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.emit(Event{Kind: EventRemoved, NodeID: id, Node: current.node.Clone()})
	return true
}

// Contains reports whether id is currently registered.
func (r *Registry) Contains(id node.ID) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[id]
	return ok
}

// Get returns a copy of the node registered under id.
func (r *Registry) Get(id node.ID) (*node.Node, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	current, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	return current.node.Clone(), true
}

// Len reports how many nodes are registered.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// AllNodes returns copies of every node in insertion order.
func (r *Registry) AllNodes() []*node.Node {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.nodes))
	for _, current := range r.nodes {
		entries = append(entries, current)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]*node.Node, 0, len(entries))
	for _, current := range entries {
		out = append(out, current.node.Clone())
	}
	r.mu.RUnlock()
	return out
}

// Move repositions id and fires a structural event when the position changed.
func (r *Registry) Move(id node.ID, pos node.Vec3) (bool, error) {
	if r == nil {
		return false, nil
	}
	r.mu.Lock()
	current, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("move %s: %w", id, ErrUnknownNode)
	}
	if current.node.Position == pos {
		r.mu.Unlock()
		return false, nil
	}
	current.node.Position = pos
	snapshot := current.node.Clone()
	r.mu.Unlock()

	r.emit(Event{Kind: EventMoved, NodeID: id, Node: snapshot})
	return true, nil
}

// Update applies fn to the canonical copy of id and fires an update event.
// fn must not change the node's identity, kind or position.
func (r *Registry) Update(id node.ID, fn func(*node.Node)) error {
	if r == nil || fn == nil {
		return nil
	}
	r.mu.Lock()
	current, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("update %s: %w", id, ErrUnknownNode)
	}
	working := current.node.Clone()
	fn(working)
	working.ID, working.Kind, working.Position = current.node.ID, current.node.Kind, current.node.Position
	if err := working.Validate(); err != nil {
		r.mu.Unlock()
		return err
	}
	current.node = working
	snapshot := working.Clone()
	r.mu.Unlock()

	r.emit(Event{Kind: EventUpdated, NodeID: id, Node: snapshot})
	return nil
}

// AssignNetworks writes the network identifier of every node from assignment.
// Nodes absent from assignment are left unclustered.
func (r *Registry) AssignNetworks(assignment map[node.ID]string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, current := range r.nodes {
		current.node.NetworkID = assignment[id]
	}
}

// ApplyStates writes the fields the engine produces (fuel, output, stored
// energy, served and unserved demand, conduit transfer) from nodes onto the
// canonical set. Everything else keeps its current value, so updates made while
// the tick ran survive. Nodes removed meanwhile are skipped. It returns how
// many nodes were updated.
func (r *Registry) ApplyStates(nodes []*node.Node) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	applied := 0
	for _, simulated := range nodes {
		if simulated == nil {
			continue
		}
		current, ok := r.nodes[simulated.ID]
		if !ok || current.node.Kind != simulated.Kind {
			continue
		}
		target := current.node
		switch target.Kind {
		case node.KindSource:
			if simulated.Source == nil || target.Source == nil {
				continue
			}
			target.Source.Fuel = simulated.Source.Fuel
			target.Source.Output = simulated.Source.Output
		case node.KindStorage:
			if simulated.Storage == nil || target.Storage == nil {
				continue
			}
			target.Storage.Stored = simulated.Storage.Stored
		case node.KindConsumer:
			if simulated.Consumer == nil || target.Consumer == nil {
				continue
			}
			target.Consumer.Served = simulated.Consumer.Served
			target.Consumer.Unserved = simulated.Consumer.Unserved
		case node.KindConduit:
			if simulated.Conduit == nil || target.Conduit == nil {
				continue
			}
			target.Conduit.Transferred = simulated.Conduit.Transferred
		}
		applied++
	}
	return applied
}

// PruneInvalid removes every node whose backing handle reports invalid and
// returns their identifiers.
func (r *Registry) PruneInvalid() []node.ID {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	var stale []node.ID
	for id, current := range r.nodes {
		if !current.node.Valid() {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	removed := stale[:0]
	for _, id := range stale {
		if r.Remove(id) {
			r.logger.Warn("dropping node with invalid handle", logging.String("node_id", string(id)))
			removed = append(removed, id)
		}
	}
	return removed
}

func (r *Registry) emit(event Event) {
	r.subMu.RLock()
	keys := make([]int, 0, len(r.subs))
	for key := range r.subs {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	subs := make([]func(Event), 0, len(keys))
	for _, key := range keys {
		subs = append(subs, r.subs[key])
	}
	r.subMu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}
}
