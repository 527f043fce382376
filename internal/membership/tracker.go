// Package membership applies actor enter and exit reports to conduit nodes on
// the authority.
package membership

import (
	"context"
	"errors"
	"fmt"

	"powernet/broker/internal/logging"
	"powernet/broker/internal/node"
	"powernet/broker/internal/registry"
	"powernet/broker/internal/wire"
)

var (
	// ErrRejected is returned when the gate drops a report.
	ErrRejected = errors.New("membership: report rejected")
	// ErrNotConduit is returned when a report targets a node that is not a conduit.
	ErrNotConduit = errors.New("membership: target is not a conduit")
)

// Nodes is the registry surface the tracker writes conduit actor sets through.
type Nodes interface {
	Get(id node.ID) (*node.Node, bool)
	Update(id node.ID, fn func(*node.Node)) error
}

// Roster registers actors first seen through a conduit.
type Roster interface {
	Known(id string) bool
	Join(id string, capacity, level float64)
}

// Option customises the tracker.
type Option func(*Tracker)

// WithRoster joins unknown actors to roster with the given capacity on entry.
func WithRoster(roster Roster, capacity float64) Option {
	return func(t *Tracker) {
		t.roster = roster
		t.actorCapacity = capacity
	}
}

// WithLogger overrides the tracker logger.
func WithLogger(logger *logging.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithOccupancy shares an occupancy table.
func WithOccupancy(occupancy *Occupancy) Option {
	return func(t *Tracker) {
		if occupancy != nil {
			t.occupancy = occupancy
		}
	}
}

// WithDropObserver is told the reason of every report the gate rejects.
func WithDropObserver(fn func(reason string)) Option {
	return func(t *Tracker) {
		t.onDrop = fn
	}
}

// Tracker gates membership reports and keeps conduit actor sets in the registry current.
type Tracker struct {
	nodes         Nodes
	gate          *Gate
	occupancy     *Occupancy
	roster        Roster
	actorCapacity float64
	logger        *logging.Logger
	onDrop        func(string)
}

// NewTracker wires a tracker over nodes. A nil gate accepts every report.
func NewTracker(nodes Nodes, gate *Gate, opts ...Option) *Tracker {
	t := &Tracker{
		nodes:     nodes,
		gate:      gate,
		occupancy: NewOccupancy(),
		logger:    logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Occupancy exposes the actor to conduit table.
func (t *Tracker) Occupancy() *Occupancy { return t.occupancy }

// Gate exposes the report gate.
func (t *Tracker) Gate() *Gate { return t.gate }

// Apply validates, gates and applies one membership report from senderID.
func (t *Tracker) Apply(_ context.Context, senderID string, msg *wire.ActorMembership) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if decision := t.gate.Evaluate(Frame{ActorID: msg.ActorID, Sequence: msg.Sequence, SentAt: msg.SentAt()}); !decision.Accepted {
		if t.onDrop != nil {
			t.onDrop(decision.Reason.String())
		}
		return fmt.Errorf("%w: %s for actor %s", ErrRejected, decision.Reason, msg.ActorID)
	}
	target, ok := t.nodes.Get(msg.ConduitID)
	if !ok {
		return fmt.Errorf("membership %s: %w", msg.ConduitID, registry.ErrUnknownNode)
	}
	if target.Kind != node.KindConduit {
		return fmt.Errorf("%w: %s is a %s", ErrNotConduit, msg.ConduitID, target.Kind)
	}

	if !msg.Entered {
		if !t.occupancy.Exit(msg.ConduitID, msg.ActorID) {
			return nil
		}
		t.logger.Debug("actor left conduit", logging.String("actor_id", msg.ActorID), logging.String("conduit_id", string(msg.ConduitID)))
		return t.sync(msg.ConduitID)
	}

	//1.- An actor sits in one conduit at a time, so entering elsewhere implies leaving.
	if left, moved := t.occupancy.Enter(msg.ConduitID, msg.ActorID, senderID); moved {
		if err := t.sync(left); err != nil && !errors.Is(err, registry.ErrUnknownNode) {
			return err
		}
	}
	if t.roster != nil && !t.roster.Known(msg.ActorID) {
		t.roster.Join(msg.ActorID, t.actorCapacity, 0)
	}
	t.logger.Debug("actor entered conduit", logging.String("actor_id", msg.ActorID), logging.String("conduit_id", string(msg.ConduitID)))
	return t.sync(msg.ConduitID)
}

// Disconnect removes every actor reported by senderID from its conduit.
func (t *Tracker) Disconnect(senderID string) {
	if t == nil {
		return
	}
	for conduitID, actors := range t.occupancy.ForgetSender(senderID) {
		for _, actorID := range actors {
			t.gate.Forget(actorID)
		}
		if err := t.sync(conduitID); err != nil && !errors.Is(err, registry.ErrUnknownNode) {
			t.logger.Warn("conduit actor sync failed", logging.String("conduit_id", string(conduitID)), logging.Error(err))
		}
	}
}

// HandleRegistryEvent evicts the occupants of removed conduits.
func (t *Tracker) HandleRegistryEvent(event registry.Event) {
	if t == nil || event.Kind != registry.EventRemoved || event.Node == nil || event.Node.Kind != node.KindConduit {
		return
	}
	if evicted := t.occupancy.ForgetConduit(event.NodeID); len(evicted) > 0 {
		t.logger.Info("conduit removed with actors inside",
			logging.String("conduit_id", string(event.NodeID)),
			logging.Strings("actors", evicted))
	}
}

func (t *Tracker) sync(conduitID node.ID) error {
	actors := t.occupancy.Actors(conduitID)
	return t.nodes.Update(conduitID, func(n *node.Node) {
		n.Conduit.SetActors(actors)
	})
}
