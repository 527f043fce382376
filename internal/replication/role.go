package replication

import (
	"context"
	"errors"
	"fmt"

	"powernet/broker/internal/config"
	"powernet/broker/internal/wire"
)

// ErrUnsupportedMessage is returned when a role receives a message it does not handle.
var ErrUnsupportedMessage = errors.New("replication: message not supported by role")

// MembershipHandler applies actor membership reports on the authority.
type MembershipHandler func(ctx context.Context, senderID string, msg *wire.ActorMembership) error

// Role is the behaviour a process exhibits toward inbound sync traffic.
type Role interface {
	Name() config.Role
	// Authoritative reports whether this process owns the simulation.
	Authoritative() bool
	// Handle processes one decoded inbound message from senderID.
	Handle(ctx context.Context, senderID string, msg wire.Message) error
}

// AuthorityRole accepts interest registrations and actor membership reports.
type AuthorityRole struct {
	publisher  *Publisher
	membership MembershipHandler
}

// NewAuthorityRole wires the authority's publisher and membership handler.
func NewAuthorityRole(publisher *Publisher, membership MembershipHandler) *AuthorityRole {
	return &AuthorityRole{publisher: publisher, membership: membership}
}

func (*AuthorityRole) Name() config.Role { return config.RoleAuthority }

func (*AuthorityRole) Authoritative() bool { return true }

// Handle registers interests and forwards membership reports.
func (a *AuthorityRole) Handle(ctx context.Context, senderID string, msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.Interest:
		if senderID != "" && m.ObserverID != senderID {
			return fmt.Errorf("%w: observer %q cannot register interest for %q", wire.ErrInvalidMessage, senderID, m.ObserverID)
		}
		a.publisher.Register(ctx, Interest{ObserverID: m.ObserverID, Position: m.Position, Range: m.Range})
		return nil
	case *wire.ActorMembership:
		if a.membership == nil {
			return fmt.Errorf("%w: %s", ErrUnsupportedMessage, m.MessageType())
		}
		return a.membership(ctx, senderID, m)
	case nil:
		return wire.ErrEmptyPayload
	default:
		return fmt.Errorf("%w: %s on authority", ErrUnsupportedMessage, msg.MessageType())
	}
}

// Disconnect forgets the observer's interest.
func (a *AuthorityRole) Disconnect(observerID string) {
	a.publisher.Unregister(observerID)
}

// ObserverRole applies pushed node updates to the local replica.
type ObserverRole struct {
	replica *Replica
	onApply func(*wire.NodesChanged, ApplyResult)
}

// NewObserverRole wires the observer replica. onApply may be nil.
func NewObserverRole(replica *Replica, onApply func(*wire.NodesChanged, ApplyResult)) *ObserverRole {
	if replica == nil {
		replica = NewReplica()
	}
	return &ObserverRole{replica: replica, onApply: onApply}
}

func (*ObserverRole) Name() config.Role { return config.RoleObserver }

func (*ObserverRole) Authoritative() bool { return false }

// Replica exposes the local cache.
func (o *ObserverRole) Replica() *Replica { return o.replica }

// Handle applies node updates and rejects everything else.
func (o *ObserverRole) Handle(_ context.Context, _ string, msg wire.Message) error {
	update, ok := msg.(*wire.NodesChanged)
	if !ok {
		if msg == nil {
			return wire.ErrEmptyPayload
		}
		return fmt.Errorf("%w: %s on observer", ErrUnsupportedMessage, msg.MessageType())
	}
	result, err := o.replica.ApplyUpdate(update)
	if err != nil {
		return err
	}
	if o.onApply != nil {
		o.onApply(update, result)
	}
	return nil
}
