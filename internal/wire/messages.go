// Package wire defines the messages exchanged between the authority and observers.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"powernet/broker/internal/node"
)

// SchemaVersion is stamped on every outbound message.
const SchemaVersion = "powernet.v1"

// Message type discriminators.
const (
	TypeNodesChanged    = "nodes_changed"
	TypeActorMembership = "actor_membership"
	TypeInterest        = "interest"
)

var (
	// ErrEmptyPayload is returned when decoding zero bytes.
	ErrEmptyPayload = errors.New("wire: empty payload")
	// ErrUnknownMessage is returned for an unrecognised type discriminator.
	ErrUnknownMessage = errors.New("wire: unknown message type")
	// ErrInvalidMessage wraps semantic validation failures.
	ErrInvalidMessage = errors.New("wire: invalid message")
)

// Message is implemented by every payload carried on the transport.
type Message interface {
	MessageType() string
	Validate() error
}

// NodeState is the full-field image of one node at an authority tick.
type NodeState struct {
	node.Node
	Tick uint64 `json:"tick"`
}

// NewNodeState captures n at tick.
func NewNodeState(n *node.Node, tick uint64) NodeState {
	if n == nil {
		return NodeState{Tick: tick}
	}
	return NodeState{Node: *n.Clone(), Tick: tick}
}

// ToNode returns a detached copy of the carried node.
func (s NodeState) ToNode() *node.Node {
	n := s.Node
	return n.Clone()
}

// NodesChanged fans the changed nodes of one network out to interested observers.
type NodesChanged struct {
	Type          string      `json:"type"`
	SchemaVersion string      `json:"schema_version"`
	NetworkID     string      `json:"network_id"`
	Tick          uint64      `json:"tick"`
	Count         int         `json:"count"`
	NodeIDs       []node.ID   `json:"node_ids"`
	Nodes         []NodeState `json:"nodes,omitempty"`
	Removed       []node.ID   `json:"removed,omitempty"`
	SentAtMs      int64       `json:"sent_at_ms,omitempty"`
}

// NewNodesChanged builds a message, deriving NodeIDs and Count from states.
func NewNodesChanged(networkID string, tick uint64, states []NodeState, removed []node.ID, sentAt time.Time) *NodesChanged {
	ids := make([]node.ID, 0, len(states))
	for _, state := range states {
		ids = append(ids, state.ID)
	}
	msg := &NodesChanged{
		Type:          TypeNodesChanged,
		SchemaVersion: SchemaVersion,
		NetworkID:     networkID,
		Tick:          tick,
		Count:         len(ids),
		NodeIDs:       ids,
		Nodes:         states,
		Removed:       removed,
	}
	if !sentAt.IsZero() {
		msg.SentAtMs = sentAt.UnixMilli()
	}
	return msg
}

func (m *NodesChanged) MessageType() string { return TypeNodesChanged }

// Validate checks Count and NodeIDs agree with the carried states.
func (m *NodesChanged) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil nodes_changed", ErrInvalidMessage)
	}
	if m.Count != len(m.NodeIDs) {
		return fmt.Errorf("%w: count %d does not match %d node ids", ErrInvalidMessage, m.Count, len(m.NodeIDs))
	}
	if len(m.Nodes) != 0 && len(m.Nodes) != len(m.NodeIDs) {
		return fmt.Errorf("%w: %d node states for %d node ids", ErrInvalidMessage, len(m.Nodes), len(m.NodeIDs))
	}
	for i, state := range m.Nodes {
		if state.ID != m.NodeIDs[i] {
			return fmt.Errorf("%w: node state %d is %s, expected %s", ErrInvalidMessage, i, state.ID, m.NodeIDs[i])
		}
	}
	return nil
}

// ActorMembership reports an actor entering or leaving a conduit.
type ActorMembership struct {
	Type          string  `json:"type"`
	SchemaVersion string  `json:"schema_version"`
	ConduitID     node.ID `json:"conduit_id"`
	ActorID       string  `json:"actor_id"`
	Entered       bool    `json:"entered"`
	Sequence      uint64  `json:"sequence"`
	SentAtMs      int64   `json:"sent_at_ms,omitempty"`
}

func (m *ActorMembership) MessageType() string { return TypeActorMembership }

// Validate requires identities and a positive sequence number.
func (m *ActorMembership) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil actor_membership", ErrInvalidMessage)
	}
	if strings.TrimSpace(string(m.ConduitID)) == "" {
		return fmt.Errorf("%w: missing conduit id", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.ActorID) == "" {
		return fmt.Errorf("%w: missing actor id", ErrInvalidMessage)
	}
	if m.Sequence == 0 {
		return fmt.Errorf("%w: sequence must be positive", ErrInvalidMessage)
	}
	return nil
}

// SentAt converts the optional capture timestamp; zero means unset.
func (m *ActorMembership) SentAt() time.Time {
	if m == nil || m.SentAtMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.SentAtMs)
}

// Interest registers or refreshes an observer's area of interest.
type Interest struct {
	Type          string    `json:"type"`
	SchemaVersion string    `json:"schema_version"`
	ObserverID    string    `json:"observer_id"`
	Position      node.Vec3 `json:"position"`
	Range         float64   `json:"range"`
}

func (m *Interest) MessageType() string { return TypeInterest }

// Validate requires an observer id and a non-negative range.
func (m *Interest) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil interest", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.ObserverID) == "" {
		return fmt.Errorf("%w: missing observer id", ErrInvalidMessage)
	}
	if m.Range < 0 {
		return fmt.Errorf("%w: negative range %v", ErrInvalidMessage, m.Range)
	}
	return nil
}

// Encode stamps the type and schema fields and renders msg as JSON.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *NodesChanged:
		m.Type, m.SchemaVersion = TypeNodesChanged, SchemaVersion
	case *ActorMembership:
		m.Type, m.SchemaVersion = TypeActorMembership, SchemaVersion
	case *Interest:
		m.Type, m.SchemaVersion = TypeInterest, SchemaVersion
	case nil:
		return nil, ErrEmptyPayload
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	return json.Marshal(msg)
}

// Decode parses and validates one JSON message.
func Decode(raw []byte) (Message, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var msg Message
	switch envelope.Type {
	case TypeNodesChanged:
		msg = &NodesChanged{}
	case TypeActorMembership:
		msg = &ActorMembership{}
	case TypeInterest:
		msg = &Interest{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, envelope.Type)
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
