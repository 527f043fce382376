// Package node defines the power node variants tracked by the registry.
package node

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ID uniquely identifies a node across restarts.
type ID string

// Kind discriminates the node variant.
type Kind int

const (
	KindUnknown Kind = iota
	KindSource
	KindStorage
	KindConsumer
	KindConduit
	KindRelay
)

var kindNames = map[Kind]string{
	KindSource:   "source",
	KindStorage:  "storage",
	KindConsumer: "consumer",
	KindConduit:  "conduit",
	KindRelay:    "relay",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps a textual kind onto the enum. "pylon" is accepted for relays.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "source", "generator":
		return KindSource, nil
	case "storage", "battery":
		return KindStorage, nil
	case "consumer":
		return KindConsumer, nil
	case "conduit":
		return KindConduit, nil
	case "relay", "pylon":
		return KindRelay, nil
	default:
		return KindUnknown, fmt.Errorf("unknown node kind %q", raw)
	}
}

// MarshalText renders the kind for JSON and YAML.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses the kind from JSON and YAML.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ConduitMode selects the direction energy crosses a conduit.
type ConduitMode int

const (
	// ModeCharge moves network energy into the associated actors.
	ModeCharge ConduitMode = iota
	// ModeDrain moves actor energy into the network.
	ModeDrain
)

func (m ConduitMode) String() string {
	if m == ModeDrain {
		return "drain"
	}
	return "charge"
}

// ParseConduitMode maps a textual mode onto the enum.
func ParseConduitMode(raw string) (ConduitMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "charge", "":
		return ModeCharge, nil
	case "drain":
		return ModeDrain, nil
	default:
		return ModeCharge, fmt.Errorf("unknown conduit mode %q", raw)
	}
}

// MarshalText renders the mode for JSON and YAML.
func (m ConduitMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText parses the mode for JSON and YAML.
func (m *ConduitMode) UnmarshalText(text []byte) error {
	parsed, err := ParseConduitMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Vec3 is a world-space position.
type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// DistanceTo returns the euclidean distance between two points.
func (v Vec3) DistanceTo(o Vec3) float64 {
	return math.Sqrt(v.DistanceSquared(o))
}

// DistanceSquared avoids the square root for threshold comparisons.
func (v Vec3) DistanceSquared(o Vec3) float64 {
	dx, dy, dz := v.X-o.X, v.Y-o.Y, v.Z-o.Z
	return dx*dx + dy*dy + dz*dz
}

// SourceState captures generator fuel and output.
type SourceState struct {
	Fuel         float64 `json:"fuel"`
	FuelCapacity float64 `json:"fuel_capacity"`
	// OutputRate is energy per second produced while fuel remains.
	OutputRate float64 `json:"output_rate"`
	// BurnRate is fuel per second consumed at full output. Zero never burns.
	BurnRate float64 `json:"burn_rate"`
	// Output is the energy produced during the last tick.
	Output float64 `json:"output"`
}

// StorageState captures a buffer that can both charge and discharge.
type StorageState struct {
	Stored   float64 `json:"stored"`
	Capacity float64 `json:"capacity"`
	// ChargeRate and DischargeRate cap energy per second; zero means unlimited.
	ChargeRate       float64 `json:"charge_rate"`
	DischargeRate    float64 `json:"discharge_rate"`
	DischargeEnabled bool    `json:"discharge_enabled"`
}

// Remaining reports the free capacity.
func (s StorageState) Remaining() float64 {
	return math.Max(0, s.Capacity-s.Stored)
}

// ConsumerState captures demand and how much of it the last tick served.
type ConsumerState struct {
	Demand bool `json:"demand"`
	// Request is energy per second wanted while Demand is set.
	Request   float64 `json:"request"`
	Intensity int     `json:"intensity"`
	Served    float64 `json:"served"`
	Unserved  float64 `json:"unserved"`
}

// ConduitState bridges the network to external actors.
type ConduitState struct {
	Mode   ConduitMode `json:"mode"`
	Actors []string    `json:"actors,omitempty"`
	// TransferRate caps energy per second crossing the conduit.
	TransferRate float64 `json:"transfer_rate"`
	// Transferred is the energy moved during the last tick.
	Transferred float64 `json:"transferred"`
}

// HasActor reports whether actorID is associated with the conduit.
func (c ConduitState) HasActor(actorID string) bool {
	idx := sort.SearchStrings(c.Actors, actorID)
	return idx < len(c.Actors) && c.Actors[idx] == actorID
}

// RelayState extends connectivity only.
type RelayState struct {
	// Radius overrides the configured relay join distance when positive.
	Radius float64 `json:"radius"`
}

// Handle is the optional backing object of a node. Invalid handles are pruned.
type Handle interface {
	Valid() bool
}

// ErrVariantMismatch is returned when a node's variant payload does not match its kind.
var ErrVariantMismatch = errors.New("node: variant payload does not match kind")

// Node is the tagged variant of every power node kind. Exactly the payload
// matching Kind is non-nil.
type Node struct {
	ID        ID     `json:"id"`
	Kind      Kind   `json:"kind"`
	Position  Vec3   `json:"position"`
	NetworkID string `json:"network_id,omitempty"`

	Source   *SourceState   `json:"source,omitempty"`
	Storage  *StorageState  `json:"storage,omitempty"`
	Consumer *ConsumerState `json:"consumer,omitempty"`
	Conduit  *ConduitState  `json:"conduit,omitempty"`
	Relay    *RelayState    `json:"relay,omitempty"`

	Handle Handle `json:"-"`
}

// New constructs a node of kind with a zeroed payload for that variant.
func New(id ID, kind Kind, pos Vec3) *Node {
	n := &Node{ID: id, Kind: kind, Position: pos}
	switch kind {
	case KindSource:
		n.Source = &SourceState{}
	case KindStorage:
		n.Storage = &StorageState{DischargeEnabled: true}
	case KindConsumer:
		n.Consumer = &ConsumerState{}
	case KindConduit:
		n.Conduit = &ConduitState{}
	case KindRelay:
		n.Relay = &RelayState{}
	}
	return n
}

// Validate checks that the identity is set and the payload matches the kind.
func (n *Node) Validate() error {
	if n == nil {
		return errors.New("node: nil")
	}
	if strings.TrimSpace(string(n.ID)) == "" {
		return errors.New("node: empty id")
	}
	payloads := 0
	for _, set := range []bool{n.Source != nil, n.Storage != nil, n.Consumer != nil, n.Conduit != nil, n.Relay != nil} {
		if set {
			payloads++
		}
	}
	var ok bool
	switch n.Kind {
	case KindSource:
		ok = n.Source != nil
	case KindStorage:
		ok = n.Storage != nil
	case KindConsumer:
		ok = n.Consumer != nil
	case KindConduit:
		ok = n.Conduit != nil
	case KindRelay:
		ok = n.Relay != nil
	default:
		return fmt.Errorf("node %s: unknown kind %d", n.ID, n.Kind)
	}
	if !ok || payloads != 1 {
		return fmt.Errorf("node %s (%s): %w", n.ID, n.Kind, ErrVariantMismatch)
	}
	return nil
}

// Valid reports whether the node's backing handle, if any, is still alive.
func (n *Node) Valid() bool {
	if n == nil {
		return false
	}
	if n.Handle == nil {
		return true
	}
	return n.Handle.Valid()
}

// JoinRadius returns the distance within which this node connects to others.
func (n *Node) JoinRadius(joinDistance, relayJoinDistance float64) float64 {
	if n == nil {
		return 0
	}
	if n.Kind != KindRelay {
		return joinDistance
	}
	if n.Relay != nil && n.Relay.Radius > 0 {
		return n.Relay.Radius
	}
	return relayJoinDistance
}

// Clone returns a deep copy that shares the handle.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	if n.Source != nil {
		s := *n.Source
		out.Source = &s
	}
	if n.Storage != nil {
		s := *n.Storage
		out.Storage = &s
	}
	if n.Consumer != nil {
		c := *n.Consumer
		out.Consumer = &c
	}
	if n.Conduit != nil {
		c := *n.Conduit
		c.Actors = append([]string(nil), n.Conduit.Actors...)
		out.Conduit = &c
	}
	if n.Relay != nil {
		r := *n.Relay
		out.Relay = &r
	}
	return &out
}

// SetActors replaces the conduit's actor set with a sorted, deduplicated copy.
func (c *ConduitState) SetActors(actors []string) {
	if c == nil {
		return
	}
	seen := make(map[string]struct{}, len(actors))
	out := make([]string, 0, len(actors))
	for _, actor := range actors {
		actor = strings.TrimSpace(actor)
		if actor == "" {
			continue
		}
		if _, dup := seen[actor]; dup {
			continue
		}
		seen[actor] = struct{}{}
		out = append(out, actor)
	}
	sort.Strings(out)
	c.Actors = out
}
