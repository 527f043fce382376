// Package cluster partitions registered nodes into proximity-connected networks.
package cluster

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"powernet/broker/internal/logging"
	"powernet/broker/internal/node"
	"powernet/broker/internal/spatial"
)

// ErrDuplicateNode is returned when the same identifier appears twice in one rebuild.
var ErrDuplicateNode = errors.New("cluster: duplicate node id")

// ErrInvalidPosition is returned when a node position is not finite.
var ErrInvalidPosition = errors.New("cluster: non-finite node position")

// Config tunes edge creation and diagnostics.
type Config struct {
	JoinDistance      float64
	RelayJoinDistance float64
	// SpanWarnDistance logs a warning for networks whose extent exceeds it. Zero disables.
	SpanWarnDistance float64
	// ReuseIDs keeps the previous identifier of a network whose membership is unchanged.
	ReuseIDs bool
}

// Network is one connected component.
type Network struct {
	ID      string    `json:"id"`
	Members []node.ID `json:"members"`
	// Span is the diagonal of the members' bounding box.
	Span float64 `json:"span"`
}

// Partition is the result of one clustering pass.
type Partition struct {
	Networks   []Network
	Assignment map[node.ID]string
}

// Len reports the number of networks.
func (p Partition) Len() int { return len(p.Networks) }

// Network looks up a network by identifier.
func (p Partition) Network(id string) (Network, bool) {
	for _, network := range p.Networks {
		if network.ID == id {
			return network, true
		}
	}
	return Network{}, false
}

// Option customises a Clusterer.
type Option func(*Clusterer)

// WithIDGenerator overrides how fresh network identifiers are minted.
func WithIDGenerator(next func() string) Option {
	return func(c *Clusterer) {
		if next != nil {
			c.newID = next
		}
	}
}

// WithLogger overrides the logger used for span warnings.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Clusterer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Clusterer rebuilds partitions and remembers the previous one for id reuse.
type Clusterer struct {
	mu       sync.Mutex
	cfg      Config
	newID    func() string
	logger   *logging.Logger
	previous map[string]string
}

// New constructs a clusterer with cfg.
func New(cfg Config, opts ...Option) *Clusterer {
	if cfg.JoinDistance < 0 {
		cfg.JoinDistance = 0
	}
	if cfg.RelayJoinDistance < cfg.JoinDistance {
		cfg.RelayJoinDistance = cfg.JoinDistance
	}
	c := &Clusterer{
		cfg:      cfg,
		newID:    func() string { return uuid.NewString() },
		logger:   logging.L(),
		previous: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Rebuild partitions nodes into connected components, writes the resulting
// network identifier onto each node and returns the partition. The membership
// is a pure function of node identities and positions.
func (c *Clusterer) Rebuild(nodes []*node.Node) (Partition, error) {
	partition := Partition{Assignment: make(map[node.ID]string)}
	if c == nil {
		return partition, errors.New("cluster: nil clusterer")
	}

	//1.- Order the live nodes by identity so graph indices do not depend on insertion order.
	live := make([]*node.Node, 0, len(nodes))
	seen := make(map[node.ID]struct{}, len(nodes))
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if _, dup := seen[n.ID]; dup {
			return partition, fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		if !finite(n.Position) {
			return partition, fmt.Errorf("%w: %s", ErrInvalidPosition, n.ID)
		}
		seen[n.ID] = struct{}{}
		live = append(live, n)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })

	//2.- Index positions and add every node to the graph, isolated nodes included.
	maxRadius := c.cfg.JoinDistance
	radii := make([]float64, len(live))
	for i, n := range live {
		radii[i] = n.JoinRadius(c.cfg.JoinDistance, c.cfg.RelayJoinDistance)
		maxRadius = math.Max(maxRadius, radii[i])
	}
	grid := spatial.NewGridIndex(math.Max(c.cfg.JoinDistance, 1))
	index := make(map[string]int64, len(live))
	g := simple.NewUndirectedGraph()
	for i, n := range live {
		grid.Update(string(n.ID), n.Position)
		index[string(n.ID)] = int64(i)
		g.AddNode(simple.Node(int64(i)))
	}

	//3.- Connect pairs within the larger of their two join radii.
	for i, n := range live {
		for _, candidate := range grid.Within(n.Position, maxRadius) {
			j := index[candidate]
			if j <= int64(i) {
				continue
			}
			limit := math.Max(radii[i], radii[j])
			if n.Position.DistanceSquared(live[j].Position) <= limit*limit {
				g.SetEdge(g.NewEdge(simple.Node(int64(i)), simple.Node(j)))
			}
		}
	}

	//4.- Extract components and normalise their member order.
	components := topo.ConnectedComponents(g)
	networks := make([]Network, 0, len(components))
	for _, component := range components {
		if len(component) == 0 {
			continue
		}
		members := memberIDs(component, live)
		networks = append(networks, Network{Members: members, Span: span(members, live, index)})
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i].Members[0] < networks[j].Members[0] })

	//5.- Label components, reusing the previous id when membership is identical.
	c.label(networks)

	for _, network := range networks {
		for _, member := range network.Members {
			partition.Assignment[member] = network.ID
		}
		if c.cfg.SpanWarnDistance > 0 && network.Span > c.cfg.SpanWarnDistance {
			c.logger.Warn("network span exceeds sanity threshold",
				logging.String("network_id", network.ID),
				logging.Int("members", len(network.Members)),
				logging.Float64("span", network.Span),
				logging.Float64("threshold", c.cfg.SpanWarnDistance))
		}
	}
	for _, n := range live {
		n.NetworkID = partition.Assignment[n.ID]
	}
	partition.Networks = networks
	return partition, nil
}

// label assigns network ids and remembers them only once every component is
// labelled, so a failing generator leaves the previous labels intact.
func (c *Clusterer) label(networks []Network) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[string]string, len(networks))
	for i := range networks {
		key := membershipKey(networks[i].Members)
		id, ok := c.previous[key]
		if !ok || !c.cfg.ReuseIDs {
			id = c.newID()
		}
		networks[i].ID = id
		next[key] = id
	}
	c.previous = next
}

// Forget drops the remembered partition so the next rebuild mints fresh ids.
func (c *Clusterer) Forget() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.previous = make(map[string]string)
	c.mu.Unlock()
}

func memberIDs(component []graph.Node, live []*node.Node) []node.ID {
	members := make([]node.ID, 0, len(component))
	for _, member := range component {
		members = append(members, live[member.ID()].ID)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

func span(members []node.ID, live []*node.Node, index map[string]int64) float64 {
	if len(members) < 2 {
		return 0
	}
	first := live[index[string(members[0])]].Position
	lo, hi := first, first
	for _, member := range members[1:] {
		p := live[index[string(member)]].Position
		lo = node.Vec3{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
		hi = node.Vec3{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
	}
	return lo.DistanceTo(hi)
}

func membershipKey(members []node.ID) string {
	parts := make([]string, len(members))
	for i, member := range members {
		parts[i] = string(member)
	}
	return strings.Join(parts, "\x00")
}

func finite(v node.Vec3) bool {
	for _, c := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
