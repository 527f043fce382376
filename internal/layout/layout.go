// Package layout reads and writes YAML placement files describing which power
// nodes exist, where they sit and their initial attributes.
package layout

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"powernet/broker/internal/node"
	"powernet/broker/internal/persistence"
)

// Placement is one node entry of a layout file.
type Placement struct {
	ID         string         `yaml:"id"`
	Kind       string         `yaml:"kind"`
	Position   [3]float64     `yaml:"position,flow"`
	Actors     []string       `yaml:"actors,omitempty,flow"`
	Attributes map[string]any `yaml:"attributes,omitempty"`
}

// File is the root document of a layout file.
type File struct {
	Nodes []Placement `yaml:"nodes"`
}

// Placer registers nodes, typically the authority or its registry.
type Placer interface {
	Place(ctx context.Context, n *node.Node) (bool, error)
}

// Load reads and parses path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading layout file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a layout document and checks identifiers are unique.
func Parse(data []byte) (*File, error) {
	file := &File{}
	if err := yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("parsing layout file: %w", err)
	}
	seen := make(map[string]struct{}, len(file.Nodes))
	var problems []string
	for i, placement := range file.Nodes {
		id := strings.TrimSpace(placement.ID)
		if id == "" {
			problems = append(problems, fmt.Sprintf("nodes[%d]: missing id", i))
			continue
		}
		if _, dup := seen[id]; dup {
			problems = append(problems, fmt.Sprintf("nodes[%d]: duplicate id %q", i, id))
		}
		seen[id] = struct{}{}
		if _, err := node.ParseKind(placement.Kind); err != nil {
			problems = append(problems, fmt.Sprintf("nodes[%d]: %v", i, err))
		}
	}
	if len(problems) > 0 {
		return nil, errors.New("invalid layout: " + strings.Join(problems, "; "))
	}
	return file, nil
}

// Node builds the power node described by the placement.
func (p Placement) Node() (*node.Node, error) {
	kind, err := node.ParseKind(p.Kind)
	if err != nil {
		return nil, err
	}
	n := node.New(node.ID(strings.TrimSpace(p.ID)), kind, node.Vec3{X: p.Position[0], Y: p.Position[1], Z: p.Position[2]})
	attrs, err := toAttributes(p.Attributes)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", n.ID, err)
	}
	n.ApplyAttributes(attrs)
	if len(p.Actors) > 0 {
		if n.Conduit == nil {
			return nil, fmt.Errorf("node %s: actors are only valid on conduits", n.ID)
		}
		n.Conduit.SetActors(p.Actors)
	}
	return n, nil
}

// Apply places every node of the file and returns how many were new.
func (f *File) Apply(ctx context.Context, placer Placer) (int, error) {
	if f == nil {
		return 0, nil
	}
	placed := 0
	for _, placement := range f.Nodes {
		n, err := placement.Node()
		if err != nil {
			return placed, err
		}
		added, err := placer.Place(ctx, n)
		if err != nil {
			return placed, fmt.Errorf("placing %s: %w", n.ID, err)
		}
		if added {
			placed++
		}
	}
	return placed, nil
}

// FromNodes renders nodes back into a layout ordered by identifier.
func FromNodes(nodes []*node.Node) *File {
	file := &File{Nodes: make([]Placement, 0, len(nodes))}
	for _, n := range nodes {
		if n == nil {
			continue
		}
		attrs := n.Attributes()
		values := make(map[string]any, attrs.Len())
		for k, v := range attrs.Floats {
			values[k] = v
		}
		for k, v := range attrs.Bools {
			values[k] = v
		}
		for k, v := range attrs.Strings {
			if k == node.AttrNetworkID {
				continue
			}
			values[k] = v
		}
		placement := Placement{
			ID:         string(n.ID),
			Kind:       n.Kind.String(),
			Position:   [3]float64{n.Position.X, n.Position.Y, n.Position.Z},
			Attributes: values,
		}
		if n.Conduit != nil && len(n.Conduit.Actors) > 0 {
			placement.Actors = append([]string(nil), n.Conduit.Actors...)
		}
		file.Nodes = append(file.Nodes, placement)
	}
	sort.Slice(file.Nodes, func(i, j int) bool { return file.Nodes[i].ID < file.Nodes[j].ID })
	return file
}

// Write saves the layout to path.
func (f *File) Write(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling layout: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing layout file: %w", err)
	}
	return nil
}

func toAttributes(values map[string]any) (persistence.Attributes, error) {
	attrs := persistence.NewAttributes()
	for key, value := range values {
		switch v := value.(type) {
		case int:
			attrs.SetFloat(key, float64(v))
		case int64:
			attrs.SetFloat(key, float64(v))
		case float64:
			attrs.SetFloat(key, v)
		case bool:
			attrs.SetBool(key, v)
		case string:
			attrs.SetString(key, v)
		default:
			return attrs, fmt.Errorf("attribute %q has unsupported type %T", key, value)
		}
	}
	return attrs, nil
}
