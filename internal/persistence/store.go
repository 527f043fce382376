// Package persistence stores per-node key/value attributes.
package persistence

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("persistence: store closed")

// Attributes is the typed key/value bag saved per node.
type Attributes struct {
	Floats  map[string]float64 `json:"floats,omitempty"`
	Bools   map[string]bool    `json:"bools,omitempty"`
	Strings map[string]string  `json:"strings,omitempty"`
}

// NewAttributes returns an empty, writable attribute bag.
func NewAttributes() Attributes {
	return Attributes{
		Floats:  make(map[string]float64),
		Bools:   make(map[string]bool),
		Strings: make(map[string]string),
	}
}

// Float returns the stored float or fallback when absent.
func (a Attributes) Float(key string, fallback float64) float64 {
	if value, ok := a.Floats[key]; ok {
		return value
	}
	return fallback
}

// Bool returns the stored bool or fallback when absent.
func (a Attributes) Bool(key string, fallback bool) bool {
	if value, ok := a.Bools[key]; ok {
		return value
	}
	return fallback
}

// String returns the stored string or fallback when absent.
func (a Attributes) String(key, fallback string) string {
	if value, ok := a.Strings[key]; ok {
		return value
	}
	return fallback
}

// SetFloat records a float attribute.
func (a *Attributes) SetFloat(key string, value float64) {
	if a.Floats == nil {
		a.Floats = make(map[string]float64)
	}
	a.Floats[key] = value
}

// SetBool records a bool attribute.
func (a *Attributes) SetBool(key string, value bool) {
	if a.Bools == nil {
		a.Bools = make(map[string]bool)
	}
	a.Bools[key] = value
}

// SetString records a string attribute.
func (a *Attributes) SetString(key, value string) {
	if a.Strings == nil {
		a.Strings = make(map[string]string)
	}
	a.Strings[key] = value
}

// Len reports the total number of attributes.
func (a Attributes) Len() int {
	return len(a.Floats) + len(a.Bools) + len(a.Strings)
}

// Clone returns a deep copy.
func (a Attributes) Clone() Attributes {
	out := NewAttributes()
	for k, v := range a.Floats {
		out.Floats[k] = v
	}
	for k, v := range a.Bools {
		out.Bools[k] = v
	}
	for k, v := range a.Strings {
		out.Strings[k] = v
	}
	return out
}

// Store loads and saves node attributes. Load on an unknown id returns empty
// attributes and no error.
type Store interface {
	Load(ctx context.Context, nodeID string) (Attributes, error)
	Save(ctx context.Context, nodeID string, attrs Attributes) error
	Delete(ctx context.Context, nodeID string) error
}

// MemoryStore keeps attributes in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]Attributes
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[string]Attributes)}
}

// Load returns a copy of the stored attributes.
func (s *MemoryStore) Load(_ context.Context, nodeID string) (Attributes, error) {
	if s == nil {
		return NewAttributes(), nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	attrs, ok := s.nodes[nodeID]
	if !ok {
		return NewAttributes(), nil
	}
	return attrs.Clone(), nil
}

// Save merges attrs into the stored record.
func (s *MemoryStore) Save(_ context.Context, nodeID string, attrs Attributes) error {
	if s == nil {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.nodes[nodeID]
	if !ok {
		current = NewAttributes()
	}
	for k, v := range attrs.Floats {
		current.Floats[k] = v
	}
	for k, v := range attrs.Bools {
		current.Bools[k] = v
	}
	for k, v := range attrs.Strings {
		current.Strings[k] = v
	}
	s.nodes[nodeID] = current
	return nil
}

// Delete forgets the node's attributes.
func (s *MemoryStore) Delete(_ context.Context, nodeID string) error {
	if s == nil {
		return ErrClosed
	}
	s.mu.Lock()
	delete(s.nodes, nodeID)
	s.mu.Unlock()
	return nil
}
