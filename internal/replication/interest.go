// Package replication pushes authority node state to observers and maintains
// observer-side replicas.
package replication

import (
	"errors"
	"math"
	"sort"
	"strings"
	"sync"

	"powernet/broker/internal/node"
)

// ErrUnknownObserver is returned when an operation references an unregistered observer.
var ErrUnknownObserver = errors.New("replication: unknown observer")

// Interest is an observer's registered area of interest.
type Interest struct {
	ObserverID string
	Position   node.Vec3
	Range      float64
}

// Covers reports whether pos lies inside the area of interest.
func (i Interest) Covers(pos node.Vec3) bool {
	if i.Range < 0 || math.IsNaN(i.Range) {
		return false
	}
	return i.Position.DistanceSquared(pos) <= i.Range*i.Range
}

// Interests tracks registered observers.
type Interests struct {
	mu        sync.RWMutex
	observers map[string]Interest
}

// NewInterests constructs an empty interest table.
func NewInterests() *Interests {
	return &Interests{observers: make(map[string]Interest)}
}

// Upsert registers or refreshes an observer and reports whether it was new or
// its area of interest changed.
func (t *Interests) Upsert(interest Interest) bool {
	if t == nil || strings.TrimSpace(interest.ObserverID) == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	previous, ok := t.observers[interest.ObserverID]
	t.observers[interest.ObserverID] = interest
	return !ok || previous != interest
}

// Remove forgets an observer and reports whether it was registered.
func (t *Interests) Remove(observerID string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.observers[observerID]
	delete(t.observers, observerID)
	return ok
}

// Get returns the registered interest of observerID.
func (t *Interests) Get(observerID string) (Interest, error) {
	if t == nil {
		return Interest{}, ErrUnknownObserver
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	interest, ok := t.observers[observerID]
	if !ok {
		return Interest{}, ErrUnknownObserver
	}
	return interest, nil
}

// Len reports how many observers are registered.
func (t *Interests) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.observers)
}

// Snapshot returns every registered interest sorted by observer id.
func (t *Interests) Snapshot() []Interest {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	out := make([]Interest, 0, len(t.observers))
	for _, interest := range t.observers {
		out = append(out, interest)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ObserverID < out[j].ObserverID })
	return out
}

// Audience returns the observers whose interest covers at least one position,
// each listed once.
func (t *Interests) Audience(positions []node.Vec3) []string {
	if len(positions) == 0 {
		return nil
	}
	audience := make([]string, 0)
	for _, interest := range t.Snapshot() {
		for _, pos := range positions {
			if interest.Covers(pos) {
				audience = append(audience, interest.ObserverID)
				break
			}
		}
	}
	return audience
}
