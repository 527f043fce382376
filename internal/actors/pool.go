// Package actors models the external actor pool that conduits charge and drain.
package actors

import (
	"errors"
	"math"
	"sort"
	"sync"
)

// ErrUnknownActor is returned when an operation references an actor that never joined.
var ErrUnknownActor = errors.New("actors: unknown actor")

// nearCap is the fill ratio above which an actor no longer accepts energy.
const nearCap = 0.999

// Pool is the energy reservoir formed by the actors attached to one conduit.
type Pool interface {
	// AveragePoolLevel returns the mean fill ratio in [0, 1]; an empty pool reports 0.
	AveragePoolLevel() float64
	// AddToPool offers energy and returns how much was accepted.
	AddToPool(amount float64) float64
	// SubtractFromPool requests energy and returns how much was actually removed.
	SubtractFromPool(amount float64) float64
}

// Provider resolves the pool for a conduit's current actor set.
type Provider interface {
	PoolFor(actorIDs []string) Pool
}

// Actor is the energy state of one external actor.
type Actor struct {
	ID       string  `json:"id"`
	Level    float64 `json:"level"`
	Capacity float64 `json:"capacity"`
}

// Roster is an in-memory actor directory implementing Provider.
type Roster struct {
	mu     sync.Mutex
	actors map[string]*Actor
}

// NewRoster constructs an empty roster.
func NewRoster() *Roster {
	return &Roster{actors: make(map[string]*Actor)}
}

// Join registers or refreshes an actor. Level is clamped into [0, capacity].
func (r *Roster) Join(id string, capacity, level float64) {
	if r == nil || id == "" {
		return
	}
	capacity = math.Max(0, capacity)
	level = math.Min(math.Max(0, level), capacity)
	r.mu.Lock()
	r.actors[id] = &Actor{ID: id, Level: level, Capacity: capacity}
	r.mu.Unlock()
}

// Leave forgets an actor.
func (r *Roster) Leave(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.actors, id)
	r.mu.Unlock()
}

// Get returns a copy of the actor's state.
func (r *Roster) Get(id string) (Actor, error) {
	if r == nil {
		return Actor{}, ErrUnknownActor
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	actor, ok := r.actors[id]
	if !ok {
		return Actor{}, ErrUnknownActor
	}
	return *actor, nil
}

// Known reports whether id has joined.
func (r *Roster) Known(id string) bool {
	_, err := r.Get(id)
	return err == nil
}

// Snapshot returns every actor sorted by identifier.
func (r *Roster) Snapshot() []Actor {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	out := make([]Actor, 0, len(r.actors))
	for _, actor := range r.actors {
		out = append(out, *actor)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PoolFor returns a pool over the known actors among actorIDs.
func (r *Roster) PoolFor(actorIDs []string) Pool {
	ids := make([]string, 0, len(actorIDs))
	for _, id := range actorIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return &groupPool{roster: r, ids: ids}
}

type groupPool struct {
	roster *Roster
	ids    []string
}

func (p *groupPool) members() []*Actor {
	out := make([]*Actor, 0, len(p.ids))
	for _, id := range p.ids {
		if actor, ok := p.roster.actors[id]; ok && actor.Capacity > 0 {
			out = append(out, actor)
		}
	}
	return out
}

func (p *groupPool) AveragePoolLevel() float64 {
	if p == nil || p.roster == nil {
		return 0
	}
	p.roster.mu.Lock()
	defer p.roster.mu.Unlock()
	members := p.members()
	if len(members) == 0 {
		return 0
	}
	total := 0.0
	for _, actor := range members {
		total += actor.Level / actor.Capacity
	}
	return total / float64(len(members))
}

func (p *groupPool) AddToPool(amount float64) float64 {
	if p == nil || p.roster == nil || !(amount > 0) {
		return 0
	}
	p.roster.mu.Lock()
	defer p.roster.mu.Unlock()
	//1.- Skip actors at or near their cap; they reject the offer outright.
	open := make([]*Actor, 0)
	for _, actor := range p.members() {
		if actor.Level < actor.Capacity*nearCap {
			open = append(open, actor)
		}
	}
	//2.- Split evenly and redistribute what a nearly full actor cannot take.
	return distribute(open, amount, func(a *Actor) float64 { return a.Capacity - a.Level }, func(a *Actor, delta float64) {
		a.Level = math.Min(a.Capacity, a.Level+delta)
	})
}

func (p *groupPool) SubtractFromPool(amount float64) float64 {
	if p == nil || p.roster == nil || !(amount > 0) {
		return 0
	}
	p.roster.mu.Lock()
	defer p.roster.mu.Unlock()
	stocked := make([]*Actor, 0)
	for _, actor := range p.members() {
		if actor.Level > 0 {
			stocked = append(stocked, actor)
		}
	}
	return distribute(stocked, amount, func(a *Actor) float64 { return a.Level }, func(a *Actor, delta float64) {
		a.Level = math.Max(0, a.Level-delta)
	})
}

// distribute water-fills amount across actors limited by room and returns the total moved.
func distribute(actors []*Actor, amount float64, room func(*Actor) float64, apply func(*Actor, float64)) float64 {
	sort.Slice(actors, func(i, j int) bool { return room(actors[i]) < room(actors[j]) })
	moved := 0.0
	remaining := amount
	for i, actor := range actors {
		share := remaining / float64(len(actors)-i)
		delta := math.Min(share, math.Max(0, room(actor)))
		apply(actor, delta)
		moved += delta
		remaining -= delta
	}
	return moved
}
