package membership

import (
	"sort"
	"strings"
	"sync"

	"powernet/broker/internal/node"
)

// Occupancy associates each actor with at most one conduit.
type Occupancy struct {
	mu        sync.RWMutex
	byActor   map[string]occupant
	byConduit map[node.ID]map[string]struct{}
}

type occupant struct {
	conduitID node.ID
	senderID  string
}

// NewOccupancy constructs an empty occupancy table.
func NewOccupancy() *Occupancy {
	return &Occupancy{
		byActor:   make(map[string]occupant),
		byConduit: make(map[node.ID]map[string]struct{}),
	}
}

// Enter moves actorID into conduitID and returns the conduit it left, if any.
func (o *Occupancy) Enter(conduitID node.ID, actorID, senderID string) (node.ID, bool) {
	actorID = strings.TrimSpace(actorID)
	if o == nil || actorID == "" || conduitID == "" {
		return "", false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	previous, had := o.byActor[actorID]
	if had {
		o.detachLocked(previous.conduitID, actorID)
	}
	o.byActor[actorID] = occupant{conduitID: conduitID, senderID: senderID}
	members := o.byConduit[conduitID]
	if members == nil {
		members = make(map[string]struct{})
		o.byConduit[conduitID] = members
	}
	members[actorID] = struct{}{}
	if had && previous.conduitID != conduitID {
		return previous.conduitID, true
	}
	return "", false
}

// Exit removes actorID from conduitID. Reports whether the actor was there.
func (o *Occupancy) Exit(conduitID node.ID, actorID string) bool {
	if o == nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	current, ok := o.byActor[actorID]
	if !ok || current.conduitID != conduitID {
		return false
	}
	delete(o.byActor, actorID)
	o.detachLocked(conduitID, actorID)
	return true
}

// ConduitOf returns the conduit currently holding actorID.
func (o *Occupancy) ConduitOf(actorID string) (node.ID, bool) {
	if o == nil {
		return "", false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	current, ok := o.byActor[actorID]
	return current.conduitID, ok
}

// Actors returns the sorted actors inside conduitID.
func (o *Occupancy) Actors(conduitID node.ID) []string {
	if o == nil {
		return nil
	}
	o.mu.RLock()
	members := o.byConduit[conduitID]
	out := make([]string, 0, len(members))
	for actorID := range members {
		out = append(out, actorID)
	}
	o.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ForgetConduit evicts every actor from conduitID and returns them.
func (o *Occupancy) ForgetConduit(conduitID node.ID) []string {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	members := o.byConduit[conduitID]
	delete(o.byConduit, conduitID)
	out := make([]string, 0, len(members))
	for actorID := range members {
		delete(o.byActor, actorID)
		out = append(out, actorID)
	}
	o.mu.Unlock()
	sort.Strings(out)
	return out
}

// ForgetSender evicts every actor reported by senderID and returns, per
// conduit, the actors that left.
func (o *Occupancy) ForgetSender(senderID string) map[node.ID][]string {
	if o == nil || senderID == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	left := make(map[node.ID][]string)
	for actorID, current := range o.byActor {
		if current.senderID != senderID {
			continue
		}
		delete(o.byActor, actorID)
		o.detachLocked(current.conduitID, actorID)
		left[current.conduitID] = append(left[current.conduitID], actorID)
	}
	for _, actors := range left {
		sort.Strings(actors)
	}
	return left
}

func (o *Occupancy) detachLocked(conduitID node.ID, actorID string) {
	members := o.byConduit[conduitID]
	if members == nil {
		return
	}
	delete(members, actorID)
	if len(members) == 0 {
		delete(o.byConduit, conduitID)
	}
}
