package simulation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"powernet/broker/internal/actors"
	"powernet/broker/internal/logging"
	"powernet/broker/internal/node"
)

// Ledger is the energy bookkeeping of one network for one tick. Every field is
// an amount of energy, never negative, and
// Generated + DrainedIn + Discharged == Consumed + ConduitOut + Charged + Wasted.
type Ledger struct {
	Generated  float64 `json:"generated" csv:"generated"`
	DrainedIn  float64 `json:"drained_in" csv:"drained_in"`
	Discharged float64 `json:"discharged" csv:"discharged"`
	Consumed   float64 `json:"consumed" csv:"consumed"`
	ConduitOut float64 `json:"conduit_out" csv:"conduit_out"`
	Charged    float64 `json:"charged" csv:"charged"`
	Wasted     float64 `json:"wasted" csv:"wasted"`
	Unserved   float64 `json:"unserved" csv:"unserved"`
	FuelBurned float64 `json:"fuel_burned" csv:"fuel_burned"`
}

// Supplied is the energy that entered the network from producers this tick.
func (l Ledger) Supplied() float64 { return l.Generated + l.DrainedIn }

// Imbalance returns inflow minus outflow, zero up to rounding for a valid tick.
func (l Ledger) Imbalance() float64 {
	return l.Supplied() + l.Discharged - l.Consumed - l.ConduitOut - l.Charged - l.Wasted
}

// Add accumulates other into l.
func (l *Ledger) Add(other Ledger) {
	l.Generated += other.Generated
	l.DrainedIn += other.DrainedIn
	l.Discharged += other.Discharged
	l.Consumed += other.Consumed
	l.ConduitOut += other.ConduitOut
	l.Charged += other.Charged
	l.Wasted += other.Wasted
	l.Unserved += other.Unserved
	l.FuelBurned += other.FuelBurned
}

// Result carries the post-tick state of one network.
type Result struct {
	NetworkID string
	Ledger    Ledger
	// Nodes holds updated copies of every member that took part, in member order.
	Nodes []*node.Node
	// Excluded lists members skipped because they were malformed or invalid.
	Excluded []node.ID
}

// EngineOption customises the engine.
type EngineOption func(*Engine)

// WithPools sets the actor pool provider used by conduits.
func WithPools(pools actors.Provider) EngineOption {
	return func(e *Engine) {
		e.pools = pools
	}
}

// WithEngineLogger overrides the logger used for excluded nodes.
func WithEngineLogger(logger *logging.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine moves energy through one network per Tick. It holds no per-network
// state, so ticks of disjoint networks may run concurrently.
type Engine struct {
	pools  actors.Provider
	logger *logging.Logger
}

// NewEngine constructs an engine. Without a pool provider conduits are inert.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{logger: logging.L()}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

type storageSlot struct {
	node        *node.Node
	dischargeOK float64
	chargeRoom  float64
}

// Tick advances one network by dt. members is treated as read only; the
// returned Result carries updated copies.
func (e *Engine) Tick(networkID string, members []*node.Node, dt time.Duration) Result {
	result := Result{NetworkID: networkID}
	secs := dt.Seconds()
	if secs < 0 || math.IsNaN(secs) {
		secs = 0
	}

	//1.- Copy members, dropping anything malformed so one bad node cannot stall the network.
	working := make([]*node.Node, 0, len(members))
	for _, member := range members {
		if member == nil {
			continue
		}
		if err := checkMember(member); err != nil {
			e.exclude(&result, networkID, member.ID, err)
			continue
		}
		working = append(working, member.Clone())
	}

	var (
		ledger    Ledger
		consumers []*node.Node
		storages  []*storageSlot
		charging  []*node.Node
	)

	//2.- Burn fuel and collect generator output.
	for _, n := range working {
		switch n.Kind {
		case node.KindSource:
			output, burned := generate(n.Source, secs)
			ledger.Generated += output
			ledger.FuelBurned += burned
		case node.KindStorage:
			s := n.Storage
			slot := &storageSlot{node: n, chargeRoom: rateLimited(s.Remaining(), s.ChargeRate, secs)}
			if s.DischargeEnabled {
				slot.dischargeOK = rateLimited(s.Stored, s.DischargeRate, secs)
			}
			storages = append(storages, slot)
		case node.KindConsumer:
			n.Consumer.Served, n.Consumer.Unserved = 0, 0
			consumers = append(consumers, n)
		case node.KindConduit:
			n.Conduit.Transferred = 0
			if n.Conduit.Mode == node.ModeCharge {
				charging = append(charging, n)
			}
		}
	}

	//3.- Pull energy in from actors attached to drain conduits.
	for _, n := range working {
		if n.Kind != node.KindConduit || n.Conduit.Mode != node.ModeDrain {
			continue
		}
		drained, err := e.drain(n.Conduit, secs)
		if err != nil {
			e.logger.Warn("conduit drain failed", logging.String("network_id", networkID),
				logging.String("node_id", string(n.ID)), logging.Error(err))
			continue
		}
		n.Conduit.Transferred = drained
		ledger.DrainedIn += drained
	}

	direct := ledger.Supplied()
	reserve := 0.0
	for _, slot := range storages {
		reserve += slot.dischargeOK
	}
	budget := direct + reserve

	//4.- Serve consumers by descending intensity, splitting a short tier proportionally.
	consumed, unserved := serveConsumers(consumers, budget, secs)
	ledger.Consumed = consumed
	ledger.Unserved = unserved
	budget = math.Max(0, budget-consumed)

	//5.- Offer what is left to actors attached to charge conduits.
	for _, n := range charging {
		if budget <= 0 {
			break
		}
		pushed, err := e.charge(n.Conduit, budget, secs)
		if err != nil {
			e.logger.Warn("conduit charge failed", logging.String("network_id", networkID),
				logging.String("node_id", string(n.ID)), logging.Error(err))
			continue
		}
		n.Conduit.Transferred = pushed
		ledger.ConduitOut += pushed
		budget = math.Max(0, budget-pushed)
	}

	//6.- Settle against storage: bank any surplus, cover any deficit.
	used := ledger.Consumed + ledger.ConduitOut
	if used <= direct {
		surplus := direct - used
		rooms := make([]float64, len(storages))
		for i, slot := range storages {
			rooms[i] = slot.chargeRoom
		}
		shares := waterFill(surplus, rooms)
		for i, slot := range storages {
			slot.node.Storage.Stored = math.Min(slot.node.Storage.Capacity, slot.node.Storage.Stored+shares[i])
			ledger.Charged += shares[i]
		}
		ledger.Wasted = math.Max(0, surplus-ledger.Charged)
	} else {
		deficit := used - direct
		stocks := make([]float64, len(storages))
		for i, slot := range storages {
			stocks[i] = slot.dischargeOK
		}
		shares := waterFill(deficit, stocks)
		for i, slot := range storages {
			slot.node.Storage.Stored = math.Max(0, slot.node.Storage.Stored-shares[i])
			ledger.Discharged += shares[i]
		}
	}

	result.Ledger = ledger
	result.Nodes = working
	return result
}

func (e *Engine) exclude(result *Result, networkID string, id node.ID, err error) {
	result.Excluded = append(result.Excluded, id)
	e.logger.Warn("excluding node from tick", logging.String("network_id", networkID),
		logging.String("node_id", string(id)), logging.Error(err))
}

func checkMember(n *node.Node) error {
	if !n.Valid() {
		return fmt.Errorf("node %s: backing handle invalid", n.ID)
	}
	if err := n.Validate(); err != nil {
		return err
	}
	switch n.Kind {
	case node.KindSource:
		return finite(n.Source.Fuel, n.Source.OutputRate, n.Source.BurnRate)
	case node.KindStorage:
		return finite(n.Storage.Stored, n.Storage.Capacity, n.Storage.ChargeRate, n.Storage.DischargeRate)
	case node.KindConsumer:
		return finite(n.Consumer.Request)
	case node.KindConduit:
		return finite(n.Conduit.TransferRate)
	}
	return nil
}

func finite(values ...float64) error {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite attribute %v", v)
		}
	}
	return nil
}

// generate burns fuel for secs and returns the energy produced and fuel consumed.
func generate(s *node.SourceState, secs float64) (float64, float64) {
	s.Output = 0
	s.Fuel = math.Max(0, s.Fuel)
	if secs <= 0 || s.Fuel <= 0 || s.OutputRate <= 0 {
		return 0, 0
	}
	fraction := 1.0
	burned := 0.0
	if s.BurnRate > 0 {
		need := s.BurnRate * secs
		fraction = math.Min(1, s.Fuel/need)
		burned = need * fraction
		s.Fuel = math.Max(0, s.Fuel-burned)
	}
	s.Output = s.OutputRate * secs * fraction
	return s.Output, burned
}

func rateLimited(amount, rate, secs float64) float64 {
	amount = math.Max(0, amount)
	if rate > 0 {
		return math.Min(amount, rate*secs)
	}
	return amount
}

// serveConsumers walks intensity tiers highest first. Ties keep member order.
func serveConsumers(consumers []*node.Node, budget, secs float64) (float64, float64) {
	active := make([]*node.Node, 0, len(consumers))
	for _, n := range consumers {
		if n.Consumer.Demand && n.Consumer.Request > 0 && secs > 0 {
			active = append(active, n)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Consumer.Intensity > active[j].Consumer.Intensity
	})

	consumed, unserved := 0.0, 0.0
	for start := 0; start < len(active); {
		end := start
		tierNeed := 0.0
		for end < len(active) && active[end].Consumer.Intensity == active[start].Consumer.Intensity {
			tierNeed += active[end].Consumer.Request * secs
			end++
		}
		ratio := 1.0
		if tierNeed > budget {
			ratio = budget / tierNeed
		}
		for _, n := range active[start:end] {
			need := n.Consumer.Request * secs
			served := need * ratio
			n.Consumer.Served = served
			n.Consumer.Unserved = math.Max(0, need-served)
			consumed += served
			unserved += n.Consumer.Unserved
		}
		budget = math.Max(0, budget-tierNeed*ratio)
		start = end
	}
	return consumed, unserved
}

func (e *Engine) drain(c *node.ConduitState, secs float64) (moved float64, err error) {
	if e.pools == nil || len(c.Actors) == 0 || secs <= 0 || c.TransferRate <= 0 {
		return 0, nil
	}
	defer recoverPool(&err)
	pool := e.pools.PoolFor(c.Actors)
	if pool == nil || pool.AveragePoolLevel() <= 0 {
		return 0, nil
	}
	request := c.TransferRate * secs
	return clampTo(pool.SubtractFromPool(request), request), nil
}

func (e *Engine) charge(c *node.ConduitState, budget, secs float64) (moved float64, err error) {
	if e.pools == nil || len(c.Actors) == 0 || secs <= 0 || c.TransferRate <= 0 {
		return 0, nil
	}
	defer recoverPool(&err)
	pool := e.pools.PoolFor(c.Actors)
	if pool == nil || pool.AveragePoolLevel() >= 1 {
		return 0, nil
	}
	offer := math.Min(c.TransferRate*secs, budget)
	return clampTo(pool.AddToPool(offer), offer), nil
}

func recoverPool(err *error) {
	if recovered := recover(); recovered != nil {
		*err = fmt.Errorf("actor pool panicked: %v", recovered)
	}
}

func clampTo(value, limit float64) float64 {
	if math.IsNaN(value) || value < 0 {
		return 0
	}
	return math.Min(value, limit)
}

// waterFill splits amount across slots limited by capacity, evenly where possible.
func waterFill(amount float64, capacity []float64) []float64 {
	shares := make([]float64, len(capacity))
	if amount <= 0 || len(capacity) == 0 {
		return shares
	}
	order := make([]int, len(capacity))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return capacity[order[a]] < capacity[order[b]] })
	remaining := amount
	for k, idx := range order {
		share := remaining / float64(len(order)-k)
		shares[idx] = math.Min(share, math.Max(0, capacity[idx]))
		remaining -= shares[idx]
	}
	return shares
}
