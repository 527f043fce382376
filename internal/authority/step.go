package authority

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"powernet/broker/internal/logging"
	"powernet/broker/internal/node"
	"powernet/broker/internal/observability"
	"powernet/broker/internal/simulation"
)

// Step runs one authority tick: prune, rebuild when due, simulate every
// network, write back, persist and publish changes.
func (a *Authority) Step(ctx context.Context, dt time.Duration) TickReport {
	a.stepMu.Lock()
	defer a.stepMu.Unlock()
	a.tick++

	ctx, span := observability.Tracer().Start(ctx, "authority.step", trace.WithAttributes(attribute.Int64("tick", int64(a.tick))))
	defer span.End()
	traceID := ""
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	ctx, logger, _ := logging.WithTrace(ctx, a.logger, traceID)
	logger = logger.With(logging.Uint64("tick", a.tick))

	report := TickReport{Tick: a.tick, Step: dt, StartedAt: a.now()}

	//1.- Drop nodes whose backing objects disappeared before they reach clustering.
	report.Pruned = a.registry.PruneInvalid()

	//2.- Clustering completes before simulation reads the partition.
	report.Rebuilt, report.RebuildErr = a.scheduler.Step(ctx)

	//3.- Group the live nodes by their assigned network in registry order.
	partition := a.Partition()
	known := make(map[string]struct{}, partition.Len())
	for _, network := range partition.Networks {
		known[network.ID] = struct{}{}
	}
	byNetwork := groupByNetwork(a.registry.AllNodes(), known)
	networkIDs := make([]string, 0, len(byNetwork))
	for networkID := range byNetwork {
		networkIDs = append(networkIDs, networkID)
	}
	sort.Strings(networkIDs)

	results := a.simulate(ctx, networkIDs, byNetwork, dt)

	//4.- Write the simulated state back and persist it.
	ledgers := make(map[string]NetworkLedger, len(results))
	for _, result := range results {
		a.registry.ApplyStates(result.Nodes)
		report.Excluded = append(report.Excluded, result.Excluded...)
		entry := NetworkLedger{NetworkID: result.NetworkID, Members: len(result.Nodes), Ledger: result.Ledger}
		report.Networks = append(report.Networks, entry)
		report.Total.Add(result.Ledger)
		ledgers[result.NetworkID] = entry
	}
	a.persist(ctx, logger, results)

	//5.- Resend what earlier ticks failed to deliver, then publish only what
	// changed since the last published image.
	report.Published = append(report.Published, a.publisher.Redeliver(ctx)...)
	current := groupByNetwork(a.registry.AllNodes(), known)
	publishIDs := make([]string, 0, len(current))
	for networkID := range current {
		publishIDs = append(publishIDs, networkID)
	}
	sort.Strings(publishIDs)
	for _, networkID := range publishIDs {
		changed := a.publisher.Diff(current[networkID])
		if len(changed) == 0 {
			continue
		}
		report.Published = append(report.Published, a.publisher.PublishChanges(ctx, networkID, a.tick, changed))
	}

	a.mu.Lock()
	removals := a.removals
	a.removals = nil
	for networkID, entry := range ledgers {
		a.ledgers[networkID] = entry
	}
	a.mu.Unlock()
	removed := a.departed(removals)
	if len(removed) > 0 {
		report.Removed = removed
		report.Published = append(report.Published, a.publisher.PublishRemovals(ctx, a.tick, removed)...)
		a.forget(ctx, logger, removed)
	}

	report.Duration = a.now().Sub(report.StartedAt)
	delivered, failed := report.Messages()
	span.SetAttributes(
		attribute.Int("networks", len(report.Networks)),
		attribute.Int("messages", delivered),
		attribute.Bool("rebuilt", report.Rebuilt))
	a.collector.ObserveTick(report.Duration, len(report.Excluded), observability.EnergyFlows{
		Generated:  report.Total.Generated,
		Consumed:   report.Total.Consumed,
		Charged:    report.Total.Charged,
		Discharged: report.Total.Discharged,
		ConduitIn:  report.Total.DrainedIn,
		ConduitOut: report.Total.ConduitOut,
		Wasted:     report.Total.Wasted,
		Unserved:   report.Total.Unserved,
	})
	a.collector.ObserveSync(delivered, failed)
	a.collector.SetObservers(a.publisher.Interests().Len())
	if len(report.Excluded) > 0 {
		logger.Warn("nodes excluded from simulation", logging.Int("count", len(report.Excluded)))
	}

	for _, sink := range a.sinks {
		sink(report)
	}
	return report
}

// groupByNetwork keeps nodes assigned to a network of the current partition.
// Nodes placed since the last rebuild wait for the next pass.
func groupByNetwork(nodes []*node.Node, known map[string]struct{}) map[string][]*node.Node {
	out := make(map[string][]*node.Node, len(known))
	for _, n := range nodes {
		if _, ok := known[n.NetworkID]; !ok {
			continue
		}
		out[n.NetworkID] = append(out[n.NetworkID], n)
	}
	return out
}

func (a *Authority) simulate(ctx context.Context, networkIDs []string, byNetwork map[string][]*node.Node, dt time.Duration) []simulation.Result {
	results := make([]simulation.Result, len(networkIDs))
	run := func(i int) {
		networkID := networkIDs[i]
		_, span := observability.Tracer().Start(ctx, "authority.tick_network",
			trace.WithAttributes(attribute.String("network_id", networkID), attribute.Int("members", len(byNetwork[networkID]))))
		results[i] = a.engine.Tick(networkID, byNetwork[networkID], dt)
		span.End()
	}
	if !a.cfg.ParallelTicks || len(networkIDs) < 2 {
		for i := range networkIDs {
			run(i)
		}
		return results
	}
	//1.- Networks are disjoint by construction so their ticks may run concurrently.
	var group errgroup.Group
	for i := range networkIDs {
		group.Go(func() error {
			run(i)
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func (a *Authority) persist(ctx context.Context, logger *logging.Logger, results []simulation.Result) {
	if a.store == nil {
		return
	}
	for _, result := range results {
		for _, n := range result.Nodes {
			current, ok := a.registry.Get(n.ID)
			if !ok {
				continue
			}
			if err := current.Save(ctx, a.store); err != nil {
				logger.Warn("persist node attributes failed", logging.String("node_id", string(n.ID)), logging.Error(err))
			}
		}
	}
}

// departed drops identifiers that were registered again after their removal.
// Their published image and stored attributes now belong to the new node.
func (a *Authority) departed(removals []node.ID) []node.ID {
	if len(removals) == 0 {
		return nil
	}
	seen := make(map[node.ID]struct{}, len(removals))
	out := make([]node.ID, 0, len(removals))
	for _, id := range removals {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if a.registry.Contains(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (a *Authority) forget(ctx context.Context, logger *logging.Logger, removed []node.ID) {
	if a.store == nil {
		return
	}
	for _, id := range removed {
		if err := a.store.Delete(ctx, string(id)); err != nil {
			logger.Warn("delete node attributes failed", logging.String("node_id", string(id)), logging.Error(err))
		}
	}
}
