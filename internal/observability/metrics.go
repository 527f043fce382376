// Package observability exposes Prometheus collectors and OpenTelemetry tracing
// for the powernet engine.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// EngineCollector bundles the Prometheus metrics of the clustering, simulation
// and sync pipeline.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	Nodes    prometheus.Gauge
	Networks prometheus.Gauge

	Rebuilds         *prometheus.CounterVec
	RebuildDurations prometheus.Histogram
	Ticks            prometheus.Counter
	TickDurations    prometheus.Histogram
	ExcludedNodes    prometheus.Counter
	Energy           *prometheus.CounterVec

	SyncMessages    *prometheus.CounterVec
	MembershipDrops *prometheus.CounterVec
	Observers       prometheus.Gauge

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewEngineCollector registers the engine metrics against reg, defaulting to
// the global registry when nil. Collectors registered earlier are reused.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &EngineCollector{gatherer: gatherer}
	var err error

	if c.Nodes, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "powernet_nodes",
		Help: "Number of registered power nodes.",
	}), "powernet_nodes"); err != nil {
		return nil, err
	}
	if c.Networks, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "powernet_networks",
		Help: "Number of networks in the current partition.",
	}), "powernet_networks"); err != nil {
		return nil, err
	}
	if c.Rebuilds, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "powernet_rebuilds_total",
		Help: "Clustering passes, labeled by result.",
	}, []string{"result"}), "powernet_rebuilds_total"); err != nil {
		return nil, err
	}
	if c.RebuildDurations, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "powernet_rebuild_duration_seconds",
		Help:    "Duration of clustering passes.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}), "powernet_rebuild_duration_seconds"); err != nil {
		return nil, err
	}
	if c.Ticks, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "powernet_ticks_total",
		Help: "Authority simulation steps executed.",
	}), "powernet_ticks_total"); err != nil {
		return nil, err
	}
	if c.TickDurations, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "powernet_tick_duration_seconds",
		Help:    "Duration of one authority step across all networks.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}), "powernet_tick_duration_seconds"); err != nil {
		return nil, err
	}
	if c.ExcludedNodes, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "powernet_excluded_nodes_total",
		Help: "Nodes skipped by the simulation because their state was invalid.",
	}), "powernet_excluded_nodes_total"); err != nil {
		return nil, err
	}
	if c.Energy, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "powernet_energy_total",
		Help: "Energy moved by the simulation, labeled by flow.",
	}, []string{"flow"}), "powernet_energy_total"); err != nil {
		return nil, err
	}
	if c.SyncMessages, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "powernet_sync_messages_total",
		Help: "Node update messages handed to observers, labeled by result.",
	}, []string{"result"}), "powernet_sync_messages_total"); err != nil {
		return nil, err
	}
	if c.MembershipDrops, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "powernet_membership_drops_total",
		Help: "Actor membership reports rejected, labeled by reason.",
	}, []string{"reason"}), "powernet_membership_drops_total"); err != nil {
		return nil, err
	}
	if c.Observers, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "powernet_observers",
		Help: "Observers with a registered area of interest.",
	}), "powernet_observers"); err != nil {
		return nil, err
	}
	if c.RPCRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "powernet_rpc_requests_total",
		Help: "Handled sync RPCs, labeled by service, method and gRPC status code.",
	}, []string{"service", "method", "code"}), "powernet_rpc_requests_total"); err != nil {
		return nil, err
	}
	if c.RPCDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "powernet_rpc_duration_seconds",
		Help:    "Sync RPC latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"service", "method"}), "powernet_rpc_duration_seconds"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *EngineCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetTopology updates the node and network gauges.
func (c *EngineCollector) SetTopology(nodes, networks int) {
	if c == nil {
		return
	}
	c.Nodes.Set(float64(nodes))
	c.Networks.Set(float64(networks))
}

// ObserveRebuild records one clustering pass.
func (c *EngineCollector) ObserveRebuild(d time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.Rebuilds.WithLabelValues(result).Inc()
	c.RebuildDurations.Observe(d.Seconds())
}

// EnergyFlows names the ledger quantities exported by ObserveTick.
type EnergyFlows struct {
	Generated  float64
	Consumed   float64
	Charged    float64
	Discharged float64
	ConduitIn  float64
	ConduitOut float64
	Wasted     float64
	Unserved   float64
}

// ObserveTick records one authority step.
func (c *EngineCollector) ObserveTick(d time.Duration, excluded int, flows EnergyFlows) {
	if c == nil {
		return
	}
	c.Ticks.Inc()
	c.TickDurations.Observe(d.Seconds())
	if excluded > 0 {
		c.ExcludedNodes.Add(float64(excluded))
	}
	for flow, amount := range map[string]float64{
		"generated":   flows.Generated,
		"consumed":    flows.Consumed,
		"charged":     flows.Charged,
		"discharged":  flows.Discharged,
		"conduit_in":  flows.ConduitIn,
		"conduit_out": flows.ConduitOut,
		"wasted":      flows.Wasted,
		"unserved":    flows.Unserved,
	} {
		if amount > 0 {
			c.Energy.WithLabelValues(flow).Add(amount)
		}
	}
}

// ObserveSync records delivered and failed observer messages.
func (c *EngineCollector) ObserveSync(delivered, failed int) {
	if c == nil {
		return
	}
	if delivered > 0 {
		c.SyncMessages.WithLabelValues("delivered").Add(float64(delivered))
	}
	if failed > 0 {
		c.SyncMessages.WithLabelValues("failed").Add(float64(failed))
	}
}

// ObserveMembershipDrop counts a rejected membership report.
func (c *EngineCollector) ObserveMembershipDrop(reason string) {
	if c == nil {
		return
	}
	if reason == "" {
		reason = "invalid"
	}
	c.MembershipDrops.WithLabelValues(reason).Inc()
}

// SetObservers updates the observer gauge.
func (c *EngineCollector) SetObservers(count int) {
	if c == nil {
		return
	}
	c.Observers.Set(float64(count))
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *EngineCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		c.observeRPC(fullMethod, start, err)
		return resp, err
	}
}

// StreamServerInterceptor records request counts and durations for streaming RPCs.
func (c *EngineCollector) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		c.observeRPC(fullMethod, start, err)
		return err
	}
}

func (c *EngineCollector) observeRPC(fullMethod string, start time.Time, err error) {
	if c == nil {
		return
	}
	service, method := SplitMethod(fullMethod)
	c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
	c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
}

// SplitMethod parses a fully-qualified gRPC method name into service and
// method components, returning "unknown" for parts it cannot resolve.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
