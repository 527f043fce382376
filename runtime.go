package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"powernet/broker/internal/actors"
	"powernet/broker/internal/authority"
	"powernet/broker/internal/config"
	grpcstream "powernet/broker/internal/grpc"
	httpapi "powernet/broker/internal/http"
	"powernet/broker/internal/layout"
	"powernet/broker/internal/logging"
	"powernet/broker/internal/membership"
	"powernet/broker/internal/observability"
	"powernet/broker/internal/persistence"
	"powernet/broker/internal/registry"
	"powernet/broker/internal/replay"
	"powernet/broker/internal/replication"
	"powernet/broker/internal/simulation"
	"powernet/broker/internal/telemetry"
	"powernet/broker/internal/wire"
)

const (
	dispatchQueueDepth   = 1024
	journalSweepInterval = 10 * time.Minute
)

// closer is a teardown step run in reverse construction order.
type closer struct {
	name string
	fn   func() error
}

// AuthorityServer wires the authority pipeline to its transports and sinks.
type AuthorityServer struct {
	cfg       *config.Config
	log       *logging.Logger
	store     persistence.Store
	registry  *registry.Registry
	roster    *actors.Roster
	tracker   *membership.Tracker
	collector *observability.EngineCollector
	hub       *Hub
	publisher *replication.Publisher
	authority *authority.Authority
	recorder  *replay.Recorder
	ledgers   *telemetry.LedgerWriter
	snapshot  *StateSnapshotter
	handlers  *httpapi.HandlerSet
	loop      *simulation.Loop

	closers []closer
}

// NewAuthorityServer builds every authority component from cfg. Nothing is
// started until Start.
func NewAuthorityServer(ctx context.Context, cfg *config.Config, logger *logging.Logger) (srv *AuthorityServer, err error) {
	if logger == nil {
		logger = logging.L()
	}
	s := &AuthorityServer{cfg: cfg, log: logger}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	//1.- Storage first so registered nodes load their persisted attributes.
	if cfg.DatabasePath != "" {
		store, err := persistence.OpenSQLite(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open attribute store: %w", err)
		}
		s.store = store
		s.closers = append(s.closers, closer{"attribute store", store.Close})
	} else {
		s.store = persistence.NewMemoryStore()
	}
	s.registry = registry.New(registry.WithStore(s.store), registry.WithLogger(logger))

	if s.collector, err = observability.NewEngineCollector(prometheus.NewRegistry()); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	//2.- Actor membership feeds conduit actor sets and the actor pools they draw on.
	s.roster = actors.NewRoster()
	gate := membership.NewGate(membership.GateConfig{MaxAge: cfg.MembershipMaxAge, MinInterval: cfg.MembershipMinInterval}, nil, logger)
	s.tracker = membership.NewTracker(s.registry, gate,
		membership.WithRoster(s.roster, cfg.ActorCapacity),
		membership.WithLogger(logger),
		membership.WithDropObserver(s.collector.ObserveMembershipDrop))
	s.closers = append(s.closers, closer{"membership tracker", unsubscribe(s.registry.Subscribe(s.tracker.HandleRegistryEvent))})

	//3.- Transport: publisher -> dispatcher -> hub, with the journal watching every send.
	s.hub = NewHub(
		WithHubLogger(logger),
		WithHubLimits(cfg.MaxClients, cfg.MaxPayloadBytes, cfg.PingInterval, cfg.AllowedOrigins))
	if cfg.ObserverSecret != "" {
		authenticator, err := newHMACWebsocketAuthenticator(cfg.ObserverSecret)
		if err != nil {
			return nil, err
		}
		WithWebsocketAuthenticator(authenticator)(s.hub)
	}
	dispatcher := replication.NewDispatcher(s.hub, dispatchQueueDepth, logger,
		replication.WithDeliveryFailure(func(observerID string, msg *wire.NodesChanged) {
			s.publisher.MarkUndelivered(observerID, msg)
		}))
	s.closers = append(s.closers, closer{"dispatcher", func() error { dispatcher.Close(); return nil }})

	publisherOpts := []replication.PublisherOption{replication.WithPublisherLogger(logger)}
	if cfg.ReplayDir != "" {
		params := replay.EngineParameters(cfg.Engine)
		if s.recorder, err = replay.NewRecorder(cfg.ReplayDir, uuid.NewString(), params, time.Now, logger); err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		s.closers = append(s.closers, closer{"journal", s.recorder.Close})
		publisherOpts = append(publisherOpts, replication.WithSentHook(s.recorder.RecordMessage))
	}
	s.publisher = replication.NewPublisher(replication.NewInterests(), dispatcher, publisherOpts...)
	role := replication.NewAuthorityRole(s.publisher, s.tracker.Apply)
	s.hub.Bind(role)
	WithDisconnectHook(role.Disconnect)(s.hub)
	WithDisconnectHook(s.tracker.Disconnect)(s.hub)

	if s.snapshot, err = NewStateSnapshotter(cfg.StateSnapshotPath, cfg.StateSnapshotInterval, s.publisher, logger); err != nil {
		return nil, fmt.Errorf("load state snapshot: %w", err)
	}
	if s.snapshot != nil {
		s.closers = append(s.closers, closer{"state snapshot", s.snapshot.Close})
	}
	if s.ledgers, err = telemetry.NewLedgerWriter(cfg.TelemetryDir, logger); err != nil {
		return nil, fmt.Errorf("open ledger telemetry: %w", err)
	}
	if s.ledgers != nil {
		s.closers = append(s.closers, closer{"ledger telemetry", s.ledgers.Close})
	}

	//4.- The authority itself, with every step report fanned out to the sinks.
	engine := simulation.NewEngine(simulation.WithPools(s.roster), simulation.WithEngineLogger(logger))
	opts := []authority.Option{
		authority.WithLogger(logger),
		authority.WithStore(s.store),
		authority.WithEngine(engine),
		authority.WithCollector(s.collector),
		authority.WithTickSink(s.onTick),
	}
	if s.ledgers != nil {
		opts = append(opts, authority.WithTickSink(s.ledgers.Sink()))
	}
	if s.recorder != nil {
		opts = append(opts, authority.WithTickSink(s.recorder.RecordTick))
	}
	s.authority = authority.New(cfg.Engine, s.registry, s.publisher, opts...)
	s.closers = append(s.closers, closer{"authority", func() error { s.authority.Close(); return nil }})

	//5.- Seed the registry from the layout file standing in for the placement service.
	if cfg.LayoutPath != "" {
		file, err := layout.Load(cfg.LayoutPath)
		if err != nil {
			return nil, err
		}
		placed, err := file.Apply(ctx, s.authority)
		if err != nil {
			return nil, fmt.Errorf("apply layout: %w", err)
		}
		logger.Info("layout applied", logging.String("path", cfg.LayoutPath), logging.Int("placed", placed))
	}

	handlerOpts := httpapi.Options{
		Logger:      logger,
		Readiness:   s.hub,
		Metrics:     s.collector.Handler(),
		Networks:    s.networkView,
		Rebuilder:   s.authority,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(cfg.RebuildTriggerWindow, cfg.RebuildTriggerBurst, nil),
	}
	if s.recorder != nil {
		handlerOpts.Journal = s.recorder
		handlerOpts.JournalStats = s.recorder.Snapshot
	}
	s.handlers = httpapi.NewHandlerSet(handlerOpts)
	s.loop = simulation.NewLoop(cfg.Engine.TickRateHz, func(ctx context.Context, step time.Duration) {
		s.authority.Step(ctx, step)
	})
	return s, nil
}

func unsubscribe(fn func()) func() error {
	return func() error {
		fn()
		return nil
	}
}

// onTick keeps the topology gauges and the state snapshot current.
func (s *AuthorityServer) onTick(report authority.TickReport) {
	s.collector.SetTopology(s.registry.Len(), len(report.Networks))
	s.collector.SetObservers(s.hub.Stats().Clients)
	if len(report.Published) > 0 {
		s.snapshot.MarkDirty()
	}
}

func (s *AuthorityServer) networkView() httpapi.NetworkView {
	partition := s.authority.Partition()
	ledgers := make(map[string]simulation.Ledger)
	for _, entry := range s.authority.Ledgers() {
		ledgers[entry.NetworkID] = entry.Ledger
	}
	view := httpapi.NetworkView{Role: string(config.RoleAuthority), Tick: s.authority.Tick()}
	for _, network := range partition.Networks {
		summary := httpapi.NetworkSummary{ID: network.ID, Members: network.Members, Span: network.Span}
		if ledger, ok := ledgers[network.ID]; ok {
			summary.Ledger = &ledger
		}
		view.Networks = append(view.Networks, summary)
	}
	return view
}

// Authority exposes the orchestrator, mainly for tests.
func (s *AuthorityServer) Authority() *authority.Authority { return s.authority }

// Handler returns the HTTP surface: operational endpoints plus the observer websocket.
func (s *AuthorityServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handlers.Register(mux)
	mux.HandleFunc("/ws", s.hub.ServeWS)
	mux.Handle("/api/stats", statsHandler(s.hub))
	return logging.HTTPTraceMiddleware(s.log)(mux)
}

// GRPCServer builds the gRPC sync server with security, tracing and metrics interceptors.
func (s *AuthorityServer) GRPCServer() (*grpc.Server, error) {
	opts, err := grpcstream.ServerSecurity(s.cfg, s.log)
	if err != nil {
		return nil, err
	}
	codec, err := grpcstream.NewCodec(s.cfg.Compression)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(s.collector.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(s.collector.StreamServerInterceptor()))
	if s.cfg.MaxPayloadBytes > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(int(s.cfg.MaxPayloadBytes)))
	}
	server := grpc.NewServer(opts...)
	grpcstream.Register(server, grpcstream.NewService(s.hub,
		grpcstream.WithCodec(codec),
		grpcstream.WithStreamRate(s.cfg.Engine.TickRateHz*4),
		grpcstream.WithLogger(s.log)))
	return server, nil
}

// Start launches the tick loop and the journal retention sweeps.
func (s *AuthorityServer) Start(ctx context.Context) {
	s.loop.Start(ctx)
	if s.recorder != nil {
		retention := replay.NewRetention(s.cfg.ReplayDir,
			replay.RetentionPolicy{MaxBundles: s.cfg.ReplayMaxBundles, MaxAge: s.cfg.ReplayMaxAge},
			replay.WithRetentionLogger(s.log),
			replay.WithLiveBundle(s.recorder.Current))
		go retention.Run(ctx, journalSweepInterval)
	}
	s.log.Info("authority started",
		logging.Int("nodes", s.registry.Len()),
		logging.Duration("step", s.loop.StepDuration()),
		logging.Int("restored", s.snapshot.Restored()))
}

// Stop waits for the tick loop after ctx has been cancelled.
func (s *AuthorityServer) Stop() {
	s.loop.Stop()
}

// Close tears down every component in reverse construction order.
func (s *AuthorityServer) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].fn(); err != nil {
			s.log.Warn("shutdown step failed", logging.String("component", s.closers[i].name), logging.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.closers[i].name, err))
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
