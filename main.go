package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"powernet/broker/internal/config"
	httpapi "powernet/broker/internal/http"
	"powernet/broker/internal/logging"
	"powernet/broker/internal/observability"
	"powernet/broker/internal/wire"
)

const (
	shutdownTimeout       = 10 * time.Second
	maxMembershipBodySize = 64 << 10
)

// statsSource is anything able to report hub counters.
type statsSource interface {
	Stats() HubStats
}

func statsHandler(source statsSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := source.Stats()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			logging.LoggerFromContext(r.Context()).Warn("encode stats failed", logging.Error(err))
		}
	})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), logger)
	if err != nil {
		logger.Fatal("init tracing", logging.Error(err))
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, logger)

	logger.Info("starting powernet", logging.String("role", string(cfg.Role)), logging.String("address", cfg.Address))
	switch cfg.Role {
	case config.RoleObserver:
		err = runObserver(ctx, cfg, logger)
	default:
		err = runAuthority(ctx, cfg, logger)
	}
	if err != nil {
		logger.Error("powernet stopped with error", logging.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("powernet stopped")
}

func runAuthority(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	server, err := NewAuthorityServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Warn("authority shutdown incomplete", logging.Error(err))
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)

	//1.- The gRPC listener is optional and shares the authority's hub with the websocket path.
	var grpcServer *grpc.Server
	if cfg.GRPCAddress != "" {
		grpcServer, err = server.GRPCServer()
		if err != nil {
			return fmt.Errorf("configure grpc: %w", err)
		}
		listener, err := net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		go func() {
			logger.Info("grpc sync listening", logging.String("address", listener.Addr().String()))
			if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	server.Start(runCtx)
	httpServer := newHTTPServer(cfg, server.Handler())
	go serveHTTP(httpServer, cfg, logger, server.hub.SetStartupError, errCh)

	//2.- Block until a signal or a listener failure, then unwind in order.
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	cancel()
	shutdownHTTP(httpServer, logger)
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	server.Stop()
	return err
}

func runObserver(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	observer, err := NewObserver(cfg, logger)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)

	go func() {
		if err := observer.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("observer upstream: %w", err)
		}
	}()

	httpServer := newHTTPServer(cfg, observerHandler(observer, cfg, logger))
	go serveHTTP(httpServer, cfg, logger, nil, errCh)

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	cancel()
	shutdownHTTP(httpServer, logger)
	return err
}

// observerHandler serves the replica view and forwards membership reports upstream.
func observerHandler(observer *Observer, cfg *config.Config, logger *logging.Logger) http.Handler {
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:     logger,
		Readiness:  observer,
		Networks:   func() httpapi.NetworkView { return replicaView(observer) },
		AdminToken: cfg.AdminToken,
	})
	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.Handle("/api/membership", membershipHandler(observer))
	return logging.HTTPTraceMiddleware(logger)(mux)
}

func replicaView(observer *Observer) httpapi.NetworkView {
	replica := observer.Replica()
	networks := replica.Networks()
	view := httpapi.NetworkView{Role: string(config.RoleObserver), Tick: replica.LastTick()}
	ids := make([]string, 0, len(networks))
	for id := range networks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		view.Networks = append(view.Networks, httpapi.NetworkSummary{ID: id, Members: networks[id]})
	}
	return view
}

// membershipReporter forwards actor membership changes to the authority.
type membershipReporter interface {
	ReportMembership(ctx context.Context, msg *wire.ActorMembership) error
}

func membershipHandler(reporter membershipReporter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := logging.LoggerFromContext(r.Context())
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxMembershipBodySize))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		decoded, err := wire.Decode(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		msg, ok := decoded.(*wire.ActorMembership)
		if !ok {
			http.Error(w, "expected an actor membership message", http.StatusBadRequest)
			return
		}
		if err := reporter.ReportMembership(r.Context(), msg); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, errNotConnected) {
				status = http.StatusServiceUnavailable
			}
			logger.Warn("membership report not forwarded", logging.String("actor_id", msg.ActorID), logging.Error(err))
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func newHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// serveHTTP runs the listener and reports unexpected failures on errCh.
func serveHTTP(server *http.Server, cfg *config.Config, logger *logging.Logger, onStartupError func(error), errCh chan<- error) {
	tlsEnabled := cfg.TLSCertPath != "" && cfg.TLSKeyPath != ""
	urls := advertisedEndpoints(cfg.Address, cfg.GRPCAddress, tlsEnabled)
	logger.Info("http listening",
		logging.String("url", urls.HTTP),
		logging.String("websocket", urls.Websocket),
		logging.String("grpc", urls.GRPC))
	var err error
	if tlsEnabled {
		err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
	} else {
		err = server.ListenAndServe()
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}
	if onStartupError != nil {
		onStartupError(err)
	}
	errCh <- fmt.Errorf("http serve: %w", err)
}

func shutdownHTTP(server *http.Server, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", logging.Error(err))
	}
}
