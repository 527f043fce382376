package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"powernet/broker/internal/auth"
	"powernet/broker/internal/config"
	grpcstream "powernet/broker/internal/grpc"
	"powernet/broker/internal/logging"
	"powernet/broker/internal/node"
	"powernet/broker/internal/replication"
	"powernet/broker/internal/wire"
)

const observerTokenTTL = time.Hour

var errNotConnected = errors.New("observer not connected upstream")

// upstreamSession is one live connection to the authority.
type upstreamSession interface {
	reportMembership(ctx context.Context, msg *wire.ActorMembership) error
}

// Observer mirrors the authority's node state into a local replica.
type Observer struct {
	cfg      *config.Config
	role     *replication.ObserverRole
	log      *logging.Logger
	tokens   *auth.HMACTokenVerifier
	dialer   *websocket.Dialer
	grpcOpts []grpc.DialOption
	codec    *grpcstream.Codec

	startedAt time.Time
	applied   atomic.Uint64
	sessions  atomic.Uint64

	mu      sync.RWMutex
	session upstreamSession
	lastErr error
}

// NewObserver prepares an observer for cfg.Upstream.
func NewObserver(cfg *config.Config, logger *logging.Logger) (*Observer, error) {
	if logger == nil {
		logger = logging.L()
	}
	if cfg.ObserverID == "" {
		cfg.ObserverID = "observer-" + uuid.NewString()
	}
	o := &Observer{
		cfg:       cfg,
		log:       logger.With(logging.String("observer_id", cfg.ObserverID)),
		dialer:    websocket.DefaultDialer,
		startedAt: time.Now(),
	}
	o.role = replication.NewObserverRole(replication.NewReplica(), o.onApply)
	if cfg.ObserverSecret != "" {
		verifier, err := auth.NewHMACTokenVerifier(cfg.ObserverSecret, 2*time.Second)
		if err != nil {
			return nil, err
		}
		o.tokens = verifier
	}
	codec, err := grpcstream.NewCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	o.codec = codec
	security, err := grpcstream.ClientSecurity(cfg)
	if err != nil {
		return nil, err
	}
	o.grpcOpts = append(security, grpc.WithStatsHandler(otelgrpc.NewClientHandler()))
	return o, nil
}

// Replica exposes the mirrored node state.
func (o *Observer) Replica() *replication.Replica { return o.role.Replica() }

func (o *Observer) onApply(msg *wire.NodesChanged, result replication.ApplyResult) {
	o.applied.Add(1)
	o.log.Debug("applied node update",
		logging.String("network_id", msg.NetworkID),
		logging.Uint64("tick", msg.Tick),
		logging.Int("nodes", len(msg.Nodes)),
		logging.Int("removed", len(msg.Removed)))
}

func (o *Observer) interest() *wire.Interest {
	p := o.cfg.ObserverPosition
	return &wire.Interest{
		ObserverID: o.cfg.ObserverID,
		Position:   node.Vec3{X: p[0], Y: p[1], Z: p[2]},
		Range:      o.cfg.ObserverRange,
	}
}

// Run keeps a session with the authority open until ctx is cancelled,
// reconnecting with exponential backoff.
func (o *Observer) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := o.runSession(ctx, policy.Reset)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			o.setLastErr(err)
			o.log.Warn("upstream session ended", logging.Error(err), logging.Duration("retry_in", wait))
		}))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Observer) runSession(ctx context.Context, connected func()) error {
	target, useGRPC := upstreamTarget(o.cfg.Upstream)
	if useGRPC {
		return o.runGRPC(ctx, target, connected)
	}
	return o.runWebsocket(ctx, target, connected)
}

// upstreamTarget classifies the configured upstream. ws:// and wss:// URLs
// use the websocket hub; grpc://host:port and bare host:port use gRPC.
func upstreamTarget(upstream string) (string, bool) {
	trimmed := strings.TrimSpace(upstream)
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "ws://"), strings.HasPrefix(lower, "wss://"):
		return trimmed, false
	case strings.HasPrefix(lower, "grpc://"):
		return trimmed[len("grpc://"):], true
	default:
		return trimmed, true
	}
}

func (o *Observer) runWebsocket(ctx context.Context, rawURL string, connected func()) error {
	target, err := url.Parse(rawURL)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("parse upstream: %w", err))
	}
	query := target.Query()
	query.Set("observer_id", o.cfg.ObserverID)
	if o.tokens != nil {
		token, err := o.tokens.Issue(o.cfg.ObserverID, observerTokenTTL, 0)
		if err != nil {
			return backoff.Permanent(err)
		}
		query.Set("auth_token", token)
	}
	target.RawQuery = query.Encode()

	conn, resp, err := o.dialer.DialContext(ctx, target.String(), http.Header{})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return backoff.Permanent(fmt.Errorf("upstream rejected credentials: %w", err))
		}
		return err
	}
	defer conn.Close()
	conn.SetReadLimit(o.cfg.MaxPayloadBytes)

	session := &wsSession{conn: conn}
	if err := session.write(o.interest()); err != nil {
		return err
	}
	o.begin(session, "websocket", connected)
	defer o.end(session)

	//1.- Unblock ReadMessage when the caller cancels.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		o.handle(ctx, raw)
	}
}

func (o *Observer) handle(ctx context.Context, raw []byte) {
	msg, err := wire.Decode(raw)
	if err != nil {
		o.log.Warn("discarding malformed update", logging.Error(err))
		return
	}
	if err := o.role.Handle(ctx, "", msg); err != nil {
		o.log.Warn("update rejected", logging.Error(err))
	}
}

func (o *Observer) runGRPC(ctx context.Context, target string, connected func()) error {
	client, err := grpcstream.Dial(target, o.cfg.ObserverID, o.codec, o.grpcOpts...)
	if err != nil {
		return backoff.Permanent(err)
	}
	defer client.Close()
	stream, err := client.Subscribe(ctx, o.interest())
	if err != nil {
		return err
	}
	session := &grpcSession{client: client}
	o.begin(session, "grpc", connected)
	defer o.end(session)
	for {
		update, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return errors.New("upstream closed the stream")
		}
		if err != nil {
			return err
		}
		if err := o.role.Handle(ctx, "", update); err != nil {
			o.log.Warn("update rejected", logging.Error(err))
		}
	}
}

func (o *Observer) begin(session upstreamSession, transport string, connected func()) {
	o.mu.Lock()
	o.session = session
	o.lastErr = nil
	o.mu.Unlock()
	o.sessions.Add(1)
	connected()
	o.log.Info("connected upstream", logging.String("upstream", o.cfg.Upstream), logging.String("transport", transport))
}

func (o *Observer) end(session upstreamSession) {
	o.mu.Lock()
	if o.session == session {
		o.session = nil
	}
	o.mu.Unlock()
}

func (o *Observer) setLastErr(err error) {
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()
}

// ReportMembership forwards an actor membership report to the authority.
func (o *Observer) ReportMembership(ctx context.Context, msg *wire.ActorMembership) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	o.mu.RLock()
	session := o.session
	o.mu.RUnlock()
	if session == nil {
		return errNotConnected
	}
	return session.reportMembership(ctx, msg)
}

// SnapshotClientCounts reports one client while the upstream session is live.
func (o *Observer) SnapshotClientCounts() (clients, pending int) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.session != nil {
		return 1, 0
	}
	return 0, 1
}

// StartupError surfaces the last upstream failure while disconnected.
func (o *Observer) StartupError() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.session != nil {
		return nil
	}
	if o.lastErr != nil {
		return o.lastErr
	}
	if o.sessions.Load() == 0 {
		return errNotConnected
	}
	return nil
}

// Uptime reports how long the observer has been running.
func (o *Observer) Uptime() time.Duration { return time.Since(o.startedAt) }

type wsSession struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSession) write(msg wire.Message) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// reportMembership is fire-and-forget over websocket; rejections are only
// visible in the authority log.
func (s *wsSession) reportMembership(_ context.Context, msg *wire.ActorMembership) error {
	return s.write(msg)
}

type grpcSession struct {
	client *grpcstream.Client
}

func (s *grpcSession) reportMembership(ctx context.Context, msg *wire.ActorMembership) error {
	accepted, reason, err := s.client.ReportMembership(ctx, msg)
	if err != nil {
		return err
	}
	if !accepted {
		return fmt.Errorf("membership rejected: %s", reason)
	}
	return nil
}
