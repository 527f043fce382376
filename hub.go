package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"powernet/broker/internal/logging"
	"powernet/broker/internal/replication"
	"powernet/broker/internal/wire"
)

const (
	sendQueueDepth = 256
	writeWait      = 10 * time.Second
)

var (
	errSendQueueFull   = errors.New("observer send queue full")
	errUnknownObserver = errors.New("observer not connected")
	errSinkClosed      = errors.New("observer sink closed")
)

// HubStats summarises observer connectivity for /api/stats.
type HubStats struct {
	Clients   int    `json:"clients"`
	Websocket int    `json:"websocket"`
	GRPC      int    `json:"grpc"`
	Sent      uint64 `json:"sent"`
	Dropped   uint64 `json:"dropped"`
	Rejected  uint64 `json:"rejected"`
}

// sink delivers node updates to one connected observer.
type sink interface {
	deliver(msg *wire.NodesChanged) error
	close()
	transport() string
}

// wsClient is an observer connected over websocket.
type wsClient struct {
	conn     *websocket.Conn
	send     chan []byte
	id       string
	maxRange float64
	once     sync.Once
	closed   chan struct{}
}

func (c *wsClient) deliver(msg *wire.NodesChanged) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errSinkClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSendQueueFull
	}
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.closed) })
}

func (*wsClient) transport() string { return "websocket" }

// streamSink is an observer subscribed over the gRPC sync service.
type streamSink struct {
	updates chan *wire.NodesChanged
	mu      sync.Mutex
	done    bool
}

func (s *streamSink) deliver(msg *wire.NodesChanged) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errSinkClosed
	}
	select {
	case s.updates <- msg:
		return nil
	default:
		return errSendQueueFull
	}
}

func (s *streamSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.updates)
	}
}

func (*streamSink) transport() string { return "grpc" }

// HubOption customises the hub.
type HubOption func(*Hub)

// WithHubLogger overrides the hub logger.
func WithHubLogger(logger *logging.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.log = logger
		}
	}
}

// WithDisconnectHook runs fn after an observer's last connection closes.
func WithDisconnectHook(fn func(observerID string)) HubOption {
	return func(h *Hub) {
		if fn != nil {
			h.onDisconnect = append(h.onDisconnect, fn)
		}
	}
}

// WithHubLimits applies the websocket limits from configuration.
func WithHubLimits(maxClients int, maxPayload int64, pingInterval time.Duration, allowedOrigins []string) HubOption {
	return func(h *Hub) {
		h.maxClients = maxClients
		if maxPayload > 0 {
			h.maxPayload = maxPayload
		}
		if pingInterval > 0 {
			h.pingInterval = pingInterval
		}
		h.allowedOrigins = allowedOrigins
	}
}

// Hub routes authority updates to connected observers and feeds their
// inbound messages to the authority role. It is the replication transport.
type Hub struct {
	mu    sync.RWMutex
	sinks map[string]sink

	role          replication.Role
	authenticator websocketAuthenticator
	onDisconnect  []func(string)
	log           *logging.Logger

	maxClients     int
	maxPayload     int64
	pingInterval   time.Duration
	allowedOrigins []string
	upgrader       websocket.Upgrader

	startedAt  time.Time
	startupErr atomic.Value
	pending    atomic.Int64
	sent       atomic.Uint64
	dropped    atomic.Uint64
	rejected   atomic.Uint64
}

// NewHub constructs a hub. Bind must be called before serving observers.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		sinks:         make(map[string]sink),
		authenticator: anonymousAuthenticator{},
		log:           logging.L(),
		maxPayload:    1 << 20,
		pingInterval:  30 * time.Second,
		startedAt:     time.Now(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// Bind sets the role inbound observer messages are dispatched to. It must be
// called before ServeWS or Subscribe.
func (h *Hub) Bind(role replication.Role) {
	h.role = role
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Send implements replication.Transport.
func (h *Hub) Send(_ context.Context, observerID string, msg *wire.NodesChanged) error {
	h.mu.RLock()
	target, ok := h.sinks[observerID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownObserver, observerID)
	}
	if err := target.deliver(msg); err != nil {
		h.dropped.Add(1)
		return err
	}
	h.sent.Add(1)
	return nil
}

// attach registers a sink, closing any previous connection of the same observer.
func (h *Hub) attach(observerID string, s sink) {
	h.mu.Lock()
	previous, ok := h.sinks[observerID]
	h.sinks[observerID] = s
	h.mu.Unlock()
	if ok {
		previous.close()
		h.log.Info("observer connection replaced", logging.String("observer_id", observerID))
	}
}

// detach removes s if it is still the observer's active sink and runs the
// disconnect hooks.
func (h *Hub) detach(observerID string, s sink) {
	h.mu.Lock()
	current, ok := h.sinks[observerID]
	active := ok && current == s
	if active {
		delete(h.sinks, observerID)
	}
	h.mu.Unlock()
	s.close()
	if !active {
		return
	}
	for _, fn := range h.onDisconnect {
		fn(observerID)
	}
	h.log.Info("observer disconnected", logging.String("observer_id", observerID), logging.String("transport", s.transport()))
}

// Stats reports observer connectivity counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := HubStats{Clients: len(h.sinks), Sent: h.sent.Load(), Dropped: h.dropped.Load(), Rejected: h.rejected.Load()}
	for _, s := range h.sinks {
		if s.transport() == "grpc" {
			stats.GRPC++
		} else {
			stats.Websocket++
		}
	}
	return stats
}

// SnapshotClientCounts implements the readiness provider.
func (h *Hub) SnapshotClientCounts() (clients, pending int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks), int(h.pending.Load())
}

// SetStartupError records a fatal startup condition surfaced by /readyz.
func (h *Hub) SetStartupError(err error) {
	if err != nil {
		h.startupErr.Store(err)
	}
}

// StartupError implements the readiness provider.
func (h *Hub) StartupError() error {
	if err, ok := h.startupErr.Load().(error); ok {
		return err
	}
	return nil
}

// Uptime implements the readiness provider.
func (h *Hub) Uptime() time.Duration {
	return time.Since(h.startedAt)
}

// ServeWS upgrades an observer connection and pumps messages both ways.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticator.Authenticate(r)
	if err != nil {
		h.rejected.Add(1)
		h.log.Warn("observer authentication failed", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if identity.ObserverID == "" {
		identity.ObserverID = "observer-" + uuid.NewString()
	}
	if h.maxClients > 0 {
		clients, pending := h.SnapshotClientCounts()
		if clients+pending >= h.maxClients {
			h.rejected.Add(1)
			http.Error(w, "too many observers", http.StatusServiceUnavailable)
			return
		}
	}

	h.pending.Add(1)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	h.pending.Add(-1)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
		return
	}
	conn.SetReadLimit(h.maxPayload)

	client := &wsClient{
		conn:     conn,
		send:     make(chan []byte, sendQueueDepth),
		id:       identity.ObserverID,
		maxRange: identity.MaxRange,
		closed:   make(chan struct{}),
	}
	h.attach(client.id, client)
	h.log.Info("observer connected",
		logging.String("observer_id", client.id),
		logging.String("transport", client.transport()),
		logging.String("remote_addr", r.RemoteAddr))

	go h.writePump(client)
	h.readPump(client)
}

func (h *Hub) readPump(client *wsClient) {
	defer func() {
		h.detach(client.id, client)
		_ = client.conn.Close()
	}()
	logger := h.log.With(logging.String("observer_id", client.id))
	ctx := logging.ContextWithLogger(context.Background(), logger)
	pongWait := h.pingInterval * 2
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read failed", logging.Error(err))
			}
			return
		}
		msg, err := wire.Decode(raw)
		if err != nil {
			logger.Warn("discarding malformed observer message", logging.Error(err))
			continue
		}
		//1.- Tokens may cap how much of the world an observer can watch.
		if interest, ok := msg.(*wire.Interest); ok && client.maxRange > 0 && interest.Range > client.maxRange {
			interest.Range = client.maxRange
		}
		if err := h.role.Handle(ctx, client.id, msg); err != nil {
			logger.Warn("observer message rejected", logging.String("type", msg.MessageType()), logging.Error(err))
		}
	}
}

func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()
	for {
		select {
		case payload := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.closed:
			_ = client.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
