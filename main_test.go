package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"powernet/broker/internal/auth"
	"powernet/broker/internal/logging"
	"powernet/broker/internal/node"
	"powernet/broker/internal/wire"
)

type fakeHub struct {
	stats HubStats
	mu    sync.Mutex
	calls int
}

func (f *fakeHub) Stats() HubStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.stats
}

func TestStatsHandlerReturnsJSON(t *testing.T) {
	fake := &fakeHub{stats: HubStats{Clients: 3, Websocket: 2, GRPC: 1, Sent: 40, Dropped: 2}}
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rr := httptest.NewRecorder()

	statsHandler(fake).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type: got %q", ct)
	}
	var resp HubStats
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp != fake.stats {
		t.Fatalf("unexpected stats: got %+v want %+v", resp, fake.stats)
	}
	if fake.calls != 1 {
		t.Fatalf("expected Stats to be called once, got %d", fake.calls)
	}
}

type reporterFunc func(ctx context.Context, msg *wire.ActorMembership) error

func (f reporterFunc) ReportMembership(ctx context.Context, msg *wire.ActorMembership) error {
	return f(ctx, msg)
}

func TestMembershipHandlerForwardsReports(t *testing.T) {
	var got *wire.ActorMembership
	handler := membershipHandler(reporterFunc(func(_ context.Context, msg *wire.ActorMembership) error {
		got = msg
		return nil
	}))

	body := `{"type":"actor_membership","conduit_id":"gate","actor_id":"a","entered":true,"sequence":1}`
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/membership", strings.NewReader(body)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if got == nil || got.ConduitID != "gate" || !got.Entered {
		t.Fatalf("unexpected forwarded report %+v", got)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/membership", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	interest := `{"type":"interest","observer_id":"obs","range":5}`
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/membership", strings.NewReader(interest)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non membership message, got %d", rr.Code)
	}
}

func TestMembershipHandlerReportsMissingUpstream(t *testing.T) {
	handler := membershipHandler(reporterFunc(func(context.Context, *wire.ActorMembership) error {
		return errNotConnected
	}))
	body := `{"type":"actor_membership","conduit_id":"gate","actor_id":"a","entered":true,"sequence":1}`
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/membership", strings.NewReader(body)))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}

	failing := membershipHandler(reporterFunc(func(context.Context, *wire.ActorMembership) error {
		return errors.New("rejected upstream")
	}))
	rr = httptest.NewRecorder()
	failing.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/membership", strings.NewReader(body)))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
}

func dialObserver(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg wire.Message) {
	t.Helper()
	raw, err := wire.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readUpdate(t *testing.T, conn *websocket.Conn) *wire.NodesChanged {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	decoded, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	update, ok := decoded.(*wire.NodesChanged)
	if !ok {
		t.Fatalf("expected nodes_changed, got %T", decoded)
	}
	return update
}

func TestHubSendsInitialStateAndAppliesMembership(t *testing.T) {
	cfg := testAuthorityConfig(t)
	server, err := NewAuthorityServer(context.Background(), cfg, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewAuthorityServer: %v", err)
	}
	defer server.Close()
	settle(t, server)

	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	conn := dialObserver(t, httpServer, "observer_id=obs-1")
	writeMessage(t, conn, &wire.Interest{ObserverID: "obs-1", Position: node.Vec3{}, Range: 100})

	//1.- Registering an interest replays the published image of every covered node.
	initial := readUpdate(t, conn)
	if initial.Count != 4 || initial.NetworkID == "" {
		t.Fatalf("expected the whole network in the initial sync, got %+v", initial)
	}

	//2.- A membership report over the same socket reaches the conduit.
	writeMessage(t, conn, &wire.ActorMembership{ConduitID: "gate", ActorID: "pilot", Entered: true, Sequence: 1})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gate, ok := server.registry.Get("gate"); ok && len(gate.Conduit.Actors) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	gate, _ := server.registry.Get("gate")
	if len(gate.Conduit.Actors) != 1 || gate.Conduit.Actors[0] != "pilot" {
		t.Fatalf("expected pilot inside the conduit, got %v", gate.Conduit.Actors)
	}

	stats := server.hub.Stats()
	if stats.Clients != 1 || stats.Websocket != 1 {
		t.Fatalf("unexpected hub stats %+v", stats)
	}

	//3.- Dropping the socket evicts the actors it reported.
	_ = conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gate, _ := server.registry.Get("gate"); len(gate.Conduit.Actors) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected disconnect to clear the conduit actors")
}

func TestHubRejectsMissingTokenWhenSecretConfigured(t *testing.T) {
	cfg := testAuthorityConfig(t)
	cfg.LayoutPath = ""
	cfg.ObserverSecret = "observer-secret"
	server, err := NewAuthorityServer(context.Background(), cfg, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewAuthorityServer: %v", err)
	}
	defer server.Close()

	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws?observer_id=obs-1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	verifier, err := auth.NewHMACTokenVerifier(cfg.ObserverSecret, time.Second)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	token, err := verifier.Issue("obs-1", time.Minute, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	dialObserver(t, httpServer, "auth_token="+token)
	if server.hub.Stats().Rejected != 1 {
		t.Fatalf("expected one rejected dial, got %+v", server.hub.Stats())
	}
}
