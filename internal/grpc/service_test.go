package grpc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"powernet/broker/internal/config"
	"powernet/broker/internal/logging"
	"powernet/broker/internal/node"
	"powernet/broker/internal/wire"
)

type bridgeStub struct {
	mu        sync.Mutex
	updates   []*wire.NodesChanged
	interests []*wire.Interest
	reports   []*wire.ActorMembership
	senders   []string
	reject    error
	cancelled chan struct{}
}

func (b *bridgeStub) Subscribe(_ context.Context, interest *wire.Interest) (<-chan *wire.NodesChanged, func(), error) {
	b.mu.Lock()
	b.interests = append(b.interests, interest)
	b.mu.Unlock()
	ch := make(chan *wire.NodesChanged, len(b.updates))
	for _, update := range b.updates {
		ch <- update
	}
	close(ch)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			if b.cancelled != nil {
				close(b.cancelled)
			}
		})
	}, nil
}

func (b *bridgeStub) ReportMembership(_ context.Context, senderID string, msg *wire.ActorMembership) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.senders = append(b.senders, senderID)
	b.reports = append(b.reports, msg)
	return b.reject
}

func update(networkID string, tick uint64, ids ...node.ID) *wire.NodesChanged {
	states := make([]wire.NodeState, 0, len(ids))
	for _, id := range ids {
		states = append(states, wire.NewNodeState(node.New(id, node.KindSource, node.Vec3{X: 1}), tick))
	}
	return wire.NewNodesChanged(networkID, tick, states, nil, time.Time{})
}

func startServer(t *testing.T, bridge Bridge, serverOpts []grpc.ServerOption, opts ...Option) *bufconn.Listener {
	t.Helper()
	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer(serverOpts...)
	opts = append([]Option{WithStreamRate(1000), WithLogger(logging.NewTestLogger())}, opts...)
	Register(server, NewService(bridge, opts...))
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)
	return listener
}

func dialBuffer(t *testing.T, listener *bufconn.Listener, observerID string, codec *Codec, opts ...grpc.DialOption) *Client {
	t.Helper()
	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }
	opts = append([]grpc.DialOption{grpc.WithContextDialer(dialer)}, opts...)
	if len(opts) == 1 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	client, err := Dial("passthrough:///bufnet", observerID, codec, opts...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCodecDecodesAcrossEncodings(t *testing.T) {
	zstdCodec, err := NewCodec("zstd")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	identity, err := NewCodec("none")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	frame, err := zstdCodec.Encode(update("net-1", 7, "a", "b"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if frame.GetFields()[frameEncodingKey].GetStringValue() != "zstd" {
		t.Fatalf("expected zstd frame, got %v", frame)
	}
	msg, err := identity.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	decoded := msg.(*wire.NodesChanged)
	if decoded.NetworkID != "net-1" || decoded.Tick != 7 || len(decoded.Nodes) != 2 {
		t.Fatalf("unexpected decoded update %+v", decoded)
	}
	if decoded.Nodes[1].ID != "b" || decoded.Nodes[1].Position.X != 1 {
		t.Fatalf("node state lost in transit: %+v", decoded.Nodes[1])
	}

	plain, err := identity.Encode(&wire.Interest{ObserverID: "obs", Range: 50})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if plain.GetFields()[frameBodyKey].GetStructValue() == nil {
		t.Fatalf("identity frame should carry a nested body: %v", plain)
	}
	if _, err := zstdCodec.Decode(plain); err != nil {
		t.Fatalf("Decode identity frame: %v", err)
	}
}

func TestSubscribeStreamsUpdatesInOrder(t *testing.T) {
	bridge := &bridgeStub{
		updates:   []*wire.NodesChanged{update("net-1", 1, "a"), update("net-2", 2, "b"), update("net-1", 3, "a")},
		cancelled: make(chan struct{}),
	}
	codec, _ := NewCodec("snappy")
	listener := startServer(t, bridge, nil, WithCodec(codec))
	client := dialBuffer(t, listener, "obs-1", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.Subscribe(ctx, &wire.Interest{ObserverID: "obs-1", Position: node.Vec3{}, Range: 25})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	var ticks []uint64
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		ticks = append(ticks, msg.Tick)
	}
	if len(ticks) != 3 || ticks[0] != 1 || ticks[1] != 2 || ticks[2] != 3 {
		t.Fatalf("expected ticks 1,2,3 in order, got %v", ticks)
	}
	select {
	case <-bridge.cancelled:
	case <-time.After(time.Second):
		t.Fatal("expected subscription to be cancelled after the stream ended")
	}
	if len(bridge.interests) != 1 || bridge.interests[0].Range != 25 {
		t.Fatalf("unexpected interests %+v", bridge.interests)
	}
}

func TestSubscribeRejectsNonInterestRequest(t *testing.T) {
	listener := startServer(t, &bridgeStub{}, nil)
	client := dialBuffer(t, listener, "obs-1", nil)

	req, err := client.codec.Encode(&wire.ActorMembership{ConduitID: "c", ActorID: "a", Sequence: 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	cs, err := client.conn.NewStream(context.Background(), &ServiceDesc.Streams[0], subscribeMethod)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := cs.SendMsg(req); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}
	_ = cs.CloseSend()
	err = cs.RecvMsg(req)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestReportMembershipAcknowledges(t *testing.T) {
	bridge := &bridgeStub{}
	listener := startServer(t, bridge, nil)
	client := dialBuffer(t, listener, "obs-9", nil)

	accepted, reason, err := client.ReportMembership(context.Background(), &wire.ActorMembership{ConduitID: "c-1", ActorID: "actor-1", Entered: true, Sequence: 1})
	if err != nil {
		t.Fatalf("ReportMembership: %v", err)
	}
	if !accepted || reason != "" {
		t.Fatalf("expected acceptance, got %v %q", accepted, reason)
	}
	if len(bridge.senders) != 1 || bridge.senders[0] != "obs-9" {
		t.Fatalf("expected sender obs-9, got %v", bridge.senders)
	}
	if bridge.reports[0].ConduitID != "c-1" || !bridge.reports[0].Entered {
		t.Fatalf("unexpected report %+v", bridge.reports[0])
	}

	bridge.reject = errors.New("stale sequence")
	accepted, reason, err = client.ReportMembership(context.Background(), &wire.ActorMembership{ConduitID: "c-1", ActorID: "actor-1", Sequence: 1})
	if err != nil {
		t.Fatalf("ReportMembership: %v", err)
	}
	if accepted || reason != "stale sequence" {
		t.Fatalf("expected rejection with reason, got %v %q", accepted, reason)
	}
}

func TestReportMembershipRequiresObserverID(t *testing.T) {
	listener := startServer(t, &bridgeStub{}, nil)
	client := dialBuffer(t, listener, "", nil)

	_, _, err := client.ReportMembership(context.Background(), &wire.ActorMembership{ConduitID: "c-1", ActorID: "actor-1", Sequence: 1})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestSharedSecretGuardsBothCallShapes(t *testing.T) {
	cfg := &config.Config{GRPCSharedSecret: "hunter2"}
	serverOpts, err := ServerSecurity(cfg, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("ServerSecurity: %v", err)
	}
	listener := startServer(t, &bridgeStub{}, serverOpts)

	anonymous := dialBuffer(t, listener, "obs-1", nil)
	_, _, err = anonymous.ReportMembership(context.Background(), &wire.ActorMembership{ConduitID: "c", ActorID: "a", Sequence: 1})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated without secret, got %v", err)
	}
	stream, err := anonymous.Subscribe(context.Background(), &wire.Interest{ObserverID: "obs-1", Range: 1})
	if err == nil {
		_, err = stream.Recv()
	}
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated stream, got %v", err)
	}

	dialOpts, err := ClientSecurity(cfg)
	if err != nil {
		t.Fatalf("ClientSecurity: %v", err)
	}
	authorised := dialBuffer(t, listener, "obs-1", nil, dialOpts...)
	if accepted, _, err := authorised.ReportMembership(context.Background(), &wire.ActorMembership{ConduitID: "c", ActorID: "a", Sequence: 1}); err != nil || !accepted {
		t.Fatalf("expected authorised call to succeed, got %v %v", accepted, err)
	}
}

func TestExtractSharedSecretAcceptsBearer(t *testing.T) {
	md := metadata.New(map[string]string{"authorization": "Bearer hunter2"})
	if got := extractSharedSecret(md); got != "hunter2" {
		t.Fatalf("expected bearer secret, got %q", got)
	}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{SharedSecretMetadataKey: "nope"}))
	if status.Code(checkSharedSecret(ctx, "hunter2")) != codes.Unauthenticated {
		t.Fatal("expected mismatched secret to be rejected")
	}
}

func TestServerSecurityMTLS(t *testing.T) {
	certFile, keyFile := generateSelfSignedCert(t)
	cfg := &config.Config{GRPCServerCertPath: certFile, GRPCServerKeyPath: keyFile, GRPCClientCAPath: certFile}
	opts, err := ServerSecurity(cfg, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("ServerSecurity: %v", err)
	}
	if len(opts) != 1 {
		t.Fatalf("expected a single credentials option, got %d", len(opts))
	}
	if _, err := ClientSecurity(cfg); err != nil {
		t.Fatalf("ClientSecurity: %v", err)
	}

	cfg.GRPCClientCAPath = filepath.Join(t.TempDir(), "missing.pem")
	if _, err := ServerSecurity(cfg, logging.NewTestLogger()); err == nil {
		t.Fatal("expected error for missing ca bundle")
	}
}

func generateSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "powernet-test"},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}
