package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"POWERNET_ROLE", "POWERNET_ADDR", "POWERNET_GRPC_ADDR", "POWERNET_ALLOWED_ORIGINS",
		"POWERNET_MAX_PAYLOAD_BYTES", "POWERNET_PING_INTERVAL", "POWERNET_MAX_CLIENTS",
		"POWERNET_TLS_CERT", "POWERNET_TLS_KEY", "POWERNET_UPSTREAM", "POWERNET_TICK_RATE_HZ",
		"POWERNET_JOIN_DISTANCE", "POWERNET_RELAY_JOIN_DISTANCE", "POWERNET_REBUILD_QUIET",
		"POWERNET_REBUILD_MAX_DELAY", "POWERNET_REUSE_NETWORK_IDS", "POWERNET_COMPRESSION",
		"POWERNET_OBSERVER_POSITION", "POWERNET_GRPC_TLS_CERT", "POWERNET_GRPC_TLS_KEY",
		"POWERNET_GRPC_CLIENT_CA",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Role != RoleAuthority {
		t.Fatalf("expected authority role by default, got %q", cfg.Role)
	}
	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected no allowed origins, got %#v", cfg.AllowedOrigins)
	}
	if cfg.Engine.JoinDistance != DefaultJoinDistance || cfg.Engine.RelayJoinDistance != DefaultRelayJoinDistance {
		t.Fatalf("unexpected join distances %+v", cfg.Engine)
	}
	if !cfg.Engine.ReuseNetworkIDs {
		t.Fatal("expected network id reuse to default on")
	}
	if cfg.Engine.TickInterval() != 250*time.Millisecond {
		t.Fatalf("expected 250ms tick interval, got %v", cfg.Engine.TickInterval())
	}
	if cfg.Compression != DefaultCompression {
		t.Fatalf("expected default compression %q, got %q", DefaultCompression, cfg.Compression)
	}
	if cfg.GRPCMutualTLS() {
		t.Fatal("expected mTLS to be disabled without certificate paths")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("POWERNET_ROLE", "Observer")
	t.Setenv("POWERNET_UPSTREAM", "ws://authority:43127/ws")
	t.Setenv("POWERNET_ALLOWED_ORIGINS", "https://example.com, https://demo.local")
	t.Setenv("POWERNET_TICK_RATE_HZ", "10")
	t.Setenv("POWERNET_JOIN_DISTANCE", "12.5")
	t.Setenv("POWERNET_REBUILD_QUIET", "100ms")
	t.Setenv("POWERNET_REBUILD_MAX_DELAY", "1s")
	t.Setenv("POWERNET_REUSE_NETWORK_IDS", "false")
	t.Setenv("POWERNET_OBSERVER_POSITION", "1, 2, 3")
	t.Setenv("POWERNET_COMPRESSION", "ZSTD")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Role != RoleObserver || cfg.Upstream != "ws://authority:43127/ws" {
		t.Fatalf("unexpected role config %q %q", cfg.Role, cfg.Upstream)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://demo.local" {
		t.Fatalf("unexpected allowed origins: %#v", cfg.AllowedOrigins)
	}
	if cfg.Engine.TickInterval() != 100*time.Millisecond {
		t.Fatalf("expected 100ms tick interval, got %v", cfg.Engine.TickInterval())
	}
	if cfg.Engine.JoinDistance != 12.5 {
		t.Fatalf("expected join distance 12.5, got %v", cfg.Engine.JoinDistance)
	}
	if cfg.Engine.RebuildQuiet != 100*time.Millisecond || cfg.Engine.RebuildMaxDelay != time.Second {
		t.Fatalf("unexpected rebuild windows %+v", cfg.Engine)
	}
	if cfg.Engine.ReuseNetworkIDs {
		t.Fatal("expected network id reuse to be disabled")
	}
	if cfg.ObserverPosition != [3]float64{1, 2, 3} {
		t.Fatalf("unexpected observer position %v", cfg.ObserverPosition)
	}
	if cfg.Compression != "zstd" {
		t.Fatalf("expected zstd compression, got %q", cfg.Compression)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("POWERNET_ROLE", "observer")
	t.Setenv("POWERNET_MAX_PAYLOAD_BYTES", "-5")
	t.Setenv("POWERNET_JOIN_DISTANCE", "0")
	t.Setenv("POWERNET_TLS_CERT", "/tmp/cert.pem")
	t.Setenv("POWERNET_COMPRESSION", "brotli")
	t.Setenv("POWERNET_OBSERVER_POSITION", "1,2")
	t.Setenv("POWERNET_GRPC_TLS_CERT", "/tmp/grpc.pem")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"POWERNET_UPSTREAM",
		"POWERNET_MAX_PAYLOAD_BYTES",
		"POWERNET_JOIN_DISTANCE",
		"POWERNET_TLS_CERT",
		"POWERNET_COMPRESSION",
		"POWERNET_OBSERVER_POSITION",
		"POWERNET_GRPC_TLS_CERT",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadRejectsMaxDelayShorterThanQuiet(t *testing.T) {
	clearEnv(t)
	t.Setenv("POWERNET_REBUILD_QUIET", "2s")
	t.Setenv("POWERNET_REBUILD_MAX_DELAY", "1s")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "POWERNET_REBUILD_MAX_DELAY") {
		t.Fatalf("expected max delay validation error, got %v", err)
	}
}

func TestLoadIgnoresEmptyAllowedOrigins(t *testing.T) {
	clearEnv(t)
	t.Setenv("POWERNET_ALLOWED_ORIGINS", " , ,https://ok.example, ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://ok.example" {
		t.Fatalf("expected single cleaned origin, got %#v", cfg.AllowedOrigins)
	}
}
