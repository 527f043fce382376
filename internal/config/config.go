package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Role selects whether the process simulates (authority) or mirrors (observer).
type Role string

const (
	RoleAuthority Role = "authority"
	RoleObserver  Role = "observer"
)

const (
	// DefaultAddr is the default TCP address for the websocket and HTTP surface.
	DefaultAddr = ":43127"
	// DefaultGRPCAddr is the default address of the gRPC sync service. Empty disables it.
	DefaultGRPCAddr = ""
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent WebSocket observers. Zero disables the limit.
	DefaultMaxClients = 256

	// DefaultTickRateHz is the authority simulation frequency.
	DefaultTickRateHz = 4.0
	// DefaultJoinDistance is the join radius of ordinary nodes in world units.
	DefaultJoinDistance = 10.0
	// DefaultRelayJoinDistance is the join radius of relay nodes.
	DefaultRelayJoinDistance = 30.0
	// DefaultSpanWarnDistance flags networks whose extent suggests mis-clustering.
	DefaultSpanWarnDistance = 500.0
	// DefaultRebuildQuiet is the minimum inactivity window before a clustering pass.
	DefaultRebuildQuiet = 250 * time.Millisecond
	// DefaultRebuildMaxDelay bounds how long a burst of changes may postpone clustering.
	DefaultRebuildMaxDelay = 2 * time.Second
	// DefaultObserverRange is the interest radius assumed when an observer omits one.
	DefaultObserverRange = 100.0

	// DefaultMembershipMaxAge drops actor membership reports delayed beyond this budget.
	DefaultMembershipMaxAge = 2 * time.Second
	// DefaultMembershipMinInterval throttles membership reports per actor.
	DefaultMembershipMinInterval = 50 * time.Millisecond
	// DefaultActorCapacity is the pool capacity assigned to actors first seen through a conduit.
	DefaultActorCapacity = 100.0

	// DefaultRebuildTriggerWindow bounds how frequently forced rebuilds may be requested.
	DefaultRebuildTriggerWindow = time.Minute
	// DefaultRebuildTriggerBurst sets how many forced rebuilds may be made per window.
	DefaultRebuildTriggerBurst = 3

	// DefaultLogLevel controls verbosity for logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "powernet.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultStateSnapshotInterval controls how frequently published state is persisted.
	DefaultStateSnapshotInterval = 30 * time.Second
	// DefaultReplayMaxBundles caps how many journal bundles are retained.
	DefaultReplayMaxBundles = 20
	// DefaultReplayMaxAge removes journal bundles older than this.
	DefaultReplayMaxAge = 72 * time.Hour
	// DefaultCompression names the codec applied to gRPC frames.
	DefaultCompression = "gzip"
)

// Config captures all runtime tunables for the powernet process.
type Config struct {
	Role            Role
	Address         string
	GRPCAddress     string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxClients      int
	TLSCertPath     string
	TLSKeyPath      string
	AdminToken      string
	ObserverSecret  string

	GRPCSharedSecret   string
	GRPCServerCertPath string
	GRPCServerKeyPath  string
	GRPCClientCAPath   string

	// Upstream is the authority endpoint an observer mirrors (ws:// or grpc host:port).
	Upstream         string
	ObserverID       string
	ObserverPosition [3]float64
	ObserverRange    float64

	Engine  EngineConfig
	Logging LoggingConfig

	DatabasePath          string
	LayoutPath            string
	StateSnapshotPath     string
	StateSnapshotInterval time.Duration
	ReplayDir             string
	ReplayMaxBundles      int
	ReplayMaxAge          time.Duration
	TelemetryDir          string
	Compression           string

	RebuildTriggerWindow time.Duration
	RebuildTriggerBurst  int

	MembershipMaxAge      time.Duration
	MembershipMinInterval time.Duration
	ActorCapacity         float64
}

// EngineConfig groups the clustering, scheduling and simulation tunables.
type EngineConfig struct {
	TickRateHz        float64
	JoinDistance      float64
	RelayJoinDistance float64
	SpanWarnDistance  float64
	RebuildQuiet      time.Duration
	RebuildMaxDelay   time.Duration
	ReuseNetworkIDs   bool
	ParallelTicks     bool
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultEngineConfig returns the engine tunables used when no overrides are present.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TickRateHz:        DefaultTickRateHz,
		JoinDistance:      DefaultJoinDistance,
		RelayJoinDistance: DefaultRelayJoinDistance,
		SpanWarnDistance:  DefaultSpanWarnDistance,
		RebuildQuiet:      DefaultRebuildQuiet,
		RebuildMaxDelay:   DefaultRebuildMaxDelay,
		ReuseNetworkIDs:   true,
	}
}

// Load reads the configuration from environment variables, applying defaults
// and returning one error describing every invalid override.
func Load() (*Config, error) {
	cfg := &Config{
		Role:             Role(strings.ToLower(getString("POWERNET_ROLE", string(RoleAuthority)))),
		Address:          getString("POWERNET_ADDR", DefaultAddr),
		GRPCAddress:      getString("POWERNET_GRPC_ADDR", DefaultGRPCAddr),
		AllowedOrigins:   parseList(os.Getenv("POWERNET_ALLOWED_ORIGINS")),
		MaxPayloadBytes:  DefaultMaxPayloadBytes,
		PingInterval:     DefaultPingInterval,
		MaxClients:       DefaultMaxClients,
		TLSCertPath:      strings.TrimSpace(os.Getenv("POWERNET_TLS_CERT")),
		TLSKeyPath:       strings.TrimSpace(os.Getenv("POWERNET_TLS_KEY")),
		AdminToken:       strings.TrimSpace(os.Getenv("POWERNET_ADMIN_TOKEN")),
		ObserverSecret:   strings.TrimSpace(os.Getenv("POWERNET_OBSERVER_SECRET")),
		GRPCSharedSecret: strings.TrimSpace(os.Getenv("POWERNET_GRPC_SHARED_SECRET")),

		GRPCServerCertPath: strings.TrimSpace(os.Getenv("POWERNET_GRPC_TLS_CERT")),
		GRPCServerKeyPath:  strings.TrimSpace(os.Getenv("POWERNET_GRPC_TLS_KEY")),
		GRPCClientCAPath:   strings.TrimSpace(os.Getenv("POWERNET_GRPC_CLIENT_CA")),

		Upstream:      strings.TrimSpace(os.Getenv("POWERNET_UPSTREAM")),
		ObserverID:    strings.TrimSpace(os.Getenv("POWERNET_OBSERVER_ID")),
		ObserverRange: DefaultObserverRange,

		Engine: DefaultEngineConfig(),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("POWERNET_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("POWERNET_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},

		DatabasePath:          strings.TrimSpace(os.Getenv("POWERNET_DB_PATH")),
		LayoutPath:            strings.TrimSpace(os.Getenv("POWERNET_LAYOUT_PATH")),
		StateSnapshotPath:     strings.TrimSpace(os.Getenv("POWERNET_STATE_PATH")),
		StateSnapshotInterval: DefaultStateSnapshotInterval,
		ReplayDir:             strings.TrimSpace(os.Getenv("POWERNET_REPLAY_DIR")),
		ReplayMaxBundles:      DefaultReplayMaxBundles,
		ReplayMaxAge:          DefaultReplayMaxAge,
		TelemetryDir:          strings.TrimSpace(os.Getenv("POWERNET_TELEMETRY_DIR")),
		Compression:           strings.ToLower(getString("POWERNET_COMPRESSION", DefaultCompression)),

		RebuildTriggerWindow: DefaultRebuildTriggerWindow,
		RebuildTriggerBurst:  DefaultRebuildTriggerBurst,

		MembershipMaxAge:      DefaultMembershipMaxAge,
		MembershipMinInterval: DefaultMembershipMinInterval,
		ActorCapacity:         DefaultActorCapacity,
	}

	var problems []string

	switch cfg.Role {
	case RoleAuthority:
	case RoleObserver:
		if cfg.Upstream == "" {
			problems = append(problems, "POWERNET_UPSTREAM must be set when POWERNET_ROLE=observer")
		}
	default:
		problems = append(problems, fmt.Sprintf("POWERNET_ROLE must be %q or %q, got %q", RoleAuthority, RoleObserver, cfg.Role))
	}

	parsePositiveInt64("POWERNET_MAX_PAYLOAD_BYTES", &cfg.MaxPayloadBytes, &problems)
	parsePositiveDuration("POWERNET_PING_INTERVAL", &cfg.PingInterval, &problems)
	parseNonNegativeInt("POWERNET_MAX_CLIENTS", &cfg.MaxClients, &problems)

	parsePositiveFloat("POWERNET_TICK_RATE_HZ", &cfg.Engine.TickRateHz, &problems)
	parsePositiveFloat("POWERNET_JOIN_DISTANCE", &cfg.Engine.JoinDistance, &problems)
	parsePositiveFloat("POWERNET_RELAY_JOIN_DISTANCE", &cfg.Engine.RelayJoinDistance, &problems)
	parsePositiveFloat("POWERNET_SPAN_WARN_DISTANCE", &cfg.Engine.SpanWarnDistance, &problems)
	parsePositiveDuration("POWERNET_REBUILD_QUIET", &cfg.Engine.RebuildQuiet, &problems)
	parsePositiveDuration("POWERNET_REBUILD_MAX_DELAY", &cfg.Engine.RebuildMaxDelay, &problems)
	parseBool("POWERNET_REUSE_NETWORK_IDS", &cfg.Engine.ReuseNetworkIDs, &problems)
	parseBool("POWERNET_PARALLEL_TICKS", &cfg.Engine.ParallelTicks, &problems)
	if cfg.Engine.RebuildMaxDelay < cfg.Engine.RebuildQuiet {
		problems = append(problems, "POWERNET_REBUILD_MAX_DELAY must not be shorter than POWERNET_REBUILD_QUIET")
	}

	parsePositiveFloat("POWERNET_OBSERVER_RANGE", &cfg.ObserverRange, &problems)
	if raw := strings.TrimSpace(os.Getenv("POWERNET_OBSERVER_POSITION")); raw != "" {
		position, err := parseVector(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("POWERNET_OBSERVER_POSITION must be \"x,y,z\", got %q", raw))
		} else {
			cfg.ObserverPosition = position
		}
	}

	parsePositiveInt("POWERNET_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB, &problems)
	parseNonNegativeInt("POWERNET_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups, &problems)
	parseNonNegativeInt("POWERNET_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays, &problems)
	parseBool("POWERNET_LOG_COMPRESS", &cfg.Logging.Compress, &problems)

	parsePositiveDuration("POWERNET_STATE_INTERVAL", &cfg.StateSnapshotInterval, &problems)
	parseNonNegativeInt("POWERNET_REPLAY_MAX_BUNDLES", &cfg.ReplayMaxBundles, &problems)
	parsePositiveDuration("POWERNET_REPLAY_MAX_AGE", &cfg.ReplayMaxAge, &problems)
	parsePositiveDuration("POWERNET_REBUILD_TRIGGER_WINDOW", &cfg.RebuildTriggerWindow, &problems)
	parsePositiveInt("POWERNET_REBUILD_TRIGGER_BURST", &cfg.RebuildTriggerBurst, &problems)
	parsePositiveDuration("POWERNET_MEMBERSHIP_MAX_AGE", &cfg.MembershipMaxAge, &problems)
	parsePositiveDuration("POWERNET_MEMBERSHIP_MIN_INTERVAL", &cfg.MembershipMinInterval, &problems)
	parsePositiveFloat("POWERNET_ACTOR_CAPACITY", &cfg.ActorCapacity, &problems)

	switch cfg.Compression {
	case "none", "gzip", "snappy", "zstd":
	default:
		problems = append(problems, fmt.Sprintf("POWERNET_COMPRESSION must be one of none, gzip, snappy, zstd, got %q", cfg.Compression))
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "POWERNET_TLS_CERT and POWERNET_TLS_KEY must be provided together")
	}
	mtls := []string{cfg.GRPCServerCertPath, cfg.GRPCServerKeyPath, cfg.GRPCClientCAPath}
	if set := countNonEmpty(mtls); set != 0 && set != len(mtls) {
		problems = append(problems, "POWERNET_GRPC_TLS_CERT, POWERNET_GRPC_TLS_KEY and POWERNET_GRPC_CLIENT_CA must be provided together")
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

// GRPCMutualTLS reports whether the gRPC listener should require client certificates.
func (c *Config) GRPCMutualTLS() bool {
	return c != nil && c.GRPCServerCertPath != "" && c.GRPCServerKeyPath != "" && c.GRPCClientCAPath != ""
}

// TickInterval converts the configured tick rate into the fixed simulation step.
func (e EngineConfig) TickInterval() time.Duration {
	if e.TickRateHz <= 0 {
		return time.Duration(float64(time.Second) / DefaultTickRateHz)
	}
	return time.Duration(float64(time.Second) / e.TickRateHz)
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}

func parseVector(raw string) ([3]float64, error) {
	var out [3]float64
	parts := strings.Split(raw, ",")
	if len(parts) != 3 {
		return out, fmt.Errorf("expected 3 components, got %d", len(parts))
	}
	for i, part := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return out, err
		}
		out[i] = value
	}
	return out, nil
}

func countNonEmpty(values []string) int {
	count := 0
	for _, value := range values {
		if value != "" {
			count++
		}
	}
	return count
}

func parsePositiveInt64(key string, dst *int64, problems *[]string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*dst = value
}

func parsePositiveInt(key string, dst *int, problems *[]string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*dst = value
}

func parseNonNegativeInt(key string, dst *int, problems *[]string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a non-negative integer, got %q", key, raw))
		return
	}
	*dst = value
}

func parsePositiveFloat(key string, dst *float64, problems *[]string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive number, got %q", key, raw))
		return
	}
	*dst = value
}

func parsePositiveDuration(key string, dst *time.Duration, problems *[]string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*dst = duration
}

func parseBool(key string, dst *bool, problems *[]string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s must be a boolean value, got %q", key, raw))
		return
	}
	*dst = value
}
