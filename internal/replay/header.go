package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"powernet/broker/internal/config"
)

// HeaderSchemaVersion tracks the schema version for journal header documents.
const HeaderSchemaVersion = 1

// Parameters captures the engine tuning a journal was recorded under.
type Parameters map[string]float64

// Clone returns a defensive copy of the parameters map.
func (p Parameters) Clone() Parameters {
	if len(p) == 0 {
		return nil
	}
	clone := make(Parameters, len(p))
	for key, value := range p {
		clone[key] = value
	}
	return clone
}

// EngineParameters extracts the tunables that affect clustering and simulation.
func EngineParameters(cfg config.EngineConfig) Parameters {
	reuse := 0.0
	if cfg.ReuseNetworkIDs {
		reuse = 1
	}
	return Parameters{
		"tick_rate_hz":         cfg.TickRateHz,
		"join_distance":        cfg.JoinDistance,
		"relay_join_distance":  cfg.RelayJoinDistance,
		"span_warn_distance":   cfg.SpanWarnDistance,
		"rebuild_quiet_ms":     float64(cfg.RebuildQuiet.Milliseconds()),
		"rebuild_max_delay_ms": float64(cfg.RebuildMaxDelay.Milliseconds()),
		"reuse_network_ids":    reuse,
	}
}

// Header represents the metadata persisted alongside a journal bundle.
type Header struct {
	SchemaVersion int        `json:"schema_version"`
	SessionID     string     `json:"session_id"`
	FirstTick     uint64     `json:"first_tick"`
	LastTick      uint64     `json:"last_tick"`
	Parameters    Parameters `json:"parameters,omitempty"`
	FilePointer   string     `json:"file_pointer"`
}

// Validate ensures the header contains enough information for catalogue tooling.
func (h Header) Validate() error {
	if h.SchemaVersion <= 0 {
		return fmt.Errorf("schema_version must be positive")
	}
	if strings.TrimSpace(h.FilePointer) == "" {
		return fmt.Errorf("file_pointer must not be empty")
	}
	if h.LastTick < h.FirstTick {
		return fmt.Errorf("last_tick %d precedes first_tick %d", h.LastTick, h.FirstTick)
	}
	return nil
}

// WriteHeader persists the supplied header to the provided file path.
func WriteHeader(path string, header Header) error {
	if err := header.Validate(); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(payload, '\n'), 0o644)
}

// ReadHeader loads and decodes a journal header from disk.
func ReadHeader(path string) (Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, err
	}
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return Header{}, err
	}
	if err := header.Validate(); err != nil {
		return Header{}, err
	}
	return header, nil
}
