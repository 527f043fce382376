package replay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"powernet/broker/internal/authority"
	"powernet/broker/internal/logging"
	"powernet/broker/internal/node"
	"powernet/broker/internal/simulation"
	"powernet/broker/internal/wire"
)

// LedgerFrame is the payload of one ledger frame.
type LedgerFrame struct {
	Tick     uint64                    `json:"tick"`
	Rebuilt  bool                      `json:"rebuilt,omitempty"`
	Total    simulation.Ledger         `json:"total"`
	Networks []authority.NetworkLedger `json:"networks"`
	Excluded []node.ID                 `json:"excluded,omitempty"`
	Removed  []node.ID                 `json:"removed,omitempty"`
}

// Stats summarises journal activity for monitoring endpoints.
type Stats struct {
	Bundles       int64
	Messages      int64
	Frames        int64
	BytesWritten  int64
	Failures      int64
	CurrentBundle string
	LastRoll      time.Time
}

// Recorder journals every published message and every tick ledger into
// rolling bundles.
type Recorder struct {
	mu          sync.Mutex
	root        string
	sessionID   string
	params      Parameters
	now         func() time.Time
	logger      *logging.Logger
	writer      *Writer
	simulatedMs int64
	stats       Stats
}

// NewRecorder opens the first bundle under root.
func NewRecorder(root, sessionID string, params Parameters, clock func() time.Time, logger *logging.Logger) (*Recorder, error) {
	if root == "" {
		return nil, fmt.Errorf("replay directory must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = logging.L()
	}
	r := &Recorder{root: root, sessionID: sessionID, params: params.Clone(), now: clock, logger: logger}
	if err := r.openLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) openLocked() error {
	writer, _, err := NewWriter(r.root, r.sessionID, r.now)
	if err != nil {
		return err
	}
	writer.SetParameters(r.params)
	r.writer = writer
	r.stats.Bundles++
	r.stats.CurrentBundle = writer.Directory()
	r.stats.LastRoll = r.now().UTC()
	return nil
}

// RecordMessage journals a message handed to an observer transport. Its
// signature matches the publisher's sent hook.
func (r *Recorder) RecordMessage(observerID string, msg *wire.NodesChanged) {
	if r == nil || msg == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.fail("encode journal message", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writer.AppendEvent(msg.Tick, EntryMessage, observerID, payload); err != nil {
		r.failLocked("append journal message", err)
		return
	}
	r.stats.Messages++
	r.stats.BytesWritten += int64(len(payload))
}

// RecordTick journals the ledgers of a step. Its signature matches an authority tick sink.
func (r *Recorder) RecordTick(report authority.TickReport) {
	if r == nil {
		return
	}
	payload, err := json.Marshal(LedgerFrame{
		Tick:     report.Tick,
		Rebuilt:  report.Rebuilt,
		Total:    report.Total,
		Networks: report.Networks,
		Excluded: report.Excluded,
		Removed:  report.Removed,
	})
	if err != nil {
		r.fail("encode ledger frame", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.simulatedMs += report.Step.Milliseconds()
	if err := r.writer.AppendFrame(report.Tick, r.simulatedMs, payload); err != nil {
		r.failLocked("append ledger frame", err)
		return
	}
	r.stats.Frames++
	r.stats.BytesWritten += int64(len(payload))
}

// Roll closes the current bundle and opens a new one, returning the closed directory.
func (r *Recorder) Roll() (string, error) {
	if r == nil {
		return "", fmt.Errorf("recorder not configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	closed := r.writer.Directory()
	if err := r.writer.Close(); err != nil {
		return closed, err
	}
	if err := r.openLocked(); err != nil {
		return closed, err
	}
	return closed, nil
}

// Current returns the directory of the bundle being written.
func (r *Recorder) Current() string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer.Directory()
}

// Flush forces buffered ledger frames to disk.
func (r *Recorder) Flush() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer.Flush()
}

// Close finalises the current bundle.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer.Close()
}

// Snapshot returns a copy of the recorder statistics.
func (r *Recorder) Snapshot() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Recorder) fail(message string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failLocked(message, err)
}

func (r *Recorder) failLocked(message string, err error) {
	r.stats.Failures++
	r.logger.Warn(message+" failed", logging.String("bundle", r.stats.CurrentBundle), logging.Error(err))
}
