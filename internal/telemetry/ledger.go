// Package telemetry exports per-network energy ledgers as CSV for offline analysis.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gocarina/gocsv"

	"powernet/broker/internal/authority"
	"powernet/broker/internal/logging"
)

// LedgerFile is the name of the ledger export inside the telemetry directory.
const LedgerFile = "ledgers.csv"

// LedgerRecord is one network's ledger for one tick.
type LedgerRecord struct {
	Tick       uint64  `csv:"tick"`
	UnixMs     int64   `csv:"unix_ms"`
	NetworkID  string  `csv:"network_id"`
	Members    int     `csv:"members"`
	Generated  float64 `csv:"generated"`
	DrainedIn  float64 `csv:"drained_in"`
	Discharged float64 `csv:"discharged"`
	Consumed   float64 `csv:"consumed"`
	ConduitOut float64 `csv:"conduit_out"`
	Charged    float64 `csv:"charged"`
	Wasted     float64 `csv:"wasted"`
	Unserved   float64 `csv:"unserved"`
	FuelBurned float64 `csv:"fuel_burned"`
}

// Records flattens a step report into one record per simulated network.
func Records(report authority.TickReport) []LedgerRecord {
	records := make([]LedgerRecord, 0, len(report.Networks))
	for _, network := range report.Networks {
		l := network.Ledger
		records = append(records, LedgerRecord{
			Tick:       report.Tick,
			UnixMs:     report.StartedAt.UnixMilli(),
			NetworkID:  network.NetworkID,
			Members:    network.Members,
			Generated:  l.Generated,
			DrainedIn:  l.DrainedIn,
			Discharged: l.Discharged,
			Consumed:   l.Consumed,
			ConduitOut: l.ConduitOut,
			Charged:    l.Charged,
			Wasted:     l.Wasted,
			Unserved:   l.Unserved,
			FuelBurned: l.FuelBurned,
		})
	}
	return records
}

// LedgerWriter appends ledger records to a CSV file, writing the header once.
type LedgerWriter struct {
	mu            sync.Mutex
	file          *os.File
	headerWritten bool
	logger        *logging.Logger
}

// NewLedgerWriter creates dir and truncates its ledger file. An empty dir
// disables the export and returns nil.
func NewLedgerWriter(dir string, logger *logging.Logger) (*LedgerWriter, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating telemetry directory: %w", err)
	}
	file, err := os.Create(filepath.Join(dir, LedgerFile))
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", LedgerFile, err)
	}
	if logger == nil {
		logger = logging.L()
	}
	return &LedgerWriter{file: file, logger: logger}, nil
}

// Write appends the ledgers of report.
func (w *LedgerWriter) Write(report authority.TickReport) error {
	if w == nil {
		return nil
	}
	records := Records(report)
	if len(records) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return os.ErrClosed
	}
	if !w.headerWritten {
		if err := gocsv.Marshal(records, w.file); err != nil {
			return fmt.Errorf("writing ledgers: %w", err)
		}
		w.headerWritten = true
		return nil
	}
	if err := gocsv.MarshalWithoutHeaders(records, w.file); err != nil {
		return fmt.Errorf("writing ledgers: %w", err)
	}
	return nil
}

// Sink adapts the writer to an authority tick sink. Write failures are logged.
func (w *LedgerWriter) Sink() authority.TickSink {
	return func(report authority.TickReport) {
		if err := w.Write(report); err != nil {
			w.logger.Warn("ledger export failed", logging.Uint64("tick", report.Tick), logging.Error(err))
		}
	}
}

// Close flushes and closes the file.
func (w *LedgerWriter) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// ReadLedgers parses a ledger export.
func ReadLedgers(path string) ([]LedgerRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	var records []LedgerRecord
	if err := gocsv.UnmarshalFile(file, &records); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return records, nil
}

// Since filters records newer than cutoff.
func Since(records []LedgerRecord, cutoff time.Time) []LedgerRecord {
	out := records[:0:0]
	for _, record := range records {
		if record.UnixMs >= cutoff.UnixMilli() {
			out = append(out, record)
		}
	}
	return out
}
