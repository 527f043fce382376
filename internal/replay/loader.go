package replay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"powernet/broker/internal/wire"
)

// Timeline entry types.
const (
	EntryMessage = "nodes_changed"
	EntryLedgers = "ledgers"
)

const maxEventLine = 16 << 20

// TimelineEntry is a single journal datum ready for ordered iteration.
type TimelineEntry struct {
	Tick        uint64
	SimulatedMs int64
	CapturedAt  time.Time
	Type        string
	ObserverID  string
	Payload     json.RawMessage
}

// Message decodes a published message entry.
func (e TimelineEntry) Message() (*wire.NodesChanged, error) {
	if e.Type != EntryMessage {
		return nil, fmt.Errorf("entry type %q is not a message", e.Type)
	}
	var msg wire.NodesChanged
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Ledgers decodes a ledger frame entry.
func (e TimelineEntry) Ledgers() (LedgerFrame, error) {
	if e.Type != EntryLedgers {
		return LedgerFrame{}, fmt.Errorf("entry type %q is not a ledger frame", e.Type)
	}
	var frame LedgerFrame
	if err := json.Unmarshal(e.Payload, &frame); err != nil {
		return LedgerFrame{}, err
	}
	return frame, nil
}

// Loader rehydrates a journal bundle.
type Loader struct {
	header  Header
	entries []TimelineEntry
}

// Load reads the bundle stored in dir.
func Load(dir string) (*Loader, error) {
	if dir == "" {
		return nil, fmt.Errorf("replay path must be provided")
	}
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	header, err := ReadHeader(filepath.Join(dir, HeaderFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	//1.- Messages first, then ledger frames; the sort below orders them by tick.
	events, err := readEvents(filepath.Join(dir, manifest.EventsPath))
	if err != nil {
		return nil, err
	}
	frames, err := readFrames(filepath.Join(dir, manifest.FramesPath))
	if err != nil {
		return nil, err
	}
	entries := append(events, frames...)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Tick == entries[j].Tick {
			return entries[i].Type < entries[j].Type
		}
		return entries[i].Tick < entries[j].Tick
	})
	return &Loader{header: header, entries: entries}, nil
}

func readEvents(path string) ([]TimelineEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	var entries []TimelineEntry
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var record eventRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, fmt.Errorf("parse event line: %w", err)
		}
		captured, err := time.Parse(time.RFC3339Nano, record.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse event captured_at: %w", err)
		}
		entries = append(entries, TimelineEntry{
			Tick:       record.Tick,
			CapturedAt: captured,
			Type:       record.Type,
			ObserverID: record.ObserverID,
			Payload:    append(json.RawMessage(nil), record.Payload...),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return entries, nil
}

func readFrames(path string) ([]TimelineEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var entries []TimelineEntry
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(decoder, header); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return nil, fmt.Errorf("read frame header: %w", err)
		}
		payload := make([]byte, binary.LittleEndian.Uint32(header[24:28]))
		if _, err := io.ReadFull(decoder, payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
		entries = append(entries, TimelineEntry{
			Tick:        binary.LittleEndian.Uint64(header[0:8]),
			SimulatedMs: int64(binary.LittleEndian.Uint64(header[8:16])),
			CapturedAt:  time.Unix(0, int64(binary.LittleEndian.Uint64(header[16:24]))).UTC(),
			Type:        EntryLedgers,
			Payload:     payload,
		})
	}
}

// Header returns the bundle header. It is zero when the bundle was not closed cleanly.
func (l *Loader) Header() Header {
	if l == nil {
		return Header{}
	}
	return l.header
}

// Replay iterates over the loaded entries in tick order.
func (l *Loader) Replay(apply func(TimelineEntry) error) error {
	if l == nil {
		return fmt.Errorf("loader not initialised")
	}
	if apply == nil {
		return fmt.Errorf("replay callback must be provided")
	}
	for _, entry := range l.entries {
		if err := apply(entry); err != nil {
			return err
		}
	}
	return nil
}

// Entries exposes a defensive copy of the timeline.
func (l *Loader) Entries() []TimelineEntry {
	if l == nil {
		return nil
	}
	out := make([]TimelineEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
