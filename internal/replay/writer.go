package replay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var sessionCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Bundle file names.
const (
	EventsFile   = "messages.jsonl.sz"
	FramesFile   = "ledgers.bin.zst"
	ManifestFile = "manifest.json"
	HeaderFile   = "header.json"
)

// DefaultFrameInterval is how often buffered ledger frames reach the zstd stream.
const DefaultFrameInterval = 200 * time.Millisecond

const frameHeaderSize = 8 + 8 + 8 + 4

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("replay: writer closed")

type frameBlob struct {
	Tick        uint64
	SimulatedMs int64
	CapturedAt  time.Time
	Payload     []byte
}

// eventRecord is one line of the snappy JSONL event log.
type eventRecord struct {
	Tick       uint64          `json:"tick"`
	CapturedAt string          `json:"captured_at"`
	Type       string          `json:"type"`
	ObserverID string          `json:"observer_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Writer streams journal artefacts into one bundle directory: published
// messages as snappy-framed JSON lines and ledger frames as a zstd stream.
type Writer struct {
	mu            sync.Mutex
	dir           string
	now           func() time.Time
	frameInterval time.Duration
	eventFile     *os.File
	eventStream   *snappy.Writer
	frameFile     *os.File
	frameStream   *zstd.Encoder
	pending       []frameBlob
	lastFlush     time.Time
	header        Header
	closed        bool
}

// Manifest describes the bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version         int    `json:"version"`
	CreatedAt       string `json:"created_at"`
	FrameIntervalMs int    `json:"frame_interval_ms"`
	EventsPath      string `json:"events_path"`
	FramesPath      string `json:"frames_path"`
}

// NewWriter creates a fresh bundle directory under root and opens its sinks.
func NewWriter(root, sessionID string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("replay root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := sessionCleaner.ReplaceAllString(sessionID, "")
	if cleaned == "" {
		cleaned = "session"
	}
	created := clock().UTC()
	path, err := uniqueDir(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))
	if err != nil {
		return nil, Manifest{}, err
	}

	eventFile, err := os.Create(filepath.Join(path, EventsFile))
	if err != nil {
		return nil, Manifest{}, err
	}
	eventStream := snappy.NewBufferedWriter(eventFile)

	frameFile, err := os.Create(filepath.Join(path, FramesFile))
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:         1,
		CreatedAt:       created.Format(time.RFC3339Nano),
		FrameIntervalMs: int(DefaultFrameInterval / time.Millisecond),
		EventsPath:      EventsFile,
		FramesPath:      FramesFile,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(path, ManifestFile), data, 0o644)
	}
	if err != nil {
		frameStream.Close()
		frameFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	return &Writer{
		dir:           path,
		now:           clock,
		frameInterval: DefaultFrameInterval,
		eventFile:     eventFile,
		eventStream:   eventStream,
		frameFile:     frameFile,
		frameStream:   frameStream,
		header:        Header{SchemaVersion: HeaderSchemaVersion, SessionID: sessionID, FilePointer: ManifestFile},
	}, manifest, nil
}

// uniqueDir creates root/name, appending a counter when a bundle of the same
// second already exists.
func uniqueDir(root, name string) (string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	candidate := filepath.Join(root, name)
	for i := 1; ; i++ {
		err := os.Mkdir(candidate, 0o755)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
		candidate = filepath.Join(root, fmt.Sprintf("%s-%d", name, i))
	}
}

// Directory exposes the directory backing the bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// SetParameters records the engine tuning persisted in the bundle header.
func (w *Writer) SetParameters(params Parameters) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.header.Parameters = params.Clone()
	w.mu.Unlock()
}

// AppendEvent writes one JSON line to the compressed event log.
func (w *Writer) AppendEvent(tick uint64, eventType, observerID string, payload []byte) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	if !json.Valid(payload) {
		return fmt.Errorf("event payload for %s is not valid JSON", eventType)
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	line, err := json.Marshal(eventRecord{
		Tick:       tick,
		CapturedAt: captured.Format(time.RFC3339Nano),
		Type:       eventType,
		ObserverID: observerID,
		Payload:    json.RawMessage(payload),
	})
	if err != nil {
		return err
	}
	if _, err := w.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	w.trackTickLocked(tick)
	return w.eventStream.Flush()
}

// AppendFrame buffers a ledger frame and flushes the buffer on the frame cadence.
func (w *Writer) AppendFrame(tick uint64, simulatedMs int64, payload []byte) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()
	clone := append([]byte(nil), payload...)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.pending = append(w.pending, frameBlob{Tick: tick, SimulatedMs: simulatedMs, CapturedAt: captured, Payload: clone})
	w.trackTickLocked(tick)
	if w.lastFlush.IsZero() {
		w.lastFlush = captured
		return nil
	}
	if captured.Sub(w.lastFlush) >= w.frameInterval {
		if err := w.flushLocked(); err != nil {
			return err
		}
		w.lastFlush = captured
	}
	return nil
}

func (w *Writer) trackTickLocked(tick uint64) {
	if w.header.FirstTick == 0 || tick < w.header.FirstTick {
		w.header.FirstTick = tick
	}
	if tick > w.header.LastTick {
		w.header.LastTick = tick
	}
}

// Flush forces pending frames to be written regardless of cadence.
func (w *Writer) Flush() error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.frameStream.Flush(); err != nil {
		return err
	}
	w.lastFlush = w.now().UTC()
	return nil
}

// Close writes the header, flushes all buffers and releases file handles.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	//1.- Attempt every flush and close, surfacing the first failure.
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(WriteHeader(filepath.Join(w.dir, HeaderFile), w.header))
	record(w.flushLocked())
	record(w.eventStream.Close())
	record(w.eventFile.Close())
	record(w.frameStream.Close())
	record(w.frameFile.Close())
	return firstErr
}

// flushLocked writes buffered frames to the zstd stream; callers must hold the mutex.
func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	//1.- Length-prefixed frames let readers step without decoding payloads.
	header := make([]byte, frameHeaderSize)
	for _, frame := range w.pending {
		binary.LittleEndian.PutUint64(header[0:8], frame.Tick)
		binary.LittleEndian.PutUint64(header[8:16], uint64(frame.SimulatedMs))
		binary.LittleEndian.PutUint64(header[16:24], uint64(frame.CapturedAt.UnixNano()))
		binary.LittleEndian.PutUint32(header[24:28], uint32(len(frame.Payload)))
		if _, err := w.frameStream.Write(header); err != nil {
			return err
		}
		if _, err := w.frameStream.Write(frame.Payload); err != nil {
			return err
		}
	}
	w.pending = w.pending[:0]
	return nil
}
