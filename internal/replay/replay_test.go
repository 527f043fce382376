package replay

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"powernet/broker/internal/authority"
	"powernet/broker/internal/config"
	"powernet/broker/internal/logging"
	"powernet/broker/internal/node"
	"powernet/broker/internal/simulation"
	"powernet/broker/internal/wire"
)

func steppingClock(start time.Time, step time.Duration) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(step)
		return current
	}
}

func TestRecorderJournalsMessagesAndLedgers(t *testing.T) {
	root := t.TempDir()
	params := EngineParameters(config.EngineConfig{TickRateHz: 4, JoinDistance: 10, RelayJoinDistance: 30, ReuseNetworkIDs: true})
	recorder, err := NewRecorder(root, "authority/main", params, steppingClock(time.Unix(1_700_000_000, 0), 100*time.Millisecond), logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	states := []wire.NodeState{wire.NewNodeState(node.New("relay", node.KindRelay, node.Vec3{}), 1)}
	recorder.RecordMessage("obs-1", wire.NewNodesChanged("net-1", 1, states, nil, time.Unix(1_700_000_000, 0)))
	recorder.RecordTick(authority.TickReport{Tick: 1, Step: 250 * time.Millisecond, Rebuilt: true,
		Networks: []authority.NetworkLedger{{NetworkID: "net-1", Members: 1, Ledger: simulation.Ledger{Generated: 2.5}}},
		Total:    simulation.Ledger{Generated: 2.5}})
	recorder.RecordTick(authority.TickReport{Tick: 2, Step: 250 * time.Millisecond, Removed: []node.ID{"relay"}})
	recorder.RecordMessage("obs-1", wire.NewNodesChanged("net-1", 2, nil, []node.ID{"relay"}, time.Unix(1_700_000_001, 0)))

	stats := recorder.Snapshot()
	if stats.Messages != 2 || stats.Frames != 2 || stats.Bundles != 1 || stats.Failures != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	bundle := stats.CurrentBundle
	if !strings.HasPrefix(filepath.Base(bundle), "authoritymain-") {
		t.Fatalf("expected sanitised bundle name, got %s", bundle)
	}
	if err := recorder.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	loader, err := Load(bundle)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	header := loader.Header()
	if header.FirstTick != 1 || header.LastTick != 2 || header.Parameters["relay_join_distance"] != 30 {
		t.Fatalf("unexpected header %+v", header)
	}
	entries := loader.Entries()
	if len(entries) != 4 {
		t.Fatalf("expected four timeline entries, got %d", len(entries))
	}
	if entries[0].Type != EntryLedgers || entries[1].Type != EntryMessage || entries[1].ObserverID != "obs-1" {
		t.Fatalf("unexpected ordering %+v", entries[:2])
	}
	frame, err := entries[0].Ledgers()
	if err != nil || !frame.Rebuilt || frame.Networks[0].Ledger.Generated != 2.5 {
		t.Fatalf("unexpected ledger frame %+v %v", frame, err)
	}
	if entries[2].SimulatedMs != 500 {
		t.Fatalf("expected cumulative simulated time, got %d", entries[2].SimulatedMs)
	}
	msg, err := entries[3].Message()
	if err != nil || len(msg.Removed) != 1 || msg.Removed[0] != "relay" {
		t.Fatalf("unexpected tombstone message %+v %v", msg, err)
	}
	if _, err := entries[3].Ledgers(); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestRecorderRollStartsNewBundle(t *testing.T) {
	root := t.TempDir()
	clock := func() time.Time { return time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC) }
	recorder, err := NewRecorder(root, "s", nil, clock, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	recorder.RecordTick(authority.TickReport{Tick: 1})
	closed, err := recorder.Roll()
	if err != nil {
		t.Fatalf("Roll: %v", err)
	}
	current := recorder.Snapshot().CurrentBundle
	if closed == current {
		t.Fatalf("expected a distinct bundle after roll, both %s", current)
	}
	if _, err := ReadHeader(filepath.Join(closed, HeaderFile)); err != nil {
		t.Fatalf("closed bundle header: %v", err)
	}
	if err := recorder.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := recorder.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}
}

func TestWriterRejectsInvalidPayloadAndWritesAfterClose(t *testing.T) {
	writer, _, err := NewWriter(t.TempDir(), "x", nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := writer.AppendEvent(1, EntryMessage, "", []byte("{not json")); err == nil {
		t.Fatal("expected invalid JSON to be rejected")
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := writer.AppendFrame(1, 0, []byte("{}")); err != ErrWriterClosed {
		t.Fatalf("expected ErrWriterClosed, got %v", err)
	}
}

func TestHeaderValidation(t *testing.T) {
	if err := (Header{SchemaVersion: 1}).Validate(); err == nil {
		t.Fatal("expected missing file pointer to fail")
	}
	if err := (Header{SchemaVersion: 1, FilePointer: ManifestFile, FirstTick: 5, LastTick: 2}).Validate(); err == nil {
		t.Fatal("expected inverted tick range to fail")
	}
}

// writeBundle lays out a bundle directory created at created whose files were
// last written at created. Closed bundles carry a header.
func writeBundle(t *testing.T, root, name string, created time.Time, closed bool) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifest, err := json.Marshal(Manifest{Version: 1, CreatedAt: created.UTC().Format(time.RFC3339Nano), EventsPath: EventsFile, FramesPath: FramesFile})
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	files := map[string][]byte{ManifestFile: manifest, EventsFile: []byte("events"), FramesFile: []byte("fr")}
	if closed {
		files[HeaderFile] = []byte(`{"schema_version":1}`)
	}
	for file, data := range files {
		path := filepath.Join(dir, file)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write %s: %v", file, err)
		}
		if err := os.Chtimes(path, created, created); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	return dir
}

func TestRetentionKeepsNewestBundlesAndIgnoresForeignEntries(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	writeBundle(t, root, "s-a", now.Add(-time.Hour), true)
	writeBundle(t, root, "s-b", now.Add(-2*time.Hour), false)
	writeBundle(t, root, "s-c", now.Add(-3*time.Hour), true)
	writeBundle(t, root, "s-d", now.Add(-100*time.Hour), true)
	if err := os.MkdirAll(filepath.Join(root, "notes"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "README"), []byte("keep"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	retention := NewRetention(root, RetentionPolicy{MaxBundles: 2, MaxAge: 72 * time.Hour},
		WithRetentionLogger(logging.NewTestLogger()),
		WithRetentionClock(func() time.Time { return now }))
	stats := retention.Sweep()

	remaining, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := make([]string, 0, len(remaining))
	for _, entry := range remaining {
		names = append(names, entry.Name())
	}
	if strings.Join(names, ",") != "README,notes,s-a,s-b" {
		t.Fatalf("expected two newest bundles and foreign entries to remain, got %v", names)
	}
	if stats.Bundles != 2 || stats.Removed != 2 || stats.Open != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.EventBytes != 12 || stats.FrameBytes != 4 {
		t.Fatalf("expected artefact sizes per bundle file, got %+v", stats)
	}
	if retention.Stats() != stats {
		t.Fatalf("expected stats to be remembered, got %+v", retention.Stats())
	}
}

func TestRetentionNeverRemovesTheLiveBundle(t *testing.T) {
	root := t.TempDir()
	recorder, err := NewRecorder(root, "authority", Parameters{}, steppingClock(time.Unix(1_700_000_000, 0), time.Second), logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	t.Cleanup(func() { _ = recorder.Close() })
	recorder.RecordTick(authority.TickReport{Tick: 1, Step: 250 * time.Millisecond})
	rolled, err := recorder.Roll()
	if err != nil {
		t.Fatalf("Roll: %v", err)
	}

	//1.- Both bundles look idle to a clock two hours ahead.
	retention := NewRetention(root, RetentionPolicy{MaxAge: time.Hour},
		WithRetentionLogger(logging.NewTestLogger()),
		WithRetentionClock(func() time.Time { return time.Now().Add(2 * time.Hour) }),
		WithLiveBundle(recorder.Current))
	stats := retention.Sweep()

	if _, err := os.Stat(rolled); !os.IsNotExist(err) {
		t.Fatalf("expected rolled bundle removed, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(recorder.Current(), ManifestFile)); err != nil {
		t.Fatalf("expected live bundle kept: %v", err)
	}
	if stats.Bundles != 1 || stats.Open != 1 || stats.Removed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRetentionToleratesMissingRoot(t *testing.T) {
	retention := NewRetention(filepath.Join(t.TempDir(), "absent"), RetentionPolicy{MaxBundles: 1},
		WithRetentionLogger(logging.NewTestLogger()))
	if stats := retention.Sweep(); stats.Bundles != 0 || stats.LastSweep.IsZero() {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
