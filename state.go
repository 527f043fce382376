package main

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"powernet/broker/internal/logging"
	"powernet/broker/internal/wire"
)

// publishedState is the publisher surface persisted by the snapshotter.
type publishedState interface {
	Published() map[string][]wire.NodeState
	Restore(states []wire.NodeState)
}

type snapshotOption func(*StateSnapshotter)

// WithSnapshotClock overrides the snapshot time source; primarily used in tests.
func WithSnapshotClock(clock func() time.Time) snapshotOption {
	return func(s *StateSnapshotter) {
		if clock != nil {
			s.now = clock
		}
	}
}

// StateSnapshotter persists the last published image of every node so a
// restarted authority neither republishes unchanged nodes nor starts fresh
// observers from nothing.
type StateSnapshotter struct {
	mu       sync.Mutex
	path     string
	interval time.Duration
	source   publishedState
	log      *logging.Logger
	now      func() time.Time
	dirty    bool
	restored int

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type snapshotFile struct {
	SavedAt  time.Time         `json:"saved_at"`
	Networks []snapshotNetwork `json:"networks"`
}

type snapshotNetwork struct {
	NetworkID string           `json:"network_id"`
	Nodes     []wire.NodeState `json:"nodes"`
}

// NewStateSnapshotter restores any snapshot at path into source and starts
// persisting it every interval. It returns nil when path is empty.
func NewStateSnapshotter(path string, interval time.Duration, source publishedState, logger *logging.Logger, opts ...snapshotOption) (*StateSnapshotter, error) {
	if path == "" || interval <= 0 || source == nil {
		return nil, nil
	}
	if logger == nil {
		logger = logging.L()
	}
	snapshot := &StateSnapshotter{
		path:     path,
		interval: interval,
		source:   source,
		log:      logger,
		now:      time.Now,
		flushCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(snapshot)
		}
	}
	if err := snapshot.load(); err != nil {
		return nil, err
	}
	go snapshot.loop()
	return snapshot, nil
}

func (s *StateSnapshotter) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	var states []wire.NodeState
	for _, network := range file.Networks {
		for _, state := range network.Nodes {
			if state.ID == "" {
				continue
			}
			state.NetworkID = network.NetworkID
			states = append(states, state)
		}
	}
	s.source.Restore(states)
	s.restored = len(states)
	if len(states) > 0 {
		s.log.Info("restored published state",
			logging.Int("nodes", len(states)),
			logging.Int("networks", len(file.Networks)),
			logging.String("saved_at", file.SavedAt.Format(time.RFC3339)))
	}
	return nil
}

// Restored reports how many node images were loaded at startup.
func (s *StateSnapshotter) Restored() int {
	if s == nil {
		return 0
	}
	return s.restored
}

func (s *StateSnapshotter) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.doneCh)
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.flushCh:
			s.flush()
		case <-s.stopCh:
			s.flush()
			return
		}
	}
}

// MarkDirty records that the published state changed since the last flush.
func (s *StateSnapshotter) MarkDirty() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// RequestFlush asks the background goroutine to persist without waiting for the interval.
func (s *StateSnapshotter) RequestFlush() {
	if s == nil {
		return
	}
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// Flush immediately persists the current published state to disk.
func (s *StateSnapshotter) Flush() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	published := s.source.Published()
	networkIDs := make([]string, 0, len(published))
	for networkID := range published {
		networkIDs = append(networkIDs, networkID)
	}
	sort.Strings(networkIDs)
	file := snapshotFile{SavedAt: s.now().UTC(), Networks: make([]snapshotNetwork, 0, len(networkIDs))}
	for _, networkID := range networkIDs {
		file.Networks = append(file.Networks, snapshotNetwork{NetworkID: networkID, Nodes: published[networkID]})
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	//1.- Write beside the target and rename so a crash never leaves a torn file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func (s *StateSnapshotter) flush() {
	if err := s.Flush(); err != nil {
		s.log.Error("failed to persist state snapshot", logging.Error(err))
	}
}

// Close stops the persistence goroutine and flushes any pending state to disk.
func (s *StateSnapshotter) Close() error {
	if s == nil {
		return nil
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}
