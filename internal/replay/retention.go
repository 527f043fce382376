package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"powernet/broker/internal/logging"
)

// RetentionPolicy bounds how many journal bundles stay on disk and for how long.
// Zero disables the respective limit.
type RetentionPolicy struct {
	MaxBundles int
	MaxAge     time.Duration
}

// RetentionStats describes the bundles left after the last sweep.
type RetentionStats struct {
	Bundles    int
	Open       int
	EventBytes int64
	FrameBytes int64
	Bytes      int64
	Removed    int
	LastSweep  time.Time
}

// RetentionOption customises a Retention.
type RetentionOption func(*Retention)

// WithRetentionLogger overrides the logger used for sweep results.
func WithRetentionLogger(logger *logging.Logger) RetentionOption {
	return func(r *Retention) {
		if logger != nil {
			r.log = logger
		}
	}
}

// WithRetentionClock injects the time source bundle ages are measured against.
func WithRetentionClock(now func() time.Time) RetentionOption {
	return func(r *Retention) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLiveBundle reports the bundle currently being written; it is never removed.
// Recorder.Current satisfies it.
func WithLiveBundle(current func() string) RetentionOption {
	return func(r *Retention) {
		r.live = current
	}
}

// Retention prunes closed journal bundles under a root directory. Only
// directories carrying a manifest are considered bundles; anything else under
// the root is left alone.
type Retention struct {
	root   string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	live   func() string

	mu    sync.RWMutex
	stats RetentionStats
}

// NewRetention constructs a retention sweeper for the journal root.
func NewRetention(root string, policy RetentionPolicy, opts ...RetentionOption) *Retention {
	r := &Retention{root: root, policy: policy, log: logging.L(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run sweeps once immediately and then every interval until ctx is cancelled.
func (r *Retention) Run(ctx context.Context, interval time.Duration) {
	if r == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.Sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Stats returns the result of the last sweep.
func (r *Retention) Stats() RetentionStats {
	if r == nil {
		return RetentionStats{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// journalBundle is one bundle directory as found on disk.
type journalBundle struct {
	dir        string
	createdAt  time.Time
	lastWrite  time.Time
	closed     bool
	eventBytes int64
	frameBytes int64
	bytes      int64
}

// Sweep applies the policy once and returns what is left.
func (r *Retention) Sweep() RetentionStats {
	if r == nil || r.root == "" {
		return RetentionStats{}
	}
	now := r.now()
	stats := RetentionStats{LastSweep: now}
	bundles, err := r.scan()
	if err != nil {
		r.log.Warn("journal retention scan failed", logging.String("directory", r.root), logging.Error(err))
		return stats
	}
	live := ""
	if r.live != nil {
		if current := r.live(); current != "" {
			live = filepath.Clean(current)
		}
	}

	//1.- Bundles arrive newest first, so the count limit keeps the recent ones.
	kept := 0
	for _, bundle := range bundles {
		reason := r.expired(bundle, now, kept)
		if reason != "" && bundle.dir != live {
			err := os.RemoveAll(bundle.dir)
			if err == nil {
				stats.Removed++
				r.log.Info("journal bundle removed", logging.String("bundle", filepath.Base(bundle.dir)), logging.String("reason", reason))
				continue
			}
			r.log.Warn("journal bundle removal failed", logging.String("bundle", filepath.Base(bundle.dir)), logging.Error(err))
		}
		kept++
		stats.Bundles++
		if !bundle.closed {
			stats.Open++
		}
		stats.EventBytes += bundle.eventBytes
		stats.FrameBytes += bundle.frameBytes
		stats.Bytes += bundle.bytes
	}

	r.mu.Lock()
	r.stats = stats
	r.mu.Unlock()
	return stats
}

func (r *Retention) expired(bundle journalBundle, now time.Time, kept int) string {
	if r.policy.MaxAge > 0 && now.Sub(bundle.lastWrite) > r.policy.MaxAge {
		return fmt.Sprintf("idle for more than %s", r.policy.MaxAge)
	}
	if r.policy.MaxBundles > 0 && kept >= r.policy.MaxBundles {
		return fmt.Sprintf("beyond the newest %d bundles", r.policy.MaxBundles)
	}
	return ""
}

func (r *Retention) scan() ([]journalBundle, error) {
	entries, err := os.ReadDir(r.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	bundles := make([]journalBundle, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, entry.Name())
		bundle, ok, err := inspectBundle(dir)
		if err != nil {
			r.log.Warn("journal bundle unreadable", logging.String("bundle", entry.Name()), logging.Error(err))
			continue
		}
		if ok {
			bundles = append(bundles, bundle)
		}
	}
	sort.Slice(bundles, func(i, j int) bool {
		if !bundles[i].createdAt.Equal(bundles[j].createdAt) {
			return bundles[i].createdAt.After(bundles[j].createdAt)
		}
		return bundles[i].dir > bundles[j].dir
	})
	return bundles, nil
}

// inspectBundle reads the manifest of dir and sizes its artefacts. It reports
// false for directories that are not journal bundles.
func inspectBundle(dir string) (journalBundle, bool, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return journalBundle{}, false, nil
	}
	if err != nil {
		return journalBundle{}, false, err
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return journalBundle{}, false, fmt.Errorf("decode manifest: %w", err)
	}
	eventsPath, framesPath := manifest.EventsPath, manifest.FramesPath
	if eventsPath == "" {
		eventsPath = EventsFile
	}
	if framesPath == "" {
		framesPath = FramesFile
	}

	bundle := journalBundle{dir: dir}
	bundle.createdAt, _ = time.Parse(time.RFC3339Nano, manifest.CreatedAt)
	files, err := os.ReadDir(dir)
	if err != nil {
		return journalBundle{}, false, err
	}
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		info, err := file.Info()
		if err != nil {
			return journalBundle{}, false, err
		}
		bundle.bytes += info.Size()
		if info.ModTime().After(bundle.lastWrite) {
			bundle.lastWrite = info.ModTime()
		}
		switch file.Name() {
		case eventsPath:
			bundle.eventBytes += info.Size()
		case framesPath:
			bundle.frameBytes += info.Size()
		case HeaderFile:
			//1.- The header is only written when the bundle is closed.
			bundle.closed = true
		}
	}
	if bundle.createdAt.IsZero() {
		bundle.createdAt = bundle.lastWrite
	}
	return bundle, true, nil
}
