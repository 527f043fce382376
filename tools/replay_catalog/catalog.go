package replaycatalog

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"powernet/broker/internal/replay"
)

// Entry captures a journal header alongside its bundle directory.
type Entry struct {
	HeaderPath string        `json:"header_path"`
	BundlePath string        `json:"bundle_path"`
	Header     replay.Header `json:"header"`
}

// Ticks reports how many ticks the bundle spans.
func (e Entry) Ticks() uint64 {
	if e.Header.LastTick < e.Header.FirstTick || e.Header.LastTick == 0 {
		return 0
	}
	return e.Header.LastTick - e.Header.FirstTick + 1
}

// List walks root and returns every closed bundle ordered by session then first tick.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	//1.- Only bundles closed cleanly carry a header.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != replay.HeaderFile {
			return nil
		}
		header, err := replay.ReadHeader(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		entries = append(entries, Entry{HeaderPath: path, BundlePath: filepath.Dir(path), Header: header})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Header.SessionID == entries[j].Header.SessionID {
			if entries[i].Header.FirstTick == entries[j].Header.FirstTick {
				return entries[i].BundlePath < entries[j].BundlePath
			}
			return entries[i].Header.FirstTick < entries[j].Header.FirstTick
		}
		return entries[i].Header.SessionID < entries[j].Header.SessionID
	})
	return entries, nil
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}
