package replayplayer

import (
	"fmt"
	"sort"

	"powernet/broker/internal/replay"
	"powernet/broker/internal/simulation"
)

// NetworkSummary accumulates the ledgers one network produced across a bundle.
type NetworkSummary struct {
	NetworkID string            `json:"network_id"`
	Ticks     int               `json:"ticks"`
	Total     simulation.Ledger `json:"total"`
}

// Summary aggregates a journal bundle.
type Summary struct {
	Header     replay.Header     `json:"header"`
	Frames     int               `json:"frames"`
	Rebuilds   int               `json:"rebuilds"`
	Total      simulation.Ledger `json:"total"`
	Networks   []NetworkSummary  `json:"networks"`
	Messages   map[string]int    `json:"messages_per_observer"`
	Tombstones int               `json:"tombstones"`
}

// Summarise replays the bundle in dir and aggregates ledgers and deliveries.
func Summarise(dir string) (Summary, error) {
	if dir == "" {
		return Summary{}, fmt.Errorf("path is required")
	}
	loader, err := replay.Load(dir)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{Header: loader.Header(), Messages: make(map[string]int)}
	networks := make(map[string]*NetworkSummary)

	err = loader.Replay(func(entry replay.TimelineEntry) error {
		switch entry.Type {
		case replay.EntryLedgers:
			frame, err := entry.Ledgers()
			if err != nil {
				return fmt.Errorf("tick %d: %w", entry.Tick, err)
			}
			summary.Frames++
			if frame.Rebuilt {
				summary.Rebuilds++
			}
			summary.Total.Add(frame.Total)
			for _, network := range frame.Networks {
				acc := networks[network.NetworkID]
				if acc == nil {
					acc = &NetworkSummary{NetworkID: network.NetworkID}
					networks[network.NetworkID] = acc
				}
				acc.Ticks++
				acc.Total.Add(network.Ledger)
			}
		case replay.EntryMessage:
			msg, err := entry.Message()
			if err != nil {
				return fmt.Errorf("tick %d: %w", entry.Tick, err)
			}
			summary.Messages[entry.ObserverID]++
			summary.Tombstones += len(msg.Removed)
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}

	//1.- Stable network order keeps the CLI output diffable.
	for _, acc := range networks {
		summary.Networks = append(summary.Networks, *acc)
	}
	sort.Slice(summary.Networks, func(i, j int) bool { return summary.Networks[i].NetworkID < summary.Networks[j].NetworkID })
	return summary, nil
}
