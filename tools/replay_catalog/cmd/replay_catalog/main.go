package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"powernet/broker/tools/replay_catalog"
)

func main() {
	root := flag.String("dir", ".", "directory containing journal bundles")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	entries, err := replaycatalog.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := replaycatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		fmt.Printf("%s (schema %d)\n", entry.BundlePath, entry.Header.SchemaVersion)
		if entry.Header.SessionID != "" {
			fmt.Printf("  session: %s\n", entry.Header.SessionID)
		}
		fmt.Printf("  ticks: %d-%d (%d)\n", entry.Header.FirstTick, entry.Header.LastTick, entry.Ticks())
		if len(entry.Header.Parameters) > 0 {
			keys := make([]string, 0, len(entry.Header.Parameters))
			for key := range entry.Header.Parameters {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			fmt.Printf("  parameters:\n")
			for _, key := range keys {
				fmt.Printf("    %s: %.3f\n", key, entry.Header.Parameters[key])
			}
		}
	}
}
