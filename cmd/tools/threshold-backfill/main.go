// Command threshold-backfill recomputes connection thresholds and RTSM
// over a historical range of already-stored traversal metrics, without
// running the full daemon.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/banshee-data/fcdtraffic/internal/config"
	"github.com/banshee-data/fcdtraffic/internal/roadnet"
	"github.com/banshee-data/fcdtraffic/internal/store"
	"github.com/banshee-data/fcdtraffic/internal/threshold"
)

func main() {
	var dbPath string
	var roadNetworkPath string
	var startStr string
	var endStr string
	var window time.Duration

	flag.StringVar(&dbPath, "db", "fcdmetrics.db", "path to the sqlite metric store")
	flag.StringVar(&roadNetworkPath, "road-network", "", "path to a road-network JSON file (required)")
	flag.StringVar(&startStr, "start", "", "start time (RFC3339)")
	flag.StringVar(&endStr, "end", "", "end time (RFC3339)")
	flag.DurationVar(&window, "window", 30*time.Minute, "threshold recompute window size")
	flag.Parse()

	if roadNetworkPath == "" {
		log.Fatal("threshold-backfill: -road-network is required")
	}
	if startStr == "" || endStr == "" {
		log.Fatal("threshold-backfill: -start and -end must be provided")
	}

	startT, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		log.Fatalf("threshold-backfill: invalid -start: %v", err)
	}
	endT, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		log.Fatalf("threshold-backfill: invalid -end: %v", err)
	}

	roadMap, err := roadnet.LoadStaticMap(roadNetworkPath)
	if err != nil {
		log.Fatalf("threshold-backfill: loading road network: %v", err)
	}

	metricStore, err := store.New(store.Config{
		Kind:       store.KindSQLite,
		Path:       dbPath,
		Persistent: true,
	}, roadMap)
	if err != nil {
		log.Fatalf("threshold-backfill: opening metric store: %v", err)
	}
	defer metricStore.Shutdown()

	cfg := config.Empty()
	proc := threshold.New(metricStore, roadMap, threshold.Config{
		TriggerInterval:             cfg.GetTriggerInterval(),
		DefaultRedLightDuration:     cfg.GetDefaultRedLightDuration(),
		MinTraversalsForThreshold:   cfg.GetMinTraversalsForThreshold(),
		RecomputeAllRTSMOnThreshold: true,
		RedLightMinSamples:          10,
		RedLightMaxSamples:          400,
	})

	for t := startT.UTC(); t.Before(endT.UTC()); t = t.Add(window) {
		fmt.Printf("recomputing thresholds as of %s\n", t)
		if err := proc.RunOnce(t); err != nil {
			log.Fatalf("threshold-backfill: run failed at %s: %v", t, err)
		}
	}

	fmt.Println("threshold backfill complete")
}
