// Command metrics-dashboard renders per-connection RTSM and mean-speed
// history from a metric store into PNG plots, one file set per
// connection, for quick visual inspection without a live query API.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/fcdtraffic/internal/fcd"
	"github.com/banshee-data/fcdtraffic/internal/roadnet"
	"github.com/banshee-data/fcdtraffic/internal/store"
)

func main() {
	var dbPath string
	var roadNetworkPath string
	var outputDir string

	flag.StringVar(&dbPath, "db", "fcdmetrics.db", "path to the sqlite metric store")
	flag.StringVar(&roadNetworkPath, "road-network", "", "path to a road-network JSON file (required)")
	flag.StringVar(&outputDir, "out", "plots", "output directory for PNG files")
	flag.Parse()

	if roadNetworkPath == "" {
		log.Fatal("metrics-dashboard: -road-network is required")
	}

	roadMap, err := roadnet.LoadStaticMap(roadNetworkPath)
	if err != nil {
		log.Fatalf("metrics-dashboard: loading road network: %v", err)
	}

	metricStore, err := store.New(store.Config{
		Kind:       store.KindSQLite,
		Path:       dbPath,
		Persistent: true,
	}, roadMap)
	if err != nil {
		log.Fatalf("metrics-dashboard: opening metric store: %v", err)
	}
	defer metricStore.Shutdown()

	rows, err := metricStore.AllTraversalMetrics()
	if err != nil {
		log.Fatalf("metrics-dashboard: reading traversal metrics: %v", err)
	}
	if len(rows) == 0 {
		fmt.Println("no traversal metrics to plot")
		return
	}

	runID := uuid.NewString()
	outputDir = filepath.Join(outputDir, runID)
	log.Printf("metrics-dashboard: analysis run %s writing to %s", runID, outputDir)

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		log.Fatalf("metrics-dashboard: creating output dir: %v", err)
	}

	byConnection := make(map[string][]fcd.TraversalMetric)
	for _, row := range rows {
		byConnection[row.ConnectionID] = append(byConnection[row.ConnectionID], row)
	}

	plotted := 0
	for connectionID, connRows := range byConnection {
		sort.Slice(connRows, func(a, b int) bool { return connRows[a].TimeNanos < connRows[b].TimeNanos })
		if err := plotConnection(outputDir, connectionID, connRows); err != nil {
			log.Fatalf("metrics-dashboard: plotting %s: %v", connectionID, err)
		}
		plotted++
	}

	fmt.Printf("generated plots for %d connections in %s\n", plotted, outputDir)
}

func plotConnection(outputDir, connectionID string, rows []fcd.TraversalMetric) error {
	speedPlot := plot.New()
	speedPlot.Title.Text = fmt.Sprintf("Connection %s - Mean Speeds", connectionID)
	speedPlot.X.Label.Text = "Traversal time (ns)"
	speedPlot.Y.Label.Text = "Speed (m/s)"

	rtsmPlot := plot.New()
	rtsmPlot.Title.Text = fmt.Sprintf("Connection %s - Relative Traffic Status Metric", connectionID)
	rtsmPlot.X.Label.Text = "Traversal time (ns)"
	rtsmPlot.Y.Label.Text = "RTSM"

	temporalPts := make(plotter.XYs, 0, len(rows))
	spatialPts := make(plotter.XYs, 0, len(rows))
	rtsmPts := make(plotter.XYs, 0, len(rows))

	for _, row := range rows {
		temporalPts = append(temporalPts, plotter.XY{X: float64(row.TimeNanos), Y: row.TemporalMeanSpeed})
		spatialPts = append(spatialPts, plotter.XY{X: float64(row.TimeNanos), Y: row.SpatialMeanSpeed})
		if row.RelativeMetric != fcd.NoRTSM {
			rtsmPts = append(rtsmPts, plotter.XY{X: float64(row.TimeNanos), Y: float64(row.RelativeMetric)})
		}
	}

	temporalLine, err := plotter.NewLine(temporalPts)
	if err != nil {
		return fmt.Errorf("temporal line: %w", err)
	}
	temporalLine.Color = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 255}
	temporalLine.Width = vg.Points(1)
	speedPlot.Add(temporalLine)
	speedPlot.Legend.Add("temporal mean", temporalLine)

	spatialLine, err := plotter.NewLine(spatialPts)
	if err != nil {
		return fmt.Errorf("spatial line: %w", err)
	}
	spatialLine.Color = color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 255}
	spatialLine.Width = vg.Points(1)
	speedPlot.Add(spatialLine)
	speedPlot.Legend.Add("spatial mean", spatialLine)

	speedPlot.Legend.Top = true

	if len(rtsmPts) > 0 {
		rtsmLine, err := plotter.NewLine(rtsmPts)
		if err != nil {
			return fmt.Errorf("rtsm line: %w", err)
		}
		rtsmLine.Color = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 255}
		rtsmLine.Width = vg.Points(1)
		rtsmPlot.Add(rtsmLine)
	}

	speedFile := filepath.Join(outputDir, fmt.Sprintf("%s_speeds.png", safeFileName(connectionID)))
	if err := speedPlot.Save(12*vg.Inch, 5*vg.Inch, speedFile); err != nil {
		return fmt.Errorf("save speed plot: %w", err)
	}

	rtsmFile := filepath.Join(outputDir, fmt.Sprintf("%s_rtsm.png", safeFileName(connectionID)))
	if err := rtsmPlot.Save(12*vg.Inch, 5*vg.Inch, rtsmFile); err != nil {
		return fmt.Errorf("save rtsm plot: %w", err)
	}

	return nil
}

func safeFileName(connectionID string) string {
	out := make([]rune, 0, len(connectionID))
	for _, r := range connectionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
