package store

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/fcdtraffic/internal/fcd"
)

// AttachAdminRoutes mounts a tsweb debug page plus a live tailsql query
// console, a live RTSM-by-connection chart, and an on-demand backup
// download, the same admin endpoints the teacher's db.DB exposes.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("store: creating tailsql server: %w", err)
	}
	tsql.SetDB(fmt.Sprintf("sqlite://%s", s.label()), s.db, &tailsql.DBOptions{
		Label: "FCD metric store",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("rtsm-dashboard", "Live RTSM-by-connection chart", http.HandlerFunc(s.handleRTSMDashboard))

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(s.handleBackup))

	return nil
}

// handleRTSMDashboard renders one RTSM line series per connection over
// the full metric history, refreshed on every request.
func (s *Store) handleRTSMDashboard(w http.ResponseWriter, r *http.Request) {
	rows, err := s.AllTraversalMetrics()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read traversal metrics: %v", err), http.StatusInternalServerError)
		return
	}

	byConnection := make(map[string][]fcd.TraversalMetric)
	for _, row := range rows {
		if row.RelativeMetric == fcd.NoRTSM {
			continue
		}
		byConnection[row.ConnectionID] = append(byConnection[row.ConnectionID], row)
	}

	connectionIDs := make([]string, 0, len(byConnection))
	for id := range byConnection {
		connectionIDs = append(connectionIDs, id)
	}
	sort.Strings(connectionIDs)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "FCD Traffic RTSM", Theme: "dark", Width: "1100px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Relative Traffic Status Metric by connection", Subtitle: fmt.Sprintf("%d connections", len(connectionIDs))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "traversal time (ns)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "RTSM"}),
	)

	var xAxis []string
	for _, id := range connectionIDs {
		connRows := byConnection[id]
		sort.Slice(connRows, func(a, b int) bool { return connRows[a].TimeNanos < connRows[b].TimeNanos })
		if len(connRows) > len(xAxis) {
			xAxis = make([]string, len(connRows))
			for i, row := range connRows {
				xAxis[i] = fmt.Sprintf("%d", row.TimeNanos)
			}
		}

		series := make([]opts.LineData, len(connRows))
		for i, row := range connRows {
			series[i] = opts.LineData{Value: row.RelativeMetric}
		}
		line.AddSeries(id, series)
	}
	line.SetXAxis(xAxis)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Store) label() string {
	if s.path != "" {
		return s.path
	}
	return string(s.kind)
}

func (s *Store) handleBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
	if _, err := s.db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer os.Remove(backupPath)

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		opsf("failed to stream backup: %v", err)
	}
}
