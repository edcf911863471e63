// Package api exposes a small read-only HTTP query surface over the
// metric store: current thresholds and RTSM by connection, recent
// traversal metrics, and interval-averaged Speed Performance Index.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/fcdtraffic/internal/fcd"
	"github.com/banshee-data/fcdtraffic/internal/httputil"
	"github.com/banshee-data/fcdtraffic/internal/store"
	"github.com/banshee-data/fcdtraffic/internal/units"
	"github.com/banshee-data/fcdtraffic/internal/version"
)

// ANSI escape codes for request logging.
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// MetricReader is the subset of *store.Store this API reads from.
type MetricReader interface {
	GetThresholds(connectionID string) (fcd.Thresholds, bool)
	GetTraversalMetrics() ([]fcd.TraversalMetric, error)
	GetClosestTraversalData(connectionID string, t int64) (fcd.TraversalMetric, bool, error)
	GetAveragesForInterval(t0 int64, delta time.Duration) ([]store.ConnectionInterval, error)
}

// Server serves the query API over a MetricReader, converting speeds to
// units on request.
type Server struct {
	store MetricReader
	units string
}

// NewServer builds a Server reading from store, defaulting responses to
// defaultUnits when a request omits ?units=.
func NewServer(store MetricReader, defaultUnits string) *Server {
	if defaultUnits == "" {
		defaultUnits = units.MPS
	}
	return &Server{store: store, units: defaultUnits}
}

func (s *Server) unitsFor(r *http.Request) string {
	if u := r.URL.Query().Get("units"); u != "" && units.IsValid(u) {
		return u
	}
	return s.units
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		opsf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the handler tree for the query API.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/thresholds", s.showThresholds)
	mux.HandleFunc("/api/traversals", s.listTraversals)
	mux.HandleFunc("/api/traversals/closest", s.showClosestTraversal)
	mux.HandleFunc("/api/averages", s.showAverages)
	mux.HandleFunc("/api/config", s.showConfig)
	return mux
}

func (s *Server) showThresholds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	connectionID := r.URL.Query().Get("connection_id")
	if connectionID == "" {
		httputil.BadRequest(w, "missing 'connection_id' parameter")
		return
	}

	th, ok := s.store.GetThresholds(connectionID)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("no thresholds for connection %q", connectionID))
		return
	}

	unit := s.unitsFor(r)
	th.TemporalThreshold = units.ConvertSpeed(th.TemporalThreshold, unit)
	th.SpatialThreshold = units.ConvertSpeed(th.SpatialThreshold, unit)

	httputil.WriteJSONOK(w, th)
}

func (s *Server) listTraversals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	rows, err := s.store.GetTraversalMetrics()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve traversal metrics: %v", err))
		return
	}

	if connectionID := r.URL.Query().Get("connection_id"); connectionID != "" {
		filtered := rows[:0]
		for _, row := range rows {
			if row.ConnectionID == connectionID {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}

	unit := s.unitsFor(r)
	for i := range rows {
		rows[i].SpatialMeanSpeed = units.ConvertSpeed(rows[i].SpatialMeanSpeed, unit)
		rows[i].TemporalMeanSpeed = units.ConvertSpeed(rows[i].TemporalMeanSpeed, unit)
		rows[i].NaiveMeanSpeed = units.ConvertSpeed(rows[i].NaiveMeanSpeed, unit)
	}

	httputil.WriteJSONOK(w, rows)
}

func (s *Server) showClosestTraversal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	connectionID := r.URL.Query().Get("connection_id")
	if connectionID == "" {
		httputil.BadRequest(w, "missing 'connection_id' parameter")
		return
	}

	atNanos := time.Now().UnixNano()
	if at := r.URL.Query().Get("time_ns"); at != "" {
		parsed, err := strconv.ParseInt(at, 10, 64)
		if err != nil {
			httputil.BadRequest(w, "invalid 'time_ns' parameter")
			return
		}
		atNanos = parsed
	}

	row, found, err := s.store.GetClosestTraversalData(connectionID, atNanos)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to query closest traversal: %v", err))
		return
	}
	if !found {
		httputil.NotFound(w, fmt.Sprintf("no traversal data for connection %q", connectionID))
		return
	}

	unit := s.unitsFor(r)
	row.SpatialMeanSpeed = units.ConvertSpeed(row.SpatialMeanSpeed, unit)
	row.TemporalMeanSpeed = units.ConvertSpeed(row.TemporalMeanSpeed, unit)
	row.NaiveMeanSpeed = units.ConvertSpeed(row.NaiveMeanSpeed, unit)

	httputil.WriteJSONOK(w, row)
}

func (s *Server) showAverages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	t0 := time.Now().Add(-time.Hour).UnixNano()
	if v := r.URL.Query().Get("t0"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httputil.BadRequest(w, "invalid 't0' parameter")
			return
		}
		t0 = parsed
	}

	delta := time.Hour
	if v := r.URL.Query().Get("interval"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			httputil.BadRequest(w, "invalid 'interval' parameter")
			return
		}
		delta = parsed
	}

	rows, err := s.store.GetAveragesForInterval(t0, delta)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve averages: %v", err))
		return
	}

	unit := s.unitsFor(r)
	for i := range rows {
		rows[i].AvgTemporalSpeed = units.ConvertSpeed(rows[i].AvgTemporalSpeed, unit)
		rows[i].AvgSpatialSpeed = units.ConvertSpeed(rows[i].AvgSpatialSpeed, unit)
	}

	httputil.WriteJSONOK(w, rows)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"units":   s.units,
		"version": version.Version,
		"git_sha": version.GitSHA,
	})
}
