package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/banshee-data/fcdtraffic/internal/fcd"
	"github.com/banshee-data/fcdtraffic/internal/store"
	"github.com/banshee-data/fcdtraffic/internal/testutil"
)

type fakeReader struct {
	thresholds map[string]fcd.Thresholds
	traversals []fcd.TraversalMetric
	closest    fcd.TraversalMetric
	closestOK  bool
	averages   []store.ConnectionInterval
	err        error
}

func (f *fakeReader) GetThresholds(connectionID string) (fcd.Thresholds, bool) {
	th, ok := f.thresholds[connectionID]
	return th, ok
}

func (f *fakeReader) GetTraversalMetrics() ([]fcd.TraversalMetric, error) {
	return f.traversals, f.err
}

func (f *fakeReader) GetClosestTraversalData(connectionID string, t int64) (fcd.TraversalMetric, bool, error) {
	return f.closest, f.closestOK, f.err
}

func (f *fakeReader) GetAveragesForInterval(t0 int64, delta time.Duration) ([]store.ConnectionInterval, error) {
	return f.averages, f.err
}

func TestShowThresholdsMissingConnectionID(t *testing.T) {
	s := NewServer(&fakeReader{}, "")
	req := testutil.NewTestRequest(http.MethodGet, "/api/thresholds")
	rec := testutil.NewTestRecorder()
	s.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestShowThresholdsNotFound(t *testing.T) {
	s := NewServer(&fakeReader{thresholds: map[string]fcd.Thresholds{}}, "")
	req := testutil.NewTestRequest(http.MethodGet, "/api/thresholds?connection_id=A")
	rec := testutil.NewTestRecorder()
	s.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestShowThresholdsConvertsUnits(t *testing.T) {
	reader := &fakeReader{thresholds: map[string]fcd.Thresholds{
		"A": {ConnectionID: "A", TemporalThreshold: 10, SpatialThreshold: 10},
	}}
	s := NewServer(reader, "mps")
	req := testutil.NewTestRequest(http.MethodGet, "/api/thresholds?connection_id=A&units=mph")
	rec := testutil.NewTestRecorder()
	s.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var th fcd.Thresholds
	if err := json.Unmarshal(rec.Body.Bytes(), &th); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if th.TemporalThreshold <= 10 {
		t.Fatalf("TemporalThreshold = %v, expected mph conversion to exceed raw m/s value", th.TemporalThreshold)
	}
}

func TestListTraversalsFiltersByConnection(t *testing.T) {
	reader := &fakeReader{traversals: []fcd.TraversalMetric{
		{ConnectionID: "A", RelativeMetric: fcd.NoRTSM},
		{ConnectionID: "B", RelativeMetric: fcd.NoRTSM},
	}}
	s := NewServer(reader, "")
	req := testutil.NewTestRequest(http.MethodGet, "/api/traversals?connection_id=A")
	rec := testutil.NewTestRecorder()
	s.ServeMux().ServeHTTP(rec, req)

	var rows []fcd.TraversalMetric
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if len(rows) != 1 || rows[0].ConnectionID != "A" {
		t.Fatalf("rows = %+v, want exactly the A row", rows)
	}
}

func TestListTraversalsStoreError(t *testing.T) {
	reader := &fakeReader{err: errors.New("boom")}
	s := NewServer(reader, "")
	req := testutil.NewTestRequest(http.MethodGet, "/api/traversals")
	rec := testutil.NewTestRecorder()
	s.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusInternalServerError)
}

func TestShowClosestTraversalRequiresConnectionID(t *testing.T) {
	s := NewServer(&fakeReader{}, "")
	req := testutil.NewTestRequest(http.MethodGet, "/api/traversals/closest")
	rec := testutil.NewTestRecorder()
	s.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestShowClosestTraversalInvalidTimeParam(t *testing.T) {
	s := NewServer(&fakeReader{}, "")
	req := testutil.NewTestRequest(http.MethodGet, "/api/traversals/closest?connection_id=A&time_ns=not-a-number")
	rec := testutil.NewTestRecorder()
	s.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestShowClosestTraversalFound(t *testing.T) {
	reader := &fakeReader{
		closest:   fcd.TraversalMetric{ConnectionID: "A", TemporalMeanSpeed: 10},
		closestOK: true,
	}
	s := NewServer(reader, "")
	req := testutil.NewTestRequest(http.MethodGet, "/api/traversals/closest?connection_id=A")
	rec := testutil.NewTestRecorder()
	s.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
}

func TestShowAveragesInvalidInterval(t *testing.T) {
	s := NewServer(&fakeReader{}, "")
	req := testutil.NewTestRequest(http.MethodGet, "/api/averages?interval=not-a-duration")
	rec := testutil.NewTestRecorder()
	s.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestShowAveragesSucceeds(t *testing.T) {
	reader := &fakeReader{averages: []store.ConnectionInterval{
		{ConnectionID: "A", AvgTemporalSpeed: 10, AvgSpatialSpeed: 10, TraversalCount: 5},
	}}
	s := NewServer(reader, "")
	req := testutil.NewTestRequest(http.MethodGet, "/api/averages?t0=1000&interval=1h")
	rec := testutil.NewTestRecorder()
	s.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var rows []store.ConnectionInterval
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if len(rows) != 1 || rows[0].TraversalCount != 5 {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestShowConfigReportsDefaultUnits(t *testing.T) {
	s := NewServer(&fakeReader{}, "kmph")
	req := testutil.NewTestRequest(http.MethodGet, "/api/config")
	rec := testutil.NewTestRecorder()
	s.ServeMux().ServeHTTP(rec, req)

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if body["units"] != "kmph" {
		t.Fatalf("units = %v, want kmph", body["units"])
	}
}

func TestMethodNotAllowedOnNonGET(t *testing.T) {
	s := NewServer(&fakeReader{}, "")
	req := testutil.NewTestRequest(http.MethodPost, "/api/config")
	rec := testutil.NewTestRecorder()
	s.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}
