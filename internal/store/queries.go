package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/fcdtraffic/internal/fcd"
	"github.com/banshee-data/fcdtraffic/internal/threshold"
)

// recordBatchSize mirrors the teacher's own commit-every-N-rows pattern
// for bulk inserts, keeping any single transaction bounded.
const recordBatchSize = 1000

// InsertRecords appends records for vehicleID, replacing any row already
// present at the same (connection_id, time_ns, vehicle_id) key. Commits
// happen every recordBatchSize rows so a very large batch never holds
// one oversized transaction open.
func (s *Store) InsertRecords(vehicleID string, records []fcd.Record) error {
	for start := 0; start < len(records); start += recordBatchSize {
		end := start + recordBatchSize
		if end > len(records) {
			end = len(records)
		}
		if err := s.insertRecordChunk(vehicleID, records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertRecordChunk(vehicleID string, chunk []fcd.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: beginning record insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO records (connection_id, time_ns, vehicle_id, lat, lon, ele, speed_mps, offset_m, heading_deg)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, time_ns, vehicle_id) DO UPDATE SET
			lat = excluded.lat, lon = excluded.lon, ele = excluded.ele,
			speed_mps = excluded.speed_mps, offset_m = excluded.offset_m, heading_deg = excluded.heading_deg
	`)
	if err != nil {
		return fmt.Errorf("store: preparing record insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range chunk {
		id := vehicleID
		if r.VehicleID != "" {
			id = r.VehicleID
		}
		if _, err := stmt.Exec(r.ConnectionID, r.TimeNanos, id, r.Position.Lat, r.Position.Lon,
			r.Position.Ele, r.SpeedMPS, r.OffsetMeters, r.HeadingDeg); err != nil {
			return fmt.Errorf("store: inserting record: %w", err)
		}
	}

	return tx.Commit()
}

// InsertTraversalMetric appends one traversal-metric row, auto-assigning
// its row id.
func (s *Store) InsertTraversalMetric(m fcd.TraversalMetric) error {
	_, err := s.db.Exec(`
		INSERT INTO traversal_metrics
			(vehicle_id, time_ns, connection_id, next_connection_id, spatial_mean_speed,
			 temporal_mean_speed, naive_mean_speed, relative_metric, traversal_time_ns, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.VehicleID, m.TimeNanos, m.ConnectionID, m.NextConnectionID, m.SpatialMeanSpeed,
		m.TemporalMeanSpeed, m.NaiveMeanSpeed, m.RelativeMetric, m.TraversalTimeNs, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store: inserting traversal metric: %w", err)
	}
	return nil
}

// UpdateTraversalMetrics batch-updates the RelativeMetric of every row
// by its id. Rows are committed in chunks of recordBatchSize.
func (s *Store) UpdateTraversalMetrics(rows []fcd.TraversalMetric) error {
	for start := 0; start < len(rows); start += recordBatchSize {
		end := start + recordBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.updateTraversalMetricChunk(rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) updateTraversalMetricChunk(chunk []fcd.TraversalMetric) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: beginning traversal metric update transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE traversal_metrics SET relative_metric = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("store: preparing traversal metric update: %w", err)
	}
	defer stmt.Close()

	for _, m := range chunk {
		if _, err := stmt.Exec(m.RelativeMetric, m.ID); err != nil {
			return fmt.Errorf("store: updating traversal metric %d: %w", m.ID, err)
		}
	}

	return tx.Commit()
}

// InsertThresholds persists one threshold round and refreshes the
// in-memory cache to these latest values. A failed insert never touches
// the cache, so a partial write can't corrupt what callers read next.
func (s *Store) InsertThresholds(temporal, spatial map[string]float64, simulationTimeNs int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: beginning threshold insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO thresholds (connection_id, temporal_threshold, spatial_threshold, simulation_time_ns, inserted_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: preparing threshold insert: %w", err)
	}
	defer stmt.Close()

	insertedAt := time.Now().UnixNano()
	fresh := make(map[string]fcd.Thresholds, len(temporal))
	for connectionID, t := range temporal {
		sVal, ok := spatial[connectionID]
		if !ok {
			continue
		}
		if _, err := stmt.Exec(connectionID, t, sVal, simulationTimeNs, insertedAt); err != nil {
			return fmt.Errorf("store: inserting threshold for %s: %w", connectionID, err)
		}
		fresh[connectionID] = fcd.Thresholds{
			ConnectionID:      connectionID,
			TemporalThreshold: t,
			SpatialThreshold:  sVal,
			SimulationTimeNs:  simulationTimeNs,
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing thresholds: %w", err)
	}

	s.mu.Lock()
	for connectionID, th := range fresh {
		s.threshold[connectionID] = th
	}
	s.mu.Unlock()

	return nil
}

// GetThresholds returns the current thresholds for a connection, cache
// first, falling back to the most recent row in storage.
func (s *Store) GetThresholds(connectionID string) (fcd.Thresholds, bool) {
	s.mu.RLock()
	th, ok := s.threshold[connectionID]
	s.mu.RUnlock()
	if ok {
		return th, true
	}

	row := s.db.QueryRow(`
		SELECT connection_id, temporal_threshold, spatial_threshold, simulation_time_ns
		FROM thresholds WHERE connection_id = ? ORDER BY inserted_at DESC LIMIT 1
	`, connectionID)
	var out fcd.Thresholds
	if err := row.Scan(&out.ConnectionID, &out.TemporalThreshold, &out.SpatialThreshold, &out.SimulationTimeNs); err != nil {
		return fcd.Thresholds{}, false
	}

	s.mu.Lock()
	s.threshold[connectionID] = out
	s.mu.Unlock()
	return out, true
}

// GotThresholdFor reports whether a threshold is cached for connectionID,
// without touching storage.
func (s *Store) GotThresholdFor(connectionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.threshold[connectionID]
	return ok
}

// TraversalTimesByConnection returns every traversal_time_ns value
// grouped by connection, satisfying threshold.MetricSource.
func (s *Store) TraversalTimesByConnection() (map[string][]float64, error) {
	rows, err := s.db.Query(`SELECT connection_id, traversal_time_ns FROM traversal_metrics`)
	if err != nil {
		return nil, fmt.Errorf("store: querying traversal times: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float64)
	for rows.Next() {
		var connectionID string
		var t float64
		if err := rows.Scan(&connectionID, &t); err != nil {
			return nil, err
		}
		out[connectionID] = append(out[connectionID], t)
	}
	return out, rows.Err()
}

// MeanSpeedsByConnection returns every (temporal, spatial) mean-speed
// pair grouped by connection, satisfying threshold.MetricSource.
func (s *Store) MeanSpeedsByConnection() (map[string][]threshold.MeanSpeedSample, error) {
	rows, err := s.db.Query(`SELECT connection_id, temporal_mean_speed, spatial_mean_speed FROM traversal_metrics`)
	if err != nil {
		return nil, fmt.Errorf("store: querying mean speeds: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]threshold.MeanSpeedSample)
	for rows.Next() {
		var connectionID string
		var sample threshold.MeanSpeedSample
		if err := rows.Scan(&connectionID, &sample.Temporal, &sample.Spatial); err != nil {
			return nil, err
		}
		out[connectionID] = append(out[connectionID], sample)
	}
	return out, rows.Err()
}

// AllTraversalMetrics returns every stored traversal-metric row,
// unconditionally. Used by the threshold processor's RTSM rewrite pass,
// which must touch every row regardless of when it was inserted.
func (s *Store) AllTraversalMetrics() ([]fcd.TraversalMetric, error) {
	return s.queryTraversalMetrics(`SELECT id, vehicle_id, time_ns, connection_id, next_connection_id,
		spatial_mean_speed, temporal_mean_speed, naive_mean_speed, relative_metric, traversal_time_ns
		FROM traversal_metrics`)
}

// GetTraversalMetrics returns every traversal-metric row inserted since
// this Store was opened, for the external query API.
func (s *Store) GetTraversalMetrics() ([]fcd.TraversalMetric, error) {
	return s.queryTraversalMetrics(`SELECT id, vehicle_id, time_ns, connection_id, next_connection_id,
		spatial_mean_speed, temporal_mean_speed, naive_mean_speed, relative_metric, traversal_time_ns
		FROM traversal_metrics WHERE inserted_at >= ?`, s.startedAt.UnixNano())
}

func (s *Store) queryTraversalMetrics(query string, args ...interface{}) ([]fcd.TraversalMetric, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying traversal metrics: %w", err)
	}
	defer rows.Close()

	var out []fcd.TraversalMetric
	for rows.Next() {
		var m fcd.TraversalMetric
		if err := rows.Scan(&m.ID, &m.VehicleID, &m.TimeNanos, &m.ConnectionID, &m.NextConnectionID,
			&m.SpatialMeanSpeed, &m.TemporalMeanSpeed, &m.NaiveMeanSpeed, &m.RelativeMetric, &m.TraversalTimeNs); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ConnectionInterval is one connection's averaged traversal stats over a
// requested time window, including the Speed Performance Index (mean
// temporal speed divided by the connection's posted maximum speed).
type ConnectionInterval struct {
	ConnectionID        string
	AvgTemporalSpeed    float64
	AvgSpatialSpeed     float64
	AvgRelativeMetric   float64
	TraversalCount      int
	SpeedPerformanceIdx float64
}

// GetAveragesForInterval returns per-connection averaged traversal stats
// for rows with time_ns in (t0, t0+delta).
func (s *Store) GetAveragesForInterval(t0 int64, delta time.Duration) ([]ConnectionInterval, error) {
	t1 := t0 + delta.Nanoseconds()
	rows, err := s.db.Query(`
		SELECT tm.connection_id,
			AVG(tm.temporal_mean_speed), AVG(tm.spatial_mean_speed), AVG(tm.relative_metric),
			COUNT(*), c.max_speed_mps
		FROM traversal_metrics tm
		LEFT JOIN connections c ON c.connection_id = tm.connection_id
		WHERE tm.time_ns > ? AND tm.time_ns < ?
		GROUP BY tm.connection_id
	`, t0, t1)
	if err != nil {
		return nil, fmt.Errorf("store: querying interval averages: %w", err)
	}
	defer rows.Close()

	var out []ConnectionInterval
	for rows.Next() {
		var ci ConnectionInterval
		var maxSpeed sql.NullFloat64
		if err := rows.Scan(&ci.ConnectionID, &ci.AvgTemporalSpeed, &ci.AvgSpatialSpeed,
			&ci.AvgRelativeMetric, &ci.TraversalCount, &maxSpeed); err != nil {
			return nil, err
		}
		if maxSpeed.Valid && maxSpeed.Float64 > 0 {
			ci.SpeedPerformanceIdx = ci.AvgTemporalSpeed / maxSpeed.Float64
		}
		out = append(out, ci)
	}
	return out, rows.Err()
}

// GetClosestTraversalData returns the traversal-metric row on
// connectionID whose time_ns is nearest to t.
func (s *Store) GetClosestTraversalData(connectionID string, t int64) (fcd.TraversalMetric, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, vehicle_id, time_ns, connection_id, next_connection_id,
			spatial_mean_speed, temporal_mean_speed, naive_mean_speed, relative_metric, traversal_time_ns
		FROM traversal_metrics
		WHERE connection_id = ?
		ORDER BY ABS(time_ns - ?) ASC
		LIMIT 1
	`, connectionID, t)

	var m fcd.TraversalMetric
	err := row.Scan(&m.ID, &m.VehicleID, &m.TimeNanos, &m.ConnectionID, &m.NextConnectionID,
		&m.SpatialMeanSpeed, &m.TemporalMeanSpeed, &m.NaiveMeanSpeed, &m.RelativeMetric, &m.TraversalTimeNs)
	if err == sql.ErrNoRows {
		return fcd.TraversalMetric{}, false, nil
	}
	if err != nil {
		return fcd.TraversalMetric{}, false, fmt.Errorf("store: querying closest traversal: %w", err)
	}
	return m, true, nil
}
