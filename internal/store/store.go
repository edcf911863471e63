// Package store implements the metric store: the durable SQLite-backed
// contract through which the buffer/extractor, the spatio-temporal
// processor, and the threshold processor exchange records, traversal
// metrics, and thresholds.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/fcdtraffic/internal/fcd"
	"github.com/banshee-data/fcdtraffic/internal/roadnet"
)

// Kind selects the storage backend. Both kinds share one query
// implementation; only the DSN passed to sql.Open and the on-Shutdown
// flush step differ, matching the single-DB-type shape the teacher's
// own db.DB wrapper uses for its one SQLite backend.
type Kind string

const (
	// KindSQLite persists to a file on disk at Config.Path.
	KindSQLite Kind = "sqlite"
	// KindMemory keeps the database in a process-local in-memory
	// SQLite instance; if Config.Path is set, its contents are
	// written back to that path on Shutdown.
	KindMemory Kind = "memory"
)

// Config configures a Store.
type Config struct {
	Kind Kind
	Path string // database file path (KindSQLite) or flush target (KindMemory, optional)

	// Persistent, when false, truncates all four tables on startup
	// instead of reusing whatever is already on disk.
	Persistent bool
}

// Store is the metric store. It wraps *sql.DB the same way the
// teacher's db.DB does, and additionally keeps an in-memory cache of the
// most recent threshold per connection so GotThresholdFor/GetThresholds
// never need a query on the traversal-metric hot path.
type Store struct {
	db   *sql.DB
	kind Kind
	path string

	startedAt time.Time // insertion-time floor for GetTraversalMetrics

	mu        sync.RWMutex
	threshold map[string]fcd.Thresholds
}

// New opens (and migrates) a Store per cfg. If roadMap is non-nil, its
// connections are upserted into the connections table so downstream
// queries always have up to date length/max-speed metadata.
func New(cfg Config, roadMap roadnet.Map) (*Store, error) {
	dsn := cfg.Path
	if cfg.Kind == KindMemory {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", dsn, err)
	}
	// A shared-cache in-memory database is destroyed once the last
	// connection closes; force exactly one so it survives for the
	// Store's lifetime.
	if cfg.Kind == KindMemory {
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:        db,
		kind:      cfg.Kind,
		path:      cfg.Path,
		startedAt: time.Now(),
		threshold: make(map[string]fcd.Thresholds),
	}

	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}

	if !cfg.Persistent {
		if err := s.truncateAll(); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: truncating tables: %w", err)
		}
	}

	if roadMap != nil {
		if err := s.populateConnections(roadMap); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: populating connections: %w", err)
		}
	}

	if err := s.loadThresholdCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: loading threshold cache: %w", err)
	}

	return s, nil
}

func (s *Store) truncateAll() error {
	_, err := s.db.Exec(`
		DELETE FROM thresholds;
		DELETE FROM traversal_metrics;
		DELETE FROM records;
		DELETE FROM connections;
	`)
	return err
}

func (s *Store) populateConnections(roadMap roadnet.Map) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO connections (connection_id, max_speed_mps, length_m)
		VALUES (?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET
			max_speed_mps = excluded.max_speed_mps,
			length_m = excluded.length_m
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range roadMap.ConnectionIDs() {
		conn, ok := roadMap.GetConnection(id)
		if !ok {
			continue
		}
		meta := roadnet.Meta(conn)
		if _, err := stmt.Exec(meta.ConnectionID, meta.MaxSpeedMPS, meta.LengthMeters); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) loadThresholdCache() error {
	rows, err := s.db.Query(`
		SELECT t.connection_id, t.temporal_threshold, t.spatial_threshold, t.simulation_time_ns
		FROM thresholds t
		INNER JOIN (
			SELECT connection_id, MAX(inserted_at) AS max_inserted
			FROM thresholds
			GROUP BY connection_id
		) latest ON latest.connection_id = t.connection_id AND latest.max_inserted = t.inserted_at
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var th fcd.Thresholds
		if err := rows.Scan(&th.ConnectionID, &th.TemporalThreshold, &th.SpatialThreshold, &th.SimulationTimeNs); err != nil {
			return err
		}
		s.threshold[th.ConnectionID] = th
	}
	return rows.Err()
}

// Shutdown flushes and closes the underlying database. For an
// in-memory store with a configured Path, its contents are written back
// to that path first via VACUUM INTO.
func (s *Store) Shutdown() error {
	if s.kind == KindMemory && s.path != "" {
		if _, err := s.db.Exec("VACUUM INTO ?", s.path); err != nil {
			opsf("failed to flush in-memory store to %s: %v", s.path, err)
			return fmt.Errorf("store: flushing in-memory store to %s: %w", s.path, err)
		}
		diagf("flushed in-memory store to %s", s.path)
	}
	return s.db.Close()
}
