// Package config loads the daemon's tuning configuration: a
// pointer-optional JSON document where every field omitted from the file
// falls back to a documented default via its Get* accessor.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultDaemonConfigPath is the conventional location for a
// deployment's config file, relative to the daemon's working directory.
const DefaultDaemonConfigPath = "config/fcdmetricsd.json"

// Config is the root configuration for the metrics daemon. The schema
// matches what cmd/fcdmetricsd accepts as a startup file, so the same
// JSON can be checked into a deployment and reused verbatim.
type Config struct {
	// Kernel / eviction
	UnitRemovalInterval *string `json:"unit_removal_interval,omitempty"` // duration string like "30m"
	UnitExpirationTime  *string `json:"unit_expiration_time,omitempty"`  // duration string like "60m"
	StoreRawFCD         *bool   `json:"store_raw_fcd,omitempty"`

	// Storage
	FCDDataStorage   *string `json:"fcd_data_storage,omitempty"` // "sqlite" or "memory"
	DatabasePath     *string `json:"database_path,omitempty"`
	DatabaseFileName *string `json:"database_file_name,omitempty"`
	IsPersistent     *bool   `json:"is_persistent,omitempty"`

	// Spatio-temporal processor
	SpatialMeanSpeedChunkM *float64 `json:"spatial_mean_speed_chunk_m,omitempty"`

	// Threshold processor
	TriggerInterval                   *string `json:"trigger_interval,omitempty"` // duration string like "30m"
	DefaultRedLightDuration           *string `json:"default_red_light_duration,omitempty"`
	MinTraversalsForThreshold         *int    `json:"min_traversals_for_threshold,omitempty"`
	RecomputeAllRTSMWithNewThresholds *bool   `json:"recompute_all_rtsm_with_new_thresholds,omitempty"`

	// Road network
	RoadNetworkPath *string `json:"road_network_path,omitempty"`
}

// Empty returns a Config with all fields unset. Use Load to populate one
// from a file.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file at path. Fields omitted from the
// file keep their default values, so a partial config is always valid.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that any set fields hold parseable, in-range values.
func (c *Config) Validate() error {
	for _, d := range []*string{c.UnitRemovalInterval, c.UnitExpirationTime, c.TriggerInterval, c.DefaultRedLightDuration} {
		if d != nil && *d != "" {
			if _, err := time.ParseDuration(*d); err != nil {
				return fmt.Errorf("invalid duration %q: %w", *d, err)
			}
		}
	}
	if c.SpatialMeanSpeedChunkM != nil && *c.SpatialMeanSpeedChunkM <= 0 {
		return fmt.Errorf("spatial_mean_speed_chunk_m must be positive, got %f", *c.SpatialMeanSpeedChunkM)
	}
	if c.MinTraversalsForThreshold != nil && *c.MinTraversalsForThreshold < 0 {
		return fmt.Errorf("min_traversals_for_threshold must be non-negative, got %d", *c.MinTraversalsForThreshold)
	}
	if c.FCDDataStorage != nil && *c.FCDDataStorage != "sqlite" && *c.FCDDataStorage != "memory" {
		return fmt.Errorf("fcd_data_storage must be \"sqlite\" or \"memory\", got %q", *c.FCDDataStorage)
	}
	return nil
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetUnitRemovalInterval returns the eviction sweep cadence or its default.
func (c *Config) GetUnitRemovalInterval() time.Duration {
	return parseDurationOr(c.UnitRemovalInterval, 30*time.Minute)
}

// GetUnitExpirationTime returns the vehicle-state eviction age or its default.
func (c *Config) GetUnitExpirationTime() time.Duration {
	return parseDurationOr(c.UnitExpirationTime, 60*time.Minute)
}

// GetStoreRawFCD returns whether raw records are persisted alongside
// derived traversal metrics.
func (c *Config) GetStoreRawFCD() bool {
	if c.StoreRawFCD == nil {
		return false
	}
	return *c.StoreRawFCD
}

// GetFCDDataStorage returns the storage backend kind or its default.
func (c *Config) GetFCDDataStorage() string {
	if c.FCDDataStorage == nil || *c.FCDDataStorage == "" {
		return "sqlite"
	}
	return *c.FCDDataStorage
}

// GetDatabasePath returns the configured database directory or its default.
func (c *Config) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return "."
	}
	return *c.DatabasePath
}

// GetDatabaseFileName returns the configured database file name or its default.
func (c *Config) GetDatabaseFileName() string {
	if c.DatabaseFileName == nil || *c.DatabaseFileName == "" {
		return "fcdmetrics.db"
	}
	return *c.DatabaseFileName
}

// GetIsPersistent returns whether the store keeps data across restarts.
func (c *Config) GetIsPersistent() bool {
	if c.IsPersistent == nil {
		return true
	}
	return *c.IsPersistent
}

// GetSpatialMeanSpeedChunkM returns the spatial-mean sampling interval, in
// meters, or its default.
func (c *Config) GetSpatialMeanSpeedChunkM() float64 {
	if c.SpatialMeanSpeedChunkM == nil {
		return 15.0
	}
	return *c.SpatialMeanSpeedChunkM
}

// GetTriggerInterval returns the threshold-processor run cadence or its default.
func (c *Config) GetTriggerInterval() time.Duration {
	return parseDurationOr(c.TriggerInterval, 30*time.Minute)
}

// GetDefaultRedLightDuration returns the initial red-light allowance or its default.
func (c *Config) GetDefaultRedLightDuration() time.Duration {
	return parseDurationOr(c.DefaultRedLightDuration, 45*time.Second)
}

// GetMinTraversalsForThreshold returns the minimum sample count required
// before a connection's thresholds are (re)computed, or its default.
func (c *Config) GetMinTraversalsForThreshold() int {
	if c.MinTraversalsForThreshold == nil {
		return 10
	}
	return *c.MinTraversalsForThreshold
}

// GetRecomputeAllRTSMWithNewThresholds returns whether every stored
// traversal metric's RTSM is rewritten whenever thresholds change.
func (c *Config) GetRecomputeAllRTSMWithNewThresholds() bool {
	if c.RecomputeAllRTSMWithNewThresholds == nil {
		return false
	}
	return *c.RecomputeAllRTSMWithNewThresholds
}

// GetRoadNetworkPath returns the configured road-network JSON path or its default.
func (c *Config) GetRoadNetworkPath() string {
	if c.RoadNetworkPath == nil || *c.RoadNetworkPath == "" {
		return "road_network.json"
	}
	return *c.RoadNetworkPath
}
