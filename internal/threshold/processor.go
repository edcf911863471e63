// Package threshold implements the periodic threshold / RTSM processor
// (temporal and spatial per-connection thresholds, recomputed on a fixed
// simulated-time interval from accumulated traversal history) and the
// RTSM computation it and the spatio-temporal processor both use.
package threshold

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/fcdtraffic/internal/fcd"
	"github.com/banshee-data/fcdtraffic/internal/roadnet"
)

// MeanSpeedSample is one traversal's temporal/spatial mean speed pair,
// as read from store history.
type MeanSpeedSample struct {
	Temporal float64
	Spatial  float64
}

// MetricSource is the read side of the metric store this processor
// needs: traversal times and mean speed samples per connection, plus
// every stored traversal row for the RTSM rewrite pass.
type MetricSource interface {
	TraversalTimesByConnection() (map[string][]float64, error)
	MeanSpeedsByConnection() (map[string][]MeanSpeedSample, error)
	AllTraversalMetrics() ([]fcd.TraversalMetric, error)
}

// ThresholdSink is the write side: persisting a new threshold round and
// batch-updating traversal rows' RTSM.
type ThresholdSink interface {
	InsertThresholds(temporal, spatial map[string]float64, simulationTimeNs int64) error
	UpdateTraversalMetrics(rows []fcd.TraversalMetric) error
}

// Store composes the read and write sides the processor depends on.
type Store interface {
	MetricSource
	ThresholdSink
}

// Config holds the tunables named in the threshold-processor section of
// the external configuration; see internal/config for the JSON-facing
// equivalents and their defaults.
type Config struct {
	TriggerInterval             time.Duration
	DefaultRedLightDuration     time.Duration
	MinTraversalsForThreshold   int
	RecomputeAllRTSMOnThreshold bool
	RedLightMinSamples          int
	RedLightMaxSamples          int
}

// minNoiseNanos filters out traversal times too small to be real
// (sensor/clock noise) before any percentile is computed.
const minNoiseNanos = 5.0

// Processor is the time-based processor that recomputes thresholds and,
// optionally, RTSM for every stored traversal.
type Processor struct {
	store   Store
	roadMap roadnet.Map
	cfg     Config

	mu        sync.Mutex
	redLight  map[string]time.Duration // sticky once set per connection
	lastRunAt time.Time
}

// New creates a threshold Processor.
func New(store Store, roadMap roadnet.Map, cfg Config) *Processor {
	return &Processor{
		store:    store,
		roadMap:  roadMap,
		cfg:      cfg,
		redLight: make(map[string]time.Duration),
	}
}

// Name identifies this processor to the kernel.
func (p *Processor) Name() string { return "threshold" }

// Interval reports how often the kernel should fire TriggerEvent.
func (p *Processor) Interval() time.Duration { return p.cfg.TriggerInterval }

// HandleUpdate is a no-op: the threshold processor does no per-update
// bookkeeping, only periodic recomputation from store history.
func (p *Processor) HandleUpdate(now time.Time, batch fcd.Batch) {}

// TriggerEvent runs one threshold recomputation round.
func (p *Processor) TriggerEvent(now time.Time) error {
	return p.RunOnce(now)
}

// Shutdown fires one final recompute (unless the last tick already ran
// at exactly this time) and then unconditionally rewrites RTSM for
// every stored traversal, regardless of RecomputeAllRTSMOnThreshold.
func (p *Processor) Shutdown(now time.Time) error {
	p.mu.Lock()
	last := p.lastRunAt
	p.mu.Unlock()

	if !last.Equal(now) {
		if err := p.RunOnce(now); err != nil {
			return err
		}
	}
	return p.recomputeAllRTSM()
}

// RunOnce recomputes thresholds for every connection with enough
// history, persists the survivors, and optionally rewrites RTSM for all
// stored traversals per RecomputeAllRTSMOnThreshold.
func (p *Processor) RunOnce(now time.Time) error {
	times, err := p.store.TraversalTimesByConnection()
	if err != nil {
		return fmt.Errorf("threshold: reading traversal times: %w", err)
	}

	temporalThresholds := make(map[string]float64)
	for connectionID, raw := range times {
		filtered := filterNoise(raw)
		if len(filtered) < p.cfg.MinTraversalsForThreshold {
			continue
		}
		sorted := sortedCopy(filtered)

		p.updateRedLight(connectionID, sorted)

		conn, ok := p.roadMap.GetConnection(connectionID)
		if !ok {
			diagf("no road-network entry for connection %s, skipping threshold", connectionID)
			continue
		}
		length := roadnet.Meta(conn).LengthMeters

		p5 := stat.Quantile(0.05, stat.Empirical, sorted, nil)
		redLightNs := float64(p.redLightFor(connectionID).Nanoseconds())
		seconds := (p5 + redLightNs) / 1e9
		if seconds <= 0 {
			diagf("non-positive denominator computing temporal threshold for %s, skipping", connectionID)
			continue
		}
		temporalThresholds[connectionID] = length / seconds
	}

	meanSpeeds, err := p.store.MeanSpeedsByConnection()
	if err != nil {
		return fmt.Errorf("threshold: reading mean speeds: %w", err)
	}

	spatialThresholds := make(map[string]float64)
	for connectionID, T := range temporalThresholds {
		samples := meanSpeeds[connectionID]
		var spatial []float64
		for _, s := range samples {
			if s.Temporal >= T {
				spatial = append(spatial, s.Spatial)
			}
		}
		if len(spatial) == 0 {
			continue
		}
		spatialThresholds[connectionID] = stat.Quantile(0.05, stat.Empirical, sortedCopy(spatial), nil)
	}

	// Only connections with both a temporal and a spatial threshold
	// survive this round.
	for connectionID := range temporalThresholds {
		if _, ok := spatialThresholds[connectionID]; !ok {
			delete(temporalThresholds, connectionID)
		}
	}

	p.mu.Lock()
	p.lastRunAt = now
	p.mu.Unlock()

	if len(temporalThresholds) == 0 {
		diagf("threshold round at %s produced no surviving connections", now)
		return nil
	}

	if err := p.store.InsertThresholds(temporalThresholds, spatialThresholds, now.UnixNano()); err != nil {
		return fmt.Errorf("threshold: persisting thresholds: %w", err)
	}
	diagf("threshold round at %s updated %d connection(s)", now, len(temporalThresholds))

	if p.cfg.RecomputeAllRTSMOnThreshold {
		return p.recomputeAllRTSM()
	}
	return nil
}

// recomputeAllRTSM walks every stored traversal row and rewrites its
// RTSM against the current thresholds, batching the update.
func (p *Processor) recomputeAllRTSM() error {
	rows, err := p.store.AllTraversalMetrics()
	if err != nil {
		return fmt.Errorf("threshold: reading traversal metrics for RTSM rewrite: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	thresholdsByConnection := make(map[string]fcd.Thresholds)
	for _, row := range rows {
		if _, ok := thresholdsByConnection[row.ConnectionID]; ok {
			continue
		}
		if th, ok := p.currentThresholds(row.ConnectionID); ok {
			thresholdsByConnection[row.ConnectionID] = th
		}
	}

	updated := make([]fcd.TraversalMetric, 0, len(rows))
	for _, row := range rows {
		th, ok := thresholdsByConnection[row.ConnectionID]
		row.RelativeMetric = ComputeRTSM(row.TemporalMeanSpeed, row.SpatialMeanSpeed, th, ok)
		updated = append(updated, row)
	}

	if err := p.store.UpdateTraversalMetrics(updated); err != nil {
		return fmt.Errorf("threshold: updating traversal RTSM: %w", err)
	}
	opsf("rewrote RTSM for %d traversal row(s)", len(updated))
	return nil
}

// currentThresholds is a small seam the store's own cache is expected to
// answer cheaply; Processor asks through the same ThresholdSink/Store it
// already depends on rather than keeping a second copy of the cache.
func (p *Processor) currentThresholds(connectionID string) (fcd.Thresholds, bool) {
	if src, ok := p.store.(interface {
		GetThresholds(string) (fcd.Thresholds, bool)
	}); ok {
		return src.GetThresholds(connectionID)
	}
	return fcd.Thresholds{}, false
}

func (p *Processor) updateRedLight(connectionID string, sortedTimes []float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.redLight[connectionID]; ok {
		return // sticky once set
	}
	n := len(sortedTimes)
	if n < p.cfg.RedLightMinSamples || n > p.cfg.RedLightMaxSamples {
		return
	}

	p5 := stat.Quantile(0.05, stat.Empirical, sortedTimes, nil)
	p60 := stat.Quantile(0.60, stat.Empirical, sortedTimes, nil)
	diff := math.Abs(p60 - p5)

	d := float64(p.cfg.DefaultRedLightDuration.Nanoseconds())
	if diff >= d && diff <= 3*d {
		p.redLight[connectionID] = p.cfg.DefaultRedLightDuration
	}
}

func (p *Processor) redLightFor(connectionID string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.redLight[connectionID]
}

func filterNoise(times []float64) []float64 {
	out := make([]float64, 0, len(times))
	for _, t := range times {
		if t > minNoiseNanos {
			out = append(out, t)
		}
	}
	return out
}

func sortedCopy(xs []float64) []float64 {
	out := make([]float64, len(xs))
	copy(out, xs)
	sort.Float64s(out)
	return out
}
