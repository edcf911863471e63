// Package spatiotemporal turns a completed fcd.Traversal into the
// temporal, spatial, and naive mean speed metrics for that connection
// crossing, using piecewise-linear interpolation of speed and time over
// distance offset.
package spatiotemporal

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"

	"github.com/banshee-data/fcdtraffic/internal/fcd"
	"github.com/banshee-data/fcdtraffic/internal/roadnet"
	"github.com/banshee-data/fcdtraffic/internal/threshold"
)

// minOffsetStep is the minimum increase enforced between consecutive
// offsets before interpolation; it keeps the interpolant's x-axis
// strictly monotone even when two samples land on (or cross) the same
// offset.
const minOffsetStep = 0.001

// lengthTolerance is how far beyond the last sample's offset the
// connection's computed length is allowed to fall before the traversal
// is rejected instead of clamped.
const lengthTolerance = 5.0

// defaultChunkMeters is the default spacing between spatial mean speed
// samples.
const defaultChunkMeters = 15.0

// ThresholdSource supplies the current thresholds for a connection, so
// the processor can compute RTSM inline with every traversal.
type ThresholdSource interface {
	GetThresholds(connectionID string) (fcd.Thresholds, bool)
}

// MetricSink persists the metric rows this processor computes. It is
// exercised through Processor's Name/ProcessTraversal methods, which
// satisfy the kernel's traversal-based-processor contract by structural
// typing alone.
type MetricSink interface {
	InsertTraversalMetric(m fcd.TraversalMetric) error
}

// Processor computes fcd.TraversalMetric rows from completed traversals.
type Processor struct {
	roadMap     roadnet.Map
	thresholds  ThresholdSource
	sink        MetricSink
	chunkMeters float64
}

// New creates a Processor. chunkMeters of 0 selects the default (15m).
func New(roadMap roadnet.Map, thresholds ThresholdSource, sink MetricSink, chunkMeters float64) *Processor {
	if chunkMeters <= 0 {
		chunkMeters = defaultChunkMeters
	}
	return &Processor{roadMap: roadMap, thresholds: thresholds, sink: sink, chunkMeters: chunkMeters}
}

// Name identifies this processor to the kernel.
func (p *Processor) Name() string { return "spatiotemporal" }

// ProcessTraversal computes and persists the metric for t. It satisfies
// the kernel's traversal-based-processor contract.
func (p *Processor) ProcessTraversal(t fcd.Traversal) error {
	m, err := p.Process(t)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	if p.sink == nil {
		return nil
	}
	return p.sink.InsertTraversalMetric(*m)
}

// sample is one point along the interpolation x-axis: a time-ordered
// record re-expressed at a (possibly recomputed) offset.
type sample struct {
	offset float64
	timeNs float64
	speed  float64
}

// Process computes the metric for one traversal. A nil metric and nil
// error together mean the traversal was incomplete or otherwise not
// computable and was intentionally skipped; this is expected for the
// first and last traversal of most vehicles.
func (p *Processor) Process(t fcd.Traversal) (*fcd.TraversalMetric, error) {
	if !t.Complete() {
		diagf("skipping incomplete traversal: vehicle=%s connection=%s", t.VehicleID, t.ConnectionID)
		return nil, nil
	}

	conn, ok := p.roadMap.GetConnection(t.ConnectionID)
	if !ok {
		opsf("no road-network entry for connection %s, skipping traversal for vehicle %s", t.ConnectionID, t.VehicleID)
		return nil, nil
	}
	meta := roadnet.Meta(conn)

	samples := p.buildSamples(t, conn)
	if len(samples) < 3 {
		diagf("traversal of %s for vehicle %s has only %d interpolation points, skipping", t.ConnectionID, t.VehicleID, len(samples))
		return nil, nil
	}

	xs := make([]float64, len(samples))
	ts := make([]float64, len(samples))
	ss := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = s.offset
		ts[i] = s.timeNs
		ss[i] = s.speed
	}

	var timeInterp, speedInterp interp.PiecewiseLinear
	if err := timeInterp.Fit(xs, ts); err != nil {
		return nil, fmt.Errorf("spatiotemporal: fitting time interpolant for %s: %w", t.ConnectionID, err)
	}
	if err := speedInterp.Fit(xs, ss); err != nil {
		return nil, fmt.Errorf("spatiotemporal: fitting speed interpolant for %s: %w", t.ConnectionID, err)
	}

	xMax := xs[len(xs)-1]
	length := meta.LengthMeters
	switch {
	case length > xMax && length <= xMax+lengthTolerance:
		length = xMax
	case length > xMax+lengthTolerance:
		opsf("connection %s length %.2fm exceeds sampled range %.2fm by more than tolerance, skipping vehicle %s",
			t.ConnectionID, meta.LengthMeters, xMax, t.VehicleID)
		return nil, nil
	case length < xs[0]:
		// Degenerate connection geometry; nothing sensible to interpolate to.
		diagf("connection %s length %.2fm is before the first sample offset %.2fm, skipping vehicle %s",
			t.ConnectionID, length, xs[0], t.VehicleID)
		return nil, nil
	}

	t0 := timeInterp.Predict(0)
	tL := timeInterp.Predict(length)
	traversalTimeNs := tL - t0
	if traversalTimeNs <= 0 {
		opsf("non-positive traversal time for connection %s vehicle %s, skipping", t.ConnectionID, t.VehicleID)
		return nil, nil
	}

	temporalMeanSpeed := (length / traversalTimeNs) * 1e9
	spatialMeanSpeed := p.spatialMeanSpeed(&speedInterp, xs[0], xs[len(xs)-1], samples)
	naiveMeanSpeed := naiveMeanSpeed(t.Records)

	nextConnectionID := t.ConnectionID
	if t.FollowingRecord != nil {
		nextConnectionID = t.FollowingRecord.ConnectionID
	}

	metric := &fcd.TraversalMetric{
		VehicleID:         t.VehicleID,
		TimeNanos:         t.Records[len(t.Records)-1].TimeNanos,
		ConnectionID:      t.ConnectionID,
		NextConnectionID:  nextConnectionID,
		SpatialMeanSpeed:  spatialMeanSpeed,
		TemporalMeanSpeed: temporalMeanSpeed,
		NaiveMeanSpeed:    naiveMeanSpeed,
		TraversalTimeNs:   traversalTimeNs,
		RelativeMetric:    fcd.NoRTSM,
	}

	if p.thresholds != nil {
		if th, ok := p.thresholds.GetThresholds(t.ConnectionID); ok {
			metric.RelativeMetric = threshold.ComputeRTSM(temporalMeanSpeed, spatialMeanSpeed, th, true)
		}
	}

	return metric, nil
}

// buildSamples constructs the padded, monotone-offset sample list used
// for interpolation: an optional recomputed previous-record sample, the
// on-connection records in time order, and an optional recomputed
// following-record sample.
func (p *Processor) buildSamples(t fcd.Traversal, conn roadnet.Connection) []sample {
	var samples []sample

	if t.PreviousRecord != nil && len(conn.Nodes) > 0 {
		d := roadnet.Distance(t.PreviousRecord.Position, conn.Nodes[0])
		samples = append(samples, sample{
			offset: -d,
			timeNs: float64(t.PreviousRecord.TimeNanos),
			speed:  t.PreviousRecord.SpeedMPS,
		})
	}

	for _, r := range t.Records {
		samples = append(samples, sample{
			offset: r.OffsetMeters,
			timeNs: float64(r.TimeNanos),
			speed:  r.SpeedMPS,
		})
	}

	if t.FollowingRecord != nil && len(samples) > 0 {
		last := samples[len(samples)-1]
		d := roadnet.Distance(lastPosition(t), t.FollowingRecord.Position)
		samples = append(samples, sample{
			offset: last.offset + d,
			timeNs: float64(t.FollowingRecord.TimeNanos),
			speed:  t.FollowingRecord.SpeedMPS,
		})
	}

	enforceMonotoneOffsets(samples)
	return samples
}

// lastPosition returns the position of the last on-connection record,
// used as the anchor for the following record's recomputed offset.
func lastPosition(t fcd.Traversal) fcd.Position {
	return t.Records[len(t.Records)-1].Position
}

func enforceMonotoneOffsets(samples []sample) {
	for i := 1; i < len(samples); i++ {
		if samples[i].offset < samples[i-1].offset+minOffsetStep {
			samples[i].offset = samples[i-1].offset + minOffsetStep
		}
	}
}

// spatialMeanSpeed samples the speed interpolant at equidistant offsets
// spaced chunkMeters apart and averages them. If the traversal is
// shorter than one chunk, it falls back to the arithmetic mean of the
// raw samples.
func (p *Processor) spatialMeanSpeed(speedInterp *interp.PiecewiseLinear, first, last float64, samples []sample) float64 {
	cur := math.Ceil(first)
	end := math.Floor(last)

	if end-cur < p.chunkMeters {
		return naiveMeanSamples(samples)
	}

	var sum float64
	var n int
	for x := cur; end-x >= p.chunkMeters; x += p.chunkMeters {
		sum += speedInterp.Predict(x)
		n++
	}
	if n == 0 {
		return naiveMeanSamples(samples)
	}
	return sum / float64(n)
}

func naiveMeanSamples(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.speed
	}
	return sum / float64(len(samples))
}

// naiveMeanSpeed averages the speed of only the on-connection records,
// ignoring the padded previous/following context.
func naiveMeanSpeed(records []fcd.Record) float64 {
	if len(records) == 0 {
		return 0
	}
	var sum float64
	for _, r := range records {
		sum += r.SpeedMPS
	}
	return sum / float64(len(records))
}
