package threshold

import "github.com/banshee-data/fcdtraffic/internal/fcd"

// unknownSpeed is the sentinel a caller passes for a mean speed that
// could not be computed (kept distinct from fcd.NoRTSM, which marks the
// RTSM output itself).
const unknownSpeed = -1

// ComputeRTSM derives the Relative Traffic Status Metric for one
// traversal's temporal/spatial mean speeds against a connection's
// current thresholds, in the style of Yoon et al.: it locates which
// quadrant of the (temporal, spatial) plane the traversal falls in
// relative to the threshold point, and returns the normalized distance
// from that point, scaled to [0,1]. Larger values indicate worse
// traffic.
func ComputeRTSM(temporalMean, spatialMean float64, th fcd.Thresholds, haveThresholds bool) float32 {
	if !haveThresholds {
		return fcd.NoRTSM
	}
	if temporalMean == unknownSpeed || spatialMean == unknownSpeed {
		return 1
	}

	T, S := th.TemporalThreshold, th.SpatialThreshold
	var dist float64
	switch {
	case temporalMean >= T && spatialMean >= S:
		dist = 0
	case temporalMean < T && spatialMean >= S:
		dist = T - temporalMean
	case temporalMean < T && spatialMean < S:
		dist = (T - temporalMean) + (S - spatialMean)
	default: // temporalMean >= T && spatialMean < S
		dist = S - spatialMean
	}

	denom := T + S
	if denom <= 0 {
		return fcd.NoRTSM
	}
	return float32(dist / denom)
}
