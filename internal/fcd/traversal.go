package fcd

// Traversal is one vehicle's completed pass over a single connection.
// Records are time-ordered and share ConnectionID. PreviousRecord and
// FollowingRecord, when present, belong to the adjacent connections and
// are never mutated in place by a processor — interpolation code works
// from copies.
type Traversal struct {
	VehicleID       string
	ConnectionID    string
	Records         []Record
	PreviousRecord  *Record
	FollowingRecord *Record
}

// Complete reports whether the traversal carries enough surrounding
// context for the spatio-temporal processor to compute a metric. A
// traversal missing either neighbor is a normal occurrence at the very
// start (or forced end) of a vehicle's life and is simply skipped.
func (t Traversal) Complete() bool {
	if t.PreviousRecord == nil || t.FollowingRecord == nil {
		return false
	}
	if len(t.Records) == 0 {
		return false
	}
	if t.PreviousRecord.ConnectionID == t.ConnectionID {
		return false
	}
	if t.FollowingRecord.ConnectionID == t.ConnectionID {
		return false
	}
	return true
}

// TraversalMetric is one row of computed speed metrics for a traversal,
// as persisted by the metric store.
type TraversalMetric struct {
	ID                int64
	VehicleID         string
	TimeNanos         int64 // time of the last record in the traversal
	ConnectionID      string
	NextConnectionID  string
	SpatialMeanSpeed  float64
	TemporalMeanSpeed float64
	NaiveMeanSpeed    float64
	RelativeMetric    float32 // RTSM; sentinel -1 means "not computable"
	TraversalTimeNs   float64
}

// NoRTSM is the sentinel RelativeMetric value meaning thresholds were
// not yet available for the connection when the metric was computed.
const NoRTSM float32 = -1

// Thresholds is the most recent adaptive threshold pair for one
// connection, used to classify traffic state via the RTSM.
type Thresholds struct {
	ConnectionID      string
	TemporalThreshold float64 // m/s
	SpatialThreshold  float64 // m/s
	SimulationTimeNs  int64   // insertion time, latest wins
}

// ConnectionMeta is read-only metadata about a road connection, as
// required by the spatio-temporal and threshold processors.
type ConnectionMeta struct {
	ConnectionID string
	MaxSpeedMPS  float64
	LengthMeters float64 // computed by summing inter-node distances
}
