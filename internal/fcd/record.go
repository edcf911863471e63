// Package fcd defines the core data types shared across the ingestion,
// traversal-extraction, and metric-computation stages of the floating
// car data pipeline: Record, Traversal, TraversalMetric, Thresholds, and
// ConnectionMeta.
package fcd

import "fmt"

// Position is a geographic sample point. Elevation is optional and carried
// only for completeness; the great-circle distance calculations in
// internal/roadnet operate on the surface of the earth and ignore it.
type Position struct {
	Lat float64
	Lon float64
	Ele float64
}

// Record is one vehicle's spatio-temporal sample at a single simulated
// instant. Records are immutable once received.
type Record struct {
	VehicleID    string
	TimeNanos    int64
	Position     Position
	ConnectionID string
	SpeedMPS     float64
	OffsetMeters float64
	HeadingDeg   float64

	// PerceivedVehicleIDs is an opaque extension carried through unmodified;
	// the core never inspects it.
	PerceivedVehicleIDs []string
}

func (r Record) String() string {
	return fmt.Sprintf("Record{vehicle=%s t=%d conn=%s off=%.2f speed=%.2f}",
		r.VehicleID, r.TimeNanos, r.ConnectionID, r.OffsetMeters, r.SpeedMPS)
}

// Batch is an ordered sequence of Records from one vehicle, as delivered
// in a single inbound update.
type Batch struct {
	VehicleID string
	Records   []Record // must be strictly increasing in TimeNanos
	Final     bool      // true if the vehicle will send no further updates
}

// EstimatedWireSize approximates the payload size in bytes a simulated
// transport layer would charge for this batch, per the size model in
// the external-interfaces description: a small fixed batch header plus
// a per-record size dominated by the position and connection id fields.
func (b Batch) EstimatedWireSize() int {
	const batchHeader = 10 + 8 + 1
	const baseRecordSize = 4 + 24 + 10 + 8 + 8 + 8
	const perPerceivedVehicle = 50

	size := batchHeader
	for _, r := range b.Records {
		size += baseRecordSize + perPerceivedVehicle*len(r.PerceivedVehicleIDs)
	}
	return size
}
