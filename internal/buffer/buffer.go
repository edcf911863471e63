// Package buffer implements the per-vehicle record buffer and traversal
// extractor: it accumulates time-ordered Records per vehicle and emits a
// Traversal as soon as it can prove the vehicle has moved on to a new
// connection.
package buffer

import (
	"sort"
	"sync"

	"github.com/banshee-data/fcdtraffic/internal/fcd"
)

// vehicleState is the per-vehicle accumulator: a time-ordered pending
// record list, the ordered sequence of distinct connections observed so
// far, and a one-record look-back used as the previous-record context for
// the next traversal.
type vehicleState struct {
	pending     []fcd.Record // kept sorted by TimeNanos
	connections []string     // ordered distinct connection ids, oldest first
	lookBack    *fcd.Record
	newestTime  int64
}

// Buffer owns the accumulators for every vehicle currently seen by the
// kernel. Every method takes an internal mutex, so concurrent calls do not
// corrupt the per-vehicle state; the kernel still drives it one event at a
// time under its single-threaded cooperative scheduling model.
type Buffer struct {
	mu       sync.Mutex
	vehicles map[string]*vehicleState
}

// New creates an empty Buffer.
func New() *Buffer {
	return &Buffer{vehicles: make(map[string]*vehicleState)}
}

// Ingest merges a Batch into the vehicle's accumulator and returns every
// Traversal that became fully determined as a result (zero, one, or more
// if the batch spans several connections). If the batch is marked Final,
// the vehicle's state is dropped afterward — no traversal is emitted for
// whatever connection the vehicle was still on, since that traversal
// never gets a following record.
func (b *Buffer) Ingest(batch fcd.Batch) []fcd.Traversal {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.vehicles[batch.VehicleID]
	if !ok {
		v = &vehicleState{}
		b.vehicles[batch.VehicleID] = v
	}

	for _, rec := range batch.Records {
		insertSorted(v, rec)
		if rec.TimeNanos > v.newestTime {
			v.newestTime = rec.TimeNanos
		}
		if len(v.connections) == 0 || v.connections[len(v.connections)-1] != rec.ConnectionID {
			v.connections = append(v.connections, rec.ConnectionID)
		}
	}

	var traversals []fcd.Traversal
	for len(v.connections) > 1 {
		t := extractTraversal(batch.VehicleID, v)
		traversals = append(traversals, t)
	}

	if batch.Final {
		diagf("vehicle %s finalized, dropping buffer state (%d pending records, %d open connections)",
			batch.VehicleID, len(v.pending), len(v.connections))
		delete(b.vehicles, batch.VehicleID)
	}

	return traversals
}

// insertSorted inserts rec into v.pending keeping it sorted by TimeNanos.
// A record at an already-present time replaces the existing one, matching
// the "duplicates replace" rule.
func insertSorted(v *vehicleState, rec fcd.Record) {
	i := sort.Search(len(v.pending), func(i int) bool {
		return v.pending[i].TimeNanos >= rec.TimeNanos
	})
	if i < len(v.pending) && v.pending[i].TimeNanos == rec.TimeNanos {
		v.pending[i] = rec
		return
	}
	v.pending = append(v.pending, fcd.Record{})
	copy(v.pending[i+1:], v.pending[i:])
	v.pending[i] = rec
}

// extractTraversal drains every pending record on the head connection
// into a Traversal, wires in the look-back/look-ahead context, and
// advances the vehicle's connection queue. Caller holds b.mu and has
// already verified len(v.connections) > 1.
func extractTraversal(vehicleID string, v *vehicleState) fcd.Traversal {
	connectionID := v.connections[0]

	// Records for the head connection always form a contiguous leading run
	// of the time-sorted pending list: vehicles do not revisit a
	// connection once they have moved past it.
	split := 0
	for split < len(v.pending) && v.pending[split].ConnectionID == connectionID {
		split++
	}
	onConnection := v.pending[:split]
	rest := v.pending[split:]
	v.pending = rest
	v.connections = v.connections[1:]

	t := fcd.Traversal{
		VehicleID:    vehicleID,
		ConnectionID: connectionID,
		Records:      onConnection,
	}
	if v.lookBack != nil {
		prev := *v.lookBack
		t.PreviousRecord = &prev
	}
	if len(rest) > 0 {
		following := rest[0]
		t.FollowingRecord = &following
	}

	if len(onConnection) > 0 {
		last := onConnection[len(onConnection)-1]
		v.lookBack = &last
	}

	if !t.Complete() {
		diagf("vehicle %s: incomplete traversal of connection %s (prev=%v following=%v records=%d)",
			vehicleID, connectionID, t.PreviousRecord != nil, t.FollowingRecord != nil, len(onConnection))
	}

	return t
}

// Evict removes every vehicle whose newest buffered record is older than
// oldestAllowed. It returns the number of vehicles reclaimed, for
// reporting by the kernel's eviction tick.
func (b *Buffer) Evict(oldestAllowed int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	reclaimed := 0
	for id, v := range b.vehicles {
		if v.newestTime < oldestAllowed {
			delete(b.vehicles, id)
			reclaimed++
		}
	}
	if reclaimed > 0 {
		opsf("evicted %d vehicle(s) with no record newer than %d", reclaimed, oldestAllowed)
	}
	return reclaimed
}

// VehicleCount reports the number of vehicles currently tracked, for
// tests and diagnostics.
func (b *Buffer) VehicleCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.vehicles)
}

// HasVehicle reports whether the given vehicle currently has buffered
// state. Exposed for tests probing eviction and final-flag cleanup.
func (b *Buffer) HasVehicle(vehicleID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.vehicles[vehicleID]
	return ok
}
