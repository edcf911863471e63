package buffer

import (
	"testing"

	"github.com/banshee-data/fcdtraffic/internal/fcd"
)

func rec(vehicle, conn string, t int64) fcd.Record {
	return fcd.Record{VehicleID: vehicle, ConnectionID: conn, TimeNanos: t}
}

// A single connection with no following record yet produces no traversal:
// there is nothing to prove the vehicle has moved on.
func TestIngestSingleConnectionNoTraversal(t *testing.T) {
	b := New()
	out := b.Ingest(fcd.Batch{
		VehicleID: "v1",
		Records:   []fcd.Record{rec("v1", "A", 1), rec("v1", "A", 2)},
	})
	if len(out) != 0 {
		t.Fatalf("got %d traversals, want 0", len(out))
	}
	if !b.HasVehicle("v1") {
		t.Fatal("vehicle state dropped unexpectedly")
	}
}

// Once a vehicle's records span two connections, the first becomes a
// determined traversal (though incomplete, lacking a previous record).
func TestIngestTwoConnectionsEmitsTraversal(t *testing.T) {
	b := New()
	out := b.Ingest(fcd.Batch{
		VehicleID: "v1",
		Records: []fcd.Record{
			rec("v1", "A", 1),
			rec("v1", "A", 2),
			rec("v1", "B", 3),
		},
	})
	if len(out) != 1 {
		t.Fatalf("got %d traversals, want 1", len(out))
	}
	trav := out[0]
	if trav.ConnectionID != "A" {
		t.Fatalf("traversal connection = %s, want A", trav.ConnectionID)
	}
	if len(trav.Records) != 2 {
		t.Fatalf("traversal has %d records, want 2", len(trav.Records))
	}
	if trav.PreviousRecord != nil {
		t.Fatal("first traversal should have no previous record")
	}
	if trav.FollowingRecord == nil || trav.FollowingRecord.ConnectionID != "B" {
		t.Fatal("traversal should carry the B record as following context")
	}
	if trav.Complete() {
		t.Fatal("traversal missing a previous record must not be Complete()")
	}
}

// A three-connection sequence delivered in one batch yields a fully
// complete middle traversal with both look-back and look-ahead context.
func TestIngestThreeConnectionsMiddleTraversalComplete(t *testing.T) {
	b := New()
	out := b.Ingest(fcd.Batch{
		VehicleID: "v1",
		Records: []fcd.Record{
			rec("v1", "A", 1),
			rec("v1", "B", 2),
			rec("v1", "B", 3),
			rec("v1", "C", 4),
		},
	})
	if len(out) != 2 {
		t.Fatalf("got %d traversals, want 2", len(out))
	}
	middle := out[1]
	if middle.ConnectionID != "B" {
		t.Fatalf("second traversal connection = %s, want B", middle.ConnectionID)
	}
	if !middle.Complete() {
		t.Fatalf("middle traversal should be complete: %+v", middle)
	}
	if middle.PreviousRecord.ConnectionID != "A" || middle.FollowingRecord.ConnectionID != "C" {
		t.Fatalf("middle traversal context wrong: prev=%v next=%v",
			middle.PreviousRecord, middle.FollowingRecord)
	}
}

// Records that arrive across two separate batches, with the final batch
// marked Final, still produce the traversal for the connection the
// vehicle finished on but drop the buffer afterward without emitting a
// traversal for the still-open final connection.
func TestIngestAcrossBatchesThenFinal(t *testing.T) {
	b := New()
	out1 := b.Ingest(fcd.Batch{
		VehicleID: "v1",
		Records:   []fcd.Record{rec("v1", "A", 1), rec("v1", "B", 2)},
	})
	if len(out1) != 1 {
		t.Fatalf("first batch: got %d traversals, want 1", len(out1))
	}

	out2 := b.Ingest(fcd.Batch{
		VehicleID: "v1",
		Records:   []fcd.Record{rec("v1", "B", 3)},
		Final:     true,
	})
	if len(out2) != 0 {
		t.Fatalf("final batch: got %d traversals, want 0 (open connection never completes)", len(out2))
	}
	if b.HasVehicle("v1") {
		t.Fatal("vehicle state should be dropped after a Final batch")
	}
}

// Duplicate records at an already-seen timestamp replace rather than
// duplicate the stored sample.
func TestIngestDuplicateTimestampReplaces(t *testing.T) {
	b := New()
	b.Ingest(fcd.Batch{
		VehicleID: "v1",
		Records:   []fcd.Record{{VehicleID: "v1", ConnectionID: "A", TimeNanos: 1, SpeedMPS: 5}},
	})
	out := b.Ingest(fcd.Batch{
		VehicleID: "v1",
		Records: []fcd.Record{
			{VehicleID: "v1", ConnectionID: "A", TimeNanos: 1, SpeedMPS: 9},
			{VehicleID: "v1", ConnectionID: "B", TimeNanos: 2},
		},
	})
	if len(out) != 1 {
		t.Fatalf("got %d traversals, want 1", len(out))
	}
	if len(out[0].Records) != 1 {
		t.Fatalf("traversal has %d records, want 1 (duplicate should have replaced, not doubled)", len(out[0].Records))
	}
	if out[0].Records[0].SpeedMPS != 9 {
		t.Fatalf("replaced record speed = %v, want 9", out[0].Records[0].SpeedMPS)
	}
}

func TestEvictRemovesStaleVehiclesOnly(t *testing.T) {
	b := New()
	b.Ingest(fcd.Batch{VehicleID: "stale", Records: []fcd.Record{rec("stale", "A", 1)}})
	b.Ingest(fcd.Batch{VehicleID: "fresh", Records: []fcd.Record{rec("fresh", "A", 100)}})

	reclaimed := b.Evict(50)
	if reclaimed != 1 {
		t.Fatalf("Evict reclaimed %d, want 1", reclaimed)
	}
	if b.HasVehicle("stale") {
		t.Fatal("stale vehicle should have been evicted")
	}
	if !b.HasVehicle("fresh") {
		t.Fatal("fresh vehicle should not have been evicted")
	}
}

func TestVehicleCount(t *testing.T) {
	b := New()
	if b.VehicleCount() != 0 {
		t.Fatalf("VehicleCount on empty buffer = %d, want 0", b.VehicleCount())
	}
	b.Ingest(fcd.Batch{VehicleID: "v1", Records: []fcd.Record{rec("v1", "A", 1)}})
	b.Ingest(fcd.Batch{VehicleID: "v2", Records: []fcd.Record{rec("v2", "A", 1)}})
	if b.VehicleCount() != 2 {
		t.Fatalf("VehicleCount = %d, want 2", b.VehicleCount())
	}
}
