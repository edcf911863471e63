// Package kernel implements the single-threaded cooperative scheduler
// that owns the record buffer and the three processor variants
// (traversal-based, time-based, message-based), and that drives eviction
// of inactive vehicles on a simulated-time watermark.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/fcdtraffic/internal/buffer"
	"github.com/banshee-data/fcdtraffic/internal/fcd"
	"github.com/banshee-data/fcdtraffic/internal/timeutil"
)

// TraversalProcessor handles one completed connection traversal.
type TraversalProcessor interface {
	Name() string
	ProcessTraversal(t fcd.Traversal) error
}

// TimeBasedProcessor is scheduled on a fixed interval and also receives
// every inbound update for bookkeeping. An Interval of zero or less
// means the processor is never scheduled by TriggerEvent.
type TimeBasedProcessor interface {
	Name() string
	Interval() time.Duration
	HandleUpdate(now time.Time, batch fcd.Batch)
	TriggerEvent(now time.Time) error
	Shutdown(now time.Time) error
}

// MessageProcessor handles an application-specific message routed by
// processor identifier.
type MessageProcessor interface {
	Name() string
	HandleMessage(msg interface{}) error
}

// RawRecordSink persists raw records when StoreRawFCD is enabled.
type RawRecordSink interface {
	InsertRecords(vehicleID string, records []fcd.Record) error
}

// Config holds the kernel-level tunables from the external
// configuration (see internal/config for the JSON-facing equivalents).
type Config struct {
	UnitRemovalInterval time.Duration
	UnitExpirationTime  time.Duration
	StoreRawFCD         bool
}

type timeBasedEntry struct {
	proc TimeBasedProcessor
	next time.Time
}

// Kernel owns the buffer, the registered processors, and the eviction
// watermark. It is driven one event at a time; HandleUpdate and Tick
// must not be called concurrently from multiple goroutines.
type Kernel struct {
	clock timeutil.Clock
	cfg   Config
	buf   *buffer.Buffer

	traversalProcessors []TraversalProcessor
	messageProcessors   []MessageProcessor
	rawSink             RawRecordSink

	mu            sync.Mutex
	timeEntries   []*timeBasedEntry
	nextEviction  time.Time
	oldestAllowed int64 // nanoseconds; advances by UnitExpirationTime per eviction cycle
}

// New creates a Kernel. clock drives all scheduling decisions, so tests
// can use timeutil.MockClock to run the eviction and threshold ticks
// deterministically without wall-clock sleeps.
func New(clock timeutil.Clock, cfg Config, rawSink RawRecordSink) *Kernel {
	return &Kernel{
		clock:   clock,
		cfg:     cfg,
		buf:     buffer.New(),
		rawSink: rawSink,
	}
}

// RegisterTraversalProcessor adds a processor invoked for every
// completed traversal, in registration order.
func (k *Kernel) RegisterTraversalProcessor(p TraversalProcessor) {
	k.traversalProcessors = append(k.traversalProcessors, p)
}

// RegisterTimeBasedProcessor adds a processor driven by Tick.
func (k *Kernel) RegisterTimeBasedProcessor(p TimeBasedProcessor) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.timeEntries = append(k.timeEntries, &timeBasedEntry{proc: p})
}

// RegisterMessageProcessor adds a processor reachable via DispatchMessage.
func (k *Kernel) RegisterMessageProcessor(p MessageProcessor) {
	k.messageProcessors = append(k.messageProcessors, p)
}

// Start initializes scheduling so the first Tick(now) call fires every
// enabled time-based processor and, if eviction is enabled, begins the
// eviction watermark at now minus UnitExpirationTime (so nothing already
// buffered looks stale on the very first cycle).
func (k *Kernel) Start(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, e := range k.timeEntries {
		e.next = now
	}
	k.nextEviction = now
	k.oldestAllowed = now.Add(-k.cfg.UnitExpirationTime).UnixNano()
}

// HandleUpdate fans an inbound batch out to every time-based processor
// (bookkeeping), persists raw records if configured, feeds the batch
// into the record buffer, and dispatches any newly completed traversals
// to every traversal-based processor.
func (k *Kernel) HandleUpdate(batch fcd.Batch) error {
	now := k.clock.Now()

	for _, e := range k.timeEntries {
		e.proc.HandleUpdate(now, batch)
	}

	if k.cfg.StoreRawFCD && k.rawSink != nil {
		if err := k.rawSink.InsertRecords(batch.VehicleID, batch.Records); err != nil {
			opsf("failed to persist raw records for vehicle %s: %v", batch.VehicleID, err)
			return fmt.Errorf("kernel: persisting raw records: %w", err)
		}
	}

	traversals := k.buf.Ingest(batch)
	for _, t := range traversals {
		for _, p := range k.traversalProcessors {
			if err := p.ProcessTraversal(t); err != nil {
				opsf("traversal processor %s failed for vehicle=%s connection=%s: %v",
					p.Name(), t.VehicleID, t.ConnectionID, err)
			}
		}
	}

	return nil
}

// DispatchMessage routes msg to the message-based processor named by
// processorName. An unknown identifier is logged and dropped, never an
// error: the kernel never blocks a simulation on a routing mismatch.
func (k *Kernel) DispatchMessage(processorName string, msg interface{}) error {
	for _, p := range k.messageProcessors {
		if p.Name() == processorName {
			return p.HandleMessage(msg)
		}
	}
	diagf("unknown message processor identifier %q, dropping message", processorName)
	return nil
}

// Tick fires every time-based processor whose scheduled time has
// arrived and, if due, runs one eviction cycle. now must be
// non-decreasing across calls; ticks at the same simulated time fire in
// registration order, which is unspecified relative order per the
// component's ordering guarantees.
func (k *Kernel) Tick(now time.Time) error {
	k.mu.Lock()
	var due []*timeBasedEntry
	for _, e := range k.timeEntries {
		if e.proc.Interval() <= 0 {
			continue
		}
		if !e.next.After(now) {
			due = append(due, e)
		}
	}
	evictDue := k.cfg.UnitRemovalInterval > 0 && !k.nextEviction.After(now)
	k.mu.Unlock()

	var firstErr error
	for _, e := range due {
		if err := e.proc.TriggerEvent(now); err != nil {
			opsf("time-based processor %s trigger failed: %v", e.proc.Name(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
		k.mu.Lock()
		e.next = e.next.Add(e.proc.Interval())
		k.mu.Unlock()
	}

	if evictDue {
		k.mu.Lock()
		oldest := k.oldestAllowed
		// A vehicle with no record newer than now minus UnitExpirationTime
		// is stale even while the advancing watermark still lags behind.
		if floor := now.Add(-k.cfg.UnitExpirationTime).UnixNano(); floor > oldest {
			oldest = floor
		}
		k.oldestAllowed += int64(k.cfg.UnitExpirationTime)
		k.nextEviction = k.nextEviction.Add(k.cfg.UnitRemovalInterval)
		k.mu.Unlock()
		k.buf.Evict(oldest)
	}

	return firstErr
}

// NextScheduledTime reports the earliest time at which Tick would have
// work to do, for a driver loop (simulated or real-time) to sleep until.
// The zero Time means nothing is scheduled.
func (k *Kernel) NextScheduledTime() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()

	var next time.Time
	if k.cfg.UnitRemovalInterval > 0 {
		next = k.nextEviction
	}
	for _, e := range k.timeEntries {
		if e.proc.Interval() <= 0 {
			continue
		}
		if next.IsZero() || e.next.Before(next) {
			next = e.next
		}
	}
	return next
}

// Shutdown calls Shutdown on every registered time-based processor and
// returns the first error encountered, if any.
func (k *Kernel) Shutdown(now time.Time) error {
	var firstErr error
	for _, e := range k.timeEntries {
		if err := e.proc.Shutdown(now); err != nil {
			opsf("time-based processor %s shutdown failed: %v", e.proc.Name(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// VehicleCount reports the number of vehicles the buffer currently
// tracks, for status reporting.
func (k *Kernel) VehicleCount() int {
	return k.buf.VehicleCount()
}

// RunRealtime drives Tick on a wall-clock cadence of resolution (one
// second when resolution is not positive), stopping when ctx is canceled. This is
// the production entrypoint; tests drive Tick/Start directly against a
// MockClock instead. It is meant to run inside an errgroup alongside the
// HTTP servers, matching how the daemon entrypoint supervises all of its
// background loops together.
func (k *Kernel) RunRealtime(ctx context.Context, resolution time.Duration) error {
	if resolution <= 0 {
		resolution = time.Second
	}
	k.Start(k.clock.Now())
	ticker := k.clock.NewTicker(resolution)
	defer ticker.Stop()

	diagf("kernel realtime loop started: resolution=%s", resolution)
	for {
		select {
		case now := <-ticker.C():
			if err := k.Tick(now); err != nil {
				opsf("kernel tick at %s returned error: %v", now, err)
			}
		case <-ctx.Done():
			diagf("kernel realtime loop stopping: %v", ctx.Err())
			return k.Shutdown(k.clock.Now())
		}
	}
}

// Supervise runs fns concurrently under one errgroup tied to ctx,
// canceling every other function as soon as one returns an error. This
// is the daemon's top-level composition point for the kernel loop, the
// HTTP query API, and the admin debug server.
func Supervise(ctx context.Context, fns ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error { return fn(gctx) })
	}
	return g.Wait()
}
