// Package stats implements the in-process counters and timings collector
// and the non-blocking telemetry push to the parent process.
package stats

import (
	"sync"
	"time"

	"github.com/outpostlabs/drayman/internal/state"
)

// Counter keys.
const (
	Acked               = "acked"
	Rejected            = "rejected"
	Requeued            = "requeued"
	Processed           = "processed"
	Failed              = "failed"
	Redelivered         = "redelivered"
	UnhandledExceptions = "unhandled_exceptions"
	ClosedOnComplete    = "closed_on_complete"
	Reconnected         = "reconnected"
)

// Timing keys.
const (
	ProcessingTime = "processing_time"
	IdleTime       = "idle_time"
)

// timing accumulates a sum and a count, so an average is derivable without
// storing every sample.
type timing struct {
	Sum   float64
	Count uint64
}

// Snapshot is the payload handed to the parent on a stats-request.
type Snapshot struct {
	Counts     map[string]uint64
	Previous   map[string]uint64
	Timings    map[string]timing
	State      state.State
	StateSince time.Time
	ReportedAt time.Time
}

// Collector is the worker's counters/timings store. It is only ever
// mutated from the worker's event loop goroutine; the mutex exists solely
// so Report (invoked from a signal-driven path sharing that same
// goroutine today, but safe to call from elsewhere tomorrow) never races a
// concurrent incr/addTiming.
type Collector struct {
	mu       sync.Mutex
	counts   map[string]uint64
	previous map[string]uint64
	timings  map[string]timing
	sm       *state.Machine
}

// New creates an empty Collector bound to a state machine for snapshotting
// the current lifecycle state alongside counters.
func New(sm *state.Machine) *Collector {
	return &Collector{
		counts:   make(map[string]uint64),
		previous: make(map[string]uint64),
		timings:  make(map[string]timing),
		sm:       sm,
	}
}

// Incr increments a named counter by one.
func (c *Collector) Incr(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
}

// AddTiming accumulates a duration sample under a named timing.
func (c *Collector) AddTiming(key string, seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.timings[key]
	t.Sum += seconds
	t.Count++
	c.timings[key] = t
}

// Get returns the current value of a counter.
func (c *Collector) Get(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

// Report returns a snapshot of counters, previous counters and timings,
// and atomically rotates counts into previous.
func (c *Collector) Report() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := make(map[string]uint64, len(c.counts))
	for k, v := range c.counts {
		counts[k] = v
	}
	previous := c.previous
	timings := make(map[string]timing, len(c.timings))
	for k, v := range c.timings {
		timings[k] = v
	}

	c.previous = counts

	st, since := c.sm.Current()
	return Snapshot{
		Counts:     counts,
		Previous:   previous,
		Timings:    timings,
		State:      st,
		StateSince: since,
		ReportedAt: time.Now(),
	}
}

// Velocity derives the message-processing rate between two snapshots.
func Velocity(snap Snapshot, lastReportAt time.Time) float64 {
	processed := snap.Counts[Processed] - snap.Previous[Processed]
	duration := snap.ReportedAt.Sub(lastReportAt).Seconds()
	if processed == 0 || duration <= 0 {
		return 0
	}
	return float64(processed) / duration
}

// Sink is the write-only telemetry transport to the parent process. Push
// must never block the caller.
type Sink interface {
	Push(Snapshot)
}

// ChannelSink pushes snapshots onto a buffered channel, dropping the
// snapshot if the channel is full.
type ChannelSink struct {
	ch chan<- Snapshot
}

// NewChannelSink wraps a channel as a Sink.
func NewChannelSink(ch chan<- Snapshot) *ChannelSink {
	return &ChannelSink{ch: ch}
}

// Push sends snap without blocking; it is dropped if the channel is full.
func (s *ChannelSink) Push(snap Snapshot) {
	select {
	case s.ch <- snap:
	default:
	}
}
