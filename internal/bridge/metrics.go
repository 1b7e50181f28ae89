package bridge

import (
	"sync/atomic"
	"time"
)

// Metrics tracks bridge dispatch statistics.
// All fields are safe for concurrent access.
type Metrics struct {
	// Session metrics
	Registered atomic.Int64
	Retired    atomic.Int64

	// Dispatch metrics
	StartEventsDelivered atomic.Int64
	PortEventsDelivered  atomic.Int64
	EventsDropped        atomic.Int64

	// Retire metrics
	RetireTimeouts atomic.Int64

	// Timing (nanoseconds, use time.Duration for display)
	TotalRetireWaitNs atomic.Int64
}

func (m *Metrics) recordRetire(wait time.Duration, timedOut bool) {
	m.Retired.Add(1)
	m.TotalRetireWaitNs.Add(int64(wait))
	if timedOut {
		m.RetireTimeouts.Add(1)
	}
}

// MetricsSnapshot is a point-in-time copy of metrics values.
type MetricsSnapshot struct {
	Registered           int64
	Retired              int64
	StartEventsDelivered int64
	PortEventsDelivered  int64
	EventsDropped        int64
	RetireTimeouts       int64
	AvgRetireWaitMs      float64
}

// Snapshot returns a point-in-time copy of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	retired := m.Retired.Load()

	snap := MetricsSnapshot{
		Registered:           m.Registered.Load(),
		Retired:              retired,
		StartEventsDelivered: m.StartEventsDelivered.Load(),
		PortEventsDelivered:  m.PortEventsDelivered.Load(),
		EventsDropped:        m.EventsDropped.Load(),
		RetireTimeouts:       m.RetireTimeouts.Load(),
	}
	if retired > 0 {
		snap.AvgRetireWaitMs = float64(m.TotalRetireWaitNs.Load()) / float64(retired) / 1e6
	}
	return snap
}

// Reset zeroes all counters.
func (m *Metrics) Reset() {
	m.Registered.Store(0)
	m.Retired.Store(0)
	m.StartEventsDelivered.Store(0)
	m.PortEventsDelivered.Store(0)
	m.EventsDropped.Store(0)
	m.RetireTimeouts.Store(0)
	m.TotalRetireWaitNs.Store(0)
}
