package presence

import "sync/atomic"

// Metrics counts broadcaster activity. All counters are updated atomically.
type Metrics struct {
	admitted atomic.Int64
	rejected atomic.Int64
	left     atomic.Int64
	relayed  atomic.Int64
	dropped  atomic.Int64 // frames lost to a full or closed outbox
	evicted  atomic.Int64 // peers disconnected for a membership frame that did not fit
	stale    atomic.Int64 // reports from connections no longer registered
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Admitted int64 `json:"admitted"`
	Rejected int64 `json:"rejected"`
	Left     int64 `json:"left"`
	Relayed  int64 `json:"relayed"`
	Dropped  int64 `json:"dropped"`
	Evicted  int64 `json:"evicted"`
	Stale    int64 `json:"stale"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Admitted: m.admitted.Load(),
		Rejected: m.rejected.Load(),
		Left:     m.left.Load(),
		Relayed:  m.relayed.Load(),
		Dropped:  m.dropped.Load(),
		Evicted:  m.evicted.Load(),
		Stale:    m.stale.Load(),
	}
}
