package session

import "sync/atomic"

// Metrics are process-wide aggregate counters. Initialized once at process
// start, incremented by observers, never persisted.
type Metrics struct {
	sessionsCreated   atomic.Int64
	connectionsFailed atomic.Int64
	messagesSent      atomic.Int64
	mirrorDropped     atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// MetricsSnapshot is the read view exposed on /metrics.
type MetricsSnapshot struct {
	SessionsCreated   int64 `json:"sessionsCreated"`
	ActiveSessions    int   `json:"activeSessions"`
	ConnectedSessions int   `json:"connectedSessions"`
	ConnectionsFailed int64 `json:"connectionsFailed"`
	MessagesSent      int64 `json:"messagesSent"`
	// MirrorWritesDropped counts persistence writes that were swallowed;
	// a rising value means the mirror is degraded while live traffic is
	// unaffected.
	MirrorWritesDropped int64 `json:"mirrorWritesDropped"`
}
