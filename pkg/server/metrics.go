package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime TCP connections accepted
	ActiveConnections atomic.Int64 // current live connections
	AuthSuccesses     atomic.Int64 // successful authentication attempts
	AuthRefusals      atomic.Int64 // refused authentication attempts
	AuthTimeouts      atomic.Int64 // connections dropped for never authenticating
	Departures        atomic.Int64 // authenticated members that left

	// Interval relay counters
	IntervalsStarted      atomic.Int64 // interval-begin messages accepted
	IntervalChunksRelayed atomic.Int64 // interval chunks forwarded to subscribers
	IntervalBytesRelayed  atomic.Int64 // audio payload bytes forwarded
	TransfersExpired      atomic.Int64 // transfers evicted for inactivity

	// Chat counters
	ChatMessages    atomic.Int64 // public chat messages relayed
	PrivateMessages atomic.Int64 // private messages delivered

	// Admin counters
	Kicks        atomic.Int64 // members kicked
	TempoChanges atomic.Int64 // BPM/BPI changes applied
	TopicChanges atomic.Int64 // topic changes applied
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	AuthSuccesses     int64 `json:"auth_successes"`
	AuthRefusals      int64 `json:"auth_refusals"`
	AuthTimeouts      int64 `json:"auth_timeouts"`
	Departures        int64 `json:"departures"`

	IntervalsStarted      int64 `json:"intervals_started"`
	IntervalChunksRelayed int64 `json:"interval_chunks_relayed"`
	IntervalBytesRelayed  int64 `json:"interval_bytes_relayed"`
	TransfersExpired      int64 `json:"transfers_expired"`

	ChatMessages    int64 `json:"chat_messages"`
	PrivateMessages int64 `json:"private_messages"`

	Kicks        int64 `json:"kicks"`
	TempoChanges int64 `json:"tempo_changes"`
	TopicChanges int64 `json:"topic_changes"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:                uptime.Truncate(time.Second).String(),
		UptimeSeconds:         int64(uptime.Seconds()),
		ActiveConnections:     m.ActiveConnections.Load(),
		TotalConnections:      m.TotalConnections.Load(),
		AuthSuccesses:         m.AuthSuccesses.Load(),
		AuthRefusals:          m.AuthRefusals.Load(),
		AuthTimeouts:          m.AuthTimeouts.Load(),
		Departures:            m.Departures.Load(),
		IntervalsStarted:      m.IntervalsStarted.Load(),
		IntervalChunksRelayed: m.IntervalChunksRelayed.Load(),
		IntervalBytesRelayed:  m.IntervalBytesRelayed.Load(),
		TransfersExpired:      m.TransfersExpired.Load(),
		ChatMessages:          m.ChatMessages.Load(),
		PrivateMessages:       m.PrivateMessages.Load(),
		Kicks:                 m.Kicks.Load(),
		TempoChanges:          m.TempoChanges.Load(),
		TopicChanges:          m.TopicChanges.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"intervals", s.IntervalsStarted,
		"chunks_relayed", s.IntervalChunksRelayed,
		"bytes_relayed", s.IntervalBytesRelayed,
		"chat_msgs", s.ChatMessages,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
