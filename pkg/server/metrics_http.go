package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
//
// Disabled unless Config.MetricsAddr is set.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("jamd_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("jamd_connections_active", "Current live connections.", "gauge",
		m.ActiveConnections.Load())
	write("jamd_connections_total", "Lifetime TCP connections accepted.", "counter",
		m.TotalConnections.Load())
	write("jamd_departures_total", "Authenticated members that left.", "counter",
		m.Departures.Load())

	write("jamd_auth_success_total", "Successful authentication attempts.", "counter",
		m.AuthSuccesses.Load())
	write("jamd_auth_refused_total", "Refused authentication attempts.", "counter",
		m.AuthRefusals.Load())
	write("jamd_auth_timeouts_total", "Connections dropped for never authenticating.", "counter",
		m.AuthTimeouts.Load())

	write("jamd_intervals_started_total", "Interval-begin messages accepted.", "counter",
		m.IntervalsStarted.Load())
	write("jamd_interval_chunks_relayed_total", "Interval chunks forwarded to subscribers.", "counter",
		m.IntervalChunksRelayed.Load())
	write("jamd_interval_bytes_relayed_total", "Audio payload bytes forwarded.", "counter",
		m.IntervalBytesRelayed.Load())
	write("jamd_transfers_expired_total", "Transfers evicted for inactivity.", "counter",
		m.TransfersExpired.Load())

	write("jamd_chat_messages_total", "Public chat messages relayed.", "counter",
		m.ChatMessages.Load())
	write("jamd_private_messages_total", "Private messages delivered.", "counter",
		m.PrivateMessages.Load())

	write("jamd_kicks_total", "Members kicked.", "counter",
		m.Kicks.Load())
	write("jamd_tempo_changes_total", "BPM/BPI changes applied.", "counter",
		m.TempoChanges.Load())
	write("jamd_topic_changes_total", "Topic changes applied.", "counter",
		m.TopicChanges.Load())
}
