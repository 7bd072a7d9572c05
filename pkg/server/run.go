// Package server implements the jamd session server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/openjam/jamd/pkg/auth"
)

// Dependencies holds external dependencies for the server.
type Dependencies struct {
	Oracle auth.Oracle
}

// Server is the main jamd server.
type Server struct {
	cfg     Config
	group   *Group
	metrics *Metrics
	oracle  auth.Oracle
	ln      net.Listener
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		metrics: NewMetrics(),
		oracle:  deps.Oracle,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Group returns the session group. Nil until Run has started it.
func (s *Server) Group() *Group {
	return s.group
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if s.oracle == nil {
		return fmt.Errorf("server: missing auth oracle dependency")
	}

	if s.cfg.LicenseFile != "" {
		data, err := os.ReadFile(s.cfg.LicenseFile) //nolint:gosec // path from user-provided CLI config
		if err != nil {
			return fmt.Errorf("server: read license: %w", err)
		}
		s.cfg.LicenseText = string(data)
	}

	s.group = NewGroup(s.cfg, s.oracle, s.metrics)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.ln = ln

	go s.group.Run(s.ctx, s.cfg.TickInterval)
	go s.acceptLoop()

	slog.Info("jamd server running",
		"addr", s.cfg.Addr,
		"bpm", s.cfg.BPM,
		"bpi", s.cfg.BPI,
		"max_users", s.cfg.MaxUsers,
	)

	// Start Prometheus metrics HTTP endpoint
	s.StartMetricsHTTP()

	// Start periodic metrics logging (every 60s)
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-s.ctx.Done():
	}

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() {
	s.cancel()
	if s.ln != nil {
		_ = s.ln.Close()
	}
}

func (s *Server) acceptLoop() {
	limiter := newAcceptLimiter(s.cfg.AcceptRate, s.cfg.AcceptBurst)
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Error("accept error", "err", err)
				continue
			}
		}
		host := remoteHost(conn.RemoteAddr().String())
		if !limiter.allow(host) {
			slog.Warn("connection throttled", "remote", host)
			_ = conn.Close()
			continue
		}
		if err := s.group.AddConnection(NewEndpoint(conn), false); err != nil {
			slog.Error("register connection", "remote", host, "err", err)
		}
	}
}

// acceptLimiter throttles connection attempts per source host.
type acceptLimiter struct {
	mu       sync.Mutex
	perHost  map[string]*hostLimiter
	rateVal  rate.Limit
	burst    int
	lastScan time.Time
}

type hostLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newAcceptLimiter(r float64, burst int) *acceptLimiter {
	return &acceptLimiter{
		perHost:  make(map[string]*hostLimiter),
		rateVal:  rate.Limit(r),
		burst:    burst,
		lastScan: time.Now(),
	}
}

func (a *acceptLimiter) allow(host string) bool {
	if a.rateVal <= 0 {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	h, ok := a.perHost[host]
	if !ok {
		h = &hostLimiter{lim: rate.NewLimiter(a.rateVal, a.burst)}
		a.perHost[host] = h
	}
	h.lastSeen = now

	// Drop idle host entries opportunistically instead of running a
	// cleanup goroutine.
	if now.Sub(a.lastScan) > time.Minute {
		a.lastScan = now
		for k, v := range a.perHost {
			if now.Sub(v.lastSeen) > 10*time.Minute {
				delete(a.perHost, k)
			}
		}
	}
	return h.lim.Allow()
}
