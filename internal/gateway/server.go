// Package gateway is the relay's HTTP surface: grant issuance, the WebSocket
// upgrade into channel actors, health, and metrics. Admission control (rate
// limits and resource headroom) happens here, before any socket exists.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/echorelay/relay/internal/channel"
	"github.com/echorelay/relay/internal/config"
	"github.com/echorelay/relay/internal/grant"
	"github.com/echorelay/relay/internal/grantsvc"
	"github.com/echorelay/relay/internal/monitoring"
	"github.com/echorelay/relay/internal/protocol"
)

// Upgrade request headers.
const (
	HeaderGrant        = "X-Grant"
	HeaderLocationHint = "X-Location-Hint"
)

// Server ties the HTTP mux to the channel registry and grant service.
type Server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *channel.Registry
	grants   *grantsvc.Service
	verifier *grant.Verifier
	limiter  *UpgradeLimiter
	guard    *ResourceGuard

	httpServer *http.Server
	startedAt  time.Time
	nodeID     string
}

func NewServer(cfg *config.Config, registry *channel.Registry, grants *grantsvc.Service, verifier *grant.Verifier, nodeID string, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "gateway").Logger(),
		registry: registry,
		grants:   grants,
		verifier: verifier,
		guard: NewResourceGuard(cfg.MaxConnections, cfg.MaxGoroutines,
			cfg.CPURejectThreshold, registry.ConnCount, logger),
		startedAt: time.Now(),
		nodeID:    nodeID,
	}

	if cfg.ConnRateLimitEnabled {
		s.limiter = NewUpgradeLimiter(UpgradeLimiterConfig{
			IPBurst:     cfg.ConnRateIPBurst,
			IPRate:      cfg.ConnRateIPRate,
			GlobalBurst: cfg.ConnRateGlobalBurst,
			GlobalRate:  cfg.ConnRateGlobalRate,
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/grant-channel", grants.HandleIssueGrant)
	mux.HandleFunc("/v1/pubsub", s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     mux,
		ReadTimeout: cfg.HTTPReadTimeout,
		// No WriteTimeout: hijacked WebSocket connections outlive any HTTP
		// deadline, and the write pump enforces its own.
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s
}

// Start begins serving and launches the resource monitor. Blocks until the
// listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.guard.StartMonitoring(ctx, 15*time.Second)

	s.logger.Info().Str("addr", s.cfg.Addr).Str("node_id", s.nodeID).Msg("Gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server, then stops every channel actor, closing
// remaining connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Gateway shutting down")
	if s.limiter != nil {
		s.limiter.Stop()
	}

	err := s.httpServer.Shutdown(ctx)
	s.registry.Stop()
	return err
}

// handleUpgrade admits a client into its channel. The grant must be presented
// in the X-Grant header so the connection can be routed to the right actor
// before any frame arrives; the client still authenticates with a connect
// frame once upgraded.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if s.limiter != nil && !s.limiter.Allow(ip) {
		monitoring.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if accept, reason := s.guard.ShouldAccept(); !accept {
		monitoring.ConnectionsRejected.WithLabelValues("capacity").Inc()
		s.logger.Warn().Str("ip", ip).Str("reason", reason).Msg("Upgrade rejected, no headroom")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	token := r.Header.Get(HeaderGrant)
	if token == "" {
		monitoring.ConnectionsRejected.WithLabelValues("missing_grant").Inc()
		http.Error(w, "X-Grant header required", http.StatusPreconditionFailed)
		return
	}
	g, err := s.verifier.Verify(token)
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("invalid_grant").Inc()
		http.Error(w, "Grant rejected", http.StatusPreconditionFailed)
		return
	}

	location := r.Header.Get(HeaderLocationHint)
	if location == "" {
		location = s.cfg.LocationHint
	}

	sock, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		s.logger.Debug().Err(err).Str("ip", ip).Msg("WebSocket upgrade failed")
		return
	}

	actor := s.registry.Get(g.ProjectID, g.Channel, location)
	if _, err := actor.Join(sock); err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("channel_full").Inc()
		body := ws.NewCloseFrameBody(ws.StatusCode(protocol.ClosePreconditionFailed), "channel full")
		ws.WriteFrame(sock, ws.NewCloseFrame(body))
		sock.Close()
		return
	}
}

type healthResponse struct {
	Status      string  `json:"status"`
	NodeID      string  `json:"node_id"`
	UptimeSec   int64   `json:"uptime_sec"`
	Connections int     `json:"connections"`
	Channels    int     `json:"channels"`
	CPUPercent  float64 `json:"cpu_percent"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:      "ok",
		NodeID:      s.nodeID,
		UptimeSec:   int64(time.Since(s.startedAt).Seconds()),
		Connections: s.registry.ConnCount(),
		Channels:    s.registry.ActorCount(),
		CPUPercent:  s.guard.CPUPercent(),
	})
}

// clientIP strips the port; upgrades arrive over direct TCP, not a proxy
// header we would have to trust.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
