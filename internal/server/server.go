// Package server exposes the HTTP surface: the WebSocket upgrade endpoint,
// health and stats endpoints, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftsync/server/internal/config"
	"github.com/driftsync/server/internal/metrics"
	"github.com/driftsync/server/internal/registry"
	"github.com/driftsync/server/internal/security"
	"github.com/driftsync/server/internal/storage"
	syncpkg "github.com/driftsync/server/internal/sync"
	"github.com/driftsync/server/internal/websocket"
)

// Version is reported by the root and health endpoints.
const Version = "1.0.0"

// Server represents the HTTP server.
type Server struct {
	config      *config.Config
	hub         *websocket.Hub
	registry    *registry.Registry
	coordinator *syncpkg.Coordinator
	security    *security.Manager
	store       storage.Adapter
	pubsub      *storage.RedisPubSub
	log         zerolog.Logger

	upgrader gorilla.Upgrader
	server   *http.Server
	started  time.Time
}

// New creates a server around an already-wired hub. pubsub may be nil.
func New(cfg *config.Config, hub *websocket.Hub, reg *registry.Registry, coord *syncpkg.Coordinator, sec *security.Manager, store storage.Adapter, pubsub *storage.RedisPubSub, log zerolog.Logger) *Server {
	s := &Server{
		config:      cfg,
		hub:         hub,
		registry:    reg,
		coordinator: coord,
		security:    sec,
		store:       store,
		pubsub:      pubsub,
		log:         log,
		started:     time.Now(),
	}
	s.upgrader = gorilla.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         s.config.ListenAddr(),
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP listener. Live WebSocket
// connections close through the hub, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origins := s.config.Origins()
	if len(origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	for _, allowed := range origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"name":        "DriftSync Server",
		"version":     Version,
		"description": "Real-time collaborative state synchronization server",
		"endpoints": map[string]string{
			"health":  "/health",
			"stats":   "/stats",
			"metrics": "/metrics",
			"ws":      "/ws",
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	storageStatus := "memory"
	if s.store != nil && s.store.IsConnected() {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if healthy, err := s.store.HealthCheck(ctx); err != nil || !healthy {
			status = "degraded"
			storageStatus = "unreachable"
			code = http.StatusServiceUnavailable
		} else {
			storageStatus = "connected"
		}
	}

	response := map[string]interface{}{
		"status":    status,
		"storage":   storageStatus,
		"timestamp": time.Now().Format(time.RFC3339),
		"version":   Version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"connections": s.registry.Count(),
		"documents":   s.coordinator.DocumentCount(),
		"pendingAcks": s.hub.Acks().PendingCount(),
		"ackRetries":  s.hub.Acks().Retries(),
		"ackFailures": s.hub.Acks().Failures(),
		"uptimeSecs":  int64(time.Since(s.started).Seconds()),
	}
	if s.pubsub != nil {
		response["pubsub"] = s.pubsub.GetStats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	ip := clientIP(r)
	if s.security != nil && !s.security.ConnectionLimiter.CanConnect(ip) {
		metrics.ConnectionsRejected.WithLabelValues("per_ip_limit").Inc()
		s.log.Warn().Str("ip", ip).Msg("rejecting connection over per-IP limit")
		message := gorilla.FormatCloseMessage(1008, "too many connections from this address")
		ws.WriteControl(gorilla.CloseMessage, message, time.Now().Add(time.Second))
		ws.Close()
		return
	}

	if s.security != nil {
		s.security.ConnectionLimiter.AddConnection(ip)
	}

	conn := websocket.NewConnection(uuid.NewString(), ip, ws, s.hub, s.security)
	s.hub.Register <- conn

	go conn.WritePump()
	go conn.ReadPump()
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if origins := s.config.Origins(); len(origins) > 0 && origins[0] != "*" {
			origin = origins[0]
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP prefers X-Forwarded-For so per-IP limits survive a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i, c := range fwd {
			if c == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
