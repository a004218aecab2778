package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/nugget/wifi-exporter/internal/buildinfo"
	"github.com/nugget/wifi-exporter/internal/connwatch"
	"github.com/nugget/wifi-exporter/internal/devices"
	"github.com/nugget/wifi-exporter/internal/events"
)

const (
	eventBuffer    = 64
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Address is the host:port to listen on.
	Address string

	// MaxConnections caps concurrently open client connections.
	// Zero means unlimited.
	MaxConnections int

	// Registry is read on every scrape. Required.
	Registry *devices.Registry

	// Health supplies /health service status. Optional.
	Health *connwatch.Manager

	// Events feeds /events. Optional; without it /events returns 404.
	Events *events.Bus

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Server is the metrics HTTP server.
type Server struct {
	cfg      ServerConfig
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a metrics server. Call [Server.Start] to listen.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.withLogging(s.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route multiplexer without request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	if s.cfg.Events != nil {
		mux.HandleFunc("GET /events", s.handleEvents)
	}
	return mux
}

// Start listens on the configured address and serves until Shutdown.
// It returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	s.logger.Info("starting metrics server", "address", ln.Addr().String())
	return s.server.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.cfg.Registry.Snapshot()
	w.Header().Set("Content-Type", ContentType)
	if err := Render(w, snapshot); err != nil {
		s.logger.Debug("failed to write metrics", "error", err)
	}
}

type healthResponse struct {
	Status    string                             `json:"status"`
	Devices   int                                `json:"devices"`
	Connected int                                `json:"connected"`
	Services  map[string]connwatch.ServiceStatus `json:"services,omitempty"`

	// EventSubscribers counts open /events streams.
	EventSubscribers int `json:"event_subscribers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	known, connected := s.cfg.Registry.Counts()
	resp := healthResponse{
		Status:           "healthy",
		Devices:          known,
		Connected:        connected,
		EventSubscribers: s.cfg.Events.SubscriberCount(),
	}
	status := http.StatusOK
	if s.cfg.Health != nil {
		resp.Services = s.cfg.Health.Status()
		if !s.cfg.Health.Healthy() {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Info())
}

// handleEvents upgrades to a WebSocket and streams every bus event as a
// JSON text message until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.cfg.Events.Subscribe(eventBuffer)
	defer sub.Close()

	// The read loop only exists to notice the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr)
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			s.logger.Debug("event stream closed", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
