package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-tuya/internal/audit"
	"github.com/nerrad567/gray-logic-tuya/internal/auth"
	"github.com/nerrad567/gray-logic-tuya/internal/bridges/tuya"
	"github.com/nerrad567/gray-logic-tuya/internal/gateway"
	"github.com/nerrad567/gray-logic-tuya/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-tuya/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// RuntimeStore persists devices created through the API.
type RuntimeStore interface {
	Create(ctx context.Context, cfg tuya.DeviceConfig) error
	Get(ctx context.Context, id string) (tuya.DeviceConfig, error)
	Delete(ctx context.Context, id string) error
}

// ConnectionChecker reports broker connectivity.
type ConnectionChecker interface {
	IsConnected() bool
}

// DaemonReporter exposes the managed gateway daemon's state.
type DaemonReporter interface {
	Stats() gateway.DaemonStats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Metrics  config.MetricsConfig
	Logger   *logging.Logger
	Bridge   *tuya.Bridge
	Operator *auth.Operator
	Runtime  RuntimeStore

	// MQTT is optional; it only feeds the system endpoint.
	MQTT ConnectionChecker

	// Audit is optional; without it actions are only logged.
	Audit AuditStore

	// Daemon is set only when the bridge supervises the gateway daemon.
	Daemon DaemonReporter

	// Gatherer serves /metrics; Registerer receives the HTTP collectors.
	// Both are optional.
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer

	Version string
}

// Server is the operator HTTP API.
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	metrics  config.MetricsConfig
	logger   *logging.Logger
	bridge   *tuya.Bridge
	operator *auth.Operator
	runtime  RuntimeStore
	mqtt     ConnectionChecker
	daemon   DaemonReporter
	audit    AuditStore
	auditCh  chan *audit.Entry
	gatherer prometheus.Gatherer
	http     *httpMetrics
	version  string

	startTime time.Time
	hub       *Hub
	handler   http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates the server and hooks the WebSocket hub to the bridge's
// reading sink. The server does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}
	if deps.Operator == nil {
		return nil, fmt.Errorf("operator authenticator is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     wsDefaults(deps.WS),
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		bridge:    deps.Bridge,
		operator:  deps.Operator,
		runtime:   deps.Runtime,
		mqtt:      deps.MQTT,
		daemon:    deps.Daemon,
		audit:     deps.Audit,
		gatherer:  deps.Gatherer,
		http:      newHTTPMetrics(deps.Registerer),
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(wsDefaults(deps.WS), deps.Logger),
	}
	if s.audit != nil {
		s.auditCh = make(chan *audit.Entry, auditChanSize)
	}
	s.bridge.Sink().Observe(s.broadcastReadings)
	s.handler = s.buildRouter()
	return s, nil
}

func wsDefaults(cfg config.WebSocketConfig) config.WebSocketConfig {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 8192
	}
	return cfg
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var hubCtx context.Context
	hubCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(hubCtx)
	if s.audit != nil {
		go s.drainAuditLog(hubCtx)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	srv := s.server
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", ln.Addr().String(), "cert", s.cfg.TLS.CertFile)
			err = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close disconnects WebSocket clients and shuts the listener down,
// waiting up to 10 seconds for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if srv == nil {
		return nil
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server is serving.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.Addr() == "" {
		return fmt.Errorf("api server not started")
	}
	return nil
}
