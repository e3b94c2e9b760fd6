// Package server exposes the broker over HTTP: the /realtime WebSocket
// endpoint, event ingestion, stats and probes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime/internal/realtime"
	"realtime/internal/realtime/auth"
	"realtime/internal/realtime/metrics"
	"realtime/internal/realtime/registry"
	"realtime/internal/validator"
)

// Registry is the connection state the server admits into and reports on.
type Registry interface {
	Admit(userID string, role realtime.Role, transport realtime.Transport, remoteAddr string) (string, error)
	Remove(id string) (realtime.Connection, bool)
	Get(id string) (realtime.Connection, bool)
	Touch(id string) bool
	Snapshot() []realtime.Connection
	Stats() registry.Stats
}

// Subscriptions changes the topic sets of live connections.
type Subscriptions interface {
	Subscribe(connectionID string, topics []string) ([]string, error)
	Unsubscribe(connectionID string, topics []string) ([]string, error)
}

type Config struct {
	Addr               string        `env:"HTTP_ADDR" envDefault:":8080"`
	SendQueueSize      int           `env:"SEND_QUEUE_SIZE" envDefault:"256"`
	WriteTimeout       time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	MaxMessageBytes    int64         `env:"MAX_MESSAGE_BYTES" envDefault:"65536"`
	MaxIngestBytes     int64         `env:"MAX_INGEST_BYTES" envDefault:"1048576"`
	AllowedOrigins     []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	TrustProxyHeaders  bool          `env:"TRUST_PROXY_HEADERS" envDefault:"false"`
	AdmissionPerMinute float64       `env:"ADMISSION_RATE_PER_MINUTE" envDefault:"20"`
	AdmissionBurst     int           `env:"ADMISSION_BURST" envDefault:"20"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type Server struct {
	config        Config
	registry      Registry
	subscriptions Subscriptions
	dispatcher    realtime.Dispatcher
	metrics       *metrics.Registry
	verifier      *auth.Verifier
	limiter       *admissionLimiter
	upgrader      websocket.Upgrader
	logger        *zap.Logger

	http     *http.Server
	started  time.Time
	ready    atomic.Bool
	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

// Option configures optional server behaviour.
type Option func(*Server)

// WithVerifier requires a signed token for admission and ingestion.
func WithVerifier(v *auth.Verifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

func NewServer(
	config Config,
	reg Registry,
	subscriptions Subscriptions,
	dispatcher realtime.Dispatcher,
	metricsRegistry *metrics.Registry,
	logger *zap.Logger,
	opts ...Option,
) (*Server, error) {
	if err := validator.Validate("server", reg, subscriptions, dispatcher, metricsRegistry, logger); err != nil {
		return nil, err
	}

	s := &Server{
		config:        config,
		registry:      reg,
		subscriptions: subscriptions,
		dispatcher:    dispatcher,
		metrics:       metricsRegistry,
		limiter:       newAdmissionLimiter(config.AdmissionPerMinute, config.AdmissionBurst),
		logger:        logger.Named("server"),
		started:       time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.config.WriteTimeout <= 0 {
		s.config.WriteTimeout = 10 * time.Second
	}
	if s.config.MaxIngestBytes <= 0 {
		s.config.MaxIngestBytes = 1 << 20
	}
	if s.config.ShutdownTimeout <= 0 {
		s.config.ShutdownTimeout = 10 * time.Second
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.http = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// checkOrigin admits any origin unless an allow list is configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.config.AllowedOrigins, origin)
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/realtime", s.handleRealtime)
	mux.HandleFunc("GET /realtime/ws", s.handleConnect)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	return mux
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && websocket.IsWebSocketUpgrade(r):
		s.handleConnect(w, r)
	case r.Method == http.MethodGet:
		s.handleStats(w, r)
	case r.Method == http.MethodPost:
		s.handleIngest(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, ingestResponse{Error: "method not allowed"})
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting realtime server", zap.String("addr", s.config.Addr))

	limiterCtx, stopLimiter := context.WithCancel(ctx)
	defer stopLimiter()
	go s.limiter.Run(limiterCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("realtime server failed: %w", err)
		}
	}()
	s.ready.Store(true)

	select {
	case err := <-errCh:
		s.ready.Store(false)
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting requests, closes every connection as going away
// and waits for their sessions to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping realtime server")
	s.ready.Store(false)

	// hijacked websocket connections are not tracked by http.Server
	err := s.http.Shutdown(ctx)

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	conns := s.registry.Snapshot()
	for _, conn := range conns {
		if _, ok := s.registry.Remove(conn.ID); !ok {
			continue
		}
		s.metrics.RecordRemoval("shutdown")
		if cerr := conn.Transport.Close(realtime.CloseGoingAway, "server shutting down"); cerr != nil {
			s.logger.Debug("close on shutdown failed", zap.String("connectionId", conn.ID), zap.Error(cerr))
		}
	}
	s.metrics.UpdateConnections(s.registry.Stats().ConnectionsByRole)

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	if err != nil {
		const msg = "failed to gracefully shutdown realtime server"
		s.logger.Error(msg, zap.Error(err))
		return fmt.Errorf(msg+": %w", err)
	}

	s.logger.Info("realtime server stopped", zap.Int("closedConnections", len(conns)))
	return nil
}

// ConnectionEvicted records a connection the heartbeat monitor removed.
func (s *Server) ConnectionEvicted(realtime.Connection) {
	s.metrics.RecordRemoval("timeout")
	s.metrics.UpdateConnections(s.registry.Stats().ConnectionsByRole)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.config.Addr
}
