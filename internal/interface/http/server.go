// Package http exposes training sessions over a JSON REST API.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/application/eventhandler"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/application/session"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/scheduler"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/interface/http/handlers"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	Host string
	Port int

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	MaxBodyBytes   int64

	EnableCORS     bool
	AllowedOrigins []string // "*" allows any origin

	// RateLimitPerMinute caps requests per client IP. Zero disables it.
	RateLimitPerMinute int

	// APIKeys protect /api/v1 when non-empty. Keys are read from
	// APIKeyHeader or a Bearer Authorization header.
	APIKeyHeader string
	APIKeys      []string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8080,
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       15 * time.Second,
		IdleTimeout:        time.Minute,
		MaxHeaderBytes:     1 << 20,
		MaxBodyBytes:       1 << 20,
		EnableCORS:         true,
		AllowedOrigins:     []string{"*"},
		RateLimitPerMinute: 300,
		APIKeyHeader:       "X-API-Key",
	}
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Dependencies contains everything the handlers use. Only Registry is
// required; the endpoints backed by a nil dependency answer 501.
type Dependencies struct {
	Registry      *session.Registry
	Inbox         *eventhandler.Inbox
	Events        shared.EventStore
	Monitor       *eventhandler.ErrorMonitor
	HealthChecker handlers.HealthChecker
	Jobs          JobLister

	Version string
	Logger  *slog.Logger
}

// JobLister reports the state of background jobs.
type JobLister interface {
	Jobs() []scheduler.JobInfo
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server serves the training API.
type Server struct {
	config  Config
	deps    Dependencies
	logger  *slog.Logger
	handler http.Handler
	http    *http.Server

	limiter *ipLimiter
	auth    *handlers.APIKeyAuth
	origins map[string]bool

	mu        sync.Mutex
	startedAt time.Time
}

// NewServer builds the router and middleware chain. It does not listen.
func NewServer(config Config, deps Dependencies) (*Server, error) {
	if deps.Registry == nil {
		return nil, shared.NewDomainError("http", "NewServer", shared.ErrConfiguration, "session registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if config.APIKeyHeader == "" {
		config.APIKeyHeader = "X-API-Key"
	}

	s := &Server{
		config:  config,
		deps:    deps,
		logger:  deps.Logger.With("component", "http_server"),
		auth:    handlers.NewAPIKeyAuth(config.APIKeyHeader, config.APIKeys),
		origins: make(map[string]bool, len(config.AllowedOrigins)),
	}
	for _, o := range config.AllowedOrigins {
		s.origins[o] = true
	}
	if config.RateLimitPerMinute > 0 {
		s.limiter = newIPLimiter(config.RateLimitPerMinute, time.Minute, time.Now)
	}

	s.handler = s.middleware(s.routes())
	s.http = &http.Server{
		Addr:           config.Address(),
		Handler:        s.handler,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
		ErrorLog:       slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	return s, nil
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	root := http.NewServeMux()
	root.HandleFunc("GET /health", s.handleHealth)
	root.HandleFunc("GET /healthz", s.handleHealth)
	root.HandleFunc("GET /ready", s.handleReady)
	root.HandleFunc("GET /live", s.handleLive)
	root.HandleFunc("GET /{$}", s.handleRoot)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	api.HandleFunc("POST /api/v1/sessions", s.handleOpenSession)
	api.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	api.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleEndSession)
	api.HandleFunc("POST /api/v1/sessions/{id}/steps/{step}/start", s.handleStartStep)
	api.HandleFunc("POST /api/v1/sessions/{id}/steps/{step}/progress", s.handleUpdateProgress)
	api.HandleFunc("POST /api/v1/sessions/{id}/steps/{step}/validate", s.handleValidateStep)
	api.HandleFunc("POST /api/v1/sessions/{id}/advance", s.handleAdvance)
	api.HandleFunc("GET /api/v1/sessions/{id}/navigation", s.handleNavigation)
	api.HandleFunc("GET /api/v1/sessions/{id}/compliance", s.handleCompliance)
	api.HandleFunc("GET /api/v1/sessions/{id}/report", s.handleReport)
	api.HandleFunc("GET /api/v1/sessions/{id}/notifications", s.handleNotifications)
	api.HandleFunc("GET /api/v1/sessions/{id}/events", s.handleEvents)
	api.HandleFunc("GET /api/v1/errors", s.handleErrorStats)
	api.HandleFunc("GET /api/v1/jobs", s.handleJobs)

	var h http.Handler = api
	if s.auth.Enabled() {
		h = s.auth.Middleware(h)
	}
	root.Handle("/api/v1/", h)
	return root
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Address(), err)
	}

	s.mu.Lock()
	if !s.startedAt.IsZero() {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("http server already started")
	}
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("http server listening", "address", ln.Addr().String())
	if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// StartAsync runs Start in a goroutine. The channel yields at most one error
// and is closed when serving stops.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.Start(); err != nil {
			errCh <- err
		}
	}()
	return errCh
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.http.Shutdown(ctx)
}

// Uptime is zero until Start has been called.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt).Round(time.Second)
}
