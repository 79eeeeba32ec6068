package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hassio-icloud-backup/icloud-backup/internal/api"
	"github.com/hassio-icloud-backup/icloud-backup/internal/config"
	"github.com/hassio-icloud-backup/icloud-backup/internal/handshake"
	"github.com/hassio-icloud-backup/icloud-backup/internal/metrics"
)

// Handshake is the 2FA session the server exposes.
type Handshake interface {
	RequestCode(ctx context.Context, creds handshake.Credentials) (string, error)
	SubmitCode(code string) (string, error)
	Snapshot() handshake.Snapshot
	Configured() bool
}

// OptionsLoader reads the add-on options. It is called on every request so
// edits to the options file apply without a restart.
type OptionsLoader interface {
	Load() (*config.Options, error)
}

// Server is the HTTP server for the 2FA handshake API and health checks
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	router     chi.Router
	handshake  Handshake
	options    OptionsLoader
	metrics    *metrics.Metrics
	limiter    *clientLimiter
}

// NewServer creates a new HTTP server. m may be nil to disable /metrics.
func NewServer(cfg *config.Config, hs Handshake, options OptionsLoader, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		router:    chi.NewRouter(),
		handshake: hs,
		options:   options,
		metrics:   m,
		// 10 requests per second per caller, burst of 50
		limiter: newClientLimiter(10, 50),
	}

	s.router.Use(
		middleware.RequestID,
		noStore,
		s.limiter.middleware,
		recoverPanics,
		accessLog,
	)

	// Register routes
	s.router.Get(api.PathStatus, s.handleStatus)
	s.router.Get(api.PathHelp, s.handleHelp)
	s.router.Post(api.PathRequestCode, s.handleRequestCode)
	s.router.Post(api.PathSubmitCode, s.handleSubmitCode)
	s.router.Post(api.PathSetup, s.handleSubmitCode)
	s.router.Get(api.PathHealth, s.handleHealth)
	if m != nil {
		s.router.Method(http.MethodGet, api.PathMetrics, m.Handler())
	}
	s.router.NotFound(s.handleNotFound)
	s.router.MethodNotAllowed(s.handleNotFound)

	// A submit may block for the whole helper wait window
	writeTimeout := time.Duration(cfg.Auth.SubmitTimeout+cfg.Auth.StartupDelay)*time.Second + 15*time.Second

	s.httpServer = &http.Server{
		Addr:              cfg.Listen.HTTP,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting HTTP server", "addr", s.cfg.Listen.HTTP)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
