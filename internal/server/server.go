package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/connector"
	"github.com/keygate/keygate/internal/handler"
	"github.com/keygate/keygate/internal/metrics"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/server/middleware"
	"github.com/keygate/keygate/internal/service"
	"github.com/keygate/keygate/internal/usage"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	MaxBodySize     int64 // bytes
	// LoginPerMinute caps login attempts per client IP. Zero disables it.
	LoginPerMinute int
	MetricsEnabled bool
	Version        string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		MaxBodySize:     10 * 1024 * 1024, // 10MB
		LoginPerMinute:  10,
		MetricsEnabled:  true,
		Version:         "dev",
	}
}

// Deps are the services the server routes to.
type Deps struct {
	Registry *connector.Registry
	Store    *config.Store
	Auth     *service.AuthService
	Keys     *service.KeyService
	Limiter  ratelimit.Limiter
	Recorder *usage.Recorder
	// MCP is mounted at /mcp behind admin auth when set.
	MCP    http.Handler
	Logger *slog.Logger
}

// Server is the top-level HTTP server for keygate. It owns the Chi router
// and the services behind it.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "X-Request-ID"},
		ExposedHeaders:   []string{"Retry-After", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if s.cfg.MaxBodySize > 0 {
		r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
	}
	r.Use(chimw.Compress(5))

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	if s.cfg.MetricsEnabled {
		metrics.Init()
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get("/openapi.json", handler.NewOpenAPIHandler(s.deps.Registry, s.deps.Store, s.cfg.Version).ServeSpec)

	if s.deps.MCP != nil {
		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminAuth(s.deps.Auth))
			r.Use(middleware.RequireAdmin())
			r.Handle("/mcp", s.deps.MCP)
		})
	}

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {

		// System APIs (admin management)
		r.Route("/system", func(r chi.Router) {
			sysHandler := handler.NewSystemHandler(s.deps.Store, s.deps.Auth, s.deps.Keys, s.deps.Registry, s.logger)

			// Setup and login are unauthenticated; logout is self-authenticated.
			r.Group(func(r chi.Router) {
				if s.cfg.LoginPerMinute > 0 {
					r.Use(middleware.LoginGuard(s.cfg.LoginPerMinute))
				}
				r.Post("/setup", sysHandler.Setup)
				r.Post("/admin/session", sysHandler.Login)
			})
			r.Delete("/admin/session", sysHandler.Logout)

			// All other system endpoints require admin authentication
			r.Group(func(r chi.Router) {
				r.Use(middleware.AdminAuth(s.deps.Auth))
				r.Use(middleware.RequireAdmin())

				// Service management
				r.Get("/service", sysHandler.ListServices)
				r.Post("/service", sysHandler.CreateService)
				r.Get("/service/{serviceName}", sysHandler.GetService)
				r.Put("/service/{serviceName}", sysHandler.UpdateService)
				r.Delete("/service/{serviceName}", sysHandler.DeleteService)
				r.Get("/service/{serviceName}/test", sysHandler.TestConnection)

				// Admin management
				r.Get("/admin", sysHandler.ListAdmins)
				r.Post("/admin", sysHandler.CreateAdmin)

				// API key management
				r.Get("/api-key", sysHandler.ListAPIKeys)
				r.Post("/api-key", sysHandler.CreateAPIKey)
				r.Get("/api-key/{keyId}", sysHandler.GetAPIKey)
				r.Delete("/api-key/{keyId}", sysHandler.RevokeAPIKey)
				r.Get("/api-key/{keyId}/usage", sysHandler.KeyUsage)
			})
		})

		// Gated database service APIs
		r.Route("/{serviceName}", func(r chi.Router) {
			gate := middleware.GateConfig{
				Verifier: s.deps.Auth,
				Limiter:  s.deps.Limiter,
				Logger:   s.logger,
			}
			// A nil *usage.Recorder must not become a non-nil interface.
			if s.deps.Recorder != nil {
				gate.Recorder = s.deps.Recorder
			}
			r.Use(middleware.APIKeyGate(gate))

			tableHandler := handler.NewTableHandler(s.deps.Registry, s.deps.Store)

			r.Get("/_table", tableHandler.ListTableNames)
			r.Get("/_table/{tableName}", tableHandler.QueryRecords)
			r.Post("/_table/{tableName}", tableHandler.CreateRecords)
			r.Patch("/_table/{tableName}", tableHandler.UpdateRecords)
			r.Delete("/_table/{tableName}", tableHandler.DeleteRecords)
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the config store and
// all database connectors are reachable, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	if err := s.deps.Store.Ping(r.Context()); err != nil {
		checks["config_store"] = "error: " + err.Error()
		status = "degraded"
	} else {
		checks["config_store"] = "ok"
	}

	failed := s.deps.Registry.PingAll(r.Context())
	for _, name := range s.deps.Registry.ListServices() {
		checks[name] = "ok"
	}
	for name, err := range failed {
		checks[name] = "error: " + err.Error()
		status = "degraded"
	}

	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown: in-flight requests are
// drained, queued usage records are written, and database connections are
// closed.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if s.deps.Recorder != nil {
		if err := s.deps.Recorder.Close(shutdownCtx); err != nil {
			s.logger.Warn("usage recorder did not drain", "error", err)
		}
	}

	if s.deps.Limiter != nil {
		s.deps.Limiter.Close()
	}

	// Close all database connections
	s.deps.Registry.CloseAll()
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
