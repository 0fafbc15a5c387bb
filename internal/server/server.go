// Package server wires handlers, middleware and routes, and runs the HTTP
// server with graceful shutdown.
//
// ROUTES:
//
//	GET  /healthz                                   → dependency health
//	GET  /metrics                                   → Prometheus scrape
//	POST /auth/login, /auth/logout                  → operator session
//	GET  /api/me                                    → current operator       [auth]
//	POST /api/impagos/sync                          → import today's export  [auth]
//	GET  /api/impagos/views/{view}                  → one of the five views  [auth]
//	GET  /api/impagos/badge                         → pending notifications  [auth]
//	GET  /api/impagos/pointer                       → latest synced date     [auth]
//	GET  /api/impagos/debtors/{clientID}            → debtor history         [auth]
//	POST /api/impagos/debtors/{clientID}/actions    → log an outreach step   [auth]
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/frontdesk/internal/app"
	"github.com/sakif/frontdesk/internal/auth"
	"github.com/sakif/frontdesk/internal/handler"
	"github.com/sakif/frontdesk/internal/middleware"
	"github.com/sakif/frontdesk/internal/service"
)

// Version is reported by /healthz.
var Version = "dev"

// Server is the HTTP surface over one App. It does not own the App; the
// caller closes it after Start returns.
type Server struct {
	router *chi.Mux
	app    *app.App
	logger *slog.Logger
}

// New builds the router. JWT_SECRET is required: every /api route needs an
// authenticated operator.
func New(a *app.App) (*Server, error) {
	cfg := a.Config
	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	if len(cfg.Operators) == 0 {
		a.Logger.Warn("OPERATORS is empty, nobody can log in")
	}

	s := &Server{
		router: chi.NewRouter(),
		app:    a,
		logger: a.Logger,
	}

	authService := service.NewAuthService(cfg.Operators, tokens, auth.NewPasswordService(), a.Logger)
	s.routes(tokens, authService)
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes(tokens *auth.TokenService, authService *service.AuthService) {
	cfg := s.app.Config

	// Order: request id first so every log line has it, recoverer last so
	// a panic is still logged and counted.
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics)
	s.router.Use(chimiddleware.Recoverer)

	if len(cfg.CORSOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	health := handler.NewHealthHandler(Version, s.app.HealthChecks())
	s.router.Get("/healthz", health.Handle)
	s.router.Handle("/metrics", promhttp.Handler())

	authHandler := handler.NewAuthHandler(authService, false, s.logger)
	s.router.Post("/auth/login", authHandler.HandleLogin)
	s.router.Post("/auth/logout", authHandler.HandleLogout)

	impagos := handler.NewImpagosHandler(s.app.Reconciler, s.logger)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(auth.RequireAuth(tokens))

		r.Get("/me", authHandler.HandleMe)

		r.Route("/impagos", func(r chi.Router) {
			r.Post("/sync", impagos.HandleSync)
			r.Get("/views/{view}", impagos.HandleView)
			r.Get("/badge", impagos.HandleBadge)
			r.Get("/pointer", impagos.HandlePointer)
			r.Get("/debtors/{clientID}", impagos.HandleDebtor)
			r.Post("/debtors/{clientID}/actions", impagos.HandleLogAction)
		})
	})
}

// Start serves until SIGINT/SIGTERM, then drains in-flight requests for up
// to 30 seconds.
func (s *Server) Start() error {
	port := s.app.Config.Port
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second, // snapshot uploads
		WriteTimeout:      60 * time.Second, // a sync may wait for the ledger lock
		IdleTimeout:       60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", port)),
			slog.String("ledger", s.app.Config.LedgerBackend),
			slog.String("lock", s.app.Config.ResolvedLockBackend()),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
