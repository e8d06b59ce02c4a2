// Пакет server — HTTP-сервер Receipt Module с graceful shutdown.
// Без TLS: HTTP внутри кластера, TLS termination на API Gateway.
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

	"github.com/scoutledger/receipt-module/internal/api/handlers"
	"github.com/scoutledger/receipt-module/internal/api/middleware"
	"github.com/scoutledger/receipt-module/internal/config"
	"github.com/scoutledger/receipt-module/internal/domain/rbac"
)

// Server — HTTP-сервер Receipt Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// NewRouter собирает маршруты и middleware.
// jwtAuth и validator могут быть nil (тесты без аутентификации или без контракта).
func NewRouter(logger *slog.Logger, h *handlers.APIHandler, jwtAuth *middleware.JWTAuth, validator *middleware.RequestValidator) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	// Health и metrics опрашиваются Kubernetes напрямую, без токена
	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Get("/metrics", h.GetMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		if jwtAuth != nil {
			r.Use(jwtAuth.Middleware())
		}
		if validator != nil {
			r.Use(validator.Middleware())
		}

		writers := middleware.RequireRole(rbac.RoleAdmin, rbac.RoleTreasurer)
		readers := middleware.RequireRole(rbac.RoleAdmin, rbac.RoleTreasurer, rbac.RoleReadonly)
		admins := middleware.RequireRole(rbac.RoleAdmin)

		r.Route("/pagos", func(r chi.Router) {
			r.With(readers).Get("/", h.ListPagos)
			r.With(writers).Post("/", h.CreatePago)
			r.With(readers).Get("/{pago_id}", h.GetPago)
			r.With(writers).Post("/{pago_id}/comprobante", h.ReplaceComprobante)
		})

		r.With(writers).Post("/files/validate", h.ValidateFile)

		r.Route("/quarantine", func(r chi.Router) {
			r.Use(admins)
			r.Get("/", h.ListQuarantine)
			r.Get("/stats", h.QuarantineStats)
			r.Get("/{record_id}", h.GetQuarantineRecord)
			r.Post("/{record_id}/approve", h.ApproveQuarantine)
			r.Post("/{record_id}/reject", h.RejectQuarantine)
		})

		r.With(admins).Post("/maintenance/quarantine-sweep", h.RunQuarantineSweep)
	})

	return router
}

// New создаёт HTTP-сервер.
func New(cfg *config.Config, logger *slog.Logger, handler http.Handler) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ждёт SIGINT/SIGTERM, после чего выполняет
// graceful shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен", slog.String("addr", s.httpServer.Addr))

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
