package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/patientrecord/internal/config"
	"github.com/ehr/patientrecord/internal/domain/diagnostics"
	"github.com/ehr/patientrecord/internal/domain/documents"
	"github.com/ehr/patientrecord/internal/domain/extraction"
	"github.com/ehr/patientrecord/internal/platform/auth"
	"github.com/ehr/patientrecord/internal/platform/blobstore"
	"github.com/ehr/patientrecord/internal/platform/db"
	"github.com/ehr/patientrecord/internal/platform/middleware"
)

const (
	jsonBodyLimit  = "1M"
	apiTimeout     = 30 * time.Second
	shutdownGrace  = 10 * time.Second
	uploadBodySize = "50M"
)

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise")
		return err
	}
	defer a.Close()
	logger.Info().
		Str("storage_backend", cfg.StorageBackend).
		Str("processor_mode", cfg.ProcessorMode).
		Str("extractor_version", cfg.ExtractorVersion).
		Msg("connected to database")

	e := newRouter(a)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newRouter builds the echo server: global middleware, health and metrics
// endpoints, and the api, functions and storage route groups.
func newRouter(a *app) *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if cfg.MetricsEnabled {
		e.Use(middleware.Metrics(a.telemetry))
	}
	e.Use(a.telemetry.TracingMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Signature"},
	}))
	e.Use(auth.JWTMiddleware(auth.JWTConfig{
		SigningKey: []byte(cfg.AuthJWTSecret),
		Issuer:     cfg.AuthIssuer,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))
	if cfg.MetricsEnabled {
		e.GET("/metrics", a.telemetry.MetricsHandler())
	}

	apiV1 := e.Group("/api/v1", middleware.BodyLimit(jsonBodyLimit), middleware.RequestTimeout(apiTimeout))
	documents.NewHandler(a.documents).RegisterRoutes(apiV1)
	diagnostics.NewHandler(a.diagnostics).RegisterRoutes(apiV1)

	// processing runs longer than API calls, so no request timeout here
	functions := e.Group("/functions/v1", middleware.BodyLimit(jsonBodyLimit))
	extraction.NewHandler(a.processor, cfg.ProcessorSecret).RegisterRoutes(functions)

	storage := e.Group("/storage/v1", middleware.BodyLimit(uploadBodySize))
	blobstore.NewHandler(a.store, a.signer, logger.With().Str("component", "storage").Logger()).RegisterRoutes(storage)

	return e
}
