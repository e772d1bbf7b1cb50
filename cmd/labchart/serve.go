package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/labchart/internal/config"
	"github.com/ehr/labchart/internal/domain/labs"
	"github.com/ehr/labchart/internal/platform/auth"
	"github.com/ehr/labchart/internal/platform/db"
	"github.com/ehr/labchart/internal/platform/metrics"
	"github.com/ehr/labchart/internal/platform/middleware"
)

const version = "0.1.0"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the lab history HTTP server",
		RunE:  runServer,
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	engine, err := loadEngine(cmd, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load extraction rules")
	}
	logger.Info().Strs("templates", engine.Templates()).Msg("extraction rules loaded")

	ctx := context.Background()
	charts, runs, pool, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open chart store")
	}
	if pool != nil {
		defer pool.Close()
	}

	svc := labs.NewService(charts, runs, engine, logger)

	var collector *metrics.Collector
	if cfg.MetricsEnabled {
		collector = metrics.NewCollector("labchart", prometheus.DefaultRegisterer)
		svc.SetMetrics(collector)
	}

	e, err := newServer(cfg, logger, svc, pool, collector)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.ChartStore).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with middleware and routes. pool and
// collector may be nil.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *labs.Service, pool *pgxpool.Pool, collector *metrics.Collector) (*echo.Echo, error) {
	docLimit, err := cfg.DocumentLimit()
	if err != nil {
		return nil, fmt.Errorf("MAX_DOCUMENT_SIZE: %w", err)
	}
	bodyLimit, err := cfg.BodyLimit()
	if err != nil {
		return nil, fmt.Errorf("MAX_BODY_SIZE: %w", err)
	}
	mode, err := labs.ParseMergeMode(cfg.LabMergeMode)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	if collector != nil {
		e.Use(collector.Middleware())
	}
	e.Use(middleware.BodyLimit(docLimit, bodyLimit))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics"))
	}

	// Auth middleware
	jwtCfg := jwtConfig(cfg)
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool, db.NewMigrator(pool, db.Migrations(), cfg.DBSchema)))
	}
	if collector != nil {
		e.GET("/metrics", echo.WrapHandler(collector.Handler()))
	}

	apiV1 := e.Group("/api/v1")
	fhirGroup := e.Group("/fhir")
	labs.NewHandler(svc, mode).RegisterRoutes(apiV1, fhirGroup)

	return e, nil
}
