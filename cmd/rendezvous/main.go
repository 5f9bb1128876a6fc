package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/services"
	httphandlers "speedshare/internal/handlers/http"
	"speedshare/internal/infrastructure/middleware"
	"speedshare/internal/infrastructure/monitoring"
	"speedshare/internal/infrastructure/reliability"
	"speedshare/internal/infrastructure/repositories"
	signalrelay "speedshare/internal/infrastructure/signal"
	"speedshare/pkg/circuitbreaker"
	"speedshare/pkg/config"
	apperrors "speedshare/pkg/errors"
	"speedshare/pkg/logger"
	"speedshare/pkg/retry"
	"speedshare/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.NewFromFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("could not load config, using defaults", "path", *configPath, "error", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "speedshare-rendezvous",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	store := repoFactory.CreateRendezvousRepository()
	repoFactory.StartCleanup(ctx, store, time.Minute)

	guarded := reliability.NewRendezvousRepositoryWrapper(
		store,
		retry.ForStrategy(3, cfg.TransferConfiguration().RetryStrategy == domain.RetryFixed, 50*time.Millisecond),
		circuitbreaker.DefaultConfig(),
		log,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	rendezvous := services.NewRendezvousService(guarded, services.RendezvousOptions{
		CodeAttempts:       cfg.Rendezvous.CodeAttempts,
		AnswerPollInterval: cfg.Rendezvous.AnswerPollInterval,
	}, collector, log)
	tokens := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.EvictTokenTTL)
	relay := signalrelay.NewAnswerRelay(rendezvous, signalrelay.RelayOptions{
		AnswerTimeout:  cfg.Rendezvous.AnswerTimeout,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}, log)

	health := monitoring.NewHealthChecker()
	health.AddRepositoryCheck(store, 15*time.Second, 2*time.Second)
	health.AddBreakerCheck("rendezvous_store_breaker", guarded.Stats, 5*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 15*time.Second, 2*time.Second)
	}
	health.StartBackgroundChecks(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.AccessLogMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	handler := httphandlers.NewRendezvousHandler(rendezvous, tokens, relay, log)
	handler.SetupRoutes(router, middleware.NewWebSocketRateLimitMiddleware(cfg))
	router.NoRoute(func(c *gin.Context) {
		_ = c.Error(apperrors.NewNotFoundError("route"))
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"storage":   repoFactory.Backend(),
			"checks":    health.LastResults(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		checkCtx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := health.CheckAll(checkCtx)
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	// Answer sockets outlive the write timeout, so it is left to the relay.
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting rendezvous server",
			"address", cfg.Server.Address,
			"storage", repoFactory.Backend(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("rendezvous server stopped")
}
