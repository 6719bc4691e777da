// cmd/calltokend/main.go
// Package main implements the entry point for the call-token service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ExpertDevUX/socialworld/internal/accesstoken"
	"github.com/ExpertDevUX/socialworld/internal/authn"
	"github.com/ExpertDevUX/socialworld/internal/authz"
	"github.com/ExpertDevUX/socialworld/internal/config"
	"github.com/ExpertDevUX/socialworld/internal/event"
	"github.com/ExpertDevUX/socialworld/internal/identity"
	"github.com/ExpertDevUX/socialworld/internal/jwks"
	"github.com/ExpertDevUX/socialworld/internal/metrics"
	"github.com/ExpertDevUX/socialworld/internal/ratelimit"
	"github.com/ExpertDevUX/socialworld/internal/schema"
	"github.com/ExpertDevUX/socialworld/internal/server"
	"github.com/ExpertDevUX/socialworld/internal/storage"
	"github.com/ExpertDevUX/socialworld/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.String())

	// Initialize OpenTelemetry
	var traceOut io.Writer
	if cfg.TraceToStdout {
		traceOut = os.Stdout
	}
	if _, err := telemetry.InitTracer("calltoken-service", version, traceOut); err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err = storage.NewPostgres(ctx, cfg.DatabaseDSN, storage.PostgresOptions{InitSchema: cfg.DBInitSchema})
		cancel()
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("CALLTOKEN_DB_DSN not set, using empty in-memory conversation store")
		store = storage.NewMemory()
	}
	defer store.Close()

	// Initialize the rate limiter (Redis shared across replicas, or per process)
	var limiter ratelimit.Limiter
	var sweeper *cron.Cron
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		opts.ReadTimeout = cfg.UpstreamTimeout
		opts.WriteTimeout = cfg.UpstreamTimeout
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		limiter = ratelimit.NewRedis(rdb, nil, cfg.RateLimit, cfg.RateWindow)
	} else {
		mem := ratelimit.NewMemory(nil, cfg.RateLimit, cfg.RateWindow)
		limiter = mem
		sweeper = startSweeper(mem, logger)
	}

	authenticator, err := newAuthenticator(cfg)
	if err != nil {
		logger.Error("failed to initialize authentication", "error", err)
		os.Exit(1)
	}

	validator, err := schema.NewValidator()
	if err != nil {
		logger.Error("failed to initialize request validator", "error", err)
		os.Exit(1)
	}

	builder, err := accesstoken.NewBuilder(cfg.AgoraAppID, cfg.AgoraAppCertificate, accesstoken.WithTTL(cfg.TokenTTL))
	if err != nil {
		logger.Error("failed to initialize token builder", "error", err)
		os.Exit(1)
	}

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()

	mux := server.NewMux(server.Deps{
		Authenticator:      authenticator,
		Limiter:            limiter,
		Validator:          validator,
		Authorizer:         authz.New(store, cfg.UpstreamTimeout),
		Builder:            builder,
		Publisher:          pub,
		Store:              store,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if sweeper != nil {
		<-sweeper.Stop().Done()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("server exited")
}

// newAuthenticator prefers local JWT verification and falls back to the identity service.
func newAuthenticator(cfg config.Config) (authn.Authenticator, error) {
	if cfg.JWKSURL != "" || cfg.JWTSecret != "" {
		opts := []jwks.Option{jwks.WithHTTPClient(&http.Client{Timeout: cfg.UpstreamTimeout})}
		if cfg.JWTSecret != "" {
			opts = append(opts, jwks.WithHMACSecret(cfg.JWTSecret))
		}
		return authn.NewJWTAuthenticator(jwks.NewClient(cfg.JWKSURL, opts...), cfg.JWTIssuer, cfg.JWTAudience), nil
	}
	if cfg.IdentityURL != "" {
		return authn.NewRemoteAuthenticator(identity.New(cfg.IdentityURL, cfg.IdentityServiceKey, cfg.UpstreamTimeout)), nil
	}
	return nil, fmt.Errorf("no authentication source configured")
}

// startSweeper evicts expired limiter entries once a minute.
func startSweeper(mem *ratelimit.Memory, logger *slog.Logger) *cron.Cron {
	m := metrics.NewMetrics()
	c := cron.New()
	_, err := c.AddFunc("@every 1m", func() {
		if n := mem.Sweep(time.Now()); n > 0 {
			m.RateLimitSweptTotal.Add(float64(n))
			logger.Debug("swept expired rate limit entries", "count", n, "tracked", mem.Len())
		}
	})
	if err != nil {
		// The schedule is a constant; failing here is a programming error.
		panic(err)
	}
	c.Start()
	return c
}
