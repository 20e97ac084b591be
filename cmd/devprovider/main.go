// Command devprovider runs the development identity provider.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"

	"cyconnect/internal/config"
	"cyconnect/internal/devprovider"
	"cyconnect/internal/middleware"
	"cyconnect/pkg/logger"
	"cyconnect/pkg/redis"
)

// Resources holds everything that needs cleanup
type Resources struct {
	server      *http.Server
	redisClient *redis.Client
	embedded    *miniredis.Miniredis
	log         *logger.Logger
	mu          sync.Mutex
	closed      bool
}

// Cleanup stops the server first, then the redis connection
func (r *Resources) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	r.log.Info("Starting graceful shutdown...")

	if r.server != nil {
		if err := r.server.Shutdown(ctx); err != nil {
			r.log.WithError(err).Error("Failed to shutdown HTTP server")
			errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
		}
	}

	if r.redisClient != nil {
		if err := r.redisClient.Close(); err != nil {
			r.log.WithError(err).Error("Failed to close Redis connection")
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}

	if r.embedded != nil {
		r.embedded.Close()
	}

	if len(errs) > 0 {
		return stderrors.Join(errs...)
	}
	r.log.Info("Graceful shutdown completed successfully")
	return nil
}

func main() {
	cfg, err := config.LoadDevProvider()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	res := &Resources{log: log}

	redisURL := cfg.RedisURL
	if redisURL == "" {
		embedded, err := miniredis.Run()
		if err != nil {
			log.WithError(err).Fatal("Failed to start embedded redis")
		}
		res.embedded = embedded
		redisURL = "redis://" + embedded.Addr()
		log.Info("REDIS_URL not set, using embedded redis")
	}

	redisClient, err := redis.NewClient(redisURL, cfg.Environment, redis.DefaultNamespace, log.Named("redis").Logger)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to Redis")
	}
	res.redisClient = redisClient

	cors := middleware.DefaultCORSConfig()
	cors.AllowedOrigins = cfg.CORSOrigins

	server := devprovider.New(devprovider.Options{
		BasePath:   cfg.BasePath,
		JWTSecret:  cfg.JWTSecret,
		SessionTTL: cfg.SessionTTL,
		Codes: devprovider.CodePolicy{
			Length:      cfg.OTPLength,
			TTL:         cfg.OTPTTL,
			SendLimit:   cfg.ResendLimit,
			MaxAttempts: cfg.MaxAttempts,
		},
		CORS:        cors,
		RedisClient: redisClient,
	}, log)

	res.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithFields(map[string]interface{}{
			"port":        cfg.Port,
			"base_path":   cfg.BasePath,
			"environment": cfg.Environment,
		}).Info("Development identity provider listening")
		if err := res.server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := res.Cleanup(ctx); err != nil {
		log.WithError(err).Error("Shutdown completed with errors")
		os.Exit(1)
	}
}
