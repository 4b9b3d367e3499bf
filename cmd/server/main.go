package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"

	analyticssinks "github.com/JeanGrijp/global-ratelimit/internal/adapters/analytics"
	"github.com/JeanGrijp/global-ratelimit/internal/adapters/http/actorclient"
	"github.com/JeanGrijp/global-ratelimit/internal/adapters/http/ginmiddleware"
	httpHandlers "github.com/JeanGrijp/global-ratelimit/internal/adapters/http/handlers"
	httpMiddleware "github.com/JeanGrijp/global-ratelimit/internal/adapters/http/middleware"
	"github.com/JeanGrijp/global-ratelimit/internal/adapters/storage/memory"
	redisstorage "github.com/JeanGrijp/global-ratelimit/internal/adapters/storage/redis"
	"github.com/JeanGrijp/global-ratelimit/internal/config"
	"github.com/JeanGrijp/global-ratelimit/internal/core/actor"
	"github.com/JeanGrijp/global-ratelimit/internal/core/analytics"
	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
	"github.com/JeanGrijp/global-ratelimit/internal/core/retry"
	"github.com/JeanGrijp/global-ratelimit/internal/core/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := log.Default()

	var redisClient *goredis.Client
	if cfg.UsesRedis() {
		redisClient, err = redisstorage.New(redisstorage.Config{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			log.Fatalf("failed to init redis: %v", err)
		}
	}

	// todo nó hospeda atores locais, mesmo quando decide via outro backend
	registry := actor.NewRegistry(actor.WithLogger(logger))

	counter, err := initCounter(cfg.Counter, registry, redisClient)
	if err != nil {
		log.Fatalf("failed to init counter: %v", err)
	}

	store, err := initOverrideStore(cfg.Storage, redisClient)
	if err != nil {
		log.Fatalf("failed to init override store: %v", err)
	}
	resolver := services.NewOverrideResolver(store, cfg.Storage.OverrideCacheTTL)

	emitter, err := initEmitter(cfg.Analytics, redisClient, logger)
	if err != nil {
		log.Fatalf("failed to init analytics: %v", err)
	}
	var eventEmitter ports.EventEmitter
	if emitter != nil {
		eventEmitter = emitter
	}

	limiter, err := services.NewRateLimiterService(counter, resolver, eventEmitter, services.Config{
		Namespaces: cfg.RateLimiter.Namespaces,
		Region:     cfg.Server.Region,
		Retry: retry.Policy{
			Attempts:  cfg.RateLimiter.Retry.Attempts,
			BaseDelay: cfg.RateLimiter.Retry.BaseDelay,
			MaxDelay:  cfg.RateLimiter.Retry.MaxDelay,
			Timeout:   cfg.Counter.ActorTimeout,
		},
		FailureMode: cfg.RateLimiter.FailureMode,
	}, services.WithLogger(logger))
	if err != nil {
		log.Fatalf("failed to create limiter: %v", err)
	}

	overrides, err := services.NewOverrideService(store, resolver, cfg.RateLimiter.Namespaces)
	if err != nil {
		log.Fatalf("failed to create override service: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter.StartJanitor(ctx, cfg.RateLimiter.AsyncCacheTTL)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           newRouter(limiter, overrides, registry, cfg.RateLimiter.ManagementNamespace),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Printf("listening on %s (region=%s counter=%s overrides=%s analytics=%s)",
			srv.Addr, cfg.Server.Region, cfg.Counter.Backend, cfg.Storage.OverrideStore, cfg.Analytics.Sink)
		err := srv.ListenAndServe()
		if err != nil {
			errCh <- err
		}
	}()

	var gatewaySrv *http.Server
	if cfg.Gateway.Enabled() {
		gin.SetMode(gin.ReleaseMode)
		gatewaySrv = &http.Server{
			Addr: fmt.Sprintf(":%s", cfg.Gateway.Port),
			Handler: ginmiddleware.NewGateway(limiter, cfg.Gateway.Upstream, ginmiddleware.Options{
				Namespace: cfg.Gateway.Namespace,
				KeyHeader: cfg.Gateway.KeyHeader,
				Logger:    logger,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("gateway listening on %s (upstream=%s namespace=%s)", gatewaySrv.Addr, cfg.Gateway.Upstream, cfg.Gateway.Namespace)
			if err := gatewaySrv.ListenAndServe(); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Println("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if gatewaySrv != nil {
		if err := gatewaySrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("gateway shutdown failed: %v", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	limiter.Close()
	if emitter != nil {
		if err := emitter.Close(shutdownCtx); err != nil {
			log.Printf("analytics drain failed: %v", err)
		}
	}
	registry.Close()
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Printf("failed to close redis client: %v", err)
		}
	}
}

func newRouter(limiter *services.RateLimiterService, overrides *services.OverrideService, registry *actor.Registry, managementNamespace string) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", httpHandlers.HealthHandler)
	r.Post("/v1/ratelimits.limit", httpHandlers.NewRateLimitHandler(limiter).Limit)

	r.Group(func(r chi.Router) {
		r.Use(httpMiddleware.NewRateLimiterMiddleware(limiter, managementNamespace))
		oh := httpHandlers.NewOverrideHandler(overrides)
		r.Post("/v1/ratelimits.setOverride", oh.Set)
		r.Get("/v1/ratelimits.getOverride", oh.Get)
		r.Post("/v1/ratelimits.deleteOverride", oh.Delete)
		r.Get("/v1/ratelimits.listOverrides", oh.List)
	})

	r.Post(httpHandlers.ActorIncrementPath, httpHandlers.NewActorHandler(registry).Increment)
	return r
}

func initCounter(cfg config.CounterConfig, registry *actor.Registry, client *goredis.Client) (ports.WindowCounter, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return registry, nil
	case config.BackendRedis:
		return redisstorage.NewCounter(client)
	case config.BackendRemote:
		return actorclient.New(cfg.ActorURL, cfg.ActorTimeout, nil)
	default:
		return nil, fmt.Errorf("unsupported counter backend: %s", cfg.Backend)
	}
}

func initOverrideStore(cfg config.StorageConfig, client *goredis.Client) (ports.OverrideStore, error) {
	switch cfg.OverrideStore {
	case config.BackendMemory:
		return memory.NewOverrideStore(), nil
	case config.BackendRedis:
		return redisstorage.NewOverrideStore(client)
	default:
		return nil, fmt.Errorf("unsupported override store: %s", cfg.OverrideStore)
	}
}

func initEmitter(cfg config.AnalyticsConfig, client *goredis.Client, logger *log.Logger) (*analytics.Emitter, error) {
	var (
		sink ports.EventSink
		err  error
	)
	switch cfg.Sink {
	case config.SinkNone:
		return nil, nil
	case config.SinkLog:
		sink = analyticssinks.NewLogSink(logger)
	case config.SinkRedis:
		sink, err = redisstorage.NewEventSink(client, cfg.Stream)
	case config.SinkHTTP:
		sink, err = analyticssinks.NewHTTPSink(cfg.URL, nil)
	default:
		return nil, fmt.Errorf("unsupported analytics sink: %s", cfg.Sink)
	}
	if err != nil {
		return nil, err
	}
	return analytics.NewEmitter(sink, analytics.Options{
		QueueSize: cfg.QueueSize,
		Workers:   cfg.Workers,
		Rate:      cfg.Rate,
		Retry:     retry.Policy{Attempts: cfg.RetryAttempts},
		Logger:    logger,
	})
}
