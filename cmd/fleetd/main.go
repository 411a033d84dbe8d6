package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"fleetpush/internal/api"
	"fleetpush/internal/circuitbreaker"
	"fleetpush/internal/config"
	"fleetpush/internal/db"
	"fleetpush/internal/fleet"
	"fleetpush/internal/metrics"
	"fleetpush/internal/observ"
	"fleetpush/internal/orchestrator"
	"fleetpush/internal/push"
	"fleetpush/internal/redis"
	"fleetpush/internal/retry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer observ.Flush(logger)

	logger.Info("starting fleetpush dispatcher",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Int("workers", cfg.Workers),
		zap.Strings("platforms", cfg.Platforms),
	)

	// Initialize database connection
	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs collapse-key dedup. A redis outage degrades to no
	// dedup rather than blocking startup.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, collapse-key dedup disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer redisClient.Close()
	}

	// Provider registry with circuit breaking and send metrics on every
	// provider. Metrics wrap the breaker so fast-fail rejections are
	// counted too.
	registry := push.NewRegistry(logger, push.WithDecorator(func(p push.Provider) push.Provider {
		breaker := circuitbreaker.New(circuitbreaker.Config{
			Name:                p.Platform(),
			MaxFailures:         5,
			RecoveryTimeout:     30 * time.Second,
			HalfOpenMaxRequests: 1,
		}, logger)
		return &meteredProvider{circuitbreaker.NewProtectedProvider(p, breaker, logger)}
	}))

	registerProviders(registry, cfg)
	registry.Probe()

	logger.Info("push providers registered",
		zap.Strings("available", registry.Available()),
	)

	// Orchestrator options
	opts := []orchestrator.Option{
		orchestrator.WithObserver(func(job *fleet.Job, from, to fleet.JobStatus) {
			if !to.Terminal() {
				return
			}
			metrics.RecordJobCompleted(string(to), time.Since(job.CreatedAt))
		}),
	}
	if redisClient != nil {
		opts = append(opts, orchestrator.WithDeduper(&meteredDeduper{redis.NewDeduper(redisClient, logger)}))
	}

	sendPolicy := retry.DefaultPolicy()
	if cfg.RetryMaxAttempts > 1 {
		sendPolicy = retry.Policy{
			MaxAttempts:    cfg.RetryMaxAttempts,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			JitterFactor:   0.2,
		}
	}

	orch := orchestrator.New(repo, &meteredSource{registry}, orchestrator.Config{
		Workers:           cfg.Workers,
		QueueSize:         cfg.QueueSize,
		DeviceConcurrency: cfg.DeviceConcurrency,
		SendPolicy:        sendPolicy,
		DefaultFallback:   cfg.DefaultFallback,
	}, logger, opts...)

	orch.Start(ctx)
	defer registry.CleanupAll()

	// Jobs that were accepted but never dispatched before the last
	// shutdown go back on the queue.
	requeuePending(ctx, repo, orch, cfg.QueueSize, logger)

	// Track queue depth
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			stats := orch.Stats()
			if !stats.Running {
				return
			}
			metrics.SetQueueDepth(stats.QueueDepth)
			metrics.SetDBConnections(int(database.Pool().Stat().TotalConns()))
			if redisClient != nil {
				metrics.SetRedisConnections(int(redisClient.PoolStats().TotalConns))
			}
		}
	}()

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, repo, orch, registry)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", handler.CreateJob)
		r.Get("/jobs", handler.ListJobs)
		r.Get("/jobs/{id}", handler.GetJob)
		r.Get("/status", handler.Status)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := database.Health(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if redisClient != nil {
			if err := redisClient.Ping(ctx); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop accepting requests, then let in-flight jobs finish.
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			srv.Close()
			logger.Warn("http shutdown forced", zap.Error(err))
		}

		drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer drainCancel()
		if err := orch.Stop(drainCtx); err != nil {
			return fmt.Errorf("dispatcher drain failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// registerProviders installs a factory per configured platform. A
// platform whose credentials are missing fails at probe time, not at
// startup.
func registerProviders(registry *push.Registry, cfg *config.Config) {
	for _, platform := range cfg.Platforms {
		switch platform {
		case push.PlatformAPNS:
			registry.Register(push.PlatformAPNS, func(logger *zap.Logger) (push.Provider, error) {
				return push.NewAPNSProvider(push.APNSConfig{
					KeyFile: cfg.APNSKeyFile,
					KeyID:   cfg.APNSKeyID,
					TeamID:  cfg.APNSTeamID,
					Topic:   cfg.APNSTopic,
					Sandbox: cfg.APNSSandbox,
				}, logger)
			})
		case push.PlatformFCM:
			registry.Register(push.PlatformFCM, func(logger *zap.Logger) (push.Provider, error) {
				return push.NewFCMProvider(push.FCMConfig{
					CredentialsFile: cfg.FCMCredentialsFile,
					ProjectID:       cfg.FCMProjectID,
				}, logger)
			})
		case push.PlatformWNS:
			registry.Register(push.PlatformWNS, func(logger *zap.Logger) (push.Provider, error) {
				return push.NewWNSProvider(push.WNSConfig{
					ClientID:     cfg.WNSPackageSID,
					ClientSecret: cfg.WNSClientSecret,
				}, logger)
			})
		case push.PlatformWebPush:
			registry.Register(push.PlatformWebPush, func(logger *zap.Logger) (push.Provider, error) {
				return push.NewWebPushProvider(push.WebPushConfig{
					VAPIDPublicKey:  cfg.VAPIDPublicKey,
					VAPIDPrivateKey: cfg.VAPIDPrivateKey,
					Subscriber:      cfg.VAPIDSubscriber,
				}, logger)
			})
		case push.PlatformMQTT:
			registry.Register(push.PlatformMQTT, func(logger *zap.Logger) (push.Provider, error) {
				return push.NewMQTTProvider(push.MQTTConfig{
					BrokerURL: cfg.MQTTBrokerURL,
					ClientID:  cfg.MQTTClientID,
					Username:  cfg.MQTTUsername,
					Password:  cfg.MQTTPassword,
					QoS:       byte(cfg.MQTTQoS),
					Retain:    cfg.MQTTRetain,
				}, logger)
			})
		case push.PlatformSimulation:
			registry.Register(push.PlatformSimulation, func(logger *zap.Logger) (push.Provider, error) {
				return push.NewSimProvider(push.SimConfig{
					SuccessRate: cfg.SimSuccessRate,
				}, logger), nil
			})
		}
	}
}

// meteredProvider records per-send outcome counters and latency around
// the wrapped provider.
type meteredProvider struct {
	push.Provider
}

func sendOutcome(r push.Result) string {
	if r.Success {
		return "ok"
	}
	if r.ErrorCode == "" {
		return push.CodeUnknown
	}
	return r.ErrorCode
}

func (m *meteredProvider) Send(ctx context.Context, token string, payload *push.Payload) push.Result {
	start := time.Now()
	result := m.Provider.Send(ctx, token, payload)
	metrics.RecordSend(m.Platform(), sendOutcome(result), time.Since(start))
	return result
}

func (m *meteredProvider) SendBulk(ctx context.Context, targets []push.Target) []push.Result {
	start := time.Now()
	results := m.Provider.SendBulk(ctx, targets)
	elapsed := time.Since(start)
	for _, r := range results {
		metrics.RecordSend(m.Platform(), sendOutcome(r), elapsed)
	}
	return results
}

func (m *meteredProvider) SendTopic(ctx context.Context, topic string, payload *push.Payload) push.Result {
	start := time.Now()
	result := m.Provider.SendTopic(ctx, topic, payload)
	metrics.RecordSend(m.Platform(), sendOutcome(result), time.Since(start))
	return result
}

// meteredSource counts sends that were routed past a device's primary
// platform.
type meteredSource struct {
	registry *push.Registry
}

func (s *meteredSource) GetFallback(ctx context.Context, platforms []string) push.Provider {
	p := s.registry.GetFallback(ctx, platforms)
	if p != nil && len(platforms) > 0 && p.Platform() != platforms[0] {
		metrics.RecordProviderFallback(platforms[0])
	}
	return p
}

// meteredDeduper counts collapse-key suppressions.
type meteredDeduper struct {
	*redis.Deduper
}

func (d *meteredDeduper) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.Deduper.Reserve(ctx, key, ttl)
	if err == nil && !ok {
		metrics.RecordDedupSuppression()
	}
	return ok, err
}

func requeuePending(ctx context.Context, repo *db.Repository, orch *orchestrator.Orchestrator, limit int, logger *zap.Logger) {
	jobs, err := repo.FindPendingJobs(ctx, limit)
	if err != nil {
		logger.Warn("pending job recovery failed", zap.Error(err))
		return
	}
	requeued := 0
	for _, job := range jobs {
		if err := orch.Enqueue(job); err != nil {
			logger.Warn("could not requeue pending job",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			break
		}
		requeued++
	}
	if requeued > 0 {
		logger.Info("requeued pending jobs from previous run", zap.Int("count", requeued))
	}
}
