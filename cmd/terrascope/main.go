package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"github.com/terrascope-io/terrascope/internal/collector"
	"github.com/terrascope-io/terrascope/internal/config"
	"github.com/terrascope-io/terrascope/internal/domain"
	"github.com/terrascope-io/terrascope/internal/es"
	"github.com/terrascope-io/terrascope/internal/health"
	logpkg "github.com/terrascope-io/terrascope/internal/logger"
	"github.com/terrascope-io/terrascope/internal/metrics"
	"github.com/terrascope-io/terrascope/internal/normalize"
	"github.com/terrascope-io/terrascope/internal/pipeline"
	"github.com/terrascope-io/terrascope/internal/query"
	"github.com/terrascope-io/terrascope/internal/queue"
	"github.com/terrascope-io/terrascope/internal/transport/rest"
	"github.com/terrascope-io/terrascope/internal/uploader"
	"github.com/terrascope-io/terrascope/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.New(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting terrascope",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Strings("es_addresses", cfg.Elasticsearch.Addresses),
		zap.String("queue_driver", cfg.Queue.Driver),
	)

	for _, warning := range cfg.PruneInvalidSources() {
		logger.Warn(warning)
	}

	ctx := context.Background()

	// Search engine client and index bootstrap
	esClient, err := es.New(es.Config{
		Addresses: cfg.Elasticsearch.Addresses,
		Username:  cfg.Elasticsearch.Username,
		Password:  cfg.Elasticsearch.Password,
		Index:     cfg.Elasticsearch.Index,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create search client", zap.Error(err))
	}
	if err := esClient.Ping(ctx); err != nil {
		logger.Fatal("Search engine not reachable", zap.Error(err))
	}
	if err := esClient.EnsureIndex(ctx); err != nil {
		logger.Fatal("Failed to ensure index", zap.Error(err))
	}
	logger.Info("Connected to search engine", zap.String("index", cfg.Elasticsearch.Index))

	ingestMetrics := metrics.NewIngest(prometheus.DefaultRegisterer)

	// Queues between pipeline stages
	rawQ, recQ, redisClient, err := buildQueues(cfg.Queue)
	if err != nil {
		logger.Fatal("Failed to create queues", zap.Error(err))
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Collectors — composition root
	collectors, err := buildCollectors(ctx, cfg.Sources, ingestMetrics, logger)
	if err != nil {
		logger.Fatal("Failed to create collectors", zap.Error(err))
	}
	if len(collectors) == 0 {
		logger.Warn("No sources enabled, pipeline will only serve queries")
	}
	composite := collector.NewComposite(logger, collectors...)

	up := uploader.New(recQ, esClient, ingestMetrics, logger,
		uploader.WithBatchSize(cfg.Uploader.BatchSize),
		uploader.WithBatchTimeout(time.Duration(cfg.Uploader.BatchTimeoutSec)*time.Second),
		uploader.WithRetry(cfg.Uploader.MaxRetries, time.Duration(cfg.Uploader.RetryBackoffSec)*time.Second),
	)

	parser := normalize.NewParser(normalize.WithMaxDepth(cfg.Normalizer.MaxDepth))
	pipe := pipeline.New(composite, rawQ, recQ, parser, cfg.Normalizer.Workers, up, ingestMetrics, logger)
	if len(collectors) > 0 {
		if err := pipe.Start(ctx); err != nil {
			logger.Fatal("Failed to start pipeline", zap.Error(err))
		}
	}

	// Query layer and HTTP API
	querySvc := query.NewService(esClient, logger)
	healthSvc := health.New(esClient, map[string]health.QueueChecker{
		"raw":     rawQ,
		"records": recQ,
	})
	mode := "query"
	sources := make([]string, 0, len(collectors))
	for _, col := range collectors {
		sources = append(sources, col.Name())
	}
	if len(collectors) > 0 {
		mode = "ingest"
	}
	server := rest.NewServer(querySvc, esClient, pipe, healthSvc, rest.Info{Mode: mode, Sources: sources}, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during HTTP shutdown", zap.Error(err))
	}
	if len(collectors) > 0 {
		if err := pipe.Stop(shutdownCtx); err != nil {
			logger.Error("Error during pipeline shutdown", zap.Error(err))
		}
	}

	logger.Info("Stopped gracefully")
}

// buildQueues creates the raw and record queues for the configured driver.
// The returned rueidis client is non-nil only for the redis driver and is
// owned by the caller.
func buildQueues(cfg config.QueueConfig) (
	queue.Queue[domain.RawDocument], queue.Queue[domain.Record], rueidis.Client, error,
) {
	switch cfg.Driver {
	case "memory":
		return queue.NewMemory[domain.RawDocument](cfg.Capacity),
			queue.NewMemory[domain.Record](cfg.Capacity), nil, nil
	case "redis":
		client, err := rueidis.NewClient(rueidis.ClientOption{
			InitAddress: cfg.Redis.Addrs,
			Password:    cfg.Redis.Password,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		rawQ := queue.NewRedis[domain.RawDocument](client, cfg.Redis.KeyPrefix+"queue:raw", cfg.Capacity)
		recQ := queue.NewRedis[domain.Record](client, cfg.Redis.KeyPrefix+"queue:records", cfg.Capacity)
		return rawQ, recQ, client, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

// buildCollectors creates a collector per enabled source.
func buildCollectors(
	ctx context.Context,
	cfg config.SourcesConfig,
	m *metrics.Ingest,
	logger *zap.Logger,
) ([]collector.Collector, error) {
	var collectors []collector.Collector

	if cfg.Filesystem.Enabled {
		collectors = append(collectors, collector.NewFilesystem(
			cfg.Filesystem.Dir,
			time.Duration(cfg.Filesystem.PollIntervalSec)*time.Second,
			m, logger,
		))
	}

	if cfg.ObjectStore.Enabled {
		s3Client, err := collector.NewS3Client(ctx, collector.ObjectStoreOptions{
			Region:          cfg.ObjectStore.Region,
			Endpoint:        cfg.ObjectStore.Endpoint,
			AccessKeyID:     cfg.ObjectStore.AccessKeyID,
			SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("objectstore source: %w", err)
		}
		collectors = append(collectors, collector.NewObjectStore(
			s3Client, cfg.ObjectStore.Buckets, cfg.ObjectStore.Prefix,
			time.Duration(cfg.ObjectStore.PollIntervalSec)*time.Second,
			m, logger,
		))
	}

	if cfg.Cluster.Enabled {
		var clusters []collector.Cluster
		for _, entry := range cfg.Cluster.Clusters {
			client, err := collector.NewClusterClient(entry.Kubeconfig, entry.Context)
			if err != nil {
				// One unreachable cluster config should not stop the rest.
				logger.Warn("cluster source skipped",
					zap.String("cluster", entry.Name),
					zap.Error(err),
				)
				continue
			}
			clusters = append(clusters, collector.Cluster{
				Name:       entry.Name,
				Namespaces: entry.Namespaces,
				Client:     client,
			})
		}
		if len(clusters) > 0 {
			collectors = append(collectors, collector.NewClusterSecrets(
				clusters,
				time.Duration(cfg.Cluster.PollIntervalSec)*time.Second,
				cfg.Cluster.LabelSelector, cfg.Cluster.NamePrefix,
				m, logger,
			))
		}
	}

	return collectors, nil
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
