// Package main wires together the crawl orchestrator service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crawlkit/orchestrator/internal/api"
	"github.com/crawlkit/orchestrator/internal/clock/system"
	"github.com/crawlkit/orchestrator/internal/config"
	"github.com/crawlkit/orchestrator/internal/crawl"
	"github.com/crawlkit/orchestrator/internal/dispatcher"
	"github.com/crawlkit/orchestrator/internal/id/uuid"
	"github.com/crawlkit/orchestrator/internal/logging"
	"github.com/crawlkit/orchestrator/internal/metrics"
	collyprovider "github.com/crawlkit/orchestrator/internal/provider/colly"
	remoteprovider "github.com/crawlkit/orchestrator/internal/provider/remote"
	kafkapublisher "github.com/crawlkit/orchestrator/internal/publisher/kafka"
	memorypublisher "github.com/crawlkit/orchestrator/internal/publisher/memory"
	pubsubpublisher "github.com/crawlkit/orchestrator/internal/publisher/pubsub"
	queuememory "github.com/crawlkit/orchestrator/internal/queue/memory"
	"github.com/crawlkit/orchestrator/internal/ratelimit"
	redisratelimit "github.com/crawlkit/orchestrator/internal/ratelimit/redis"
	"github.com/crawlkit/orchestrator/internal/scheduler"
	"github.com/crawlkit/orchestrator/internal/storage/gcs"
	"github.com/crawlkit/orchestrator/internal/storage/local"
	"github.com/crawlkit/orchestrator/internal/storage/memory"
	"github.com/crawlkit/orchestrator/internal/storage/postgres"
	"github.com/crawlkit/orchestrator/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobStore, closeStore, err := buildJobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("job store init failed", zap.Error(err))
	}
	defer closeStore()

	blobStore, err := buildBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	limiter, err := buildLimiter(cfg)
	if err != nil {
		logger.Fatal("rate limiter init failed", zap.Error(err))
	}

	client, err := buildClient(cfg, logger)
	if err != nil {
		logger.Fatal("provider client init failed", zap.Error(err))
	}

	publisher, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer closePublisher()

	queue := queuememory.NewQueue()
	clock := system.New()
	ids := uuid.NewUUIDGenerator()
	retry := crawl.NewRetryPolicyWith(
		time.Duration(cfg.Retry.BaseDelayMs)*time.Millisecond,
		time.Duration(cfg.Retry.MaxDelaySeconds)*time.Second,
		time.Duration(cfg.Retry.RateLimitedDelaySecs)*time.Second,
		time.Duration(cfg.Retry.QuotaBaseDelaySecs)*time.Second,
	)

	dispatch := dispatcher.New(publisher, queue, dispatcher.Config{
		Topic:          cfg.Publisher.Topic,
		PublishRetries: cfg.Publisher.Retries,
		PublishBackoff: time.Duration(cfg.Publisher.BackoffMs) * time.Millisecond,
		PublishTimeout: time.Duration(cfg.Publisher.TimeoutSeconds) * time.Second,
	}, logger.Named("dispatcher"))

	pool := worker.New(
		jobStore, client, blobStore, limiter, retry, clock,
		dispatch.OnTerminal,
		worker.Config{
			Size:              cfg.Worker.Concurrency,
			CallTimeout:       cfg.CallTimeout(),
			Account:           cfg.Provider.Account,
			InlineResultLimit: cfg.Worker.InlineResultBytes,
			BlobPrefix:        cfg.Storage.Prefix,
		},
		logger.Named("worker"),
	)

	sched := scheduler.New(
		jobStore, queue, limiter, pool, clock, ids,
		dispatch.OnTerminal,
		scheduler.Config{
			TickInterval:       cfg.TickInterval(),
			ClaimBatch:         cfg.Scheduler.ClaimBatch,
			Account:            cfg.Provider.Account,
			DefaultMaxAttempts: cfg.Scheduler.DefaultMaxAttempts,
			StorageBackoff:     time.Duration(cfg.Scheduler.StorageBackoffMs) * time.Millisecond,
		},
		logger.Named("scheduler"),
	)
	if err := sched.Restore(ctx); err != nil {
		logger.Fatal("state restore failed", zap.Error(err))
	}

	apiServer := api.NewServer(sched, jobStore, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("worker pool started", zap.Int("size", cfg.Worker.Concurrency))
		pool.Run(ctx)
	}()
	go func() {
		logger.Info("scheduler started")
		sched.Run(ctx)
	}()
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	dispatch.Wait()
}

func buildJobStore(ctx context.Context, cfg config.Config) (crawl.JobStore, func(), error) {
	if cfg.DB.DSN == "" {
		return memory.NewJobStore(), func() {}, nil
	}
	store, err := postgres.NewJobStore(ctx, postgres.JobStoreConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxOpenConns),
	})
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (crawl.BlobStore, error) {
	switch {
	case cfg.Storage.GCSBucket != "":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	case cfg.Storage.LocalDir != "":
		return local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
	default:
		return memory.NewBlobStore(), nil
	}
}

func buildLimiter(cfg config.Config) (crawl.Acquirer, error) {
	if cfg.RateLimit.Shared {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return redisratelimit.New(client, redisratelimit.Config{
			MaxPerMinute: int(cfg.RateLimit.RequestsPerSecond * 60),
			MaxInFlight:  cfg.RateLimit.MaxInFlight,
		}), nil
	}
	return ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		MaxInFlight:       cfg.RateLimit.MaxInFlight,
	}), nil
}

func buildClient(cfg config.Config, logger *zap.Logger) (crawl.Client, error) {
	switch cfg.Provider.Kind {
	case "remote":
		return remoteprovider.New(&http.Client{}, remoteprovider.Config{
			BaseURL:      cfg.Provider.BaseURL,
			APIKey:       cfg.Provider.APIKey,
			PollInterval: time.Duration(cfg.Provider.PollIntervalMs) * time.Millisecond,
			UserAgent:    cfg.Provider.UserAgent,
		}, logger.Named("provider"))
	default:
		return collyprovider.New(collyprovider.Config{
			UserAgent:      cfg.Provider.UserAgent,
			RequestTimeout: cfg.CallTimeout(),
		}, logger.Named("provider"))
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (crawl.Publisher, func(), error) {
	switch cfg.Publisher.Kind {
	case "pubsub":
		client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, nil, err
		}
		topic := client.Topic(cfg.Publisher.Topic)
		return pubsubpublisher.New(topic), func() {
			topic.Stop()
			_ = client.Close()
		}, nil
	case "kafka":
		pub := kafkapublisher.New(cfg.Kafka.Brokers, cfg.Publisher.Topic)
		return pub, func() { _ = pub.Close() }, nil
	default:
		return memorypublisher.New(), func() {}, nil
	}
}
