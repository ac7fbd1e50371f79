// cmd/access-sync/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"access-sync/internal/access/alert"
	"access-sync/internal/access/audit"
	"access-sync/internal/access/provider"
	"access-sync/internal/access/queue"
	"access-sync/internal/access/store"
	"access-sync/internal/access/worker"
	"access-sync/internal/common/aws"
	"access-sync/internal/common/config"
	"access-sync/internal/common/database"
	"access-sync/internal/common/logger"
	"access-sync/internal/common/metrics"
	"access-sync/internal/common/observability"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Config errors happen before the logger exists.
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("starting access-sync",
		zap.String("environment", cfg.App.Environment),
		zap.String("version", cfg.App.Version),
	)

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init Redis broker with retry ---
	var broker *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		broker, err = database.NewRedis(cfg.Broker)
		if err != nil {
			return err
		}
		return broker.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis broker connection")
	if err != nil {
		zapLog.Fatal("redis broker failed after retries", zap.Error(err))
	}
	zapLog.Info("Redis broker connected")

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected")

	// --- Init Elasticsearch audit sink (optional) ---
	var auditSink *audit.Sink
	if cfg.Audit.Enabled {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping()
		}, 10, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			// Audit is best-effort; the engine runs without it.
			zapLog.Warn("elasticsearch unavailable, audit disabled", zap.Error(err))
		} else {
			auditSink = audit.NewSink(esClient, cfg.Audit.Index, log)
			zapLog.Info("Elasticsearch audit sink connected")
		}
	}
	if auditSink == nil {
		auditSink = audit.NewSink(nil, cfg.Audit.Index, log)
	}

	// --- Init SNS dead-letter alerts (optional) ---
	var notifier *alert.Notifier
	if cfg.Alerts.Enabled {
		snsClient, err := aws.NewSNSClient(ctx, cfg.Alerts.Region)
		if err != nil {
			zapLog.Warn("sns unavailable, dead-letter alerts disabled", zap.Error(err))
		} else {
			notifier = alert.NewNotifier(snsClient, cfg.Alerts.TopicARN, log)
		}
	}
	if notifier == nil {
		notifier = alert.NewNotifier(nil, cfg.Alerts.TopicARN, log)
	}

	// --- Wire the engine ---
	recorder := metrics.NewRecorder(log)

	queueClient, err := queue.NewClient(broker.Client, queue.Policy{
		MaxAttempts:   cfg.Queues.MaxAttempts,
		BackoffBaseMs: int64(cfg.Queues.BackoffBaseMs),
		LeaseMs:       int64(cfg.Queues.LeaseMs),
	}, recorder, log)
	if err != nil {
		zapLog.Fatal("queue client init failed", zap.Error(err))
	}

	accessStore := store.New(pg.DB, log)

	channelProvider := provider.NewHTTPProvider(
		cfg.Provider.BaseURL,
		cfg.Provider.Token,
		time.Duration(cfg.Provider.TimeoutMs)*time.Millisecond,
	)

	workerCfg := worker.Config{
		Concurrency:   cfg.Queues.Concurrency,
		PollInterval:  time.Duration(cfg.Queues.PollIntervalMs) * time.Millisecond,
		JobTimeout:    time.Duration(cfg.Queues.JobTimeoutMs) * time.Millisecond,
		GaugeInterval: time.Duration(cfg.Queues.GaugeIntervalMs) * time.Millisecond,
	}

	workers := []*worker.Worker{
		worker.New(queue.QueueGrant, workerCfg, queueClient, accessStore, channelProvider, recorder, obs, auditSink, notifier, log),
		worker.New(queue.QueueRevoke, workerCfg, queueClient, accessStore, channelProvider, recorder, obs, auditSink, notifier, log),
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Run(runCtx)
		}(w)
	}

	// --- Health & Metrics Server ---
	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
		})
		http.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
		})
		http.Handle("/metrics", promhttp.Handler())
		zapLog.Info("health/metrics server listening", zap.String("addr", cfg.Server.Addr))
		if err := http.ListenAndServe(cfg.Server.Addr, nil); err != nil {
			zapLog.Error("health/metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("shutdown signal received, stopping workers...")
	cancel()
	wg.Wait()

	// Close failures must be observable, but shutdown proceeds regardless.
	if err := queueClient.Close(); err != nil {
		zapLog.Error("error closing queue client", zap.Error(err))
	}

	zapLog.Info("access-sync stopped")
}
