package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/k1networth/outputfeed/internal/live"
	"github.com/k1networth/outputfeed/internal/output"
	"github.com/k1networth/outputfeed/internal/shared/config"
	"github.com/k1networth/outputfeed/internal/shared/httpx"
	"github.com/k1networth/outputfeed/internal/shared/kafkax"
	"github.com/k1networth/outputfeed/internal/shared/logger"
	"github.com/k1networth/outputfeed/internal/snapshot"
	"github.com/k1networth/outputfeed/internal/stream"
)

const appName = "outputfeed-service"

func main() {
	cfg := config.Load()
	log := logger.New(appName, cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	outputMetrics := output.NewMetrics(reg)

	backend, err := snapshot.OpenOrMemory(ctx, cfg.Persist, log)
	if err != nil {
		log.Error("snapshot_config_invalid", slog.String("err", err.Error()))
		os.Exit(1)
	}

	storeOpts := []output.StoreOption{
		output.WithStoreLogger(log),
		output.WithStoreMetrics(outputMetrics),
	}
	if backend != nil {
		storeOpts = append(storeOpts, output.WithPersister(backend, cfg.Persist.Timeout))
	}
	store := output.NewStore(cfg.WindowSize, storeOpts...)

	var ready atomic.Bool
	if err := store.Restore(ctx); err != nil {
		// Start empty rather than refuse traffic.
		log.Error("window_restore_failed", slog.String("err", err.Error()))
	}

	hub := live.NewHub(live.Config{
		HeartbeatInterval: cfg.Live.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Live.HeartbeatTimeout,
		WriteTimeout:      cfg.Live.WriteTimeout,
		SendQueue:         cfg.Live.SendQueue,
	}, log, live.NewMetrics(reg))

	ingestOpts := []output.IngesterOption{output.WithIngestMetrics(outputMetrics)}

	var producer *kafkax.Producer
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.MirrorTopic != "" {
		producer = kafkax.NewProducer(kafkax.ProducerConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.MirrorTopic,
			ClientID: appName,
		})
		ingestOpts = append(ingestOpts, output.WithMirror(stream.NewMirror(producer, 5*time.Second)))
		log.Info("mirror_enabled", slog.String("topic", cfg.Kafka.MirrorTopic))
	}
	ingester := output.NewIngester(store, hub, log, ingestOpts...)

	var (
		consumer *kafkax.Consumer
		sourceWG sync.WaitGroup
	)
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.IngestTopic != "" {
		consumer = kafkax.NewConsumer(kafkax.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.IngestTopic,
			GroupID: cfg.Kafka.GroupID,
		})
		src := stream.NewSource(consumer, ingester, log.With(slog.String("topic", cfg.Kafka.IngestTopic)), reg)
		sourceWG.Add(1)
		go func() {
			defer sourceWG.Done()
			src.Run(ctx)
		}()
	}

	var limiter *httpx.RateLimiter
	if cfg.WebhookRateRPS > 0 {
		limiter = httpx.NewRateLimiter(cfg.WebhookRateRPS, cfg.WebhookRateBurst)
		defer limiter.Close()
	}

	handler := httpx.NewRouter(log, httpx.RouterConfig{
		Outputs: &output.Handler{
			Log:          log,
			Store:        store,
			Ingester:     ingester,
			MaxBodyBytes: cfg.MaxBodyBytes,
		},
		Live:     &live.Handler{Hub: hub, Log: log},
		Metrics:  httpx.NewMetrics(reg),
		Gatherer: reg,
		Limiter:  limiter,
		Ready:    ready.Load,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info("http_listen",
		slog.String("addr", srv.Addr),
		slog.Int("window_size", store.Capacity()),
		slog.Int("restored", store.Len()),
	)

	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Error("http_server_error", slog.String("err", err.Error()))
			stop()
		}
	}()
	ready.Store(true)

	// Upgraded connections are not tracked by Shutdown; the hub closes them.
	srv.RegisterOnShutdown(func() {
		ready.Store(false)
		hub.Close()
	})

	httpx.WaitAndShutdown(ctx, log, srv, cfg.ShutdownTimeout)

	sourceWG.Wait()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			log.Error("kafka_consumer_close_failed", slog.String("err", err.Error()))
		}
	}
	hub.Close()
	ingester.Wait()
	store.Close()
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Error("kafka_producer_close_failed", slog.String("err", err.Error()))
		}
	}
	if backend != nil {
		if err := backend.Close(); err != nil {
			log.Error("snapshot_close_failed", slog.String("err", err.Error()))
		}
	}
}
