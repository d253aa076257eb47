// Package main is the entry point for the FraudSentry daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fraudsentry/internal/config"
	"fraudsentry/internal/engine"
	"fraudsentry/internal/ingest"
	"fraudsentry/internal/intake"
	"fraudsentry/internal/kafka"
	"fraudsentry/internal/storage"
	"fraudsentry/internal/storage/s3"
)

func main() {
	// Bootstrap logger so config loading errors are structured too.
	// Reconfigured from cfg.Logging once the config is loaded.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"queue_size", cfg.Queue.Size,
		"dedup_backend", cfg.Dedup.Backend,
		"storage_enabled", cfg.Storage.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
	)

	dedup, err := buildDedup(cfg)
	if err != nil {
		slog.Error("failed to initialize dedup store", "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(engineConfig(cfg), dedup)
	if err != nil {
		slog.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional ClickHouse sink consuming flushed batches.
	var chClient *storage.ClickHouseClient
	var sink *storage.EventSink

	if cfg.Storage.Enabled {
		slog.Info("initializing ClickHouse storage",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)

		chClient, err = storage.NewClickHouseClient(cfg.Storage.ClickHouse)
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}

		if err := chClient.EnsureSchema(ctx); err != nil {
			slog.Error("failed to ensure ClickHouse schema", "error", err)
			os.Exit(1)
		}

		sink = storage.NewEventSink(chClient)
		eng.RegisterBatchProcessor(sink)
	}

	// Optional S3 archival of rotated audit files and aged replay files.
	var archiver *s3.Archiver

	if cfg.Archive.Enabled {
		s3Client, err := s3.NewClient(ctx, cfg.Archive.S3)
		if err != nil {
			slog.Error("failed to initialize S3 client", "error", err)
			os.Exit(1)
		}

		archiver = s3.NewArchiver(s3Client, engineReplays{eng}, cfg.Archive.Archiver)
		eng.OnAuditRotate(func(path string) {
			if err := archiver.ArchiveAuditFile(ctx, path); err != nil {
				slog.Error("audit archive failed", "path", path, "error", err)
			}
		})
	}

	// Optional Kafka bridge: publish detections out, consume events in.
	var producer *kafka.Producer
	var consumer *kafka.Consumer

	if cfg.Kafka.Enabled {
		producer, err = kafka.NewProducer(cfg.Kafka, slog.Default())
		if err != nil {
			slog.Error("failed to create kafka producer", "error", err)
			os.Exit(1)
		}
		eng.SetPublisher(producer)

		consumer, err = kafka.NewConsumer(cfg.Kafka, eng.SubmitEvent, slog.Default())
		if err != nil {
			slog.Error("failed to create kafka consumer", "error", err)
			os.Exit(1)
		}
	}

	if err := eng.Start(ctx); err != nil {
		slog.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if archiver != nil {
		archiver.Start(ctx)
	}
	if consumer != nil {
		if err := consumer.Start(); err != nil {
			slog.Error("failed to start kafka consumer", "error", err)
			os.Exit(1)
		}
	}

	// HTTP intake surface.
	handlerCfg := cfg.HTTP
	handlerCfg.QueueCapacity = cfg.Queue.Size
	handler := ingest.NewHandler(eng, handlerCfg)

	limiter := ingest.NewRateLimiter(cfg.RateLimit)
	wrapped := ingest.Chain(handler.Routes(),
		ingest.RecoveryMiddleware(),
		ingest.LoggingMiddleware(),
		ingest.RateLimitMiddleware(limiter),
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      wrapped,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting intake server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Optional TCP line and DTLS datagram surfaces.
	var tcpServer *ingest.TCPServer
	var dtlsServer *ingest.DTLSServer

	if cfg.TCP.Enabled {
		tcpServer = ingest.NewTCPServer(cfg.TCP, eng)
		if err := tcpServer.Start(ctx); err != nil {
			slog.Error("failed to start tcp server", "error", err)
			os.Exit(1)
		}
	}

	if cfg.DTLS.Enabled {
		dtlsServer, err = ingest.NewDTLSServer(cfg.DTLS, eng, slog.Default())
		if err != nil {
			slog.Error("failed to create dtls server", "error", err)
			os.Exit(1)
		}
		if err := dtlsServer.Start(ctx); err != nil {
			slog.Error("failed to start dtls server", "error", err)
			os.Exit(1)
		}
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop intake surfaces first so nothing new enters the queue.
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	limiter.Stop()

	if tcpServer != nil {
		tcpServer.Stop()
	}
	if dtlsServer != nil {
		dtlsServer.Stop()
	}
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			slog.Error("kafka consumer stop error", "error", err)
		}
	}

	cancel()

	if archiver != nil {
		archiver.Stop()
	}

	// Engine drain flushes batches through the sink, so it stops before
	// the sink's client closes.
	if err := eng.Stop(); err != nil {
		slog.Error("engine stop error", "error", err)
	}

	if producer != nil {
		if err := producer.Close(); err != nil {
			slog.Error("kafka producer close error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}

	snap := eng.GetMetrics()
	slog.Info("shutdown complete",
		"events_processed", snap.EventsProcessed,
		"events_per_second", snap.EventsPerSecond,
		"error_rate", snap.ErrorRate,
	)

	if sink != nil {
		sm := sink.Metrics()
		slog.Info("storage metrics",
			"events_inserted", sm.Inserted,
			"events_failed", sm.Failed,
		)
	}
}

// setupLogging reconfigures the default logger from config.
func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// buildDedup selects the dedup backend from config.
func buildDedup(cfg *config.Config) (intake.DedupStore, error) {
	if cfg.Dedup.Backend == "redis" {
		slog.Info("using redis dedup store", "addr", cfg.Dedup.Redis.Addr)
		redisCfg := cfg.Dedup.Redis
		if cfg.Dedup.TTL > 0 {
			redisCfg.TTL = cfg.Dedup.TTL
		}
		return intake.NewRedisDedup(redisCfg)
	}
	return intake.NewMemoryDedup(cfg.Dedup.TTL), nil
}

// engineConfig maps the application config onto the engine's component
// configuration.
func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig()
	ec.QueueSize = cfg.Queue.Size
	ec.Validator.MaxAge = cfg.Validation.MaxEventAge
	ec.Validator.MaxFuture = cfg.Validation.MaxFuture
	ec.Rules.HistorySize = cfg.Rules.HistorySize
	ec.Correlation.Window = cfg.Correlation.Window
	ec.Correlation.MaxWindowSize = cfg.Correlation.MaxWindowSize
	ec.Correlation.DetectInterval = cfg.Correlation.DetectInterval
	ec.Workers = cfg.Workers
	ec.AutoScaler = cfg.AutoScaler
	ec.Batch = cfg.Batch
	ec.Audit = cfg.Audit
	ec.Replay = cfg.Replay
	ec.Checkpoint = cfg.Checkpoint
	return ec
}

// engineReplays adapts the engine's replay file surface to the archiver.
type engineReplays struct {
	eng *engine.Engine
}

func (r engineReplays) Files(olderThan time.Time) ([]string, error) {
	return r.eng.ReplayFiles(olderThan)
}

func (r engineReplays) Remove(path string) error {
	return r.eng.RemoveReplayFile(path)
}
