// Command gridstream runs the device telemetry ingestion service.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gridstream/internal/config"
	"gridstream/internal/dlq"
	"gridstream/internal/enrich"
	"gridstream/internal/pipeline"
	"gridstream/internal/rules"
	"gridstream/internal/sink"
	sinkinflux "gridstream/internal/sink/influx"
	sinkmemory "gridstream/internal/sink/memory"
	"gridstream/internal/source"
	sourcekafka "gridstream/internal/source/kafka"
	sourcemqtt "gridstream/internal/source/mqtt"
	"gridstream/internal/validate"
)

var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "gridstream",
		Short: "Device telemetry ingestion service",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the ingestion service",
		RunE: func(cmd *cobra.Command, args []string) error {
			memSink, _ := cmd.Flags().GetBool("memory-sink")

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger := newLogger(cfg.LogLevel)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, logger, cfg, memSink)
		},
	}
	serverCmd.Flags().Bool("memory-sink", false, "persist readings in memory instead of InfluxDB (for local development)")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Probe the downstream services and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return check(cmd.Context(), newLogger(cfg.LogLevel), cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serverCmd, checkCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the base logger all components derive from.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, memSink bool) error {
	logger.Info("starting gridstream", "version", version, "broker", cfg.Broker.Type)

	// Persistence.
	var writer sink.Writer
	if memSink {
		logger.Warn("using in-memory sink, readings are not durable")
		writer = sinkmemory.New()
	} else {
		writer = sinkinflux.New(sinkinflux.Config{
			URL:     cfg.Influx.URL,
			Token:   cfg.Influx.Token,
			Org:     cfg.Influx.Org,
			Bucket:  cfg.Influx.Bucket,
			Timeout: cfg.Influx.Timeout,
			Logger:  logger,
		})
	}
	defer writer.Close()

	// Dead-letter queue.
	deadLetter, err := dlq.New(dlq.Config{
		Dir:           cfg.DLQ.Dir,
		MaxFileSize:   cfg.DLQ.MaxFileSize,
		MaxFiles:      cfg.DLQ.MaxFiles,
		SweepSchedule: cfg.DLQ.SweepSchedule,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("open dead-letter queue: %w", err)
	}
	defer deadLetter.Close()

	// Outbound collaborators.
	enricher := enrich.New(enrich.Config{
		BaseURL:       cfg.Metadata.URL,
		Timeout:       cfg.Metadata.Timeout,
		MaxRetries:    cfg.Metadata.MaxRetries,
		RetryDelay:    cfg.Metadata.RetryDelay,
		RetryMaxDelay: cfg.Metadata.RetryMaxDelay,
		Logger:        logger,
	})
	ruleClient := rules.New(rules.Config{
		BaseURL:          cfg.Rules.URL,
		Timeout:          cfg.Rules.Timeout,
		MaxRetries:       cfg.Rules.MaxRetries,
		RetryDelay:       cfg.Rules.RetryDelay,
		RetryMaxDelay:    cfg.Rules.RetryMaxDelay,
		BreakerThreshold: cfg.Rules.BreakerThreshold,
		BreakerCooldown:  cfg.Rules.BreakerCooldown,
		Logger:           logger,
	})

	pipe := pipeline.New(pipeline.Config{
		Validator:     validate.New(cfg.Validation.Ranges()),
		Enricher:      enricher,
		Sink:          writer,
		Rules:         ruleClient,
		DLQ:           deadLetter,
		QueueCapacity: cfg.Pipeline.QueueCapacity,
		ShutdownGrace: cfg.Pipeline.ShutdownGrace,
		Logger:        logger,
	})
	pipe.Start(ctx)

	src, err := buildSource(cfg, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return src.Run(gctx, pipe.Intake())
	})
	g.Go(func() error {
		reportStats(gctx, logger, pipe)
		return nil
	})

	// The source stops on signal or fatal source error; the pipeline then
	// drains what it already accepted.
	err = g.Wait()
	pipe.Stop()

	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	return nil
}

// buildSource constructs the configured broker consumer.
func buildSource(cfg *config.Config, logger *slog.Logger) (source.Source, error) {
	switch cfg.Broker.Type {
	case "mqtt":
		m := cfg.Broker.MQTT
		return sourcemqtt.New(sourcemqtt.Config{
			Host:                 m.Host,
			Port:                 m.Port,
			Username:             m.Username,
			Password:             m.Password,
			Topic:                m.Topic,
			QoS:                  m.QoS,
			KeepAlive:            m.KeepAlive,
			ReconnectMinDelay:    m.ReconnectMinDelay,
			ReconnectMaxDelay:    m.ReconnectMaxDelay,
			MaxReconnectAttempts: m.MaxReconnectAttempts,
			Logger:               logger,
		}), nil
	case "kafka":
		k := cfg.Broker.Kafka
		return sourcekafka.New(sourcekafka.Config{
			Brokers: k.Brokers,
			Topic:   k.Topic,
			Group:   k.Group,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported broker type %q", cfg.Broker.Type)
	}
}

// reportStats logs pipeline throughput periodically until ctx is cancelled.
func reportStats(ctx context.Context, logger *slog.Logger, pipe *pipeline.Pipeline) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := pipe.Stats()
			logger.Info("pipeline stats",
				"received", s.Received,
				"persisted", s.Persisted,
				"dispatched", s.Dispatched,
				"dispatch_skipped", s.DispatchSkipped,
				"dead_lettered", s.DeadLettered,
				"queue_depth", pipe.QueueDepth())
		}
	}
}

// check probes the metadata and rule services and reports their health.
func check(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	enricher := enrich.New(enrich.Config{
		BaseURL: cfg.Metadata.URL,
		Timeout: cfg.Metadata.Timeout,
		Logger:  logger,
	})
	ruleClient := rules.New(rules.Config{
		BaseURL: cfg.Rules.URL,
		Timeout: cfg.Rules.Timeout,
		Logger:  logger,
	})

	healthy := true
	for name, ok := range map[string]bool{
		"metadata": enricher.HealthCheck(ctx),
		"rules":    ruleClient.HealthCheck(ctx),
	} {
		if ok {
			logger.Info("service healthy", "service", name)
		} else {
			logger.Error("service unhealthy", "service", name)
			healthy = false
		}
	}
	if !healthy {
		return fmt.Errorf("one or more downstream services are unhealthy")
	}
	return nil
}
