// Package kafka provides a Kafka source using franz-go, for deployments that
// front the device fleet with a Kafka topic instead of an MQTT broker.
package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"gridstream/internal/logging"
	"gridstream/internal/source"
)

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string
}

// Config holds Kafka source configuration.
type Config struct {
	Brokers []string
	Topic   string
	Group   string
	TLS     bool
	SASL    *SASLConfig
	Logger  *slog.Logger
}

// Source consumes telemetry payloads from a Kafka topic.
type Source struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Kafka source.
func New(cfg Config) *Source {
	return &Source{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "source", "type", "kafka"),
	}
}

// Run connects to Kafka and polls records until ctx is cancelled.
func (s *Source) Run(ctx context.Context, out chan<- source.RawMessage) error {
	opts := []kgo.Opt{
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ConsumeTopics(s.cfg.Topic),
		kgo.ConsumerGroup(s.cfg.Group),
	}

	if s.cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}

	if s.cfg.SASL != nil {
		mech, err := buildSASLMechanism(s.cfg.SASL)
		if err != nil {
			return err
		}
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	defer client.Close()

	s.logger.Info("kafka consumer started",
		"brokers", s.cfg.Brokers,
		"topic", s.cfg.Topic,
		"group", s.cfg.Group,
	)

	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			s.logger.Info("kafka consumer stopping")
			_ = client.CommitUncommittedOffsets(context.Background())
			return nil
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				s.logger.Warn("kafka fetch error",
					"topic", e.Topic,
					"partition", e.Partition,
					"error", e.Err,
				)
			}
		}

		now := time.Now().UTC()

		fetches.EachRecord(func(rec *kgo.Record) {
			select {
			case out <- source.RawMessage{
				Topic:      rec.Topic,
				Payload:    rec.Value,
				ReceivedAt: now,
			}:
			case <-ctx.Done():
			}
		})
	}
}

// buildSASLMechanism constructs the appropriate SASL mechanism.
func buildSASLMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "plain":
		return plain.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}
