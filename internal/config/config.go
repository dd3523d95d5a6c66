// Package config loads service configuration from defaults, an optional YAML
// file, and GRIDSTREAM_-prefixed environment variables, in that order of
// precedence (later layers override earlier ones).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "GRIDSTREAM_"

type Config struct {
	LogLevel string `koanf:"log_level"`

	Broker     BrokerConfig     `koanf:"broker"`
	Influx     InfluxConfig     `koanf:"influx"`
	Metadata   ServiceConfig    `koanf:"metadata"`
	Rules      RulesConfig      `koanf:"rules"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Validation ValidationConfig `koanf:"validation"`
	DLQ        DLQConfig        `koanf:"dlq"`
}

// BrokerConfig selects and configures the inbound message source.
type BrokerConfig struct {
	// Type is "mqtt" or "kafka".
	Type string `koanf:"type"`

	MQTT  MQTTConfig  `koanf:"mqtt"`
	Kafka KafkaConfig `koanf:"kafka"`
}

type MQTTConfig struct {
	Host      string        `koanf:"host"`
	Port      int           `koanf:"port"`
	Username  string        `koanf:"username"`
	Password  string        `koanf:"password"`
	Topic     string        `koanf:"topic"`
	QoS       byte          `koanf:"qos"`
	KeepAlive time.Duration `koanf:"keep_alive"`

	// Reconnect backoff: the delay starts at ReconnectMinDelay, doubles per
	// attempt, and is capped at ReconnectMaxDelay. Attempts reset on a
	// successful reconnect.
	ReconnectMinDelay    time.Duration `koanf:"reconnect_min_delay"`
	ReconnectMaxDelay    time.Duration `koanf:"reconnect_max_delay"`
	MaxReconnectAttempts int           `koanf:"max_reconnect_attempts"`
}

type KafkaConfig struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
	Group   string   `koanf:"group"`
}

type InfluxConfig struct {
	URL     string        `koanf:"url"`
	Token   string        `koanf:"token"`
	Org     string        `koanf:"org"`
	Bucket  string        `koanf:"bucket"`
	Timeout time.Duration `koanf:"timeout"`
}

// ServiceConfig configures an outbound HTTP collaborator.
type ServiceConfig struct {
	URL           string        `koanf:"url"`
	Timeout       time.Duration `koanf:"timeout"`
	MaxRetries    int           `koanf:"max_retries"`
	RetryDelay    time.Duration `koanf:"retry_delay"`
	RetryMaxDelay time.Duration `koanf:"retry_max_delay"`
}

type RulesConfig struct {
	// Both tag options are needed: the structs provider flattens the
	// embedded defaults into the parent map, and mapstructure squashes them
	// back on unmarshal. With only one of the two, the rules.* service
	// settings silently load as zero values.
	ServiceConfig    `koanf:",flatten,squash"`
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown"`
}

type PipelineConfig struct {
	// QueueCapacity bounds the in-memory work queue between the broker
	// handoff and the processing worker. When full, the ingress loop blocks
	// (backpressure propagates to the broker); validated readings are never
	// dropped.
	QueueCapacity int `koanf:"queue_capacity"`

	// ShutdownGrace bounds how long the worker may drain in-flight items
	// after the sources have stopped.
	ShutdownGrace time.Duration `koanf:"shutdown_grace"`
}

// Range is an inclusive [Min, Max] bound for one numeric metric.
type Range struct {
	Min float64 `koanf:"min"`
	Max float64 `koanf:"max"`
}

type ValidationConfig struct {
	Voltage     Range `koanf:"voltage"`
	Current     Range `koanf:"current"`
	Power       Range `koanf:"power"`
	Temperature Range `koanf:"temperature"`
}

// Ranges returns the per-metric bounds keyed by payload field name.
func (v ValidationConfig) Ranges() map[string]Range {
	return map[string]Range{
		"voltage":     v.Voltage,
		"current":     v.Current,
		"power":       v.Power,
		"temperature": v.Temperature,
	}
}

type DLQConfig struct {
	Dir         string `koanf:"dir"`
	MaxFileSize int64  `koanf:"max_file_size"`
	MaxFiles    int    `koanf:"max_files"`

	// SweepSchedule is a cron expression for the periodic retention sweep.
	SweepSchedule string `koanf:"sweep_schedule"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Broker: BrokerConfig{
			Type: "mqtt",
			MQTT: MQTTConfig{
				Host:                 "localhost",
				Port:                 1883,
				Topic:                "devices/+/telemetry",
				QoS:                  1,
				KeepAlive:            60 * time.Second,
				ReconnectMinDelay:    5 * time.Second,
				ReconnectMaxDelay:    60 * time.Second,
				MaxReconnectAttempts: 10,
			},
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "device-telemetry",
				Group:   "gridstream",
			},
		},
		Influx: InfluxConfig{
			URL:     "http://localhost:8086",
			Org:     "energy-platform",
			Bucket:  "telemetry",
			Timeout: 5 * time.Second,
		},
		Metadata: ServiceConfig{
			URL:           "http://device-service:8080",
			Timeout:       5 * time.Second,
			MaxRetries:    3,
			RetryDelay:    time.Second,
			RetryMaxDelay: 10 * time.Second,
		},
		Rules: RulesConfig{
			ServiceConfig: ServiceConfig{
				URL:           "http://rule-engine:8082",
				Timeout:       5 * time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
				RetryMaxDelay: 10 * time.Second,
			},
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Pipeline: PipelineConfig{
			QueueCapacity: 1024,
			ShutdownGrace: 10 * time.Second,
		},
		Validation: ValidationConfig{
			Voltage:     Range{Min: 200, Max: 250},
			Current:     Range{Min: 0, Max: 2},
			Power:       Range{Min: 0, Max: 500},
			Temperature: Range{Min: 20, Max: 80},
		},
		DLQ: DLQConfig{
			Dir:           "./dlq",
			MaxFileSize:   10 * 1024 * 1024,
			MaxFiles:      10,
			SweepSchedule: "* * * * *",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if it
// exists; an empty path skips the file layer), and environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	// Double underscore separates sections so single underscores survive in
	// key names: GRIDSTREAM_BROKER__MQTT__HOST -> broker.mqtt.host,
	// GRIDSTREAM_LOG_LEVEL -> log_level.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks constraints the koanf layers cannot express.
func (c *Config) Validate() error {
	switch c.Broker.Type {
	case "mqtt":
		if c.Broker.MQTT.QoS > 2 {
			return fmt.Errorf("broker.mqtt.qos must be 0, 1, or 2, got %d", c.Broker.MQTT.QoS)
		}
		if c.Broker.MQTT.ReconnectMinDelay <= 0 || c.Broker.MQTT.ReconnectMaxDelay < c.Broker.MQTT.ReconnectMinDelay {
			return fmt.Errorf("broker.mqtt reconnect delays invalid: min=%s max=%s",
				c.Broker.MQTT.ReconnectMinDelay, c.Broker.MQTT.ReconnectMaxDelay)
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return fmt.Errorf("broker.kafka.brokers must not be empty")
		}
	default:
		return fmt.Errorf("unknown broker type: %q", c.Broker.Type)
	}

	if c.Pipeline.QueueCapacity <= 0 {
		return fmt.Errorf("pipeline.queue_capacity must be positive, got %d", c.Pipeline.QueueCapacity)
	}

	for name, r := range c.Validation.Ranges() {
		if r.Max < r.Min {
			return fmt.Errorf("validation.%s: max %v below min %v", name, r.Max, r.Min)
		}
	}

	if c.DLQ.MaxFileSize <= 0 {
		return fmt.Errorf("dlq.max_file_size must be positive, got %d", c.DLQ.MaxFileSize)
	}
	if c.DLQ.MaxFiles <= 0 {
		return fmt.Errorf("dlq.max_files must be positive, got %d", c.DLQ.MaxFiles)
	}

	return nil
}
