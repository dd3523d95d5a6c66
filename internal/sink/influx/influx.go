// Package influx persists readings to InfluxDB using the blocking write API.
package influx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"gridstream/internal/logging"
	"gridstream/internal/telemetry"
)

// Measurement is the InfluxDB measurement all readings are written under.
const Measurement = "device_telemetry"

// Config holds connection parameters for the InfluxDB sink.
type Config struct {
	URL     string
	Token   string
	Org     string
	Bucket  string
	Timeout time.Duration

	// Logger for structured logging. Nil disables logging.
	Logger *slog.Logger
}

// Writer writes readings as InfluxDB points. One point per reading: the
// identity and enrichment outcome become tags, the metrics become fields, and
// the point time is the reading timestamp.
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   *slog.Logger
}

// New creates a Writer. No I/O happens until the first write.
func New(cfg Config) *Writer {
	opts := influxdb2.DefaultOptions()
	if cfg.Timeout > 0 {
		opts = opts.SetHTTPRequestTimeout(uint(cfg.Timeout / time.Millisecond))
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	logger := logging.Default(cfg.Logger).With("component", "sink", "type", "influx")
	logger.Info("influx writer created", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)

	return &Writer{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger:   logger,
	}
}

// WriteReading persists one reading synchronously.
func (w *Writer) WriteReading(ctx context.Context, r telemetry.Reading) error {
	tags := map[string]string{
		"device_id":         r.DeviceID,
		"schema_version":    r.SchemaVersion,
		"enrichment_status": string(r.EnrichmentStatus),
	}
	if r.DeviceMetadata != nil {
		tags["device_type"] = r.DeviceMetadata.Type
		if r.DeviceMetadata.Location != "" {
			tags["location"] = r.DeviceMetadata.Location
		}
	}

	fields := map[string]any{
		"voltage":     r.Voltage,
		"current":     r.Current,
		"power":       r.Power,
		"temperature": r.Temperature,
	}

	point := influxdb2.NewPoint(Measurement, tags, fields, r.Timestamp)
	if err := w.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("influx write for device %s: %w", r.DeviceID, err)
	}
	return nil
}

// Close shuts down the underlying HTTP client.
func (w *Writer) Close() error {
	w.client.Close()
	w.logger.Info("influx writer closed")
	return nil
}
