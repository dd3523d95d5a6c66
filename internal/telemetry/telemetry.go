// Package telemetry defines the typed data model for the ingestion pipeline:
// readings, device metadata, enrichment status, and dead-letter entries.
//
// A Reading is constructed only by the validator from a raw payload that
// passed all checks. After construction it is immutable except for the
// enrichment fields, which the enrichment client transitions exactly once
// from pending to one of success, failed, or timeout.
package telemetry

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the single payload schema version this pipeline accepts.
const SchemaVersion = "v1"

// EnrichmentStatus tracks the outcome of metadata enrichment for a reading.
type EnrichmentStatus string

const (
	EnrichmentPending EnrichmentStatus = "pending"
	EnrichmentSuccess EnrichmentStatus = "success"
	EnrichmentFailed  EnrichmentStatus = "failed"
	EnrichmentTimeout EnrichmentStatus = "timeout"
	EnrichmentSkipped EnrichmentStatus = "skipped"
)

// Error type taxonomy. Terminal types produce exactly one DLQ record;
// enrichment types degrade the reading and continue.
const (
	ErrTypeMissingFields      = "missing_required_fields"
	ErrTypeMissingSchema      = "missing_schema_version"
	ErrTypeUnsupportedSchema  = "unsupported_schema_version"
	ErrTypeRangeValidation    = "range_validation_failed"
	ErrTypeInvalidTimestamp   = "invalid_timestamp"
	ErrTypeParse              = "parse_error"
	ErrTypeProcessing         = "processing_error"
	ErrTypePersistenceWrite   = "persistence_write_error"
	ErrTypeEnrichmentTimeout  = "enrichment_timeout"
	ErrTypeEnrichmentFailed   = "enrichment_failed"
)

// DeviceMetadata is the device registry record attached to a reading on
// successful enrichment.
type DeviceMetadata struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Location     string `json:"location,omitempty"`
	Status       string `json:"status"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
}

// UnknownDevice returns the placeholder metadata used when the registry has
// no record for a device. The device is real but unregistered, so this is a
// successful enrichment, not a failure.
func UnknownDevice(deviceID string) *DeviceMetadata {
	return &DeviceMetadata{
		ID:     deviceID,
		Name:   "Unknown Device (" + deviceID + ")",
		Type:   "unknown",
		Status: "unknown",
	}
}

// Reading is one validated telemetry data point for a device at a timestamp.
type Reading struct {
	DeviceID      string    `json:"device_id"`
	Timestamp     time.Time `json:"timestamp"`
	Voltage       float64   `json:"voltage"`
	Current       float64   `json:"current"`
	Power         float64   `json:"power"`
	Temperature   float64   `json:"temperature"`
	SchemaVersion string    `json:"schema_version"`

	// Enrichment fields, set after construction by the enrichment client.
	EnrichmentStatus EnrichmentStatus `json:"enrichment_status"`
	DeviceMetadata   *DeviceMetadata  `json:"device_metadata,omitempty"`
	EnrichedAt       time.Time        `json:"enriched_at,omitzero"`
}

// DLQEntry is one append-only dead-letter record, serialized as a JSON line.
// The format is an operational contract for offline replay tooling.
type DLQEntry struct {
	Timestamp       time.Time       `json:"timestamp"`
	OriginalPayload json.RawMessage `json:"original_payload"`
	ErrorType       string          `json:"error_type"`
	ErrorMessage    string          `json:"error_message"`
	RetryCount      int             `json:"retry_count"`
}
