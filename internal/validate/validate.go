// Package validate checks raw telemetry payloads before they enter the
// processing pipeline. The validator is pure and synchronous: it inspects a
// decoded payload and returns a verdict, never performing I/O.
package validate

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"gridstream/internal/config"
	"gridstream/internal/telemetry"
)

// requiredFields are the payload keys every message must carry.
var requiredFields = []string{
	"device_id",
	"timestamp",
	"voltage",
	"current",
	"power",
	"temperature",
	"schema_version",
}

// Validator checks structural, schema, and range correctness of raw payloads.
// The zero value is not usable; construct with New.
type Validator struct {
	ranges        map[string]config.Range
	schemaVersion string
}

// New creates a Validator with the given per-metric bounds. The supported
// schema version is fixed at telemetry.SchemaVersion.
func New(ranges map[string]config.Range) *Validator {
	return &Validator{
		ranges:        ranges,
		schemaVersion: telemetry.SchemaVersion,
	}
}

// Validate runs the ordered checks against a decoded payload. The first
// failing check wins. On failure it returns ok=false with an error type from
// the telemetry taxonomy and a human-readable message.
func (v *Validator) Validate(fields map[string]any) (ok bool, errType, errMsg string) {
	if missing := v.missingFields(fields); len(missing) > 0 {
		return false, telemetry.ErrTypeMissingFields,
			fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", "))
	}

	sv, isString := fields["schema_version"].(string)
	if !isString || sv == "" {
		return false, telemetry.ErrTypeMissingSchema, "missing required field: schema_version"
	}
	if sv != v.schemaVersion {
		return false, telemetry.ErrTypeUnsupportedSchema,
			fmt.Sprintf("unsupported schema version: %s (only %q is supported)", sv, v.schemaVersion)
	}

	if violations := v.rangeViolations(fields); len(violations) > 0 {
		return false, telemetry.ErrTypeRangeValidation,
			fmt.Sprintf("range validation failed: %s", strings.Join(violations, "; "))
	}

	if _, err := parseTimestamp(fields["timestamp"]); err != nil {
		return false, telemetry.ErrTypeInvalidTimestamp, err.Error()
	}

	if _, err := v.parse(fields); err != nil {
		return false, telemetry.ErrTypeParse, err.Error()
	}

	return true, "", ""
}

// Parse builds a typed Reading from a payload that already passed Validate.
// The reading starts with enrichment status pending.
func (v *Validator) Parse(fields map[string]any) (telemetry.Reading, error) {
	return v.parse(fields)
}

func (v *Validator) missingFields(fields map[string]any) []string {
	var missing []string
	for _, f := range requiredFields {
		if _, present := fields[f]; !present {
			missing = append(missing, f)
		}
	}
	return missing
}

// rangeViolations accumulates every out-of-range or non-numeric metric into
// one list so the DLQ record names all offending fields at once.
func (v *Validator) rangeViolations(fields map[string]any) []string {
	names := make([]string, 0, len(v.ranges))
	for name := range v.ranges {
		names = append(names, name)
	}
	slices.Sort(names)

	var violations []string
	for _, name := range names {
		raw, present := fields[name]
		if !present {
			continue
		}
		val, isNumber := asFloat(raw)
		if !isNumber {
			violations = append(violations, fmt.Sprintf("%s is not a valid number: %v", name, raw))
			continue
		}
		r := v.ranges[name]
		if val < r.Min || val > r.Max {
			violations = append(violations, fmt.Sprintf("%s=%v is outside range [%v, %v]", name, val, r.Min, r.Max))
		}
	}
	return violations
}

func (v *Validator) parse(fields map[string]any) (telemetry.Reading, error) {
	deviceID, isString := fields["device_id"].(string)
	if !isString || deviceID == "" {
		return telemetry.Reading{}, fmt.Errorf("device_id must be a non-empty string")
	}

	ts, err := parseTimestamp(fields["timestamp"])
	if err != nil {
		return telemetry.Reading{}, err
	}

	metrics := make(map[string]float64, 4)
	for _, name := range []string{"voltage", "current", "power", "temperature"} {
		val, isNumber := asFloat(fields[name])
		if !isNumber {
			return telemetry.Reading{}, fmt.Errorf("%s must be numeric", name)
		}
		metrics[name] = val
	}

	sv, _ := fields["schema_version"].(string)

	return telemetry.Reading{
		DeviceID:         deviceID,
		Timestamp:        ts,
		Voltage:          metrics["voltage"],
		Current:          metrics["current"],
		Power:            metrics["power"],
		Temperature:      metrics["temperature"],
		SchemaVersion:    sv,
		EnrichmentStatus: telemetry.EnrichmentPending,
	}, nil
}

// parseTimestamp accepts RFC 3339 strings (with or without the trailing UTC
// designator) or a numeric epoch value in seconds.
func parseTimestamp(raw any) (time.Time, error) {
	switch ts := raw.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04:05.999999999"} {
			if t, err := time.Parse(layout, ts); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("invalid timestamp format: %q", ts)
	case float64, int, int64:
		sec, _ := asFloat(ts)
		if math.IsNaN(sec) || math.IsInf(sec, 0) {
			return time.Time{}, fmt.Errorf("invalid numeric timestamp: %v", sec)
		}
		whole, frac := math.Modf(sec)
		return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("timestamp is required")
	default:
		return time.Time{}, fmt.Errorf("invalid timestamp type: %T", raw)
	}
}

// asFloat converts the numeric types encoding/json and the sources produce.
func asFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
