package validate

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gridstream/internal/config"
	"gridstream/internal/telemetry"
)

func testRanges() map[string]config.Range {
	return map[string]config.Range{
		"voltage":     {Min: 200, Max: 250},
		"current":     {Min: 0, Max: 2},
		"power":       {Min: 0, Max: 500},
		"temperature": {Min: 20, Max: 80},
	}
}

func validPayload() map[string]any {
	return map[string]any{
		"device_id":      "D1",
		"timestamp":      "2024-01-01T00:00:00Z",
		"voltage":        230.0,
		"current":        0.85,
		"power":          195.0,
		"temperature":    45.0,
		"schema_version": "v1",
	}
}

func TestValidateAcceptsWellFormedPayload(t *testing.T) {
	v := New(testRanges())
	ok, errType, errMsg := v.Validate(validPayload())
	if !ok {
		t.Fatalf("expected valid, got %s: %s", errType, errMsg)
	}
}

func TestValidateMissingRequiredFields(t *testing.T) {
	v := New(testRanges())

	for _, field := range []string{"device_id", "timestamp", "voltage", "current", "power", "temperature", "schema_version"} {
		t.Run(field, func(t *testing.T) {
			payload := validPayload()
			delete(payload, field)

			ok, errType, errMsg := v.Validate(payload)
			if ok {
				t.Fatal("expected rejection")
			}
			if errType != telemetry.ErrTypeMissingFields {
				t.Fatalf("errType = %q, want %q", errType, telemetry.ErrTypeMissingFields)
			}
			if !strings.Contains(errMsg, field) {
				t.Errorf("message %q does not name missing field %q", errMsg, field)
			}
		})
	}
}

func TestValidateSchemaVersion(t *testing.T) {
	v := New(testRanges())

	t.Run("unsupported version", func(t *testing.T) {
		payload := validPayload()
		payload["schema_version"] = "v2"
		ok, errType, _ := v.Validate(payload)
		if ok || errType != telemetry.ErrTypeUnsupportedSchema {
			t.Fatalf("ok=%v errType=%q, want unsupported_schema_version", ok, errType)
		}
	})

	t.Run("non-string version", func(t *testing.T) {
		payload := validPayload()
		payload["schema_version"] = 1.0
		ok, errType, _ := v.Validate(payload)
		if ok || errType != telemetry.ErrTypeMissingSchema {
			t.Fatalf("ok=%v errType=%q, want missing_schema_version", ok, errType)
		}
	})
}

func TestValidateRangeBoundaries(t *testing.T) {
	v := New(testRanges())
	const eps = 1e-9

	cases := []struct {
		name   string
		field  string
		value  float64
		wantOK bool
	}{
		{"voltage at min", "voltage", 200, true},
		{"voltage at max", "voltage", 250, true},
		{"voltage below min", "voltage", 200 - eps, false},
		{"voltage above max", "voltage", 250 + eps, false},
		{"current at min", "current", 0, true},
		{"current above max", "current", 2.0001, false},
		{"power at max", "power", 500, true},
		{"power above max", "power", 999, false},
		{"temperature below min", "temperature", 19.999, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := validPayload()
			payload[tc.field] = tc.value

			ok, errType, errMsg := v.Validate(payload)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v (%s)", ok, tc.wantOK, errMsg)
			}
			if !tc.wantOK {
				if errType != telemetry.ErrTypeRangeValidation {
					t.Errorf("errType = %q, want range_validation_failed", errType)
				}
				if !strings.Contains(errMsg, tc.field) {
					t.Errorf("message %q does not name field %q", errMsg, tc.field)
				}
			}
		})
	}
}

func TestValidateAccumulatesAllRangeViolations(t *testing.T) {
	v := New(testRanges())
	payload := validPayload()
	payload["voltage"] = 999.0
	payload["temperature"] = 5.0

	ok, errType, errMsg := v.Validate(payload)
	if ok || errType != telemetry.ErrTypeRangeValidation {
		t.Fatalf("ok=%v errType=%q", ok, errType)
	}
	if !strings.Contains(errMsg, "voltage") || !strings.Contains(errMsg, "temperature") {
		t.Errorf("message should name every violating field, got %q", errMsg)
	}
}

func TestValidateNonNumericMetric(t *testing.T) {
	v := New(testRanges())
	payload := validPayload()
	payload["power"] = "lots"

	ok, errType, _ := v.Validate(payload)
	if ok || errType != telemetry.ErrTypeRangeValidation {
		t.Fatalf("ok=%v errType=%q, want range_validation_failed", ok, errType)
	}
}

func TestValidateTimestampFormats(t *testing.T) {
	v := New(testRanges())

	cases := []struct {
		name   string
		value  any
		wantOK bool
	}{
		{"rfc3339 with zone", "2024-01-01T00:00:00Z", true},
		{"rfc3339 with offset", "2024-01-01T01:00:00+01:00", true},
		{"iso without zone", "2024-01-01T00:00:00", true},
		{"fractional seconds", "2024-01-01T00:00:00.125Z", true},
		{"epoch seconds", 1704067200.0, true},
		{"epoch with fraction", 1704067200.5, true},
		{"garbage string", "yesterday", false},
		{"boolean", true, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := validPayload()
			payload["timestamp"] = tc.value

			ok, errType, errMsg := v.Validate(payload)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v (%s %s)", ok, tc.wantOK, errType, errMsg)
			}
			if !tc.wantOK && errType != telemetry.ErrTypeInvalidTimestamp {
				t.Errorf("errType = %q, want invalid_timestamp", errType)
			}
		})
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	v := New(testRanges())
	payload := validPayload()
	payload["voltage"] = 500.0

	ok1, type1, msg1 := v.Validate(payload)
	ok2, type2, msg2 := v.Validate(payload)
	if ok1 != ok2 || type1 != type2 || msg1 != msg2 {
		t.Fatalf("verdicts differ: (%v %q %q) vs (%v %q %q)", ok1, type1, msg1, ok2, type2, msg2)
	}
}

func TestParseBuildsReading(t *testing.T) {
	v := New(testRanges())

	// Round-trip through JSON so numeric types match what the pipeline sees.
	raw, _ := json.Marshal(validPayload())
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatal(err)
	}

	reading, err := v.Parse(fields)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if reading.DeviceID != "D1" {
		t.Errorf("device = %q", reading.DeviceID)
	}
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !reading.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", reading.Timestamp, want)
	}
	if reading.Voltage != 230 || reading.Current != 0.85 || reading.Power != 195 || reading.Temperature != 45 {
		t.Errorf("metrics = %v %v %v %v", reading.Voltage, reading.Current, reading.Power, reading.Temperature)
	}
	if reading.EnrichmentStatus != telemetry.EnrichmentPending {
		t.Errorf("enrichment status = %q, want pending", reading.EnrichmentStatus)
	}
}

func TestParseEpochTimestamp(t *testing.T) {
	v := New(testRanges())
	payload := validPayload()
	payload["timestamp"] = 1704067200.0

	reading, err := v.Parse(payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !reading.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", reading.Timestamp, want)
	}
}
