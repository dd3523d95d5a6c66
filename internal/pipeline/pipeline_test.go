package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"gridstream/internal/config"
	"gridstream/internal/logging"
	"gridstream/internal/sink/memory"
	"gridstream/internal/source"
	"gridstream/internal/telemetry"
	"gridstream/internal/validate"
)

// fakeEnricher marks every reading successful with fixed metadata.
type fakeEnricher struct {
	mu       sync.Mutex
	enriched int
}

func (f *fakeEnricher) Enrich(_ context.Context, r *telemetry.Reading) {
	f.mu.Lock()
	f.enriched++
	f.mu.Unlock()
	r.DeviceMetadata = &telemetry.DeviceMetadata{ID: r.DeviceID, Name: "Test Device", Type: "smart_meter"}
	r.EnrichmentStatus = telemetry.EnrichmentSuccess
	r.EnrichedAt = time.Now().UTC()
}

// timeoutEnricher simulates an unreachable registry.
type timeoutEnricher struct{}

func (timeoutEnricher) Enrich(_ context.Context, r *telemetry.Reading) {
	r.EnrichmentStatus = telemetry.EnrichmentTimeout
}

// fakeRules records dispatched readings.
type fakeRules struct {
	mu       sync.Mutex
	readings []telemetry.Reading
}

func (f *fakeRules) Evaluate(_ context.Context, r telemetry.Reading) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, r)
	return true
}

// openBreakerRules refuses every dispatch, as a rules client with an open
// circuit does.
type openBreakerRules struct{}

func (openBreakerRules) Evaluate(context.Context, telemetry.Reading) bool { return false }

func (f *fakeRules) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readings)
}

// fakeDLQ records dead-letter sends.
type dlqRecord struct {
	payload json.RawMessage
	errType string
	errMsg  string
}

type fakeDLQ struct {
	mu      sync.Mutex
	records []dlqRecord
}

func (f *fakeDLQ) Send(payload json.RawMessage, errType, errMsg string, retryCount int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, dlqRecord{payload: payload, errType: errType, errMsg: errMsg})
	return true
}

func (f *fakeDLQ) all() []dlqRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dlqRecord(nil), f.records...)
}

type fixture struct {
	pipeline *Pipeline
	sink     *memory.Writer
	enricher *fakeEnricher
	rules    *fakeRules
	dlq      *fakeDLQ
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sink:     memory.New(),
		enricher: &fakeEnricher{},
		rules:    &fakeRules{},
		dlq:      &fakeDLQ{},
	}
	f.pipeline = New(Config{
		Validator:     validate.New(config.Default().Validation.Ranges()),
		Enricher:      f.enricher,
		Sink:          f.sink,
		Rules:         f.rules,
		DLQ:           f.dlq,
		QueueCapacity: 16,
		ShutdownGrace: 2 * time.Second,
		Logger:        logging.Discard(),
	})
	return f
}

func validPayload(t *testing.T, deviceID string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"device_id":      deviceID,
		"timestamp":      "2026-07-01T12:00:00Z",
		"voltage":        230.5,
		"current":        1.5,
		"power":          345.75,
		"temperature":    45.2,
		"schema_version": "v1",
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func send(f *fixture, payload []byte) {
	f.pipeline.Intake() <- source.RawMessage{
		Topic:      "devices/D1/telemetry",
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Start(context.Background())

	send(f, validPayload(t, "D1"))
	f.pipeline.Stop()

	readings := f.sink.Readings()
	if len(readings) != 1 {
		t.Fatalf("persisted %d readings, want 1", len(readings))
	}
	r := readings[0]
	if r.DeviceID != "D1" {
		t.Errorf("device_id = %q", r.DeviceID)
	}
	if r.EnrichmentStatus != telemetry.EnrichmentSuccess {
		t.Errorf("enrichment status = %q", r.EnrichmentStatus)
	}
	if r.DeviceMetadata == nil || r.DeviceMetadata.Name != "Test Device" {
		t.Errorf("metadata = %+v", r.DeviceMetadata)
	}
	if got := f.rules.count(); got != 1 {
		t.Errorf("dispatched %d readings, want 1", got)
	}
	if got := f.dlq.all(); len(got) != 0 {
		t.Errorf("dead-lettered %d payloads, want 0: %+v", len(got), got)
	}

	s := f.pipeline.Stats()
	if s.Received != 1 || s.Persisted != 1 || s.Dispatched != 1 || s.DeadLettered != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestOutOfRangeGoesToDLQ(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Start(context.Background())

	payload, _ := json.Marshal(map[string]any{
		"device_id":      "D1",
		"timestamp":      "2026-07-01T12:00:00Z",
		"voltage":        999.0,
		"current":        1.5,
		"power":          345.75,
		"temperature":    45.2,
		"schema_version": "v1",
	})
	send(f, payload)
	f.pipeline.Stop()

	if got := len(f.sink.Readings()); got != 0 {
		t.Fatalf("persisted %d readings, want 0", got)
	}
	if got := f.rules.count(); got != 0 {
		t.Fatalf("dispatched %d readings, want 0", got)
	}

	records := f.dlq.all()
	if len(records) != 1 {
		t.Fatalf("dead-lettered %d payloads, want 1", len(records))
	}
	if records[0].errType != telemetry.ErrTypeRangeValidation {
		t.Errorf("error type = %q, want %q", records[0].errType, telemetry.ErrTypeRangeValidation)
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Start(context.Background())

	send(f, []byte("{not json"))
	f.pipeline.Stop()

	// Dropped entirely: no DLQ record, nothing persisted, nothing dispatched.
	if records := f.dlq.all(); len(records) != 0 {
		t.Fatalf("dead-lettered %d payloads, want 0: %+v", len(records), records)
	}
	if got := len(f.sink.Readings()); got != 0 {
		t.Errorf("persisted %d readings, want 0", got)
	}
	if got := f.rules.count(); got != 0 {
		t.Errorf("dispatched %d readings, want 0", got)
	}

	s := f.pipeline.Stats()
	if s.Received != 1 || s.Malformed != 1 || s.DeadLettered != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPersistenceFailureSuppressesDispatch(t *testing.T) {
	f := newFixture(t)
	f.sink.FailWith(context.DeadlineExceeded)
	f.pipeline.Start(context.Background())

	send(f, validPayload(t, "D1"))
	f.pipeline.Stop()

	if got := f.rules.count(); got != 0 {
		t.Fatalf("dispatched %d readings after persistence failure, want 0", got)
	}

	records := f.dlq.all()
	if len(records) != 1 {
		t.Fatalf("dead-lettered %d payloads, want 1", len(records))
	}
	if records[0].errType != telemetry.ErrTypePersistenceWrite {
		t.Errorf("error type = %q, want %q", records[0].errType, telemetry.ErrTypePersistenceWrite)
	}

	s := f.pipeline.Stats()
	if s.PersistFailed != 1 || s.Persisted != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestEnrichmentTimeoutStillPersists(t *testing.T) {
	f := newFixture(t)
	f.pipeline = New(Config{
		Validator:     validate.New(config.Default().Validation.Ranges()),
		Enricher:      timeoutEnricher{},
		Sink:          f.sink,
		Rules:         f.rules,
		DLQ:           f.dlq,
		QueueCapacity: 16,
		ShutdownGrace: 2 * time.Second,
		Logger:        logging.Discard(),
	})
	f.pipeline.Start(context.Background())

	send(f, validPayload(t, "D1"))
	f.pipeline.Stop()

	readings := f.sink.Readings()
	if len(readings) != 1 {
		t.Fatalf("persisted %d readings, want 1", len(readings))
	}
	if readings[0].EnrichmentStatus != telemetry.EnrichmentTimeout {
		t.Errorf("enrichment status = %q, want timeout", readings[0].EnrichmentStatus)
	}
	if readings[0].DeviceMetadata != nil {
		t.Errorf("metadata set on timed-out enrichment: %+v", readings[0].DeviceMetadata)
	}
	if got := f.rules.count(); got != 1 {
		t.Errorf("dispatched %d readings, want 1", got)
	}
	if got := len(f.dlq.all()); got != 0 {
		t.Errorf("dead-lettered %d payloads, want 0", got)
	}
}

func TestSkippedDispatchIsCounted(t *testing.T) {
	f := newFixture(t)
	f.pipeline = New(Config{
		Validator:     validate.New(config.Default().Validation.Ranges()),
		Enricher:      f.enricher,
		Sink:          f.sink,
		Rules:         openBreakerRules{},
		DLQ:           f.dlq,
		QueueCapacity: 16,
		ShutdownGrace: 2 * time.Second,
		Logger:        logging.Discard(),
	})
	f.pipeline.Start(context.Background())

	send(f, validPayload(t, "D1"))
	f.pipeline.Stop()

	// The reading is still persisted; only the dispatch is refused.
	if got := len(f.sink.Readings()); got != 1 {
		t.Fatalf("persisted %d readings, want 1", got)
	}

	s := f.pipeline.Stats()
	if s.Dispatched != 0 {
		t.Errorf("dispatched = %d, want 0", s.Dispatched)
	}
	if s.DispatchSkipped != 1 {
		t.Errorf("dispatch_skipped = %d, want 1", s.DispatchSkipped)
	}
}

func TestFIFOOrder(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Start(context.Background())

	for _, id := range []string{"A", "B", "C", "D", "E"} {
		send(f, validPayload(t, id))
	}
	f.pipeline.Stop()

	readings := f.sink.Readings()
	if len(readings) != 5 {
		t.Fatalf("persisted %d readings, want 5", len(readings))
	}
	for i, want := range []string{"A", "B", "C", "D", "E"} {
		if readings[i].DeviceID != want {
			t.Fatalf("reading %d is %q, want %q", i, readings[i].DeviceID, want)
		}
	}
}

func TestStopDrainsQueuedItems(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Start(context.Background())

	const n = 50
	for range n {
		send(f, validPayload(t, "D1"))
	}
	f.pipeline.Stop()

	if got := len(f.sink.Readings()); got != n {
		t.Fatalf("persisted %d readings after Stop, want %d", got, n)
	}
	if got := f.rules.count(); got != n {
		t.Fatalf("dispatched %d readings after Stop, want %d", got, n)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Start(context.Background())
	f.pipeline.Stop()
	f.pipeline.Stop()
}
