package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"gridstream/internal/telemetry"
)

func sample(device string) telemetry.Reading {
	return telemetry.Reading{
		DeviceID:         device,
		Timestamp:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Voltage:          230,
		SchemaVersion:    telemetry.SchemaVersion,
		EnrichmentStatus: telemetry.EnrichmentPending,
	}
}

func TestWriteAndReadBack(t *testing.T) {
	w := New()
	ctx := context.Background()

	for _, id := range []string{"D1", "D2", "D3"} {
		if err := w.WriteReading(ctx, sample(id)); err != nil {
			t.Fatalf("WriteReading(%s): %v", id, err)
		}
	}

	got := w.Readings()
	if len(got) != 3 {
		t.Fatalf("got %d readings, want 3", len(got))
	}
	if got[0].DeviceID != "D1" || got[2].DeviceID != "D3" {
		t.Errorf("write order not preserved: %v", got)
	}
}

func TestFailWith(t *testing.T) {
	w := New()
	boom := errors.New("sink unavailable")
	w.FailWith(boom)

	if err := w.WriteReading(context.Background(), sample("D1")); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if len(w.Readings()) != 0 {
		t.Error("failed write should not be recorded")
	}

	w.FailWith(nil)
	if err := w.WriteReading(context.Background(), sample("D1")); err != nil {
		t.Fatalf("write after FailWith(nil): %v", err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	w := New()
	_ = w.Close()
	if err := w.WriteReading(context.Background(), sample("D1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
