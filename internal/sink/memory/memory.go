// Package memory provides an in-memory sink.Writer for tests and local runs
// without an InfluxDB instance.
package memory

import (
	"context"
	"errors"
	"sync"

	"gridstream/internal/telemetry"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("memory writer is closed")

// Writer collects readings in memory. All methods are safe for concurrent
// use. FailWith forces write errors, which tests use to drive the
// persistence-failure path.
type Writer struct {
	mu       sync.Mutex
	readings []telemetry.Reading
	failErr  error
	closed   bool
}

func New() *Writer {
	return &Writer{}
}

// FailWith makes subsequent writes return err. Pass nil to restore success.
func (w *Writer) FailWith(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failErr = err
}

func (w *Writer) WriteReading(_ context.Context, r telemetry.Reading) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.failErr != nil {
		return w.failErr
	}
	w.readings = append(w.readings, r)
	return nil
}

// Readings returns a copy of everything written so far, in write order.
func (w *Writer) Readings() []telemetry.Reading {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]telemetry.Reading, len(w.readings))
	copy(out, w.readings)
	return out
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}
