// Package sink defines the write contract for the time-series store.
// The storage engine itself is an external collaborator; the pipeline only
// needs a durable write of one reading at a time.
package sink

import (
	"context"

	"gridstream/internal/telemetry"
)

// Writer persists readings. Implementations must be safe for use from a
// single writer goroutine; they are not required to support concurrent
// writes.
type Writer interface {
	// WriteReading durably persists one reading. An error means the reading
	// was not persisted and must be routed to the dead-letter sink.
	WriteReading(ctx context.Context, r telemetry.Reading) error

	// Close releases the underlying connection.
	Close() error
}
