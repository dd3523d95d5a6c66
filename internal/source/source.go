// Package source defines the contract between broker consumers and the
// pipeline. A Source delivers raw payloads; decoding and validation happen
// downstream so the broker callback path stays minimal.
package source

import (
	"context"
	"time"
)

// RawMessage is one payload as received from the broker, before any decoding.
type RawMessage struct {
	// Topic the payload arrived on.
	Topic string

	// Payload is the raw bytes, copied out of the broker client's buffers.
	Payload []byte

	// ReceivedAt is when the message reached this process.
	ReceivedAt time.Time
}

// Source consumes messages from a broker and delivers them on out.
//
// Run blocks until ctx is cancelled or the source gives up permanently, and
// owns its own reconnect behavior. Sends on out must select against
// ctx.Done so a stopped pipeline never wedges the consumer.
type Source interface {
	Run(ctx context.Context, out chan<- RawMessage) error
}
