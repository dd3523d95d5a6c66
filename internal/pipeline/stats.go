package pipeline

import "sync/atomic"

// stats holds the pipeline's monotonic counters.
type stats struct {
	received        atomic.Uint64
	malformed       atomic.Uint64
	invalid         atomic.Uint64
	persisted       atomic.Uint64
	persistFailed   atomic.Uint64
	dispatched      atomic.Uint64
	dispatchSkipped atomic.Uint64
	deadLettered    atomic.Uint64
}

// Stats is a point-in-time snapshot of the pipeline counters.
type Stats struct {
	Received        uint64
	Malformed       uint64
	Invalid         uint64
	Persisted       uint64
	PersistFailed   uint64
	Dispatched      uint64
	DispatchSkipped uint64
	DeadLettered    uint64
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:        p.stats.received.Load(),
		Malformed:       p.stats.malformed.Load(),
		Invalid:         p.stats.invalid.Load(),
		Persisted:       p.stats.persisted.Load(),
		PersistFailed:   p.stats.persistFailed.Load(),
		Dispatched:      p.stats.dispatched.Load(),
		DispatchSkipped: p.stats.dispatchSkipped.Load(),
		DeadLettered:    p.stats.deadLettered.Load(),
	}
}
