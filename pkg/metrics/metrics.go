// Package metrics holds the process-local health counters exposed by the
// /health endpoint. Counters are monotonic and safe for concurrent use.
package metrics

import "sync/atomic"

// Registry aggregates counters across all components. A single instance
// is created at startup and shared by wiring.
type Registry struct {
	eventsIn    atomic.Int64
	eventsOut   atomic.Int64
	eventsToDLQ atomic.Int64
	dropped     atomic.Int64
	pollErrors  atomic.Int64
	consumerLag atomic.Int64
}

// NewRegistry creates an empty counter registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// IncEventsIn counts an event accepted onto the message queue.
func (r *Registry) IncEventsIn(n int64) { r.eventsIn.Add(n) }

// IncEventsOut counts an event durably committed to the unified store.
func (r *Registry) IncEventsOut(n int64) { r.eventsOut.Add(n) }

// IncEventsToDLQ counts a message moved to the dead letter stream.
func (r *Registry) IncEventsToDLQ(n int64) { r.eventsToDLQ.Add(n) }

// IncDropped counts an event lost on the fire-and-forget ingress path.
func (r *Registry) IncDropped(n int64) { r.dropped.Add(n) }

// IncPollErrors counts a failed capture poll cycle.
func (r *Registry) IncPollErrors(n int64) { r.pollErrors.Add(n) }

// SetConsumerLag records the latest observed queue depth behind the
// consumer group. Unlike the counters this is a gauge.
func (r *Registry) SetConsumerLag(lag int64) { r.consumerLag.Store(lag) }

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	EventsIn    int64 `json:"events_in"`
	EventsOut   int64 `json:"events_out"`
	EventsToDLQ int64 `json:"events_to_dlq"`
	Dropped     int64 `json:"events_dropped"`
	PollErrors  int64 `json:"poll_errors"`
	ConsumerLag int64 `json:"consumer_lag"`
}

// Snapshot returns the current counter values.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		EventsIn:    r.eventsIn.Load(),
		EventsOut:   r.eventsOut.Load(),
		EventsToDLQ: r.eventsToDLQ.Load(),
		Dropped:     r.dropped.Load(),
		PollErrors:  r.pollErrors.Load(),
		ConsumerLag: r.consumerLag.Load(),
	}
}
