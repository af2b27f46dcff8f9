package xhist

import (
	"time"
)

// PublishEvent is one entry of a PublishBatch call.
type PublishEvent struct {
	Name    string
	Payload any
	Meta    map[string]string
}

// EventType names a point in the bus lifecycle reported to observers.
type EventType string

const (
	PublishStart EventType = "publish_start"
	PublishDone  EventType = "publish_done"
	ConsumeStart EventType = "consume_start"
	ConsumeDone  EventType = "consume_done"
	Ack          EventType = "ack"
	Reject       EventType = "reject"
	StateChange  EventType = "state_change"
	Error        EventType = "error"
)

// Event is the telemetry record handed to observers. Fields that do not apply to
// Type are left zero.
type Event struct {
	Type          EventType
	Topic         string
	Group         string
	MessageID     string
	EventName     string
	CorrelationID string
	// State is set on StateChange.
	State State
	// Attempt is the connect attempt that produced an Error during Connect.
	Attempt  int
	Duration time.Duration
	Err      error

	observers []Observer
}

// PoolStats describes the observer pool.
type PoolStats struct {
	Dropped      uint64
	Processed    uint64
	ActiveEvents int // queued, not yet dispatched
	Workers      int
	BufferSize   int
}

// Metrics are cumulative bus counters since Build.
type Metrics struct {
	Published           uint64
	Consumed            uint64
	Acked               uint64
	Rejected            uint64
	Errors              uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// HealthState is the coarse health verdict.
type HealthState string

const (
	Healthy   HealthState = "healthy"
	Degraded  HealthState = "degraded"
	Unhealthy HealthState = "unhealthy"
)

// degradedErrorRate is the errors/published ratio above which a connected bus is Degraded.
const degradedErrorRate = 0.05

// HealthStatus is served by readiness probes.
type HealthStatus struct {
	Status    HealthState `json:"status"`
	State     State       `json:"-"`
	StateName string      `json:"state"`
	Metrics   Metrics     `json:"metrics"`
	Timestamp time.Time   `json:"timestamp"`
	Message   string      `json:"message,omitempty"`
}
