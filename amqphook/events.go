package amqphook

import (
	"time"

	"github.com/Vanuan/photoq/job"
)

// Lifecycle event types. Each constant maps to one ext lifecycle hook
// and doubles as the routing key on the exchange, so consumers bind a
// queue per event type they care about.
const (
	EventJobEnqueued     = "photoq.job.enqueued"
	EventJobStarted      = "photoq.job.started"
	EventJobCompleted    = "photoq.job.completed"
	EventJobFailed       = "photoq.job.failed"
	EventJobRetrying     = "photoq.job.retrying"
	EventJobDeadLettered = "photoq.job.dead_lettered"
	EventJobCancelled    = "photoq.job.cancelled"
	EventRecurringFired  = "photoq.recurring.fired"
	EventBreakerChanged  = "photoq.breaker.state_changed"
	EventWorkersScaled   = "photoq.workers.scaled"
)

// Envelope is the wire form of one lifecycle event. Every published
// message body is an encoded Envelope; the routing key repeats Event.
// Only the fields relevant to the event type are set.
type Envelope struct {
	// Event names the lifecycle event type.
	Event string `json:"event" msgpack:"event"`

	// At records when the event was observed.
	At time.Time `json:"at" msgpack:"at"`

	// Job fields, set for job lifecycle events.
	JobID   string `json:"job_id,omitempty" msgpack:"job_id,omitempty"`
	Kind    string `json:"kind,omitempty" msgpack:"kind,omitempty"`
	Queue   string `json:"queue,omitempty" msgpack:"queue,omitempty"`
	Attempt int    `json:"attempt,omitempty" msgpack:"attempt,omitempty"`

	// Outcome fields.
	Error     string `json:"error,omitempty" msgpack:"error,omitempty"`
	Category  string `json:"category,omitempty" msgpack:"category,omitempty"`
	Reason    string `json:"reason,omitempty" msgpack:"reason,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty" msgpack:"elapsed_ms,omitempty"`
	DelayMs   int64  `json:"delay_ms,omitempty" msgpack:"delay_ms,omitempty"`

	// Coordination fields.
	Spec        string `json:"spec,omitempty" msgpack:"spec,omitempty"`
	FromState   string `json:"from_state,omitempty" msgpack:"from_state,omitempty"`
	ToState     string `json:"to_state,omitempty" msgpack:"to_state,omitempty"`
	FromWorkers int    `json:"from_workers,omitempty" msgpack:"from_workers,omitempty"`
	ToWorkers   int    `json:"to_workers,omitempty" msgpack:"to_workers,omitempty"`
}

func jobEnvelope(event string, j *job.Job) *Envelope {
	return &Envelope{
		Event:   event,
		At:      time.Now().UTC(),
		JobID:   j.ID.String(),
		Kind:    j.Kind,
		Queue:   j.Queue,
		Attempt: j.Attempts,
	}
}
