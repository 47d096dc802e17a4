package audithook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Vanuan/photoq/ext"
	"github.com/Vanuan/photoq/fault"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension = (*Extension)(nil)
	_ ext.JobFailed = (*Extension)(nil)
)

// ActionJobDenied is the action stamped on every audited denial.
const ActionJobDenied = "job.security_denied"

// SeverityCritical is the severity stamped on every audited denial.
// Security failures are never retried, so each event is a terminal
// authorization problem.
const SeverityCritical = "critical"

// Event is one audited security failure.
type Event struct {
	Action   string    `json:"action"`
	JobID    id.JobID  `json:"job_id"`
	Queue    string    `json:"queue"`
	Kind     string    `json:"kind"`
	Subject  string    `json:"subject,omitempty"`
	Attempt  int       `json:"attempt"`
	Reason   string    `json:"reason"`
	Severity string    `json:"severity"`
	At       time.Time `json:"at"`
}

// Recorder is the interface audit backends implement. The default is
// the in-memory [Trail]; callers bridge to an external audit system by
// injecting their own Recorder at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Extension watches job failures and audits the security-classified
// ones. Failures in any other category pass through untouched.
type Extension struct {
	recorder Recorder
	trail    *Trail
	logger   *slog.Logger
	capacity int
}

// New creates an Extension. Without WithRecorder it records into a
// bounded in-memory Trail, readable through the Trail method.
func New(opts ...Option) *Extension {
	e := &Extension{
		logger:   slog.Default(),
		capacity: DefaultCapacity,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.recorder == nil {
		e.trail = NewTrail(e.capacity)
		e.recorder = e.trail
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// Trail returns the built-in trail, or nil when a custom Recorder was
// injected.
func (e *Extension) Trail() *Trail { return e.trail }

// OnJobFailed implements ext.JobFailed. It fires once per security
// denial: security faults are never retried, so the failed hook and
// the denial are one-to-one.
func (e *Extension) OnJobFailed(ctx context.Context, j *job.Job, jobErr error) error {
	if fault.Classify(jobErr) != fault.CategorySecurity {
		return nil
	}

	subject := subjectOf(jobErr)
	evt := &Event{
		Action:   ActionJobDenied,
		JobID:    j.ID,
		Queue:    j.Queue,
		Kind:     j.Kind,
		Subject:  subject,
		Attempt:  j.Attempts,
		Reason:   jobErr.Error(),
		Severity: SeverityCritical,
		At:       time.Now().UTC(),
	}

	e.logger.Error("job denied by authorization",
		slog.String("job_id", j.ID.String()),
		slog.String("queue", j.Queue),
		slog.String("kind", j.Kind),
		slog.String("subject", subject),
		slog.Any("error", jobErr),
	)

	if err := e.recorder.Record(ctx, evt); err != nil {
		e.logger.Warn("audit event not recorded",
			slog.String("job_id", j.ID.String()),
			slog.Any("error", err),
		)
	}
	return nil
}

func subjectOf(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Subject
	}
	return ""
}
