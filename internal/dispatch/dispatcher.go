// Package dispatch turns ACP job notifications into buyer actions.
//
// The dispatcher reacts to whatever phase the SDK reports; it never enforces
// transitions. Every SDK call is best effort: failures are recorded and the
// handler returns normally. There are no retries; the SDK re-notifies when it
// sees fit.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ocx/acp-buyer/internal/acp"
	"github.com/ocx/acp-buyer/internal/audit"
	"github.com/ocx/acp-buyer/internal/events"
	"github.com/ocx/acp-buyer/internal/monitoring"
)

// Audit actions written by the dispatcher.
const (
	ActionNewTaskReceived     = "NEW_TASK_RECEIVED"
	ActionPaymentProcessing   = "PAYMENT_PROCESSING"
	ActionPaymentCompleted    = "PAYMENT_COMPLETED"
	ActionPaymentFailed       = "PAYMENT_FAILED"
	ActionJobCompleted        = "JOB_COMPLETED"
	ActionJobRejected         = "JOB_REJECTED"
	ActionEvaluationStarted   = "JOB_EVALUATION_STARTED"
	ActionEvaluationCompleted = "JOB_EVALUATION_COMPLETED"
	ActionEvaluationFailed    = "JOB_EVALUATION_FAILED"
)

// ApprovalMessage accompanies every evaluation. Approval is unconditional.
const ApprovalMessage = "Self-evaluated and approved"

// Dispatcher implements acp.Handler.
type Dispatcher struct {
	audit   audit.Recorder
	emitter events.Emitter
	metrics *monitoring.Metrics
	now     func() time.Time
}

var _ acp.Handler = (*Dispatcher)(nil)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithEmitter publishes lifecycle events alongside the audit trail.
func WithEmitter(e events.Emitter) Option {
	return func(d *Dispatcher) { d.emitter = e }
}

// WithMetrics records task, payment and evaluation counters.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher writing to rec.
func New(rec audit.Recorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{audit: rec, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnNewTask handles a job notification. Only three situations lead to more
// than the receipt line: a negotiation with a memo proposing TRANSACTION
// (pay), COMPLETED and REJECTED. Every other phase is left alone on purpose.
func (d *Dispatcher) OnNewTask(ctx context.Context, job acp.Job) {
	id := job.ID()
	price := formatAmount(job.Price())

	d.record(ActionNewTaskReceived, id,
		fmt.Sprintf("Phase: %d, Price: %s, Memos: %d", int(job.Phase()), price, len(job.Memos())), audit.StatusInfo)
	if d.metrics != nil {
		d.metrics.RecordTask(job.Phase().String())
	}
	d.emit(events.TypeTaskReceived, id, map[string]interface{}{
		"phase": job.Phase().String(),
		"price": job.Price(),
		"memos": len(job.Memos()),
	})

	switch {
	case job.Phase() == acp.PhaseNegotiation && acp.HasMemoTo(job, acp.PhaseTransaction):
		d.pay(ctx, job)
	case job.Phase() == acp.PhaseCompleted:
		d.record(ActionJobCompleted, id, "Job completed successfully", audit.StatusSuccess)
		d.emit(events.TypeJobCompleted, id, nil)
	case job.Phase() == acp.PhaseRejected:
		d.record(ActionJobRejected, id, "Job was rejected", audit.StatusInfo)
		d.emit(events.TypeJobRejected, id, nil)
	default:
		slog.Debug("No action for job phase", "job_id", id, "phase", job.Phase())
	}
}

func (d *Dispatcher) pay(ctx context.Context, job acp.Job) {
	id := job.ID()
	price := formatAmount(job.Price())

	d.record(ActionPaymentProcessing, id, fmt.Sprintf("Processing payment of %s", price), audit.StatusInfo)

	start := d.now()
	err := guard(func() error { return job.Pay(ctx, job.Price()) })
	if d.metrics != nil {
		d.metrics.RecordPayment(err == nil, d.now().Sub(start).Seconds())
	}

	if err != nil {
		d.record(ActionPaymentFailed, id,
			fmt.Sprintf("Payment of %s failed: %s", price, acp.MessageOf(err)), audit.StatusError)
		d.emit(events.TypePaymentFailed, id, map[string]interface{}{
			"price": job.Price(),
			"error": acp.MessageOf(err),
			"kind":  string(acp.KindOf(err)),
		})
		slog.Warn("Continuing execution...", "job_id", id, "action", ActionPaymentFailed)
		return
	}

	d.record(ActionPaymentCompleted, id,
		fmt.Sprintf("Payment of %s completed successfully", price), audit.StatusSuccess)
	d.emit(events.TypePaymentCompleted, id, map[string]interface{}{"price": job.Price()})
}

// OnEvaluate approves the job's deliverable unconditionally.
func (d *Dispatcher) OnEvaluate(ctx context.Context, job acp.Job) {
	id := job.ID()
	d.record(ActionEvaluationStarted, id, "Starting job evaluation", audit.StatusInfo)

	err := guard(func() error { return job.Evaluate(ctx, true, ApprovalMessage) })
	if d.metrics != nil {
		d.metrics.RecordEvaluation(err == nil)
	}

	if err != nil {
		d.record(ActionEvaluationFailed, id,
			fmt.Sprintf("Job evaluation failed: %s", acp.MessageOf(err)), audit.StatusError)
		d.emit(events.TypeEvaluationFailed, id, map[string]interface{}{
			"error": acp.MessageOf(err),
			"kind":  string(acp.KindOf(err)),
		})
		slog.Warn("Continuing execution...", "job_id", id, "action", ActionEvaluationFailed)
		return
	}

	d.record(ActionEvaluationCompleted, id, "Job evaluation completed - approved", audit.StatusSuccess)
	d.emit(events.TypeEvaluationCompleted, id, map[string]interface{}{"approved": true})
}

// record never fails the handler; a lost audit line is logged and counted.
func (d *Dispatcher) record(action, jobID, details string, status audit.Status) {
	if err := d.audit.Record(action, jobID, details, status); err != nil {
		slog.Error("Audit record failed", "action", action, "job_id", jobID, "error", err)
		if d.metrics != nil {
			d.metrics.RecordAuditFailure()
		}
	}
}

func (d *Dispatcher) emit(eventType, jobID string, data map[string]interface{}) {
	if d.emitter != nil {
		d.emitter.Emit(eventType, jobID, data)
	}
}

// guard converts a panic inside an SDK call into an error.
func guard(call func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in sdk call: %v", r)
		}
	}()
	return call()
}

// formatAmount prints prices the way they appear in the SDK (no trailing zeros).
func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
