package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/acp-buyer/internal/acp"
	"github.com/ocx/acp-buyer/internal/acp/acpfake"
	"github.com/ocx/acp-buyer/internal/audit"
	"github.com/ocx/acp-buyer/internal/events"
	"github.com/ocx/acp-buyer/internal/monitoring"
)

func newAuditLog(t *testing.T) (*audit.Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "acp_actions.csv")
	clock := func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	return audit.NewLogger(path, audit.WithConsole(nil), audit.WithClock(clock)), path
}

func readLog(t *testing.T, path string) []audit.Entry {
	t.Helper()
	entries, err := audit.Tail(path, 100)
	require.NoError(t, err)
	return entries
}

func actions(entries []audit.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func payableJob() *acpfake.Job {
	return &acpfake.Job{
		JobID:    "42",
		JobPhase: acp.PhaseNegotiation,
		JobPrice: 1.5,
		JobMemos: []acp.Memo{
			{ID: 1, NextPhase: acp.PhaseNegotiation},
			{ID: 2, NextPhase: acp.PhaseTransaction},
		},
	}
}

func TestOnNewTask_PaysOnceWhenTransactionProposed(t *testing.T) {
	log, path := newAuditLog(t)
	d := New(log)
	job := payableJob()

	d.OnNewTask(context.Background(), job)

	assert.Equal(t, []float64{1.5}, job.Payments())

	entries := readLog(t, path)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{ActionNewTaskReceived, ActionPaymentProcessing, ActionPaymentCompleted}, actions(entries))
	// The SDK's numeric phase, not its name.
	assert.Equal(t, "Phase: 1, Price: 1.5, Memos: 2", entries[0].Details)
	assert.Equal(t, audit.StatusInfo, entries[0].Status)
	assert.Equal(t, "Processing payment of 1.5", entries[1].Details)
	assert.Equal(t, audit.StatusSuccess, entries[2].Status)
	assert.Equal(t, "Payment of 1.5 completed successfully", entries[2].Details)
	for _, e := range entries {
		assert.Equal(t, "42", e.SubjectID)
	}
}

func TestOnNewTask_PaymentFailureIsRecordedAndSwallowed(t *testing.T) {
	log, path := newAuditLog(t)
	d := New(log)
	job := payableJob()
	job.PayErr = acp.NewError(acp.KindPayment, "insufficient funds")

	assert.NotPanics(t, func() { d.OnNewTask(context.Background(), job) })
	assert.Len(t, job.Payments(), 1, "no retry")

	entries := readLog(t, path)
	require.Len(t, entries, 3)
	last := entries[2]
	assert.Equal(t, ActionPaymentFailed, last.Action)
	assert.Equal(t, audit.StatusError, last.Status)
	assert.Equal(t, "Payment of 1.5 failed: insufficient funds", last.Details)
}

func TestOnNewTask_PaymentPanicIsRecovered(t *testing.T) {
	log, path := newAuditLog(t)
	d := New(log)
	job := payableJob()
	job.PayPanic = "contract reverted"

	assert.NotPanics(t, func() { d.OnNewTask(context.Background(), job) })

	entries := readLog(t, path)
	require.Len(t, entries, 3)
	assert.Equal(t, ActionPaymentFailed, entries[2].Action)
	assert.Contains(t, entries[2].Details, "contract reverted")
}

func TestOnNewTask_NegotiationWithoutTransactionMemo(t *testing.T) {
	log, path := newAuditLog(t)
	d := New(log)
	job := payableJob()
	job.JobMemos = []acp.Memo{{ID: 1, NextPhase: acp.PhaseEvaluation}}

	d.OnNewTask(context.Background(), job)

	assert.Empty(t, job.Payments())
	assert.Equal(t, []string{ActionNewTaskReceived}, actions(readLog(t, path)))
}

func TestOnNewTask_TerminalPhases(t *testing.T) {
	tests := []struct {
		name    string
		phase   acp.Phase
		action  string
		status  audit.Status
		details string
	}{
		{"completed", acp.PhaseCompleted, ActionJobCompleted, audit.StatusSuccess, "Job completed successfully"},
		{"rejected", acp.PhaseRejected, ActionJobRejected, audit.StatusInfo, "Job was rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, path := newAuditLog(t)
			d := New(log)
			// A stale TRANSACTION memo must not trigger a payment.
			job := &acpfake.Job{
				JobID:    "7",
				JobPhase: tt.phase,
				JobPrice: 3,
				JobMemos: []acp.Memo{{ID: 1, NextPhase: acp.PhaseTransaction}},
			}

			d.OnNewTask(context.Background(), job)

			assert.Empty(t, job.Payments())
			entries := readLog(t, path)
			require.Len(t, entries, 2)
			assert.Equal(t, tt.action, entries[1].Action)
			assert.Equal(t, tt.status, entries[1].Status)
			assert.Equal(t, tt.details, entries[1].Details)
		})
	}
}

func TestOnNewTask_OtherPhasesOnlyLogReceipt(t *testing.T) {
	for _, phase := range []acp.Phase{acp.PhaseRequest, acp.PhaseTransaction, acp.PhaseEvaluation, acp.PhaseExpired, acp.Phase(42)} {
		t.Run(phase.String(), func(t *testing.T) {
			log, path := newAuditLog(t)
			d := New(log)
			job := &acpfake.Job{
				JobID:    "9",
				JobPhase: phase,
				JobMemos: []acp.Memo{{ID: 1, NextPhase: acp.PhaseTransaction}},
			}

			d.OnNewTask(context.Background(), job)

			assert.Empty(t, job.Payments())
			assert.Empty(t, job.Evaluations())
			got := readLog(t, path)
			assert.Equal(t, []string{ActionNewTaskReceived}, actions(got))
			assert.Equal(t, fmt.Sprintf("Phase: %d, Price: 0, Memos: 1", int(phase)), got[0].Details)
		})
	}
}

func TestOnEvaluate_AlwaysApproves(t *testing.T) {
	log, path := newAuditLog(t)
	d := New(log)
	job := &acpfake.Job{JobID: "11", JobPhase: acp.PhaseEvaluation}

	d.OnEvaluate(context.Background(), job)

	require.Len(t, job.Evaluations(), 1)
	assert.Equal(t, acpfake.EvaluateCall{Approved: true, Reason: "Self-evaluated and approved"}, job.Evaluations()[0])

	entries := readLog(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionEvaluationStarted, entries[0].Action)
	assert.Equal(t, ActionEvaluationCompleted, entries[1].Action)
	assert.Equal(t, audit.StatusSuccess, entries[1].Status)
}

func TestOnEvaluate_FailureIsRecordedAndSwallowed(t *testing.T) {
	log, path := newAuditLog(t)
	d := New(log)
	job := &acpfake.Job{JobID: "12", EvaluateErr: errors.New("caller is not the evaluator")}

	assert.NotPanics(t, func() { d.OnEvaluate(context.Background(), job) })
	assert.Len(t, job.Evaluations(), 1)

	entries := readLog(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionEvaluationFailed, entries[1].Action)
	assert.Equal(t, audit.StatusError, entries[1].Status)
	assert.Equal(t, "Job evaluation failed: caller is not the evaluator", entries[1].Details)
}

// failingRecorder rejects every record.
type failingRecorder struct {
	mu    sync.Mutex
	calls int
}

func (r *failingRecorder) Record(string, string, string, audit.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return errors.New("disk full")
}

func TestAuditFailureDoesNotStopPayment(t *testing.T) {
	rec := &failingRecorder{}
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	d := New(rec, WithMetrics(metrics))
	job := payableJob()

	assert.NotPanics(t, func() { d.OnNewTask(context.Background(), job) })

	assert.Equal(t, []float64{1.5}, job.Payments())
	assert.Equal(t, 3, rec.calls)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.AuditWriteFailures))
}

func TestMetricsAndEvents(t *testing.T) {
	log, _ := newAuditLog(t)
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	bus := events.NewBus()
	sub := bus.Subscribe()
	d := New(log, WithMetrics(metrics), WithEmitter(bus))

	failing := payableJob()
	failing.JobID = "2"
	failing.PayErr = errors.New("nonce too low")

	d.OnNewTask(context.Background(), payableJob())
	d.OnNewTask(context.Background(), failing)
	d.OnEvaluate(context.Background(), &acpfake.Job{JobID: "3"})

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.TasksReceived.WithLabelValues("NEGOTIATION")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Payments.WithLabelValues(monitoring.ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Payments.WithLabelValues(monitoring.ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Evaluations.WithLabelValues(monitoring.ResultSuccess)))

	var got []string
	for len(sub) > 0 {
		ev := <-sub
		got = append(got, ev.Type+"/"+ev.Subject)
	}
	assert.Equal(t, []string{
		events.TypeTaskReceived + "/42",
		events.TypePaymentCompleted + "/42",
		events.TypeTaskReceived + "/2",
		events.TypePaymentFailed + "/2",
		events.TypeEvaluationCompleted + "/3",
	}, got)
}

func TestConcurrentNotifications(t *testing.T) {
	log, path := newAuditLog(t)
	d := New(log)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.OnNewTask(context.Background(), payableJob())
		}()
		go func() {
			defer wg.Done()
			d.OnEvaluate(context.Background(), &acpfake.Job{JobID: "e"})
		}()
	}
	wg.Wait()

	assert.Len(t, readLog(t, path), 20*3+20*2)
}

func TestWithFakeClient(t *testing.T) {
	log, path := newAuditLog(t)
	builder := &acpfake.Builder{}
	client, err := builder.Build(context.Background(), acp.Credentials{}, New(log))
	require.NoError(t, err)

	job := payableJob()
	fake := builder.Client()
	fake.NewTask(job)
	fake.Evaluate(&acpfake.Job{JobID: "43"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool {
		entries, err := audit.Tail(path, 100)
		return err == nil && len(entries) == 5
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []float64{1.5}, job.Payments())
}
