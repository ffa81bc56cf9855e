// Package acpfake provides in-memory stand-ins for the ACP SDK used by tests
// and local dry runs.
package acpfake

import (
	"context"
	"sync"

	"github.com/ocx/acp-buyer/internal/acp"
)

// EvaluateCall captures one Evaluate invocation.
type EvaluateCall struct {
	Approved bool
	Reason   string
}

// Job is a programmable acp.Job that records every action taken on it.
type Job struct {
	JobID    string
	JobPhase acp.Phase
	JobPrice float64
	JobMemos []acp.Memo

	// PayErr and EvaluateErr are returned by the corresponding calls.
	PayErr      error
	EvaluateErr error

	// PayPanic makes Pay panic with the given value when non-nil.
	PayPanic any

	mu       sync.Mutex
	payments []float64
	verdicts []EvaluateCall
}

var _ acp.Job = (*Job)(nil)

func (j *Job) ID() string        { return j.JobID }
func (j *Job) Phase() acp.Phase  { return j.JobPhase }
func (j *Job) Price() float64    { return j.JobPrice }
func (j *Job) Memos() []acp.Memo { return j.JobMemos }

func (j *Job) Pay(_ context.Context, amount float64) error {
	j.mu.Lock()
	j.payments = append(j.payments, amount)
	j.mu.Unlock()
	if j.PayPanic != nil {
		panic(j.PayPanic)
	}
	return j.PayErr
}

func (j *Job) Evaluate(_ context.Context, approved bool, reason string) error {
	j.mu.Lock()
	j.verdicts = append(j.verdicts, EvaluateCall{Approved: approved, Reason: reason})
	j.mu.Unlock()
	return j.EvaluateErr
}

// Payments returns the amounts passed to Pay, in call order.
func (j *Job) Payments() []float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]float64(nil), j.payments...)
}

// Evaluations returns the arguments passed to Evaluate, in call order.
func (j *Job) Evaluations() []EvaluateCall {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]EvaluateCall(nil), j.verdicts...)
}

// Builder records Build calls and hands out Clients.
type Builder struct {
	// Err fails Build when set.
	Err error

	mu     sync.Mutex
	builds []acp.Credentials
	client *Client
}

var _ acp.Builder = (*Builder)(nil)

func (b *Builder) Build(_ context.Context, creds acp.Credentials, h acp.Handler) (acp.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builds = append(b.builds, creds)
	if b.Err != nil {
		return nil, b.Err
	}
	b.client = &Client{handler: h, events: make(chan func(context.Context), 16), done: make(chan struct{})}
	return b.client, nil
}

// Builds returns the credentials of every Build call.
func (b *Builder) Builds() []acp.Credentials {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]acp.Credentials(nil), b.builds...)
}

// Client returns the last client built, or nil.
func (b *Builder) Client() *Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// Client delivers events queued with NewTask / Evaluate while Run is active.
type Client struct {
	handler acp.Handler
	events  chan func(context.Context)

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

// NewTask queues an onNewTask notification.
func (c *Client) NewTask(job acp.Job) {
	c.events <- func(ctx context.Context) { c.handler.OnNewTask(ctx, job) }
}

// Evaluate queues an onEvaluate notification.
func (c *Client) Evaluate(job acp.Job) {
	c.events <- func(ctx context.Context) { c.handler.OnEvaluate(ctx, job) }
}

// Run dispatches every queued event on its own goroutine, like the SDK does.
func (c *Client) Run(ctx context.Context) error {
	defer c.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case ev := <-c.events:
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				ev(ctx)
			}()
		}
	}
}

func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
