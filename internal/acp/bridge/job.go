package bridge

import (
	"context"
	"errors"

	"github.com/ocx/acp-buyer/internal/acp"
)

// job is a snapshot of an SDK job whose actions go back through the bridge.
type job struct {
	client  *Client
	payload JobPayload
}

var _ acp.Job = (*job)(nil)

func newJob(c *Client, p JobPayload) *job {
	return &job{client: c, payload: p}
}

func (j *job) ID() string        { return string(j.payload.ID) }
func (j *job) Phase() acp.Phase  { return j.payload.Phase }
func (j *job) Price() float64    { return j.payload.Price }
func (j *job) Memos() []acp.Memo { return j.payload.Memos }

func (j *job) Pay(ctx context.Context, amount float64) error {
	resp, err := j.client.request(ctx, Frame{
		Type:   TypePay,
		JobID:  j.ID(),
		Amount: &amount,
	})
	if err != nil {
		return asTransport(err)
	}
	if resp.Error != "" {
		return acp.NewError(acp.KindPayment, "%s", resp.Error)
	}
	return nil
}

func (j *job) Evaluate(ctx context.Context, approved bool, reason string) error {
	resp, err := j.client.request(ctx, Frame{
		Type:     TypeEvaluateJob,
		JobID:    j.ID(),
		Approved: &approved,
		Reason:   reason,
	})
	if err != nil {
		return asTransport(err)
	}
	if resp.Error != "" {
		return acp.NewError(acp.KindEvaluation, "%s", resp.Error)
	}
	return nil
}

func asTransport(err error) error {
	var ae *acp.Error
	if errors.As(err, &ae) {
		return err
	}
	return acp.WrapError(acp.KindTransport, err, "acp bridge request")
}
