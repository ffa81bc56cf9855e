package bridge

import (
	"encoding/json"

	"github.com/ocx/acp-buyer/internal/acp"
)

// Frame types exchanged with the SDK sidecar.
const (
	TypeBuild       = "build"
	TypeReady       = "ready"
	TypeNewTask     = "new_task"
	TypeEvaluate    = "evaluate"
	TypePay         = "pay"
	TypeEvaluateJob = "evaluate_job"
	TypeResult      = "result"
)

// Frame is the single JSON message shape on the bridge socket. Requests carry
// an ID; the sidecar answers with a result frame carrying the same ID.
type Frame struct {
	ID          string          `json:"id,omitempty"`
	Type        string          `json:"type"`
	Job         *JobPayload     `json:"job,omitempty"`
	JobID       string          `json:"jobId,omitempty"`
	Amount      *float64        `json:"amount,omitempty"`
	Approved    *bool           `json:"approved,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Error       string          `json:"error,omitempty"`
	Credentials *CredentialsMsg `json:"credentials,omitempty"`
}

// CredentialsMsg is the build request body.
type CredentialsMsg struct {
	PrivateKey    string `json:"privateKey"`
	EntityID      int64  `json:"entityId"`
	WalletAddress string `json:"walletAddress"`
}

// JobPayload is the job snapshot attached to event frames.
type JobPayload struct {
	ID    JobID      `json:"id"`
	Phase acp.Phase  `json:"phase"`
	Price float64    `json:"price"`
	Memos []acp.Memo `json:"memos"`
}

// JobID accepts both JSON numbers and strings; the SDK uses numeric ids.
type JobID string

func (id *JobID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = JobID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = JobID(n.String())
	return nil
}
