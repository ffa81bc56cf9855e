// Package acp defines the boundary between the buyer agent and the Agent
// Commerce Protocol SDK.
//
// Everything protocol-specific (job phase transitions, payment execution,
// contract calls, memo negotiation, wallet handling) lives behind these
// interfaces. The buyer only reads job fields and calls Pay / Evaluate.
package acp

import (
	"context"
	"fmt"
	"log/slog"
)

// Memo is an SDK annotation on a job proposing a phase transition.
type Memo struct {
	ID        int64  `json:"id"`
	NextPhase Phase  `json:"nextPhase"`
	Content   string `json:"content,omitempty"`
}

// Job is a read-only view of an SDK job plus the two actions a buyer may take.
type Job interface {
	ID() string
	Phase() Phase
	Price() float64
	Memos() []Memo

	// Pay settles the job for amount. It blocks until the SDK answers.
	Pay(ctx context.Context, amount float64) error

	// Evaluate submits the buyer's verdict on delivered work.
	Evaluate(ctx context.Context, approved bool, reason string) error
}

// Handler receives job notifications from the SDK. Implementations must not
// panic or block the SDK's delivery loop on failures; they report through
// their own audit trail instead of returning errors.
type Handler interface {
	OnNewTask(ctx context.Context, job Job)
	OnEvaluate(ctx context.Context, job Job)
}

// Client is a built SDK client delivering events to the Handler it was built with.
type Client interface {
	// Run delivers events until ctx is cancelled or the connection is lost.
	Run(ctx context.Context) error
	Close() error
}

// Builder constructs a Client. It is the equivalent of the SDK's contract
// client build step and may fail (bad credentials, unreachable SDK).
type Builder interface {
	Build(ctx context.Context, creds Credentials, h Handler) (Client, error)
}

// Credentials identify the buyer agent to the SDK.
type Credentials struct {
	PrivateKey    string
	EntityID      int64
	WalletAddress string
}

// String never prints the private key.
func (c Credentials) String() string {
	return fmt.Sprintf("entity=%d wallet=%s key=%s", c.EntityID, c.WalletAddress, redact(c.PrivateKey))
}

// LogValue implements slog.LogValuer.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("entity_id", c.EntityID),
		slog.String("wallet", c.WalletAddress),
		slog.String("private_key", redact(c.PrivateKey)),
	)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "[REDACTED]"
}

// HasMemoTo reports whether any memo on the job proposes moving to phase.
func HasMemoTo(job Job, phase Phase) bool {
	for _, m := range job.Memos() {
		if m.NextPhase == phase {
			return true
		}
	}
	return false
}
