// Package buyer wires the ACP client to the dispatcher and owns the startup
// and fatal-error path of the buyer agent.
package buyer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/pkg/errors"

	"github.com/ocx/acp-buyer/internal/acp"
	"github.com/ocx/acp-buyer/internal/audit"
	"github.com/ocx/acp-buyer/internal/config"
)

// Audit actions written during startup.
const (
	ActionStart         = "BUYER_START"
	ActionClientReady   = "ACP_CLIENT_READY"
	ActionCriticalError = "CRITICAL_ERROR"
)

// FinishedMessage is printed after a critical error has been recorded.
const FinishedMessage = "Program finished with error but didn't crash"

// Start records the start of the agent, validates the identity, builds the
// SDK client with h as its handler and records that it is ready. Nothing here
// is defensive: any failure, including a failed audit write or a panic inside
// the builder, is returned with a stack trace for ReportCritical.
func Start(ctx context.Context, cfg *config.Config, rec audit.Recorder, b acp.Builder, h acp.Handler) (client acp.Client, err error) {
	defer func() {
		if r := recover(); r != nil {
			client, err = nil, &panicError{value: r, stack: string(debug.Stack())}
		}
	}()

	details := fmt.Sprintf("Starting ACP Buyer Integration - Entity: %s, Wallet: %s",
		cfg.Buyer.EntityIDRaw, cfg.Buyer.WalletAddress)
	if err := rec.Record(ActionStart, audit.SubjectSystem, details, audit.StatusInfo); err != nil {
		return nil, errors.WithStack(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.WithStack(err)
	}

	creds := cfg.Credentials()
	slog.Info("Building ACP client", "credentials", creds)
	client, err = b.Build(ctx, creds, h)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err := rec.Record(ActionClientReady, audit.SubjectSystem,
		"ACP Client initialized and listening for tasks", audit.StatusSuccess); err != nil {
		client.Close()
		return nil, errors.WithStack(err)
	}
	return client, nil
}

// ReportCritical records err as CRITICAL_ERROR and prints FinishedMessage to
// stdout. It never panics; if even the audit write fails the error is logged.
func ReportCritical(rec audit.Recorder, err error) {
	reportCritical(os.Stdout, rec, err)
}

func reportCritical(w io.Writer, rec audit.Recorder, err error) {
	details := fmt.Sprintf("Critical error in main process: %s. Stack: %s", acp.MessageOf(err), StackOf(err))
	if rerr := rec.Record(ActionCriticalError, audit.SubjectSystem, details, audit.StatusError); rerr != nil {
		slog.Error("Could not record critical error", "error", err, "audit_error", rerr)
	}
	fmt.Fprintln(w, FinishedMessage)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// StackOf returns the stack trace carried by err, or "N/A".
func StackOf(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return pe.stack
	}
	var st stackTracer
	if errors.As(err, &st) {
		return fmt.Sprintf("%+v", st.StackTrace())
	}
	return "N/A"
}

// panicError is a recovered startup panic.
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}
