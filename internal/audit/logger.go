// Package audit implements the buyer's append-only action log.
//
// Every decision point of the buyer is recorded as one CSV line in a record
// store (acp_actions.csv by default) and echoed to the console. Optional
// mirrors (for example a Redis stream) receive a copy of each entry.
package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultFile is the record store name used when none is configured.
const DefaultFile = "acp_actions.csv"

// Header is the first line of every record store.
const Header = "timestamp,action,job_id,status,details"

// SubjectSystem is the subject of entries that are not about a job.
const SubjectSystem = "SYSTEM"

// Status is the outcome column of an entry.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
	StatusInfo    Status = "INFO"
)

// Entry is one audit record.
type Entry struct {
	Timestamp time.Time
	Action    string
	SubjectID string
	Status    Status
	Details   string
}

// Recorder is what the dispatcher and the startup sequence need from the log.
type Recorder interface {
	Record(action, subjectID, details string, status Status) error
}

// Mirror receives a copy of every persisted entry.
type Mirror interface {
	Mirror(ctx context.Context, e Entry) error
}

// Option configures a Logger.
type Option func(*Logger)

// WithConsole sets where the human-readable line goes (stdout by default).
// A nil writer disables it.
func WithConsole(w io.Writer) Option {
	return func(l *Logger) { l.console = w }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithMirror adds a best-effort mirror.
func WithMirror(m Mirror) Option {
	return func(l *Logger) { l.mirrors = append(l.mirrors, m) }
}

// WithFailureHook is called whenever a mirror rejects an entry.
func WithFailureHook(fn func(error)) Option {
	return func(l *Logger) { l.onMirrorErr = fn }
}

// Logger writes entries to the record store. It is safe for concurrent use;
// each Record call produces exactly one complete line.
type Logger struct {
	mu          sync.Mutex
	path        string
	console     io.Writer
	now         func() time.Time
	mirrors     []Mirror
	onMirrorErr func(error)
	createStore func(path string) (io.WriteCloser, error)
}

// NewLogger creates a logger for the record store at path. The file itself is
// created lazily by the first Record call.
func NewLogger(path string, opts ...Option) *Logger {
	if path == "" {
		path = DefaultFile
	}
	l := &Logger{
		path:        path,
		console:     os.Stdout,
		now:         time.Now,
		createStore: createExclusive,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the record store location.
func (l *Logger) Path() string { return l.path }

// Info records an entry with INFO status.
func (l *Logger) Info(action, subjectID, details string) error {
	return l.Record(action, subjectID, details, StatusInfo)
}

// Record appends one entry to the store and echoes it to the console. The
// line is synced to disk before Record returns. Store failures are returned;
// mirror failures are only logged. Mirrors receive entries outside the store
// lock, so their order across concurrent callers is not guaranteed.
func (l *Logger) Record(action, subjectID, details string, status Status) error {
	if action == "" {
		return errors.New("audit: action is required")
	}
	if status == "" {
		status = StatusInfo
	}

	e, err := l.persist(action, subjectID, details, status)
	if err != nil {
		return err
	}

	for _, m := range l.mirrors {
		if err := m.Mirror(context.Background(), e); err != nil {
			slog.Warn("Audit mirror failed", "action", e.Action, "subject", e.SubjectID, "error", err)
			if l.onMirrorErr != nil {
				l.onMirrorErr(err)
			}
		}
	}
	return nil
}

// persist writes the line and the console echo under the lock.
func (l *Logger) persist(action, subjectID, details string, status Status) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Timestamp: l.now().UTC(),
		Action:    action,
		SubjectID: subjectID,
		Status:    status,
		Details:   details,
	}

	if err := l.append(FormatLine(e)); err != nil {
		return Entry{}, err
	}
	if l.console != nil {
		fmt.Fprintln(l.console, ConsoleLine(e))
	}
	return e, nil
}

// append creates the store with its header when absent, then appends line.
func (l *Logger) append(line string) error {
	if err := l.ensureHeader(); err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", l.path, err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("audit: append %s: %w", l.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("audit: sync %s: %w", l.path, err)
	}
	return f.Close()
}

// ensureHeader creates the store with its header. A store whose header could
// not be written is removed so the next call starts over.
func (l *Logger) ensureHeader() error {
	f, err := l.createStore(l.path)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: create %s: %w", l.path, err)
	}
	if _, err := io.WriteString(f, Header+"\n"); err != nil {
		f.Close()
		os.Remove(l.path)
		return fmt.Errorf("audit: write header %s: %w", l.path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(l.path)
		return fmt.Errorf("audit: write header %s: %w", l.path, err)
	}
	return nil
}

func createExclusive(path string) (io.WriteCloser, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}
