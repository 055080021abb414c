package storage

import (
	"context"
	"errors"
	"time"

	"taskrunner/internal/task"
)

var ErrClosed = errors.New("storage closed")

// Config configures the progress store.
//
// Driver values:
//   - "file": directory of <handle>.json files
//   - "sqlite": SQLite database file
//   - "none" or empty: memory only
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the progress persistence API used by the runner.
type Store interface {
	// Load returns the record for handle. ok is false when none exists.
	Load(ctx context.Context, handle string) (rec Record, ok bool, err error)
	// Save replaces the record for rec.Handle.
	Save(ctx context.Context, rec Record) error
	// List returns all records ordered by handle.
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// Record is the durable copy of a task and its latest result.
type Record struct {
	Handle           string       `json:"handle"`
	Command          []string     `json:"command"`
	RetriesRemaining int          `json:"retries_remaining"`
	CaptureStdout    bool         `json:"capture_stdout,omitempty"`
	CaptureStderr    bool         `json:"capture_stderr,omitempty"`
	Result           *task.Result `json:"result,omitempty"`
	SavedAt          time.Time    `json:"saved_at"`
}

// RecordOf snapshots t.
func RecordOf(t task.Task) Record {
	c := t.Clone()
	return Record{
		Handle:           c.Handle,
		Command:          c.Command,
		RetriesRemaining: c.RetriesRemaining,
		CaptureStdout:    c.CaptureStdout,
		CaptureStderr:    c.CaptureStderr,
		Result:           c.Result,
	}
}

// Settled reports whether the record needs no further attempts: the task
// succeeded, or failed with no retries left.
func (r Record) Settled() bool {
	if r.Result == nil {
		return false
	}
	return r.Result.ExitCode == 0 || r.RetriesRemaining == 0
}

// Resume applies the persisted retry budget and last result to t.
// The command and capture flags from the task list win.
func (r Record) Resume(t task.Task) task.Task {
	out := t.Clone()
	if r.Result == nil {
		return out
	}
	out.RetriesRemaining = r.RetriesRemaining
	res := *r.Result
	out.Result = &res
	return out
}
