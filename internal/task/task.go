// Package task defines the unit of work run by the batch runner and loads
// task lists from disk.
package task

import (
	"encoding/json"
	"time"
)

// Task is one external command identified by a unique handle.
//
// CaptureStdout/CaptureStderr are initial values; while a task is active its
// worker owns the live flags.
type Task struct {
	Handle           string
	Command          []string
	RetriesRemaining int
	CaptureStdout    bool
	CaptureStderr    bool
	Dir              string
	Env              []string

	// Result is attached on every terminal process exit.
	Result *Result
}

// Result is the outcome of the final attempt of a task.
type Result struct {
	ExitCode   int           `json:"exit_code"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
	Attempts   int           `json:"attempts,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func (r *Result) Successful() bool { return r != nil && r.ExitCode == 0 }

// Successful reports whether the last result exited 0.
func (t *Task) Successful() bool { return t.Result.Successful() }

// PermanentlyFailed reports a non-zero last result with no retries left.
func (t *Task) PermanentlyFailed() bool {
	return t.Result != nil && t.Result.ExitCode != 0 && t.RetriesRemaining == 0
}

// Clone returns a deep copy.
func (t Task) Clone() Task {
	out := t
	out.Command = append([]string(nil), t.Command...)
	if t.Env != nil {
		out.Env = append([]string(nil), t.Env...)
	}
	if t.Result != nil {
		r := *t.Result
		out.Result = &r
	}
	return out
}

// Spec is one task list entry as stored on disk.
//
// Two shapes are accepted:
//
//	{"handle": "a", "command": ["sh", "-c", "true"], "retries": 2, "capture_stdout": true}
//	{"metadata": {"handle": "a", "retries": 2, "can_handle_output": true}, "args": ["sh", "-c", "true"]}
type Spec struct {
	Handle        string   `json:"handle"`
	Command       []string `json:"command"`
	Retries       int      `json:"retries,omitempty"`
	CaptureStdout bool     `json:"capture_stdout,omitempty"`
	CaptureStderr bool     `json:"capture_stderr,omitempty"`
	Dir           string   `json:"dir,omitempty"`
	Env           []string `json:"env,omitempty"`
}

type legacyMetadata struct {
	Handle          string `json:"handle"`
	Retries         int    `json:"retries"`
	CanHandleOutput bool   `json:"can_handle_output"`
	CanHandleError  bool   `json:"can_handle_error"`
}

type wireSpec struct {
	Handle        string          `json:"handle"`
	Command       []string        `json:"command"`
	Retries       int             `json:"retries"`
	CaptureStdout bool            `json:"capture_stdout"`
	CaptureStderr bool            `json:"capture_stderr"`
	Dir           string          `json:"dir"`
	Env           []string        `json:"env"`
	Metadata      *legacyMetadata `json:"metadata"`
	Args          []string        `json:"args"`
}

func (s *Spec) UnmarshalJSON(b []byte) error {
	var w wireSpec
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = Spec{
		Handle:        w.Handle,
		Command:       w.Command,
		Retries:       w.Retries,
		CaptureStdout: w.CaptureStdout,
		CaptureStderr: w.CaptureStderr,
		Dir:           w.Dir,
		Env:           w.Env,
	}
	if m := w.Metadata; m != nil {
		if s.Handle == "" {
			s.Handle = m.Handle
		}
		if s.Retries == 0 {
			s.Retries = m.Retries
		}
		s.CaptureStdout = s.CaptureStdout || m.CanHandleOutput
		s.CaptureStderr = s.CaptureStderr || m.CanHandleError
	}
	if len(s.Command) == 0 {
		s.Command = w.Args
	}
	return nil
}

// Task converts the spec into a runnable task.
func (s Spec) Task() Task {
	return Task{
		Handle:           s.Handle,
		Command:          append([]string(nil), s.Command...),
		RetriesRemaining: s.Retries,
		CaptureStdout:    s.CaptureStdout,
		CaptureStderr:    s.CaptureStderr,
		Dir:              s.Dir,
		Env:              append([]string(nil), s.Env...),
	}
}

// SpecOf is the inverse of Spec.Task, used when writing task lists.
func SpecOf(t Task) Spec {
	return Spec{
		Handle:        t.Handle,
		Command:       append([]string(nil), t.Command...),
		Retries:       t.RetriesRemaining,
		CaptureStdout: t.CaptureStdout,
		CaptureStderr: t.CaptureStderr,
		Dir:           t.Dir,
		Env:           t.Env,
	}
}
