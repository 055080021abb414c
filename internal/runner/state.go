package runner

import (
	"fmt"
	"time"
)

// State is the scheduler state.
type State int32

const (
	StateInit State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Stats are the aggregate run counters.
//
// Completed counts settled tasks (successful + failed). Remaining is every
// task neither settled nor skipped, including active and force-stopped ones.
type Stats struct {
	RunID      string
	State      State
	Total      int
	Completed  int
	Successful int
	Failed     int
	Skipped    int
	Remaining  int
	InQueue    int
	Active     int
	PeakActive int
	WorkersMax int
	StartedAt  time.Time
	Uptime     time.Duration
}

// WorkerInfo describes one active worker.
type WorkerInfo struct {
	Handle           string
	State            WorkerState
	Attempt          int
	RetriesRemaining int
	PID              int
	StartedAt        time.Time
	AttemptStartedAt time.Time
	CaptureStdout    bool
	CaptureStderr    bool
}

// WorkerState is the per-task lifecycle state.
type WorkerState int32

const (
	WorkerStarting WorkerState = iota
	WorkerRunning
	WorkerRetrying
	WorkerSettled
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStarting:
		return "starting"
	case WorkerRunning:
		return "running"
	case WorkerRetrying:
		return "retrying"
	case WorkerSettled:
		return "settled"
	case WorkerStopped:
		return "stopped"
	default:
		return fmt.Sprintf("worker(%d)", int32(s))
	}
}
