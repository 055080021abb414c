// Package eventbus fans out run and task lifecycle events to in-process
// subscribers (notifier, systemd status, tests).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event kinds published by the runner.
const (
	RunStarted   = "run.started"
	RunPaused    = "run.paused"
	RunResumed   = "run.resumed"
	RunFinished  = "run.finished"
	RunAborted   = "run.aborted"
	TaskStarted  = "task.started"
	TaskRetry    = "task.retry"
	TaskSkipped  = "task.skipped"
	TaskSettled  = "task.settled"
	TaskFailed   = "task.failed"
	TaskStopped  = "task.stopped"
	GateWithheld = "admission.withheld"
	GateResumed  = "admission.resumed"
)

// Event is a small in-memory signal. Data is one of the payload types below
// or nil.
type Event struct {
	Kind string
	Time time.Time
	Data any
}

// TaskData accompanies task.* events.
type TaskData struct {
	Handle   string
	Attempt  int
	Retries  int
	ExitCode int
	Duration time.Duration
	Err      string
}

// RunData accompanies run.* events.
type RunData struct {
	RunID      string
	Total      int
	Completed  int
	Successful int
	Failed     int
	Skipped    int
	Remaining  int
	Uptime     time.Duration
	FailedList []string
}

// Bus delivers events without ever blocking the publisher. Slow subscribers
// lose events.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock so unsubscribe (write lock) never
	// closes a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

func (Nop) Dropped() uint64 { return 0 }
