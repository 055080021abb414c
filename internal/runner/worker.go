package runner

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskrunner/internal/eventbus"
	"taskrunner/internal/task"
	logx "taskrunner/pkg/logx"
)

// Synthetic exit codes for processes that could not be started.
const (
	ExitNotFound   = 127
	ExitPermission = 126
	ExitLaunch     = -1
)

// waitDelay bounds how long Wait keeps draining output held open by
// orphaned descendants after the process itself exited.
const waitDelay = 2 * time.Second

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSettled
	outcomeStopped
)

// Worker owns the process of one task through every attempt until it
// settles or is stopped. Attempts are strictly sequential.
type Worker struct {
	handle string
	log    logx.Logger
	bus    eventbus.Bus

	onSettle func(w *Worker, t task.Task)
	onStop   func(w *Worker, t task.Task)

	captureStdout atomic.Bool
	captureStderr atomic.Bool

	mu        sync.Mutex
	task      task.Task
	state     WorkerState
	attempt   int
	startedAt time.Time
	attemptAt time.Time
	cmd       *exec.Cmd
	killed    bool // Stop signalled the current attempt's process group
	outcome   outcome

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newWorker(t task.Task, log logx.Logger, bus eventbus.Bus, onSettle, onStop func(*Worker, task.Task)) *Worker {
	w := &Worker{
		handle:   t.Handle,
		log:      log.With(logx.String("handle", t.Handle)),
		bus:      bus,
		onSettle: onSettle,
		onStop:   onStop,
		task:     t.Clone(),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.captureStdout.Store(t.CaptureStdout)
	w.captureStderr.Store(t.CaptureStderr)
	return w
}

func (w *Worker) Handle() string { return w.handle }

// Done is closed once the worker settled or stopped.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) Info() WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := WorkerInfo{
		Handle:           w.handle,
		State:            w.state,
		Attempt:          w.attempt,
		RetriesRemaining: w.task.RetriesRemaining,
		StartedAt:        w.startedAt,
		AttemptStartedAt: w.attemptAt,
		CaptureStdout:    w.captureStdout.Load(),
		CaptureStderr:    w.captureStderr.Load(),
	}
	if w.cmd != nil && w.cmd.Process != nil {
		info.PID = w.cmd.Process.Pid
	}
	return info
}

// SetCapture toggles relaying of "stdout" or "stderr". It takes effect on
// the next line read.
func (w *Worker) SetCapture(stream string, on bool) error {
	switch stream {
	case "stdout":
		w.captureStdout.Store(on)
	case "stderr":
		w.captureStderr.Store(on)
	default:
		return fmt.Errorf("unknown stream %q", stream)
	}
	w.log.Info("task.capture", logx.String("stream", stream), logx.Bool("on", on))
	return nil
}

// Stop kills the current process group and waits for the worker to finish.
// No result is recorded and no retry is consumed. An attempt that exited on
// its own before the kill still settles with its exit code. It reports
// whether the worker ended stopped; false means it settled.
// Stop is idempotent.
func (w *Worker) Stop() bool {
	w.stopOnce.Do(func() { close(w.stopCh) })

	w.mu.Lock()
	if w.cmd != nil {
		if err := killProcessGroup(w.cmd); err != nil {
			w.log.Debug("task.kill_failed", logx.Err(err))
		} else {
			w.killed = true
		}
	}
	w.mu.Unlock()

	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outcome == outcomeStopped
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

type attemptResult struct {
	code     int
	err      error
	duration time.Duration
	stopped  bool
}

func (w *Worker) run() {
	defer close(w.done)

	w.mu.Lock()
	w.startedAt = time.Now()
	w.mu.Unlock()

	for {
		res := w.attemptOnce()
		if res.stopped {
			w.finish(outcomeStopped, nil)
			return
		}

		w.mu.Lock()
		if res.code != 0 && w.task.RetriesRemaining > 0 {
			w.task.RetriesRemaining--
			w.state = WorkerRetrying
			left, attempt := w.task.RetriesRemaining, w.attempt
			w.mu.Unlock()

			w.log.Warn("task.retry",
				logx.Int("exit_code", res.code),
				logx.Int("attempt", attempt),
				logx.Int("retries_left", left),
			)
			w.bus.Publish(eventbus.Event{Kind: eventbus.TaskRetry, Data: eventbus.TaskData{
				Handle: w.handle, Attempt: attempt, Retries: left, ExitCode: res.code,
			}})
			continue
		}
		w.mu.Unlock()

		r := &task.Result{
			ExitCode:   res.code,
			Duration:   res.duration,
			FinishedAt: time.Now(),
		}
		if res.err != nil {
			r.Error = res.err.Error()
		}
		w.finish(outcomeSettled, r)
		return
	}
}

func (w *Worker) finish(o outcome, r *task.Result) {
	w.mu.Lock()
	w.outcome = o
	w.task.CaptureStdout = w.captureStdout.Load()
	w.task.CaptureStderr = w.captureStderr.Load()
	if o == outcomeSettled {
		r.Attempts = w.attempt
		w.task.Result = r
		w.state = WorkerSettled
	} else {
		w.state = WorkerStopped
	}
	t := w.task.Clone()
	w.mu.Unlock()

	if o == outcomeSettled {
		w.onSettle(w, t)
	} else {
		w.onStop(w, t)
	}
}

// attemptOnce starts the command and blocks until it exited and both relays
// drained their pipes.
func (w *Worker) attemptOnce() attemptResult {
	w.mu.Lock()
	if w.stopping() {
		w.mu.Unlock()
		return attemptResult{stopped: true}
	}
	w.attempt++
	w.state = WorkerStarting
	attempt := w.attempt
	t := w.task

	cmd := exec.Command(t.Command[0], t.Command[1:]...)
	cmd.Dir = t.Dir
	if len(t.Env) > 0 {
		cmd.Env = append(os.Environ(), t.Env...)
	}
	setProcessGroup(cmd)
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.WaitDelay = waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		w.mu.Unlock()
		_ = outW.Close()
		_ = errW.Close()
		code := launchExitCode(err)
		w.log.Error("task.launch_failed", logx.Int("attempt", attempt), logx.Int("exit_code", code), logx.Err(err))
		return attemptResult{code: code, err: err, duration: time.Since(start)}
	}
	w.cmd = cmd
	w.state = WorkerRunning
	w.attemptAt = start
	w.mu.Unlock()

	pid := cmd.Process.Pid
	w.log.Info("task.started", logx.Int("attempt", attempt), logx.Int("pid", pid), logx.Int("retries", t.RetriesRemaining))
	w.bus.Publish(eventbus.Event{Kind: eventbus.TaskStarted, Data: eventbus.TaskData{
		Handle: w.handle, Attempt: attempt, Retries: t.RetriesRemaining,
	}})

	var relays sync.WaitGroup
	relays.Add(2)
	go w.relay(&relays, outR, "stdout", &w.captureStdout)
	go w.relay(&relays, errR, "stderr", &w.captureStderr)

	type exit struct {
		err    error
		killed bool
	}
	exited := make(chan exit, 1)
	go func() {
		err := cmd.Wait()
		w.mu.Lock()
		w.cmd = nil
		killed := w.killed
		w.killed = false
		w.mu.Unlock()
		_ = outW.Close()
		_ = errW.Close()
		exited <- exit{err: err, killed: killed}
	}()

	ex := <-exited
	relays.Wait()
	dur := time.Since(start)
	waitErr := ex.err

	code := exitCode(cmd)
	// A kill that reached an already exited (unreaped) process leaves the
	// exit status of 0 intact; that attempt succeeded.
	if ex.killed && code != 0 {
		w.log.Info("task.killed", logx.Int("attempt", attempt), logx.Duration("duration", dur))
		return attemptResult{stopped: true, duration: dur}
	}

	if waitErr != nil && errors.Is(waitErr, exec.ErrWaitDelay) {
		w.log.Debug("task.output_held_open", logx.Int("attempt", attempt))
	}
	w.log.Info("task.exited", logx.Int("attempt", attempt), logx.Int("exit_code", code), logx.Duration("duration", dur))
	return attemptResult{code: code, duration: dur}
}

// relay reads r line by line until EOF. Lines are logged only while on is
// set; the pipe is always drained so the process never blocks on output.
func (w *Worker) relay(wg *sync.WaitGroup, r *io.PipeReader, stream string, on *atomic.Bool) {
	defer wg.Done()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" && on.Load() {
			w.log.Info("task."+stream, logx.String("stream", stream), logx.String("line", strings.TrimRight(line, "\r\n")))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}
	}
}

func launchExitCode(err error) int {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return ExitNotFound
	case errors.Is(err, fs.ErrPermission):
		return ExitPermission
	default:
		return ExitLaunch
	}
}
