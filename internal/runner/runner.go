// Package runner drains a task queue into a bounded pool of process
// workers, gated by host utilization, with in-place retry and durable
// progress.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskrunner/internal/eventbus"
	"taskrunner/internal/monitor"
	"taskrunner/internal/runtime/supervisor"
	"taskrunner/internal/storage"
	"taskrunner/internal/task"
	logx "taskrunner/pkg/logx"
)

const (
	DefaultPollInterval    = 10 * time.Millisecond
	DefaultIdleInterval    = 100 * time.Millisecond
	DefaultBackoffInterval = time.Second

	saveTimeout = 10 * time.Second
)

// Gate decides whether a new task may start now.
type Gate interface {
	Allow(ctx context.Context) (allowed bool, s monitor.Sample, reason string)
}

type Config struct {
	RunID      string
	Tasks      []task.Task
	WorkersMax int

	// PollInterval: wait while the active set is full.
	// IdleInterval: wait while paused.
	// BackoffInterval: wait while the gate withholds admission.
	PollInterval    time.Duration
	IdleInterval    time.Duration
	BackoffInterval time.Duration
}

// Deps are optional collaborators. Nil values get no-op defaults.
type Deps struct {
	Store      storage.Store
	Gate       Gate
	Log        logx.Logger
	Bus        eventbus.Bus
	Supervisor *supervisor.Supervisor
}

// Runner is the scheduler core. One mutex guards the queue, the active set,
// the counters and the state.
type Runner struct {
	cfg   Config
	store storage.Store
	gate  Gate
	log   logx.Logger
	bus   eventbus.Bus
	sup   *supervisor.Supervisor

	mu         sync.Mutex
	started    bool
	state      State
	queue      *queue
	active     map[string]*Worker
	workersMax int
	total      int
	completed  int
	successful int
	failed     int
	skipped    int
	peakActive int
	failedList []string
	startedAt  time.Time

	wake      chan struct{}
	abortCh   chan struct{}
	abortOnce sync.Once
	workers   sync.WaitGroup

	withheld  bool
	debugGate rate.Sometimes
}

// New validates the task list and builds a runner. A validation failure is
// returned as *task.ValidationError and nothing is started.
func New(cfg Config, deps Deps) (*Runner, error) {
	if err := task.Validate(cfg.Tasks); err != nil {
		return nil, err
	}
	if cfg.WorkersMax < 1 {
		return nil, fmt.Errorf("workers_max must be >= 1 (got %d)", cfg.WorkersMax)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.BackoffInterval <= 0 {
		cfg.BackoffInterval = DefaultBackoffInterval
	}

	r := &Runner{
		cfg:        cfg,
		store:      deps.Store,
		gate:       deps.Gate,
		log:        deps.Log,
		bus:        deps.Bus,
		sup:        deps.Supervisor,
		state:      StateInit,
		queue:      newQueue(cfg.Tasks),
		active:     map[string]*Worker{},
		workersMax: cfg.WorkersMax,
		total:      len(cfg.Tasks),
		wake:       make(chan struct{}, 1),
		abortCh:    make(chan struct{}),
		debugGate:  rate.Sometimes{Interval: 10 * time.Second},
	}
	if r.store == nil {
		r.store = storage.NewMemory()
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	if r.bus == nil {
		r.bus = eventbus.Nop{}
	}
	// Tasks are not copied into Config twice.
	r.cfg.Tasks = nil
	return r, nil
}

// SetSupervisor routes worker goroutines through sup. It must be called
// before Run.
func (r *Runner) SetSupervisor(sup *supervisor.Supervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		r.sup = sup
	}
}

// Run drives the admission loop until the queue is drained and every
// worker settled. It returns ErrAborted after Abort or ctx cancellation;
// active processes are killed then and their tasks stay unsettled.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return r.Stats(), errors.New("runner already started")
	}
	r.started = true
	r.startedAt = time.Now()
	if r.state == StateInit {
		r.state = StateRunning
	}
	total := r.total
	r.mu.Unlock()

	r.log.Info("run.started", logx.String("run_id", r.cfg.RunID), logx.Int("tasks", total), logx.Int("workers_max", r.WorkersMax()))
	r.bus.Publish(eventbus.Event{Kind: eventbus.RunStarted, Data: r.runData()})

	for {
		if r.aborted() || ctx.Err() != nil {
			return r.shutdown()
		}

		r.mu.Lock()
		state := r.state
		inQueue := r.queue.Len()
		active := len(r.active)
		limit := r.workersMax
		poll, idle, backoff := r.cfg.PollInterval, r.cfg.IdleInterval, r.cfg.BackoffInterval
		r.mu.Unlock()

		switch {
		case inQueue == 0 && active == 0:
			return r.finish(), nil
		case inQueue == 0:
			// Drained; wait for settles (or a force-stopped task coming back).
			r.sleep(ctx, idle, true)
			continue
		case state != StateRunning:
			r.sleep(ctx, idle, true)
			continue
		case active >= limit:
			r.sleep(ctx, poll, true)
			continue
		}

		if !r.admit(ctx) {
			r.sleep(ctx, backoff, false)
			continue
		}
		r.startNext(ctx)
	}
}

// admit consults the gate and logs withhold/resume transitions.
func (r *Runner) admit(ctx context.Context) bool {
	if r.gate == nil {
		return true
	}
	ok, s, reason := r.gate.Allow(ctx)
	if !ok {
		if !r.withheld {
			r.withheld = true
			r.log.Warn("admission.withheld", logx.String("reason", reason),
				logx.Float64("cpu", s.CPUPercent), logx.Float64("memory", s.MemoryPercent))
			r.bus.Publish(eventbus.Event{Kind: eventbus.GateWithheld, Data: reason})
		} else {
			r.debugGate.Do(func() {
				r.log.Debug("admission.still_withheld", logx.String("reason", reason))
			})
		}
		return false
	}
	if r.withheld {
		r.withheld = false
		r.log.Info("admission.resumed", logx.Float64("cpu", s.CPUPercent), logx.Float64("memory", s.MemoryPercent))
		r.bus.Publish(eventbus.Event{Kind: eventbus.GateResumed})
	}
	return true
}

func (r *Runner) startNext(ctx context.Context) {
	r.mu.Lock()
	e, ok := r.queue.Pop()
	r.mu.Unlock()
	if !ok {
		return
	}

	t, skip := e.task, false
	if !e.resolved {
		t, skip = r.resolve(ctx, t)
	}
	if skip {
		r.mu.Lock()
		r.skipped++
		r.mu.Unlock()
		r.log.Info("task.skipped", logx.String("handle", t.Handle), logx.Int("exit_code", t.Result.ExitCode))
		r.bus.Publish(eventbus.Event{Kind: eventbus.TaskSkipped, Data: eventbus.TaskData{Handle: t.Handle, ExitCode: t.Result.ExitCode}})
		return
	}

	w := newWorker(t, r.log, r.bus, r.settle, r.stopped)
	r.mu.Lock()
	r.active[t.Handle] = w
	if n := len(r.active); n > r.peakActive {
		r.peakActive = n
	}
	r.mu.Unlock()

	r.workers.Add(1)
	body := func() {
		defer r.workers.Done()
		defer r.release(w)
		w.run()
	}
	if r.sup != nil {
		r.sup.Go0("worker/"+t.Handle, func(context.Context) { body() })
	} else {
		go body()
	}
}

// resolve consults the progress store. Settled records are skipped; records
// with retries left resume with the persisted retry budget.
func (r *Runner) resolve(ctx context.Context, t task.Task) (task.Task, bool) {
	rec, ok, err := r.store.Load(ctx, t.Handle)
	if err != nil {
		r.log.Warn("progress.load_failed", logx.String("handle", t.Handle), logx.Err(err))
		return t, false
	}
	if !ok {
		return t, false
	}
	if rec.Settled() {
		res := *rec.Result
		t.Result = &res
		t.RetriesRemaining = rec.RetriesRemaining
		return t, true
	}
	if rec.Result != nil {
		r.log.Info("task.resumed", logx.String("handle", t.Handle),
			logx.Int("retries", rec.RetriesRemaining), logx.Int("last_exit_code", rec.Result.ExitCode))
	}
	return rec.Resume(t), false
}

// settle is the worker callback for a terminal exit. The record is
// persisted before the worker leaves the active set.
func (r *Runner) settle(w *Worker, t task.Task) {
	rec := storage.RecordOf(t)
	rec.SavedAt = time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	if err := r.store.Save(ctx, rec); err != nil {
		r.log.Error("progress.save_failed", logx.String("handle", t.Handle), logx.Err(err))
	}
	cancel()

	ok := t.Result.ExitCode == 0
	r.mu.Lock()
	if r.active[t.Handle] == w {
		delete(r.active, t.Handle)
	}
	r.completed++
	if ok {
		r.successful++
	} else {
		r.failed++
		r.failedList = append(r.failedList, t.Handle)
	}
	r.mu.Unlock()
	r.signal()

	data := eventbus.TaskData{
		Handle:   t.Handle,
		Attempt:  t.Result.Attempts,
		ExitCode: t.Result.ExitCode,
		Duration: t.Result.Duration,
		Err:      t.Result.Error,
	}
	if ok {
		r.log.Info("task.settled", logx.String("handle", t.Handle), logx.Int("attempts", data.Attempt), logx.Duration("duration", data.Duration))
		r.bus.Publish(eventbus.Event{Kind: eventbus.TaskSettled, Data: data})
		return
	}
	r.log.Warn("task.failed", logx.String("handle", t.Handle), logx.Int("exit_code", data.ExitCode), logx.Int("attempts", data.Attempt))
	r.bus.Publish(eventbus.Event{Kind: eventbus.TaskFailed, Data: data})
}

// stopped is the worker callback for a forced stop. The task goes back to
// the end of the queue with its retry budget untouched.
func (r *Runner) stopped(w *Worker, t task.Task) {
	r.mu.Lock()
	if r.active[t.Handle] == w {
		delete(r.active, t.Handle)
	}
	r.queue.PushBack(t)
	r.mu.Unlock()
	r.signal()

	r.log.Info("task.stopped", logx.String("handle", t.Handle), logx.Int("retries", t.RetriesRemaining))
	r.bus.Publish(eventbus.Event{Kind: eventbus.TaskStopped, Data: eventbus.TaskData{Handle: t.Handle, Retries: t.RetriesRemaining}})
}

// release drops a worker that ended without a callback (panic). It is
// counted as a failed launch so the run can still finish.
func (r *Runner) release(w *Worker) {
	r.mu.Lock()
	cur, ok := r.active[w.handle]
	if !ok || cur != w {
		r.mu.Unlock()
		return
	}
	delete(r.active, w.handle)
	r.completed++
	r.failed++
	r.failedList = append(r.failedList, w.handle)
	r.mu.Unlock()
	r.signal()
	r.log.Error("task.worker_lost", logx.String("handle", w.handle))
}

func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// sleep waits d, or less when woken (settle, stop, resume, limit change)
// and wakeable is set. It returns early on abort or ctx cancellation.
func (r *Runner) sleep(ctx context.Context, d time.Duration, wakeable bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	var wake <-chan struct{}
	if wakeable {
		wake = r.wake
	}
	select {
	case <-ctx.Done():
	case <-r.abortCh:
	case <-t.C:
	case <-wake:
	}
}

func (r *Runner) aborted() bool {
	select {
	case <-r.abortCh:
		return true
	default:
		return false
	}
}

// Abort stops the run: no more admissions, every active process is killed
// and Run returns ErrAborted. Safe to call more than once.
func (r *Runner) Abort() {
	r.abortOnce.Do(func() {
		r.mu.Lock()
		r.state = StateStopped
		r.mu.Unlock()
		close(r.abortCh)
	})
}

func (r *Runner) shutdown() (Stats, error) {
	r.Abort()

	r.mu.Lock()
	ws := make([]*Worker, 0, len(r.active))
	for _, w := range r.active {
		ws = append(ws, w)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range ws {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
	r.workers.Wait()

	st := r.Stats()
	r.log.Warn("run.aborted", logx.String("run_id", r.cfg.RunID),
		logx.Int("completed", st.Completed), logx.Int("remaining", st.Remaining))
	r.bus.Publish(eventbus.Event{Kind: eventbus.RunAborted, Data: r.runData()})
	return st, ErrAborted
}

func (r *Runner) finish() Stats {
	r.workers.Wait()
	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()

	st := r.Stats()
	r.log.Info("run.finished",
		logx.String("run_id", r.cfg.RunID),
		logx.Int("total", st.Total),
		logx.Int("completed", st.Completed),
		logx.Int("successful", st.Successful),
		logx.Int("failed", st.Failed),
		logx.Int("skipped", st.Skipped),
		logx.Int("remaining", st.Remaining),
		logx.Duration("uptime", st.Uptime),
	)
	r.bus.Publish(eventbus.Event{Kind: eventbus.RunFinished, Data: r.runData()})
	return st
}

// Pause stops admissions; active workers keep running.
func (r *Runner) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateStopped {
		return ErrStopped
	}
	if r.state != StatePaused {
		r.state = StatePaused
		r.log.Info("run.paused")
		r.bus.Publish(eventbus.Event{Kind: eventbus.RunPaused})
	}
	return nil
}

// Resume re-enables admissions.
func (r *Runner) Resume() error {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return ErrStopped
	}
	changed := r.state == StatePaused
	if changed {
		if r.started {
			r.state = StateRunning
		} else {
			r.state = StateInit
		}
	}
	r.mu.Unlock()
	if changed {
		r.log.Info("run.resumed")
		r.bus.Publish(eventbus.Event{Kind: eventbus.RunResumed})
		r.signal()
	}
	return nil
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetWorkersMax changes the concurrency ceiling. Lowering it never kills
// running workers; admissions wait until the active set shrinks.
func (r *Runner) SetWorkersMax(n int) error {
	if n < 1 {
		return fmt.Errorf("workers_max must be >= 1 (got %d)", n)
	}
	r.mu.Lock()
	old := r.workersMax
	r.workersMax = n
	r.mu.Unlock()
	if old != n {
		r.log.Info("run.workers_max", logx.Int("from", old), logx.Int("to", n))
		r.signal()
	}
	return nil
}

// SetIntervals replaces the admission loop timings. Zero keeps the current
// value.
func (r *Runner) SetIntervals(poll, idle, backoff time.Duration) {
	r.mu.Lock()
	if poll > 0 {
		r.cfg.PollInterval = poll
	}
	if idle > 0 {
		r.cfg.IdleInterval = idle
	}
	if backoff > 0 {
		r.cfg.BackoffInterval = backoff
	}
	r.mu.Unlock()
	r.signal()
}

func (r *Runner) WorkersMax() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workersMax
}

func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{
		RunID:      r.cfg.RunID,
		State:      r.state,
		Total:      r.total,
		Completed:  r.completed,
		Successful: r.successful,
		Failed:     r.failed,
		Skipped:    r.skipped,
		Remaining:  r.total - r.completed - r.skipped,
		InQueue:    r.queue.Len(),
		Active:     len(r.active),
		PeakActive: r.peakActive,
		WorkersMax: r.workersMax,
		StartedAt:  r.startedAt,
	}
	if !r.startedAt.IsZero() {
		st.Uptime = time.Since(r.startedAt)
	}
	return st
}

// Failed returns permanently failed handles in settle order.
func (r *Runner) Failed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failedList...)
}

// Queued returns the handles waiting in the queue.
func (r *Runner) Queued() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Handles()
}

// Active lists active workers ordered by handle.
func (r *Runner) Active() []WorkerInfo {
	r.mu.Lock()
	ws := make([]*Worker, 0, len(r.active))
	for _, w := range r.active {
		ws = append(ws, w)
	}
	r.mu.Unlock()

	out := make([]WorkerInfo, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Worker returns the active worker for handle.
func (r *Runner) Worker(handle string) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.active[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, handle)
	}
	return w, nil
}

// StopWorker force-stops one active worker and waits for it. The task is
// re-queued unsettled.
func (r *Runner) StopWorker(handle string) error {
	w, err := r.Worker(handle)
	if err != nil {
		return err
	}
	if !w.Stop() {
		return fmt.Errorf("%w: %q already settled", ErrNotFound, handle)
	}
	return nil
}

// SetCapture toggles output relaying for one active worker.
func (r *Runner) SetCapture(handle, stream string, on bool) error {
	w, err := r.Worker(handle)
	if err != nil {
		return err
	}
	return w.SetCapture(stream, on)
}

func (r *Runner) runData() eventbus.RunData {
	st := r.Stats()
	return eventbus.RunData{
		RunID:      st.RunID,
		Total:      st.Total,
		Completed:  st.Completed,
		Successful: st.Successful,
		Failed:     st.Failed,
		Skipped:    st.Skipped,
		Remaining:  st.Remaining,
		Uptime:     st.Uptime,
		FailedList: r.Failed(),
	}
}
