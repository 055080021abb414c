package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"taskrunner/internal/eventbus"
	"taskrunner/internal/monitor"
	"taskrunner/internal/runtime/supervisor"
	"taskrunner/internal/storage"
	"taskrunner/internal/task"
	logx "taskrunner/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sh(handle, script string, retries int) task.Task {
	return task.Task{Handle: handle, Command: []string{"/bin/sh", "-c", script}, RetriesRemaining: retries}
}

func fastConfig(workers int, tasks ...task.Task) Config {
	return Config{
		RunID:           "test",
		Tasks:           tasks,
		WorkersMax:      workers,
		PollInterval:    time.Millisecond,
		IdleInterval:    5 * time.Millisecond,
		BackoffInterval: 5 * time.Millisecond,
	}
}

func runWithin(t *testing.T, r *Runner, d time.Duration) (Stats, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return r.Run(ctx)
}

func requireIdentity(t *testing.T, st Stats) {
	t.Helper()
	require.Equal(t, st.Total, st.Completed+st.InQueue+st.Skipped, "completed + in queue + skipped == total: %+v", st)
	require.GreaterOrEqual(t, st.Completed, st.Failed)
	require.Equal(t, st.Completed, st.Successful+st.Failed)
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(b), "\n")
}

func TestDuplicateHandleStartsNothing(t *testing.T) {
	t.Parallel()
	marker := filepath.Join(t.TempDir(), "ran")
	cfg := fastConfig(2,
		sh("a", "touch "+marker, 0),
		sh("a", "touch "+marker, 0),
	)
	r, err := New(cfg, Deps{})
	require.ErrorIs(t, err, task.ErrDuplicateHandle)
	require.Nil(t, r)
	_, statErr := os.Stat(marker)
	require.True(t, os.IsNotExist(statErr))
}

func TestThreeTaskScenario(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	r, err := New(fastConfig(5,
		sh("ok-1", "exit 0", 0),
		sh("bad", "exit 1", 0),
		sh("ok-2", "exit 0", 0),
	), Deps{Store: store})
	require.NoError(t, err)

	st, err := runWithin(t, r, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, StateStopped, st.State)
	require.Equal(t, 3, st.Completed)
	require.Equal(t, 1, st.Failed)
	require.Equal(t, 2, st.Successful)
	require.Equal(t, 0, st.Remaining)
	require.Equal(t, []string{"bad"}, r.Failed())
	requireIdentity(t, st)

	recs, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)
}

func TestActiveNeverExceedsWorkersMax(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// Each task records the number of concurrently running siblings.
	probe := `mkdir "$D/run.$H" && ls -d "$D"/run.* | wc -l >> "$D/seen" && sleep 0.05; rmdir "$D/run.$H"`
	var tasks []task.Task
	for i := 0; i < 12; i++ {
		h := fmt.Sprintf("t%02d", i)
		tk := sh(h, probe, 0)
		tk.Env = []string{"D=" + dir, "H=" + h}
		tasks = append(tasks, tk)
	}
	r, err := New(fastConfig(3, tasks...), Deps{})
	require.NoError(t, err)

	var maxSeen atomic.Int64
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := int64(r.Stats().Active); n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	st, err := runWithin(t, r, 20*time.Second)
	close(stop)
	wg.Wait()
	require.NoError(t, err)
	require.Equal(t, 12, st.Successful)
	require.LessOrEqual(t, maxSeen.Load(), int64(3))
	require.LessOrEqual(t, st.PeakActive, 3)
	requireIdentity(t, st)

	b, err := os.ReadFile(filepath.Join(dir, "seen"))
	require.NoError(t, err)
	for _, f := range strings.Fields(string(b)) {
		var n int
		_, err := fmt.Sscan(f, &n)
		require.NoError(t, err)
		require.LessOrEqual(t, n, 3)
	}
}

func TestRetriesThenPermanentFailure(t *testing.T) {
	t.Parallel()
	log := filepath.Join(t.TempDir(), "attempts")
	store := storage.NewMemory()
	r, err := New(fastConfig(1, sh("flaky", "echo x >> "+log+"; exit 3", 2)), Deps{Store: store})
	require.NoError(t, err)

	st, err := runWithin(t, r, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, 3, countLines(t, log), "N retries means N+1 attempts")
	require.Equal(t, 1, st.Failed)

	rec, ok, err := store.Load(context.Background(), "flaky")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, rec.Result.ExitCode)
	require.Equal(t, 3, rec.Result.Attempts)
	require.Equal(t, 0, rec.RetriesRemaining)
	require.True(t, rec.Settled())
}

func TestRetrySucceedsInPlace(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	script := fmt.Sprintf(`if [ -f %[1]s/once ]; then exit 0; fi; touch %[1]s/once; exit 9`, dir)
	store := storage.NewMemory()
	r, err := New(fastConfig(1, sh("h", script, 3)), Deps{Store: store})
	require.NoError(t, err)

	st, err := runWithin(t, r, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, st.Successful)
	rec, _, _ := store.Load(context.Background(), "h")
	require.Equal(t, 0, rec.Result.ExitCode)
	require.Equal(t, 2, rec.RetriesRemaining)
	require.Equal(t, 2, rec.Result.Attempts)
}

func TestResumeSkipsSettledRecords(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, storage.Record{Handle: "done", Result: &task.Result{ExitCode: 0}}))
	require.NoError(t, store.Save(ctx, storage.Record{Handle: "dead", Result: &task.Result{ExitCode: 4}}))

	r, err := New(fastConfig(2,
		sh("done", "touch "+dir+"/done", 0),
		sh("dead", "touch "+dir+"/dead", 3),
		sh("new", "exit 0", 0),
	), Deps{Store: store})
	require.NoError(t, err)

	st, err := runWithin(t, r, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, st.Skipped)
	require.Equal(t, 1, st.Completed)
	requireIdentity(t, st)
	for _, h := range []string{"done", "dead"} {
		_, statErr := os.Stat(filepath.Join(dir, h))
		require.True(t, os.IsNotExist(statErr), "%s must not be launched", h)
	}
}

func TestResumeUsesPersistedRetries(t *testing.T) {
	t.Parallel()
	log := filepath.Join(t.TempDir(), "attempts")
	store := storage.NewMemory()
	require.NoError(t, store.Save(context.Background(), storage.Record{
		Handle: "h", RetriesRemaining: 1, Result: &task.Result{ExitCode: 2},
	}))

	r, err := New(fastConfig(1, sh("h", "echo x >> "+log+"; exit 2", 5)), Deps{Store: store})
	require.NoError(t, err)
	_, err = runWithin(t, r, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, countLines(t, log))
}

func TestGateWithholdsAdmission(t *testing.T) {
	t.Parallel()
	var cpu atomic.Int64
	cpu.Store(99)
	sampler := monitor.SamplerFunc(func(context.Context) (monitor.Sample, error) {
		return monitor.Sample{CPUPercent: float64(cpu.Load()), MemoryPercent: 10}, nil
	})
	gate := monitor.NewGate(sampler,
		monitor.Thresholds{ScaleDown: 95, ScaleUp: 50},
		monitor.Thresholds{ScaleDown: 90, ScaleUp: 50}, logx.Nop())

	var tasks []task.Task
	for i := 0; i < 5; i++ {
		tasks = append(tasks, sh(fmt.Sprintf("t%d", i), "exit 0", 0))
	}
	r, err := New(fastConfig(5, tasks...), Deps{Gate: gate})
	require.NoError(t, err)

	type result struct {
		st  Stats
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := runWithin(t, r, 20*time.Second)
		done <- result{st, err}
	}()

	time.Sleep(150 * time.Millisecond)
	st := r.Stats()
	require.Equal(t, 0, st.Active)
	require.Equal(t, 0, st.Completed)
	require.Equal(t, 5, st.InQueue)

	// Between thresholds the gate stays closed.
	cpu.Store(70)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, r.Stats().Completed+r.Stats().Active)

	cpu.Store(20)
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, 5, res.st.Successful)
}

// countingStore counts saves per handle.
type countingStore struct {
	storage.Store
	mu    sync.Mutex
	saves map[string]int
}

func (c *countingStore) Save(ctx context.Context, rec storage.Record) error {
	c.mu.Lock()
	c.saves[rec.Handle]++
	c.mu.Unlock()
	return c.Store.Save(ctx, rec)
}

func TestForceStopRequeuesWithoutResult(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	script := fmt.Sprintf(`if [ -f %[1]s/started ]; then exit 0; fi; touch %[1]s/started; sleep 30`, dir)
	store := &countingStore{Store: storage.NewMemory(), saves: map[string]int{}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	r, err := New(fastConfig(2, sh("H", script, 2)), Deps{Store: store, Bus: bus})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := runWithin(t, r, 20*time.Second)
		done <- err
	}()

	waitFor(t, 5*time.Second, func() bool {
		a := r.Active()
		return len(a) == 1 && a[0].PID > 0
	})
	require.NoError(t, r.Pause())
	require.NoError(t, r.StopWorker("H"))

	st := r.Stats()
	require.Equal(t, 0, st.Active)
	require.Equal(t, 1, st.InQueue)
	require.Equal(t, 0, st.Completed)
	require.Equal(t, []string{"H"}, r.Queued())
	_, ok, err := store.Load(context.Background(), "H")
	require.NoError(t, err)
	require.False(t, ok, "a stop is not an outcome")
	require.ErrorIs(t, r.StopWorker("H"), ErrNotFound)

	require.NoError(t, r.Resume())
	require.NoError(t, <-done)

	rec, ok, err := store.Load(context.Background(), "H")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, rec.Result.ExitCode)
	require.Equal(t, 2, rec.RetriesRemaining, "stop must not consume a retry")
	require.Equal(t, 1, store.saves["H"])

	var kinds []string
	for len(events) > 0 {
		kinds = append(kinds, (<-events).Kind)
	}
	require.Contains(t, kinds, eventbus.TaskStopped)
	require.Contains(t, kinds, eventbus.TaskSettled)
}

func TestStopAfterExitKeepsResult(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// The background sleep holds stdout open after the shell exited 0.
	script := fmt.Sprintf(`echo run >> %s/runs; sleep 5 & exit 0`, dir)
	store := storage.NewMemory()
	r, err := New(fastConfig(1, sh("H", script, 1)), Deps{Store: store})
	require.NoError(t, err)

	done := make(chan Stats, 1)
	go func() {
		st, _ := runWithin(t, r, 20*time.Second)
		done <- st
	}()

	waitFor(t, 5*time.Second, func() bool {
		a := r.Active()
		return len(a) == 1 && a[0].PID > 0
	})
	time.Sleep(300 * time.Millisecond)
	require.ErrorIs(t, r.StopWorker("H"), ErrNotFound, "an attempt that already exited settles")

	st := <-done
	require.Equal(t, 1, st.Completed)
	require.Equal(t, 1, st.Successful)
	require.Equal(t, 0, st.InQueue)
	require.Equal(t, 1, countLines(t, filepath.Join(dir, "runs")), "the command must not run again")

	rec, ok, err := store.Load(context.Background(), "H")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, rec.Result.ExitCode)
}

// failingStore loads nothing and refuses every save.
type failingStore struct {
	storage.Store
	saves atomic.Int32
}

func (f *failingStore) Save(context.Context, storage.Record) error {
	f.saves.Add(1)
	return errors.New("disk full")
}

func TestSaveFailureDoesNotStopRun(t *testing.T) {
	t.Parallel()
	var logs syncBuffer
	store := &failingStore{Store: storage.NewMemory()}
	r, err := New(fastConfig(2, sh("a", "exit 0", 0), sh("b", "exit 1", 0)),
		Deps{Store: store, Log: logx.NewWriter(&logs, "debug")})
	require.NoError(t, err)

	st, err := runWithin(t, r, 10*time.Second)
	require.NoError(t, err)
	requireIdentity(t, st)
	require.Equal(t, StateStopped, st.State)
	require.Equal(t, 2, st.Completed)
	require.Equal(t, 1, st.Successful)
	require.Equal(t, 1, st.Failed)
	require.Equal(t, 0, st.Active)
	require.Equal(t, 0, st.Remaining)
	require.Equal(t, []string{"b"}, r.Failed())
	require.EqualValues(t, 2, store.saves.Load())
	require.Contains(t, logs.String(), "progress.save_failed")
	require.Contains(t, logs.String(), "disk full")
}

func TestAbortKillsActiveWorkers(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	r, err := New(fastConfig(2,
		sh("a", "sleep 30", 1),
		sh("b", "sleep 30", 1),
		sh("c", "sleep 30", 1),
	), Deps{Store: store, Supervisor: supervisor.New(context.Background())})
	require.NoError(t, err)

	type result struct {
		st  Stats
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := runWithin(t, r, 20*time.Second)
		done <- result{st, err}
	}()
	waitFor(t, 5*time.Second, func() bool { return r.Stats().Active == 2 })

	start := time.Now()
	r.Abort()
	res := <-done
	require.ErrorIs(t, res.err, ErrAborted)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, StateStopped, res.st.State)
	require.Equal(t, 3, res.st.Remaining)
	require.Equal(t, 3, res.st.InQueue)
	requireIdentity(t, res.st)

	recs, err := store.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, recs)
	require.ErrorIs(t, r.Pause(), ErrStopped)
	require.ErrorIs(t, r.Resume(), ErrStopped)
}

func TestContextCancelAborts(t *testing.T) {
	t.Parallel()
	r, err := New(fastConfig(1, sh("a", "sleep 30", 0)), Deps{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = r.Run(ctx)
	require.ErrorIs(t, err, ErrAborted)
}

func TestLaunchFailureUsesRetryPolicy(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	missing := task.Task{Handle: "missing", Command: []string{filepath.Join(t.TempDir(), "no-such-binary")}, RetriesRemaining: 1}
	r, err := New(fastConfig(1, missing), Deps{Store: store})
	require.NoError(t, err)

	st, err := runWithin(t, r, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, st.Failed)
	rec, _, _ := store.Load(context.Background(), "missing")
	require.Equal(t, ExitNotFound, rec.Result.ExitCode)
	require.Equal(t, 2, rec.Result.Attempts)
	require.NotEmpty(t, rec.Result.Error)
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestCaptureToggle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	buf := &syncBuffer{}
	// Prints "before", waits for the go file, then prints "after".
	script := fmt.Sprintf(`echo before; while [ ! -f %[1]s/go ]; do sleep 0.01; done; echo after; echo oops >&2`, dir)
	tk := sh("loud", script, 0)
	tk.CaptureStderr = true

	r, err := New(fastConfig(1, tk), Deps{Log: logx.NewWriter(buf, "debug")})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := runWithin(t, r, 10*time.Second)
		done <- err
	}()
	waitFor(t, 5*time.Second, func() bool { return len(r.Active()) == 1 })
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, r.SetCapture("loud", "stdout", true))
	require.Error(t, r.SetCapture("loud", "stdin", true))
	require.ErrorIs(t, r.SetCapture("nobody", "stdout", true), ErrNotFound)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go"), nil, 0o644))
	require.NoError(t, <-done)

	out := buf.String()
	require.NotContains(t, out, `"line":"before"`)
	require.Contains(t, out, `"line":"after"`)
	require.Contains(t, out, `"line":"oops"`)
}

func TestSetWorkersMax(t *testing.T) {
	t.Parallel()
	r, err := New(fastConfig(1, sh("a", "exit 0", 0)), Deps{})
	require.NoError(t, err)
	require.Error(t, r.SetWorkersMax(0))
	require.NoError(t, r.SetWorkersMax(4))
	require.Equal(t, 4, r.WorkersMax())
	st, err := runWithin(t, r, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, 4, st.WorkersMax)
}
