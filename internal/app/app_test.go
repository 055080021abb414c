package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskrunner/internal/config"
	"taskrunner/internal/monitor"
	"taskrunner/internal/runner"
	"taskrunner/internal/task"
	logx "taskrunner/pkg/logx"
)

var idle = monitor.SamplerFunc(func(context.Context) (monitor.Sample, error) {
	return monitor.Sample{At: time.Now(), CPUPercent: 5, MemoryPercent: 10}, nil
})

func sh(script string) []string { return []string{"/bin/sh", "-c", script} }

// setup writes a task list and a config into a temp dir and returns the
// config path.
func setup(t *testing.T, extra string, tasks ...task.Task) string {
	t.Helper()
	dir := t.TempDir()
	tasksPath := filepath.Join(dir, "tasks.json")
	require.NoError(t, task.WriteList(tasksPath, tasks))

	cfg := map[string]any{
		"workers_max":    2,
		"filepath_tasks": tasksPath,
		"intervals":      map[string]any{"poll": "5ms", "idle": "10ms", "backoff": "20ms"},
		"logging":        map[string]any{"level": "debug", "console": false, "file": map[string]any{"enabled": true, "path": filepath.Join(dir, "run.log")}},
	}
	if extra != "" {
		var more map[string]any
		require.NoError(t, json.Unmarshal([]byte(extra), &more))
		for k, v := range more {
			cfg[k] = v
		}
	}
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, b, 0o644))
	return p
}

func TestRunThenResume(t *testing.T) {
	p := setup(t, "",
		task.Task{Handle: "ok1", Command: sh("exit 0")},
		task.Task{Handle: "ok2", Command: sh("exit 0")},
		task.Task{Handle: "bad", Command: sh("exit 3"), RetriesRemaining: 1},
	)

	a, err := New(Options{ConfigPath: p, Sampler: idle, RunID: "first"})
	require.NoError(t, err)
	st, err := a.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Close())

	require.Equal(t, runner.StateStopped, st.State)
	require.Equal(t, 3, st.Completed)
	require.Equal(t, 2, st.Successful)
	require.Equal(t, 1, st.Failed)
	require.Equal(t, 0, st.Remaining)

	// Progress landed next to the task list.
	_, err = os.Stat(filepath.Join(filepath.Dir(p), "scheduler_data", "bad.json"))
	require.NoError(t, err)

	b, err := New(Options{ConfigPath: p, Sampler: idle, RunID: "second"})
	require.NoError(t, err)
	st, err = b.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.Equal(t, 3, st.Skipped)
	require.Equal(t, 0, st.Completed)

	logs, err := os.ReadFile(filepath.Join(filepath.Dir(p), "run.log"))
	require.NoError(t, err)
	require.Contains(t, string(logs), "run.finished")
	require.Contains(t, string(logs), "task.skipped")
}

func TestSQLiteProgress(t *testing.T) {
	p := setup(t, `{"progress":{"driver":"sqlite"}}`,
		task.Task{Handle: "a", Command: sh("exit 0")},
		task.Task{Handle: "b", Command: sh("exit 1")},
	)
	a, err := New(Options{ConfigPath: p, Sampler: idle})
	require.NoError(t, err)
	_, err = a.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Close())

	cfg, err := config.Load(p)
	require.NoError(t, err)
	store, err := OpenStore(cfg, logx.Nop())
	require.NoError(t, err)
	defer store.Close()
	recs, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "a", recs[0].Handle)
	require.Equal(t, 1, recs[1].Result.ExitCode)
}

func TestNewRejectsInvalidTasks(t *testing.T) {
	p := setup(t, "",
		task.Task{Handle: "dup", Command: sh("exit 0")},
		task.Task{Handle: "dup", Command: sh("exit 0")},
	)
	_, err := New(Options{ConfigPath: p, Sampler: idle})
	require.ErrorIs(t, err, task.ErrDuplicateHandle)
}

func TestConsoleExitAborts(t *testing.T) {
	p := setup(t, "",
		task.Task{Handle: "slow", Command: sh("sleep 30")},
	)
	a, err := New(Options{ConfigPath: p, Sampler: idle, Console: true, In: slowReader("exit\n", 200*time.Millisecond), Out: &strings.Builder{}})
	require.NoError(t, err)
	defer a.Close()

	start := time.Now()
	st, err := a.Run(context.Background())
	require.True(t, errors.Is(err, runner.ErrAborted), "err = %v", err)
	require.Less(t, time.Since(start), 10*time.Second)
	require.Equal(t, 0, st.Completed)
	require.Equal(t, 1, st.Remaining)
}

func TestApplyLiveSections(t *testing.T) {
	p := setup(t, "", task.Task{Handle: "x", Command: sh("exit 0")})
	a, err := New(Options{ConfigPath: p, Sampler: idle})
	require.NoError(t, err)
	defer a.Close()

	next := *a.Config()
	next.WorkersMax = 7
	next.Utilization.CPU = config.Thresholds{ScaleDownThreshold: 60, ScaleUpThreshold: config.Float64(30)}
	next.Progress.Driver = "none"
	a.apply(&next)

	require.Equal(t, 7, a.Runner().WorkersMax())
	cpu, _ := a.gate.Thresholds()
	require.Equal(t, monitor.Thresholds{ScaleDown: 60, ScaleUp: 30}, cpu)
	// Restart-only sections keep their startup values.
	require.Equal(t, "file", a.Config().Progress.Driver)
	require.Equal(t, 7, a.Config().WorkersMax)
}

func TestNotifyOptionsFromConfig(t *testing.T) {
	p := setup(t, `{"notify":{"telegram":{"withheld":true,"rate_per_sec":3}}}`, task.Task{Handle: "x", Command: sh("exit 0")})
	cfg, err := config.Load(p)
	require.NoError(t, err)
	opts := notifyOptions(cfg)
	require.True(t, opts.Withheld)
	require.Equal(t, 3, opts.RatePerSec)

	cfg.Notify.Telegram.Withheld = false
	require.False(t, notifyOptions(cfg).Withheld)
}

func TestStatusLine(t *testing.T) {
	t.Parallel()
	s := StatusLine(runner.Stats{State: runner.StateRunning, Total: 4, Completed: 1, Successful: 1, Active: 2, WorkersMax: 3, InQueue: 1})
	require.Equal(t, "running: completed 1/4 (ok 1, failed 0, skipped 0), active 2/3, queued 1", s)
}

// slowReader delivers s after delay, then blocks until the test ends.
func slowReader(s string, delay time.Duration) *os.File {
	r, w, err := os.Pipe()
	if err != nil {
		panic(err)
	}
	go func() {
		time.Sleep(delay)
		_, _ = w.WriteString(s)
		time.Sleep(5 * time.Second)
		_ = w.Close()
	}()
	return r
}
