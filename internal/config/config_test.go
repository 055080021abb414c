package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadJSONDefaults(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "cfg.json", `{"filepath_tasks": "data/tasks.json"}`)

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkersMax != DefaultWorkersMax {
		t.Fatalf("WorkersMax = %d", cfg.WorkersMax)
	}
	if cfg.Utilization.CPU.ScaleDownThreshold != 95 || cfg.Utilization.Memory.ScaleDownThreshold != 90 {
		t.Fatalf("unexpected thresholds: %+v", cfg.Utilization)
	}
	if cfg.Progress.Driver != "file" || cfg.Progress.Path != filepath.Join("data", "scheduler_data") {
		t.Fatalf("unexpected progress config: %+v", cfg.Progress)
	}
	if !cfg.ConsoleEnabled() || !cfg.LogConsole() {
		t.Fatal("console should default to enabled")
	}
	iv, err := cfg.ResolveIntervals()
	if err != nil {
		t.Fatalf("ResolveIntervals: %v", err)
	}
	if iv.Poll != DefaultPollInterval || iv.Idle != DefaultIdleInterval || iv.Backoff != DefaultBackoffInterval {
		t.Fatalf("unexpected intervals: %+v", iv)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "cfg.yaml", `
workers_max: 3
filepath_tasks: ./tasks.yaml
filepath_log: ./logs/run.log
utilization:
  cpu: {scale_down_threshold: 80, scale_up_threshold: 40}
intervals: {backoff: 2s}
progress: {driver: sqlite3}
console: {enabled: false}
report: {schedule: "@every 30s"}
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkersMax != 3 || cfg.Utilization.CPU.ScaleDownThreshold != 80 || cfg.Utilization.Memory.ScaleDownThreshold != 90 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Progress.Driver != "sqlite" || cfg.Progress.Path != "scheduler_data.db" {
		t.Fatalf("unexpected progress: %+v", cfg.Progress)
	}
	if !cfg.Logging.File.Enabled || cfg.Logging.File.Path != "./logs/run.log" {
		t.Fatalf("filepath_log not mapped: %+v", cfg.Logging.File)
	}
	if cfg.ConsoleEnabled() {
		t.Fatal("console explicitly disabled")
	}
	iv, _ := cfg.ResolveIntervals()
	if iv.Backoff != 2*time.Second {
		t.Fatalf("Backoff = %v", iv.Backoff)
	}
}

func TestScaleUpExplicitZero(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "cfg.json", `{"filepath_tasks":"t.json","utilization":{"cpu":{"scale_down_threshold":80,"scale_up_threshold":0}}}`)

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Utilization.CPU.ScaleUpThreshold == nil || cfg.Utilization.CPU.ScaleUp() != 0 {
		t.Fatalf("explicit cpu scale_up 0 was replaced: %+v", cfg.Utilization.CPU)
	}
	if cfg.Utilization.Memory.ScaleUp() != DefaultMemScaleUp {
		t.Fatalf("omitted memory scale_up = %v, want %v", cfg.Utilization.Memory.ScaleUp(), DefaultMemScaleUp)
	}

	// Same values behind different pointers are not a change.
	again, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ch := SummarizeChange(cfg, again); !ch.Empty() {
		t.Fatalf("reloading an identical file produced a change: %+v", ch)
	}
	again.Utilization.CPU.ScaleUpThreshold = Float64(40)
	if ch := SummarizeChange(cfg, again); !ch.Has("utilization") {
		t.Fatalf("scale_up change not detected: %+v", ch)
	}
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown field", body: `{"filepath_tasks":"t.json","workers":3}`, want: "unknown field"},
		{name: "trailing data", body: `{"filepath_tasks":"t.json"}{}`, want: "trailing data"},
		{name: "missing tasks", body: `{}`, want: "filepath_tasks is required"},
		{name: "threshold range", body: `{"filepath_tasks":"t.json","utilization":{"cpu":{"scale_down_threshold":120}}}`, want: "utilization.cpu.scale_down_threshold"},
		{name: "bad interval", body: `{"filepath_tasks":"t.json","intervals":{"poll":"fast"}}`, want: "intervals.poll"},
		{name: "bad driver", body: `{"filepath_tasks":"t.json","progress":{"driver":"redis"}}`, want: "progress.driver"},
		{name: "bad schedule", body: `{"filepath_tasks":"t.json","report":{"schedule":"soon"}}`, want: "report.schedule"},
		{name: "telegram token", body: `{"filepath_tasks":"t.json","notify":{"telegram":{"enabled":true,"chat_id":1}}}`, want: "notify.telegram.token"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := writeFile(t, t.TempDir(), "cfg.json", tt.body)
			_, err := Load(p)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a := &Config{WorkersMax: 2, FilepathTasks: "t.json"}
	a.ApplyDefaults()
	b := *a
	b.WorkersMax = 4
	b.Utilization.CPU.ScaleDownThreshold = 70
	b.Notify.Telegram.Token = "secret"
	b.Notify.Telegram.Withheld = true

	ch := SummarizeChange(a, &b)
	if !ch.Has("workers_max") || !ch.Has("utilization") || !ch.Has("notify") {
		t.Fatalf("unexpected change: %+v", ch)
	}
	if ch.Has("progress") {
		t.Fatal("progress did not change")
	}
	if SummarizeChange(a, a).Empty() == false {
		t.Fatal("identical configs must produce an empty change")
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "cfg.json", `{"filepath_tasks":"t.json","workers_max":2}`)

	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(200 * time.Millisecond)

	// Invalid content is rejected and never published.
	writeFile(t, dir, "cfg.json", `{"filepath_tasks":"t.json","workers_max":-1,"bogus":1}`)
	time.Sleep(600 * time.Millisecond)
	select {
	case got := <-ch:
		t.Fatalf("invalid config published: %+v", got)
	default:
	}

	writeFile(t, dir, "cfg.json", `{"filepath_tasks":"t.json","workers_max":7}`)
	select {
	case got := <-ch:
		if got.WorkersMax != 7 {
			t.Fatalf("WorkersMax = %d, want 7", got.WorkersMax)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change not published")
	}
	if m.Get().WorkersMax != 7 {
		t.Fatalf("committed WorkersMax = %d", m.Get().WorkersMax)
	}
}
