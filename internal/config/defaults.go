package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"taskrunner/internal/report"
	logx "taskrunner/pkg/logx"
)

const (
	DefaultWorkersMax = 5

	DefaultCPUScaleDown = 95
	DefaultCPUScaleUp   = 50
	DefaultMemScaleDown = 90
	DefaultMemScaleUp   = 50

	DefaultPollInterval    = 10 * time.Millisecond
	DefaultIdleInterval    = 100 * time.Millisecond
	DefaultBackoffInterval = time.Second
	DefaultBusyTimeout     = time.Second

	DefaultPprofAddr = "127.0.0.1:6060"
	DefaultPrompt    = "> "

	// progressDirName is placed next to the task list when progress.path is empty.
	progressDirName = "scheduler_data"
)

// Intervals are the resolved admission loop timings.
type Intervals struct {
	Poll    time.Duration
	Idle    time.Duration
	Backoff time.Duration
}

// ApplyDefaults fills omitted fields. It never overrides explicit values.
func (c *Config) ApplyDefaults() {
	if c.WorkersMax <= 0 {
		c.WorkersMax = DefaultWorkersMax
	}
	if c.Utilization.CPU.ScaleDownThreshold <= 0 {
		c.Utilization.CPU.ScaleDownThreshold = DefaultCPUScaleDown
	}
	if c.Utilization.CPU.ScaleUpThreshold == nil {
		c.Utilization.CPU.ScaleUpThreshold = Float64(DefaultCPUScaleUp)
	}
	if c.Utilization.Memory.ScaleDownThreshold <= 0 {
		c.Utilization.Memory.ScaleDownThreshold = DefaultMemScaleDown
	}
	if c.Utilization.Memory.ScaleUpThreshold == nil {
		c.Utilization.Memory.ScaleUpThreshold = Float64(DefaultMemScaleUp)
	}

	c.Progress.Driver = strings.ToLower(strings.TrimSpace(c.Progress.Driver))
	if c.Progress.Driver == "" {
		c.Progress.Driver = "file"
	}
	if c.Progress.Driver == "sqlite3" {
		c.Progress.Driver = "sqlite"
	}
	if strings.TrimSpace(c.Progress.Path) == "" && c.Progress.Driver != "none" {
		dir := filepath.Join(filepath.Dir(c.FilepathTasks), progressDirName)
		if c.Progress.Driver == "sqlite" {
			c.Progress.Path = dir + ".db"
		} else {
			c.Progress.Path = dir
		}
	}

	if p := strings.TrimSpace(c.FilepathLog); p != "" && strings.TrimSpace(c.Logging.File.Path) == "" {
		c.Logging.File.Enabled = true
		c.Logging.File.Path = p
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Console.Prompt == "" {
		c.Console.Prompt = DefaultPrompt
	}
	if c.Pprof.Enabled && strings.TrimSpace(c.Pprof.Addr) == "" {
		c.Pprof.Addr = DefaultPprofAddr
	}
	if c.Notify.Telegram.RatePerSec <= 0 {
		c.Notify.Telegram.RatePerSec = 1
	}
	if strings.TrimSpace(c.Notify.Telegram.MinLevel) == "" {
		c.Notify.Telegram.MinLevel = "warn"
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.FilepathTasks) == "" {
		errs = append(errs, errors.New("filepath_tasks is required"))
	}
	if c.WorkersMax < 1 {
		errs = append(errs, fmt.Errorf("workers_max: must be >= 1 (got %d)", c.WorkersMax))
	}
	errs = append(errs, validateThresholds("utilization.cpu", c.Utilization.CPU)...)
	errs = append(errs, validateThresholds("utilization.memory", c.Utilization.Memory)...)

	if _, err := c.ResolveIntervals(); err != nil {
		errs = append(errs, err)
	}

	switch c.Progress.Driver {
	case "", "file", "sqlite", "sqlite3", "none":
	default:
		errs = append(errs, fmt.Errorf("progress.driver: unknown driver %q", c.Progress.Driver))
	}
	if _, err := ParseDurationField("progress.busy_timeout", c.Progress.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if !logx.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path is required when logging.file.enabled"))
	}

	if s := strings.TrimSpace(c.Report.Schedule); s != "" {
		if _, err := report.ParseSchedule(s); err != nil {
			errs = append(errs, fmt.Errorf("report.schedule: %w", err))
		}
	}

	tg := c.Notify.Telegram
	if tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			errs = append(errs, errors.New("notify.telegram.token is required when enabled"))
		}
		if tg.ChatID == 0 {
			errs = append(errs, errors.New("notify.telegram.chat_id is required when enabled"))
		}
	}
	if !logx.ValidLevel(tg.MinLevel) {
		errs = append(errs, fmt.Errorf("notify.telegram.min_level: unknown level %q", tg.MinLevel))
	}
	return errors.Join(errs...)
}

func validateThresholds(path string, t Thresholds) []error {
	var errs []error
	if t.ScaleDownThreshold <= 0 || t.ScaleDownThreshold > 100 {
		errs = append(errs, fmt.Errorf("%s.scale_down_threshold: must be in (0, 100] (got %v)", path, t.ScaleDownThreshold))
	}
	if up := t.ScaleUp(); up < 0 || up > 100 {
		errs = append(errs, fmt.Errorf("%s.scale_up_threshold: must be in [0, 100] (got %v)", path, up))
	}
	return errs
}

// ResolveIntervals parses the admission loop timings, applying defaults.
func (c *Config) ResolveIntervals() (Intervals, error) {
	var (
		iv  Intervals
		err error
	)
	if iv.Poll, err = ParseDurationOrDefault("intervals.poll", c.Intervals.Poll, DefaultPollInterval); err != nil {
		return Intervals{}, err
	}
	if iv.Idle, err = ParseDurationOrDefault("intervals.idle", c.Intervals.Idle, DefaultIdleInterval); err != nil {
		return Intervals{}, err
	}
	if iv.Backoff, err = ParseDurationOrDefault("intervals.backoff", c.Intervals.Backoff, DefaultBackoffInterval); err != nil {
		return Intervals{}, err
	}
	return iv, nil
}

// BusyTimeout returns the sqlite busy timeout.
func (c *Config) BusyTimeout() time.Duration {
	d, err := ParseDurationOrDefault("progress.busy_timeout", c.Progress.BusyTimeout, DefaultBusyTimeout)
	if err != nil {
		return DefaultBusyTimeout
	}
	return d
}

// ParseDurationField parses an optional non-negative duration. Empty means 0.
// path names the config field in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
