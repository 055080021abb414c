package config

// Config is the run configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Pointers distinguish "omitted" (use default) from an explicit false.
type Config struct {
	// WorkersMax is the ceiling of concurrently running task processes.
	WorkersMax int `json:"workers_max"`

	// FilepathTasks points at the task list (JSON or YAML).
	FilepathTasks string `json:"filepath_tasks"`

	// FilepathLog is a legacy shortcut for logging.file.path (enables file logging).
	FilepathLog string `json:"filepath_log,omitempty"`

	Utilization UtilizationConfig `json:"utilization"`
	Intervals   IntervalsConfig   `json:"intervals"`
	Progress    ProgressConfig    `json:"progress"`
	Logging     LoggingConfig     `json:"logging"`
	Console     ConsoleConfig     `json:"console"`
	Report      ReportConfig      `json:"report"`
	Notify      NotifyConfig      `json:"notify"`
	Pprof       PprofConfig       `json:"pprof"`
}

// UtilizationConfig holds the admission gate thresholds (percent, 0-100).
//
// Defaults:
//   - cpu:    scale_down 95, scale_up 50
//   - memory: scale_down 90, scale_up 50
type UtilizationConfig struct {
	CPU    Thresholds `json:"cpu"`
	Memory Thresholds `json:"memory"`
}

// Thresholds: admission is withheld above ScaleDownThreshold and resumes once
// utilization is at or below ScaleUpThreshold. An explicit scale_up of 0
// disables the hysteresis (plain threshold); omitting it picks the default.
type Thresholds struct {
	ScaleDownThreshold float64  `json:"scale_down_threshold"`
	ScaleUpThreshold   *float64 `json:"scale_up_threshold,omitempty"`
}

// ScaleUp returns the resume threshold, 0 when unset.
func (t Thresholds) ScaleUp() float64 {
	if t.ScaleUpThreshold == nil {
		return 0
	}
	return *t.ScaleUpThreshold
}

// Equal compares by value.
func (t Thresholds) Equal(o Thresholds) bool {
	if t.ScaleDownThreshold != o.ScaleDownThreshold {
		return false
	}
	if (t.ScaleUpThreshold == nil) != (o.ScaleUpThreshold == nil) {
		return false
	}
	return t.ScaleUp() == o.ScaleUp()
}

// Float64 returns a pointer to v, for the optional threshold fields.
func Float64(v float64) *float64 { return &v }

// IntervalsConfig tunes the admission loop.
//
// Defaults:
//   - poll: "10ms"   (active set full)
//   - idle: "100ms"  (paused)
//   - backoff: "1s"  (admission gate closed)
type IntervalsConfig struct {
	Poll    string `json:"poll,omitempty"`
	Idle    string `json:"idle,omitempty"`
	Backoff string `json:"backoff,omitempty"`
}

// ProgressConfig controls the progress store.
//
// Driver values:
//   - "file" (default): one JSON file per handle under Path
//   - "sqlite": SQLite database file at Path
//   - "none": in-memory only (no resumability)
//
// Example:
//
//	"progress": { "driver": "sqlite", "path": "./progress.db", "busy_timeout": "5s" }
type ProgressConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console *bool       `json:"console,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type ConsoleConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
}

// ReportConfig schedules periodic status reports.
// Schedule accepts cron ("*/5 * * * *", "@every 1m") or a duration ("30s").
// Empty disables reports.
type ReportConfig struct {
	Schedule string `json:"schedule,omitempty"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig forwards run events and warn+ log records to a chat.
type TelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	// Withheld also forwards admission-withheld events (noisy on busy hosts).
	Withheld bool `json:"withheld,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
// Prefer binding to localhost (default "127.0.0.1:6060"); any other address
// requires Token.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

// ConsoleEnabled reports whether the control console should run.
func (c *Config) ConsoleEnabled() bool {
	return c.Console.Enabled == nil || *c.Console.Enabled
}

// LogConsole reports whether logs go to the console.
func (c *Config) LogConsole() bool {
	return c.Logging.Console == nil || *c.Logging.Console
}
