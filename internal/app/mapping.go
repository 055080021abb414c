package app

import (
	"fmt"

	"taskrunner/internal/config"
	"taskrunner/internal/monitor"
	"taskrunner/internal/notify"
	"taskrunner/internal/runner"
	"taskrunner/internal/storage"
	logx "taskrunner/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	tg := cfg.Notify.Telegram
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.LogConsole(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Sink: logx.SinkConfig{
			Enabled:    tg.Enabled,
			MinLevel:   tg.MinLevel,
			RatePerSec: tg.RatePerSec,
		},
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Progress.Driver,
		Path:        cfg.Progress.Path,
		BusyTimeout: cfg.BusyTimeout(),
	}
}

func notifyOptions(cfg *config.Config) notify.Options {
	tg := cfg.Notify.Telegram
	return notify.Options{RatePerSec: tg.RatePerSec, RetryMax: 2, Withheld: tg.Withheld}
}

func thresholds(cfg *config.Config) (cpu, mem monitor.Thresholds) {
	u := cfg.Utilization
	cpu = monitor.Thresholds{ScaleDown: u.CPU.ScaleDownThreshold, ScaleUp: u.CPU.ScaleUp()}
	mem = monitor.Thresholds{ScaleDown: u.Memory.ScaleDownThreshold, ScaleUp: u.Memory.ScaleUp()}
	return cpu, mem
}

// OpenStore opens the progress store named by cfg.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	return storage.Open(storageConfig(cfg), log.With(logx.String("comp", "storage")))
}

// StatusLine is the one-line summary used by reports and systemd.
func StatusLine(st runner.Stats) string {
	return fmt.Sprintf("%s: completed %d/%d (ok %d, failed %d, skipped %d), active %d/%d, queued %d",
		st.State, st.Completed, st.Total, st.Successful, st.Failed, st.Skipped, st.Active, st.WorkersMax, st.InQueue)
}
