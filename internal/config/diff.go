package config

import (
	"strings"

	logx "taskrunner/pkg/logx"
)

// Change lists the sections that differ between two configs.
//
// Live sections are applied to a running batch without restart; the rest
// only take effect on the next run.
type Change struct {
	Live    []string
	Restart []string
	Fields  []logx.Field
}

func (c Change) Empty() bool { return len(c.Live) == 0 && len(c.Restart) == 0 }

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	for _, s := range c.Live {
		if s == section {
			return true
		}
	}
	for _, s := range c.Restart {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeChange compares two configs. It never includes secrets (tokens)
// in the returned log fields.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if oldCfg.WorkersMax != newCfg.WorkersMax {
		ch.Live = append(ch.Live, "workers_max")
		ch.Fields = append(ch.Fields, logx.Int("workers_max.from", oldCfg.WorkersMax), logx.Int("workers_max.to", newCfg.WorkersMax))
	}
	if !oldCfg.Utilization.CPU.Equal(newCfg.Utilization.CPU) || !oldCfg.Utilization.Memory.Equal(newCfg.Utilization.Memory) {
		ch.Live = append(ch.Live, "utilization")
		u := newCfg.Utilization
		ch.Fields = append(ch.Fields,
			logx.Float64("cpu.scale_down", u.CPU.ScaleDownThreshold),
			logx.Float64("cpu.scale_up", u.CPU.ScaleUp()),
			logx.Float64("memory.scale_down", u.Memory.ScaleDownThreshold),
			logx.Float64("memory.scale_up", u.Memory.ScaleUp()),
		)
	}
	if oldCfg.Intervals != newCfg.Intervals {
		ch.Live = append(ch.Live, "intervals")
	}
	if !strings.EqualFold(oldCfg.Logging.Level, newCfg.Logging.Level) {
		ch.Live = append(ch.Live, "logging")
		ch.Fields = append(ch.Fields, logx.String("logging.level", newCfg.Logging.Level))
	}

	if oldCfg.FilepathTasks != newCfg.FilepathTasks {
		ch.Restart = append(ch.Restart, "filepath_tasks")
	}
	if oldCfg.Progress != newCfg.Progress {
		ch.Restart = append(ch.Restart, "progress")
	}
	if oldCfg.Report != newCfg.Report {
		ch.Restart = append(ch.Restart, "report")
	}
	if oldCfg.Pprof != newCfg.Pprof {
		ch.Restart = append(ch.Restart, "pprof")
	}
	ot, nt := oldCfg.Notify.Telegram, newCfg.Notify.Telegram
	if ot.Enabled != nt.Enabled || ot.ChatID != nt.ChatID || ot.ThreadID != nt.ThreadID ||
		ot.MinLevel != nt.MinLevel || ot.RatePerSec != nt.RatePerSec || ot.Token != nt.Token || ot.Withheld != nt.Withheld {
		ch.Restart = append(ch.Restart, "notify")
		ch.Fields = append(ch.Fields, logx.Bool("notify.telegram.token_set", strings.TrimSpace(nt.Token) != ""))
	}
	return ch
}
