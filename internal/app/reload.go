package app

import (
	"context"
	"strings"

	"taskrunner/internal/config"
	logx "taskrunner/pkg/logx"
)

// applyLoop applies hot-reloaded configs to the running batch.
func (a *App) applyLoop(ctx context.Context, sub <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.apply(cfg)
		}
	}
}

// apply switches the live sections (workers_max, utilization, intervals,
// logging) to cfg. Other sections need a restart.
func (a *App) apply(cfg *config.Config) {
	if cfg == nil {
		return
	}
	ch := config.SummarizeChange(a.cfg, cfg)
	if ch.Empty() {
		a.log.Info("config.reloaded_no_changes")
		return
	}

	if ch.Has("workers_max") {
		if err := a.runner.SetWorkersMax(cfg.WorkersMax); err != nil {
			a.log.Warn("config.apply_failed", logx.String("section", "workers_max"), logx.Err(err))
		}
	}
	if ch.Has("utilization") {
		a.gate.SetThresholds(thresholds(cfg))
	}
	if ch.Has("intervals") {
		if iv, err := cfg.ResolveIntervals(); err == nil {
			a.runner.SetIntervals(iv.Poll, iv.Idle, iv.Backoff)
		}
	}
	if ch.Has("logging") {
		lc := logConfig(cfg)
		// The sink stays as built at startup.
		lc.Sink = logConfig(a.cfg).Sink
		a.logs.Apply(lc)
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config.restart_required", logx.String("sections", strings.Join(ch.Restart, ",")))
	}

	fields := append([]logx.Field{logx.String("live", strings.Join(ch.Live, ","))}, ch.Fields...)
	a.log.Info("config.applied", fields...)

	// Restart-only sections keep their startup values.
	next := *cfg
	next.FilepathTasks = a.cfg.FilepathTasks
	next.Progress = a.cfg.Progress
	next.Report = a.cfg.Report
	next.Pprof = a.cfg.Pprof
	next.Notify = a.cfg.Notify
	a.cfg = &next
}
