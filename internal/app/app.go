// Package app wires configuration, logging, the progress store, the
// resource monitor and the runner into one process, with the console and
// the optional report, notify, systemd and pprof helpers around it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"taskrunner/internal/config"
	"taskrunner/internal/console"
	"taskrunner/internal/eventbus"
	"taskrunner/internal/monitor"
	"taskrunner/internal/notify"
	"taskrunner/internal/observability/pprof"
	"taskrunner/internal/report"
	"taskrunner/internal/runner"
	"taskrunner/internal/runtime/supervisor"
	"taskrunner/internal/storage"
	"taskrunner/internal/sysd"
	"taskrunner/internal/task"
	logx "taskrunner/pkg/logx"
)

const shutdownTimeout = 10 * time.Second

type Options struct {
	ConfigPath string
	// Console overrides console.enabled when false.
	Console bool
	In      io.Reader
	Out     io.Writer
	// Watch enables config hot reload.
	Watch bool
	// Sampler replaces the host sampler (tests).
	Sampler monitor.Sampler
	RunID   string
}

type App struct {
	opts Options
	cfgm *config.Manager
	cfg  *config.Config

	logs *logx.Service
	log  logx.Logger

	bus     eventbus.Bus
	store   storage.Store
	sampler monitor.Sampler
	gate    *monitor.Gate
	runner  *runner.Runner
	tg      *notify.Telegram
}

// New loads the config and the task list and builds every component.
// Nothing runs until Run.
func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	tasks, err := task.LoadList(cfg.FilepathTasks)
	if err != nil {
		return nil, err
	}
	iv, err := cfg.ResolveIntervals()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logConfig(cfg), nil)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{opts: opts, cfgm: cfgm, cfg: cfg, logs: logs, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	if a.opts.RunID == "" {
		a.opts.RunID = uuid.NewString()
	}

	if tg := cfg.Notify.Telegram; tg.Enabled {
		a.tg, err = notify.NewTelegram(notify.TelegramConfig{Token: tg.Token, ChatID: tg.ChatID, ThreadID: tg.ThreadID})
		if err != nil {
			_ = logs.Close()
			return nil, fmt.Errorf("notify.telegram: %w", err)
		}
		logs.SetSink(a.tg)
	}

	a.store, err = OpenStore(cfg, log)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("progress store: %w", err)
	}

	a.sampler = opts.Sampler
	if a.sampler == nil {
		a.sampler = monitor.NewHostSampler()
	}
	cpu, mem := thresholds(cfg)
	a.gate = monitor.NewGate(a.sampler, cpu, mem, log.With(logx.String("comp", "monitor")))

	a.runner, err = runner.New(runner.Config{
		RunID:           a.opts.RunID,
		Tasks:           tasks,
		WorkersMax:      cfg.WorkersMax,
		PollInterval:    iv.Poll,
		IdleInterval:    iv.Idle,
		BackoffInterval: iv.Backoff,
	}, runner.Deps{
		Store: a.store,
		Gate:  a.gate,
		Log:   log.With(logx.String("comp", "runner")),
		Bus:   a.bus,
	})
	if err != nil {
		_ = a.store.Close()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) Config() *config.Config { return a.cfg }
func (a *App) Logger() logx.Logger    { return a.log }
func (a *App) Runner() *runner.Runner { return a.runner }
func (a *App) Tasks() int             { return a.runner.Stats().Total }

// Run executes the batch. The helpers live exactly as long as the runner:
// once it returns they are cancelled, and the notifier still gets to send
// the final summary.
func (a *App) Run(ctx context.Context) (runner.Stats, error) {
	cfg := a.cfg
	var rep *report.Reporter
	if s := strings.TrimSpace(cfg.Report.Schedule); s != "" {
		var err error
		if rep, err = report.New(s, a.log.With(logx.String("comp", "report")), a.report); err != nil {
			return a.runner.Stats(), err
		}
	}

	// Subscribed before the runner starts so no failure goes unreported.
	var notifier *notify.Notifier
	if a.tg != nil {
		notifier = notify.New(a.tg, a.bus, a.log, notifyOptions(cfg))
	}

	g, gctx := errgroup.WithContext(ctx)
	auxCtx, cancelAux := context.WithCancel(gctx)
	defer cancelAux()

	sup := supervisor.New(auxCtx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(false),
	)
	a.runner.SetSupervisor(sup)

	var (
		stats  runner.Stats
		runErr error
	)
	g.Go(func() error {
		defer cancelAux()
		stats, runErr = a.runner.Run(gctx)
		return nil
	})

	if a.opts.Watch {
		sub := a.cfgm.Subscribe(4)
		g.Go(func() error { return a.cfgm.Watch(auxCtx) })
		g.Go(func() error {
			defer a.cfgm.Unsubscribe(sub)
			a.applyLoop(auxCtx, sub)
			return nil
		})
	}

	if a.opts.Console && cfg.ConsoleEnabled() && a.opts.In != nil {
		c := console.New(a.runner, a.opts.In, a.opts.Out, console.Options{
			Prompt:     cfg.Console.Prompt,
			Sampler:    a.sampler,
			Supervisor: sup,
			Log:        a.log.With(logx.String("comp", "console")),
		})
		g.Go(func() error {
			if err := c.Run(auxCtx); err != nil {
				a.log.Warn("console.stopped", logx.Err(err))
			}
			return nil
		})
	}

	if rep != nil {
		g.Go(func() error { return rep.Run(auxCtx) })
	}

	if notifier != nil {
		g.Go(func() error { return notifier.Run(auxCtx) })
	}

	if sysd.Enabled() {
		sn := sysd.New(a.log, func() string { return StatusLine(a.runner.Stats()) }, 0)
		g.Go(func() error { return sn.Run(auxCtx) })
	}

	if cfg.Pprof.Enabled {
		srv := pprof.New(pprof.Config{Addr: cfg.Pprof.Addr, Token: cfg.Pprof.Token}, a.log,
			func() any { return a.snapshot(sup) })
		sup.GoRestart("pprof/server", supervisor.RestartPolicy{MaxRestarts: 5}, srv.Run)
	}

	_ = g.Wait()

	wctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sup.Stop(wctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("app.shutdown_incomplete", logx.Err(err))
	}
	return stats, runErr
}

// Close releases the store and flushes logging. Call it after Run.
func (a *App) Close() error {
	err := a.store.Close()
	_ = a.logs.Close()
	return err
}

func (a *App) report() {
	st := a.runner.Stats()
	a.log.Info("run.status",
		logx.String("state", st.State.String()),
		logx.Int("completed", st.Completed),
		logx.Int("total", st.Total),
		logx.Int("failed", st.Failed),
		logx.Int("skipped", st.Skipped),
		logx.Int("active", st.Active),
		logx.Int("queued", st.InQueue),
		logx.Duration("uptime", st.Uptime.Truncate(time.Second)),
	)
}

type snapshot struct {
	Stats      runner.Stats            `json:"stats"`
	Active     []runner.WorkerInfo     `json:"active"`
	Failed     []string                `json:"failed"`
	Sample     monitor.Sample          `json:"sample"`
	GateClosed bool                    `json:"gate_closed"`
	Goroutines supervisor.Counters     `json:"goroutines"`
	Groups     []supervisor.GroupStats `json:"groups"`
	BusDropped uint64                  `json:"bus_dropped"`
}

func (a *App) snapshot(sup *supervisor.Supervisor) snapshot {
	return snapshot{
		Stats:      a.runner.Stats(),
		Active:     a.runner.Active(),
		Failed:     a.runner.Failed(),
		Sample:     a.gate.Last(),
		GateClosed: a.gate.Closed(),
		Goroutines: sup.Counters(),
		Groups:     sup.Groups(),
		BusDropped: a.bus.Dropped(),
	}
}
