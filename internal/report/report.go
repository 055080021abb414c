// Package report emits periodic run status reports on a cron or interval
// schedule.
package report

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	logx "taskrunner/pkg/logx"
)

// Reporter calls fn on every schedule tick until its context is done.
// Overlapping ticks are skipped.
type Reporter struct {
	spec ParsedSpec
	fn   func()
	log  logx.Logger
}

func New(schedule string, log logx.Logger, fn func()) (*Reporter, error) {
	if fn == nil {
		return nil, fmt.Errorf("report func is nil")
	}
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	return &Reporter{spec: spec, fn: fn, log: log}, nil
}

func (r *Reporter) Spec() ParsedSpec { return r.spec }

// Run blocks until ctx is done, then waits for a running report to finish.
func (r *Reporter) Run(ctx context.Context) error {
	cl := cronLogger{log: r.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(r.spec.Schedule, cron.FuncJob(r.fn))
	c.Start()
	r.log.Debug("report.scheduled", logx.String("cron", r.spec.Cron), logx.Duration("every", r.spec.Every))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace("cron."+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron."+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
