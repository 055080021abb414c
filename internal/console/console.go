// Package console is the operator command line that runs next to the
// scheduler: plain-text commands in, plain-text answers out.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"taskrunner/internal/monitor"
	"taskrunner/internal/runner"
	"taskrunner/internal/runtime/supervisor"
	logx "taskrunner/pkg/logx"
)

// Runner is the part of *runner.Runner the console drives.
type Runner interface {
	Stats() runner.Stats
	Active() []runner.WorkerInfo
	Failed() []string
	Pause() error
	Resume() error
	StopWorker(handle string) error
	SetCapture(handle, stream string, on bool) error
	SetWorkersMax(n int) error
	WorkersMax() int
	Abort()
}

type Options struct {
	Prompt     string
	Sampler    monitor.Sampler
	Supervisor *supervisor.Supervisor
	Log        logx.Logger
}

type Console struct {
	r       Runner
	in      io.Reader
	out     io.Writer
	prompt  string
	sampler monitor.Sampler
	sup     *supervisor.Supervisor
	log     logx.Logger
}

func New(r Runner, in io.Reader, out io.Writer, opts Options) *Console {
	c := &Console{
		r:       r,
		in:      in,
		out:     out,
		prompt:  opts.Prompt,
		sampler: opts.Sampler,
		sup:     opts.Supervisor,
		log:     opts.Log,
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	return c
}

// Run reads commands until ctx is done, the input ends or "exit" is given.
// It returns as soon as ctx is done even while a read is blocked; the
// pending read finishes on its own once the input delivers or closes.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		sc := bufio.NewScanner(c.in)
		sc.Buffer(make([]byte, 0, 4096), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-stop:
				return
			}
		}
		err := sc.Err()
		if err == nil {
			err = io.EOF
		}
		readErr <- err
	}()

	c.printPrompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				c.log.Debug("console.input_closed")
				return nil
			}
			return fmt.Errorf("console read: %w", err)
		case line := <-lines:
			if c.Exec(line) {
				return nil
			}
			c.printPrompt()
		}
	}
}

func (c *Console) printPrompt() {
	if c.prompt != "" {
		fmt.Fprint(c.out, c.prompt)
	}
}

// Exec runs one command line. It reports true for "exit".
func (c *Console) Exec(line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	c.log.Debug("console.command", logx.String("cmd", cmd), logx.Strings("args", args))

	switch cmd {
	case "help", "?":
		c.help()
	case "status":
		c.status()
	case "list", "ls":
		c.list()
	case "fails":
		c.fails()
	case "top":
		c.top()
	case "pause":
		c.result(c.r.Pause(), "paused")
	case "resume":
		c.result(c.r.Resume(), "resumed")
	case "worker":
		c.worker(args)
	case "workers":
		c.workers(args)
	case "exit", "quit":
		fmt.Fprintln(c.out, "aborting run")
		c.log.Warn("console.exit")
		c.r.Abort()
		return true
	default:
		fmt.Fprintf(c.out, "unknown command %q (try \"help\")\n", cmd)
	}
	return false
}

const helpText = `commands:
  status                              aggregate counters and uptime
  list                                active workers
  fails                               permanently failed handles
  top                                 current resource utilization
  pause | resume                      stop / restart admitting tasks
  worker <handle> stop                kill one worker; the task is re-queued
  worker <handle> stdout|stderr on|off toggle output relaying
  workers [n]                         show or set workers_max
  exit                                abort the run
`

func (c *Console) help() { fmt.Fprint(c.out, helpText) }

func (c *Console) result(err error, ok string) {
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, ok)
}

func (c *Console) status() {
	st := c.r.Stats()
	fmt.Fprintf(c.out, "state:      %s\n", st.State)
	fmt.Fprintf(c.out, "active:     %d/%d\n", st.Active, st.WorkersMax)
	fmt.Fprintf(c.out, "total:      %d\n", st.Total)
	fmt.Fprintf(c.out, "completed:  %d\n", st.Completed)
	fmt.Fprintf(c.out, "successful: %d\n", st.Successful)
	fmt.Fprintf(c.out, "failed:     %d\n", st.Failed)
	fmt.Fprintf(c.out, "skipped:    %d\n", st.Skipped)
	fmt.Fprintf(c.out, "remaining:  %d\n", st.Remaining)
	fmt.Fprintf(c.out, "in queue:   %d\n", st.InQueue)
	fmt.Fprintf(c.out, "uptime:     %s\n", st.Uptime.Truncate(time.Second))
	if c.sup != nil {
		sc := c.sup.Counters()
		fmt.Fprintf(c.out, "goroutines: %d active, %d started, %d panics\n", sc.Active, sc.Started, sc.Panics)
	}
}

func (c *Console) list() {
	ws := c.r.Active()
	if len(ws) == 0 {
		fmt.Fprintln(c.out, "no active workers")
		return
	}
	now := time.Now()
	for _, w := range ws {
		fmt.Fprintf(c.out, "%s\t%s\tattempt=%d\tretries=%d\tpid=%d\tuptime=%s\tstdout=%s\tstderr=%s\n",
			w.Handle, w.State, w.Attempt, w.RetriesRemaining, w.PID,
			now.Sub(w.StartedAt).Truncate(time.Millisecond), onOff(w.CaptureStdout), onOff(w.CaptureStderr))
	}
}

func (c *Console) fails() {
	f := c.r.Failed()
	if len(f) == 0 {
		fmt.Fprintln(c.out, "no failed tasks")
		return
	}
	for _, h := range f {
		fmt.Fprintln(c.out, h)
	}
}

func (c *Console) top() {
	if c.sampler == nil {
		fmt.Fprintln(c.out, "utilization unavailable")
		return
	}
	s, err := c.sampler.Sample(context.Background())
	if err != nil {
		fmt.Fprintf(c.out, "utilization unknown: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "cpu:        %.1f%% (%d cores)\n", s.CPUPercent, s.CPUCount)
	fmt.Fprintf(c.out, "memory:     %.1f%% (%s / %s)\n", s.MemoryPercent, humanize.IBytes(s.MemoryUsed), humanize.IBytes(s.MemoryTotal))
	fmt.Fprintf(c.out, "disk:       %.1f%%\n", s.DiskPercent)
	fmt.Fprintf(c.out, "net:        %s sent, %s received\n", humanize.IBytes(s.NetSent), humanize.IBytes(s.NetRecv))
	fmt.Fprintf(c.out, "runtime:    %d goroutines, %s heap\n", s.Goroutines, humanize.IBytes(s.HeapInuse))
}

func (c *Console) worker(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.out, "usage: worker <handle> stop | worker <handle> stdout|stderr on|off")
		return
	}
	handle, action := args[0], strings.ToLower(args[1])
	switch action {
	case "stop":
		if err := c.r.StopWorker(handle); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
			return
		}
		fmt.Fprintf(c.out, "%s stopped\n", handle)
	case "stdout", "stderr":
		if len(args) != 3 {
			fmt.Fprintf(c.out, "usage: worker <handle> %s on|off\n", action)
			return
		}
		on, ok := parseOnOff(args[2])
		if !ok {
			fmt.Fprintf(c.out, "expected on|off, got %q\n", args[2])
			return
		}
		if err := c.r.SetCapture(handle, action, on); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
			return
		}
		fmt.Fprintf(c.out, "%s %s %s\n", handle, action, onOff(on))
	default:
		fmt.Fprintf(c.out, "unknown worker action %q\n", action)
	}
}

func (c *Console) workers(args []string) {
	if len(args) == 0 {
		fmt.Fprintf(c.out, "workers_max: %d\n", c.r.WorkersMax())
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "invalid number %q\n", args[0])
		return
	}
	if err := c.r.SetWorkersMax(n); err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "workers_max: %d\n", n)
}

func parseOnOff(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "on", "true", "1", "yes":
		return true, true
	case "off", "false", "0", "no":
		return false, true
	default:
		return false, false
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
