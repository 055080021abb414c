// Package sysd reports service readiness and run progress to systemd
// (Type=notify units). Every call is a no-op when NOTIFY_SOCKET is unset.
package sysd

import (
	"context"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "taskrunner/pkg/logx"
)

const DefaultInterval = 10 * time.Second

// StatusFunc renders the one-line STATUS= text.
type StatusFunc func() string

type Notifier struct {
	log      logx.Logger
	status   StatusFunc
	interval time.Duration
}

func New(log logx.Logger, status StatusFunc, interval time.Duration) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Notifier{log: log.With(logx.String("comp", "systemd")), status: status, interval: interval}
}

// Enabled reports whether systemd asked for notifications.
func Enabled() bool { return os.Getenv("NOTIFY_SOCKET") != "" }

func (n *Notifier) notify(state string) {
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Debug("systemd.notify_failed", logx.String("state", state), logx.Err(err))
		return
	}
	if ok {
		n.log.Trace("systemd.notified", logx.String("state", state))
	}
}

func (n *Notifier) Status(text string) { n.notify("STATUS=" + text) }

// Run sends READY=1, then the status (and watchdog pings when the unit has
// WatchdogSec) every interval, and STOPPING=1 once ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	if !Enabled() {
		return nil
	}
	n.notify(daemon.SdNotifyReady)
	n.refresh()

	interval := n.interval
	wd, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("systemd.watchdog_invalid", logx.Err(err))
	}
	if wd > 0 && wd/2 < interval {
		interval = wd / 2
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			n.notify(daemon.SdNotifyStopping)
			return nil
		case <-t.C:
			n.refresh()
			if wd > 0 {
				n.notify(daemon.SdNotifyWatchdog)
			}
		}
	}
}

func (n *Notifier) refresh() {
	if n.status == nil {
		return
	}
	if s := n.status(); s != "" {
		n.Status(s)
	}
}
