package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskrunner/internal/eventbus"
	logx "taskrunner/pkg/logx"
)

// ErrDisabled is returned by Run when there is no sender.
var ErrDisabled = errors.New("notifier disabled")

// Sender delivers one text message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

type Options struct {
	RatePerSec int
	Buffer     int
	RetryMax   int
	RetryBase  time.Duration
	// DrainTimeout bounds the delivery of events still buffered when Run's
	// context ends (the final run summary usually is).
	DrainTimeout time.Duration
	// Withheld forwards admission.withheld events too.
	Withheld bool
}

// Notifier subscribes to the event bus and sends the events worth a human's
// attention.
type Notifier struct {
	sender  Sender
	events  <-chan eventbus.Event
	unsub   func()
	log     logx.Logger
	opts    Options
	limiter *rate.Limiter

	sent   atomic.Int64
	failed atomic.Int64
}

func New(sender Sender, bus eventbus.Bus, log logx.Logger, opts Options) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 1
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	n := &Notifier{
		sender:  sender,
		log:     log.With(logx.String("comp", "notify")),
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec),
	}
	// Subscribe now so events published before Run starts are kept.
	if sender != nil && bus != nil {
		n.events, n.unsub = bus.Subscribe(opts.Buffer)
	}
	return n
}

// Run consumes events until ctx is done, then delivers whatever is still
// buffered. Sends in flight get DrainTimeout past ctx before they are cut.
func (n *Notifier) Run(ctx context.Context) error {
	if n.events == nil {
		return ErrDisabled
	}
	defer n.unsub()

	sendCtx, cancelSend := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSend()
	stop := context.AfterFunc(ctx, func() {
		t := time.NewTimer(n.opts.DrainTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			cancelSend()
		case <-sendCtx.Done():
		}
	})
	defer stop()

	for {
		select {
		case <-ctx.Done():
			n.drain(sendCtx)
			return nil
		case ev, ok := <-n.events:
			if !ok {
				return nil
			}
			n.handle(sendCtx, ev)
		}
	}
}

func (n *Notifier) drain(ctx context.Context) {
	for {
		select {
		case ev, ok := <-n.events:
			if !ok {
				return
			}
			n.handle(ctx, ev)
		default:
			return
		}
	}
}

func (n *Notifier) handle(ctx context.Context, ev eventbus.Event) {
	if ev.Kind == eventbus.GateWithheld && !n.opts.Withheld {
		return
	}
	text, ok := FormatEvent(ev)
	if !ok {
		return
	}
	if err := n.sendWithRetry(ctx, text); err != nil {
		n.failed.Add(1)
		n.log.Warn("notify.send_failed", logx.String("event", ev.Kind), logx.Err(err))
		return
	}
	n.sent.Add(1)
}

func (n *Notifier) sendWithRetry(ctx context.Context, text string) error {
	var lastErr error
	for attempt := 0; attempt <= n.opts.RetryMax; attempt++ {
		if attempt > 0 {
			delay := n.opts.RetryBase << (attempt - 1)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err := n.limiter.Wait(ctx); err != nil {
			return err
		}
		if lastErr = n.sender.Send(ctx, text); lastErr == nil {
			return nil
		}
		n.log.Debug("notify.attempt_failed", logx.Int("attempt", attempt+1), logx.Err(lastErr))
	}
	return lastErr
}

// Counts returns how many messages were delivered and how many gave up.
func (n *Notifier) Counts() (sent, failed int64) { return n.sent.Load(), n.failed.Load() }
