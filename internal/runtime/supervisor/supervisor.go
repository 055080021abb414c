// Package supervisor runs named goroutines with panic recovery, restart
// policies and counters.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "taskrunner/pkg/logx"
)

// Supervisor owns goroutines tied to one context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Uint64
	active  atomic.Int64
	panics  atomic.Uint64

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // error
	wg          sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*groupStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first error or
// panic from any goroutine.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// Counters are operational signals only, not a synchronization primitive.
type Counters struct {
	Active  int64
	Started uint64
	Panics  uint64
}

// GroupStats aggregates goroutines sharing a group name (the part of the
// name before the first '/', e.g. "worker" for "worker/handle_001").
type GroupStats struct {
	Group    string
	Active   int64
	Started  uint64
	Panics   uint64
	Restarts uint64
	LastErr  string
	Runtime  time.Duration
}

type groupStats struct {
	active   int64
	started  uint64
	panics   uint64
	restarts uint64
	lastErr  string
	runtime  time.Duration
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		stats:  map[string]*groupStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error reported by a goroutine.
func (s *Supervisor) Err() error {
	if v, ok := s.firstErr.Load().(error); ok {
		return v
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:  s.active.Load(),
		Started: s.started.Load(),
		Panics:  s.panics.Load(),
	}
}

// Groups returns per-group stats, busiest first.
func (s *Supervisor) Groups() []GroupStats {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := make([]GroupStats, 0, len(s.stats))
	for name, st := range s.stats {
		out = append(out, GroupStats{
			Group:    name,
			Active:   st.active,
			Started:  st.started,
			Panics:   st.panics,
			Restarts: st.restarts,
			LastErr:  st.lastErr,
			Runtime:  st.runtime,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active > out[j].Active
		}
		return out[i].Group < out[j].Group
	})
	return out
}

func groupOf(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return name[:i]
		}
	}
	return name
}

func (s *Supervisor) group(name string) *groupStats {
	g := groupOf(name)
	st := s.stats[g]
	if st == nil {
		st = &groupStats{}
		s.stats[g] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	s.mu.Lock()
	st := s.group(name)
	st.started++
	st.active++
	if restart {
		st.restarts++
	}
	s.mu.Unlock()
	return time.Now()
}

func (s *Supervisor) noteStop(name string, startedAt time.Time, err error) {
	s.mu.Lock()
	st := s.group(name)
	if st.active > 0 {
		st.active--
	}
	st.runtime += time.Since(startedAt)
	if err != nil {
		st.lastErr = err.Error()
	}
	s.mu.Unlock()
}

func (s *Supervisor) notePanic(name string, p any) error {
	s.panics.Add(1)
	s.mu.Lock()
	s.group(name).panics++
	s.mu.Unlock()
	s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
	return fmt.Errorf("panic in %s: %v", name, p)
}

// Go runs fn on its own goroutine. A panic is recovered, logged with its
// stack and reported through Err.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		startedAt := s.noteStart(name, false)
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = s.notePanic(name, r)
			}
			s.noteStop(name, startedAt, err)
			s.fail(err)
		}()

		err = fn(s.ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
		}
	}()
}

// Go0 is Go for functions without an error result.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartPolicy configures GoRestart.
type RestartPolicy struct {
	MinBackoff  time.Duration // default 250ms
	MaxBackoff  time.Duration // default 30s
	MaxRestarts int           // <= 0 means unlimited
}

// GoRestart runs fn until it returns nil or ctx is done, restarting it with
// jittered exponential backoff after errors and panics.
func (s *Supervisor) GoRestart(name string, p RestartPolicy, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	if p.MinBackoff <= 0 {
		p.MinBackoff = 250 * time.Millisecond
	}
	if p.MaxBackoff < p.MinBackoff {
		p.MaxBackoff = max(30*time.Second, p.MinBackoff)
	}

	s.Go(name+".loop", func(ctx context.Context) error {
		backoff := p.MinBackoff
		for restarts := 0; ; restarts++ {
			startedAt := s.noteStart(name, restarts > 0)
			err := func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = s.notePanic(name, r)
					}
				}()
				return fn(ctx)
			}()
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, startedAt, nil)
				return nil
			}
			s.noteStop(name, startedAt, err)

			if p.MaxRestarts > 0 && restarts >= p.MaxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return err
			}
			// A long healthy run resets the backoff.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = p.MinBackoff
			}
			wait := backoff + time.Duration(time.Now().UnixNano()%int64(backoff/5+1))
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			backoff = min(backoff*2, p.MaxBackoff)
		}
	})
}

func (s *Supervisor) fail(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels the context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return s.Err()
	}
}
