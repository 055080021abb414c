package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "taskrunner/pkg/logx"
)

// Thresholds for one metric, in percent. Admission is withheld above
// ScaleDown; once withheld it resumes at or below ScaleUp.
type Thresholds struct {
	ScaleDown float64
	ScaleUp   float64
}

// normalized collapses an unusable ScaleUp onto ScaleDown (plain threshold).
func (t Thresholds) normalized() Thresholds {
	if t.ScaleUp <= 0 || t.ScaleUp >= t.ScaleDown {
		t.ScaleUp = t.ScaleDown
	}
	return t
}

// Gate is the binary admission gate. It starts open, closes when CPU or
// memory goes above its ScaleDown threshold and reopens only when both are
// at or below ScaleUp.
//
// A failed sample leaves the gate state untouched and allows admission.
type Gate struct {
	sampler Sampler
	log     logx.Logger

	mu     sync.Mutex
	cpu    Thresholds
	mem    Thresholds
	closed bool
	last   Sample

	warnEvery rate.Sometimes
}

func NewGate(s Sampler, cpu, mem Thresholds, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{
		sampler:   s,
		log:       log,
		cpu:       cpu.normalized(),
		mem:       mem.normalized(),
		warnEvery: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

// SetThresholds replaces both thresholds. The open/closed state is kept.
func (g *Gate) SetThresholds(cpu, mem Thresholds) {
	g.mu.Lock()
	g.cpu = cpu.normalized()
	g.mem = mem.normalized()
	g.mu.Unlock()
}

func (g *Gate) Thresholds() (cpu, mem Thresholds) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cpu, g.mem
}

// Closed reports whether the last successful sample closed the gate.
func (g *Gate) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Last returns the most recent successful sample.
func (g *Gate) Last() Sample {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Allow samples utilization and reports whether a new task may start.
// reason is empty when allowed.
func (g *Gate) Allow(ctx context.Context) (bool, Sample, string) {
	if g == nil || g.sampler == nil {
		return true, Sample{}, ""
	}
	s, err := g.sampler.Sample(ctx)
	if err != nil {
		g.warnEvery.Do(func() {
			g.log.Warn("monitor.sample_failed", logx.Err(err))
		})
		return true, s, ""
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = s

	if !g.closed {
		switch {
		case s.CPUPercent > g.cpu.ScaleDown:
			g.closed = true
			return false, s, fmt.Sprintf("cpu %.1f%% > %.1f%%", s.CPUPercent, g.cpu.ScaleDown)
		case s.MemoryPercent > g.mem.ScaleDown:
			g.closed = true
			return false, s, fmt.Sprintf("memory %.1f%% > %.1f%%", s.MemoryPercent, g.mem.ScaleDown)
		}
		return true, s, ""
	}

	switch {
	case s.CPUPercent > g.cpu.ScaleUp:
		return false, s, fmt.Sprintf("cpu %.1f%% > %.1f%% (resume)", s.CPUPercent, g.cpu.ScaleUp)
	case s.MemoryPercent > g.mem.ScaleUp:
		return false, s, fmt.Sprintf("memory %.1f%% > %.1f%% (resume)", s.MemoryPercent, g.mem.ScaleUp)
	}
	g.closed = false
	return true, s, ""
}
