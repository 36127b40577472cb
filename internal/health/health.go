// Package health tracks whether Gestella's external dependencies (the
// model provider, the MQTT broker) are reachable.
//
// Each dependency is probed once at registration and then polled. A
// failing dependency is re-probed with exponential backoff so recovery
// is noticed quickly without hammering a service that is down.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc returns nil when the dependency is reachable.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// Interval between probes of a healthy dependency (default 60s).
	Interval time.Duration
	// RetryMin and RetryMax bound the backoff between probes of a
	// failing dependency (defaults 2s and 60s).
	RetryMin time.Duration
	RetryMax time.Duration
	// Timeout caps one probe (default 10s).
	Timeout time.Duration
}

// DefaultSchedule returns the production probe timing.
func DefaultSchedule() Schedule {
	return Schedule{
		Interval: 60 * time.Second,
		RetryMin: 2 * time.Second,
		RetryMax: 60 * time.Second,
		Timeout:  10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.RetryMin <= 0 {
		s.RetryMin = d.RetryMin
	}
	if s.RetryMax < s.RetryMin {
		s.RetryMax = max(d.RetryMax, s.RetryMin)
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// Status is one dependency's last probe result.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

type dependency struct {
	name     string
	probe    ProbeFunc
	schedule Schedule
	checked  chan struct{} // closed after the first probe

	mu     sync.Mutex
	status Status
}

// Monitor probes registered dependencies in the background.
type Monitor struct {
	logger *slog.Logger

	mu   sync.RWMutex
	deps map[string]*dependency
	wg   sync.WaitGroup
}

// NewMonitor creates an empty Monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger: logger.With("component", "health"),
		deps:   make(map[string]*dependency),
	}
}

// Watch starts probing a dependency until ctx is cancelled.
// Registering the same name twice replaces nothing and is ignored.
func (m *Monitor) Watch(ctx context.Context, name string, probe ProbeFunc, schedule Schedule) {
	m.mu.Lock()
	if _, ok := m.deps[name]; ok {
		m.mu.Unlock()
		return
	}
	d := &dependency{
		name:     name,
		probe:    probe,
		schedule: schedule.withDefaults(),
		checked:  make(chan struct{}),
		status:   Status{Name: name},
	}
	m.deps[name] = d
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, d)
	}()
}

func (m *Monitor) run(ctx context.Context, d *dependency) {
	first := true
	for {
		wait := m.check(ctx, d)
		if first {
			close(d.checked)
			first = false
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check probes d once, records the result and returns how long to wait
// before the next probe.
func (m *Monitor) check(ctx context.Context, d *dependency) time.Duration {
	probeCtx, cancel := context.WithTimeout(ctx, d.schedule.Timeout)
	err := d.probe(probeCtx)
	cancel()

	d.mu.Lock()
	defer d.mu.Unlock()

	wasReady := d.status.Ready
	d.status.LastCheck = time.Now()
	if err == nil {
		d.status.Ready = true
		d.status.LastError = ""
		d.status.Failures = 0
		if !wasReady {
			m.logger.Info("dependency reachable", "dependency", d.name)
		}
		return d.schedule.Interval
	}

	d.status.Ready = false
	d.status.LastError = err.Error()
	d.status.Failures++
	if wasReady {
		m.logger.Warn("dependency unreachable", "dependency", d.name, "error", err)
	} else {
		m.logger.Debug("dependency still unreachable", "dependency", d.name, "failures", d.status.Failures, "error", err)
	}

	wait := d.schedule.RetryMin << min(d.status.Failures-1, 16)
	if wait <= 0 || wait > d.schedule.RetryMax {
		wait = d.schedule.RetryMax
	}
	return wait
}

// AwaitFirstCheck blocks until every registered dependency has been
// probed once or ctx ends.
func (m *Monitor) AwaitFirstCheck(ctx context.Context) error {
	m.mu.RLock()
	deps := make([]*dependency, 0, len(m.deps))
	for _, d := range m.deps {
		deps = append(deps, d)
	}
	m.mu.RUnlock()

	for _, d := range deps {
		select {
		case <-d.checked:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Status returns every dependency's state sorted by name.
func (m *Monitor) Status() []Status {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	out := make([]Status, 0, len(m.deps))
	for _, d := range m.deps {
		d.mu.Lock()
		out = append(out, d.status)
		d.mu.Unlock()
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every dependency answered its last probe.
func (m *Monitor) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Wait blocks until all probe goroutines have exited. Cancel the ctx
// passed to Watch first.
func (m *Monitor) Wait() { m.wg.Wait() }
