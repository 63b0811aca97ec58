// Package connwatch tracks whether the services a run depends on (the
// LLM provider and the memory backend) are reachable.
//
// A Watcher checks one service. While the service is down it retries
// with exponential backoff; once it is up it re-checks every
// PollInterval. State changes are reported through OnChange.
//
// This is separate from the LLM client's per-request retries: those
// cover a single call, connwatch covers outages and feeds /health.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CheckFunc checks whether a service is reachable. Return nil if healthy.
type CheckFunc func(ctx context.Context) error

// BackoffConfig controls check timing.
type BackoffConfig struct {
	InitialDelay time.Duration // first retry delay while down (default 2s)
	MaxDelay     time.Duration // retry delay ceiling (default 60s)
	Multiplier   float64       // growth per failed check (default 2)
	PollInterval time.Duration // re-check interval while up (default 60s)
	CheckTimeout time.Duration // per-check limit (default 10s)
}

// DefaultBackoffConfig returns 2s, 4s, 8s ... 60s retries and
// one-minute polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		CheckTimeout: 10 * time.Second,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = d.Multiplier
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = d.CheckTimeout
	}
	return c
}

// WatcherConfig configures one watcher.
type WatcherConfig struct {
	Name    string
	Check   CheckFunc
	Backoff BackoffConfig

	// OnChange is called after every transition between up and down,
	// and after the first check. err is nil when ready. Optional.
	OnChange func(name string, ready bool, err error)
}

// ServiceStatus is a watcher's state for health endpoints.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    WatcherConfig
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	checked   bool
	ready     bool
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last check succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns the current state.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ServiceStatus{Name: w.cfg.Name, Ready: w.ready, LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.cfg.Backoff
	delay := b.InitialDelay
	for {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)

		wait := b.PollInterval
		if err != nil {
			wait = delay
			delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
		} else {
			delay = b.InitialDelay
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

func (w *Watcher) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.CheckTimeout)
	defer cancel()
	return w.cfg.Check(ctx)
}

// record stores a check result and reports transitions.
func (w *Watcher) record(err error) {
	ready := err == nil

	w.mu.Lock()
	changed := !w.checked || w.ready != ready
	w.checked = true
	w.ready = ready
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	if !changed {
		if err != nil {
			w.logger.Debug("service still unreachable", "service", w.cfg.Name, "error", err)
		}
		return
	}
	if ready {
		w.logger.Info("service reachable", "service", w.cfg.Name)
	} else {
		w.logger.Warn("service unreachable", "service", w.cfg.Name, "error", err)
	}
	if w.cfg.OnChange != nil {
		w.cfg.OnChange(w.cfg.Name, ready, err)
	}
}

// Manager owns a set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{watchers: make(map[string]*Watcher), logger: logger}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. Name and Check are required.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" || cfg.Check == nil {
		panic("connwatch: WatcherConfig needs a Name and a Check")
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(ctx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// Status returns every watcher's state keyed by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop stops every watcher.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}
