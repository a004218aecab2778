// Package connwatch tracks the health of the exporter's long-lived
// connections (the SSH channel to the access point and the MQTT broker)
// for the /health endpoint.
//
// Watchers never act on failure themselves. Reconnection is owned by
// the component being watched; connwatch only records and logs state
// transitions.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Defaults applied by [Manager.Watch] to zero-value WatcherConfig fields.
const (
	DefaultInterval     = 30 * time.Second
	DefaultProbeTimeout = 5 * time.Second
	DefaultRetryDelay   = 2 * time.Second
)

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and status output.
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Interval between probes once the service has been seen healthy.
	Interval time.Duration

	// RetryDelay is the first delay between probes while the service
	// has never been healthy. It doubles up to Interval.
	RetryDelay time.Duration

	// ProbeTimeout limits each probe call.
	ProbeTimeout time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// ServiceStatus is the health of one watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes one service in the background.
type Watcher struct {
	cfg  WatcherConfig
	done chan struct{}

	mu     sync.Mutex
	status ServiceStatus
}

// Status returns the latest probe result.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// isReady reports whether the last probe succeeded.
func (w *Watcher) isReady() bool {
	return w.Status().Ready
}

// Wait blocks until the watcher's goroutine exits, which happens once
// the context given to [Manager.Watch] is done and any probe in flight
// has returned.
func (w *Watcher) Wait() {
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.cfg.RetryDelay
	everReady := false
	for {
		ready := w.check(ctx)
		everReady = everReady || ready

		wait := w.cfg.Interval
		if !everReady {
			wait = delay
			delay = min(delay*2, w.cfg.Interval)
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

// check runs one probe, records it, and logs state transitions.
func (w *Watcher) check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	err := w.cfg.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	wasReady := w.status.Ready
	checked := !w.status.LastCheck.IsZero()
	w.status.Ready = err == nil
	w.status.LastCheck = time.Now()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()

	logger := w.cfg.Logger
	switch {
	case err == nil && !wasReady:
		logger.Info("service connected", "service", w.cfg.Name)
	case err != nil && wasReady:
		logger.Warn("service became unreachable", "service", w.cfg.Name, "error", err)
	case err != nil && !checked:
		logger.Info("service not reachable yet", "service", w.cfg.Name, "error", err)
	case err != nil:
		logger.Debug("service still unreachable", "service", w.cfg.Name, "error", err)
	}
	return err == nil
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

// Watch starts probing a service until ctx is cancelled.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RetryDelay > cfg.Interval {
		cfg.RetryDelay = cfg.Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	w := &Watcher{
		cfg:    cfg,
		done:   make(chan struct{}),
		status: ServiceStatus{Name: cfg.Name},
	}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(ctx)
	return w
}

// Status returns the health of every watched service keyed by name.
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
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}
