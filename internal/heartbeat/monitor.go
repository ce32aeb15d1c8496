// Package heartbeat provides the per-channel inactivity watchdog.
package heartbeat

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout is the watchdog expiry when none is configured.
const DefaultTimeout = 1800 * time.Second

// HealthCallback fires on watchdog expiry. It is invoked fire-and-forget on
// its own goroutine; errors are the callback's problem.
type HealthCallback func(channel string)

// Monitor arms one watchdog per channel. Reset on every inbound message
// restarts that channel's timer; expiry fires the health callback and
// re-arms iff the channel is still running.
type Monitor struct {
	timeout  time.Duration
	callback HealthCallback
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewMonitor creates a stopped monitor.
func NewMonitor(timeout time.Duration, callback HealthCallback, logger *slog.Logger) *Monitor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		timeout:  timeout,
		callback: callback,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}
}

// Start arms the watchdog for a channel. Starting a running channel resets
// its timer.
func (m *Monitor) Start(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armLocked(channel)
}

// Stop cancels the watchdog for a channel and drops further callbacks.
func (m *Monitor) Stop(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[channel]; ok {
		timer.Stop()
		delete(m.timers, channel)
	}
}

// StopAll cancels every watchdog.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for channel, timer := range m.timers {
		timer.Stop()
		delete(m.timers, channel)
	}
}

// Reset restarts the channel's timer. Called on every inbound message.
// Resetting a stopped channel is a no-op.
func (m *Monitor) Reset(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.timers[channel]; !running {
		return
	}
	m.armLocked(channel)
}

// IsRunning reports whether the channel's watchdog is armed.
func (m *Monitor) IsRunning(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[channel]
	return ok
}

func (m *Monitor) armLocked(channel string) {
	if timer, ok := m.timers[channel]; ok {
		timer.Stop()
	}
	m.timers[channel] = time.AfterFunc(m.timeout, func() {
		m.expire(channel)
	})
}

func (m *Monitor) expire(channel string) {
	m.mu.Lock()
	_, running := m.timers[channel]
	if running {
		// Re-arm before the callback so a slow probe cannot stall the
		// watchdog cadence.
		m.armLocked(channel)
	}
	m.mu.Unlock()

	if !running {
		return
	}
	m.logger.Debug("heartbeat timeout", "channel", channel, "timeout", m.timeout)
	if m.callback != nil {
		go m.callback(channel)
	}
}
