package heartbeat

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMonitorStartStop(t *testing.T) {
	m := NewMonitor(time.Hour, nil, discardLogger())

	if m.IsRunning("telegram") {
		t.Error("fresh monitor reports running")
	}
	m.Start("telegram")
	if !m.IsRunning("telegram") {
		t.Error("started channel not running")
	}
	m.Stop("telegram")
	if m.IsRunning("telegram") {
		t.Error("stopped channel still running")
	}
}

func TestMonitorExpiryFiresCallback(t *testing.T) {
	fired := make(chan string, 1)
	m := NewMonitor(30*time.Millisecond, func(channel string) {
		fired <- channel
	}, discardLogger())
	defer m.StopAll()

	m.Start("slack")
	select {
	case channel := <-fired:
		if channel != "slack" {
			t.Errorf("callback channel = %q, want slack", channel)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	// Expiry re-arms while still running.
	if !m.IsRunning("slack") {
		t.Error("watchdog not re-armed after expiry")
	}
}

func TestMonitorRearmsRepeatedly(t *testing.T) {
	var mu sync.Mutex
	count := 0
	m := NewMonitor(20*time.Millisecond, func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	}, discardLogger())
	defer m.StopAll()

	m.Start("telegram")
	time.Sleep(110 * time.Millisecond)
	m.Stop("telegram")

	mu.Lock()
	got := count
	mu.Unlock()
	if got < 2 {
		t.Errorf("callback fired %d times, want repeated firing", got)
	}
}

func TestMonitorResetDefersExpiry(t *testing.T) {
	fired := make(chan struct{}, 4)
	m := NewMonitor(60*time.Millisecond, func(string) {
		fired <- struct{}{}
	}, discardLogger())
	defer m.StopAll()

	m.Start("discord")
	for i := 0; i < 4; i++ {
		time.Sleep(25 * time.Millisecond)
		m.Reset("discord")
	}
	select {
	case <-fired:
		t.Error("callback fired despite resets inside the window")
	default:
	}
}

func TestMonitorStopSuppressesCallback(t *testing.T) {
	fired := make(chan struct{}, 1)
	m := NewMonitor(40*time.Millisecond, func(string) {
		fired <- struct{}{}
	}, discardLogger())

	m.Start("slack")
	m.Stop("slack")
	select {
	case <-fired:
		t.Error("callback fired after Stop")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestMonitorResetOnStoppedChannelIsNoop(t *testing.T) {
	m := NewMonitor(time.Hour, nil, discardLogger())
	m.Reset("never-started")
	if m.IsRunning("never-started") {
		t.Error("reset armed a stopped channel")
	}
}

func TestMonitorChannelsIndependent(t *testing.T) {
	m := NewMonitor(time.Hour, nil, discardLogger())
	defer m.StopAll()

	m.Start("telegram")
	m.Start("slack")
	m.Stop("telegram")

	if m.IsRunning("telegram") {
		t.Error("telegram should be stopped")
	}
	if !m.IsRunning("slack") {
		t.Error("slack should keep running")
	}
}
