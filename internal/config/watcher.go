package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadDecision reports how a config change can be applied.
type ReloadDecision string

const (
	// ReloadHotApply means the new config can replace the old one in place.
	ReloadHotApply ReloadDecision = "hot_apply"
	// ReloadRestartRequired means a salient field changed and the process
	// must restart to apply it.
	ReloadRestartRequired ReloadDecision = "restart_required"
)

// ReloadEvent describes one observed config change.
type ReloadEvent struct {
	Decision ReloadDecision
	Config   *Config
	Err      error
}

// SalientChanged compares the fields that cannot be applied without a
// restart: listening sockets, TLS material, auth mode, and the provider set.
func SalientChanged(old, next *Config) bool {
	if old == nil || next == nil {
		return old != next
	}
	if old.Server.Host != next.Server.Host ||
		old.Server.HTTPPort != next.Server.HTTPPort ||
		old.Server.TLSCert != next.Server.TLSCert ||
		old.Server.TLSKey != next.Server.TLSKey {
		return true
	}
	if old.Auth.Mode != next.Auth.Mode {
		return true
	}
	return !reflect.DeepEqual(old.Providers.Entries, next.Providers.Entries)
}

// Watcher observes a config file and reports reload decisions.
type Watcher struct {
	path    string
	current *Config
	logger  *slog.Logger
	events  chan ReloadEvent
}

// NewWatcher creates a config watcher rooted at the loaded config.
func NewWatcher(path string, current *Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:    path,
		current: current,
		logger:  logger,
		events:  make(chan ReloadEvent, 4),
	}
}

// Events returns the reload event channel.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Run watches until ctx is cancelled. Write bursts from editors are
// debounced before reloading.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// Watch the directory: editors replace files via rename, which drops
	// watches on the file itself.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var debounce *time.Timer
	var debounceC <-chan time.Time
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(250 * time.Millisecond)
			} else {
				debounce.Reset(250 * time.Millisecond)
			}
			debounceC = debounce.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-debounceC:
			debounceC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed", "path", w.path, "error", err)
		w.emit(ReloadEvent{Err: err})
		return
	}

	decision := ReloadHotApply
	if SalientChanged(w.current, next) {
		decision = ReloadRestartRequired
	} else {
		w.current = next
	}
	w.logger.Info("config reloaded", "path", w.path, "decision", string(decision))
	w.emit(ReloadEvent{Decision: decision, Config: next})
}

func (w *Watcher) emit(ev ReloadEvent) {
	select {
	case w.events <- ev:
	default:
		// Drop when the consumer is behind; the next change will refire.
	}
}
