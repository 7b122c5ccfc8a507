package config

import (
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloadable is the subset of Config that hot-reloads without a restart:
// tenant admission limits and resolver definitions. listen/upstream/pool/
// admin require a process restart since they're bound to live listeners
// and pool goroutines.
type Reloadable struct {
	Tenant   TenantConfig
	Resolver []ResolverConfig
}

func reloadableOf(cfg *Config) Reloadable {
	return Reloadable{Tenant: cfg.Tenant, Resolver: cfg.Resolver}
}

// Watcher watches a config file and invokes callback with the Reloadable
// subset whenever tenant limits or resolver definitions change on disk.
// Grounded on the teacher's fsnotify-based config Watcher, narrowed to
// the fields spec.md's hot-reload section actually permits changing.
type Watcher struct {
	path     string
	callback func(Reloadable)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	last     Reloadable
	stopCh   chan struct{}
}

// NewWatcher starts watching path for changes, invoking callback whenever
// the reloadable subset of the config differs from the last known value.
func NewWatcher(path string, initial *Config, callback func(Reloadable)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		callback: callback,
		watcher:  fw,
		last:     reloadableOf(initial),
		stopCh:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload failed, keeping previous config", "path", w.path, "err", err)
		return
	}

	next := reloadableOf(cfg)

	w.mu.Lock()
	unchanged := reflect.DeepEqual(w.last, next)
	w.last = next
	w.mu.Unlock()

	if unchanged {
		return
	}
	slog.Info("config reloaded", "path", w.path)
	w.callback(next)
}

// Reload forces an immediate reload, bypassing the write-event debounce.
// Wired to SIGHUP in cmd/pgvpd/main.go (spec.md §6 "Configuration" names
// SIGHUP alongside file-write as a hot-reload trigger).
func (w *Watcher) Reload() {
	w.reload()
}

// Stop stops watching and releases the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}
