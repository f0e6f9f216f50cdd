package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"overlay/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches .overlay/config.yaml for changes and delivers the reloaded
// config to a callback. Healer weights and AI settings can be retuned
// mid-session without restarting a walkthrough.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	configPath  string
	onReload    func(*Config)
	lastEvent   time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher for the workspace config file.
func NewWatcher(workspace string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		configPath:  Path(workspace),
		onReload:    onReload,
		debounceDur: 500 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the watch loop runs in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: editors replace files on save.
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		logging.BootWarn("config watcher: initial watch failed (dir may not exist): %v", err)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()

	var pending bool

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.lastEvent = time.Now()
			w.mu.Unlock()
			pending = true

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.BootWarn("config watcher error: %v", err)

		case <-tick.C:
			if !pending {
				continue
			}
			w.mu.Lock()
			settled := time.Since(w.lastEvent) >= w.debounceDur
			w.mu.Unlock()
			if !settled {
				continue
			}
			pending = false
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.configPath)
	if err != nil {
		logging.BootWarn("config reload failed: %v", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		logging.BootWarn("config reload rejected: %v", err)
		return
	}
	logging.Boot("config reloaded from %s", w.configPath)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
