package requestplane

import (
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher reloads the config file on change and notifies subscribers.
// Only tunables that are safe to change at runtime (thresholds, retention,
// bandit weights) take effect without a restart; structural options
// (data dir, addresses) require one.
type ConfigWatcher struct {
	path    string
	watcher *fsnotify.Watcher

	onReload []func(*Config)
	mu       sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup

	logger *log.Logger
}

// NewConfigWatcher creates a watcher for the given config file path
func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	return &ConfigWatcher{
		path:    path,
		watcher: w,
		done:    make(chan struct{}),
		logger:  log.Default(),
	}, nil
}

// OnReload registers a callback invoked with each successfully reloaded config
func (cw *ConfigWatcher) OnReload(fn func(*Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.onReload = append(cw.onReload, fn)
}

// Start begins watching for config changes
func (cw *ConfigWatcher) Start() {
	cw.wg.Add(1)
	go cw.watchLoop()
}

// Stop stops the watcher
func (cw *ConfigWatcher) Stop() {
	close(cw.done)
	cw.watcher.Close()
	cw.wg.Wait()
}

func (cw *ConfigWatcher) watchLoop() {
	defer cw.wg.Done()

	for {
		select {
		case <-cw.done:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			cfg, err := LoadConfig(cw.path)
			if err != nil {
				// Keep running with the previous config
				cw.logger.Printf("[ConfigWatcher] Reload failed, keeping previous config: %v", err)
				continue
			}

			cw.logger.Printf("[ConfigWatcher] Config reloaded from %s", cw.path)

			cw.mu.Lock()
			callbacks := make([]func(*Config), len(cw.onReload))
			copy(callbacks, cw.onReload)
			cw.mu.Unlock()

			for _, fn := range callbacks {
				fn(cfg)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Printf("[ConfigWatcher] Watch error: %v", err)
		}
	}
}
