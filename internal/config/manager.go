package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is called after a validated configuration swap.
type ChangeHandler func(old, new *Config)

// Manager watches a configuration file and hot-reloads tunable fields.
// Invalid or unreadable files are logged and ignored; the last good
// configuration stays active.
type Manager struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	current  *Config
	handlers []ChangeHandler
	started  bool
	stopCh   chan struct{}

	// debounce collapses editor write bursts into one reload
	debounce time.Duration
}

// NewManager wraps an already loaded configuration with a file watcher.
func NewManager(path string, initial *Config, logger *zap.Logger) (*Manager, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Manager{
		path:     path,
		logger:   logger,
		watcher:  watcher,
		current:  initial,
		stopCh:   make(chan struct{}),
		debounce: 300 * time.Millisecond,
	}, nil
}

// Current returns the active configuration.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a handler invoked after each successful reload.
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Start begins watching. Watching the parent directory instead of the
// file itself survives rename-based atomic saves.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	dir := filepath.Dir(m.path)
	if err := m.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go m.watchLoop(ctx)
	m.logger.Info("Config hot-reload active", zap.String("path", m.path))
	return nil
}

// Stop terminates the watch loop and releases the watcher.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.stopCh)
	_ = m.watcher.Close()
}

func (m *Manager) watchLoop(ctx context.Context) {
	var timer *time.Timer
	reload := make(chan struct{}, 1)

	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(m.debounce, func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Config watcher error", zap.Error(err))
		case <-reload:
			m.reload()
		}
	}
}

// reload loads and validates the file, then swaps it in. Validation
// failure keeps the previous configuration.
func (m *Manager) reload() {
	next, err := Load(m.path)
	if err != nil {
		m.logger.Warn("Config reload rejected",
			zap.String("path", m.path),
			zap.Error(err),
		)
		return
	}

	m.mu.Lock()
	old := m.current
	m.current = next
	handlers := make([]ChangeHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	m.logger.Info("Config reloaded", zap.String("path", m.path))
	for _, h := range handlers {
		h(old, next)
	}
}
