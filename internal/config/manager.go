package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeEvent describes one configuration file change.
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"` // create, modify, delete, rename, reload
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler receives change events for a registered file.
type ChangeHandler func(event ChangeEvent) error

// Manager watches a configuration directory and delivers parsed documents
// to registered handlers on change. YAML and JSON files are tracked;
// .rego files trigger the registered policy reload handlers instead of
// being parsed. A polling fallback covers mounts where fsnotify is
// unreliable.
type Manager struct {
	dir    string
	logger *zap.Logger

	mu             sync.RWMutex
	configs        map[string]map[string]interface{}
	handlers       map[string][]ChangeHandler
	validators     map[string]func(map[string]interface{}) error
	policyHandlers []func() error

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	started bool

	pollInterval time.Duration
}

// NewManager creates a manager for dir, creating the directory if needed.
func NewManager(dir string, logger *zap.Logger) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Manager{
		dir:        dir,
		logger:     logger,
		configs:    make(map[string]map[string]interface{}),
		handlers:   make(map[string][]ChangeHandler),
		validators: make(map[string]func(map[string]interface{}) error),
		watcher:    watcher,
		stopCh:     make(chan struct{}),
	}, nil
}

// Start loads every config file in the directory and begins watching.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	poll := m.pollInterval
	m.mu.Unlock()

	if err := m.watcher.Add(m.dir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if err := m.loadAll(); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	go m.watchLoop()
	if poll > 0 {
		go m.pollLoop(poll)
	}

	m.mu.RLock()
	loaded := len(m.configs)
	m.mu.RUnlock()
	m.logger.Info("Configuration manager started",
		zap.String("dir", m.dir),
		zap.Int("loaded", loaded),
		zap.Duration("poll_interval", poll),
	)
	return nil
}

// Stop halts watching. Registered handlers receive no further events.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	close(m.stopCh)
	if err := m.watcher.Close(); err != nil {
		m.logger.Error("Error closing config watcher", zap.Error(err))
	}
	m.logger.Info("Configuration manager stopped")
	return nil
}

// WatchDir adds another directory to the watcher, for trees like a policy
// bundle that live outside the main config directory.
func (m *Manager) WatchDir(dir string) error {
	if err := m.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	m.logger.Info("Watching additional directory", zap.String("dir", dir))
	return nil
}

// EnablePolling turns on the mod-time polling fallback. Must be called
// before Start.
func (m *Manager) EnablePolling(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollInterval = interval
}

// RegisterHandler subscribes to change events for one file by base name.
func (m *Manager) RegisterHandler(filename string, handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[filename] = append(m.handlers[filename], handler)
}

// RegisterValidator installs a validator for one file. Documents that
// fail validation are rejected and the last good version stays live.
func (m *Manager) RegisterValidator(filename string, validator func(map[string]interface{}) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[filename] = validator
}

// RegisterPolicyHandler subscribes to .rego file changes anywhere under
// the watched directories.
func (m *Manager) RegisterPolicyHandler(handler func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policyHandlers = append(m.policyHandlers, handler)
}

// BindConfig decodes filename into a validated Config on every change and
// hands it to apply. Undecodable or invalid documents are dropped with a
// log so the last good configuration stays in effect; deletions are
// ignored for the same reason.
func (m *Manager) BindConfig(filename string, apply func(*Config) error) {
	logger := m.logger.With(zap.String("file", filename))
	m.RegisterHandler(filename, func(ev ChangeEvent) error {
		if ev.Action == "delete" || ev.Action == "rename" {
			logger.Warn("Config file removed, keeping last good configuration")
			return nil
		}
		cfg, err := FromMap(ev.Config, logger)
		if err != nil {
			return fmt.Errorf("failed to decode %s: %w", ev.File, err)
		}
		return apply(cfg)
	})
}

// Get returns a copy of the last loaded document for a file.
func (m *Manager) Get(filename string) (map[string]interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[filename]
	if !ok {
		return nil, false
	}
	return copyDoc(cfg), true
}

// Reload re-reads one file from disk and notifies handlers.
func (m *Manager) Reload(filename string) error {
	return m.load(filepath.Join(m.dir, filename), "reload")
}

func (m *Manager) watchLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("Config watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) handleEvent(event fsnotify.Event) {
	isConfig := isConfigFile(event.Name)
	isPolicy := filepath.Ext(event.Name) == ".rego"
	if !isConfig && !isPolicy {
		return
	}

	var action string
	switch {
	case event.Op&fsnotify.Create != 0:
		action = "create"
	case event.Op&fsnotify.Write != 0:
		action = "modify"
	case event.Op&fsnotify.Remove != 0:
		action = "delete"
	case event.Op&fsnotify.Rename != 0:
		action = "rename"
	default:
		return
	}

	filename := filepath.Base(event.Name)
	m.logger.Debug("Config file event",
		zap.String("file", filename), zap.String("action", action))

	if isPolicy {
		m.firePolicyHandlers(filename, action)
		return
	}

	if action == "delete" || action == "rename" {
		m.drop(filename, action)
		return
	}

	// Editors produce bursts of writes; let the file settle first.
	time.Sleep(50 * time.Millisecond)
	if err := m.load(event.Name, action); err != nil {
		m.logger.Error("Failed to load changed config",
			zap.String("file", filename), zap.Error(err))
	}
}

func (m *Manager) pollLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	modTimes := make(map[string]time.Time)
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pollOnce(modTimes)
		}
	}
}

func (m *Manager) pollOnce(modTimes map[string]time.Time) {
	err := filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isConfigFile(path) {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(modTimes[path]) {
			modTimes[path] = info.ModTime()
			return m.load(path, "modify")
		}
		return nil
	})
	if err != nil {
		m.logger.Error("Config poll failed", zap.Error(err))
	}
}

func (m *Manager) loadAll() error {
	return filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isConfigFile(path) {
			return err
		}
		return m.load(path, "create")
	})
}

func (m *Manager) load(path, action string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	filename := filepath.Base(path)
	doc := make(map[string]interface{})
	switch filepath.Ext(filename) {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse JSON config %s: %w", filename, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", filename, err)
		}
	default:
		return fmt.Errorf("unsupported config format for %s", filename)
	}

	m.mu.RLock()
	validator := m.validators[filename]
	m.mu.RUnlock()
	if validator != nil {
		if err := validator(doc); err != nil {
			return fmt.Errorf("validation failed for %s: %w", filename, err)
		}
	}

	m.mu.Lock()
	m.configs[filename] = doc
	m.mu.Unlock()

	m.notify(filename, action, copyDoc(doc))
	m.logger.Info("Configuration loaded",
		zap.String("file", filename),
		zap.String("action", action),
		zap.Int("keys", len(doc)),
	)
	return nil
}

func (m *Manager) drop(filename, action string) {
	m.mu.Lock()
	last := m.configs[filename]
	delete(m.configs, filename)
	m.mu.Unlock()

	m.notify(filename, action, copyDoc(last))
	m.logger.Info("Configuration file removed", zap.String("file", filename))
}

// notify fans an event out to the file's handlers. Handlers run
// asynchronously so a slow subscriber cannot stall the watch loop, and
// without any manager lock held so they may call back in.
func (m *Manager) notify(filename, action string, doc map[string]interface{}) {
	m.mu.RLock()
	handlers := make([]ChangeHandler, len(m.handlers[filename]))
	copy(handlers, m.handlers[filename])
	m.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	event := ChangeEvent{
		File:      filename,
		Action:    action,
		Config:    doc,
		Timestamp: time.Now(),
	}
	for _, handler := range handlers {
		h := handler
		go func() {
			if err := h(event); err != nil {
				m.logger.Error("Config handler failed",
					zap.String("file", filename),
					zap.String("action", action),
					zap.Error(err),
				)
			}
		}()
	}
}

func (m *Manager) firePolicyHandlers(filename, action string) {
	m.mu.RLock()
	handlers := make([]func() error, len(m.policyHandlers))
	copy(handlers, m.policyHandlers)
	m.mu.RUnlock()

	m.logger.Info("Policy file changed, reloading",
		zap.String("file", filename),
		zap.String("action", action),
		zap.Int("handlers", len(handlers)),
	)
	for _, handler := range handlers {
		if err := handler(); err != nil {
			m.logger.Error("Policy reload failed",
				zap.String("file", filename), zap.Error(err))
		}
	}
}

func isConfigFile(path string) bool {
	switch filepath.Ext(path) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func copyDoc(doc map[string]interface{}) map[string]interface{} {
	if doc == nil {
		return nil
	}
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
