package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeEvent describes a change of one watched file
type ChangeEvent struct {
	File      string    `json:"file"`
	Action    string    `json:"action"` // initial_load, create, modify, delete, rename, polling_detected, manual_reload
	Data      []byte    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// ChangeHandler is called when a watched file changes
type ChangeHandler func(event ChangeEvent) error

// Validator rejects a file before handlers see it
type Validator func(data []byte) error

// ConfigManager watches a directory and hands changed YAML/JSON files to
// registered handlers, and .rego changes to policy handlers. Handlers of a
// file run on the watcher goroutine in registration order, so a reload is
// never applied out of order.
type ConfigManager struct {
	configDir      string
	contents       map[string][]byte
	handlers       map[string][]ChangeHandler
	validators     map[string]Validator
	policyHandlers []func() error
	watcher        *fsnotify.Watcher
	started        bool
	stopCh         chan struct{}
	logger         *zap.Logger
	mu             sync.RWMutex
	// serializes loads from the watcher, the poller and manual reloads
	loadMu sync.Mutex
	loops  sync.WaitGroup

	pollInterval  time.Duration
	enablePolling bool
	settle        time.Duration
}

// NewConfigManager creates a manager for configDir
func NewConfigManager(configDir string, logger *zap.Logger) (*ConfigManager, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &ConfigManager{
		configDir:    configDir,
		contents:     make(map[string][]byte),
		handlers:     make(map[string][]ChangeHandler),
		validators:   make(map[string]Validator),
		watcher:      watcher,
		stopCh:       make(chan struct{}),
		logger:       logger,
		pollInterval: 10 * time.Second,
		settle:       50 * time.Millisecond,
	}, nil
}

// Start loads every file once and begins watching. It returns after the
// initial load; watching continues until ctx is done or Stop is called.
func (cm *ConfigManager) Start(ctx context.Context) error {
	cm.mu.Lock()
	if cm.started {
		cm.mu.Unlock()
		return nil
	}
	cm.mu.Unlock()

	if err := cm.watcher.Add(cm.configDir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if err := cm.loadAll("initial_load"); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	cm.mu.Lock()
	cm.started = true
	loaded := len(cm.contents)
	polling := cm.enablePolling
	cm.mu.Unlock()

	cm.loops.Add(1)
	go cm.watchLoop(ctx)
	if polling {
		cm.loops.Add(1)
		go cm.pollLoop(ctx)
	}

	cm.logger.Info("Configuration manager started",
		zap.String("config_dir", cm.configDir),
		zap.Int("loaded_configs", loaded),
		zap.Bool("polling_enabled", polling),
	)
	return nil
}

// Stop stops watching and waits for an in-progress reload to finish
func (cm *ConfigManager) Stop() error {
	cm.mu.Lock()
	if !cm.started {
		cm.mu.Unlock()
		return nil
	}
	close(cm.stopCh)
	if err := cm.watcher.Close(); err != nil {
		cm.logger.Error("Error closing file watcher", zap.Error(err))
	}
	cm.started = false
	cm.mu.Unlock()

	cm.loops.Wait()
	cm.logger.Info("Configuration manager stopped")
	return nil
}

// RegisterHandler registers a change handler for a file name in the directory
func (cm *ConfigManager) RegisterHandler(filename string, handler ChangeHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers[filename] = append(cm.handlers[filename], handler)
	cm.logger.Debug("Configuration handler registered",
		zap.String("filename", filename),
		zap.Int("total_handlers", len(cm.handlers[filename])),
	)
}

// RegisterValidator sets the validator of a file name
func (cm *ConfigManager) RegisterValidator(filename string, v Validator) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validators[filename] = v
}

// RegisterPolicyHandler registers a handler for .rego changes
func (cm *ConfigManager) RegisterPolicyHandler(handler func() error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.policyHandlers = append(cm.policyHandlers, handler)
}

// EnablePolling adds a modification-time poller next to fsnotify, for
// filesystems that do not deliver events (some bind mounts)
func (cm *ConfigManager) EnablePolling(interval time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.enablePolling = true
	if interval > 0 {
		cm.pollInterval = interval
	}
}

// Current returns the last accepted content of a file
func (cm *ConfigManager) Current(filename string) ([]byte, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	data, ok := cm.contents[filename]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// ReloadConfig re-reads one file and notifies its handlers
func (cm *ConfigManager) ReloadConfig(filename string) error {
	return cm.load(filepath.Join(cm.configDir, filename), "manual_reload")
}

func (cm *ConfigManager) watchLoop(ctx context.Context) {
	defer cm.loops.Done()
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.stopCh:
			return
		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			cm.handleWatchEvent(event)
		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (cm *ConfigManager) pollLoop(ctx context.Context) {
	defer cm.loops.Done()
	ticker := time.NewTicker(cm.pollInterval)
	defer ticker.Stop()
	seen := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.stopCh:
			return
		case <-ticker.C:
			cm.checkForChanges(seen)
		}
	}
}

func (cm *ConfigManager) checkForChanges(seen map[string]time.Time) {
	err := filepath.WalkDir(cm.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		name := filepath.Base(path)
		if mod := info.ModTime(); mod.After(seen[name]) {
			seen[name] = mod
			if err := cm.load(path, "polling_detected"); err != nil {
				cm.logger.Warn("Failed to reload config file", zap.String("file", name), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		cm.logger.Error("Error during polling check", zap.Error(err))
	}
}

func (cm *ConfigManager) handleWatchEvent(event fsnotify.Event) {
	isConfig := isConfigFile(event.Name)
	isPolicy := filepath.Ext(event.Name) == ".rego"
	if !isConfig && !isPolicy {
		return
	}
	name := filepath.Base(event.Name)

	var action string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case event.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		action = "delete"
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		action = "rename"
	default:
		return
	}
	cm.logger.Debug("File system event", zap.String("file", name), zap.String("action", action))

	if isPolicy {
		cm.reloadPolicies(name, action)
		return
	}
	if action == "delete" || action == "rename" {
		cm.mu.Lock()
		delete(cm.contents, name)
		cm.mu.Unlock()
		cm.logger.Warn("Configuration file removed, keeping last applied values", zap.String("file", name))
		return
	}
	// editors write in several steps
	time.Sleep(cm.settle)
	if err := cm.load(event.Name, action); err != nil {
		cm.logger.Error("Failed to load config file",
			zap.String("file", name),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (cm *ConfigManager) loadAll(action string) error {
	return filepath.WalkDir(cm.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		return cm.load(path, action)
	})
}

// load validates the file and, when it is accepted and changed, runs its
// handlers. A rejected file leaves the previous content in effect.
func (cm *ConfigManager) load(path, action string) error {
	cm.loadMu.Lock()
	defer cm.loadMu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	name := filepath.Base(path)

	cm.mu.RLock()
	validator := cm.validators[name]
	prev, had := cm.contents[name]
	cm.mu.RUnlock()

	if validator != nil {
		if err := validator(data); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", name, err)
		}
	}
	if had && string(prev) == string(data) && action != "manual_reload" {
		return nil
	}

	cm.mu.Lock()
	cm.contents[name] = data
	handlers := append([]ChangeHandler(nil), cm.handlers[name]...)
	cm.mu.Unlock()

	event := ChangeEvent{File: name, Action: action, Data: data, Timestamp: time.Now()}
	for _, h := range handlers {
		if err := h(event); err != nil {
			cm.logger.Error("Configuration handler error",
				zap.String("filename", name),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}
	cm.logger.Info("Configuration loaded",
		zap.String("filename", name),
		zap.String("action", action),
		zap.Int("bytes", len(data)),
	)
	return nil
}

func (cm *ConfigManager) reloadPolicies(name, action string) {
	cm.mu.RLock()
	handlers := append([]func() error(nil), cm.policyHandlers...)
	cm.mu.RUnlock()

	cm.logger.Info("Policy file changed, triggering reload",
		zap.String("file", name),
		zap.String("action", action),
		zap.Int("handlers", len(handlers)),
	)
	for _, h := range handlers {
		if err := h(); err != nil {
			cm.logger.Error("Policy reload handler failed", zap.String("file", name), zap.Error(err))
		}
	}
}

func isConfigFile(name string) bool {
	switch filepath.Ext(name) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
