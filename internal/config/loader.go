package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader loads and caches the YAML configuration file. Get returns the most
// recently loaded config; Reload re-reads the same path, replacing the cached
// config atomically. An optional fsnotify watcher drives hot reload.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string
	logger   *slog.Logger

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader creates a Loader holding the default config until Load is called.
func NewLoader() *Loader {
	return &Loader{
		cfg:    DefaultConfig(),
		logger: slog.Default().With("component", "config.Loader"),
	}
}

// Load reads and parses the config file at path. Environment variables in the
// form ${VAR} or ${VAR:-default} are substituted before parsing. Unset fields
// keep their defaults.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Get returns the current config. The returned pointer must be treated as
// read-only.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the last loaded config file, empty before Load.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

// Reload re-reads the previously loaded config file.
func (l *Loader) Reload() error {
	path := l.FilePath()
	if path == "" {
		return fmt.Errorf("no config file loaded, cannot reload")
	}
	return l.Load(path)
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteEnvVars replaces ${VAR} references with environment values.
// Undefined variables resolve to the :-default if present, else empty.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := envVarPattern.FindStringSubmatch(m)
		if v, ok := os.LookupEnv(parts[1]); ok {
			return v
		}
		return parts[3]
	})
}

// Watch starts an fsnotify watcher on the loaded config file. On writes, the
// config is reloaded and onReload is invoked with the new config. Call
// StopWatch to clean up.
func (l *Loader) Watch(onReload func(*Config)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.filePath == "" {
		return fmt.Errorf("no config file loaded, cannot watch")
	}
	if l.watcher != nil {
		l.stopWatchLocked()
	}

	absPath, err := filepath.Abs(l.filePath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory rather than the file to catch editor
	// rename-and-replace patterns (e.g. vim, nano).
	if err := w.Add(filepath.Dir(absPath)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})
	go l.watchLoop(w, l.watchDone, absPath, onReload)

	l.logger.Info("watching config for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher, done chan struct{}, targetPath string, onReload func(*Config)) {
	defer close(done)

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := l.Reload(); err != nil {
					l.logger.Error("config reload failed, keeping previous config", "error", err)
					continue
				}
				l.logger.Info("config reloaded", "path", targetPath)
				if onReload != nil {
					onReload(l.Get())
				}
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the config file watcher, if running.
func (l *Loader) StopWatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher != nil {
		_ = l.watcher.Close()
		if l.watchDone != nil {
			<-l.watchDone
		}
		l.watcher = nil
		l.watchDone = nil
	}
}

// GenerateDefault writes the default config as YAML to path, for `reguard init`.
func GenerateDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
