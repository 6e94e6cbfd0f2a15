// Package configx provides an optional, hot-reloadable overlay of the
// forward-looking tunables (timeouts, retries, concurrency, group
// overrides) on top of the in-process config.Config passed to the
// facade at construction. Grounded on the teacher's
// packages/engine/config/runtime.go HotReloadSystem (fsnotify.Watcher +
// checksum-gated reload) and packages/engine/configx/store.go's
// SHA-256-hashed versioned commits.
package configx

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/99souls/esiclient/config"
)

// Overlay is the subset of config.Config a file may override at runtime.
type Overlay struct {
	RequestTimeoutMs   *int                            `yaml:"requestTimeoutMs,omitempty"`
	MaxRetries         *int                             `yaml:"maxRetries,omitempty"`
	MaxConcurrentPages *int                             `yaml:"maxConcurrentPages,omitempty"`
	GroupOverrides     map[string]config.GroupOverride `yaml:"groupOverrides,omitempty"`
}

// Apply merges the overlay onto base, returning a new Config. Zero-value
// fields in the overlay leave base's value untouched.
func (o Overlay) Apply(base config.Config) config.Config {
	out := base
	if o.RequestTimeoutMs != nil {
		out.RequestTimeoutMs = *o.RequestTimeoutMs
	}
	if o.MaxRetries != nil {
		out.MaxRetries = *o.MaxRetries
	}
	if o.MaxConcurrentPages != nil {
		out.MaxConcurrentPages = *o.MaxConcurrentPages
	}
	if len(o.GroupOverrides) > 0 {
		merged := make(map[string]config.GroupOverride, len(base.GroupOverrides)+len(o.GroupOverrides))
		for k, v := range base.GroupOverrides {
			merged[k] = v
		}
		for k, v := range o.GroupOverrides {
			merged[k] = v
		}
		out.GroupOverrides = merged
	}
	return out
}

// Logger is the minimal logging surface the watcher needs.
type Logger interface {
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// Watcher watches a YAML file for changes and applies a validated overlay
// on top of a base config, exposing the merged result via Current.
type Watcher struct {
	path string
	base config.Config
	log  Logger

	mu       sync.RWMutex
	current  config.Config
	lastHash string

	fsw *fsnotify.Watcher
}

// NewWatcher constructs a Watcher seeded at base; if path is non-empty and
// exists, it is loaded immediately. Absence of the file is never an
// error — base is used as-is.
func NewWatcher(path string, base config.Config, log Logger) (*Watcher, error) {
	if log == nil {
		log = nopLogger{}
	}
	w := &Watcher{path: path, base: base, current: base, log: log}
	if path != "" {
		w.reload()
	}
	return w, nil
}

// Current returns the currently merged config.
func (w *Watcher) Current() config.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching the file for changes; Stop halts it. Start is a
// no-op if path is empty.
func (w *Watcher) Start() error {
	if w.path == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.path); err != nil {
		// File may not exist yet; that's fine, nothing to watch.
		fsw.Close()
		return nil
	}
	w.fsw = fsw
	go w.watchLoop()
	return nil
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watch error", "error", err)
		}
	}
}

// Stop closes the underlying filesystem watcher.
func (w *Watcher) Stop() error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Warn("config read failed", "error", err)
		}
		return
	}
	hash := checksum(data)
	w.mu.RLock()
	same := hash == w.lastHash
	w.mu.RUnlock()
	if same {
		return
	}
	var overlay Overlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		w.log.Warn("config parse failed, keeping previous config", "error", err)
		return
	}
	merged := overlay.Apply(w.base)
	w.mu.Lock()
	w.current = merged
	w.lastHash = hash
	w.mu.Unlock()
	w.log.Info("config reloaded", "path", w.path, "checksum", hash)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...any) {}
func (nopLogger) Info(string, ...any) {}
