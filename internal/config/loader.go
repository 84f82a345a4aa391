package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// parseFile decodes a config file by extension. TOML is the native
// format; JSON and YAML are accepted for generated configs. A missing
// file yields the defaults so a fresh install runs without setup.
func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return cfg, nil
}

// SaveConfig writes cfg to path, choosing the format by extension.
// The file is written owner-only since targets may carry credentials.
func SaveConfig(cfg *Config, path string) error {
	var data []byte
	var err error

	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "# diaryd configuration (schema version %d)\n\n", cfg.Version)
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Watcher re-reads the daemon configuration when the file changes on
// disk and hands validated snapshots to subscribers. A snapshot that
// fails to parse or validate never replaces the running one; it is
// reported through OnInvalid instead.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher

	mu        sync.Mutex
	current   *Config
	onUpdate  []func(*Config)
	onInvalid []func(error)

	closeOnce sync.Once
	done      chan struct{}
}

// NewWatcher starts watching the directory holding path. Watching the
// parent keeps the subscription alive across editors and provisioning
// tools that replace the file instead of writing in place.
func NewWatcher(path string, current *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		path:    path,
		fsw:     fsw,
		current: current,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// OnUpdate registers a callback for accepted snapshots. Callbacks run
// on the watch goroutine, so they must not block.
func (w *Watcher) OnUpdate(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onUpdate = append(w.onUpdate, fn)
}

// OnInvalid registers a callback for rejected reloads.
func (w *Watcher) OnInvalid(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onInvalid = append(w.onInvalid, fn)
}

// Current returns the last accepted snapshot.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops the watch goroutine.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	return w.fsw.Close()
}

// loop coalesces bursts of file events into one reload. Provisioning
// tools often write a config in several chunks; the quiet window lets
// the file settle before it is read.
func (w *Watcher) loop() {
	const settle = 200 * time.Millisecond
	var pending *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.done:
			if pending != nil {
				pending.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(settle)
				fire = pending.C
			} else {
				pending.Reset(settle)
			}

		case <-fire:
			pending = nil
			fire = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.reject(fmt.Errorf("config watch: %w", err))
		}
	}
}

func (w *Watcher) reload() {
	next, err := parseFile(w.path)
	if err != nil {
		w.reject(err)
		return
	}
	next.ApplyEnvOverrides()
	if err := next.Validate(); err != nil {
		w.reject(fmt.Errorf("reloaded config: %w", err))
		return
	}

	w.mu.Lock()
	w.current = next
	handlers := append([]func(*Config){}, w.onUpdate...)
	w.mu.Unlock()

	for _, fn := range handlers {
		fn(next)
	}
}

func (w *Watcher) reject(err error) {
	w.mu.Lock()
	handlers := append([]func(error){}, w.onInvalid...)
	w.mu.Unlock()

	for _, fn := range handlers {
		fn(err)
	}
}
