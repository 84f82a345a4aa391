// Package schema validates diary payload envelopes against per-form
// JSON Schemas. Schemas are compiled from a directory of
// <form>.schema.json files and hot-reloaded when the directory changes;
// with no directory configured, validation is structural only.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"diaryd/internal/event"
)

const schemaSuffix = ".schema.json"

// reloadDebounce coalesces bursts of file events (editors write schema
// files several times per save).
const reloadDebounce = 500 * time.Millisecond

// envelope is the shape of every create/update payload: the form names
// the schema, data is the entry itself.
type envelope struct {
	Form string          `json:"form"`
	Data json.RawMessage `json:"data"`
}

// Registry holds the compiled per-form schemas. The zero directory is a
// valid configuration and means structural-only validation.
type Registry struct {
	dir string

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	// OnReload, when set, is called after every hot reload with the new
	// form count, or the error that kept the previous set in place.
	OnReload func(forms int, err error)
}

// NewRegistry compiles all schemas in dir. An empty or missing
// directory yields a registry in structural-only mode.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{dir: dir}
	if dir == "" {
		return r, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return r, nil
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload recompiles every schema file in the directory. On error the
// previously compiled set stays in effect.
func (r *Registry) Reload() error {
	if r.dir == "" {
		return nil
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read schema directory: %w", err)
	}

	next := make(map[string]*jsonschema.Schema)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, schemaSuffix) {
			continue
		}
		form := strings.TrimSuffix(name, schemaSuffix)
		path := filepath.Join(r.dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read schema %s: %w", name, err)
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(path, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("add schema %s: %w", name, err)
		}
		schema, err := compiler.Compile(path)
		if err != nil {
			return fmt.Errorf("compile schema %s: %w", name, err)
		}
		next[form] = schema
	}

	r.mu.Lock()
	r.schemas = next
	r.mu.Unlock()
	return nil
}

// Forms returns the sorted names of the compiled forms.
func (r *Registry) Forms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for form := range r.schemas {
		out = append(out, form)
	}
	sort.Strings(out)
	return out
}

// ValidatePayload checks one candidate payload. Create and update
// payloads must be envelopes naming a known form when schemas are
// loaded; annotations are free-form notes and only need to be objects.
// Delete carries no payload and is not the registry's concern.
func (r *Registry) ValidatePayload(op event.Operation, payload json.RawMessage) error {
	if op == event.OpDelete {
		return nil
	}
	if !isObject(payload) {
		return &event.ValidationError{Reasons: []string{"payload must be a JSON object"}}
	}
	if op == event.OpAnnotate {
		return nil
	}

	r.mu.RLock()
	schemas := r.schemas
	r.mu.RUnlock()
	if len(schemas) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return &event.ValidationError{Reasons: []string{"payload is not a valid envelope: " + err.Error()}}
	}
	if env.Form == "" {
		return &event.ValidationError{Reasons: []string{"payload missing form"}}
	}
	schema, ok := schemas[env.Form]
	if !ok {
		return &event.ValidationError{Reasons: []string{fmt.Sprintf("unknown form %q", env.Form)}}
	}
	if env.Data == nil {
		return &event.ValidationError{Reasons: []string{"payload missing data"}}
	}

	var instance any
	if err := json.Unmarshal(env.Data, &instance); err != nil {
		return &event.ValidationError{Reasons: []string{"payload data is not valid JSON: " + err.Error()}}
	}
	if err := schema.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			var reasons []string
			collectCauses(ve, &reasons)
			return &event.ValidationError{Reasons: reasons}
		}
		return &event.ValidationError{Reasons: []string{err.Error()}}
	}
	return nil
}

// Watch hot-reloads the registry when the schema directory changes.
// Reload errors leave the previous set in place and are reported via
// OnReload.
func (r *Registry) Watch() error {
	if r.dir == "" {
		return nil
	}
	if _, err := os.Stat(r.dir); os.IsNotExist(err) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create schema watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch schema directory: %w", err)
	}

	r.watcher = watcher
	r.done = make(chan struct{})
	r.wg.Add(1)
	go r.watchLoop()
	return nil
}

func (r *Registry) watchLoop() {
	defer r.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, schemaSuffix) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}

		case <-timerC:
			err := r.Reload()
			if r.OnReload != nil {
				r.mu.RLock()
				n := len(r.schemas)
				r.mu.RUnlock()
				r.OnReload(n, err)
			}

		case _, ok := <-r.watcher.Errors:
			if !ok {
				return
			}

		case <-r.done:
			return
		}
	}
}

// Close stops the watcher. The registry keeps validating with the last
// compiled set.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	close(r.done)
	err := r.watcher.Close()
	r.wg.Wait()
	r.watcher = nil
	return err
}

func isObject(payload json.RawMessage) bool {
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(payload)
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// collectCauses flattens the validator's cause tree to leaf messages.
func collectCauses(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, fmt.Sprintf("%s: %s", loc, ve.Message))
		return
	}
	for _, cause := range ve.Causes {
		collectCauses(cause, out)
	}
}
