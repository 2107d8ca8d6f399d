// Package config persists the plugin subsystem's settings in
// <plugins-root>/config.json. Keys are gjson dotted paths
// (e.g. "settings.autoUpdate"), so plugins and the host share one
// flat document without a schema type per section.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// CurrentVersion is written into freshly created config files.
const CurrentVersion = "1.0.0"

// defaultConfig is the document created when no config file exists yet.
const defaultConfig = `{
  "version": "` + CurrentVersion + `",
  "plugins": {},
  "settings": {
    "autoUpdate": false,
    "securityLevel": "strict",
    "maxMemory": 10485760,
    "timeout": 5000
  }
}`

// Settings are the subsystem-wide knobs read by the runtime.
type Settings struct {
	AutoUpdate    bool
	SecurityLevel string
	MaxMemory     int64
	TimeoutMs     int64
}

// Store reads and writes the config document. Writes are synchronous per
// call; there is no flush step.
type Store struct {
	mu   sync.RWMutex
	path string
	raw  []byte
}

// NewStore creates a store for the given config.json path. Call Load
// before use.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the config file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the config file, creating it with defaults when missing.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read config: %w", err)
		}
		data = []byte(defaultConfig)
		if err := s.writeLocked(data); err != nil {
			return err
		}
	}

	if !gjson.ValidBytes(data) {
		return fmt.Errorf("config %s is not valid JSON", s.path)
	}

	s.raw = data
	return nil
}

// Get returns the value at the dotted key, and whether it exists.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := gjson.GetBytes(s.raw, key)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

// GetDefault returns the value at the key, or the fallback when unset.
func (s *Store) GetDefault(key string, fallback any) any {
	if v, ok := s.Get(key); ok {
		return v
	}
	return fallback
}

// Set writes the value at the dotted key and persists the document.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := sjson.SetBytes(s.raw, key, value)
	if err != nil {
		return fmt.Errorf("set config key %q: %w", key, err)
	}
	if err := s.writeLocked(updated); err != nil {
		return err
	}
	s.raw = updated
	return nil
}

// Delete removes the key and persists the document.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := sjson.DeleteBytes(s.raw, key)
	if err != nil {
		return fmt.Errorf("delete config key %q: %w", key, err)
	}
	if err := s.writeLocked(updated); err != nil {
		return err
	}
	s.raw = updated
	return nil
}

// Settings returns the subsystem settings with defaults applied.
func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	get := func(key string) gjson.Result {
		return gjson.GetBytes(s.raw, key)
	}

	settings := Settings{
		AutoUpdate:    false,
		SecurityLevel: "strict",
		MaxMemory:     10 * 1024 * 1024,
		TimeoutMs:     5000,
	}
	if v := get("settings.autoUpdate"); v.Exists() {
		settings.AutoUpdate = v.Bool()
	}
	if v := get("settings.securityLevel"); v.Exists() {
		settings.SecurityLevel = v.String()
	}
	if v := get("settings.maxMemory"); v.Exists() {
		settings.MaxMemory = v.Int()
	}
	if v := get("settings.timeout"); v.Exists() {
		settings.TimeoutMs = v.Int()
	}
	return settings
}

// writeLocked persists data to disk. Caller holds the write lock.
func (s *Store) writeLocked(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
