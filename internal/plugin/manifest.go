package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/mursfoto/mursfoto-cli/internal/plugin/security"
)

const (
	// ManifestFileName is the descriptor every plugin directory must carry.
	ManifestFileName = "plugin.json"

	// DefaultMain is the entry module used when the manifest names none.
	DefaultMain = "init.lua"
)

var (
	namePattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(?:[-+][0-9A-Za-z.-]+)?$`)
)

// CommandSpec declares a manifest-bound command. Handler names a global
// function the entry module must define.
type CommandSpec struct {
	Handler     string         `json:"handler"`
	Description string         `json:"description,omitempty"`
	Usage       string         `json:"usage,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

// Manifest is the parsed plugin.json descriptor.
type Manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`

	// Main is the entry module relative to the plugin directory.
	Main string `json:"main,omitempty"`

	// Permissions are the capabilities the plugin requests. The validator
	// rejects anything outside the fixed vocabulary before any code runs.
	Permissions []security.Permission `json:"permissions,omitempty"`

	// Env lists extra environment variable names the plugin may read.
	Env []string `json:"env,omitempty"`

	// TimeoutMs overrides the wall-clock execution bound, in milliseconds.
	TimeoutMs int64 `json:"timeout,omitempty"`

	// Dependencies maps plugin names to version constraints. Recorded for
	// tooling; the runtime does not resolve them.
	Dependencies map[string]string `json:"dependencies,omitempty"`

	// Hooks maps hook names to global handler function names defined by
	// the entry module.
	Hooks map[string]string `json:"hooks,omitempty"`

	// Commands maps command names to their declarations.
	Commands map[string]CommandSpec `json:"commands,omitempty"`
}

// LoadManifest reads and validates <dir>/plugin.json.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, dir)
		}
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the schema rules that do not require filesystem access.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidManifest)
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("%w: name %q must be lowercase alphanumeric with - or _",
			ErrInvalidManifest, m.Name)
	}
	if m.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidManifest)
	}
	if !versionPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: version %q is not a semantic version",
			ErrInvalidManifest, m.Version)
	}
	if m.TimeoutMs < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidManifest)
	}
	for name, spec := range m.Commands {
		if spec.Handler == "" {
			return fmt.Errorf("%w: command %q has no handler", ErrInvalidManifest, name)
		}
	}
	for name, handler := range m.Hooks {
		if handler == "" {
			return fmt.Errorf("%w: hook %q has no handler", ErrInvalidManifest, name)
		}
	}
	return nil
}

// EntryPoint returns the entry module path relative to the plugin
// directory.
func (m *Manifest) EntryPoint() string {
	if m.Main != "" {
		return m.Main
	}
	return DefaultMain
}

// ExecutionTimeout returns the manifest's timeout override, or zero when
// none was declared.
func (m *Manifest) ExecutionTimeout() time.Duration {
	if m.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(m.TimeoutMs) * time.Millisecond
}
