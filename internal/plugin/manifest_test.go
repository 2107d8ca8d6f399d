package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mursfoto/mursfoto-cli/internal/plugin/security"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{
		"name": "greeter",
		"version": "1.2.0",
		"description": "says hello",
		"author": "someone",
		"permissions": ["commands", "config"],
		"timeout": 2500,
		"hooks": {"file_saved": "on_file_saved"},
		"commands": {"greet": {"handler": "do_greet", "description": "greets"}}
	}`)

	m, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}

	if m.Name != "greeter" || m.Version != "1.2.0" {
		t.Errorf("identity = %s@%s", m.Name, m.Version)
	}
	if m.EntryPoint() != DefaultMain {
		t.Errorf("EntryPoint() = %q, want %q", m.EntryPoint(), DefaultMain)
	}
	if m.ExecutionTimeout() != 2500*time.Millisecond {
		t.Errorf("ExecutionTimeout() = %v", m.ExecutionTimeout())
	}
	if m.Hooks["file_saved"] != "on_file_saved" {
		t.Errorf("Hooks = %v", m.Hooks)
	}
	if m.Commands["greet"].Handler != "do_greet" {
		t.Errorf("Commands = %v", m.Commands)
	}
	if len(m.Permissions) != 2 || m.Permissions[0] != security.PermCommands {
		t.Errorf("Permissions = %v", m.Permissions)
	}
}

func TestLoadManifestMissing(t *testing.T) {
	_, err := LoadManifest(t.TempDir())
	if !errors.Is(err, ErrManifestNotFound) {
		t.Fatalf("error = %v, want ErrManifestNotFound", err)
	}
}

func TestLoadManifestMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{not json`)

	_, err := LoadManifest(dir)
	if !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("error = %v, want ErrInvalidManifest", err)
	}
}

func TestManifestValidate(t *testing.T) {
	valid := func() *Manifest {
		return &Manifest{Name: "my-plugin_2", Version: "0.1.0"}
	}

	tests := []struct {
		name   string
		mutate func(*Manifest)
		wantOK bool
	}{
		{"valid minimal", func(m *Manifest) {}, true},
		{"valid prerelease version", func(m *Manifest) { m.Version = "1.0.0-beta.1" }, true},
		{"missing name", func(m *Manifest) { m.Name = "" }, false},
		{"uppercase name", func(m *Manifest) { m.Name = "MyPlugin" }, false},
		{"name with slash", func(m *Manifest) { m.Name = "a/b" }, false},
		{"name starting with dash", func(m *Manifest) { m.Name = "-bad" }, false},
		{"missing version", func(m *Manifest) { m.Version = "" }, false},
		{"two-part version", func(m *Manifest) { m.Version = "1.0" }, false},
		{"negative timeout", func(m *Manifest) { m.TimeoutMs = -1 }, false},
		{"command without handler", func(m *Manifest) {
			m.Commands = map[string]CommandSpec{"x": {}}
		}, false},
		{"hook without handler", func(m *Manifest) {
			m.Hooks = map[string]string{"h": ""}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(m)
			err := m.Validate()
			if tt.wantOK && err != nil {
				t.Errorf("Validate() error = %v, want nil", err)
			}
			if !tt.wantOK && !errors.Is(err, ErrInvalidManifest) {
				t.Errorf("Validate() error = %v, want ErrInvalidManifest", err)
			}
		})
	}
}

func TestManifestDefaults(t *testing.T) {
	m := &Manifest{Name: "p", Version: "1.0.0"}

	if m.EntryPoint() != "init.lua" {
		t.Errorf("EntryPoint() = %q", m.EntryPoint())
	}
	if m.ExecutionTimeout() != 0 {
		t.Errorf("ExecutionTimeout() = %v, want 0", m.ExecutionTimeout())
	}

	m.Main = "main.lua"
	if m.EntryPoint() != "main.lua" {
		t.Errorf("EntryPoint() = %q", m.EntryPoint())
	}
}
