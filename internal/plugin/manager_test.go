package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mursfoto/mursfoto-cli/internal/plugin/security"
	"github.com/mursfoto/mursfoto-cli/internal/plugin/storage"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()

	project := t.TempDir()
	pluginsRoot := filepath.Join(project, PluginsDir)

	m, err := NewManager(project,
		WithLoader(NewLoader(project, WithSearchPaths(pluginsRoot))))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, pluginsRoot
}

func writePlugin(t *testing.T, root, name, manifest, entry string) string {
	t.Helper()

	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, manifest)
	if err := os.WriteFile(filepath.Join(dir, DefaultMain), []byte(entry), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

const greeterManifest = `{
	"name": "greeter",
	"version": "1.0.0",
	"description": "says hello",
	"permissions": ["commands"]
}`

const greeterEntry = `
local m = require("mursfoto")
m.register_command("greet", function(args, opts)
	return "hello " .. (args[1] or "world")
end, {description = "greets someone", usage = "greet <name>"})
`

func TestLoadPluginEndToEnd(t *testing.T) {
	m, root := newTestManager(t)
	writePlugin(t, root, "greeter", greeterManifest, greeterEntry)

	ctx := context.Background()
	info, err := m.LoadPlugin(ctx, "greeter")
	if err != nil {
		t.Fatalf("LoadPlugin() error = %v", err)
	}

	if info.Status != StatusActive {
		t.Errorf("Status = %v, want active", info.Status)
	}
	if info.Version != "1.0.0" {
		t.Errorf("Version = %q", info.Version)
	}
	if info.LoadedAt.IsZero() {
		t.Error("LoadedAt not set")
	}

	result, err := m.ExecuteCommand(ctx, "greet", []string{"go"}, nil)
	if err != nil {
		t.Fatalf("ExecuteCommand() error = %v", err)
	}
	if result != "hello go" {
		t.Errorf("ExecuteCommand() = %v, want hello go", result)
	}

	loaded := m.LoadedPlugins()
	if len(loaded) != 1 || loaded[0].Name != "greeter" {
		t.Errorf("LoadedPlugins() = %v", loaded)
	}
}

func TestLoadPluginIsIdempotent(t *testing.T) {
	m, root := newTestManager(t)
	writePlugin(t, root, "greeter", greeterManifest, greeterEntry)

	ctx := context.Background()
	if _, err := m.LoadPlugin(ctx, "greeter"); err != nil {
		t.Fatal(err)
	}
	info, err := m.LoadPlugin(ctx, "greeter")
	if err != nil {
		t.Fatalf("second LoadPlugin() error = %v", err)
	}
	if info.Status != StatusActive {
		t.Errorf("Status = %v, want active", info.Status)
	}
	if got := len(m.Commands()); got != 1 {
		t.Errorf("Commands() has %d entries after double load, want 1", got)
	}
}

func TestLoadPluginNotFound(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.LoadPlugin(context.Background(), "ghost")
	if !errors.Is(err, ErrPluginNotFound) {
		t.Fatalf("error = %v, want ErrPluginNotFound", err)
	}
}

func TestLoadPluginRejectsUnknownPermissions(t *testing.T) {
	m, root := newTestManager(t)
	writePlugin(t, root, "shady", `{
		"name": "shady",
		"version": "1.0.0",
		"permissions": ["superuser", "commands"]
	}`, greeterEntry)

	_, err := m.LoadPlugin(context.Background(), "shady")

	var verr *security.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *security.ValidationError", err)
	}
	if len(verr.InvalidPermissions) != 1 || verr.InvalidPermissions[0] != "superuser" {
		t.Errorf("InvalidPermissions = %v", verr.InvalidPermissions)
	}

	info, ok := m.PluginInfo("shady")
	if !ok || info.Status != StatusError {
		t.Errorf("PluginInfo = %+v, want error status", info)
	}
}

// A load that fails after the entry module ran must remove everything the
// plugin registered on the way down.
func TestFailedLoadLeavesNoRegistrations(t *testing.T) {
	m, root := newTestManager(t)
	writePlugin(t, root, "halfway", `{
		"name": "halfway",
		"version": "1.0.0",
		"permissions": ["commands", "hooks"]
	}`, `
		local m = require("mursfoto")
		m.register_command("partial", function() end)
		m.register_hook("some_hook", function() end)
		error("entry module blew up")
	`)

	_, err := m.LoadPlugin(context.Background(), "halfway")
	if err == nil {
		t.Fatal("LoadPlugin() should fail")
	}

	if got := len(m.Commands()); got != 0 {
		t.Errorf("Commands() has %d entries after failed load", got)
	}
	if got := len(m.Hooks()); got != 0 {
		t.Errorf("Hooks() has %v after failed load", m.Hooks())
	}
	if got := len(m.LoadedPlugins()); got != 0 {
		t.Errorf("LoadedPlugins() = %d after failed load", got)
	}

	// The name is free again for another registrant.
	writePlugin(t, root, "whole", `{
		"name": "whole",
		"version": "1.0.0",
		"permissions": ["commands"]
	}`, `
		require("mursfoto").register_command("partial", function() return "ok" end)
	`)
	if _, err := m.LoadPlugin(context.Background(), "whole"); err != nil {
		t.Fatalf("LoadPlugin(whole) error = %v", err)
	}
}

func TestFailedActivateRollsBack(t *testing.T) {
	m, root := newTestManager(t)
	writePlugin(t, root, "grumpy", `{
		"name": "grumpy",
		"version": "1.0.0",
		"permissions": ["commands"]
	}`, `
		require("mursfoto").register_command("grump", function() end)
		function activate()
			error("refusing to start")
		end
	`)

	_, err := m.LoadPlugin(context.Background(), "grumpy")
	if err == nil {
		t.Fatal("LoadPlugin() should fail when activate errors")
	}
	if got := len(m.Commands()); got != 0 {
		t.Errorf("Commands() has %d entries after failed activate", got)
	}
}

func TestManifestDeclaredHandlers(t *testing.T) {
	m, root := newTestManager(t)
	writePlugin(t, root, "declared", `{
		"name": "declared",
		"version": "1.0.0",
		"permissions": ["commands", "hooks"],
		"commands": {"sum": {"handler": "do_sum", "description": "adds numbers"}},
		"hooks": {"tick": "on_tick"}
	}`, `
		function do_sum(args, opts)
			local total = 0
			for _, v in ipairs(args) do
				total = total + tonumber(v)
			end
			return total
		end

		function on_tick(payload)
			return payload.n * 2
		end
	`)

	ctx := context.Background()
	if _, err := m.LoadPlugin(ctx, "declared"); err != nil {
		t.Fatalf("LoadPlugin() error = %v", err)
	}

	result, err := m.ExecuteCommand(ctx, "sum", []string{"2", "3"}, nil)
	if err != nil {
		t.Fatalf("ExecuteCommand() error = %v", err)
	}
	if result != int64(5) {
		t.Errorf("sum = %v (%T), want 5", result, result)
	}

	results := m.ExecuteHook(ctx, "tick", map[string]any{"n": 21})
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("ExecuteHook() = %+v", results)
	}
	if results[0].Value != int64(42) {
		t.Errorf("hook value = %v, want 42", results[0].Value)
	}
}

func TestManifestHandlerMustExist(t *testing.T) {
	m, root := newTestManager(t)
	writePlugin(t, root, "liar", `{
		"name": "liar",
		"version": "1.0.0",
		"permissions": ["commands"],
		"commands": {"x": {"handler": "never_defined"}}
	}`, `-- defines nothing`)

	_, err := m.LoadPlugin(context.Background(), "liar")
	if !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("error = %v, want ErrInvalidManifest", err)
	}
}

// Handlers across plugins run ascending by priority, and one failing
// handler does not stop the rest.
func TestHookOrderingAndFailureTolerance(t *testing.T) {
	m, root := newTestManager(t)
	writePlugin(t, root, "late", `{
		"name": "late",
		"version": "1.0.0",
		"permissions": ["hooks"]
	}`, `
		require("mursfoto").register_hook("build_done", function()
			return "late"
		end, 20)
	`)
	writePlugin(t, root, "early", `{
		"name": "early",
		"version": "1.0.0",
		"permissions": ["hooks"]
	}`, `
		require("mursfoto").register_hook("build_done", function()
			error("early handler failed")
		end, 1)
	`)

	ctx := context.Background()
	if _, err := m.LoadPlugin(ctx, "late"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.LoadPlugin(ctx, "early"); err != nil {
		t.Fatal(err)
	}

	results := m.ExecuteHook(ctx, "build_done", nil)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Plugin != "early" || results[0].Err == nil {
		t.Errorf("results[0] = %+v, want failing early handler first", results[0])
	}
	if results[1].Plugin != "late" || results[1].Err != nil || results[1].Value != "late" {
		t.Errorf("results[1] = %+v, want late handler result", results[1])
	}
}

func TestUnloadPlugin(t *testing.T) {
	m, root := newTestManager(t)
	dir := writePlugin(t, root, "tidy", `{
		"name": "tidy",
		"version": "1.0.0",
		"permissions": ["commands", "hooks", "database"]
	}`, `
		local m = require("mursfoto")
		m.register_command("tidy_up", function() return "ok" end)
		m.register_hook("cleanup", function() end)

		function deactivate()
			m.storage.set("stopped", true)
		end
	`)

	ctx := context.Background()
	if _, err := m.LoadPlugin(ctx, "tidy"); err != nil {
		t.Fatal(err)
	}

	if err := m.UnloadPlugin(ctx, "tidy"); err != nil {
		t.Fatalf("UnloadPlugin() error = %v", err)
	}

	if got := len(m.Commands()); got != 0 {
		t.Errorf("Commands() has %d entries after unload", got)
	}
	if got := len(m.Hooks()); got != 0 {
		t.Errorf("Hooks() = %v after unload", m.Hooks())
	}
	if got := len(m.LoadedPlugins()); got != 0 {
		t.Errorf("LoadedPlugins() = %d after unload", got)
	}
	if _, err := m.ExecuteCommand(ctx, "tidy_up", nil, nil); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("ExecuteCommand() error = %v, want ErrUnknownCommand", err)
	}

	// deactivate ran before teardown.
	v, err := storage.NewStore(dir).Get("stopped")
	if err != nil || v != true {
		t.Errorf("deactivate marker = %v, %v; want true", v, err)
	}

	if err := m.UnloadPlugin(ctx, "tidy"); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("second UnloadPlugin() error = %v, want ErrNotLoaded", err)
	}
}

func TestUnloadSurvivesFailingDeactivate(t *testing.T) {
	m, root := newTestManager(t)
	writePlugin(t, root, "clingy", `{
		"name": "clingy",
		"version": "1.0.0",
		"permissions": []
	}`, `
		function deactivate()
			error("not going anywhere")
		end
	`)

	ctx := context.Background()
	if _, err := m.LoadPlugin(ctx, "clingy"); err != nil {
		t.Fatal(err)
	}
	if err := m.UnloadPlugin(ctx, "clingy"); err != nil {
		t.Fatalf("UnloadPlugin() error = %v, want nil despite failing deactivate", err)
	}
	if got := len(m.LoadedPlugins()); got != 0 {
		t.Errorf("plugin still loaded after unload")
	}
}

func TestReloadPicksUpChanges(t *testing.T) {
	m, root := newTestManager(t)
	dir := writePlugin(t, root, "mutable", `{
		"name": "mutable",
		"version": "1.0.0",
		"permissions": ["commands"]
	}`, `
		require("mursfoto").register_command("answer", function() return "one" end)
	`)

	ctx := context.Background()
	if _, err := m.LoadPlugin(ctx, "mutable"); err != nil {
		t.Fatal(err)
	}

	entry := `require("mursfoto").register_command("answer", function() return "two" end)`
	if err := os.WriteFile(filepath.Join(dir, DefaultMain), []byte(entry), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := m.ReloadPlugin(ctx, "mutable"); err != nil {
		t.Fatalf("ReloadPlugin() error = %v", err)
	}
	result, err := m.ExecuteCommand(ctx, "answer", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result != "two" {
		t.Errorf("after reload answer = %v, want two", result)
	}
}

func TestLoadAll(t *testing.T) {
	m, root := newTestManager(t)
	writePlugin(t, root, "alpha", `{"name": "alpha", "version": "1.0.0"}`, `-- nothing`)
	writePlugin(t, root, "bravo", `{"name": "bravo", "version": "1.0.0"}`, `error("broken")`)

	infos, err := m.LoadAll(context.Background())
	if err == nil {
		t.Error("LoadAll() should report the broken plugin")
	}
	if len(infos) != 1 || infos[0].Name != "alpha" {
		t.Errorf("LoadAll() infos = %v, want alpha only", infos)
	}
}

func TestLifecycleEvents(t *testing.T) {
	m, root := newTestManager(t)
	writePlugin(t, root, "greeter", greeterManifest, greeterEntry)

	var events []Event
	m.Subscribe(func(ev Event) { events = append(events, ev) })

	ctx := context.Background()
	if _, err := m.LoadPlugin(ctx, "greeter"); err != nil {
		t.Fatal(err)
	}
	if err := m.UnloadPlugin(ctx, "greeter"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.LoadPlugin(ctx, "ghost"); err == nil {
		t.Fatal("loading a missing plugin should fail")
	}

	want := []EventType{EventLoaded, EventActivated, EventUnloaded, EventFailed}
	if len(events) != len(want) {
		t.Fatalf("got %d events (%v), want %d", len(events), events, len(want))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, ev.Type, want[i])
		}
	}
	if events[3].Err == nil {
		t.Error("failure event carries no error")
	}
}

func TestCloseUnloadsEverything(t *testing.T) {
	m, root := newTestManager(t)
	writePlugin(t, root, "one", `{"name": "one", "version": "1.0.0"}`, `-- nothing`)
	writePlugin(t, root, "two", `{"name": "two", "version": "1.0.0"}`, `-- nothing`)

	ctx := context.Background()
	if _, err := m.LoadAll(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := len(m.LoadedPlugins()); got != 0 {
		t.Errorf("LoadedPlugins() = %d after Close", got)
	}
}
