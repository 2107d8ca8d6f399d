package plugin

import "errors"

// Sentinel errors for the plugin lifecycle. Callers match with errors.Is.
var (
	// ErrPluginNotFound is returned when no search path contains the plugin.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrNotLoaded is returned for operations on a plugin that is not
	// currently loaded.
	ErrNotLoaded = errors.New("plugin not loaded")

	// ErrUnknownCommand is returned when no plugin registered the command.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrSandboxCreation wraps failures while building a plugin's Lua
	// sandbox.
	ErrSandboxCreation = errors.New("sandbox creation failed")

	// ErrManifestNotFound is returned when a plugin directory has no
	// plugin.json.
	ErrManifestNotFound = errors.New("plugin manifest not found")

	// ErrInvalidManifest wraps manifest schema violations.
	ErrInvalidManifest = errors.New("invalid plugin manifest")
)
