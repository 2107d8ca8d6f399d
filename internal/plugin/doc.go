// Package plugin is the runtime for Lua plugins: discovery on disk,
// manifest parsing, pre-load security validation, sandboxed execution and
// the shared hook and command registries.
//
// A plugin is a directory under .mursfoto/plugins/<name>/ holding a
// plugin.json manifest, an entry module (init.lua by default) and an
// optional storage/ directory the runtime manages. The manifest declares
// the permissions the plugin needs; the sandbox grants nothing beyond
// them.
//
// Lifecycle: Unloaded -> Loading -> Validating -> Sandboxing -> Active.
// A failure anywhere rolls back every registration the plugin made, so
// there is no half-loaded state to reason about.
package plugin
