// Package hook holds the dispatch tables the plugin manager owns: an
// ordered multi-subscriber hook registry and a globally-unique command
// registry. Both are pure data structures tagged with the owning plugin,
// so a plugin's entries can be removed en masse when it unloads. They are
// never global singletons; each manager instance owns its own pair.
package hook
