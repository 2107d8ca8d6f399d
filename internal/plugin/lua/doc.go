// Package lua builds the isolated execution context a plugin runs in.
//
// Each plugin gets a fresh gopher-lua state opened with only the safe
// standard libraries. A Sandbox installed on the state enforces the
// isolation contract:
//
//   - require() is replaced with a secure resolver. It permits a fixed
//     allow-list of built-in modules, permission-gated extras (io for
//     file_system, os for env/process), the preloaded mursfoto host module,
//     and relative requires resolved against the plugin's own directory
//     with a containment check. A resolved path outside the plugin
//     directory fails, including symlink and ..-traversal attempts.
//   - The plugin sees only a filtered environment: a small default
//     allow-list plus names its manifest explicitly declares.
//   - print() is redirected through the plugin-tagged logger; the plugin
//     has no access to the host's stdout or globals.
//   - Every execution carries a hard wall-clock timeout enforced through
//     the Lua VM's context support.
//
// gopher-lua's LState is not goroutine-safe; State serializes all access
// behind a mutex.
package lua
