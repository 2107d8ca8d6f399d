// Package api builds the host module a plugin reaches with
// require("mursfoto"). The module is the plugin's only channel to the
// host: command and hook registration, hook fan-out, scoped config,
// per-plugin storage, logging and small utilities.
//
// Every namespace is permission-gated. A plugin that was not granted the
// matching permission still sees the function, but calling it raises a
// Lua error naming the missing permission, which beats the bare
// "attempt to call a nil value" it would otherwise get.
//
// The package depends only on small provider interfaces; the plugin
// manager wires its registries and stores in when it builds a sandbox.
package api
