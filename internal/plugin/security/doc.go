// Package security validates plugins before any of their code runs.
//
// Validation is fail-closed: a plugin whose manifest declares a permission
// outside the fixed vocabulary is rejected before a sandbox is ever created
// for it. The validator also runs two pluggable stages, signature
// verification and malicious-pattern scanning, which default to no-ops and
// can be supplied as strategies without changing the calling contract.
//
// The package is side-effect free beyond logging. It never mutates shared
// state and holds no reference to the plugin runtime.
package security
