package lua

import "errors"

// Sandbox errors.
var (
	// ErrStateClosed is returned when using a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrExecutionTimeout is returned when plugin code exceeds its
	// wall-clock execution bound.
	ErrExecutionTimeout = errors.New("plugin execution timed out")

	// ErrPathEscape is returned when a relative require resolves outside
	// the plugin's own directory.
	ErrPathEscape = errors.New("module path escapes plugin directory")

	// ErrModuleNotFound is returned when a relative require names a file
	// that does not exist inside the plugin directory.
	ErrModuleNotFound = errors.New("module not found")
)
