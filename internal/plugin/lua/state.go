package lua

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/mursfoto/mursfoto-cli/internal/plugin/security"
)

// Execution bounds.
const (
	// DefaultExecutionTimeout bounds a single plugin execution.
	DefaultExecutionTimeout = 5 * time.Second

	// MaxExecutionTimeout caps per-descriptor timeout overrides.
	MaxExecutionTimeout = 30 * time.Second
)

// State wraps a sandboxed gopher-lua state for one plugin.
//
// All Lua execution goes through the mutex; gopher-lua's LState must never
// be touched from two goroutines at once. Every execution installs a
// context with the configured deadline on the VM, so runaway plugin code
// is aborted at the wall-clock bound.
type State struct {
	mu sync.Mutex

	L       *lua.LState
	sandbox *Sandbox

	root    string // plugin directory, absolute with symlinks resolved
	timeout time.Duration
	closed  bool
}

// StateOption configures a State.
type StateOption func(*stateConfig)

type stateConfig struct {
	timeout  time.Duration
	envAllow []string
	logger   zerolog.Logger
}

// WithExecutionTimeout overrides the wall-clock execution bound.
// Values outside (0, MaxExecutionTimeout] fall back to the default.
func WithExecutionTimeout(d time.Duration) StateOption {
	return func(c *stateConfig) {
		if d > 0 && d <= MaxExecutionTimeout {
			c.timeout = d
		}
	}
}

// WithEnvAllow adds environment variable names the plugin may read on top
// of the default allow-list.
func WithEnvAllow(names []string) StateOption {
	return func(c *stateConfig) {
		c.envAllow = names
	}
}

// WithStateLogger sets the plugin-tagged logger used by the print shim.
func WithStateLogger(logger zerolog.Logger) StateOption {
	return func(c *stateConfig) {
		c.logger = logger
	}
}

// NewState creates a sandboxed state rooted at the plugin directory.
// The root is the containment boundary for relative requires; it must
// exist so symlinks can be resolved up front.
func NewState(root string, perms *security.PermissionSet, opts ...StateOption) (*State, error) {
	cfg := &stateConfig{
		timeout: DefaultExecutionTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve plugin root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve plugin root: %w", err)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)

	s := &State{
		L:       L,
		root:    resolved,
		timeout: cfg.timeout,
	}
	s.sandbox = NewSandbox(L, resolved, perms, cfg.logger, cfg.envAllow)
	s.sandbox.Install()

	return s, nil
}

// openSafeLibraries opens only the Lua standard libraries that cannot
// touch host state. io, os, debug and package loading stay closed and are
// granted selectively by the sandbox.
func openSafeLibraries(L *lua.LState) {
	lua.OpenPackage(L) // needed for require; the sandbox replaces the loader.
	// Must open first: OpenPackage installs a fresh package.loaded table,
	// which would discard registrations made by the other Open* calls.
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

// Root returns the plugin directory the state is confined to.
func (s *State) Root() string {
	return s.root
}

// Sandbox returns the sandbox installed on this state.
func (s *State) Sandbox() *Sandbox {
	return s.sandbox
}

// Timeout returns the wall-clock execution bound.
func (s *State) Timeout() time.Duration {
	return s.timeout
}

// DoFile executes a Lua file inside the sandbox with the execution bound.
func (s *State) DoFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	return s.runBounded(func() error {
		return s.L.DoFile(path)
	})
}

// DoString executes Lua source inside the sandbox with the execution bound.
func (s *State) DoString(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	return s.runBounded(func() error {
		return s.L.DoString(code)
	})
}

// HasGlobalFunction reports whether the plugin exports the named global
// function. Used for optional-capability checks (activate/deactivate).
func (s *State) HasGlobalFunction(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	return s.L.GetGlobal(name).Type() == lua.LTFunction
}

// CallGlobal calls the named global plugin function with the execution
// bound. Arguments and results cross the bridge as plain Go values.
func (s *State) CallGlobal(name string, args ...any) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	fnVal := s.L.GetGlobal(name)
	if fnVal.Type() != lua.LTFunction {
		return nil, fmt.Errorf("plugin function %q not found", name)
	}
	fn, _ := fnVal.(*lua.LFunction)
	return s.callLocked(fn, args...)
}

// CallFunction calls a Lua function value (e.g. a registered handler) with
// the execution bound.
func (s *State) CallFunction(fn *lua.LFunction, args ...any) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	return s.callLocked(fn, args...)
}

// callLocked performs the bounded call. Caller holds the mutex.
func (s *State) callLocked(fn *lua.LFunction, args ...any) ([]any, error) {
	bridge := NewBridge(s.L)

	stackTop := s.L.GetTop()
	var results []any

	err := s.runBounded(func() error {
		s.L.Push(fn)
		for _, arg := range args {
			s.L.Push(bridge.ToLua(arg))
		}
		if err := s.L.PCall(len(args), lua.MultRet, nil); err != nil {
			return err
		}

		nRet := s.L.GetTop() - stackTop
		if nRet > 0 {
			results = make([]any, nRet)
			for i := 0; i < nRet; i++ {
				results[i] = bridge.ToGo(s.L.Get(stackTop + i + 1))
			}
			s.L.Pop(nRet)
		}
		return nil
	})
	if err != nil {
		s.L.SetTop(stackTop)
		return nil, err
	}

	return results, nil
}

// runBounded executes fn with the wall-clock deadline installed on the VM
// and panic recovery. Caller holds the mutex.
func (s *State) runBounded(fn func() error) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("%w after %s", ErrExecutionTimeout, s.timeout)
		}
	}()

	return fn()
}

// SetGlobal sets a global in the plugin's state.
func (s *State) SetGlobal(name string, value lua.LValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.L.SetGlobal(name, value)
}

// PreloadModule registers a module the plugin can require by name.
func (s *State) PreloadModule(name string, loader lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.L.PreloadModule(name, loader)
}

// LuaState exposes the raw LState for host module installation.
// Direct use bypasses the mutex and the execution bound.
func (s *State) LuaState() *lua.LState {
	return s.L
}

// IsClosed reports whether Close has been called.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the Lua state. Subsequent calls are no-ops.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.L.Close()
	s.closed = true
	return nil
}
