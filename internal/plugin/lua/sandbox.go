package lua

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/mursfoto/mursfoto-cli/internal/plugin/security"
)

// HostModuleName is the namespace plugins require to reach the host.
const HostModuleName = "mursfoto"

// defaultEnvAllowList is the small set of environment variables every
// plugin may read. Anything else must be declared in the manifest.
var defaultEnvAllowList = []string{"HOME", "PATH", "LANG", "TERM", "USER"}

// safeModules are the built-in Lua libraries any plugin may require.
var safeModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// Sandbox restricts what a plugin's Lua state can reach. It owns the
// secure module resolver, the filtered environment view and the print
// shim. One sandbox per state, installed before any plugin code runs.
type Sandbox struct {
	L *lua.LState

	// root is the plugin directory; the containment boundary for
	// relative requires.
	root string

	perms  *security.PermissionSet
	logger zerolog.Logger

	// envAllow holds environment variable names the plugin may observe.
	envAllow map[string]bool

	// modules caches relative-require results by resolved path.
	modules map[string]lua.LValue
}

// NewSandbox creates a sandbox for the state. root must be absolute with
// symlinks already resolved.
func NewSandbox(L *lua.LState, root string, perms *security.PermissionSet, logger zerolog.Logger, extraEnv []string) *Sandbox {
	if perms == nil {
		perms = security.NewPermissionSet()
	}

	envAllow := make(map[string]bool, len(defaultEnvAllowList)+len(extraEnv))
	for _, name := range defaultEnvAllowList {
		envAllow[name] = true
	}
	for _, name := range extraEnv {
		envAllow[name] = true
	}

	return &Sandbox{
		L:        L,
		root:     root,
		perms:    perms,
		logger:   logger,
		envAllow: envAllow,
		modules:  make(map[string]lua.LValue),
	}
}

// Install applies all restrictions to the state. Must run before the
// plugin's entry module.
func (s *Sandbox) Install() {
	// Remove escape hatches that load arbitrary code.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.installPrintShim()
	s.installSecureRequire()
	s.injectGrantedModules()
}

// Permissions returns the permission set the sandbox enforces.
func (s *Sandbox) Permissions() *security.PermissionSet {
	return s.perms
}

// EnvAllowed reports whether the plugin may read the environment variable.
func (s *Sandbox) EnvAllowed(name string) bool {
	return s.envAllow[name]
}

// installPrintShim redirects print through the plugin-tagged logger. The
// plugin never writes to the host's stdout.
func (s *Sandbox) installPrintShim() {
	s.L.SetGlobal("print", s.L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		s.logger.Info().Msg(strings.Join(parts, "\t"))
		return 0
	}))
}

// installSecureRequire replaces require with the secure resolver.
//
// Resolution order: preloaded host module, built-in allow-list,
// permission-gated modules, relative paths under the plugin root. Anything
// else fails. package.path and package.cpath are cleared so the stock
// loader can never reach the disk.
func (s *Sandbox) installSecureRequire() {
	if pkg, ok := s.L.GetGlobal("package").(*lua.LTable); ok {
		s.L.SetField(pkg, "path", lua.LString(""))
		s.L.SetField(pkg, "cpath", lua.LString(""))
	}

	originalRequire := s.L.GetGlobal("require")

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)

		// Host module and its sub-namespaces are preloaded.
		if name == HostModuleName || strings.HasPrefix(name, HostModuleName+".") {
			return s.passthrough(L, originalRequire, name)
		}

		if safeModules[name] {
			return s.passthrough(L, originalRequire, name)
		}

		switch name {
		case "io":
			if !s.perms.Has(security.PermFileSystem) {
				L.RaiseError("module 'io' requires the file_system permission")
			}
			L.Push(s.L.GetGlobal("io"))
			return 1
		case "os":
			if !s.perms.HasAny(security.PermEnv, security.PermProcess) {
				L.RaiseError("module 'os' requires the env or process permission")
			}
			L.Push(s.L.GetGlobal("os"))
			return 1
		}

		if isRelativeModule(name) {
			mod, err := s.loadRelative(name)
			if err != nil {
				L.RaiseError("%s", err.Error())
			}
			L.Push(mod)
			return 1
		}

		L.RaiseError("module %q is not available to plugins", name)
		return 0 // unreachable, RaiseError does not return
	}))
}

// passthrough delegates to the stock require for preloaded and built-in
// modules.
func (s *Sandbox) passthrough(L *lua.LState, originalRequire lua.LValue, name string) int {
	L.Push(originalRequire)
	L.Push(lua.LString(name))
	L.Call(1, 1)
	return 1
}

// isRelativeModule reports whether the name addresses a file inside the
// plugin package rather than a named module.
func isRelativeModule(name string) bool {
	return strings.HasPrefix(name, "./") || strings.HasPrefix(name, "../") ||
		strings.Contains(name, "/")
}

// ResolveModulePath maps a relative require onto a file under the plugin
// root. The resolved path, after cleaning and symlink evaluation, must
// stay inside the root; this is the sandbox-escape boundary.
func (s *Sandbox) ResolveModulePath(name string) (string, error) {
	rel := filepath.FromSlash(name)
	if filepath.Ext(rel) == "" {
		rel += ".lua"
	}

	joined := filepath.Join(s.root, rel)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("resolve module %q: %w", name, err)
	}

	// Catch ..-traversal before touching the filesystem.
	if !pathWithin(abs, s.root) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, name)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrModuleNotFound, name)
		}
		return "", fmt.Errorf("resolve module %q: %w", name, err)
	}

	// Catch symlinks pointing outside the plugin directory.
	if !pathWithin(resolved, s.root) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, name)
	}

	return resolved, nil
}

// loadRelative resolves, compiles and runs a plugin-local module, caching
// the result per resolved path the way stock require does.
func (s *Sandbox) loadRelative(name string) (lua.LValue, error) {
	path, err := s.ResolveModulePath(name)
	if err != nil {
		return lua.LNil, err
	}

	if cached, ok := s.modules[path]; ok {
		return cached, nil
	}

	fn, err := s.L.LoadFile(path)
	if err != nil {
		return lua.LNil, fmt.Errorf("load module %q: %w", name, err)
	}

	s.L.Push(fn)
	if err := s.L.PCall(0, 1, nil); err != nil {
		return lua.LNil, fmt.Errorf("run module %q: %w", name, err)
	}

	mod := s.L.Get(-1)
	s.L.Pop(1)
	if mod == lua.LNil {
		mod = lua.LTrue // stock require semantics for modules returning nothing
	}

	s.modules[path] = mod
	return mod, nil
}

// pathWithin checks if target is within or equal to base using
// filepath.Rel, so "/a/bc" never matches base "/a/b".
func pathWithin(target, base string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) &&
		!filepath.IsAbs(rel)
}

// injectGrantedModules installs the extra modules the plugin's permissions
// unlock.
func (s *Sandbox) injectGrantedModules() {
	if s.perms.Has(security.PermFileSystem) {
		s.injectFileAPI()
	}
	if s.perms.HasAny(security.PermEnv, security.PermProcess) {
		s.injectOSAPI()
	}
	// network is validated vocabulary but unlocks no Lua module yet;
	// network access will ship as a host-mediated API so requests can be
	// filtered per host.
}

// injectOSAPI installs a reduced os module: filtered getenv, a cwd pinned
// to the plugin directory and platform/clock info. The plugin never
// observes the host's real working directory.
func (s *Sandbox) injectOSAPI() {
	osMod := s.L.NewTable()

	s.L.SetField(osMod, "getenv", s.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if !s.envAllow[name] {
			L.Push(lua.LNil)
			return 1
		}
		value, ok := os.LookupEnv(name)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(value))
		return 1
	}))

	s.L.SetField(osMod, "cwd", s.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(s.root))
		return 1
	}))

	s.L.SetField(osMod, "platform", s.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(runtime.GOOS))
		L.Push(lua.LString(runtime.GOARCH))
		return 2
	}))

	s.L.SetField(osMod, "time", s.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))

	s.L.SetField(osMod, "clock", s.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(float64(time.Now().UnixNano()) / 1e9))
		return 1
	}))

	s.L.SetGlobal("os", osMod)
}
