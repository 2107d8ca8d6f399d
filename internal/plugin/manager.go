package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mursfoto/mursfoto-cli/internal/config"
	"github.com/mursfoto/mursfoto-cli/internal/plugin/api"
	"github.com/mursfoto/mursfoto-cli/internal/plugin/hook"
	"github.com/mursfoto/mursfoto-cli/internal/plugin/lua"
	"github.com/mursfoto/mursfoto-cli/internal/plugin/security"
	"github.com/mursfoto/mursfoto-cli/internal/plugin/storage"
)

// EventType classifies lifecycle events.
type EventType string

const (
	EventLoaded    EventType = "loaded"
	EventActivated EventType = "activated"
	EventUnloaded  EventType = "unloaded"
	EventFailed    EventType = "error"
)

// Event is a lifecycle notification delivered to subscribers.
type Event struct {
	Type   EventType
	Plugin string
	Err    error
}

// EventHandler receives lifecycle events. Handlers run synchronously on
// the goroutine driving the lifecycle operation.
type EventHandler func(Event)

// Info is a read-only snapshot of one plugin's state.
type Info struct {
	Name        string
	Version     string
	Description string
	Author      string
	Dir         string
	Status      Status
	Permissions []security.Permission
	LoadedAt    time.Time
	Err         error
}

// record tracks one plugin while loaded. Guarded by the plugin's name
// lock for lifecycle transitions and the manager mutex for map access.
type record struct {
	name     string
	manifest *Manifest
	dir      string
	state    *lua.State
	store    *storage.Store
	perms    *security.PermissionSet
	status   Status
	loadedAt time.Time
	err      error
}

func (r *record) info() Info {
	info := Info{
		Name:     r.name,
		Dir:      r.dir,
		Status:   r.status,
		LoadedAt: r.loadedAt,
		Err:      r.err,
	}
	if r.manifest != nil {
		info.Version = r.manifest.Version
		info.Description = r.manifest.Description
		info.Author = r.manifest.Author
		info.Permissions = r.manifest.Permissions
	}
	return info
}

// Manager owns the plugin lifecycle: discovery, validation, sandbox
// construction, activation and teardown, plus the shared hook and command
// registries.
//
// Lifecycle operations serialize per plugin name, so concurrent loads of
// the same plugin cannot race while different plugins load independently.
type Manager struct {
	mu        sync.RWMutex
	plugins   map[string]*record
	loadOrder []string
	locks     map[string]*sync.Mutex
	handlers  []EventHandler

	hooks     *hook.Registry
	commands  *hook.CommandRegistry
	validator *security.Validator
	loader    *Loader
	config    *config.Store
	logger    zerolog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithValidator replaces the security validator.
func WithValidator(v *security.Validator) ManagerOption {
	return func(m *Manager) { m.validator = v }
}

// WithLoader replaces the plugin loader.
func WithLoader(l *Loader) ManagerOption {
	return func(m *Manager) { m.loader = l }
}

// WithConfigStore replaces the subsystem config store.
func WithConfigStore(s *config.Store) ManagerOption {
	return func(m *Manager) { m.config = s }
}

// NewManager creates a manager rooted at the project directory. The
// subsystem config is loaded (and created when missing) up front.
func NewManager(projectDir string, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		plugins:  make(map[string]*record),
		locks:    make(map[string]*sync.Mutex),
		hooks:    hook.NewRegistry(),
		commands: hook.NewCommandRegistry(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.loader == nil {
		m.loader = NewLoader(projectDir, WithLoaderLogger(m.logger))
	}
	if m.validator == nil {
		m.validator = security.NewValidator(security.WithLogger(m.logger))
	}
	if m.config == nil {
		m.config = config.NewStore(filepath.Join(projectDir, PluginsDir, "config.json"))
	}
	if err := m.config.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Subscribe registers a lifecycle event handler.
func (m *Manager) Subscribe(h EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

func (m *Manager) emit(ev Event) {
	m.mu.RLock()
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// nameLock returns the lifecycle lock for a plugin name, creating it on
// first use.
func (m *Manager) nameLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

func (m *Manager) getRecord(name string) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.plugins[name]
	return rec, ok
}

func (m *Manager) putRecord(rec *record, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.plugins[rec.name] = rec
	if !active {
		return
	}
	for _, n := range m.loadOrder {
		if n == rec.name {
			return
		}
	}
	m.loadOrder = append(m.loadOrder, rec.name)
}

func (m *Manager) dropRecord(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.plugins, name)
	for i, n := range m.loadOrder {
		if n == name {
			m.loadOrder = append(m.loadOrder[:i], m.loadOrder[i+1:]...)
			break
		}
	}
}

// LoadPlugin loads, validates, sandboxes and activates the named plugin.
// Loading an already active plugin is a no-op returning its current info.
// A failed load leaves no partial registrations behind.
func (m *Manager) LoadPlugin(ctx context.Context, name string) (Info, error) {
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	if rec, ok := m.getRecord(name); ok && rec.status == StatusActive {
		return rec.info(), nil
	}

	info, err := m.loadLocked(ctx, name)
	if err != nil {
		m.emit(Event{Type: EventFailed, Plugin: name, Err: err})
		return Info{}, err
	}

	m.emit(Event{Type: EventLoaded, Plugin: name})
	m.emit(Event{Type: EventActivated, Plugin: name})
	return info, nil
}

// loadLocked runs the load pipeline. Caller holds the plugin's name lock.
func (m *Manager) loadLocked(ctx context.Context, name string) (Info, error) {
	rec := &record{name: name, status: StatusLoading}

	fail := func(err error) (Info, error) {
		rec.status = StatusError
		rec.err = err
		rec.state = nil
		m.putRecord(rec, false)
		return Info{}, err
	}

	dir, err := m.loader.FindPlugin(name)
	if err != nil {
		return fail(err)
	}
	rec.dir = dir

	manifest, err := LoadManifest(dir)
	if err != nil {
		return fail(err)
	}
	if manifest.Name != name {
		return fail(fmt.Errorf("%w: directory %q but manifest says %q",
			ErrInvalidManifest, name, manifest.Name))
	}
	rec.manifest = manifest

	rec.status = StatusValidating
	if err := m.validator.Validate(name, dir, manifest.Permissions); err != nil {
		return fail(err)
	}

	rec.status = StatusSandboxing
	perms := security.NewPermissionSet(manifest.Permissions...)
	rec.perms = perms
	pluginLog := m.logger.With().Str("plugin", name).Logger()

	state, err := lua.NewState(dir, perms,
		lua.WithExecutionTimeout(m.executionTimeout(manifest)),
		lua.WithEnvAllow(manifest.Env),
		lua.WithStateLogger(pluginLog),
	)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrSandboxCreation, err))
	}
	rec.state = state
	rec.store = storage.NewStore(dir)

	api.Install(state, &api.Host{
		Plugin:   api.Descriptor{Name: name, Version: manifest.Version, Dir: state.Root()},
		Perms:    perms,
		Logger:   pluginLog,
		Commands: m.commands,
		Hooks:    hookService{m},
		Config:   m.config,
		Storage:  rec.store,
	})

	// Anything past this point may have registered handlers; roll them
	// back so a failed load leaves no trace.
	rollback := func(err error) (Info, error) {
		m.hooks.RemoveOwner(name)
		m.commands.RemoveOwner(name)
		state.Close()
		return fail(err)
	}

	if err := state.DoFile(filepath.Join(dir, manifest.EntryPoint())); err != nil {
		return rollback(fmt.Errorf("run %s: %w", manifest.EntryPoint(), err))
	}

	if err := m.bindManifestHandlers(rec); err != nil {
		return rollback(err)
	}

	if state.HasGlobalFunction("activate") {
		if _, err := state.CallGlobal("activate"); err != nil {
			return rollback(fmt.Errorf("activate: %w", err))
		}
	}

	rec.status = StatusActive
	rec.loadedAt = time.Now()
	rec.err = nil
	m.putRecord(rec, true)
	m.recordInConfig(manifest)

	pluginLog.Info().
		Str("version", manifest.Version).
		Str("permissions", perms.String()).
		Msg("plugin loaded")
	return rec.info(), nil
}

// bindManifestHandlers registers the commands and hooks the manifest
// declares. Every named handler must exist as a global function after the
// entry module ran.
func (m *Manager) bindManifestHandlers(rec *record) error {
	manifest, state, name := rec.manifest, rec.state, rec.name

	if len(manifest.Commands) > 0 && !rec.perms.Has(security.PermCommands) {
		return fmt.Errorf("%w: manifest declares commands without the %q permission",
			ErrInvalidManifest, security.PermCommands)
	}
	if len(manifest.Hooks) > 0 && !rec.perms.Has(security.PermHooks) {
		return fmt.Errorf("%w: manifest declares hooks without the %q permission",
			ErrInvalidManifest, security.PermHooks)
	}

	for _, cmdName := range sortedKeys(manifest.Commands) {
		spec := manifest.Commands[cmdName]
		if !state.HasGlobalFunction(spec.Handler) {
			return fmt.Errorf("%w: command %q handler %q is not defined",
				ErrInvalidManifest, cmdName, spec.Handler)
		}

		handlerName := spec.Handler
		cmd := &hook.Command{
			Name:        cmdName,
			Plugin:      name,
			Description: spec.Description,
			Usage:       spec.Usage,
			Options:     spec.Options,
			Handler: func(ctx context.Context, args []string, opts map[string]any) (any, error) {
				results, err := state.CallGlobalWithContext(ctx, handlerName, args, opts)
				if err != nil {
					return nil, err
				}
				return firstResult(results), nil
			},
		}
		if err := m.commands.Register(cmd); err != nil {
			return err
		}
	}

	for _, hookName := range sortedKeys(manifest.Hooks) {
		handlerName := manifest.Hooks[hookName]
		if !state.HasGlobalFunction(handlerName) {
			return fmt.Errorf("%w: hook %q handler %q is not defined",
				ErrInvalidManifest, hookName, handlerName)
		}

		hn := handlerName
		m.hooks.Register(hookName, name, hook.DefaultPriority,
			func(ctx context.Context, payload map[string]any) (any, error) {
				results, err := state.CallGlobalWithContext(ctx, hn, payload)
				if err != nil {
					return nil, err
				}
				return firstResult(results), nil
			})
	}

	return nil
}

// recordInConfig notes the loaded version in the subsystem config.
// Best effort; a write failure never fails the load.
func (m *Manager) recordInConfig(manifest *Manifest) {
	key := "plugins." + manifest.Name + ".version"
	if err := m.config.Set(key, manifest.Version); err != nil {
		m.logger.Warn().Err(err).Str("plugin", manifest.Name).Msg("config update failed")
	}
}

// executionTimeout resolves the wall-clock bound: manifest override first,
// then the subsystem setting, then the sandbox default.
func (m *Manager) executionTimeout(manifest *Manifest) time.Duration {
	if d := manifest.ExecutionTimeout(); d > 0 {
		return d
	}
	if ms := m.config.Settings().TimeoutMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}

// UnloadPlugin deactivates the plugin, removes its registrations and
// releases its sandbox. A failing deactivate is logged, never fatal; the
// plugin is torn down regardless.
func (m *Manager) UnloadPlugin(ctx context.Context, name string) error {
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := m.getRecord(name)
	if !ok || rec.status != StatusActive {
		return fmt.Errorf("%w: %q", ErrNotLoaded, name)
	}
	rec.status = StatusUnloading

	if rec.state.HasGlobalFunction("deactivate") {
		if _, err := rec.state.CallGlobal("deactivate"); err != nil {
			m.logger.Warn().Err(err).Str("plugin", name).Msg("deactivate failed")
		}
	}

	m.hooks.RemoveOwner(name)
	m.commands.RemoveOwner(name)
	rec.state.Close()
	m.dropRecord(name)

	m.logger.Info().Str("plugin", name).Msg("plugin unloaded")
	m.emit(Event{Type: EventUnloaded, Plugin: name})
	return nil
}

// ReloadPlugin unloads (when loaded) and loads the plugin again, picking
// up changed code and manifest.
func (m *Manager) ReloadPlugin(ctx context.Context, name string) (Info, error) {
	if err := m.UnloadPlugin(ctx, name); err != nil && !errors.Is(err, ErrNotLoaded) {
		return Info{}, err
	}
	return m.LoadPlugin(ctx, name)
}

// LoadAll discovers every installed plugin and loads each one. A plugin
// that fails to load is reported but does not stop the others.
func (m *Manager) LoadAll(ctx context.Context) ([]Info, error) {
	discovered, err := m.loader.Discover()
	if err != nil {
		return nil, err
	}

	var infos []Info
	var errs []error
	for _, d := range discovered {
		info, err := m.LoadPlugin(ctx, d.Manifest.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", d.Manifest.Name, err))
			continue
		}
		infos = append(infos, info)
	}
	return infos, errors.Join(errs...)
}

// ExecuteCommand runs a registered plugin command.
func (m *Manager) ExecuteCommand(ctx context.Context, name string, args []string, opts map[string]any) (any, error) {
	cmd, ok := m.commands.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return cmd.Handler(ctx, args, opts)
}

// ExecuteHook runs every handler registered for the hook in priority
// order, sequentially. A failing handler is recorded in its result and
// the remaining handlers still run.
func (m *Manager) ExecuteHook(ctx context.Context, hookName string, payload map[string]any) []hook.Result {
	if payload == nil {
		payload = make(map[string]any)
	}

	entries := m.hooks.Handlers(hookName)
	results := make([]hook.Result, 0, len(entries))
	for _, e := range entries {
		value, err := e.Handler(ctx, payload)
		if err != nil {
			m.logger.Warn().Err(err).
				Str("hook", hookName).
				Str("plugin", e.Plugin).
				Msg("hook handler failed")
		}
		results = append(results, hook.Result{Plugin: e.Plugin, Value: value, Err: err})
	}
	return results
}

// RegisterHook registers a host-side (Go) hook handler.
func (m *Manager) RegisterHook(hookName, owner string, priority int, h hook.Handler) {
	m.hooks.Register(hookName, owner, priority, h)
}

// PluginInfo returns the snapshot for one plugin.
func (m *Manager) PluginInfo(name string) (Info, bool) {
	rec, ok := m.getRecord(name)
	if !ok {
		return Info{}, false
	}
	return rec.info(), true
}

// LoadedPlugins returns snapshots of the active plugins in load order.
func (m *Manager) LoadedPlugins() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]Info, 0, len(m.loadOrder))
	for _, name := range m.loadOrder {
		if rec, ok := m.plugins[name]; ok {
			infos = append(infos, rec.info())
		}
	}
	return infos
}

// Commands returns every registered plugin command sorted by name.
func (m *Manager) Commands() []*hook.Command {
	return m.commands.List()
}

// Hooks returns every hook name with at least one handler.
func (m *Manager) Hooks() []string {
	return m.hooks.Hooks()
}

// Loader returns the plugin loader.
func (m *Manager) Loader() *Loader {
	return m.loader
}

// Config returns the subsystem config store.
func (m *Manager) Config() *config.Store {
	return m.config
}

// Close unloads every plugin in reverse load order.
func (m *Manager) Close(ctx context.Context) error {
	infos := m.LoadedPlugins()
	var errs []error
	for i := len(infos) - 1; i >= 0; i-- {
		if err := m.UnloadPlugin(ctx, infos[i].Name); err != nil && !errors.Is(err, ErrNotLoaded) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// hookService adapts the manager to the host API's hook provider.
type hookService struct{ m *Manager }

func (s hookService) Register(hookName, owner string, priority int, h hook.Handler) {
	s.m.hooks.Register(hookName, owner, priority, h)
}

func (s hookService) Execute(ctx context.Context, hookName string, payload map[string]any) []hook.Result {
	return s.m.ExecuteHook(ctx, hookName, payload)
}

// firstResult collapses a Lua multi-return into a single value.
func firstResult(results []any) any {
	switch len(results) {
	case 0:
		return nil
	case 1:
		return results[0]
	default:
		return results
	}
}

// sortedKeys returns map keys sorted, for deterministic registration and
// error order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
