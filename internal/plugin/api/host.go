package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	glua "github.com/yuin/gopher-lua"

	"github.com/mursfoto/mursfoto-cli/internal/plugin/hook"
	plua "github.com/mursfoto/mursfoto-cli/internal/plugin/lua"
	"github.com/mursfoto/mursfoto-cli/internal/plugin/security"
	"github.com/mursfoto/mursfoto-cli/internal/plugin/storage"
)

// ErrHostAPIMisuse marks host-module calls outside the plugin's granted
// permissions. It is raised into the plugin as a Lua error carrying this
// text, so plugin authors see exactly which permission is missing.
var ErrHostAPIMisuse = errors.New("host API misuse")

// CommandProvider registers plugin commands with the host.
type CommandProvider interface {
	Register(cmd *hook.Command) error
}

// HookProvider registers hook handlers and fans a hook out to every
// registered handler.
type HookProvider interface {
	Register(hookName, owner string, priority int, h hook.Handler)
	Execute(ctx context.Context, hookName string, payload map[string]any) []hook.Result
}

// ConfigProvider reads and writes dotted config keys.
type ConfigProvider interface {
	Get(key string) (any, bool)
	Set(key string, value any) error
}

// StorageProvider is the plugin's persisted key-value store.
type StorageProvider interface {
	Get(key string) (any, error)
	Set(key string, value any) error
	Delete(key string) error
	List() ([]string, error)
}

// Descriptor identifies the plugin a host module is built for.
type Descriptor struct {
	Name    string
	Version string
	Dir     string
}

// Host bundles everything the mursfoto module needs. All providers are
// required except Storage and Config, which may be nil when the matching
// permission was not granted anyway.
type Host struct {
	Plugin Descriptor
	Perms  *security.PermissionSet
	Logger zerolog.Logger

	Commands CommandProvider
	Hooks    HookProvider
	Config   ConfigProvider
	Storage  StorageProvider
}

// Install preloads the mursfoto module on the plugin's state. The module
// table is built lazily on the plugin's first require.
func Install(state *plua.State, h *Host) {
	state.PreloadModule(plua.HostModuleName, func(L *glua.LState) int {
		b := &builder{L: L, state: state, host: h, bridge: plua.NewBridge(L)}
		L.Push(b.build())
		return 1
	})
}

type builder struct {
	L      *glua.LState
	state  *plua.State
	host   *Host
	bridge *plua.Bridge
}

func (b *builder) build() *glua.LTable {
	mod := b.L.NewTable()

	b.L.SetField(mod, "plugin", b.pluginInfo())
	b.L.SetField(mod, "log", b.logTable())
	b.L.SetField(mod, "util", b.utilTable())

	b.L.SetField(mod, "register_command",
		b.gated(security.PermCommands, "register_command", b.registerCommand))
	b.L.SetField(mod, "register_hook",
		b.gated(security.PermHooks, "register_hook", b.registerHook))
	b.L.SetField(mod, "execute_hook",
		b.gated(security.PermHooks, "execute_hook", b.executeHook))

	b.L.SetField(mod, "config", b.configTable())
	b.L.SetField(mod, "storage", b.storageTable())

	return mod
}

// gated wraps fn so the call raises when the permission is missing.
func (b *builder) gated(perm security.Permission, what string, fn glua.LGFunction) *glua.LFunction {
	if b.host.Perms.Has(perm) {
		return b.L.NewFunction(fn)
	}
	return b.L.NewFunction(func(L *glua.LState) int {
		L.RaiseError("%s: %s requires the %q permission", ErrHostAPIMisuse.Error(), what, perm)
		return 0
	})
}

func (b *builder) pluginInfo() *glua.LTable {
	info := b.L.NewTable()
	b.L.SetField(info, "name", glua.LString(b.host.Plugin.Name))
	b.L.SetField(info, "version", glua.LString(b.host.Plugin.Version))
	b.L.SetField(info, "dir", glua.LString(b.host.Plugin.Dir))
	return info
}

func (b *builder) logTable() *glua.LTable {
	log := b.L.NewTable()

	emit := func(level zerolog.Level) glua.LGFunction {
		return func(L *glua.LState) int {
			parts := make([]string, 0, L.GetTop())
			for i := 1; i <= L.GetTop(); i++ {
				parts = append(parts, L.ToStringMeta(L.Get(i)).String())
			}
			b.host.Logger.WithLevel(level).Msg(strings.Join(parts, "\t"))
			return 0
		}
	}

	b.L.SetField(log, "debug", b.L.NewFunction(emit(zerolog.DebugLevel)))
	b.L.SetField(log, "info", b.L.NewFunction(emit(zerolog.InfoLevel)))
	b.L.SetField(log, "warn", b.L.NewFunction(emit(zerolog.WarnLevel)))
	b.L.SetField(log, "error", b.L.NewFunction(emit(zerolog.ErrorLevel)))
	return log
}

// registerCommand binds a Lua handler as a host command:
//
//	mursfoto.register_command(name, handler [, {description=, usage=, options=}])
//
// A duplicate name raises, which aborts the plugin's load.
func (b *builder) registerCommand(L *glua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)
	meta := L.OptTable(3, L.NewTable())

	cmd := &hook.Command{
		Name:        name,
		Plugin:      b.host.Plugin.Name,
		Description: optString(L.GetField(meta, "description")),
		Usage:       optString(L.GetField(meta, "usage")),
		Handler:     b.commandHandler(fn),
	}
	if opts, ok := b.bridge.ToGo(L.GetField(meta, "options")).(map[string]any); ok {
		cmd.Options = opts
	}

	if err := b.host.Commands.Register(cmd); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

func (b *builder) commandHandler(fn *glua.LFunction) hook.CommandHandler {
	state := b.state
	return func(ctx context.Context, args []string, opts map[string]any) (any, error) {
		results, err := callInto(ctx, state, fn, args, opts)
		if err != nil {
			return nil, err
		}
		return collapse(results), nil
	}
}

// registerHook binds a Lua handler to a hook:
//
//	mursfoto.register_hook(name, handler [, priority])
func (b *builder) registerHook(L *glua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)
	priority := L.OptInt(3, hook.DefaultPriority)

	state := b.state
	handler := func(ctx context.Context, payload map[string]any) (any, error) {
		results, err := callInto(ctx, state, fn, payload)
		if err != nil {
			return nil, err
		}
		return collapse(results), nil
	}

	b.host.Hooks.Register(name, b.host.Plugin.Name, priority, handler)
	return 0
}

// executeHook fans a hook out to every registered handler and returns the
// per-handler results as an array of {plugin=, value=, error=} tables.
// Handlers owned by this plugin run nested inside the current execution.
func (b *builder) executeHook(L *glua.LState) int {
	name := L.CheckString(1)
	payloadTbl := L.OptTable(2, L.NewTable())

	payload, _ := b.bridge.ToGo(payloadTbl).(map[string]any)
	if payload == nil {
		payload = make(map[string]any)
	}

	ctx := plua.WithActiveState(context.Background(), b.state)
	results := b.host.Hooks.Execute(ctx, name, payload)

	out := b.L.NewTable()
	for _, r := range results {
		entry := b.L.NewTable()
		b.L.SetField(entry, "plugin", glua.LString(r.Plugin))
		b.L.SetField(entry, "value", b.bridge.ToLua(r.Value))
		if r.Err != nil {
			b.L.SetField(entry, "error", glua.LString(r.Err.Error()))
		}
		out.Append(entry)
	}
	L.Push(out)
	return 1
}

// configTable exposes get/set over the plugin's own config section. Keys
// are scoped under plugins.<name> so one plugin never reads another's
// settings.
func (b *builder) configTable() *glua.LTable {
	cfg := b.L.NewTable()
	scope := "plugins." + b.host.Plugin.Name + "."

	b.L.SetField(cfg, "get", b.gated(security.PermConfig, "config.get",
		func(L *glua.LState) int {
			key := L.CheckString(1)
			v, ok := b.host.Config.Get(scope + key)
			if !ok {
				L.Push(L.Get(2)) // default, LNil when absent
				return 1
			}
			L.Push(b.bridge.ToLua(v))
			return 1
		}))

	b.L.SetField(cfg, "set", b.gated(security.PermConfig, "config.set",
		func(L *glua.LState) int {
			key := L.CheckString(1)
			value := b.bridge.ToGo(L.CheckAny(2))
			if err := b.host.Config.Set(scope+key, value); err != nil {
				L.RaiseError("config.set %q: %s", key, err.Error())
			}
			return 0
		}))

	return cfg
}

func (b *builder) storageTable() *glua.LTable {
	st := b.L.NewTable()

	b.L.SetField(st, "get", b.gated(security.PermDatabase, "storage.get",
		func(L *glua.LState) int {
			key := L.CheckString(1)
			v, err := b.host.Storage.Get(key)
			if err != nil {
				if errors.Is(err, storage.ErrKeyNotFound) {
					L.Push(L.Get(2)) // default, LNil when absent
					return 1
				}
				L.RaiseError("storage.get %q: %s", key, err.Error())
			}
			L.Push(b.bridge.ToLua(v))
			return 1
		}))

	b.L.SetField(st, "set", b.gated(security.PermDatabase, "storage.set",
		func(L *glua.LState) int {
			key := L.CheckString(1)
			value := b.bridge.ToGo(L.CheckAny(2))
			if err := b.host.Storage.Set(key, value); err != nil {
				L.RaiseError("storage.set %q: %s", key, err.Error())
			}
			return 0
		}))

	b.L.SetField(st, "delete", b.gated(security.PermDatabase, "storage.delete",
		func(L *glua.LState) int {
			key := L.CheckString(1)
			if err := b.host.Storage.Delete(key); err != nil {
				L.RaiseError("storage.delete %q: %s", key, err.Error())
			}
			return 0
		}))

	b.L.SetField(st, "list", b.gated(security.PermDatabase, "storage.list",
		func(L *glua.LState) int {
			keys, err := b.host.Storage.List()
			if err != nil {
				L.RaiseError("storage.list: %s", err.Error())
			}
			out := b.L.NewTable()
			for _, key := range keys {
				out.Append(glua.LString(key))
			}
			L.Push(out)
			return 1
		}))

	return st
}

func (b *builder) utilTable() *glua.LTable {
	util := b.L.NewTable()

	b.L.SetField(util, "trim", b.L.NewFunction(func(L *glua.LState) int {
		L.Push(glua.LString(strings.TrimSpace(L.CheckString(1))))
		return 1
	}))

	b.L.SetField(util, "split", b.L.NewFunction(func(L *glua.LState) int {
		parts := strings.Split(L.CheckString(1), L.CheckString(2))
		out := b.L.NewTable()
		for _, p := range parts {
			out.Append(glua.LString(p))
		}
		L.Push(out)
		return 1
	}))

	b.L.SetField(util, "json_encode", b.L.NewFunction(func(L *glua.LState) int {
		data, err := json.Marshal(b.bridge.ToGo(L.CheckAny(1)))
		if err != nil {
			L.RaiseError("json_encode: %s", err.Error())
		}
		L.Push(glua.LString(data))
		return 1
	}))

	b.L.SetField(util, "json_decode", b.L.NewFunction(func(L *glua.LState) int {
		var v any
		if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
			L.RaiseError("json_decode: %s", err.Error())
		}
		L.Push(b.bridge.ToLua(v))
		return 1
	}))

	return util
}

// callInto invokes a Lua handler on its owning state. When the context is
// already executing on that state (a plugin firing its own hook), the call
// nests instead of re-locking.
func callInto(ctx context.Context, state *plua.State, fn *glua.LFunction, args ...any) ([]any, error) {
	if plua.ActiveStateFrom(ctx) == state {
		return state.CallFunctionNested(fn, args...)
	}
	return state.CallFunction(fn, args...)
}

// optString reads an optional string field, mapping nil to "".
func optString(v glua.LValue) string {
	if s, ok := v.(glua.LString); ok {
		return string(s)
	}
	return ""
}

// collapse turns a Lua multi-return into a single Go value.
func collapse(results []any) any {
	switch len(results) {
	case 0:
		return nil
	case 1:
		return results[0]
	default:
		return results
	}
}
