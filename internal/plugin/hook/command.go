package hook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateCommand is returned when a command name is already taken.
// Registration never silently overwrites another plugin's command.
var ErrDuplicateCommand = errors.New("command already registered")

// CommandHandler executes a plugin command.
type CommandHandler func(ctx context.Context, args []string, opts map[string]any) (any, error)

// Command is a named CLI-invokable operation backed by one plugin handler.
type Command struct {
	Name        string
	Plugin      string
	Description string
	Usage       string
	Options     map[string]any
	Handler     CommandHandler
}

// CommandRegistry maps command names to their single owning entry.
// Command names are unique across all plugins.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[string]*Command
}

// NewCommandRegistry creates an empty command registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{commands: make(map[string]*Command)}
}

// Register adds a command. A duplicate name fails with ErrDuplicateCommand
// and leaves the original registration unchanged.
func (r *CommandRegistry) Register(cmd *Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.commands[cmd.Name]; ok {
		return fmt.Errorf("%w: %q (owned by plugin %q)",
			ErrDuplicateCommand, cmd.Name, existing.Plugin)
	}
	r.commands[cmd.Name] = cmd
	return nil
}

// Get returns the command by name.
func (r *CommandRegistry) Get(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmd, ok := r.commands[name]
	return cmd, ok
}

// RemoveOwner deletes every command owned by the plugin, returning how
// many were removed.
func (r *CommandRegistry) RemoveOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, cmd := range r.commands {
		if cmd.Plugin == owner {
			delete(r.commands, name)
			removed++
		}
	}
	return removed
}

// List returns all commands sorted by name.
func (r *CommandRegistry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered commands.
func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}
