package hook

import (
	"context"
	"sort"
	"sync"
)

// DefaultPriority is used when a handler registers without a priority.
const DefaultPriority = 10

// Handler is a hook callback. Handlers for one hook run sequentially and
// may read and mutate the shared payload.
type Handler func(ctx context.Context, payload map[string]any) (any, error)

// Entry is one registered hook handler.
type Entry struct {
	Hook     string
	Plugin   string
	Priority int
	Handler  Handler

	// seq preserves insertion order so equal priorities stay stable.
	seq int
}

// Result records the outcome of one handler during a hook fan-out. A
// failed handler carries its error here instead of aborting the run.
type Result struct {
	Plugin string
	Value  any
	Err    error
}

// Registry maps hook names to handler lists kept sorted ascending by
// priority, ties broken by insertion order.
type Registry struct {
	mu      sync.RWMutex
	entries map[string][]*Entry
	nextSeq int
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string][]*Entry)}
}

// Register adds a handler for the hook and re-sorts that hook's list.
func (r *Registry) Register(hookName, owner string, priority int, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := &Entry{
		Hook:     hookName,
		Plugin:   owner,
		Priority: priority,
		Handler:  h,
		seq:      r.nextSeq,
	}
	r.nextSeq++

	list := append(r.entries[hookName], entry)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		return list[i].seq < list[j].seq
	})
	r.entries[hookName] = list
}

// Handlers returns a snapshot of the hook's entries in execution order.
func (r *Registry) Handlers(hookName string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.entries[hookName]
	out := make([]*Entry, len(list))
	copy(out, list)
	return out
}

// RemoveOwner deletes every entry owned by the plugin, returning how many
// were removed.
func (r *Registry) RemoveOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, list := range r.entries {
		kept := list[:0]
		for _, e := range list {
			if e.Plugin == owner {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(r.entries, name)
		} else {
			r.entries[name] = kept
		}
	}
	return removed
}

// Hooks returns all hook names with at least one handler, sorted.
func (r *Registry) Hooks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of handlers registered for the hook.
func (r *Registry) Count(hookName string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[hookName])
}
