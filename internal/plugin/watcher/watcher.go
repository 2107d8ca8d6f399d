// Package watcher observes the plugin directories on disk and reports
// which plugin changed, coalescing bursts of file events into one change
// per plugin. The CLI uses it to reload plugins while developing them.
package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is the quiet period before a change is reported.
// Editors write manifests and modules in quick bursts; one reload per
// burst is enough.
const DefaultDebounce = 500 * time.Millisecond

// ErrWatcherClosed is returned for operations on a closed watcher.
var ErrWatcherClosed = errors.New("watcher closed")

// Change reports that a plugin's files changed on disk.
type Change struct {
	Plugin string
	Root   string
	Time   time.Time
}

// Watcher watches plugin search roots. Events inside a plugin directory
// are attributed to that plugin; writes under its storage/ directory are
// ignored so a plugin persisting its own state never triggers a reload.
type Watcher struct {
	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	roots   []string
	delay   time.Duration
	pending map[string]*time.Timer
	changes chan Change
	errs    chan error
	logger  zerolog.Logger
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides the quiet period.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.delay = d
		}
	}
}

// WithLogger sets the watcher's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// New creates a watcher over the given plugin search roots. Roots that do
// not exist yet are skipped; existing plugin directories are watched
// immediately and new ones are picked up as they appear.
func New(roots []string, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:     fsw,
		roots:   roots,
		delay:   DefaultDebounce,
		pending: make(map[string]*time.Timer),
		changes: make(chan Change, 16),
		errs:    make(chan error, 16),
		logger:  zerolog.Nop(),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, root := range roots {
		if err := w.watchRoot(root); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// watchRoot adds the root and every plugin directory under it.
func (w *Watcher) watchRoot(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := w.fsw.Add(root); err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := w.fsw.Add(filepath.Join(root, entry.Name())); err != nil {
				w.logger.Warn().Err(err).Str("dir", entry.Name()).Msg("watch failed")
			}
		}
	}
	return nil
}

// Changes returns the debounced per-plugin change channel.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Errors returns the watcher's error channel.
func (w *Watcher) Errors() <-chan error {
	return w.errs
}

// Close stops the watcher. Pending debounce timers are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	for name, timer := range w.pending {
		timer.Stop()
		delete(w.pending, name)
	}
	w.mu.Unlock()

	err := w.fsw.Close()
	w.wg.Wait()
	close(w.changes)
	close(w.errs)
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	root, plugin, inside := w.attribute(ev.Name)
	if plugin == "" {
		return
	}

	// A new plugin directory appearing under a root must itself be
	// watched; fsnotify does not recurse.
	if !inside && ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.logger.Warn().Err(err).Str("dir", ev.Name).Msg("watch failed")
			}
		}
	}

	if isStoragePath(root, plugin, ev.Name) {
		return
	}

	w.schedule(root, plugin)
}

// attribute maps an event path to (root, plugin, insidePluginDir). The
// plugin name is the first path segment below the root.
func (w *Watcher) attribute(path string) (root, plugin string, inside bool) {
	for _, r := range w.roots {
		rel, err := filepath.Rel(r, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		parts := strings.Split(rel, string(filepath.Separator))
		return r, parts[0], len(parts) > 1
	}
	return "", "", false
}

// isStoragePath reports whether the path sits under the plugin's managed
// storage directory.
func isStoragePath(root, plugin, path string) bool {
	storageDir := filepath.Join(root, plugin, "storage")
	rel, err := filepath.Rel(storageDir, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}

// schedule arms or resets the plugin's debounce timer.
func (w *Watcher) schedule(root, plugin string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if timer, ok := w.pending[plugin]; ok {
		timer.Reset(w.delay)
		return
	}
	w.pending[plugin] = time.AfterFunc(w.delay, func() {
		w.fire(root, plugin)
	})
}

// fire emits the debounced change. The send happens under the mutex so it
// can never race Close shutting the channel; the channel is buffered and
// drops on overflow, so the send cannot block.
func (w *Watcher) fire(root, plugin string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	delete(w.pending, plugin)

	select {
	case w.changes <- Change{Plugin: plugin, Root: root, Time: time.Now()}:
	default:
		w.logger.Warn().Str("plugin", plugin).Msg("change channel full, dropping")
	}
}

// Run delivers changes to onChange until the context is cancelled or the
// watcher closes. Errors are logged and watching continues.
func (w *Watcher) Run(ctx context.Context, onChange func(Change)) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-w.changes:
			if !ok {
				return
			}
			onChange(c)
		case err, ok := <-w.errs:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watch error")
		}
	}
}
