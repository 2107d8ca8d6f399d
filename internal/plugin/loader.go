package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
)

// PluginsDir is the plugins directory relative to a project or home root.
var PluginsDir = filepath.Join(".mursfoto", "plugins")

// Discovered is a plugin found on disk with its parsed manifest.
type Discovered struct {
	Manifest *Manifest
	Dir      string
}

// Loader locates plugins on disk. The project directory is searched
// before the user's home directory, so a project-local plugin shadows a
// globally installed one of the same name.
type Loader struct {
	searchPaths []string
	logger      zerolog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLoaderLogger sets the loader's logger.
func WithLoaderLogger(logger zerolog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// WithSearchPaths replaces the default search paths.
func WithSearchPaths(paths ...string) LoaderOption {
	return func(l *Loader) { l.searchPaths = paths }
}

// NewLoader creates a loader searching <projectDir>/.mursfoto/plugins and
// then ~/.mursfoto/plugins.
func NewLoader(projectDir string, opts ...LoaderOption) *Loader {
	l := &Loader{logger: zerolog.Nop()}

	l.searchPaths = append(l.searchPaths, filepath.Join(projectDir, PluginsDir))
	if home, err := os.UserHomeDir(); err == nil {
		l.searchPaths = append(l.searchPaths, filepath.Join(home, PluginsDir))
	}

	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SearchPaths returns the directories searched, in order.
func (l *Loader) SearchPaths() []string {
	out := make([]string, len(l.searchPaths))
	copy(out, l.searchPaths)
	return out
}

// FindPlugin returns the directory of the named plugin. The first search
// path containing a directory with a manifest wins.
func (l *Loader) FindPlugin(name string) (string, error) {
	for _, root := range l.searchPaths {
		dir := filepath.Join(root, name)
		if _, err := os.Stat(filepath.Join(dir, ManifestFileName)); err == nil {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w: %q (searched %v)", ErrPluginNotFound, name, l.searchPaths)
}

// Discover lists every installed plugin with a readable manifest, sorted
// by name. When a name appears in several search paths only the first is
// returned; plugins with broken manifests are logged and skipped.
func (l *Loader) Discover() ([]*Discovered, error) {
	seen := make(map[string]bool)
	var found []*Discovered

	for _, root := range l.searchPaths {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("scan plugins dir %s: %w", root, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() || seen[entry.Name()] {
				continue
			}
			dir := filepath.Join(root, entry.Name())

			manifest, err := LoadManifest(dir)
			if err != nil {
				l.logger.Warn().Err(err).Str("dir", dir).Msg("skipping plugin")
				continue
			}
			if manifest.Name != entry.Name() {
				l.logger.Warn().
					Str("dir", dir).
					Str("manifest_name", manifest.Name).
					Msg("skipping plugin: directory and manifest name differ")
				continue
			}

			seen[entry.Name()] = true
			found = append(found, &Discovered{Manifest: manifest, Dir: dir})
		}
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].Manifest.Name < found[j].Manifest.Name
	})
	return found, nil
}
