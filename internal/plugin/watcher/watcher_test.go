package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T, roots ...string) *Watcher {
	t.Helper()

	w, err := New(roots, WithDebounce(50*time.Millisecond))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func makePlugin(t *testing.T, root, name string) string {
	t.Helper()

	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte("-- v1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func waitForChange(t *testing.T, w *Watcher) Change {
	t.Helper()

	select {
	case c := <-w.Changes():
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}
	}
}

func TestReportsChangedPlugin(t *testing.T) {
	root := t.TempDir()
	dir := makePlugin(t, root, "greeter")
	w := newTestWatcher(t, root)

	if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte("-- v2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := waitForChange(t, w)
	if c.Plugin != "greeter" {
		t.Errorf("Change.Plugin = %q, want greeter", c.Plugin)
	}
	if c.Root != root {
		t.Errorf("Change.Root = %q, want %q", c.Root, root)
	}
}

func TestCoalescesBursts(t *testing.T) {
	root := t.TempDir()
	dir := makePlugin(t, root, "bursty")
	w := newTestWatcher(t, root)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte("-- edit\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitForChange(t, w)

	// The burst should have collapsed into that single change.
	select {
	case c := <-w.Changes():
		t.Errorf("unexpected extra change: %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestIgnoresStorageWrites(t *testing.T) {
	root := t.TempDir()
	dir := makePlugin(t, root, "quiet")
	storageDir := filepath.Join(dir, "storage")
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		t.Fatal(err)
	}

	w := newTestWatcher(t, root)

	if err := os.WriteFile(filepath.Join(storageDir, "state.json"), []byte(`{"n":1}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-w.Changes():
		t.Errorf("storage write reported as change: %+v", c)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPicksUpNewPluginDirectory(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	w := newTestWatcher(t, root)

	makePlugin(t, root, "newcomer")

	c := waitForChange(t, w)
	if c.Plugin != "newcomer" {
		t.Errorf("Change.Plugin = %q, want newcomer", c.Plugin)
	}
}

func TestMissingRootIsSkipped(t *testing.T) {
	w, err := New([]string{filepath.Join(t.TempDir(), "does-not-exist")})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	w := newTestWatcher(t, t.TempDir())

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
