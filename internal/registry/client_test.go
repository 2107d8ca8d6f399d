package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestServer(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/plugins", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "greet" {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`[
			{"name": "greeter", "version": "1.2.0", "description": "says hello", "downloads": 42},
			{"name": "greet-loud", "version": "0.3.0"}
		]`))
	})
	mux.HandleFunc("/api/v1/plugins/greeter", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name": "greeter", "version": "1.2.0", "author": "someone"}`))
	})
	mux.HandleFunc("/api/v1/plugins/greeter/1.2.0/download", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tarball-bytes"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, NewClient(WithBaseURL(srv.URL))
}

func TestSearch(t *testing.T) {
	_, c := newTestServer(t)

	results, err := c.Search(context.Background(), "greet")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search() returned %d results, want 2", len(results))
	}
	if results[0].Name != "greeter" || results[0].Downloads != 42 {
		t.Errorf("results[0] = %+v", results[0])
	}
}

func TestSearchNoMatches(t *testing.T) {
	_, c := newTestServer(t)

	results, err := c.Search(context.Background(), "nothing")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Search() = %v, want empty", results)
	}
}

func TestInfo(t *testing.T) {
	_, c := newTestServer(t)

	info, err := c.Info(context.Background(), "greeter")
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.Version != "1.2.0" || info.Author != "someone" {
		t.Errorf("Info() = %+v", info)
	}
}

func TestInfoNotFound(t *testing.T) {
	_, c := newTestServer(t)

	_, err := c.Info(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestDownload(t *testing.T) {
	_, c := newTestServer(t)
	dest := t.TempDir()

	path, err := c.Download(context.Background(), "greeter", "1.2.0", dest)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	if filepath.Dir(path) != dest {
		t.Errorf("download landed in %q, want %q", filepath.Dir(path), dest)
	}
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "greeter-") || !strings.HasSuffix(base, ".tgz") {
		t.Errorf("unexpected artifact name %q", base)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "tarball-bytes" {
		t.Errorf("artifact content = %q", data)
	}

	// A second download must not clobber the first.
	path2, err := c.Download(context.Background(), "greeter", "1.2.0", dest)
	if err != nil {
		t.Fatal(err)
	}
	if path2 == path {
		t.Error("second download reused the same artifact path")
	}
}

func TestDownloadUnknownVersion(t *testing.T) {
	_, c := newTestServer(t)

	_, err := c.Download(context.Background(), "greeter", "9.9.9", t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(WithBaseURL(srv.URL))
	if _, err := c.Search(context.Background(), "x"); err == nil {
		t.Fatal("Search() against a failing registry should error")
	}
}
