// Package registry is the HTTP client for the remote plugin registry:
// search, metadata lookup and package download.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultBaseURL is the public plugin registry.
const DefaultBaseURL = "https://registry.mursfoto.dev"

// ErrNotFound is returned when the registry has no such plugin or version.
var ErrNotFound = errors.New("plugin not found in registry")

// PluginInfo is the registry's metadata for one plugin.
type PluginInfo struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description,omitempty"`
	Author      string    `json:"author,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	Downloads   int64     `json:"downloads,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// Client talks to a plugin registry over HTTP.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different registry.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithClientLogger sets the client's logger.
func WithClientLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a registry client for the default registry.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search queries the registry for plugins matching the query string.
func (c *Client) Search(ctx context.Context, query string) ([]PluginInfo, error) {
	u := fmt.Sprintf("%s/api/v1/plugins?q=%s", c.baseURL, url.QueryEscape(query))

	var results []PluginInfo
	if err := c.getJSON(ctx, u, &results); err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	return results, nil
}

// Info returns the registry metadata for one plugin.
func (c *Client) Info(ctx context.Context, name string) (*PluginInfo, error) {
	u := fmt.Sprintf("%s/api/v1/plugins/%s", c.baseURL, url.PathEscape(name))

	var info PluginInfo
	if err := c.getJSON(ctx, u, &info); err != nil {
		return nil, fmt.Errorf("info %q: %w", name, err)
	}
	return &info, nil
}

// Download fetches a plugin package into destDir and returns the file
// path. The file gets a unique name so concurrent downloads of the same
// plugin never clobber each other.
func (c *Client) Download(ctx context.Context, name, version, destDir string) (string, error) {
	u := fmt.Sprintf("%s/api/v1/plugins/%s/%s/download",
		c.baseURL, url.PathEscape(name), url.PathEscape(version))

	resp, err := c.get(ctx, u)
	if err != nil {
		return "", fmt.Errorf("download %s@%s: %w", name, version, err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	path := filepath.Join(destDir, fmt.Sprintf("%s-%s.tgz", name, uuid.NewString()))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("download %s@%s: %w", name, version, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}

	c.logger.Debug().Str("plugin", name).Str("version", version).Str("path", path).
		Msg("plugin downloaded")
	return path, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	resp, err := c.get(ctx, u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// get performs the request and normalizes status errors. The caller owns
// the body on success.
func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("registry returned %s", resp.Status)
	}
}
