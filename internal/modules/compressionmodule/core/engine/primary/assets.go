package primary

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// AssetSource is one mirror the engine binaries can be fetched from
type AssetSource struct {
	Name    string `yaml:"name" json:"name"`
	BaseURL string `yaml:"base_url" json:"base_url"`
}

// URL returns the location of a named asset on this source
func (s AssetSource) URL(asset string) string {
	return strings.TrimRight(s.BaseURL, "/") + "/" + strings.TrimLeft(asset, "/")
}

// Fetcher retrieves one asset. Implementations must honour ctx cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// HTTPFetcher fetches over http(s) and reads file:// URLs and bare paths from disk
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPFetcher creates a fetcher that refuses assets larger than maxBytes
func NewHTTPFetcher(client *http.Client, maxBytes int64) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, maxBytes: maxBytes}
}

// Fetch implements Fetcher
func (f *HTTPFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid asset location %q: %w", location, err)
	}

	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, location)
	case "file", "":
		path := u.Path
		if u.Scheme == "" {
			path = location
		}
		return f.readFile(ctx, path)
	default:
		return nil, fmt.Errorf("unsupported asset scheme %q", u.Scheme)
	}
}

func (f *HTTPFetcher) fetchHTTP(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", location, resp.Status)
	}

	return f.readLimited(resp.Body, location)
}

func (f *HTTPFetcher) readFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return f.readLimited(file, path)
}

func (f *HTTPFetcher) readLimited(r io.Reader, location string) ([]byte, error) {
	if f.maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("asset %s exceeds %d bytes", location, f.maxBytes)
	}
	return data, nil
}
