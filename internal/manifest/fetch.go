// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/ManuGH/xoffline/internal/log"
	"github.com/ManuGH/xoffline/internal/platform/httpx"
)

// DefaultMaxBytes bounds a manifest download.
const DefaultMaxBytes = 8 << 20

// ErrTooLarge is returned when a manifest exceeds the fetcher's byte limit.
var ErrTooLarge = errors.New("manifest: body exceeds size limit")

// StatusError reports a non-2xx manifest response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("manifest: GET %s: status %d", e.URL, e.StatusCode)
}

// Fetcher retrieves manifests over HTTP(S) or from file:// URIs.
type Fetcher struct {
	Client   *http.Client
	MaxBytes int64
	Headers  http.Header
}

// NewFetcher returns a Fetcher using client, or a hardened default client when nil.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = httpx.NewClient(0)
	}
	return &Fetcher{Client: client, MaxBytes: DefaultMaxBytes}
}

// Fetch downloads uri and returns its body.
func (f *Fetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("manifest: parse uri: %w", err)
	}
	limit := f.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}

	switch u.Scheme {
	case "http", "https":
	case "file":
		return readLimited(ctx, u.Path, limit)
	default:
		return nil, fmt.Errorf("manifest: unsupported uri scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("manifest: build request: %w", err)
	}
	for k, vs := range f.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	logger := log.WithComponentFromContext(ctx, "manifest")
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest: GET %s: %w", httpx.SanitizeURL(uri), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: httpx.SanitizeURL(uri), StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("manifest: read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, ErrTooLarge
	}
	logger.Debug().
		Str(log.FieldEvent, "manifest.fetched").
		Str(log.FieldManifestURL, httpx.SanitizeURL(uri)).
		Int("bytes", len(body)).
		Msg("manifest fetched")
	return body, nil
}

func readLimited(ctx context.Context, path string, limit int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// #nosec G304 -- file manifests are operator supplied
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	defer f.Close()

	body, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	if int64(len(body)) > limit {
		return nil, ErrTooLarge
	}
	return body, nil
}
