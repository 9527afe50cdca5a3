// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manifest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetcher_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/movie.mpd":
			assert.Equal(t, "abc", r.Header.Get("X-Token"))
			_, _ = w.Write([]byte("<MPD/>"))
		case "/big.mpd":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client())
	f.Headers = http.Header{"X-Token": []string{"abc"}}

	body, err := f.Fetch(context.Background(), srv.URL+"/movie.mpd")
	require.NoError(t, err)
	assert.Equal(t, "<MPD/>", string(body))

	_, err = f.Fetch(context.Background(), srv.URL+"/missing.mpd?secret=1")
	var se *StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.NotContains(t, se.Error(), "secret")

	f.MaxBytes = 16
	_, err = f.Fetch(context.Background(), srv.URL+"/big.mpd")
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestFetcher_File(t *testing.T) {
	path, err := filepath.Abs(filepath.Join("testdata", "clearkey.m3u8"))
	require.NoError(t, err)

	body, err := NewFetcher(nil).Fetch(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "#EXTM3U"))
}

func TestFetcher_Errors(t *testing.T) {
	f := NewFetcher(nil)
	_, err := f.Fetch(context.Background(), "ftp://cdn.example/movie.mpd")
	assert.ErrorContains(t, err, "unsupported uri scheme")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, "file:///does/not/matter.mpd")
	assert.ErrorIs(t, err, context.Canceled)
}
