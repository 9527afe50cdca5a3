// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Health(t *testing.T) {
	m := NewManager("v1.2.3", time.Second)
	m.RegisterChecker(NewCheckFunc("store", func(context.Context) error { return errors.New("down") }))

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v1.2.3", resp.Version)
	assert.Empty(t, resp.Checks)

	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, "down", resp.Checks["store"].Error)
}

func TestManager_Ready(t *testing.T) {
	ok := NewCheckFunc("ok", func(context.Context) error { return nil })
	bad := NewCheckFunc("bad", func(context.Context) error { return errors.New("boom") })

	tests := []struct {
		name      string
		checkers  []Checker
		wantReady bool
		want      Status
	}{
		{"no checkers", nil, true, StatusHealthy},
		{"all healthy", []Checker{ok}, true, StatusHealthy},
		{"degraded stays ready", []Checker{ok, Degraded(bad)}, true, StatusDegraded},
		{"unhealthy", []Checker{Degraded(bad), bad}, false, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager("", time.Second)
			for _, c := range tt.checkers {
				m.RegisterChecker(c)
			}
			resp := m.Ready(context.Background())
			assert.Equal(t, tt.wantReady, resp.Ready)
			assert.Equal(t, tt.want, resp.Status)
		})
	}
}

func TestManager_CheckTimeout(t *testing.T) {
	m := NewManager("", 20*time.Millisecond)
	m.RegisterChecker(NewCheckFunc("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	resp := m.Ready(context.Background())
	assert.False(t, resp.Ready)
	assert.Contains(t, resp.Checks["slow"].Error, "deadline")
}

func TestManager_ServeReady(t *testing.T) {
	failing := true
	m := NewManager("", time.Second)
	m.RegisterChecker(NewCheckFunc("store", func(context.Context) error {
		if failing {
			return errors.New("redis: connection refused")
		}
		return nil
	}))

	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Ready)

	failing = false
	rec = httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestManager_ServeHealth(t *testing.T) {
	m := NewManager("v1", time.Second)
	m.RegisterChecker(NewCheckFunc("store", func(context.Context) error { return errors.New("down") }))

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz?verbose=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "liveness is always 200")
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestWritableDirChecker(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	assert.Equal(t, StatusHealthy, NewWritableDirChecker("data", dir).Check(context.Background()).Status)
	assert.Equal(t, StatusHealthy, NewWritableDirChecker("data", "").Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewWritableDirChecker("data", file).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewWritableDirChecker("data", filepath.Join(dir, "missing")).Check(context.Background()).Status)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "probe file must be removed")
}
