// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/xoffline/internal/drm/clearkey"
	"github.com/ManuGH/xoffline/internal/manifest"
	"github.com/ManuGH/xoffline/internal/store"
)

const (
	testManifestURL = "https://cdn.example.com/vod/movie/index.m3u8"
	clearManifest   = "https://cdn.example.com/vod/clear/manifest.mpd"
)

// clearKeyPlaylist signals key 10000000-1000-1000-1000-100000000001 with a common-system pssh.
const clearKeyPlaylist = `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-TARGETDURATION:6
#EXT-X-KEY:METHOD=SAMPLE-AES,URI="data:text/plain;base64,AAAANHBzc2gBAAAAEHfv7MCyTQKs4zweUuL7SwAAAAEQAAAAEAAQABAAEAAAAAABAAAAAA==",KEYFORMAT="urn:uuid:1077efec-c0b2-4d02-ace3-3c1e52e2fb4b",KEYFORMATVERSIONS="1"
#EXTINF:6.000,
seg-1.m4s
#EXT-X-ENDLIST
`

const clearMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static">
  <Period id="0">
    <AdaptationSet mimeType="video/mp4">
      <Representation id="v1" bandwidth="800000"/>
    </AdaptationSet>
  </Period>
</MPD>
`

// staticManifests serves manifests from memory.
type staticManifests map[string]string

func (s staticManifests) Fetch(_ context.Context, uri string) ([]byte, error) {
	body, ok := s[uri]
	if !ok {
		return nil, &manifest.StatusError{URL: uri, StatusCode: http.StatusNotFound}
	}
	return []byte(body), nil
}

func defaultManifests() staticManifests {
	return staticManifests{testManifestURL: clearKeyPlaylist, clearManifest: clearMPD}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// licenseServer is a Clear Key license and provisioning endpoint.
type licenseServer struct {
	srv *httptest.Server

	mu              sync.Mutex
	expiresIn       int64
	status          int
	emptyBody       bool
	noKeys          bool
	hold            chan struct{}
	provisionStatus int
	barrier         int
	barrierReached  chan struct{}
	delay           time.Duration

	acquires    int
	releases    int
	provisions  int
	headers     []http.Header
	inFlight    int
	maxInFlight int
}

func newLicenseServer(t *testing.T) *licenseServer {
	t.Helper()
	s := &licenseServer{expiresIn: 86400}
	mux := http.NewServeMux()
	mux.HandleFunc("/license", s.handleLicense)
	mux.HandleFunc("/provision", s.handleProvision)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *licenseServer) URL() string          { return s.srv.URL + "/license" }
func (s *licenseServer) ProvisionURL() string { return s.srv.URL + "/provision?device=test" }

func (s *licenseServer) set(fn func(s *licenseServer)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

func (s *licenseServer) counts() (acquires, releases, provisions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquires, s.releases, s.provisions
}

func (s *licenseServer) handleLicense(w http.ResponseWriter, r *http.Request) {
	var req clearkey.LicenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.inFlight++
	s.maxInFlight = max(s.maxInFlight, s.inFlight)
	if s.barrier > 0 && s.inFlight >= s.barrier && s.barrierReached != nil {
		close(s.barrierReached)
		s.barrierReached = nil
	}
	if req.Type == "persistent-license-release" {
		s.releases++
	} else {
		s.acquires++
	}
	s.headers = append(s.headers, r.Header.Clone())
	expiresIn, status, emptyBody, noKeys, hold, delay := s.expiresIn, s.status, s.emptyBody, s.noKeys, s.hold, s.delay
	barrierCh := s.barrierReached
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if barrierCh != nil {
		select {
		case <-barrierCh:
		case <-time.After(2 * time.Second):
		}
	}
	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if emptyBody {
		return
	}

	resp := clearkey.LicenseResponse{Type: req.Type, ExpiresIn: expiresIn}
	if req.Type != "persistent-license-release" && !noKeys {
		for _, kid := range req.Kids {
			resp.Keys = append(resp.Keys, clearkey.JWK{Kty: "oct", Kid: kid, K: "AAECAwQFBgcICQoLDA0ODw"})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *licenseServer) handleProvision(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.provisions++
	status := s.provisionStatus
	s.mu.Unlock()

	if r.URL.Query().Get("signedRequest") == "" || r.URL.Query().Get("device") != "test" {
		http.Error(w, "missing signedRequest", http.StatusBadRequest)
		return
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	_, _ = w.Write([]byte("provisioned"))
}

type testEnv struct {
	mgr    *Manager
	engine *clearkey.Engine
	store  *store.MemoryStore
	server *licenseServer
	clock  *fakeClock
}

func newTestEnv(t *testing.T, opts Options, engineOpts ...clearkey.Option) *testEnv {
	t.Helper()
	clock := newFakeClock()
	server := newLicenseServer(t)
	engine := clearkey.New(append([]clearkey.Option{clearkey.WithClock(clock.Now)}, engineOpts...)...)
	st := store.NewMemoryStore()
	mgr, err := NewManager(Deps{
		Engine:    engine,
		Store:     st,
		Exchanger: NewHTTPExchanger(HTTPOptions{Client: server.srv.Client(), BreakerThreshold: 100}),
		Manifests: defaultManifests(),
		Now:       clock.Now,
	}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return &testEnv{mgr: mgr, engine: engine, store: st, server: server, clock: clock}
}

func (e *testEnv) request(contentID string) Request {
	return Request{
		ContentID:           contentID,
		ManifestURI:         testManifestURL,
		LicenseServerURI:    e.server.URL(),
		MinRemainingSeconds: 3600,
		Persist:             true,
	}
}

func (e *testEnv) seed(t *testing.T, contentID string) *store.Record {
	t.Helper()
	rec, err := e.mgr.Acquire(context.Background(), e.request(contentID))
	require.NoError(t, err)
	return rec
}

// faultyStore fails reads for selected IDs.
type faultyStore struct {
	*store.MemoryStore
	failGet map[string]error
}

func (f *faultyStore) Get(ctx context.Context, id string) (*store.Record, error) {
	if err, ok := f.failGet[id]; ok {
		return nil, err
	}
	return f.MemoryStore.Get(ctx, id)
}
