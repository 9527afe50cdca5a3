// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package license

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/xoffline/internal/drm"
	"github.com/ManuGH/xoffline/internal/drm/clearkey"
	"github.com/ManuGH/xoffline/internal/store"
)

func TestAcquire_PersistsRecordAndClosesSession(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	req := env.request("movie-1")
	req.MessageToken = "opaque-token"
	req.RequestHeaders = map[string]string{"X-Custom": "yes"}

	rec, err := env.mgr.Acquire(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "movie-1", rec.ContentID)
	assert.NotEmpty(t, rec.KeySet)
	assert.Equal(t, env.clock.Now(), rec.AcquiredAt)
	assert.Equal(t, int64(86400), rec.LicenseDurationSeconds)
	assert.Equal(t, int64(3600), rec.MinRemainingSeconds)
	assert.Zero(t, env.engine.OpenSessions(), "session must be closed")

	stored, err := env.store.Get(ctx, "movie-1")
	require.NoError(t, err)
	assert.Equal(t, rec.KeySet, stored.KeySet)

	env.server.mu.Lock()
	defer env.server.mu.Unlock()
	require.Len(t, env.server.headers, 1)
	assert.Equal(t, "opaque-token", env.server.headers[0].Get(DefaultMessageHeader))
	assert.Equal(t, "yes", env.server.headers[0].Get("X-Custom"))
}

func TestAcquire_WithoutPersistDoesNotStore(t *testing.T) {
	env := newTestEnv(t, Options{})
	req := env.request("movie-1")
	req.Persist = false

	rec, err := env.mgr.Acquire(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.KeySet)

	_, err = env.store.Get(context.Background(), "movie-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAcquire_ManifestDefaultsToContentID(t *testing.T) {
	env := newTestEnv(t, Options{})
	req := env.request(testManifestURL)
	req.ManifestURI = ""

	_, err := env.mgr.Acquire(context.Background(), req)
	require.NoError(t, err)
}

func TestAcquire_UsesDefaultLicenseServer(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.mgr.opts.LicenseServerURI = env.server.URL()
	req := env.request("movie-1")
	req.LicenseServerURI = ""

	_, err := env.mgr.Acquire(context.Background(), req)
	require.NoError(t, err)
}

func TestAcquire_ValidityGate(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn int64
		min       int64
		wantKind  Kind
	}{
		{name: "well above minimum", expiresIn: 86400, min: 3600},
		{name: "exactly the minimum is accepted", expiresIn: 3600, min: 3600},
		{name: "one second short", expiresIn: 3599, min: 3600, wantKind: KindLicenseExpiringTooSoon},
		{name: "imminent expiry", expiresIn: 60, min: 3600, wantKind: KindLicenseExpiringTooSoon},
		{name: "no expiry information passes", expiresIn: 0, min: 3600},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			env.server.set(func(s *licenseServer) { s.expiresIn = tt.expiresIn })
			req := env.request("movie-1")
			req.MinRemainingSeconds = tt.min

			_, err := env.mgr.Acquire(context.Background(), req)
			if tt.wantKind == KindUnknown {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantKind)
				assert.Equal(t, 308, err.(*Error).Code())
				_, getErr := env.store.Get(context.Background(), "movie-1")
				assert.ErrorIs(t, getErr, store.ErrNotFound, "rejected license must not be stored")
			}
			assert.Zero(t, env.engine.OpenSessions())
		})
	}
}

func TestAcquire_Failures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(env *testEnv, req *Request)
		wantKind Kind
	}{
		{
			name:     "manifest without protection",
			setup:    func(env *testEnv, req *Request) { req.ManifestURI = clearManifest },
			wantKind: KindSchemeDataMissing,
		},
		{
			name:     "manifest fetch fails",
			setup:    func(env *testEnv, req *Request) { req.ManifestURI = "https://cdn.example.com/missing.mpd" },
			wantKind: KindTransport,
		},
		{
			name: "empty server response",
			setup: func(env *testEnv, req *Request) {
				env.server.set(func(s *licenseServer) { s.emptyBody = true })
			},
			wantKind: KindServerResponseEmpty,
		},
		{
			name: "server error status",
			setup: func(env *testEnv, req *Request) {
				env.server.set(func(s *licenseServer) { s.status = 500 })
			},
			wantKind: KindServerResponseEmpty,
		},
		{
			name: "license without keys",
			setup: func(env *testEnv, req *Request) {
				env.server.set(func(s *licenseServer) { s.noKeys = true })
			},
			wantKind: KindKeySetEmpty,
		},
		{
			name:     "unreachable server",
			setup:    func(env *testEnv, req *Request) { req.LicenseServerURI = "http://127.0.0.1:1/license" },
			wantKind: KindTransport,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			req := env.request("movie-1")
			tt.setup(env, &req)

			_, err := env.mgr.Acquire(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, KindOf(err), "error: %v", err)

			var le *Error
			require.ErrorAs(t, err, &le)
			assert.Equal(t, OpAcquire, le.Op)
			assert.Equal(t, "movie-1", le.ContentID)
			assert.Zero(t, env.engine.OpenSessions(), "session must be closed on failure")
		})
	}
}

func TestAcquire_InvalidRequest(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	_, err := env.mgr.Acquire(ctx, Request{LicenseServerURI: env.server.URL()})
	require.ErrorIs(t, err, KindInvalidConfig)

	_, err = env.mgr.Acquire(ctx, Request{ContentID: "c"})
	require.ErrorIs(t, err, KindInvalidConfig)

	req := env.request("c")
	req.MinRemainingSeconds = -1
	_, err = env.mgr.Acquire(ctx, req)
	require.ErrorIs(t, err, KindInvalidConfig)
	assert.Equal(t, 400, KindOf(err).Code())
}

func TestAcquire_ProvisionsOnceThenRetries(t *testing.T) {
	server := newLicenseServer(t)
	clock := newFakeClock()
	engine := clearkey.New(clearkey.WithClock(clock.Now), clearkey.WithProvisioning(server.ProvisionURL()))
	mgr, err := NewManager(Deps{
		Engine:    engine,
		Store:     store.NewMemoryStore(),
		Exchanger: NewHTTPExchanger(HTTPOptions{Client: server.srv.Client()}),
		Manifests: defaultManifests(),
		Now:       clock.Now,
	}, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	_, err = mgr.Acquire(context.Background(), Request{
		ContentID: "movie-1", ManifestURI: testManifestURL, LicenseServerURI: server.URL(), Persist: true,
	})
	require.NoError(t, err)

	acquires, _, provisions := server.counts()
	assert.Equal(t, 1, provisions)
	assert.Equal(t, 1, acquires)
	assert.Zero(t, engine.OpenSessions())
}

func TestAcquire_ProvisioningFailure(t *testing.T) {
	server := newLicenseServer(t)
	server.set(func(s *licenseServer) { s.provisionStatus = 500 })
	engine := clearkey.New(clearkey.WithProvisioning(server.ProvisionURL()))
	mgr, err := NewManager(Deps{
		Engine:    engine,
		Store:     store.NewMemoryStore(),
		Exchanger: NewHTTPExchanger(HTTPOptions{Client: server.srv.Client()}),
		Manifests: defaultManifests(),
	}, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	_, err = mgr.Acquire(context.Background(), Request{
		ContentID: "movie-1", ManifestURI: testManifestURL, LicenseServerURI: server.URL(),
	})
	require.ErrorIs(t, err, KindProvisioningFailed)
	assert.Equal(t, 309, KindOf(err).Code())

	acquires, _, provisions := server.counts()
	assert.Equal(t, 1, provisions)
	assert.Zero(t, acquires)
}

// stubbornEngine never becomes provisioned.
type stubbornEngine struct {
	*clearkey.Engine
	mu         sync.Mutex
	provisions int
}

func (e *stubbornEngine) OpenSession(context.Context) (string, error) {
	return "", drm.ErrNotProvisioned
}

func (e *stubbornEngine) ProvisionRequest(context.Context) (drm.Request, error) {
	e.mu.Lock()
	e.provisions++
	e.mu.Unlock()
	return drm.Request{Data: []byte("nonce")}, nil
}

func (e *stubbornEngine) ProvideProvisionResponse(context.Context, []byte) error { return nil }

func TestAcquire_SecondNotProvisionedIsFatal(t *testing.T) {
	server := newLicenseServer(t)
	engine := &stubbornEngine{Engine: clearkey.New()}
	mgr, err := NewManager(Deps{
		Engine:    engine,
		Store:     store.NewMemoryStore(),
		Exchanger: NewHTTPExchanger(HTTPOptions{Client: server.srv.Client()}),
		Manifests: defaultManifests(),
	}, Options{ProvisioningURL: server.ProvisionURL()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	_, err = mgr.Acquire(context.Background(), Request{
		ContentID: "movie-1", ManifestURI: testManifestURL, LicenseServerURI: server.URL(),
	})
	require.ErrorIs(t, err, KindProvisioningFailed)
	require.ErrorIs(t, err, drm.ErrNotProvisioned)
	assert.Equal(t, 1, engine.provisions, "provisioning is attempted exactly once")

	_, _, provisions := server.counts()
	assert.Equal(t, 1, provisions)
}

func TestAcquire_CancellationStillClosesSession(t *testing.T) {
	env := newTestEnv(t, Options{})
	hold := make(chan struct{})
	t.Cleanup(func() { close(hold) })
	env.server.set(func(s *licenseServer) { s.hold = hold })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := env.mgr.Acquire(ctx, env.request("movie-1"))
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		acquires, _, _ := env.server.counts()
		return acquires == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, KindCanceled, KindOf(err))
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not return after cancellation")
	}
	assert.Zero(t, env.engine.OpenSessions())
}

// countingEngine counts sessions and, when armed, cancels the caller's
// context from inside one engine step.
type countingEngine struct {
	*clearkey.Engine
	mu       sync.Mutex
	opens    int
	closes   int
	cancelAt string
	cancel   context.CancelFunc
	closeErr error
}

func (e *countingEngine) OpenSession(ctx context.Context) (string, error) {
	h, err := e.Engine.OpenSession(ctx)
	if err == nil {
		e.mu.Lock()
		e.opens++
		e.mu.Unlock()
	}
	return h, err
}

func (e *countingEngine) CloseSession(ctx context.Context, handle string) error {
	err := e.Engine.CloseSession(ctx, handle)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	if e.closeErr != nil {
		return e.closeErr
	}
	return err
}

func (e *countingEngine) step(ctx context.Context, name string) error {
	e.mu.Lock()
	armed := e.cancelAt == name
	e.mu.Unlock()
	if !armed {
		return nil
	}
	e.cancel()
	return ctx.Err()
}

func (e *countingEngine) RestoreKeys(ctx context.Context, handle string, keySet []byte) error {
	if err := e.step(ctx, "restore"); err != nil {
		return err
	}
	return e.Engine.RestoreKeys(ctx, handle, keySet)
}

func (e *countingEngine) RemainingValidity(ctx context.Context, handle string) (drm.Validity, bool, error) {
	if err := e.step(ctx, "validity"); err != nil {
		return drm.Validity{}, false, err
	}
	return e.Engine.RemainingValidity(ctx, handle)
}

func (e *countingEngine) sessions() (opens, closes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens, e.closes
}

func newCountingManager(t *testing.T) (*Manager, *countingEngine, *licenseServer) {
	t.Helper()
	server := newLicenseServer(t)
	engine := &countingEngine{Engine: clearkey.New()}
	mgr, err := NewManager(Deps{
		Engine:    engine,
		Store:     store.NewMemoryStore(),
		Exchanger: NewHTTPExchanger(HTTPOptions{Client: server.srv.Client()}),
		Manifests: defaultManifests(),
	}, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr, engine, server
}

func TestRestore_CancellationStillClosesSession(t *testing.T) {
	for _, stage := range []string{"restore", "validity"} {
		t.Run(stage, func(t *testing.T) {
			mgr, engine, server := newCountingManager(t)
			_, err := mgr.Acquire(context.Background(), Request{
				ContentID: "movie-1", ManifestURI: testManifestURL, LicenseServerURI: server.URL(), Persist: true,
			})
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			engine.mu.Lock()
			engine.cancelAt, engine.cancel = stage, cancel
			engine.mu.Unlock()

			_, err = mgr.Restore(ctx, "movie-1", 60)
			require.Error(t, err)
			assert.Contains(t, []Kind{KindCanceled, KindTimeout}, KindOf(err))

			opens, closes := engine.sessions()
			assert.Equal(t, 2, opens, "one session for acquire, one for restore")
			assert.Equal(t, opens, closes)
			assert.Zero(t, engine.OpenSessions())
		})
	}
}

func TestRestore_CloseFailureKeepsResult(t *testing.T) {
	mgr, engine, server := newCountingManager(t)
	_, err := mgr.Acquire(context.Background(), Request{
		ContentID: "movie-1", ManifestURI: testManifestURL, LicenseServerURI: server.URL(), Persist: true,
	})
	require.NoError(t, err)

	engine.mu.Lock()
	engine.closeErr = errors.New("engine busy")
	engine.mu.Unlock()

	rec, err := mgr.Restore(context.Background(), "movie-1", 60)
	require.NoError(t, err, "close failures are logged, not returned")
	assert.NotEmpty(t, rec.KeySet)
	opens, closes := engine.sessions()
	assert.Equal(t, opens, closes)
}

func TestAcquire_DeadlineMapsToTimeout(t *testing.T) {
	env := newTestEnv(t, Options{})
	hold := make(chan struct{})
	t.Cleanup(func() { close(hold) })
	env.server.set(func(s *licenseServer) { s.hold = hold })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := env.mgr.Acquire(ctx, env.request("movie-1"))
	require.ErrorIs(t, err, KindTimeout)
	assert.Zero(t, env.engine.OpenSessions())
}

func TestAcquire_SameContentIsSerialized(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.server.set(func(s *licenseServer) { s.delay = 20 * time.Millisecond })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.mgr.Acquire(context.Background(), env.request("movie-1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	env.server.mu.Lock()
	defer env.server.mu.Unlock()
	assert.Equal(t, 4, env.server.acquires)
	assert.Equal(t, 1, env.server.maxInFlight)
	assert.Zero(t, env.mgr.locks.size())
}

func TestAcquire_DistinctContentRunsInParallel(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.server.set(func(s *licenseServer) {
		s.barrier = 2
		s.barrierReached = make(chan struct{})
	})

	var wg sync.WaitGroup
	for _, id := range []string{"movie-1", "movie-2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.mgr.Acquire(context.Background(), env.request(id))
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	env.server.mu.Lock()
	defer env.server.mu.Unlock()
	assert.Equal(t, 2, env.server.maxInFlight)
}

func signedMessage(t *testing.T, persistent bool) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"version":    1,
		"com_key_id": "69e54088-e9e0-4530-8c1a-1eb6dcd0d14e",
		"message": map[string]any{
			"type":    "entitlement_message",
			"version": 2,
			"license": map[string]any{"allow_persistence": persistent},
		},
	})
	s, err := token.SignedString([]byte("provider-secret"))
	require.NoError(t, err)
	return s
}

func TestAcquire_MessageTokenEnforcement(t *testing.T) {
	tests := []struct {
		name     string
		enforce  bool
		token    func(t *testing.T) string
		wantKind Kind
	}{
		{name: "persistent token", enforce: true, token: func(t *testing.T) string { return signedMessage(t, true) }},
		{name: "no token", enforce: true, token: func(*testing.T) string { return "" }},
		{name: "malformed enforced", enforce: true, token: func(*testing.T) string { return "not-a-jwt" }, wantKind: KindInvalidMessage},
		{name: "non persistent enforced", enforce: true, token: func(t *testing.T) string { return signedMessage(t, false) }, wantKind: KindMessageNotPersistent},
		{name: "malformed logged only", enforce: false, token: func(*testing.T) string { return "not-a-jwt" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{EnforceMessageToken: tt.enforce})
			req := env.request("movie-1")
			req.MessageToken = tt.token(t)

			_, err := env.mgr.Acquire(context.Background(), req)
			if tt.wantKind == KindUnknown {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantKind)
			acquires, _, _ := env.server.counts()
			assert.Zero(t, acquires, "no license request after a rejected token")
		})
	}
}

func TestRestore(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	seeded := env.seed(t, "movie-1")

	rec, err := env.mgr.Restore(ctx, "movie-1", 3600)
	require.NoError(t, err)
	assert.Equal(t, seeded.KeySet, rec.KeySet)
	assert.Zero(t, env.engine.OpenSessions())

	env.clock.Advance(23 * time.Hour)
	_, err = env.mgr.Restore(ctx, "movie-1", 3600)
	require.NoError(t, err, "exactly one hour left satisfies a one hour minimum")

	env.clock.Advance(time.Second)
	_, err = env.mgr.Restore(ctx, "movie-1", 3600)
	require.ErrorIs(t, err, KindLicenseExpiringTooSoon)
	assert.Zero(t, env.engine.OpenSessions())

	_, err = env.mgr.Restore(ctx, "unknown", 0)
	require.ErrorIs(t, err, KindNotFound)
	assert.Equal(t, 303, KindOf(err).Code())
}

func TestRestore_FallsBackToPersistedDurations(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.server.set(func(s *licenseServer) { s.expiresIn = 0 })
	ctx := context.Background()
	seeded := env.seed(t, "movie-1")
	require.Zero(t, seeded.LicenseDurationSeconds)

	_, err := env.mgr.Restore(ctx, "movie-1", 0)
	require.ErrorIs(t, err, KindLicenseExpiringTooSoon, "unknown validity is not restorable")

	seeded.LicenseDurationSeconds = 7200
	require.NoError(t, env.store.Put(ctx, seeded))

	_, err = env.mgr.Restore(ctx, "movie-1", 3600)
	require.NoError(t, err)

	env.clock.Advance(90 * time.Minute)
	_, err = env.mgr.Restore(ctx, "movie-1", 3600)
	require.ErrorIs(t, err, KindLicenseExpiringTooSoon)
}

func TestRestore_CorruptKeySet(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	require.NoError(t, env.store.Put(ctx, &store.Record{ContentID: "movie-1", KeySet: []byte("garbage"), AcquiredAt: env.clock.Now()}))

	_, err := env.mgr.Restore(ctx, "movie-1", 0)
	require.ErrorIs(t, err, KindEngineRejected)
	assert.ErrorIs(t, err, drm.ErrRejected)
	assert.Zero(t, env.engine.OpenSessions())
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	env.seed(t, "movie-1")
	env.clock.Advance(time.Hour)

	st, err := env.mgr.Status(ctx, "movie-1")
	require.NoError(t, err)
	assert.True(t, st.Known)
	assert.True(t, st.Usable)
	assert.Equal(t, int64(82800), st.RemainingSeconds)
	assert.Equal(t, env.clock.Now().Add(23*time.Hour), st.ExpiresAt)

	env.clock.Advance(23 * time.Hour)
	st, err = env.mgr.Status(ctx, "movie-1")
	require.NoError(t, err)
	assert.Zero(t, st.RemainingSeconds)
	assert.False(t, st.Usable)

	_, err = env.mgr.Status(ctx, "nope")
	require.ErrorIs(t, err, KindNotFound)

	env.seed(t, "movie-2")
	list, err := env.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "movie-1", list[0].ContentID)
	assert.Equal(t, "movie-2", list[1].ContentID)
}

func TestNewManager_Validation(t *testing.T) {
	deps := Deps{
		Engine:    clearkey.New(),
		Store:     store.NewMemoryStore(),
		Exchanger: NewHTTPExchanger(HTTPOptions{}),
		Manifests: defaultManifests(),
	}

	_, err := NewManager(Deps{}, Options{})
	require.ErrorIs(t, err, KindInvalidConfig)

	_, err = NewManager(deps, Options{Scheme: "fairplay"})
	require.ErrorIs(t, err, KindInvalidConfig)

	_, err = NewManager(deps, Options{Scheme: "widevine"})
	require.ErrorIs(t, err, KindInvalidConfig)
	require.True(t, errors.Is(err, drm.ErrUnsupportedScheme))

	m, err := NewManager(deps, Options{Scheme: "ClearKey"})
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "close is idempotent")
}
