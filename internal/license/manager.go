// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package license issues, restores and releases offline DRM licenses.
//
// Every operation owns at most one DRM session and closes it before
// returning, whatever the outcome. Operations on the same content ID are
// serialized; distinct IDs run in parallel.
package license

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/xoffline/internal/drm"
	xglog "github.com/ManuGH/xoffline/internal/log"
	"github.com/ManuGH/xoffline/internal/manifest"
	"github.com/ManuGH/xoffline/internal/metrics"
	"github.com/ManuGH/xoffline/internal/store"
	"github.com/ManuGH/xoffline/internal/telemetry"
)

// Operation names used in errors, logs, metrics and spans.
const (
	OpAcquire    = "acquire"
	OpRestore    = "restore"
	OpRelease    = "release"
	OpReleaseAll = "release_all"
	OpStatus     = "status"
	OpProvision  = "provision"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("license: manager closed")

// Request asks for an offline license.
type Request struct {
	ContentID string
	// ManifestURI locates the manifest to read protection data from.
	// Empty means ContentID is itself the manifest URL.
	ManifestURI      string
	LicenseServerURI string
	MessageToken     string
	RequestHeaders   map[string]string
	// MinRemainingSeconds rejects licenses that expire sooner than this.
	MinRemainingSeconds int64
	Persist             bool
}

// ManifestSource fetches manifest bodies. *manifest.Fetcher implements it.
type ManifestSource interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Engine    drm.Engine
	Store     store.Store
	Exchanger Exchanger
	Manifests ManifestSource
	// Now overrides the clock used for acquisition timestamps.
	Now func() time.Time
}

// Options tune Manager behaviour.
type Options struct {
	// Scheme selects the protection system to read from manifests. Empty
	// means the engine's own system.
	Scheme string
	// EnforceMessageToken fails acquisitions whose message token is
	// malformed or forbids persistence. When false such tokens are logged.
	EnforceMessageToken bool
	// LicenseServerURI is used when a request names no server.
	LicenseServerURI string
	// ProvisioningURL is used when the engine suggests no provisioning endpoint.
	ProvisioningURL string
}

// Manager runs license lifecycle operations. Construct with NewManager and
// release with Close.
type Manager struct {
	engine    drm.Engine
	store     store.Store
	exchanger Exchanger
	manifests ManifestSource
	now       func() time.Time
	opts      Options
	systemID  uuid.UUID

	locks  *keyLock
	tracer trace.Tracer
	logger zerolog.Logger

	// lifecycle of submitted operations
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewManager validates deps and opts and returns a ready Manager.
func NewManager(deps Deps, opts Options) (*Manager, error) {
	if deps.Engine == nil || deps.Store == nil || deps.Exchanger == nil || deps.Manifests == nil {
		return nil, newError(KindInvalidConfig, "init", "", "engine, store, exchanger and manifest source are required", nil)
	}
	systemID := deps.Engine.SystemID()
	if opts.Scheme != "" {
		wanted, err := drm.SystemIDForScheme(opts.Scheme)
		if err != nil {
			return nil, newError(KindInvalidConfig, "init", "", "unknown scheme", err)
		}
		if !drm.Matches(systemID, wanted) && !drm.Matches(wanted, systemID) {
			return nil, newError(KindInvalidConfig, "init", "",
				"scheme "+opts.Scheme+" does not match engine system "+drm.SchemeName(systemID), drm.ErrUnsupportedScheme)
		}
		systemID = wanted
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine:    deps.Engine,
		store:     deps.Store,
		exchanger: deps.Exchanger,
		manifests: deps.Manifests,
		now:       now,
		opts:      opts,
		systemID:  systemID,
		locks:     newKeyLock(),
		tracer:    telemetry.Tracer("xoffline/license"),
		logger:    xglog.WithComponent("license"),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Close cancels submitted operations and waits for them to deliver their
// outcome. Session cleanup still runs for every cancelled operation.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}

// Acquire obtains an offline license for req.ContentID and, when req.Persist
// is set, stores it. A device that is not provisioned is provisioned once and
// the acquisition retried once.
func (m *Manager) Acquire(ctx context.Context, req Request) (rec *store.Record, err error) {
	if req.ManifestURI == "" {
		req.ManifestURI = req.ContentID
	}
	if req.LicenseServerURI == "" {
		req.LicenseServerURI = m.opts.LicenseServerURI
	}
	ctx, finish := m.begin(ctx, OpAcquire, req.ContentID, req.MinRemainingSeconds)
	defer func() { finish(err) }()

	if err := validateRequest(req); err != nil {
		return nil, err
	}
	unlock, err := m.locks.Lock(ctx, req.ContentID)
	if err != nil {
		return nil, wrap(OpAcquire, req.ContentID, err)
	}
	defer unlock()

	logger := xglog.WithContext(ctx, m.logger)
	if err := checkMessage(req.MessageToken); err != nil {
		if m.opts.EnforceMessageToken {
			return nil, wrap(OpAcquire, req.ContentID, err)
		}
		logger.Warn().Err(err).
			Str(xglog.FieldEvent, "license.message.ignored").
			Msg("message token check failed, continuing because enforcement is disabled")
	}

	rec, err = m.acquireOnce(ctx, req)
	if KindOf(err) == KindNotProvisioned {
		logger.Info().
			Str(xglog.FieldEvent, "license.provisioning.start").
			Msg("device not provisioned, provisioning before retry")
		if perr := m.provision(ctx); perr != nil {
			return nil, wrap(OpAcquire, req.ContentID, perr)
		}
		rec, err = m.acquireOnce(ctx, req)
		if KindOf(err) == KindNotProvisioned {
			return nil, newError(KindProvisioningFailed, OpAcquire, req.ContentID,
				"device still not provisioned after provisioning", err)
		}
	}
	if err != nil {
		return nil, wrap(OpAcquire, req.ContentID, err)
	}
	return rec, nil
}

// acquireOnce runs one session-scoped acquisition attempt.
func (m *Manager) acquireOnce(ctx context.Context, req Request) (*store.Record, error) {
	sess, err := m.openSession(ctx, req.ContentID)
	if err != nil {
		return nil, err
	}
	defer m.closeSession(ctx, sess)

	initData, err := m.schemeInitData(ctx, req.ManifestURI)
	if err != nil {
		return nil, err
	}

	keyReq, err := m.engine.KeyRequest(ctx, drm.KeyRequestParams{
		Handle:   sess.Handle,
		Type:     drm.KeyTypeOffline,
		InitData: initData,
		MimeType: manifest.MimeTypeCENC,
	})
	if err != nil {
		return nil, engineError("key request", err)
	}

	resp, err := m.exchanger.Exchange(ctx, Exchange{
		Purpose:      PurposeAcquire,
		URL:          req.LicenseServerURI,
		Body:         keyReq.Data,
		MessageToken: req.MessageToken,
		Headers:      req.RequestHeaders,
	})
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, newError(KindServerResponseEmpty, "", "", "server response is empty", nil)
	}

	keySet, err := m.engine.ProvideKeyResponse(ctx, sess.Handle, resp)
	if err != nil {
		return nil, engineError("provide key response", err)
	}
	if len(keySet) == 0 {
		return nil, newError(KindKeySetEmpty, "", "", "key set is empty", nil)
	}

	validity, known, err := m.engine.RemainingValidity(ctx, sess.Handle)
	if err != nil {
		return nil, engineError("remaining validity", err)
	}
	if known && validity.LicenseSeconds < req.MinRemainingSeconds {
		return nil, expiringTooSoon(validity.LicenseSeconds, req.MinRemainingSeconds)
	}

	rec := &store.Record{
		ContentID:           req.ContentID,
		KeySet:              keySet,
		AcquiredAt:          m.now().UTC(),
		MinRemainingSeconds: req.MinRemainingSeconds,
	}
	if known {
		rec.LicenseDurationSeconds = validity.LicenseSeconds
		rec.RenewalSeconds = validity.PlaybackSeconds
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int64(telemetry.LicenseRemainingKey, validity.LicenseSeconds))

	if req.Persist {
		if err := m.store.Put(ctx, rec); err != nil {
			return nil, storageError("persist key set", err)
		}
	}
	return rec, nil
}

// Restore loads the stored license for contentID into a fresh session and
// checks it is still valid for at least minRemainingSeconds.
func (m *Manager) Restore(ctx context.Context, contentID string, minRemainingSeconds int64) (rec *store.Record, err error) {
	ctx, finish := m.begin(ctx, OpRestore, contentID, minRemainingSeconds)
	defer func() { finish(err) }()

	if contentID == "" {
		return nil, newError(KindInvalidConfig, OpRestore, "", "content id is required", nil)
	}
	if minRemainingSeconds < 0 {
		return nil, newError(KindInvalidConfig, OpRestore, contentID, "min remaining seconds must not be negative", nil)
	}
	unlock, err := m.locks.Lock(ctx, contentID)
	if err != nil {
		return nil, wrap(OpRestore, contentID, err)
	}
	defer unlock()

	rec, err = m.store.Get(ctx, contentID)
	if err != nil {
		return nil, wrap(OpRestore, contentID, storageError("read key set", err))
	}

	if err := m.restoreIntoSession(ctx, rec, minRemainingSeconds); err != nil {
		return nil, wrap(OpRestore, contentID, err)
	}
	return rec, nil
}

func (m *Manager) restoreIntoSession(ctx context.Context, rec *store.Record, minRemainingSeconds int64) error {
	sess, err := m.openSession(ctx, rec.ContentID)
	if err != nil {
		return err
	}
	defer m.closeSession(ctx, sess)

	if err := m.engine.RestoreKeys(ctx, sess.Handle, rec.KeySet); err != nil {
		return engineError("restore keys", err)
	}
	validity, known, err := m.engine.RemainingValidity(ctx, sess.Handle)
	if err != nil {
		return engineError("remaining validity", err)
	}
	remaining := validity.LicenseSeconds
	if !known {
		// Fall back to the durations persisted at acquisition time.
		remaining, known = rec.RemainingSeconds(m.now())
	}
	if !known {
		return newError(KindLicenseExpiringTooSoon, "", "", "license validity is unknown", nil)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int64(telemetry.LicenseRemainingKey, remaining))
	if remaining < minRemainingSeconds {
		return expiringTooSoon(remaining, minRemainingSeconds)
	}
	return nil
}

// schemeInitData fetches and parses the manifest and returns the init data
// for the manager's protection system.
func (m *Manager) schemeInitData(ctx context.Context, manifestURI string) ([]byte, error) {
	body, err := m.manifests.Fetch(ctx, manifestURI)
	if err != nil {
		kind := classify(err)
		if kind == KindUnknown {
			kind = KindTransport
		}
		return nil, newError(kind, "", "", "fetch manifest", err)
	}
	parsed, err := manifest.Parse(manifestURI, body)
	if err != nil {
		return nil, newError(KindSchemeDataMissing, "", "", "parse manifest", err)
	}
	initData, err := parsed.InitData(m.systemID)
	if err != nil {
		return nil, newError(KindSchemeDataMissing, "", "",
			"no "+drm.SchemeName(m.systemID)+" protection data in manifest", err)
	}
	return initData, nil
}

// provision performs one provisioning round trip.
func (m *Manager) provision(ctx context.Context) (err error) {
	ctx, span := m.tracer.Start(ctx, "license."+OpProvision)
	defer span.End()
	defer func() {
		metrics.RecordProvisioning(err == nil)
		if err != nil {
			telemetry.RecordError(span, err, KindProvisioningFailed.String())
		}
	}()

	preq, err := m.engine.ProvisionRequest(ctx)
	if err != nil {
		return newError(KindProvisioningFailed, OpProvision, "", "provision request", err)
	}
	target := preq.DefaultURL
	if target == "" {
		target = m.opts.ProvisioningURL
	}
	resp, err := m.exchanger.Provision(ctx, target, preq.Data)
	if err != nil {
		return newError(KindProvisioningFailed, OpProvision, "", "provisioning exchange", err)
	}
	if len(resp) == 0 {
		return newError(KindProvisioningFailed, OpProvision, "", "provisioning response is empty", nil)
	}
	if err := m.engine.ProvideProvisionResponse(ctx, resp); err != nil {
		return newError(KindProvisioningFailed, OpProvision, "", "provide provisioning response", err)
	}
	logger := xglog.WithContext(ctx, m.logger)
	logger.Info().
		Str(xglog.FieldEvent, "license.provisioning.done").
		Msg("device provisioned")
	return nil
}

func (m *Manager) openSession(ctx context.Context, contentID string) (drm.Session, error) {
	handle, err := m.engine.OpenSession(ctx)
	if err != nil {
		return drm.Session{}, engineError("open session", err)
	}
	metrics.SessionOpened()
	trace.SpanFromContext(ctx).SetAttributes(attribute.String(telemetry.DRMSessionKey, handle))
	return drm.Session{Handle: handle, ContentID: contentID}, nil
}

// closeSession always runs, including after cancellation. Failures are
// logged and never replace the operation's result.
func (m *Manager) closeSession(ctx context.Context, sess drm.Session) {
	closeCtx := context.WithoutCancel(ctx)
	if err := m.engine.CloseSession(closeCtx, sess.Handle); err != nil {
		logger := xglog.WithContext(ctx, m.logger)
		logger.Warn().Err(err).
			Str(xglog.FieldEvent, "license.session.close_failed").
			Str(xglog.FieldSessionID, sess.Handle).
			Msg("failed to close DRM session")
	}
	metrics.SessionClosed()
}

// begin starts the span, logging context and metrics for an operation.
func (m *Manager) begin(ctx context.Context, op, contentID string, minRemaining int64) (context.Context, func(error)) {
	if ctx == nil {
		ctx = context.Background()
	}
	if contentID != "" {
		ctx = xglog.ContextWithContentID(ctx, contentID)
	}
	ctx, span := m.tracer.Start(ctx, "license."+op,
		trace.WithAttributes(telemetry.LicenseAttributes(op, contentID, minRemaining)...),
		trace.WithAttributes(attribute.String(telemetry.DRMSchemeKey, drm.SchemeName(m.systemID))))
	start := time.Now()

	return ctx, func(err error) {
		defer span.End()
		outcome := "ok"
		logger := xglog.WithContext(ctx, m.logger)
		if err != nil {
			kind := KindOf(err)
			outcome = kind.String()
			telemetry.RecordError(span, err, outcome)
			logger.Warn().Err(err).
				Str(xglog.FieldEvent, "license."+op+".failed").
				Str(xglog.FieldOperation, op).
				Str(xglog.FieldErrorKind, outcome).
				Int("code", kind.Code()).
				Dur("duration", time.Since(start)).
				Msg("license operation failed")
		} else {
			logger.Info().
				Str(xglog.FieldEvent, "license."+op+".done").
				Str(xglog.FieldOperation, op).
				Dur("duration", time.Since(start)).
				Msg("license operation completed")
		}
		metrics.ObserveLicenseOperation(op, outcome, time.Since(start))
	}
}

func validateRequest(req Request) error {
	switch {
	case req.ContentID == "":
		return newError(KindInvalidConfig, OpAcquire, "", "content id is required", nil)
	case req.LicenseServerURI == "":
		return newError(KindInvalidConfig, OpAcquire, req.ContentID, "license server uri is required", nil)
	case req.MinRemainingSeconds < 0:
		return newError(KindInvalidConfig, OpAcquire, req.ContentID, "min remaining seconds must not be negative", nil)
	}
	return nil
}

func engineError(step string, err error) error {
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	kind := classify(err)
	if kind == KindUnknown {
		kind = KindEngineRejected
	}
	return newError(kind, "", "", step, err)
}

func storageError(step string, err error) error {
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	kind := classify(err)
	if kind == KindUnknown {
		kind = KindStorage
	}
	return newError(kind, "", "", step, err)
}

func expiringTooSoon(remaining, minimum int64) error {
	return newError(KindLicenseExpiringTooSoon, "", "", "", &validityError{remaining: remaining, minimum: minimum})
}

type validityError struct{ remaining, minimum int64 }

func (e *validityError) Error() string {
	return "remaining " + formatSeconds(e.remaining) + " below required " + formatSeconds(e.minimum)
}

func formatSeconds(s int64) string {
	return (time.Duration(s) * time.Second).String()
}
