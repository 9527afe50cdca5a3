// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package license

import (
	"context"
	"errors"

	"github.com/ManuGH/xoffline/internal/drm"
	xglog "github.com/ManuGH/xoffline/internal/log"
	"github.com/ManuGH/xoffline/internal/metrics"
	"github.com/ManuGH/xoffline/internal/store"
)

// ReleaseOptions control how licenses are released.
type ReleaseOptions struct {
	// LicenseServerURI receives the release request. Empty falls back to the
	// manager default; when both are empty only the local record is deleted.
	LicenseServerURI string
	RequestHeaders   map[string]string
	// StopOnServerFailure keeps the local record (and, for ReleaseAll, stops
	// the enumeration) when the server release fails.
	StopOnServerFailure bool
}

// ReleaseResult describes a completed release.
type ReleaseResult struct {
	ContentID string
	// ServerReleased is true when the server acknowledged the release.
	ServerReleased bool
	// ServerErr is the server failure tolerated under best-effort policy.
	ServerErr error
}

// Release revokes the license for contentID on the server when one is
// configured and deletes the local record.
func (m *Manager) Release(ctx context.Context, contentID string, opts ReleaseOptions) (res ReleaseResult, err error) {
	ctx, finish := m.begin(ctx, OpRelease, contentID, 0)
	defer func() { finish(err) }()

	if contentID == "" {
		return ReleaseResult{}, newError(KindInvalidConfig, OpRelease, "", "content id is required", nil)
	}
	opts = m.releaseDefaults(opts)

	unlock, err := m.locks.Lock(ctx, contentID)
	if err != nil {
		return ReleaseResult{ContentID: contentID}, wrap(OpRelease, contentID, err)
	}
	defer unlock()

	// An unknown id is reported as such whatever the server policy.
	rec, err := m.store.Get(ctx, contentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ReleaseResult{ContentID: contentID}, newError(KindNotFound, OpRelease, contentID, "no stored license", err)
	case err != nil && opts.LicenseServerURI != "":
		err = storageError("read key set", err)
		if opts.StopOnServerFailure {
			return ReleaseResult{ContentID: contentID}, wrap(OpRelease, contentID, err)
		}
		logger := xglog.WithContext(ctx, m.logger)
		logger.Warn().Err(err).
			Str(xglog.FieldEvent, "license.release.unreadable").
			Msg("stored license unreadable, deleting local record only")
		rec = nil
	case err != nil, opts.LicenseServerURI == "":
		rec = nil
	}
	res, err = m.releaseLocked(ctx, contentID, rec, opts)
	return res, wrap(OpRelease, contentID, err)
}

// ReleaseAll releases every stored license. With StopOnServerFailure the
// first server failure aborts the run and later records stay untouched;
// otherwise the run continues and the last failure is returned. Records that
// cannot be read are skipped with a warning.
func (m *Manager) ReleaseAll(ctx context.Context, opts ReleaseOptions) (err error) {
	ctx, finish := m.begin(ctx, OpReleaseAll, "", 0)
	defer func() { finish(err) }()

	opts = m.releaseDefaults(opts)
	logger := xglog.WithContext(ctx, m.logger)

	ids, err := m.store.ListIDs(ctx)
	if err != nil {
		return wrap(OpReleaseAll, "", storageError("list licenses", err))
	}
	metrics.SetStoredLicenses(len(ids))

	var lastErr error
	released := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return wrap(OpReleaseAll, "", err)
		}
		res, err := m.releaseOne(ctx, id, opts)
		if err != nil {
			if KindOf(err) == KindStorage || ctx.Err() != nil {
				// Local failures abort regardless of the server policy.
				return wrap(OpReleaseAll, id, err)
			}
			if opts.StopOnServerFailure {
				return wrap(OpReleaseAll, id, err)
			}
			lastErr = wrap(OpReleaseAll, id, err)
			continue
		}
		if res.ServerErr != nil {
			lastErr = wrap(OpReleaseAll, id, res.ServerErr)
		}
		if res.ContentID != "" {
			released++
		}
	}

	remaining := len(ids) - released
	metrics.SetStoredLicenses(remaining)
	logger.Info().
		Str(xglog.FieldEvent, "license.release_all.summary").
		Int("released", released).
		Int("total", len(ids)).
		Msg("release of all licenses finished")
	return lastErr
}

// releaseOne handles one ReleaseAll entry. An empty result with a nil error
// means the record was unreadable and skipped.
func (m *Manager) releaseOne(ctx context.Context, contentID string, opts ReleaseOptions) (ReleaseResult, error) {
	ctx = xglog.ContextWithContentID(ctx, contentID)
	unlock, err := m.locks.Lock(ctx, contentID)
	if err != nil {
		return ReleaseResult{}, err
	}
	defer unlock()

	var rec *store.Record
	if opts.LicenseServerURI != "" {
		rec, err = m.store.Get(ctx, contentID)
		if err != nil {
			logger := xglog.WithContext(ctx, m.logger)
			logger.Warn().Err(err).
				Str(xglog.FieldEvent, "license.release_all.skip").
				Msg("stored license cannot be read, skipping")
			return ReleaseResult{}, nil
		}
	}
	return m.releaseLocked(ctx, contentID, rec, opts)
}

// releaseLocked runs with the content lock held. rec is nil when no server
// release should be attempted.
func (m *Manager) releaseLocked(ctx context.Context, contentID string, rec *store.Record, opts ReleaseOptions) (ReleaseResult, error) {
	res := ReleaseResult{ContentID: contentID}
	logger := xglog.WithContext(ctx, m.logger)

	if rec != nil {
		if err := m.releaseOnServer(ctx, rec, opts); err != nil {
			if opts.StopOnServerFailure {
				return ReleaseResult{}, err
			}
			logger.Warn().Err(err).
				Str(xglog.FieldEvent, "license.release.server_failed").
				Msg("server release failed, deleting local record anyway")
			res.ServerErr = err
		} else {
			res.ServerReleased = true
		}
	}

	if err := m.store.Delete(ctx, contentID); err != nil {
		return ReleaseResult{}, storageError("delete key set", err)
	}
	logger.Info().
		Str(xglog.FieldEvent, "license.release.deleted").
		Bool("server_released", res.ServerReleased).
		Msg("license record deleted")
	return res, nil
}

// releaseOnServer exchanges a RELEASE key request for rec's key set.
func (m *Manager) releaseOnServer(ctx context.Context, rec *store.Record, opts ReleaseOptions) error {
	sess, err := m.openSession(ctx, rec.ContentID)
	if err != nil {
		return err
	}
	defer m.closeSession(ctx, sess)

	keyReq, err := m.engine.KeyRequest(ctx, drm.KeyRequestParams{
		Handle: sess.Handle,
		Type:   drm.KeyTypeRelease,
		KeySet: rec.KeySet,
	})
	if err != nil {
		return engineError("release key request", err)
	}
	resp, err := m.exchanger.Exchange(ctx, Exchange{
		Purpose: PurposeRelease,
		URL:     opts.LicenseServerURI,
		Body:    keyReq.Data,
		Headers: opts.RequestHeaders,
	})
	if err != nil {
		return err
	}
	if len(resp) == 0 {
		return newError(KindServerResponseEmpty, "", "", "server response is empty", nil)
	}
	if _, err := m.engine.ProvideKeyResponse(ctx, sess.Handle, resp); err != nil {
		return engineError("provide release response", err)
	}
	return nil
}

func (m *Manager) releaseDefaults(opts ReleaseOptions) ReleaseOptions {
	if opts.LicenseServerURI == "" {
		opts.LicenseServerURI = m.opts.LicenseServerURI
	}
	return opts
}
