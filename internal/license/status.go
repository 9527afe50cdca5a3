// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package license

import (
	"context"
	"time"

	xglog "github.com/ManuGH/xoffline/internal/log"
	"github.com/ManuGH/xoffline/internal/metrics"
	"github.com/ManuGH/xoffline/internal/store"
)

// Status is the offline view of a stored license, computed from persisted
// metadata without opening a DRM session.
type Status struct {
	ContentID           string    `json:"content_id"`
	AcquiredAt          time.Time `json:"acquired_at"`
	ExpiresAt           time.Time `json:"expires_at,omitzero"`
	RemainingSeconds    int64     `json:"remaining_seconds"`
	MinRemainingSeconds int64     `json:"min_remaining_seconds"`
	// Known is false when the license carries no expiry information.
	Known bool `json:"known"`
	// Usable reports whether the license still satisfies the minimum
	// remaining validity requested at acquisition.
	Usable bool `json:"usable"`
}

// Status reports the offline status of the license stored for contentID.
func (m *Manager) Status(ctx context.Context, contentID string) (Status, error) {
	if contentID == "" {
		return Status{}, newError(KindInvalidConfig, OpStatus, "", "content id is required", nil)
	}
	rec, err := m.store.Get(ctx, contentID)
	if err != nil {
		return Status{}, wrap(OpStatus, contentID, storageError("read key set", err))
	}
	return statusOf(rec, m.now()), nil
}

// List reports the status of every stored license, skipping records that
// disappear or cannot be read during the enumeration.
func (m *Manager) List(ctx context.Context) ([]Status, error) {
	ids, err := m.store.ListIDs(ctx)
	if err != nil {
		return nil, wrap(OpStatus, "", storageError("list licenses", err))
	}
	metrics.SetStoredLicenses(len(ids))

	now := m.now()
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		rec, err := m.store.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, wrap(OpStatus, id, ctx.Err())
			}
			m.logger.Debug().Err(err).Str(xglog.FieldContentID, id).Msg("skipping unreadable license")
			continue
		}
		out = append(out, statusOf(rec, now))
	}
	return out, nil
}

func statusOf(rec *store.Record, now time.Time) Status {
	st := Status{
		ContentID:           rec.ContentID,
		AcquiredAt:          rec.AcquiredAt,
		MinRemainingSeconds: rec.MinRemainingSeconds,
	}
	if exp, ok := rec.ExpiresAt(); ok {
		st.ExpiresAt = exp
		st.RemainingSeconds, st.Known = rec.RemainingSeconds(now)
		st.Usable = st.RemainingSeconds >= rec.MinRemainingSeconds
	}
	return st
}
