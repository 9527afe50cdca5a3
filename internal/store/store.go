// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package store persists offline license key sets keyed by content ID.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Get when no record exists for a content ID.
	ErrNotFound = errors.New("store: license record not found")
	// ErrEmptyKeySet is returned by Put for records without key material.
	ErrEmptyKeySet = errors.New("store: refusing to persist empty key set")
	// ErrEmptyContentID is returned by Put for records without a content ID.
	ErrEmptyContentID = errors.New("store: content id is required")
)

// Record is a persisted offline license. KeySet is opaque to the store and
// round-trips byte-for-byte.
type Record struct {
	ContentID           string    `json:"content_id"`
	KeySet              []byte    `json:"key_set"`
	AcquiredAt          time.Time `json:"acquired_at"`
	MinRemainingSeconds int64     `json:"min_remaining_seconds"`
	// LicenseDurationSeconds and RenewalSeconds are the validity reported by
	// the engine at acquisition time. Zero means unknown.
	LicenseDurationSeconds int64 `json:"license_duration_seconds,omitempty"`
	RenewalSeconds         int64 `json:"renewal_seconds,omitempty"`
}

// ExpiresAt returns when the license stops being valid, computed from the
// persisted acquisition time and duration. ok is false when the duration is unknown.
func (r *Record) ExpiresAt() (time.Time, bool) {
	if r == nil || r.LicenseDurationSeconds <= 0 {
		return time.Time{}, false
	}
	return r.AcquiredAt.Add(time.Duration(r.LicenseDurationSeconds) * time.Second), true
}

// RemainingSeconds returns the persisted validity left at now.
// ok is false when the record carries no duration information.
func (r *Record) RemainingSeconds(now time.Time) (int64, bool) {
	exp, ok := r.ExpiresAt()
	if !ok {
		return 0, false
	}
	left := int64(exp.Sub(now) / time.Second)
	if left < 0 {
		left = 0
	}
	return left, true
}

// Clone returns a deep copy so callers never alias stored key material.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.KeySet = append([]byte(nil), r.KeySet...)
	return &c
}

// Store is a durable keyed license store. Writes for one content ID are
// atomic with respect to reads of the same ID.
type Store interface {
	// Get returns the record for contentID or ErrNotFound.
	Get(ctx context.Context, contentID string) (*Record, error)
	// Put creates or overwrites the record (last write wins).
	Put(ctx context.Context, rec *Record) error
	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, contentID string) error
	// ListIDs returns every stored content ID in ascending order.
	ListIDs(ctx context.Context) ([]string, error)
	Close() error
}

func validateRecord(rec *Record) error {
	if rec == nil {
		return errors.New("store: nil record")
	}
	if rec.ContentID == "" {
		return ErrEmptyContentID
	}
	if len(rec.KeySet) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyKeySet, rec.ContentID)
	}
	return nil
}

// encodeRecord is the value format shared by the badger, redis and file backends.
func encodeRecord(rec *Record) ([]byte, error) {
	normalized := *rec
	normalized.AcquiredAt = rec.AcquiredAt.UTC()
	data, err := json.Marshal(&normalized)
	if err != nil {
		return nil, fmt.Errorf("store: encode %s: %w", rec.ContentID, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store: decode record: %w", err)
	}
	return &rec, nil
}
