// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package license

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuGH/xoffline/internal/drm"
	"github.com/ManuGH/xoffline/internal/manifest"
	"github.com/ManuGH/xoffline/internal/store"
)

// Kind classifies a license failure. Kinds are errors themselves, so callers
// can test with errors.Is(err, license.KindTimeout).
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindTimeout
	KindEngineRejected
	KindNotProvisioned
	KindProvisioningFailed
	KindSchemeDataMissing
	KindKeySetEmpty
	KindServerResponseEmpty
	KindLicenseExpiringTooSoon
	KindNotFound
	KindInvalidConfig
	KindInvalidMessage
	KindMessageNotPersistent
	KindStorage
	KindCanceled
)

var kindNames = map[Kind]string{
	KindUnknown:                "unknown",
	KindTransport:              "transport",
	KindTimeout:                "timeout",
	KindEngineRejected:         "engine_rejected",
	KindNotProvisioned:         "not_provisioned",
	KindProvisioningFailed:     "provisioning_failed",
	KindSchemeDataMissing:      "scheme_data_missing",
	KindKeySetEmpty:            "key_set_empty",
	KindServerResponseEmpty:    "server_response_empty",
	KindLicenseExpiringTooSoon: "license_expiring_too_soon",
	KindNotFound:               "not_found",
	KindInvalidConfig:          "invalid_config",
	KindInvalidMessage:         "invalid_message",
	KindMessageNotPersistent:   "message_not_persistent",
	KindStorage:                "storage",
	KindCanceled:               "canceled",
}

// kindCodes are the numeric codes reported to embedding applications.
// 302 is the catch-all for server and engine failures.
var kindCodes = map[Kind]int{
	KindSchemeDataMissing:      301,
	KindTransport:              302,
	KindEngineRejected:         302,
	KindKeySetEmpty:            302,
	KindServerResponseEmpty:    302,
	KindUnknown:                302,
	KindNotFound:               303,
	KindStorage:                304,
	KindTimeout:                305,
	KindCanceled:               305,
	KindInvalidMessage:         306,
	KindMessageNotPersistent:   307,
	KindLicenseExpiringTooSoon: 308,
	KindNotProvisioned:         309,
	KindProvisioningFailed:     309,
	KindInvalidConfig:          400,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Code returns the numeric error code for k.
func (k Kind) Code() int {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return 302
}

func (k Kind) Error() string { return "license: " + k.String() }

// Error is a license failure with operation context.
type Error struct {
	Kind      Kind
	Op        string
	ContentID string
	Detail    string
	Err       error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("license: %s", e.Op)
	if e.ContentID != "" {
		msg = fmt.Sprintf("%s %q", msg, e.ContentID)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Kind.String())
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Code returns the numeric code of the error's kind.
func (e *Error) Code() int { return e.Kind.Code() }

// KindOf extracts the Kind of err. Context errors are classified even when
// they were not wrapped by this package.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindUnknown
}

func newError(kind Kind, op, contentID, detail string, cause error) *Error {
	return &Error{Kind: kind, Op: op, ContentID: contentID, Detail: detail, Err: cause}
}

// wrap attaches op and contentID to err, keeping an existing Kind or
// deriving one from the cause.
func wrap(op, contentID string, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		if le.Op == "" || le.ContentID == "" {
			c := *le
			if c.Op == "" {
				c.Op = op
			}
			if c.ContentID == "" {
				c.ContentID = contentID
			}
			return &c
		}
		return err
	}
	return newError(classify(err), op, contentID, "", err)
}

// classify maps errors from the engine, store and manifest layers to a Kind.
func classify(err error) Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, drm.ErrNotProvisioned):
		return KindNotProvisioned
	case errors.Is(err, drm.ErrUnsupportedScheme),
		errors.Is(err, manifest.ErrNoSchemeData),
		errors.Is(err, manifest.ErrUnknownFormat):
		return KindSchemeDataMissing
	case errors.Is(err, drm.ErrRejected), errors.Is(err, drm.ErrSessionNotFound):
		return KindEngineRejected
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, store.ErrEmptyKeySet):
		return KindKeySetEmpty
	}
	var se *manifest.StatusError
	if errors.As(err, &se) {
		return KindTransport
	}
	return KindUnknown
}
