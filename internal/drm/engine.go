// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package drm defines the contract between the license lifecycle manager and
// a platform DRM engine. Engines own key material; callers only ever see
// opaque session handles, key requests and key-set identifiers.
package drm

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// KeyType selects the kind of key request to build.
type KeyType int

const (
	// KeyTypeOffline requests a persistable license.
	KeyTypeOffline KeyType = iota + 1
	// KeyTypeRelease asks the server to revoke a previously issued offline license.
	KeyTypeRelease
)

func (k KeyType) String() string {
	switch k {
	case KeyTypeOffline:
		return "offline"
	case KeyTypeRelease:
		return "release"
	default:
		return "unknown"
	}
}

// Session is an open engine session bound to one content item.
type Session struct {
	Handle    string
	ContentID string
}

// Validity is the remaining validity of the keys loaded in a session, in seconds.
type Validity struct {
	LicenseSeconds  int64
	PlaybackSeconds int64
}

// KeyRequestParams describes a key request. InitData and MimeType are used
// for offline requests; KeySet identifies the license to revoke for release requests.
type KeyRequestParams struct {
	Handle   string
	Type     KeyType
	InitData []byte
	MimeType string
	KeySet   []byte
}

// Request is an opaque engine message to forward to a server.
// DefaultURL is the engine-suggested endpoint and may be empty.
type Request struct {
	Data       []byte
	DefaultURL string
}

// Engine is a DRM engine. Implementations must be safe for concurrent use
// across distinct sessions.
type Engine interface {
	// SystemID identifies the protection system the engine implements.
	SystemID() uuid.UUID
	OpenSession(ctx context.Context) (string, error)
	CloseSession(ctx context.Context, handle string) error
	ProvisionRequest(ctx context.Context) (Request, error)
	ProvideProvisionResponse(ctx context.Context, response []byte) error
	KeyRequest(ctx context.Context, params KeyRequestParams) (Request, error)
	// ProvideKeyResponse loads a server response. For offline requests it
	// returns the key-set identifier; for release requests the result is empty.
	ProvideKeyResponse(ctx context.Context, handle string, response []byte) ([]byte, error)
	RestoreKeys(ctx context.Context, handle string, keySet []byte) error
	// RemainingValidity reports the validity of the keys loaded in handle.
	// ok is false when the engine has no validity information.
	RemainingValidity(ctx context.Context, handle string) (v Validity, ok bool, err error)
}

// Engine failures. Implementations wrap these so callers can classify with errors.Is.
var (
	ErrNotProvisioned    = errors.New("drm: device not provisioned")
	ErrRejected          = errors.New("drm: engine rejected operation")
	ErrUnsupportedScheme = errors.New("drm: unsupported scheme")
	ErrSessionNotFound   = errors.New("drm: session not found")
)
