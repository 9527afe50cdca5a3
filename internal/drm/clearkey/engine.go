// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package clearkey is a software DRM engine speaking the W3C Clear Key
// license exchange. It backs the CLI and tests where no platform engine exists.
//
// Key-set identifiers are self-contained: they carry the persisted keys and
// their expiry, so the license store is the only persistence involved.
package clearkey

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/xoffline/internal/drm"
	"github.com/ManuGH/xoffline/internal/manifest"
)

const (
	licenseTypePersistent = "persistent-license"
	licenseTypeRelease    = "persistent-license-release"
)

// JWK is one symmetric key as carried in a Clear Key license.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	K   string `json:"k"`
}

// LicenseRequest is the JSON body sent to a Clear Key license server.
type LicenseRequest struct {
	Kids []string `json:"kids"`
	Type string   `json:"type"`
}

// LicenseResponse is the JSON body returned by a Clear Key license server.
// ExpiresIn and PlaybackDuration are seconds; zero means unlimited.
type LicenseResponse struct {
	Keys             []JWK  `json:"keys"`
	Type             string `json:"type,omitempty"`
	ExpiresIn        int64  `json:"expires_in,omitempty"`
	PlaybackDuration int64  `json:"playback_duration,omitempty"`
}

// keySet is the persisted form of an offline license.
type keySet struct {
	Version          int   `json:"v"`
	Keys             []JWK `json:"keys"`
	ExpiresAt        int64 `json:"expires_at,omitempty"`
	PlaybackDuration int64 `json:"playback_duration,omitempty"`
}

type session struct {
	pending *LicenseRequest
	loaded  *keySet
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for validity computations.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithProvisioning makes the engine start unprovisioned: sessions fail with
// drm.ErrNotProvisioned until a provisioning response has been provided.
func WithProvisioning(provisioningURL string) Option {
	return func(e *Engine) {
		e.provisioned = false
		e.provisioningURL = provisioningURL
	}
}

// WithLicenseURL sets the default URL returned with key requests.
func WithLicenseURL(u string) Option {
	return func(e *Engine) { e.licenseURL = u }
}

// Engine implements drm.Engine.
type Engine struct {
	mu              sync.Mutex
	now             func() time.Time
	provisioned     bool
	provisioningURL string
	licenseURL      string
	nonce           string
	sessions        map[string]*session
}

var _ drm.Engine = (*Engine)(nil)

// New returns a provisioned engine unless WithProvisioning is supplied.
func New(opts ...Option) *Engine {
	e := &Engine{
		now:         time.Now,
		provisioned: true,
		sessions:    make(map[string]*session),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) SystemID() uuid.UUID { return drm.ClearKeySystemID }

func (e *Engine) OpenSession(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.provisioned {
		return "", drm.ErrNotProvisioned
	}
	handle := uuid.NewString()
	e.sessions[handle] = &session{}
	return handle, nil
}

func (e *Engine) CloseSession(_ context.Context, handle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[handle]; !ok {
		return fmt.Errorf("%w: %s", drm.ErrSessionNotFound, handle)
	}
	delete(e.sessions, handle)
	return nil
}

// OpenSessions reports the number of sessions not yet closed.
func (e *Engine) OpenSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *Engine) ProvisionRequest(ctx context.Context) (drm.Request, error) {
	if err := ctx.Err(); err != nil {
		return drm.Request{}, err
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return drm.Request{}, fmt.Errorf("clearkey: nonce: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nonce = base64.RawURLEncoding.EncodeToString(buf)
	return drm.Request{Data: []byte(e.nonce), DefaultURL: e.provisioningURL}, nil
}

// ProvideProvisionResponse accepts any non-empty response once a provisioning
// request has been issued.
func (e *Engine) ProvideProvisionResponse(_ context.Context, response []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.nonce == "" {
		return fmt.Errorf("%w: no provisioning request outstanding", drm.ErrRejected)
	}
	if len(response) == 0 {
		return fmt.Errorf("%w: empty provisioning response", drm.ErrRejected)
	}
	e.nonce = ""
	e.provisioned = true
	return nil
}

func (e *Engine) KeyRequest(ctx context.Context, p drm.KeyRequestParams) (drm.Request, error) {
	if err := ctx.Err(); err != nil {
		return drm.Request{}, err
	}

	var req LicenseRequest
	switch p.Type {
	case drm.KeyTypeOffline:
		kids, err := keyIDsFromInitData(p.InitData)
		if err != nil {
			return drm.Request{}, err
		}
		req = LicenseRequest{Kids: kids, Type: licenseTypePersistent}
	case drm.KeyTypeRelease:
		ks, err := decodeKeySet(p.KeySet)
		if err != nil {
			return drm.Request{}, err
		}
		req = LicenseRequest{Type: licenseTypeRelease}
		for _, k := range ks.Keys {
			req.Kids = append(req.Kids, k.Kid)
		}
	default:
		return drm.Request{}, fmt.Errorf("%w: key type %v", drm.ErrRejected, p.Type)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[p.Handle]
	if !ok {
		return drm.Request{}, fmt.Errorf("%w: %s", drm.ErrSessionNotFound, p.Handle)
	}
	if !e.provisioned {
		return drm.Request{}, drm.ErrNotProvisioned
	}
	s.pending = &req

	body, err := json.Marshal(req)
	if err != nil {
		return drm.Request{}, fmt.Errorf("clearkey: encode request: %w", err)
	}
	return drm.Request{Data: body, DefaultURL: e.licenseURL}, nil
}

func (e *Engine) ProvideKeyResponse(_ context.Context, handle string, response []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", drm.ErrSessionNotFound, handle)
	}
	if s.pending == nil {
		return nil, fmt.Errorf("%w: no key request outstanding", drm.ErrRejected)
	}
	pending := s.pending
	s.pending = nil

	var resp LicenseResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed license: %v", drm.ErrRejected, err)
	}

	if pending.Type == licenseTypeRelease {
		s.loaded = nil
		return nil, nil
	}

	keys := make([]JWK, 0, len(resp.Keys))
	for _, k := range resp.Keys {
		if k.Kty != "oct" || k.Kid == "" || k.K == "" {
			return nil, fmt.Errorf("%w: invalid key entry for kid %q", drm.ErrRejected, k.Kid)
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	ks := &keySet{Version: 1, Keys: keys, PlaybackDuration: resp.PlaybackDuration}
	if resp.ExpiresIn > 0 {
		ks.ExpiresAt = e.now().Unix() + resp.ExpiresIn
	}
	s.loaded = ks
	return json.Marshal(ks)
}

func (e *Engine) RestoreKeys(ctx context.Context, handle string, keySet []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ks, err := decodeKeySet(keySet)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[handle]
	if !ok {
		return fmt.Errorf("%w: %s", drm.ErrSessionNotFound, handle)
	}
	s.loaded = ks
	return nil
}

func (e *Engine) RemainingValidity(_ context.Context, handle string) (drm.Validity, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[handle]
	if !ok {
		return drm.Validity{}, false, fmt.Errorf("%w: %s", drm.ErrSessionNotFound, handle)
	}
	if s.loaded == nil || s.loaded.ExpiresAt == 0 {
		return drm.Validity{}, false, nil
	}
	remaining := max(s.loaded.ExpiresAt-e.now().Unix(), 0)
	playback := s.loaded.PlaybackDuration
	if playback == 0 || playback > remaining {
		playback = remaining
	}
	return drm.Validity{LicenseSeconds: remaining, PlaybackSeconds: playback}, true, nil
}

func decodeKeySet(b []byte) (*keySet, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty key set", drm.ErrRejected)
	}
	var ks keySet
	if err := json.Unmarshal(b, &ks); err != nil || ks.Version != 1 || len(ks.Keys) == 0 {
		return nil, fmt.Errorf("%w: unrecognised key set", drm.ErrRejected)
	}
	return &ks, nil
}

// keyIDsFromInitData accepts a pssh box carrying key IDs or W3C "keyids" JSON
// init data and returns base64url key IDs.
func keyIDsFromInitData(initData []byte) ([]string, error) {
	if len(initData) == 0 {
		return nil, fmt.Errorf("%w: empty init data", drm.ErrRejected)
	}
	if initData[0] == '{' {
		var kd struct {
			Kids []string `json:"kids"`
		}
		if err := json.Unmarshal(initData, &kd); err != nil || len(kd.Kids) == 0 {
			return nil, fmt.Errorf("%w: invalid keyids init data", drm.ErrRejected)
		}
		return kd.Kids, nil
	}

	box, err := manifest.ParsePSSH(initData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", drm.ErrRejected, err)
	}
	if !drm.Matches(drm.ClearKeySystemID, box.SystemID) {
		return nil, fmt.Errorf("%w: pssh for system %s", drm.ErrUnsupportedScheme, box.SystemID)
	}
	if len(box.KeyIDs) == 0 {
		return nil, fmt.Errorf("%w: pssh carries no key ids", drm.ErrRejected)
	}
	kids := make([]string, len(box.KeyIDs))
	for i, kid := range box.KeyIDs {
		kids[i] = EncodeKeyID(kid)
	}
	return kids, nil
}

// EncodeKeyID renders a key ID the way Clear Key JSON carries it.
func EncodeKeyID(kid uuid.UUID) string {
	return base64.RawURLEncoding.EncodeToString(kid[:])
}
