// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package manifest fetches adaptive-streaming manifests and extracts the
// content protection metadata a DRM engine needs to build a key request.
package manifest

import (
	"bytes"
	"errors"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/ManuGH/xoffline/internal/drm"
)

// Format is the manifest flavour.
type Format string

const (
	FormatDASH    Format = "dash"
	FormatHLS     Format = "hls"
	FormatUnknown Format = "unknown"
)

// MimeTypeCENC is the container mime type passed with CENC init data.
const MimeTypeCENC = "video/mp4"

var (
	// ErrUnknownFormat is returned when a manifest is neither DASH nor HLS.
	ErrUnknownFormat = errors.New("manifest: unknown format")
	// ErrNoSchemeData is returned when a manifest carries no protection data for the wanted system.
	ErrNoSchemeData = errors.New("manifest: no scheme data for system")
)

// Protection is one protection signal found in a manifest.
type Protection struct {
	SystemID uuid.UUID
	// InitData is a complete pssh box when present.
	InitData []byte
	// KeyIDs are the default key IDs signalled alongside the protection.
	KeyIDs []uuid.UUID
	// LicenseURL is a manifest-embedded license acquisition URL, if any.
	LicenseURL string
}

// Manifest is the protection-relevant view of a parsed manifest.
type Manifest struct {
	Format      Format
	Live        bool
	Protections []Protection
}

// DetectFormat picks the manifest format from the URI extension, then from
// the body when the extension is inconclusive.
func DetectFormat(uri string, body []byte) Format {
	p := uri
	if u, err := url.Parse(uri); err == nil && u.Path != "" {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".mpd":
		return FormatDASH
	case ".m3u8", ".m3u":
		return FormatHLS
	}

	trimmed := bytes.TrimSpace(body)
	switch {
	case bytes.HasPrefix(trimmed, []byte("#EXTM3U")):
		return FormatHLS
	case bytes.Contains(trimmed[:min(len(trimmed), 1024)], []byte("<MPD")):
		return FormatDASH
	}
	return FormatUnknown
}

// Parse extracts protection metadata from a manifest body.
func Parse(uri string, body []byte) (*Manifest, error) {
	switch DetectFormat(uri, body) {
	case FormatDASH:
		return ParseDASH(body)
	case FormatHLS:
		pl, err := ParseHLS(body)
		if err != nil {
			return nil, err
		}
		return pl.Manifest(), nil
	default:
		return nil, ErrUnknownFormat
	}
}

// InitData returns the init data for systemID. When the manifest has no
// explicit box for ClearKey, a common-system box is synthesised from the
// signalled default key IDs.
func (m *Manifest) InitData(systemID uuid.UUID) ([]byte, error) {
	for _, p := range m.Protections {
		if len(p.InitData) > 0 && drm.Matches(systemID, p.SystemID) {
			return p.InitData, nil
		}
	}
	if systemID == drm.ClearKeySystemID {
		if kids := m.DefaultKeyIDs(); len(kids) > 0 {
			return PSSH{Version: 1, SystemID: drm.CommonSystemID, KeyIDs: kids}.Marshal(), nil
		}
	}
	return nil, ErrNoSchemeData
}

// DefaultKeyIDs returns the distinct key IDs signalled anywhere in the manifest.
func (m *Manifest) DefaultKeyIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	for _, p := range m.Protections {
		for _, kid := range p.KeyIDs {
			if _, ok := seen[kid]; ok || kid == uuid.Nil {
				continue
			}
			seen[kid] = struct{}{}
			out = append(out, kid)
		}
	}
	return out
}

// addProtection appends p unless an identical system/init-data pair exists.
func (m *Manifest) addProtection(p Protection) {
	for i, existing := range m.Protections {
		if existing.SystemID == p.SystemID && bytes.Equal(existing.InitData, p.InitData) {
			m.Protections[i].KeyIDs = appendUnique(existing.KeyIDs, p.KeyIDs...)
			if existing.LicenseURL == "" {
				m.Protections[i].LicenseURL = p.LicenseURL
			}
			return
		}
	}
	m.Protections = append(m.Protections, p)
}

func appendUnique(dst []uuid.UUID, ids ...uuid.UUID) []uuid.UUID {
outer:
	for _, id := range ids {
		for _, have := range dst {
			if have == id {
				continue outer
			}
		}
		dst = append(dst, id)
	}
	return dst
}
