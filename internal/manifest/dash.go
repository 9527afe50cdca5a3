// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manifest

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const schemeMP4Protection = "urn:mpeg:dash:mp4protection:2011"

type mpdDoc struct {
	XMLName            xml.Name            `xml:"MPD"`
	Type               string              `xml:"type,attr"`
	ContentProtections []contentProtection `xml:"ContentProtection"`
	Periods            []mpdPeriod         `xml:"Period"`
}

type mpdPeriod struct {
	AdaptationSets []mpdAdaptationSet `xml:"AdaptationSet"`
}

type mpdAdaptationSet struct {
	ContentProtections []contentProtection `xml:"ContentProtection"`
	Representations    []mpdRepresentation `xml:"Representation"`
}

type mpdRepresentation struct {
	ContentProtections []contentProtection `xml:"ContentProtection"`
}

type contentProtection struct {
	SchemeIDURI string   `xml:"schemeIdUri,attr"`
	DefaultKID  string   `xml:"urn:mpeg:cenc:2013 default_KID,attr"`
	PSSH        []string `xml:"urn:mpeg:cenc:2013 pssh"`
	LaURL       string   `xml:"https://dashif.org/CPS Laurl"`
}

// ParseDASH reads ContentProtection descriptors at MPD, AdaptationSet and
// Representation level. Descriptors with an unparseable pssh are rejected.
func ParseDASH(body []byte) (*Manifest, error) {
	var doc mpdDoc
	dec := xml.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("manifest: decode mpd: %w", err)
	}

	m := &Manifest{Format: FormatDASH, Live: strings.EqualFold(doc.Type, "dynamic")}

	var cps []contentProtection
	cps = append(cps, doc.ContentProtections...)
	for _, p := range doc.Periods {
		for _, as := range p.AdaptationSets {
			cps = append(cps, as.ContentProtections...)
			for _, r := range as.Representations {
				cps = append(cps, r.ContentProtections...)
			}
		}
	}

	for _, cp := range cps {
		if err := addDASHProtection(m, cp); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func addDASHProtection(m *Manifest, cp contentProtection) error {
	var kids []uuid.UUID
	for _, raw := range strings.Fields(cp.DefaultKID) {
		kid, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("manifest: invalid default_KID %q: %w", raw, err)
		}
		kids = append(kids, kid)
	}

	scheme := strings.ToLower(strings.TrimSpace(cp.SchemeIDURI))
	if scheme == schemeMP4Protection {
		if len(kids) > 0 {
			m.addProtection(Protection{KeyIDs: kids})
		}
		return nil
	}
	if !strings.HasPrefix(scheme, "urn:uuid:") {
		return nil
	}
	systemID, err := uuid.Parse(scheme)
	if err != nil {
		return fmt.Errorf("manifest: invalid schemeIdUri %q: %w", cp.SchemeIDURI, err)
	}

	laURL := strings.TrimSpace(cp.LaURL)
	if len(cp.PSSH) == 0 {
		m.addProtection(Protection{SystemID: systemID, KeyIDs: kids, LicenseURL: laURL})
		return nil
	}
	for _, b64 := range cp.PSSH {
		box, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
		if err != nil {
			return fmt.Errorf("manifest: pssh is not base64: %w", err)
		}
		parsed, err := ParsePSSH(box)
		if err != nil {
			return err
		}
		if parsed.SystemID != systemID {
			return fmt.Errorf("%w: pssh system %s under descriptor %s", ErrInvalidPSSH, parsed.SystemID, systemID)
		}
		m.addProtection(Protection{
			SystemID:   systemID,
			InitData:   box,
			KeyIDs:     appendUnique(kids, parsed.KeyIDs...),
			LicenseURL: laURL,
		})
	}
	return nil
}
