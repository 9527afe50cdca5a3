// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manifest

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KeyTag is a parsed #EXT-X-KEY or #EXT-X-SESSION-KEY line.
type KeyTag struct {
	Session   bool
	Method    string
	URI       string
	KeyFormat string
	KeyID     string
}

// Timeline summarises the segment timeline of a media playlist.
type Timeline struct {
	Segments      int
	TotalDuration time.Duration
	LastDuration  time.Duration
	HasPDT        bool
	FirstPDT      time.Time
	LastPDT       time.Time
	// IsVOD is set by #EXT-X-PLAYLIST-TYPE:VOD or #EXT-X-ENDLIST.
	IsVOD bool
}

// Playlist is a parsed HLS master or media playlist.
type Playlist struct {
	Master   bool
	Variants []string
	Keys     []KeyTag
	Timeline Timeline
}

// ParseHLS scans a playlist for key tags, variant streams and the segment
// timeline. Program-date-time values must be monotonic, and a live playlist
// must label either all segments or none.
func ParseHLS(body []byte) (*Playlist, error) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	pl := &Playlist{}
	tl := &pl.Timeline

	var (
		nextDuration    time.Duration
		nextPDT         time.Time
		lastPDT         time.Time
		segmentsWithPDT int
		expectVariant   bool
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:"):
			if strings.TrimPrefix(line, "#EXT-X-PLAYLIST-TYPE:") == "VOD" {
				tl.IsVOD = true
			}
			continue
		case line == "#EXT-X-ENDLIST":
			tl.IsVOD = true
			continue
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			pl.Master = true
			expectVariant = true
			continue
		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			pl.Keys = append(pl.Keys, parseKeyTag(strings.TrimPrefix(line, "#EXT-X-KEY:"), false))
			continue
		case strings.HasPrefix(line, "#EXT-X-SESSION-KEY:"):
			pl.Keys = append(pl.Keys, parseKeyTag(strings.TrimPrefix(line, "#EXT-X-SESSION-KEY:"), true))
			continue
		case strings.HasPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"):
			pdtStr := strings.TrimPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:")
			t, err := time.Parse(time.RFC3339Nano, pdtStr)
			if err != nil {
				return nil, fmt.Errorf("manifest: invalid PDT format: %s", pdtStr)
			}
			if !lastPDT.IsZero() && t.Before(lastPDT) {
				return nil, fmt.Errorf("manifest: PDT non-monotonic: %v < %v", t, lastPDT)
			}
			nextPDT = t
			lastPDT = t
			continue
		case strings.HasPrefix(line, "#EXTINF:"):
			durPart := strings.TrimPrefix(line, "#EXTINF:")
			if idx := strings.Index(durPart, ","); idx != -1 {
				durPart = durPart[:idx]
			}
			secs, err := strconv.ParseFloat(durPart, 64)
			if err != nil {
				return nil, fmt.Errorf("manifest: invalid EXTINF duration: %s", durPart)
			}
			nextDuration = time.Duration(secs * float64(time.Second))
			continue
		case strings.HasPrefix(line, "#"):
			continue
		}

		// URI line
		if expectVariant {
			pl.Variants = append(pl.Variants, line)
			expectVariant = false
			continue
		}
		tl.Segments++
		tl.TotalDuration += nextDuration
		tl.LastDuration = nextDuration
		if !nextPDT.IsZero() {
			segmentsWithPDT++
			if tl.FirstPDT.IsZero() {
				tl.FirstPDT = nextPDT
			}
			tl.LastPDT = nextPDT
		}
		nextDuration = 0
		nextPDT = time.Time{}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	tl.HasPDT = segmentsWithPDT > 0
	if !pl.Master && !tl.IsVOD && tl.HasPDT && segmentsWithPDT != tl.Segments {
		return nil, fmt.Errorf("manifest: partial PDT coverage in live playlist (found %d/%d)", segmentsWithPDT, tl.Segments)
	}
	return pl, nil
}

// Manifest converts key tags that carry urn:uuid key formats into protections.
// Only data: URIs carry init data; other URIs are kept as license URLs.
func (pl *Playlist) Manifest() *Manifest {
	m := &Manifest{Format: FormatHLS, Live: !pl.Master && !pl.Timeline.IsVOD}
	for _, k := range pl.Keys {
		if strings.EqualFold(k.Method, "NONE") || !strings.HasPrefix(strings.ToLower(k.KeyFormat), "urn:uuid:") {
			continue
		}
		systemID, err := uuid.Parse(k.KeyFormat)
		if err != nil {
			continue
		}

		p := Protection{SystemID: systemID}
		if kid, ok := parseHexKeyID(k.KeyID); ok {
			p.KeyIDs = []uuid.UUID{kid}
		}
		if data, ok := decodeDataURI(k.URI); ok {
			if parsed, err := ParsePSSH(data); err == nil && parsed.SystemID == systemID {
				p.InitData = data
				p.KeyIDs = appendUnique(p.KeyIDs, parsed.KeyIDs...)
			}
		} else {
			p.LicenseURL = k.URI
		}
		m.addProtection(p)
	}
	return m
}

func parseKeyTag(attrs string, session bool) KeyTag {
	kv := parseAttributeList(attrs)
	return KeyTag{
		Session:   session,
		Method:    kv["METHOD"],
		URI:       kv["URI"],
		KeyFormat: kv["KEYFORMAT"],
		KeyID:     kv["KEYID"],
	}
}

// parseAttributeList splits an HLS attribute list, honouring quoted values
// that contain commas.
func parseAttributeList(s string) map[string]string {
	out := make(map[string]string)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]

		var val string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				val, s = s[1:], ""
			} else {
				val, s = s[1:end+1], s[end+2:]
			}
			if i := strings.IndexByte(s, ','); i >= 0 {
				s = s[i+1:]
			} else {
				s = ""
			}
		} else if i := strings.IndexByte(s, ','); i >= 0 {
			val, s = s[:i], s[i+1:]
		} else {
			val, s = s, ""
		}
		out[strings.ToUpper(key)] = strings.TrimSpace(val)
	}
	return out
}

func decodeDataURI(uri string) ([]byte, bool) {
	if !strings.HasPrefix(uri, "data:") {
		return nil, false
	}
	meta, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, false
	}
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, false
	}
	return b, true
}

func parseHexKeyID(s string) (uuid.UUID, bool) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 32 {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
