// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package downloads

import (
	"net/url"
	"strings"
)

// Kind is the transfer strategy a URI needs.
type Kind string

const (
	// KindStream is a segmented adaptive stream addressed by a manifest.
	KindStream Kind = "stream"
	// KindBinary is a single file fetched as one body.
	KindBinary Kind = "binary"
	// KindInvalid cannot be downloaded.
	KindInvalid Kind = "invalid"
)

// ContentKind classifies uri with the default policy.
func ContentKind(uri string) Kind {
	return DefaultPolicy().ContentKind(uri)
}

// ContentKind classifies uri. Only absolute http(s) and file URIs are
// downloadable; a path without a file name is not.
func (p Policy) ContentKind(uri string) Kind {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return KindInvalid
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return KindInvalid
		}
	case "file":
	default:
		return KindInvalid
	}
	if u.Path == "" || strings.HasSuffix(u.Path, "/") {
		return KindInvalid
	}
	if p.IsManifest(u.String()) {
		return KindStream
	}
	return KindBinary
}
