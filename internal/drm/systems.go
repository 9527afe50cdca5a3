// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package drm

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Well-known protection system IDs.
var (
	WidevineSystemID  = uuid.MustParse("edef8ba9-79d6-4ace-a3c8-27dcd51d21ed")
	PlayReadySystemID = uuid.MustParse("9a04f079-9840-4286-ab92-e65be0885f95")
	ClearKeySystemID  = uuid.MustParse("e2719d58-a985-b3c9-781a-b030af78d30e")
	// CommonSystemID is the W3C common PSSH system ID used by ClearKey key-ID boxes.
	CommonSystemID = uuid.MustParse("1077efec-c0b2-4d02-ace3-3c1e52e2fb4b")
)

var systemsByName = map[string]uuid.UUID{
	"widevine":  WidevineSystemID,
	"playready": PlayReadySystemID,
	"clearkey":  ClearKeySystemID,
}

// SystemIDForScheme maps a scheme name to its system ID.
func SystemIDForScheme(name string) (uuid.UUID, error) {
	id, ok := systemsByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, name)
	}
	return id, nil
}

// SchemeName returns the scheme name for a system ID, or the ID itself when unknown.
func SchemeName(id uuid.UUID) string {
	for name, sid := range systemsByName {
		if sid == id {
			return name
		}
	}
	if id == CommonSystemID {
		return "clearkey"
	}
	return id.String()
}

// Matches reports whether a manifest system ID satisfies the wanted one.
// ClearKey content may be signalled with either the ClearKey or the common ID.
func Matches(wanted, got uuid.UUID) bool {
	if wanted == got {
		return true
	}
	if wanted == ClearKeySystemID && got == CommonSystemID {
		return true
	}
	return false
}
