// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manifest

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/xoffline/internal/drm"
)

func TestParsePSSH_KnownBoxes(t *testing.T) {
	wv, err := ParsePSSH(widevineBox)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), wv.Version)
	assert.Equal(t, drm.WidevineSystemID, wv.SystemID)
	assert.Empty(t, wv.KeyIDs)
	assert.Equal(t, append([]byte{0x12, 0x10}, testKID[:]...), wv.Data)

	ck, err := ParsePSSH(clearKeyBox)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), ck.Version)
	assert.Equal(t, drm.CommonSystemID, ck.SystemID)
	assert.Equal(t, []uuid.UUID{testKID}, ck.KeyIDs)
	assert.Nil(t, ck.Data)
}

func TestPSSH_MarshalRoundTrip(t *testing.T) {
	boxes := []PSSH{
		{Version: 0, SystemID: drm.PlayReadySystemID, Data: []byte("<WRMHEADER/>")},
		{Version: 1, SystemID: drm.CommonSystemID, KeyIDs: []uuid.UUID{testKID, uuid.New()}},
	}
	for _, box := range boxes {
		got, err := ParsePSSH(box.Marshal())
		require.NoError(t, err)
		if diff := cmp.Diff(box, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
	assert.Equal(t, clearKeyBox, PSSH{Version: 1, SystemID: drm.CommonSystemID, KeyIDs: []uuid.UUID{testKID}}.Marshal())
}

func TestParsePSSH_Malformed(t *testing.T) {
	tests := map[string][]byte{
		"short":         widevineBox[:20],
		"size mismatch": append(append([]byte{}, widevineBox...), 0),
		"wrong type":    func() []byte { b := append([]byte{}, widevineBox...); copy(b[4:8], "moov"); return b }(),
		"bad version":   func() []byte { b := append([]byte{}, widevineBox...); b[8] = 7; return b }(),
		"kid overflow":  func() []byte { b := append([]byte{}, clearKeyBox...); b[31] = 9; return b }(),
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePSSH(in)
			assert.ErrorIs(t, err, ErrInvalidPSSH)
		})
	}
}
