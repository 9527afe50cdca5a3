// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manifest

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/xoffline/internal/drm"
)

var (
	testKID = uuid.MustParse("10000000-1000-1000-1000-100000000001")

	widevineBox = mustB64("AAAAMnBzc2gAAAAA7e+LqXnWSs6jyCfc1R0h7QAAABISEBAAAAAQABAAEAAQAAAAAAE=")
	clearKeyBox = mustB64("AAAANHBzc2gBAAAAEHfv7MCyTQKs4zweUuL7SwAAAAEQAAAAEAAQABAAEAAAAAABAAAAAA==")
)

func mustB64(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return b
}

func TestParse_Fixtures(t *testing.T) {
	tests := []struct {
		fixture string
		want    *Manifest
	}{
		{
			fixture: "widevine.mpd",
			want: &Manifest{
				Format: FormatDASH,
				Protections: []Protection{
					{KeyIDs: []uuid.UUID{testKID}},
					{SystemID: drm.WidevineSystemID, InitData: widevineBox, LicenseURL: "https://license.example/widevine"},
				},
			},
		},
		{
			fixture: "clear.mpd",
			want:    &Manifest{Format: FormatDASH, Live: true},
		},
		{
			fixture: "clearkey.m3u8",
			want: &Manifest{
				Format: FormatHLS,
				Protections: []Protection{
					{SystemID: drm.CommonSystemID, InitData: clearKeyBox, KeyIDs: []uuid.UUID{testKID}},
				},
			},
		},
		{
			fixture: "master.m3u8",
			want: &Manifest{
				Format: FormatHLS,
				Protections: []Protection{
					{SystemID: drm.WidevineSystemID, KeyIDs: []uuid.UUID{testKID}, LicenseURL: "skd://key"},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.fixture, func(t *testing.T) {
			got, err := Parse("https://cdn.example/content/"+tt.fixture, readFixture(t, tt.fixture))
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Parse mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestManifest_InitData(t *testing.T) {
	wv, err := Parse("movie.mpd", readFixture(t, "widevine.mpd"))
	require.NoError(t, err)

	data, err := wv.InitData(drm.WidevineSystemID)
	require.NoError(t, err)
	assert.Equal(t, widevineBox, data)

	// ClearKey falls back to a box synthesised from default_KID.
	data, err = wv.InitData(drm.ClearKeySystemID)
	require.NoError(t, err)
	assert.Equal(t, clearKeyBox, data)

	_, err = wv.InitData(drm.PlayReadySystemID)
	assert.ErrorIs(t, err, ErrNoSchemeData)

	clear, err := Parse("clear.mpd", readFixture(t, "clear.mpd"))
	require.NoError(t, err)
	_, err = clear.InitData(drm.ClearKeySystemID)
	assert.ErrorIs(t, err, ErrNoSchemeData)

	hls, err := Parse("movie.m3u8", readFixture(t, "clearkey.m3u8"))
	require.NoError(t, err)
	data, err = hls.InitData(drm.ClearKeySystemID)
	require.NoError(t, err)
	assert.Equal(t, clearKeyBox, data)
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatDASH, DetectFormat("https://x/a/manifest.MPD?token=1", nil))
	assert.Equal(t, FormatHLS, DetectFormat("https://x/a/index.m3u8", nil))
	assert.Equal(t, FormatHLS, DetectFormat("https://x/play", []byte("\n#EXTM3U\n")))
	assert.Equal(t, FormatDASH, DetectFormat("https://x/play", []byte(`<?xml version="1.0"?><MPD>`)))
	assert.Equal(t, FormatUnknown, DetectFormat("https://x/video.mp4", []byte{0, 0, 0, 0x18}))

	_, err := Parse("https://x/video.mp4", []byte("binary"))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestParseHLS_Timeline(t *testing.T) {
	pl, err := ParseHLS(readFixture(t, "clearkey.m3u8"))
	require.NoError(t, err)
	want := Timeline{
		Segments:      3,
		TotalDuration: 16500 * time.Millisecond,
		LastDuration:  4500 * time.Millisecond,
		IsVOD:         true,
	}
	if diff := cmp.Diff(want, pl.Timeline); diff != "" {
		t.Errorf("timeline mismatch (-want +got):\n%s", diff)
	}
}

func TestParseHLS_Master(t *testing.T) {
	pl, err := ParseHLS(readFixture(t, "master.m3u8"))
	require.NoError(t, err)
	assert.True(t, pl.Master)
	assert.Equal(t, []string{"low/index.m3u8", "high/index.m3u8"}, pl.Variants)
	require.Len(t, pl.Keys, 2)
	assert.True(t, pl.Keys[0].Session)
	assert.Equal(t, "com.apple.streamingkeydelivery", pl.Keys[0].KeyFormat)
	assert.Equal(t, "0x10000000100010001000100000000001", pl.Keys[1].KeyID)
}

func TestParseHLS_Guards(t *testing.T) {
	_, err := ParseHLS(readFixture(t, "live_partial_pdt.m3u8"))
	assert.ErrorContains(t, err, "partial PDT coverage")

	_, err = ParseHLS([]byte("#EXTM3U\n#EXT-X-PROGRAM-DATE-TIME:2025-01-01T10:00:10Z\n#EXTINF:2,\na.ts\n#EXT-X-PROGRAM-DATE-TIME:2025-01-01T10:00:00Z\n#EXTINF:2,\nb.ts\n"))
	assert.ErrorContains(t, err, "non-monotonic")

	_, err = ParseHLS([]byte("#EXTM3U\n#EXTINF:abc,\na.ts\n"))
	assert.ErrorContains(t, err, "invalid EXTINF")
}

func TestParseAttributeList(t *testing.T) {
	got := parseAttributeList(`METHOD=SAMPLE-AES,URI="data:a,b",KEYFORMAT="urn:uuid:x",IV=0x01`)
	want := map[string]string{
		"METHOD":    "SAMPLE-AES",
		"URI":       "data:a,b",
		"KEYFORMAT": "urn:uuid:x",
		"IV":        "0x01",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("attributes mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDASH_RejectsMismatchedPSSH(t *testing.T) {
	body := []byte(`<MPD xmlns:cenc="urn:mpeg:cenc:2013"><Period><AdaptationSet>
<ContentProtection schemeIdUri="urn:uuid:9a04f079-9840-4286-ab92-e65be0885f95">
<cenc:pssh>AAAAMnBzc2gAAAAA7e+LqXnWSs6jyCfc1R0h7QAAABISEBAAAAAQABAAEAAQAAAAAAE=</cenc:pssh>
</ContentProtection></AdaptationSet></Period></MPD>`)
	_, err := ParseDASH(body)
	assert.ErrorIs(t, err, ErrInvalidPSSH)
}
