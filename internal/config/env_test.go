// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseHelpers(t *testing.T) {
	t.Setenv("XOFFLINE_T_STR", "value")
	t.Setenv("XOFFLINE_T_EMPTY", "")
	t.Setenv("XOFFLINE_T_INT", "42")
	t.Setenv("XOFFLINE_T_BADINT", "forty-two")
	t.Setenv("XOFFLINE_T_DUR", "250ms")
	t.Setenv("XOFFLINE_T_BOOL", "YES")
	t.Setenv("XOFFLINE_T_BADBOOL", "maybe")
	t.Setenv("XOFFLINE_T_FLOAT", "0.75")
	t.Setenv("XOFFLINE_T_LIST", " .mpd, ,.m3u8 ")

	assert.Equal(t, "value", ParseString("XOFFLINE_T_STR", "d"))
	assert.Equal(t, "d", ParseString("XOFFLINE_T_EMPTY", "d"))
	assert.Equal(t, "d", ParseString("XOFFLINE_T_UNSET", "d"))
	assert.Equal(t, 42, ParseInt("XOFFLINE_T_INT", 1))
	assert.Equal(t, 1, ParseInt("XOFFLINE_T_BADINT", 1))
	assert.Equal(t, int64(42), ParseInt64("XOFFLINE_T_INT", 0))
	assert.Equal(t, 250*time.Millisecond, ParseDuration("XOFFLINE_T_DUR", time.Second))
	assert.True(t, ParseBool("XOFFLINE_T_BOOL", false))
	assert.True(t, ParseBool("XOFFLINE_T_BADBOOL", true))
	assert.InDelta(t, 0.75, ParseFloat("XOFFLINE_T_FLOAT", 0), 0)
	assert.Equal(t, []string{".mpd", ".m3u8"}, ParseList("XOFFLINE_T_LIST", nil))
	assert.Equal(t, []string{"x"}, ParseList("XOFFLINE_T_EMPTY", []string{"x"}))
}

func TestIsSensitiveKey(t *testing.T) {
	assert.True(t, isSensitiveKey("XOFFLINE_REDIS_PASSWORD"))
	assert.True(t, isSensitiveKey("XOFFLINE_MESSAGE_TOKEN"))
	assert.False(t, isSensitiveKey("XOFFLINE_DATA_DIR"))
}
