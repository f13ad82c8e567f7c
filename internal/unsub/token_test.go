package unsub

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("per-user-unsubscribe-key")

func TestSignParseVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 4, 5, 0, time.UTC)
	claims := Claims{DocID: "doc-17", UserRef: "u-abc", Event: EventComments, Mode: ModeFull}

	raw := Sign(claims, testKey, now)
	assert.Equal(t, 6, len(strings.Split(raw, "|")))
	assert.True(t, strings.HasPrefix(raw, "doc-17|u-abc|comments|full|20260509|"))

	tok, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "doc-17", tok.DocID)
	assert.Equal(t, "u-abc", tok.UserRef)
	assert.Equal(t, EventComments, tok.Event)
	assert.Equal(t, ModeFull, tok.Mode)

	require.NoError(t, Verify(tok, testKey, now))
}

func TestModeSerializesEmptyForDocChanges(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	raw := Sign(Claims{DocID: "d", UserRef: "u", Event: EventDocChanges}, testKey, now)

	fields := strings.Split(raw, "|")
	require.Len(t, fields, 6)
	assert.Equal(t, "", fields[3])

	tok, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, ModeNone, tok.Mode)
	require.NoError(t, Verify(tok, testKey, now))
}

func TestVerifyExpiryBoundary(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	raw := Sign(Claims{DocID: "d", UserRef: "u", Event: EventComments, Mode: ModeNormal}, testKey, now)
	tok, err := Parse(raw)
	require.NoError(t, err)

	// Valid through the last calendar day, in UTC day units.
	lastDay := time.Date(2026, 5, 9, 23, 59, 59, 0, time.UTC)
	assert.NoError(t, Verify(tok, testKey, lastDay))

	dayAfter := time.Date(2026, 5, 10, 0, 0, 1, 0, time.UTC)
	assert.Error(t, Verify(tok, testKey, dayAfter))
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	raw := Sign(Claims{DocID: "doc-17", UserRef: "u-abc", Event: EventComments, Mode: ModeNormal}, testKey, now)

	fields := strings.Split(raw, "|")
	tampered := [][]string{
		{"doc-18", fields[1], fields[2], fields[3], fields[4], fields[5]},
		{fields[0], "u-xyz", fields[2], fields[3], fields[4], fields[5]},
		{fields[0], fields[1], "doc-changes", "", fields[4], fields[5]},
		{fields[0], fields[1], fields[2], "full", fields[4], fields[5]},
		{fields[0], fields[1], fields[2], fields[3], "20990101", fields[5]},
	}
	for _, f := range tampered {
		tok, err := Parse(strings.Join(f, "|"))
		require.NoError(t, err, "tampered token should still parse: %v", f)
		assert.Error(t, Verify(tok, testKey, now), "tampered token must not verify: %v", f)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	now := time.Now()
	raw := Sign(Claims{DocID: "d", UserRef: "u", Event: EventDocChanges}, testKey, now)
	tok, err := Parse(raw)
	require.NoError(t, err)
	assert.Error(t, Verify(tok, []byte("some-other-key"), now))
}

func TestParseRejectsMalformedTokens(t *testing.T) {
	cases := []string{
		"",
		"a|b|c",
		"a|b|c|d|e|f|g",
		"|u|comments|normal|20260101|sig",        // empty doc id
		"d||comments|normal|20260101|sig",        // empty user ref
		"d|u|push|normal|20260101|sig",           // bad event
		"d|u|comments|loud|20260101|sig",         // bad mode
		"d|u|comments|normal|2026-01-01|sig",     // bad expiry shape
		"d|u|comments|normal|20260101|",          // empty signature
	}
	for _, c := range cases {
		_, err := Parse(c)
		assert.Error(t, err, "should reject %q", c)
	}
}
