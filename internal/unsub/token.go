// Package unsub implements the signed unsubscribe links embedded in
// notification emails. Tokens are compact pipe-separated strings signed
// with the recipient's per-user unsubscribe key, so validation needs no
// login session.
package unsub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Event names the preference stream a token unsubscribes from.
type Event string

const (
	EventDocChanges Event = "doc-changes"
	EventComments   Event = "comments"
)

// Mode tunes how far a comments unsubscribe goes. Empty for doc-changes
// tokens.
type Mode string

const (
	ModeNone Mode = ""
	// ModeNormal drops comment notifications back to relevant-only.
	ModeNormal Mode = "normal"
	// ModeFull turns comment notifications off entirely.
	ModeFull Mode = "full"
)

// TokenLifetime is how long an unsubscribe link stays valid. Expiry is
// truncated to a UTC day, so the effective lifetime rounds down.
const TokenLifetime = 60 * 24 * time.Hour

const expiryLayout = "20060102"

// Token is a parsed (not necessarily verified) unsubscribe token.
type Token struct {
	DocID     string
	UserRef   string
	Event     Event
	Mode      Mode
	Expiry    string // yyyymmdd, UTC
	Signature string // base64url HMAC over the first five fields
}

// Claims identifies what a token authorizes.
type Claims struct {
	DocID   string
	UserRef string
	Event   Event
	Mode    Mode
}

// Sign mints a token for claims, valid for TokenLifetime from now.
func Sign(c Claims, key []byte, now time.Time) string {
	expiry := now.UTC().Add(TokenLifetime).Format(expiryLayout)
	payload := signedPayload(c.DocID, c.UserRef, string(c.Event), string(c.Mode), expiry)
	return payload + "|" + signPayload(payload, key)
}

func signedPayload(docID, userRef, event, mode, expiry string) string {
	return strings.Join([]string{docID, userRef, event, mode, expiry}, "|")
}

func signPayload(payload string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Parse splits and shape-checks a token without verifying its signature.
func Parse(raw string) (*Token, error) {
	fields := strings.Split(raw, "|")
	if len(fields) != 6 {
		return nil, fmt.Errorf("token must have 6 fields, got %d", len(fields))
	}
	t := &Token{
		DocID:     fields[0],
		UserRef:   fields[1],
		Event:     Event(fields[2]),
		Mode:      Mode(fields[3]),
		Expiry:    fields[4],
		Signature: fields[5],
	}
	if t.DocID == "" {
		return nil, fmt.Errorf("token has empty doc id")
	}
	if t.UserRef == "" {
		return nil, fmt.Errorf("token has empty user ref")
	}
	switch t.Event {
	case EventDocChanges, EventComments:
	default:
		return nil, fmt.Errorf("unknown token event %q", t.Event)
	}
	switch t.Mode {
	case ModeNone, ModeNormal, ModeFull:
	default:
		return nil, fmt.Errorf("unknown token mode %q", t.Mode)
	}
	if len(t.Expiry) != len(expiryLayout) {
		return nil, fmt.Errorf("malformed token expiry %q", t.Expiry)
	}
	if t.Signature == "" {
		return nil, fmt.Errorf("token has empty signature")
	}
	return t, nil
}

// Verify recomputes the signature with key and checks the expiry day.
// Comparison is constant-time; expiry is compared as UTC yyyymmdd strings,
// which order lexicographically.
func Verify(t *Token, key []byte, now time.Time) error {
	payload := signedPayload(t.DocID, t.UserRef, string(t.Event), string(t.Mode), t.Expiry)
	want := signPayload(payload, key)
	if !hmac.Equal([]byte(want), []byte(t.Signature)) {
		return fmt.Errorf("token signature mismatch")
	}
	if today := now.UTC().Format(expiryLayout); today > t.Expiry {
		return fmt.Errorf("token expired on %s", t.Expiry)
	}
	return nil
}
