// Package prefs models per-document notification preferences: a document
// owner sets doc-wide defaults, each subscriber may override them, and the
// merge of the two decides what a recipient is owed.
package prefs

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CommentsMode selects which comment threads notify a subscriber.
type CommentsMode string

const (
	// CommentsAll notifies on every comment the user can see.
	CommentsAll CommentsMode = "all"
	// CommentsRelevant notifies only on threads the user participates in
	// or is mentioned by.
	CommentsRelevant CommentsMode = "relevant"
	// CommentsNone never notifies on comments.
	CommentsNone CommentsMode = "none"
)

func (m CommentsMode) valid() bool {
	switch m {
	case CommentsAll, CommentsRelevant, CommentsNone:
		return true
	}
	return false
}

// Prefs is one preference record: doc defaults or a per-user override.
// Nil fields inherit from the level below.
type Prefs struct {
	DocChanges *bool         `json:"docChanges,omitempty"`
	Comments   *CommentsMode `json:"comments,omitempty"`
}

// Resolved is a fully-merged preference set with fallbacks applied.
type Resolved struct {
	DocChanges bool
	Comments   CommentsMode
}

// Merge resolves a user's effective preferences: per field, the user
// override wins if present, then the document default, then the built-in
// fallback (docChanges=false, comments=relevant).
func Merge(docDefaults, userOverride Prefs) Resolved {
	out := Resolved{DocChanges: false, Comments: CommentsRelevant}
	if docDefaults.DocChanges != nil {
		out.DocChanges = *docDefaults.DocChanges
	}
	if docDefaults.Comments != nil {
		out.Comments = *docDefaults.Comments
	}
	if userOverride.DocChanges != nil {
		out.DocChanges = *userOverride.DocChanges
	}
	if userOverride.Comments != nil {
		out.Comments = *userOverride.Comments
	}
	return out
}

// Patch overlays set fields of patch onto base and returns the result.
// Used when an unsubscribe link or a config write updates one field of a
// stored override without touching the rest.
func Patch(base, patch Prefs) Prefs {
	out := base
	if patch.DocChanges != nil {
		out.DocChanges = patch.DocChanges
	}
	if patch.Comments != nil {
		out.Comments = patch.Comments
	}
	return out
}

// ValidationError reports a rejected preference write.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid preferences: %s: %s", e.Field, e.Message)
}

// Parse decodes and validates one preference record. Unknown fields and
// out-of-range enum values are rejected.
func Parse(raw json.RawMessage) (Prefs, error) {
	var p Prefs
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Prefs{}, &ValidationError{Field: "prefs", Message: err.Error()}
	}
	if p.Comments != nil && !p.Comments.valid() {
		return Prefs{}, &ValidationError{
			Field:   "comments",
			Message: fmt.Sprintf("must be one of all, relevant, none; got %q", *p.Comments),
		}
	}
	return p, nil
}

// Helpers for building literal records.

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Mode returns a pointer to m.
func Mode(m CommentsMode) *CommentsMode { return &m }
