// Package notify turns committed document edits into batched notification
// jobs. The decider inspects each edit bundle, consults preferences and
// access control, and emits per-recipient payloads to the batched-jobs
// engine; the mailer package consumes them on the worker side.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gridstone/docnotify/internal/prefs"
)

// Well-known synthetic user refs. Synthetic users never receive
// notifications; the support user may, since support can author changes
// like anyone else.
const (
	RefAnon     = "anon"
	RefEveryone = "everyone"
	RefSupport  = "support"
)

// User is a directory user as the pipeline sees it.
type User struct {
	ID    string
	Ref   string // stable public reference, used in tokens and comment audiences
	Name  string
	Email string
}

// Synthetic reports whether the user is a placeholder identity rather than
// a person.
func (u User) Synthetic() bool {
	return u.Ref == RefAnon || u.Ref == RefEveryone
}

// DocInfo is the document metadata the renderer needs.
type DocInfo struct {
	ID   string
	Name string
	URL  string // absolute URL of the document
}

// UserAccess pairs a user with their merged notification preferences for
// one document.
type UserAccess struct {
	User  User
	Prefs prefs.Resolved
}

// Directory is the collaborator owning users, documents and preference
// storage.
type Directory interface {
	// DocAccess yields (user, merged-prefs) pairs covering exactly the
	// users with real access to the document: public-link-only viewers and
	// synthetic users are excluded.
	DocAccess(ctx context.Context, docID string) ([]UserAccess, error)

	Doc(ctx context.Context, docID string) (*DocInfo, error)
	User(ctx context.Context, userID string) (*User, error)
	UserByRef(ctx context.Context, userRef string) (*User, error)

	// EnsureUnsubscribeKey returns the user's unsubscribe signing key,
	// minting one with a write-if-absent on first use.
	EnsureUnsubscribeKey(ctx context.Context, userID string) ([]byte, error)

	// DocPrefs returns the document defaults and the given user's override
	// record, unmerged.
	DocPrefs(ctx context.Context, docID, userID string) (docDefaults, currentUser prefs.Prefs, err error)
	// SetDocPrefs replaces either record; nil leaves that record untouched.
	SetDocPrefs(ctx context.Context, docID, userID string, docDefaults, currentUser *prefs.Prefs) error
	// PatchUserPrefs overlays patch onto the user's override record only,
	// leaving document defaults alone. The user is addressed by ref, as
	// unsubscribe tokens carry refs rather than ids.
	PatchUserPrefs(ctx context.Context, docID, userRef string, patch prefs.Prefs) error
}

// TableChanges describes what one recipient may see of a bundle's direct
// table edits.
type TableChanges struct {
	AuthorID   string
	Tables     []string // visible user-table names
	Categories []string // change kinds, e.g. "data", "structure"
}

// Comment is one comment in a bundle, as filtered for a given viewer.
type Comment struct {
	AuthorID string
	Text     string
	Anchor   string
	Mentions []string // user refs explicitly called out
	Audience []string // thread participants, mentions included
}

// AccessControl answers per-recipient visibility questions for one bundle.
type AccessControl interface {
	// DirectTables describes the bundle's row and schema changes as
	// visible to u. Returns (nil, nil) when nothing is visible.
	DirectTables(ctx context.Context, u *User) (*TableChanges, error)
	// CommentsInBundle returns the bundle's comments visible to u;
	// a nil u returns the unfiltered set.
	CommentsInBundle(ctx context.Context, u *User) ([]Comment, error)
}

// EditBundle is one committed set of document edits. Author is nil for
// system-synthesized bundles (time ticks, recompute passes), which notify
// nobody.
type EditBundle struct {
	DocID       string
	Author      *User
	ACL         AccessControl
	HasComments bool
}

// Sink receives the decider's output; the batched-jobs engine implements it.
type Sink interface {
	Add(ctx context.Context, category, batchKey string, meta map[string]string, payload []byte) error
}

// DocChangePayload is one doc-change event as stored in the batch.
type DocChangePayload struct {
	AuthorID   string   `json:"authorId"`
	Tables     []string `json:"tables"`
	Categories []string `json:"categories"`
}

// CommentPayload is one comment event as stored in the batch.
type CommentPayload struct {
	AuthorID   string `json:"authorId"`
	HasMention bool   `json:"hasMention"`
	Text       string `json:"text"`
	Anchor     string `json:"anchor,omitempty"`
}

// BatchKey derives the coalescing key for a (document, recipient) pair.
// Keys are case-sensitive and opaque to the store.
func BatchKey(docID, userID string) string {
	return docID + ":" + userID
}

// SplitBatchKey recovers the (document, recipient) pair. User ids never
// contain ':', so the split is on the last separator.
func SplitBatchKey(key string) (docID, userID string, err error) {
	i := strings.LastIndex(key, ":")
	if i <= 0 || i == len(key)-1 {
		return "", "", fmt.Errorf("malformed batch key %q", key)
	}
	return key[:i], key[i+1:], nil
}

func marshalPayload(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
