package notify

import (
	"context"

	"github.com/gridstone/docnotify/internal/pkg/logger"
	"github.com/gridstone/docnotify/internal/prefs"
	"github.com/gridstone/docnotify/internal/schedule"
)

// Decider decides, for each edit bundle and each candidate recipient,
// whether a notification is owed, and emits the corresponding payloads to
// the engine. It runs after commit, outside the document write path, and
// never propagates errors back to it: failures are logged and dropped,
// which is safe because adds are idempotent per marker and the next edit
// re-arms the batch.
type Decider struct {
	dir  Directory
	sink Sink
}

// NewDecider creates a decider over the directory and engine sink.
func NewDecider(dir Directory, sink Sink) *Decider {
	return &Decider{dir: dir, sink: sink}
}

// Dispatch processes one committed edit bundle.
func (d *Decider) Dispatch(ctx context.Context, bundle *EditBundle) {
	if bundle.Author == nil {
		// System-synthesized bundle; nobody to notify, nobody to blame.
		return
	}

	access, err := d.dir.DocAccess(ctx, bundle.DocID)
	if err != nil {
		logger.Error("notify: access lookup failed", "docId", bundle.DocID, "error", err)
		return
	}

	// Synthetic users and the editing author never receive notifications.
	candidates := access[:0:0]
	anyDocChanges := false
	for _, a := range access {
		if a.User.Synthetic() || a.User.ID == bundle.Author.ID {
			continue
		}
		candidates = append(candidates, a)
		if a.Prefs.DocChanges {
			anyDocChanges = true
		}
	}

	// Quiet case: no comments in the bundle and nobody subscribed to doc
	// changes. Skip the ACL work entirely.
	if !bundle.HasComments && !anyDocChanges {
		return
	}

	d.dispatchDocChanges(ctx, bundle, candidates)
	if bundle.HasComments {
		d.dispatchComments(ctx, bundle, candidates)
	}
}

func (d *Decider) dispatchDocChanges(ctx context.Context, bundle *EditBundle, candidates []UserAccess) {
	for _, a := range candidates {
		if !a.Prefs.DocChanges {
			continue
		}
		tc, err := bundle.ACL.DirectTables(ctx, &a.User)
		if err != nil {
			logger.Error("notify: direct-tables lookup failed",
				"docId", bundle.DocID, "userId", a.User.ID, "error", err)
			continue
		}
		if tc == nil {
			// Nothing in the bundle is visible to this user.
			continue
		}

		payload, err := marshalPayload(DocChangePayload{
			AuthorID:   tc.AuthorID,
			Tables:     tc.Tables,
			Categories: tc.Categories,
		})
		if err != nil {
			logger.Error("notify: payload encode failed", "docId", bundle.DocID, "error", err)
			continue
		}
		d.add(ctx, schedule.CategoryDocChange, bundle.DocID, a.User.ID, payload)
	}
}

func (d *Decider) dispatchComments(ctx context.Context, bundle *EditBundle, candidates []UserAccess) {
	all, err := bundle.ACL.CommentsInBundle(ctx, nil)
	if err != nil {
		logger.Error("notify: comment lookup failed", "docId", bundle.DocID, "error", err)
		return
	}
	if len(all) == 0 {
		return
	}

	participants := make(map[string]bool)
	for _, c := range all {
		for _, ref := range c.Audience {
			participants[ref] = true
		}
	}

	for _, a := range candidates {
		mode := a.Prefs.Comments
		if mode == prefs.CommentsNone {
			continue
		}
		// A relevant-only subscriber who neither participated nor was
		// mentioned anywhere in the bundle cannot match; skip the filtered
		// ACL fetch for them.
		if !participants[a.User.Ref] && mode != prefs.CommentsAll {
			continue
		}

		visible, err := bundle.ACL.CommentsInBundle(ctx, &a.User)
		if err != nil {
			logger.Error("notify: filtered comment lookup failed",
				"docId", bundle.DocID, "userId", a.User.ID, "error", err)
			continue
		}
		if mode != prefs.CommentsAll {
			visible = filterByAudience(visible, a.User.Ref)
		}
		if len(visible) == 0 {
			continue
		}

		for _, c := range visible {
			payload, err := marshalPayload(CommentPayload{
				AuthorID:   c.AuthorID,
				HasMention: containsRef(c.Mentions, a.User.Ref),
				Text:       c.Text,
				Anchor:     c.Anchor,
			})
			if err != nil {
				logger.Error("notify: payload encode failed", "docId", bundle.DocID, "error", err)
				continue
			}
			d.add(ctx, schedule.CategoryComment, bundle.DocID, a.User.ID, payload)
		}
	}
}

func (d *Decider) add(ctx context.Context, category, docID, userID string, payload []byte) {
	meta := map[string]string{"docId": docID, "userId": userID}
	if err := d.sink.Add(ctx, category, BatchKey(docID, userID), meta, payload); err != nil {
		// Dropped; the next edit for this pair re-arms the batch.
		logger.Error("notify: enqueue failed",
			"category", category, "docId", docID, "userId", userID, "error", err)
	}
}

func filterByAudience(comments []Comment, ref string) []Comment {
	out := comments[:0:0]
	for _, c := range comments {
		if containsRef(c.Audience, ref) {
			out = append(out, c)
		}
	}
	return out
}

func containsRef(refs []string, ref string) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}
