package api

import (
	"net/http"

	"github.com/gridstone/docnotify/internal/notify"
	"github.com/gridstone/docnotify/internal/pkg/logger"
	"github.com/gridstone/docnotify/internal/prefs"
	"github.com/gridstone/docnotify/internal/unsub"
)

// HandleUnsubscribe applies a signed unsubscribe link. The response is
// always HTTP 200 with an HTML page: a bad token gets the invalid page,
// never an error status, so email-client link checkers and retries see
// nothing actionable.
//
//	GET|POST /notifications-unsubscribe?token=...
func (h *Handlers) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	tok, err := unsub.Parse(raw)
	if err != nil {
		logger.Warn("unsubscribe: malformed token", "error", err)
		h.pages.renderInvalid(w)
		return
	}

	user, err := h.dir.UserByRef(r.Context(), tok.UserRef)
	if err != nil {
		logger.Warn("unsubscribe: unknown user ref", "error", err)
		h.pages.renderInvalid(w)
		return
	}
	key, err := h.dir.EnsureUnsubscribeKey(r.Context(), user.ID)
	if err != nil {
		logger.Error("unsubscribe: key lookup failed", "userId", user.ID, "error", err)
		h.pages.renderInvalid(w)
		return
	}
	if err := unsub.Verify(tok, key, h.now()); err != nil {
		logger.Warn("unsubscribe: rejected token", "docId", tok.DocID, "error", err)
		h.pages.renderInvalid(w)
		return
	}

	patch, message := unsubscribePatch(tok)
	if err := h.dir.PatchUserPrefs(r.Context(), tok.DocID, tok.UserRef, patch); err != nil {
		logger.Error("unsubscribe: pref patch failed",
			"docId", tok.DocID, "userRef", tok.UserRef, "error", err)
		h.pages.renderInvalid(w)
		return
	}

	// Best effort; the confirmation still makes sense without doc metadata.
	doc, err := h.dir.Doc(r.Context(), tok.DocID)
	if err != nil {
		doc = &notify.DocInfo{ID: tok.DocID, Name: "this document"}
	}
	logger.Info("unsubscribe applied",
		"docId", tok.DocID, "userRef", tok.UserRef, "event", string(tok.Event), "mode", string(tok.Mode))
	h.pages.renderConfirmation(w, doc, message)
}

// unsubscribePatch maps a verified token onto the single-field preference
// change it authorizes. Only the user's own override record is touched.
func unsubscribePatch(tok *unsub.Token) (prefs.Prefs, string) {
	if tok.Event == unsub.EventDocChanges {
		return prefs.Prefs{DocChanges: prefs.Bool(false)},
			"You will no longer receive emails about changes to"
	}
	if tok.Mode == unsub.ModeFull {
		return prefs.Prefs{Comments: prefs.Mode(prefs.CommentsNone)},
			"You will no longer receive emails about comments on"
	}
	return prefs.Prefs{Comments: prefs.Mode(prefs.CommentsRelevant)},
		"You will now only receive emails about comment threads involving you on"
}
