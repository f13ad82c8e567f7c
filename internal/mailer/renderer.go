package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/gridstone/docnotify/internal/config"
	"github.com/gridstone/docnotify/internal/notify"
	"github.com/gridstone/docnotify/internal/pkg/logger"
	"github.com/gridstone/docnotify/internal/schedule"
	"github.com/gridstone/docnotify/internal/unsub"
)

// Shown before collapsing a list into "and N more".
const maxShownTables = 2
const maxShownAuthors = 2

// Renderer turns a drained batch into one email for its recipient. Its
// Handle method is the batched-jobs engine handler on the worker side.
type Renderer struct {
	dir       notify.Directory
	templates *TemplateService
	transport Transport
	sender    config.SenderConfig
	homeURL   string
	now       func() time.Time
}

// NewRenderer wires the renderer to its collaborators.
func NewRenderer(dir notify.Directory, transport Transport, sender config.SenderConfig, homeURL string) *Renderer {
	return &Renderer{
		dir:       dir,
		templates: NewTemplateService(),
		transport: transport,
		sender:    sender,
		homeURL:   homeURL,
		now:       time.Now,
	}
}

// Handle renders and sends the batch for one (document, recipient) pair.
// Any error leaves the batch staged for redelivery at the next fire.
func (r *Renderer) Handle(ctx context.Context, category, batchKey string, payloads [][]byte) error {
	docID, userID, err := notify.SplitBatchKey(batchKey)
	if err != nil {
		return err
	}

	doc, err := r.dir.Doc(ctx, docID)
	if err != nil {
		return fmt.Errorf("load doc %s: %w", docID, err)
	}
	user, err := r.dir.User(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user %s: %w", userID, err)
	}
	if user.Email == "" {
		// Recipient has no address on file; the batch is consumed silently.
		logger.Warn("mailer: recipient has no email", "docId", docID, "userId", userID)
		return nil
	}
	key, err := r.dir.EnsureUnsubscribeKey(ctx, userID)
	if err != nil {
		return fmt.Errorf("unsubscribe key for %s: %w", userID, err)
	}

	var subject, text, html string
	switch category {
	case schedule.CategoryDocChange:
		subject, text, html, err = r.renderDocChanges(ctx, doc, user, key, payloads)
	case schedule.CategoryComment:
		subject, text, html, err = r.renderComments(ctx, doc, user, key, payloads)
	default:
		return fmt.Errorf("unknown notification category %q", category)
	}
	if err != nil {
		return err
	}

	unsubURL := r.unsubscribeURL(doc.ID, user.Ref, key, category, unsub.ModeNormal)
	env := &Envelope{
		FromName: r.sender.Name,
		From:     r.sender.DocNotificationsFrom,
		ReplyTo:  r.sender.DocNotificationsReplyTo,
		To:       []string{user.Email},
		Subject:  subject,
		Text:     text,
		HTML:     html,
		Headers: map[string]string{
			"List-Unsubscribe":      "<" + unsubURL + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		},
	}
	if err := r.transport.Send(ctx, env); err != nil {
		return fmt.Errorf("send to %s: %w", logger.RedactEmail(user.Email), err)
	}
	logger.Info("mailer: notification sent",
		"category", category, "docId", docID, "userId", userID, "events", len(payloads))
	return nil
}

// authorDigest is one author's merged contribution to a doc-change email.
type authorDigest struct {
	id         string
	tables     []string
	categories []string
}

func (r *Renderer) renderDocChanges(ctx context.Context, doc *notify.DocInfo, user *notify.User, key []byte, payloads [][]byte) (subject, text, html string, err error) {
	// Merge events per author, keeping first-seen author order.
	var order []string
	digests := make(map[string]*authorDigest)
	for _, raw := range payloads {
		var p notify.DocChangePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			logger.Warn("mailer: dropping undecodable doc-change event", "docId", doc.ID, "error", err)
			continue
		}
		d, ok := digests[p.AuthorID]
		if !ok {
			d = &authorDigest{id: p.AuthorID}
			digests[p.AuthorID] = d
			order = append(order, p.AuthorID)
		}
		d.tables = appendMissing(d.tables, p.Tables...)
		d.categories = appendMissing(d.categories, p.Categories...)
	}
	if len(order) == 0 {
		return "", "", "", fmt.Errorf("doc-change batch for %s had no decodable events", doc.ID)
	}

	names := r.authorNames(ctx, order)
	var authors []map[string]interface{}
	for _, id := range order {
		d := digests[id]
		sort.Strings(d.categories)
		shown := d.tables
		if len(shown) > maxShownTables {
			shown = shown[:maxShownTables]
		}
		authors = append(authors, map[string]interface{}{
			"name":               names[id],
			"tables":             shown,
			"extra_tables_count": max(0, len(d.tables)-maxShownTables),
			"categories":         d.categories,
		})
	}

	bindings := r.baseBindings(doc, user, key, schedule.CategoryDocChange)
	bindings["authors"] = authors
	if len(order) == 1 {
		bindings["sender_author_name"] = names[order[0]]
	}
	return r.renderSet(tplDocChangeSubject, tplDocChangeText, tplDocChangeHTML, bindings)
}

func (r *Renderer) renderComments(ctx context.Context, doc *notify.DocInfo, user *notify.User, key []byte, payloads [][]byte) (subject, text, html string, err error) {
	var events []notify.CommentPayload
	var authorOrder []string
	seen := make(map[string]bool)
	hasMentions := false
	for _, raw := range payloads {
		var p notify.CommentPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			logger.Warn("mailer: dropping undecodable comment event", "docId", doc.ID, "error", err)
			continue
		}
		events = append(events, p)
		if !seen[p.AuthorID] {
			seen[p.AuthorID] = true
			authorOrder = append(authorOrder, p.AuthorID)
		}
		if p.HasMention {
			hasMentions = true
		}
	}
	if len(events) == 0 {
		return "", "", "", fmt.Errorf("comment batch for %s had no decodable events", doc.ID)
	}

	names := r.authorNames(ctx, authorOrder)
	var comments []map[string]interface{}
	for _, e := range events {
		comments = append(comments, map[string]interface{}{
			"author":      names[e.AuthorID],
			"text":        e.Text,
			"anchor":      e.Anchor,
			"has_mention": e.HasMention,
		})
	}
	shownAuthors := authorOrder
	if len(shownAuthors) > maxShownAuthors {
		shownAuthors = shownAuthors[:maxShownAuthors]
	}
	authorNames := make([]string, 0, len(shownAuthors))
	for _, id := range shownAuthors {
		authorNames = append(authorNames, names[id])
	}

	bindings := r.baseBindings(doc, user, key, schedule.CategoryComment)
	bindings["comments"] = comments
	bindings["author_names"] = authorNames
	bindings["extra_authors_count"] = max(0, len(authorOrder)-maxShownAuthors)
	bindings["has_mentions"] = hasMentions
	return r.renderSet(tplCommentSubject, tplCommentText, tplCommentHTML, bindings)
}

func (r *Renderer) renderSet(subjectTpl, textTpl, htmlTpl string, bindings map[string]interface{}) (subject, text, html string, err error) {
	if subject, err = r.templates.Render(subjectTpl, bindings); err != nil {
		return "", "", "", err
	}
	if text, err = r.templates.Render(textTpl, bindings); err != nil {
		return "", "", "", err
	}
	if html, err = r.templates.Render(htmlTpl, bindings); err != nil {
		return "", "", "", err
	}
	return subject, text, html, nil
}

func (r *Renderer) baseBindings(doc *notify.DocInfo, user *notify.User, key []byte, category string) map[string]interface{} {
	return map[string]interface{}{
		"doc_name":             doc.Name,
		"doc_url":              doc.URL,
		"unsubscribe_url":       r.unsubscribeURL(doc.ID, user.Ref, key, category, unsub.ModeNormal),
		"unsubscribe_fully_url": r.unsubscribeURL(doc.ID, user.Ref, key, category, unsub.ModeFull),
	}
}

// unsubscribeURL mints the signed link for one preference stream. Doc-change
// tokens carry no mode; only comment tokens distinguish normal from full.
func (r *Renderer) unsubscribeURL(docID, userRef string, key []byte, category string, mode unsub.Mode) string {
	event := unsub.EventDocChanges
	if category == schedule.CategoryComment {
		event = unsub.EventComments
	} else {
		mode = unsub.ModeNone
	}
	token := unsub.Sign(unsub.Claims{
		DocID:   docID,
		UserRef: userRef,
		Event:   event,
		Mode:    mode,
	}, key, r.now())
	return r.homeURL + "/notifications-unsubscribe?token=" + url.QueryEscape(token)
}

// authorNames resolves display names, falling back to a placeholder when the
// directory no longer knows the author.
func (r *Renderer) authorNames(ctx context.Context, ids []string) map[string]string {
	names := make(map[string]string, len(ids))
	for _, id := range ids {
		u, err := r.dir.User(ctx, id)
		if err != nil || u == nil || u.Name == "" {
			names[id] = "Someone"
			continue
		}
		names[id] = u.Name
	}
	return names
}

func appendMissing(dst []string, items ...string) []string {
	for _, it := range items {
		found := false
		for _, have := range dst {
			if have == it {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, it)
		}
	}
	return dst
}
