package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridstone/docnotify/internal/config"
	"github.com/gridstone/docnotify/internal/notify"
	"github.com/gridstone/docnotify/internal/schedule"
	"github.com/gridstone/docnotify/internal/unsub"
)

type stubDirectory struct {
	notify.Directory
	docs  map[string]*notify.DocInfo
	users map[string]*notify.User
	keys  map[string][]byte
}

func (d *stubDirectory) Doc(_ context.Context, id string) (*notify.DocInfo, error) {
	return d.docs[id], nil
}

func (d *stubDirectory) User(_ context.Context, id string) (*notify.User, error) {
	if u, ok := d.users[id]; ok {
		return u, nil
	}
	return &notify.User{ID: id}, nil
}

func (d *stubDirectory) EnsureUnsubscribeKey(_ context.Context, id string) ([]byte, error) {
	return d.keys[id], nil
}

var testSender = config.SenderConfig{
	Name:                    "Gridstone",
	Email:                   "noreply@gridstone.test",
	DocNotificationsFrom:    "notify@gridstone.test",
	DocNotificationsReplyTo: "support@gridstone.test",
}

func testDirectory() *stubDirectory {
	return &stubDirectory{
		docs: map[string]*notify.DocInfo{
			"doc1": {ID: "doc1", Name: "Projects", URL: "https://docs.gridstone.test/doc1"},
		},
		users: map[string]*notify.User{
			"ua": {ID: "ua", Ref: "ref-a", Name: "Alice", Email: "alice@example.com"},
			"ub": {ID: "ub", Ref: "ref-b", Name: "Bob", Email: "bob@example.com"},
			"uc": {ID: "uc", Ref: "ref-c", Name: "Cleo", Email: "cleo@example.com"},
		},
		keys: map[string][]byte{"ub": []byte("key-b"), "uc": []byte("key-c")},
	}
}

func docChangeEvent(t *testing.T, authorID string, tables, categories []string) []byte {
	t.Helper()
	data, err := json.Marshal(notify.DocChangePayload{AuthorID: authorID, Tables: tables, Categories: categories})
	require.NoError(t, err)
	return data
}

func commentEvent(t *testing.T, authorID, text string, mention bool) []byte {
	t.Helper()
	data, err := json.Marshal(notify.CommentPayload{AuthorID: authorID, Text: text, HasMention: mention})
	require.NoError(t, err)
	return data
}

func TestHandleDocChangesSingleAuthor(t *testing.T) {
	transport := &DevNullTransport{}
	r := NewRenderer(testDirectory(), transport, testSender, "https://docs.gridstone.test")

	err := r.Handle(context.Background(), schedule.CategoryDocChange, "doc1:ub", [][]byte{
		docChangeEvent(t, "ua", []string{"Orders"}, []string{"data"}),
		docChangeEvent(t, "ua", []string{"Clients", "Orders"}, []string{"structure"}),
	})
	require.NoError(t, err)

	sent := transport.Sent()
	require.Len(t, sent, 1)
	env := sent[0]
	assert.Equal(t, []string{"bob@example.com"}, env.To)
	assert.Equal(t, "notify@gridstone.test", env.From)
	assert.Equal(t, "support@gridstone.test", env.ReplyTo)
	assert.Equal(t, "Alice made changes to Projects", env.Subject)
	assert.Contains(t, env.Text, "Alice changed Orders, Clients")
	assert.Contains(t, env.Text, "data, structure")
	assert.NotContains(t, env.Text, "and 0 more")
	assert.Contains(t, env.HTML, `href="https://docs.gridstone.test/doc1"`)
}

func TestHandleDocChangesMultipleAuthorsAndOverflow(t *testing.T) {
	transport := &DevNullTransport{}
	r := NewRenderer(testDirectory(), transport, testSender, "https://docs.gridstone.test")

	err := r.Handle(context.Background(), schedule.CategoryDocChange, "doc1:ub", [][]byte{
		docChangeEvent(t, "ua", []string{"Orders", "Clients", "Invoices"}, []string{"data"}),
		docChangeEvent(t, "uc", []string{"Orders"}, []string{"data"}),
	})
	require.NoError(t, err)

	env := transport.Sent()[0]
	assert.Equal(t, "New changes to Projects", env.Subject, "no single-author subject with two authors")
	assert.Contains(t, env.Text, "Alice changed Orders, Clients and 1 more")
	assert.Contains(t, env.Text, "Cleo changed Orders")
}

func TestHandleDocChangesUnsubscribeLink(t *testing.T) {
	transport := &DevNullTransport{}
	r := NewRenderer(testDirectory(), transport, testSender, "https://docs.gridstone.test")

	require.NoError(t, r.Handle(context.Background(), schedule.CategoryDocChange, "doc1:ub", [][]byte{
		docChangeEvent(t, "ua", []string{"Orders"}, []string{"data"}),
	}))

	env := transport.Sent()[0]
	link := extractUnsubscribeLink(t, env.Text)
	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "/notifications-unsubscribe", u.Path)

	tok, err := unsub.Parse(u.Query().Get("token"))
	require.NoError(t, err)
	assert.Equal(t, "doc1", tok.DocID)
	assert.Equal(t, "ref-b", tok.UserRef)
	assert.Equal(t, unsub.EventDocChanges, tok.Event)
	assert.Equal(t, unsub.ModeNone, tok.Mode, "doc-change tokens carry no mode")
	require.NoError(t, unsub.Verify(tok, []byte("key-b"), time.Now()))

	// One-click unsubscribe headers point at the same endpoint.
	assert.Contains(t, env.Headers["List-Unsubscribe"], "/notifications-unsubscribe?token=")
	assert.Equal(t, "List-Unsubscribe=One-Click", env.Headers["List-Unsubscribe-Post"])
}

func TestHandleComments(t *testing.T) {
	transport := &DevNullTransport{}
	r := NewRenderer(testDirectory(), transport, testSender, "https://docs.gridstone.test")

	err := r.Handle(context.Background(), schedule.CategoryComment, "doc1:uc", [][]byte{
		commentEvent(t, "ua", "first point", false),
		commentEvent(t, "ub", "@Cleo agreed?", true),
	})
	require.NoError(t, err)

	env := transport.Sent()[0]
	assert.Equal(t, "You were mentioned in Projects", env.Subject)
	assert.Contains(t, env.Text, "Alice, Bob")
	assert.Contains(t, env.Text, "Alice: first point")
	assert.Contains(t, env.Text, "[mentioned you] Bob: @Cleo agreed?")

	// Both link strengths are present: relevant-only and full-off.
	normal := tokenFromLine(t, env.Text, "Only threads involving you: ")
	full := tokenFromLine(t, env.Text, "Stop all comment emails: ")
	assert.Equal(t, unsub.ModeNormal, normal.Mode)
	assert.Equal(t, unsub.ModeFull, full.Mode)
	assert.Equal(t, unsub.EventComments, normal.Event)
	require.NoError(t, unsub.Verify(full, []byte("key-c"), time.Now()))
}

func TestHandleCommentsNoMentionSubject(t *testing.T) {
	transport := &DevNullTransport{}
	r := NewRenderer(testDirectory(), transport, testSender, "https://docs.gridstone.test")

	require.NoError(t, r.Handle(context.Background(), schedule.CategoryComment, "doc1:uc", [][]byte{
		commentEvent(t, "ua", "just a note", false),
	}))
	assert.Equal(t, "New comments in Projects", transport.Sent()[0].Subject)
}

func TestHandleRecipientWithoutEmail(t *testing.T) {
	dir := testDirectory()
	dir.users["ub"].Email = ""
	transport := &DevNullTransport{}
	r := NewRenderer(dir, transport, testSender, "https://docs.gridstone.test")

	err := r.Handle(context.Background(), schedule.CategoryDocChange, "doc1:ub", [][]byte{
		docChangeEvent(t, "ua", []string{"Orders"}, nil),
	})
	require.NoError(t, err, "missing address consumes the batch without failing the job")
	assert.Empty(t, transport.Sent())
}

func TestHandleUnknownAuthorFallsBack(t *testing.T) {
	transport := &DevNullTransport{}
	r := NewRenderer(testDirectory(), transport, testSender, "https://docs.gridstone.test")

	require.NoError(t, r.Handle(context.Background(), schedule.CategoryDocChange, "doc1:ub", [][]byte{
		docChangeEvent(t, "gone", []string{"Orders"}, nil),
	}))
	assert.Contains(t, transport.Sent()[0].Text, "Someone changed Orders")
}

func TestHandleMalformedBatchKey(t *testing.T) {
	r := NewRenderer(testDirectory(), &DevNullTransport{}, testSender, "https://docs.gridstone.test")
	err := r.Handle(context.Background(), schedule.CategoryDocChange, "nocolon", nil)
	assert.Error(t, err)
}

func TestSendGridTransportRequestShape(t *testing.T) {
	var got map[string]interface{}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		auth = req.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		w.Header().Set("X-Message-Id", "msg-1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewSendGridTransport(config.SendGridConfig{APIKey: "sg-key", BaseURL: srv.URL})
	err := tr.Send(context.Background(), &Envelope{
		FromName: "Gridstone",
		From:     "notify@gridstone.test",
		ReplyTo:  "support@gridstone.test",
		To:       []string{"bob@example.com"},
		Subject:  "s",
		Text:     "t",
		HTML:     "<p>h</p>",
		Headers:  map[string]string{"List-Unsubscribe": "<https://x>"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sg-key", auth)
	assert.Equal(t, "s", got["subject"])
	headers := got["headers"].(map[string]interface{})
	assert.Equal(t, "<https://x>", headers["List-Unsubscribe"])
	replyTo := got["reply_to"].(map[string]interface{})
	assert.Equal(t, "support@gridstone.test", replyTo["email"])
}

func TestSendGridTransportErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"errors":[{"message":"bad"}]}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	tr := NewSendGridTransport(config.SendGridConfig{APIKey: "sg-key", BaseURL: srv.URL})
	err := tr.Send(context.Background(), &Envelope{To: []string{"x@example.com"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func extractUnsubscribeLink(t *testing.T, text string) string {
	t.Helper()
	for _, line := range strings.Split(text, "\n") {
		if rest, ok := strings.CutPrefix(line, "Stop these emails: "); ok {
			return strings.TrimSpace(rest)
		}
	}
	t.Fatal("no unsubscribe link in text body")
	return ""
}

func tokenFromLine(t *testing.T, text, prefix string) *unsub.Token {
	t.Helper()
	for _, line := range strings.Split(text, "\n") {
		if rest, ok := strings.CutPrefix(line, prefix); ok {
			u, err := url.Parse(strings.TrimSpace(rest))
			require.NoError(t, err)
			tok, err := unsub.Parse(u.Query().Get("token"))
			require.NoError(t, err)
			return tok
		}
	}
	t.Fatalf("no line with prefix %q", prefix)
	return nil
}
