package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridstone/docnotify/internal/directory"
	"github.com/gridstone/docnotify/internal/notify"
	"github.com/gridstone/docnotify/internal/prefs"
	"github.com/gridstone/docnotify/internal/unsub"
)

// memDirectory is an in-memory notify.Directory for handler tests.
type memDirectory struct {
	docs     map[string]*notify.DocInfo
	users    map[string]*notify.User // by id
	keys     map[string][]byte
	defaults map[string]prefs.Prefs // by doc id
	override map[string]prefs.Prefs // by doc:user
}

func newMemDirectory() *memDirectory {
	return &memDirectory{
		docs: map[string]*notify.DocInfo{
			"doc1": {ID: "doc1", Name: "Projects", URL: "https://docs.gridstone.test/doc1"},
		},
		users: map[string]*notify.User{
			"ub": {ID: "ub", Ref: "ref-b", Name: "Bob", Email: "bob@example.com"},
		},
		keys:     map[string][]byte{"ub": []byte("key-b")},
		defaults: map[string]prefs.Prefs{},
		override: map[string]prefs.Prefs{},
	}
}

func (m *memDirectory) DocAccess(context.Context, string) ([]notify.UserAccess, error) {
	return nil, nil
}

func (m *memDirectory) Doc(_ context.Context, id string) (*notify.DocInfo, error) {
	if d, ok := m.docs[id]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("doc %s: %w", id, directory.ErrNotFound)
}

func (m *memDirectory) User(_ context.Context, id string) (*notify.User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user %s: %w", id, directory.ErrNotFound)
}

func (m *memDirectory) UserByRef(_ context.Context, ref string) (*notify.User, error) {
	for _, u := range m.users {
		if u.Ref == ref {
			return u, nil
		}
	}
	return nil, fmt.Errorf("user ref %s: %w", ref, directory.ErrNotFound)
}

func (m *memDirectory) EnsureUnsubscribeKey(_ context.Context, id string) ([]byte, error) {
	return m.keys[id], nil
}

func (m *memDirectory) DocPrefs(_ context.Context, docID, userID string) (prefs.Prefs, prefs.Prefs, error) {
	return m.defaults[docID], m.override[docID+":"+userID], nil
}

func (m *memDirectory) SetDocPrefs(_ context.Context, docID, userID string, def, cur *prefs.Prefs) error {
	if def != nil {
		m.defaults[docID] = *def
	}
	if cur != nil {
		m.override[docID+":"+userID] = *cur
	}
	return nil
}

func (m *memDirectory) PatchUserPrefs(_ context.Context, docID, userRef string, patch prefs.Prefs) error {
	u, err := m.UserByRef(context.Background(), userRef)
	if err != nil {
		return err
	}
	key := docID + ":" + u.ID
	m.override[key] = prefs.Patch(m.override[key], patch)
	return nil
}

func setupAPI(t *testing.T) (*memDirectory, http.Handler) {
	t.Helper()
	dir := newMemDirectory()
	h := NewHandlers(dir, HeaderUserResolver(dir))
	return dir, SetupRoutes(h)
}

func doRequest(handler http.Handler, method, target, userID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestGetConfigRequiresUser(t *testing.T) {
	_, handler := setupAPI(t)
	rec := doRequest(handler, "GET", "/api/docs/doc1/notifications-config", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetConfigUnknownDoc(t *testing.T) {
	_, handler := setupAPI(t)
	rec := doRequest(handler, "GET", "/api/docs/nope/notifications-config", "ub", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown document")
}

func TestGetConfigReturnsUnmergedRecords(t *testing.T) {
	dir, handler := setupAPI(t)
	dir.defaults["doc1"] = prefs.Prefs{DocChanges: prefs.Bool(true)}
	dir.override["doc1:ub"] = prefs.Prefs{Comments: prefs.Mode(prefs.CommentsNone)}

	rec := doRequest(handler, "GET", "/api/docs/doc1/notifications-config", "ub", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got notificationsConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.DocDefaults.DocChanges)
	assert.True(t, *got.DocDefaults.DocChanges)
	assert.Nil(t, got.DocDefaults.Comments, "records come back unmerged")
	require.NotNil(t, got.CurrentUser.Comments)
	assert.Equal(t, prefs.CommentsNone, *got.CurrentUser.Comments)
}

func TestSetConfigStoresRecords(t *testing.T) {
	dir, handler := setupAPI(t)

	rec := doRequest(handler, "POST", "/api/docs/doc1/notifications-config", "ub",
		`{"docDefaults":{"docChanges":true},"currentUser":{"comments":"all"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))

	require.NotNil(t, dir.defaults["doc1"].DocChanges)
	assert.True(t, *dir.defaults["doc1"].DocChanges)
	require.NotNil(t, dir.override["doc1:ub"].Comments)
	assert.Equal(t, prefs.CommentsAll, *dir.override["doc1:ub"].Comments)
}

func TestSetConfigRejectsBadEnum(t *testing.T) {
	dir, handler := setupAPI(t)

	rec := doRequest(handler, "POST", "/api/docs/doc1/notifications-config", "ub",
		`{"currentUser":{"comments":"sometimes"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "comments")
	assert.Empty(t, dir.override, "nothing stored on validation failure")
}

func TestSetConfigRejectsUnknownFields(t *testing.T) {
	_, handler := setupAPI(t)

	rec := doRequest(handler, "POST", "/api/docs/doc1/notifications-config", "ub",
		`{"currentUser":{"docChanges":true,"frequency":"daily"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetConfigRejectsWrongType(t *testing.T) {
	_, handler := setupAPI(t)

	rec := doRequest(handler, "POST", "/api/docs/doc1/notifications-config", "ub",
		`{"currentUser":{"docChanges":"yes"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func signToken(t *testing.T, event unsub.Event, mode unsub.Mode, key []byte) string {
	t.Helper()
	return unsub.Sign(unsub.Claims{DocID: "doc1", UserRef: "ref-b", Event: event, Mode: mode}, key, time.Now())
}

func unsubTarget(token string) string {
	return "/notifications-unsubscribe?token=" + url.QueryEscape(token)
}

func TestUnsubscribeDocChanges(t *testing.T) {
	dir, handler := setupAPI(t)
	token := signToken(t, unsub.EventDocChanges, unsub.ModeNone, []byte("key-b"))

	rec := doRequest(handler, "GET", unsubTarget(token), "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Projects")
	assert.Contains(t, rec.Body.String(), "changes to")

	stored := dir.override["doc1:ub"]
	require.NotNil(t, stored.DocChanges)
	assert.False(t, *stored.DocChanges)
	assert.Nil(t, stored.Comments, "other fields untouched")
}

func TestUnsubscribeCommentsFull(t *testing.T) {
	dir, handler := setupAPI(t)
	token := signToken(t, unsub.EventComments, unsub.ModeFull, []byte("key-b"))

	rec := doRequest(handler, "POST", unsubTarget(token), "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	stored := dir.override["doc1:ub"]
	require.NotNil(t, stored.Comments)
	assert.Equal(t, prefs.CommentsNone, *stored.Comments)
}

func TestUnsubscribeCommentsNormalDropsToRelevant(t *testing.T) {
	dir, handler := setupAPI(t)
	dir.override["doc1:ub"] = prefs.Prefs{Comments: prefs.Mode(prefs.CommentsAll)}
	token := signToken(t, unsub.EventComments, unsub.ModeNormal, []byte("key-b"))

	rec := doRequest(handler, "GET", unsubTarget(token), "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	stored := dir.override["doc1:ub"]
	require.NotNil(t, stored.Comments)
	assert.Equal(t, prefs.CommentsRelevant, *stored.Comments)
}

func TestUnsubscribeTamperedTokenMakesNoChange(t *testing.T) {
	dir, handler := setupAPI(t)
	token := signToken(t, unsub.EventDocChanges, unsub.ModeNone, []byte("wrong-key"))

	rec := doRequest(handler, "GET", unsubTarget(token), "", "")
	assert.Equal(t, http.StatusOK, rec.Code, "bad tokens still answer 200")
	assert.Contains(t, rec.Body.String(), "no longer valid")
	assert.Empty(t, dir.override)
}

func TestUnsubscribeMalformedToken(t *testing.T) {
	dir, handler := setupAPI(t)
	rec := doRequest(handler, "GET", "/notifications-unsubscribe?token=garbage", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "no longer valid")
	assert.Empty(t, dir.override)
}

func TestUnsubscribeExpiredToken(t *testing.T) {
	dir, handler := setupAPI(t)
	stale := unsub.Sign(unsub.Claims{DocID: "doc1", UserRef: "ref-b", Event: unsub.EventDocChanges},
		[]byte("key-b"), time.Now().Add(-90*24*time.Hour))

	rec := doRequest(handler, "GET", unsubTarget(stale), "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "no longer valid")
	assert.Empty(t, dir.override)
}

func TestHealth(t *testing.T) {
	_, handler := setupAPI(t)
	rec := doRequest(handler, "GET", "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
