package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gridstone/docnotify/internal/batchq"
	"github.com/gridstone/docnotify/internal/directory"
	"github.com/gridstone/docnotify/internal/notify"
	"github.com/gridstone/docnotify/internal/pkg/logger"
	"github.com/gridstone/docnotify/internal/prefs"
)

// UserResolver identifies the authenticated user on a request. The host
// application owns sessions; this service only needs the resulting user.
type UserResolver func(r *http.Request) (*notify.User, error)

// EngineStats is implemented by the batched-jobs engine; nil when this
// process runs no workers.
type EngineStats interface {
	Stats() batchq.Stats
}

// Handlers holds the HTTP handlers and their collaborators.
type Handlers struct {
	dir            notify.Directory
	resolve        UserResolver
	engine         EngineStats
	pages          *pageTemplates
	allowedOrigins []string
	startTime      time.Time
	now            func() time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(dir notify.Directory, resolve UserResolver) *Handlers {
	return &Handlers{
		dir:            dir,
		resolve:        resolve,
		pages:          newPageTemplates(),
		allowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		startTime:      time.Now(),
		now:            time.Now,
	}
}

// SetEngine attaches a local engine so /health can report its counters.
func (h *Handlers) SetEngine(e EngineStats) { h.engine = e }

// SetAllowedOrigins overrides the CORS origin allowlist.
func (h *Handlers) SetAllowedOrigins(origins []string) { h.allowedOrigins = origins }

// HandleHealth reports process liveness and, when a local engine is
// attached, its counters.
//
//	GET /health
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	}
	if h.engine != nil {
		resp["engine"] = h.engine.Stats()
	}
	respondJSON(w, http.StatusOK, resp)
}

// notificationsConfig is the wire shape of the config endpoints: the two
// stored records, unmerged, so the client can show which level set what.
type notificationsConfig struct {
	DocDefaults prefs.Prefs `json:"docDefaults"`
	CurrentUser prefs.Prefs `json:"currentUser"`
}

// HandleGetNotificationsConfig returns the stored preference records for
// the document and the calling user.
//
//	GET /api/docs/{docID}/notifications-config
func (h *Handlers) HandleGetNotificationsConfig(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	docID := chi.URLParam(r, "docID")
	if !h.docExists(w, r, docID) {
		return
	}

	def, ovr, err := h.dir.DocPrefs(r.Context(), docID, user.ID)
	if err != nil {
		logger.Error("api: read prefs failed", "docId", docID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	respondJSON(w, http.StatusOK, notificationsConfig{DocDefaults: def, CurrentUser: ovr})
}

// configWrite is the POST body; absent records are left untouched.
type configWrite struct {
	DocDefaults *json.RawMessage `json:"docDefaults"`
	CurrentUser *json.RawMessage `json:"currentUser"`
}

// HandleSetNotificationsConfig validates and stores one or both preference
// records. Responds null on success, mirroring the read side's JSON body
// convention.
//
//	POST /api/docs/{docID}/notifications-config
func (h *Handlers) HandleSetNotificationsConfig(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	docID := chi.URLParam(r, "docID")
	if !h.docExists(w, r, docID) {
		return
	}

	var body configWrite
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	var def, cur *prefs.Prefs
	if body.DocDefaults != nil {
		rec, err := prefs.Parse(*body.DocDefaults)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		def = &rec
	}
	if body.CurrentUser != nil {
		rec, err := prefs.Parse(*body.CurrentUser)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		cur = &rec
	}

	if err := h.dir.SetDocPrefs(r.Context(), docID, user.ID, def, cur); err != nil {
		logger.Error("api: write prefs failed", "docId", docID, "userId", user.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to store preferences")
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (h *Handlers) currentUser(w http.ResponseWriter, r *http.Request) (*notify.User, bool) {
	user, err := h.resolve(r)
	if err != nil || user == nil {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	return user, true
}

func (h *Handlers) docExists(w http.ResponseWriter, r *http.Request, docID string) bool {
	if _, err := h.dir.Doc(r.Context(), docID); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			respondError(w, http.StatusNotFound, "unknown document")
		} else {
			logger.Error("api: doc lookup failed", "docId", docID, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to load document")
		}
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
