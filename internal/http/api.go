package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"autoreply/internal/model"
	"autoreply/internal/session"
	"autoreply/internal/storage"
	"autoreply/internal/wa"
)

type API struct {
	Store    *storage.Store
	Registry *session.Registry
	Router   *chi.Mux
	Log      zerolog.Logger
}

func NewRouter(store *storage.Store, registry *session.Registry, log zerolog.Logger) *chi.Mux {
	api := &API{
		Store:    store,
		Registry: registry,
		Router:   chi.NewRouter(),
		Log:      log.With().Str("component", "http").Logger(),
	}
	r := api.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors)

	api.routes()
	return r
}

func (a *API) routes() {
	a.Router.Get("/api/health", a.handleHealth)

	a.Router.Get("/api/accounts", a.handleListAccounts)
	a.Router.Post("/api/accounts", a.handleCreateAccount)
	a.Router.Get("/api/accounts/{id}", a.handleGetAccount)
	a.Router.Put("/api/accounts/{id}", a.handleUpdateAccount)
	a.Router.Delete("/api/accounts/{id}", a.handleDeleteAccount)

	a.Router.Get("/api/accounts/{id}/config", a.handleGetConfig)
	a.Router.Put("/api/accounts/{id}/config", a.handlePutConfig)
	a.Router.Patch("/api/accounts/{id}/config", a.handlePatchConfig)

	a.Router.Get("/api/accounts/{id}/templates", a.handleListTemplates)
	a.Router.Post("/api/accounts/{id}/templates", a.handleCreateTemplate)
	a.Router.Post("/api/templates/{tid}/toggle", a.handleToggleTemplate)
	a.Router.Delete("/api/templates/{tid}", a.handleDeleteTemplate)

	// Session lifecycle
	a.Router.Post("/api/accounts/{id}/session", a.handleStartSession)
	a.Router.Delete("/api/accounts/{id}/session", a.handleStopSession)
	a.Router.Post("/api/accounts/{id}/session/reconnect", a.handleReconnect)
	a.Router.Get("/api/accounts/{id}/session", a.handleSessionInfo)
	a.Router.Get("/api/accounts/{id}/session/qr.png", a.handleSessionQR)

	a.Router.Get("/api/stats", a.handleStats)

	// Registry event streaming (SSE)
	a.Router.Get("/api/events", a.handleEventsStream)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Format(time.RFC3339),
	})
}

type createAccountReq struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeErr(w, http.StatusBadRequest, "name required")
		return
	}
	id, err := a.Store.CreateAccount(req.Name, req.Phone)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListAccounts()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	acc, err := a.Store.GetAccount(id)
	if errors.Is(err, model.ErrAccountNotFound) {
		writeErr(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

type updateAccountReq struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func (a *API) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	var req updateAccountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := a.Store.UpdateAccount(id, req.Name, req.Phone); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": 1})
}

func (a *API) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	// Tear the session down first so the binding never outlives the record.
	if err := a.Registry.DestroySession(id); err != nil {
		a.Log.Warn().Err(err).Str("account", id).Msg("destroy before delete failed")
	}
	if err := a.Store.DeleteAccount(id); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": 1})
}

func (a *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	cfg, err := a.Store.GetConfig(id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	var cfg model.RuntimeConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := a.Store.PutConfig(id, cfg); err != nil {
		a.writeConfigErr(w, err)
		return
	}
	a.hotSwap(id, cfg)
	writeJSON(w, http.StatusOK, cfg)
}

// handlePatchConfig merges a partial update and hot-swaps the live session
// without a restart.
func (a *API) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	var patch model.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	current, err := a.Store.GetConfig(id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	merged := current.Merge(patch)
	if err := a.Store.PutConfig(id, merged); err != nil {
		a.writeConfigErr(w, err)
		return
	}
	a.hotSwap(id, merged)
	writeJSON(w, http.StatusOK, merged)
}

func (a *API) hotSwap(accountID string, cfg model.RuntimeConfig) {
	if sess, ok := a.Registry.Get(accountID); ok {
		if err := sess.SetConfig(cfg); err != nil {
			a.Log.Warn().Err(err).Str("account", accountID).Msg("config hot swap rejected")
		}
	}
}

func (a *API) writeConfigErr(w http.ResponseWriter, err error) {
	if errors.Is(err, model.ErrConfigInvalid) {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeErr(w, http.StatusInternalServerError, err.Error())
}

func (a *API) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	typ := r.URL.Query().Get("type")
	list, err := a.Store.ListTemplates(id, typ, false)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type createTemplateReq struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Enabled *bool  `json:"enabled"`
}

func (a *API) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	var req createTemplateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Text == "" {
		writeErr(w, http.StatusBadRequest, "text required")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	tid, err := a.Store.CreateTemplate(id, req.Type, req.Text, enabled)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": tid})
}

type toggleTemplateReq struct {
	Enabled bool `json:"enabled"`
}

func (a *API) handleToggleTemplate(w http.ResponseWriter, r *http.Request) {
	tid := chi.URLParam(r, "tid")
	var req toggleTemplateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	n, err := a.Store.ToggleTemplate(tid, req.Enabled)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": n})
}

func (a *API) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	tid := chi.URLParam(r, "tid")
	if err := a.Store.DeleteTemplate(tid); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": 1})
}

func (a *API) handleStartSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := a.Registry.CreateSession(r.Context(), id)
	if errors.Is(err, model.ErrAccountNotFound) {
		writeErr(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (a *API) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Registry.DestroySession(id); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": 1})
}

func (a *API) handleReconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := a.Registry.Get(id)
	if !ok {
		writeErr(w, http.StatusNotFound, "no session for account")
		return
	}
	if err := sess.Reconnect(r.Context()); err != nil {
		if errors.Is(err, model.ErrAlreadyDestroyed) {
			writeErr(w, http.StatusConflict, err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (a *API) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := a.Registry.Get(id)
	if !ok {
		writeErr(w, http.StatusNotFound, "no session for account")
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (a *API) handleSessionQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := a.Registry.Get(id)
	if !ok {
		writeErr(w, http.StatusNotFound, "no session for account")
		return
	}
	info := sess.Info()
	if info.QR == "" {
		writeErr(w, http.StatusNotFound, "no QR pending")
		return
	}
	png, err := wa.QRPNG(info.QR)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	g, err := a.Registry.GlobalStats()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleEventsStream streams registry events as SSE for the dashboard.
func (a *API) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch := a.Registry.Subscribe(32)
	defer a.Registry.Unsubscribe(ch)

	// kick off stream
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			payload := map[string]any{
				"account_id": ev.AccountID,
				"kind":       ev.Kind,
			}
			if ev.Phone != "" {
				payload["phone"] = ev.Phone
			}
			if ev.Reason != "" {
				payload["reason"] = ev.Reason
			}
			if ev.Err != nil {
				payload["error"] = ev.Err.Error()
			}
			if ev.Kind == wa.EventQR {
				payload["qr"] = ev.QR
			}
			b, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: session:%s\ndata: %s\n\n", ev.Kind, b)
			flusher.Flush()
		}
	}
}

func (a *API) requireAccount(w http.ResponseWriter, id string) bool {
	exists, err := a.Store.AccountExists(id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return false
	}
	if !exists {
		writeErr(w, http.StatusNotFound, "account not found")
		return false
	}
	return true
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
