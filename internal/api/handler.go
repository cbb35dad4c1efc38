// Package api exposes the session dispatch operations over HTTP. It is
// plumbing around the dispatch core: parsing, store bookkeeping and status
// reporting live here, the state machine does not.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"blastd/internal/delivery"
	"blastd/internal/dispatch"
	"blastd/internal/store"
	logx "blastd/pkg/logx"
)

// Defaults fills start-request fields the caller omitted.
type Defaults struct {
	DelaySeconds   int
	CredentialFile string
	Phone          string
}

type Handler struct {
	sup      *dispatch.Supervisor
	st       store.Store
	defaults Defaults
	log      logx.Logger
}

func NewHandler(sup *dispatch.Supervisor, st store.Store, defaults Defaults, log logx.Logger) *Handler {
	if defaults.DelaySeconds <= 0 {
		defaults.DelaySeconds = 5
	}
	return &Handler{sup: sup, st: st, defaults: defaults, log: log}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", h.health)
	r.Post("/sessions", h.startSession)
	r.Get("/sessions", h.listSessions)
	r.Get("/sessions/{id}", h.getSession)
	r.Delete("/sessions/{id}", h.stopSession)
	return r
}

type startRequest struct {
	SessionID      string `json:"session_id,omitempty"`
	Targets        string `json:"targets"`
	MessageText    string `json:"message_text,omitempty"`
	MessageFile    string `json:"message_file,omitempty"`
	DelaySeconds   int    `json:"delay_seconds,omitempty"`
	ConnectionMode string `json:"connection_mode,omitempty"`
	CredentialFile string `json:"credential_file,omitempty"`
	Phone          string `json:"phone,omitempty"`
}

type sessionResponse struct {
	SessionID    string    `json:"session_id"`
	Targets      []string  `json:"targets"`
	Messages     []string  `json:"messages"`
	DelaySeconds int       `json:"delay_seconds"`
	Mode         string    `json:"connection_mode"`
	Active       bool      `json:"active"`
	Live         bool      `json:"live"`
	MessageCount int64     `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "live_sessions": len(h.sup.LiveIDs())})
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	mode, err := delivery.ParseMode(req.ConnectionMode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	targets := dispatch.ParseTargets(req.Targets)
	messages, err := dispatch.ResolveMessages(req.MessageText, req.MessageFile)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	delaySec := req.DelaySeconds
	if delaySec <= 0 {
		delaySec = h.defaults.DelaySeconds
	}
	material := delivery.Material{
		CredentialFile: req.CredentialFile,
		Phone:          req.Phone,
	}
	if material.CredentialFile == "" {
		material.CredentialFile = h.defaults.CredentialFile
	}
	if material.Phone == "" {
		material.Phone = h.defaults.Phone
	}

	err = h.sup.Start(r.Context(), dispatch.SessionConfig{
		ID:       id,
		Targets:  targets,
		Messages: messages,
		Delay:    time.Duration(delaySec) * time.Second,
		Mode:     mode,
		Material: material,
	})
	if err != nil {
		var ce *dispatch.ConfigError
		var ae *delivery.AcquireError
		switch {
		case errors.As(err, &ce):
			writeError(w, http.StatusBadRequest, ce.Error())
		case errors.As(err, &ae):
			writeError(w, http.StatusBadGateway, ae.Error())
		default:
			h.log.Error("session start failed", logx.String("session", id), logx.Err(err))
			writeError(w, http.StatusInternalServerError, "start failed")
		}
		return
	}

	rec, err := h.st.CreateSession(r.Context(), store.Record{
		ID:           id,
		Targets:      targets,
		Messages:     messages,
		DelaySeconds: delaySec,
		Mode:         string(mode),
	})
	if err == nil {
		rec, err = h.st.UpdateActive(r.Context(), id, true)
	}
	if err != nil {
		// The session is running; the record is best-effort bookkeeping.
		h.log.Warn("session record write failed", logx.String("session", id), logx.Err(err))
	}

	writeJSON(w, http.StatusCreated, toResponse(rec, h.sup.IsLive(id)))
}

func (h *Handler) stopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sup.Stop(id); err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no live session for id "+id)
			return
		}
		h.log.Error("session stop failed", logx.String("session", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "stop failed")
		return
	}
	rec, err := h.st.UpdateActive(r.Context(), id, false)
	if err != nil {
		h.log.Warn("session record update failed", logx.String("session", id), logx.Err(err))
	}
	writeJSON(w, http.StatusOK, toResponse(rec, false))
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.st.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown session id "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(rec, h.sup.IsLive(id)))
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	recs, err := h.st.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	out := make([]sessionResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toResponse(rec, h.sup.IsLive(rec.ID)))
	}
	writeJSON(w, http.StatusOK, out)
}

func toResponse(rec store.Record, live bool) sessionResponse {
	return sessionResponse{
		SessionID:    rec.ID,
		Targets:      rec.Targets,
		Messages:     rec.Messages,
		DelaySeconds: rec.DelaySeconds,
		Mode:         rec.Mode,
		Active:       rec.Active,
		Live:         live,
		MessageCount: rec.MessageCount,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
