// Package ipc provides the HTTP API in front of the turn engine.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/skald-rpg/engine/internal/domain"
	"github.com/skald-rpg/engine/internal/turn"
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Sessions *turn.SessionService
}

// CreateSessionRequest is the body for POST /api/v1/session.
type CreateSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// InputRequest is the body for POST /api/v1/session/{sessionID}/input.
type InputRequest struct {
	Text     string `json:"text"`
	ResumeOf string `json:"resume_of,omitempty"`
	Answer   string `json:"answer,omitempty"`
}

// PendingResponse wraps the session's open pending action, if any.
type PendingResponse struct {
	Pending *pendingView `json:"pending"`
}

type pendingView struct {
	TurnID        string                  `json:"turn_id"`
	Agent         string                  `json:"agent"`
	OriginalInput string                  `json:"original_input"`
	Prompt        domain.PromptDescriptor `json:"prompt"`
	ExpiresAtUnix int64                   `json:"expires_at_unix"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateSession handles POST /api/v1/session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	snap, err := h.Sessions.CreateSession(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// GetSession handles GET /api/v1/session/{sessionID}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	snap, err := h.Sessions.Snapshot(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// SubmitInput handles POST /api/v1/session/{sessionID}/input.
func (h *Handler) SubmitInput(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	var req InputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "text is required"})
		return
	}

	outcome, err := h.Sessions.SubmitInput(r.Context(), domain.TurnInput{
		SessionID: sessionID,
		Text:      req.Text,
		ResumeOf:  req.ResumeOf,
		Answer:    req.Answer,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// ListEvents handles GET /api/v1/session/{sessionID}/events?since_seq=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	sinceSeq := int64(0)
	if s := r.URL.Query().Get("since_seq"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			sinceSeq = parsed
		}
	}

	events, err := h.Sessions.Events(r.Context(), sessionID, sinceSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetPending handles GET /api/v1/session/{sessionID}/pending.
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	p, err := h.Sessions.Pending(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := PendingResponse{}
	if p != nil {
		resp.Pending = &pendingView{
			TurnID:        p.TurnID,
			Agent:         p.Agent,
			OriginalInput: p.OriginalInput,
			Prompt:        p.Prompt,
			ExpiresAtUnix: p.ExpiresAtUnix,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListFacts handles GET /api/v1/session/{sessionID}/facts.
func (h *Handler) ListFacts(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	facts, err := h.Sessions.Facts(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if facts == nil {
		facts = []domain.Fact{}
	}
	writeJSON(w, http.StatusOK, facts)
}

// StreamEvents handles GET /api/v1/session/{sessionID}/events/stream (SSE).
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, err := h.Sessions.Events(r.Context(), sessionID, 0)
	if err != nil {
		writeSSEError(w, flusher, err)
		return
	}
	for _, ev := range events {
		writeSSEEvent(w, flusher, ev)
	}

	lastSeq := int64(0)
	if len(events) > 0 {
		lastSeq = events[len(events)-1].SeqNo
	}

	ctx := r.Context()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			newEvents, err := h.Sessions.Events(ctx, sessionID, lastSeq)
			if err != nil {
				return
			}
			for _, ev := range newEvents {
				writeSSEEvent(w, flusher, ev)
				lastSeq = ev.SeqNo
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		status := http.StatusInternalServerError
		switch engErr.Code {
		case domain.ErrSessionNotFound.Code, domain.ErrTurnNotFound.Code, domain.ErrPendingNotFound.Code:
			status = http.StatusNotFound
		case domain.ErrDuplicateSession.Code:
			status = http.StatusConflict
		case domain.ErrSessionBusy.Code:
			status = http.StatusTooManyRequests
		case domain.ErrPendingMismatch.Code, domain.ErrPendingExpired.Code:
			status = http.StatusUnprocessableEntity
		case domain.ErrConfigInvalid.Code, domain.ErrModuleInvalid.Code:
			status = http.StatusBadRequest
		}
		writeJSON(w, status, APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.Event) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
