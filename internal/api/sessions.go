package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/adstudio/internal/coordinator"
	"github.com/ashureev/adstudio/internal/domain"
	"github.com/ashureev/adstudio/internal/identity"
	"github.com/ashureev/adstudio/internal/ratelimit"
)

// SessionHandler serves the session lifecycle routes.
type SessionHandler struct {
	coord   *coordinator.Coordinator
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewSessionHandler creates a session handler. A nil limiter disables the
// per-client session creation limit.
func NewSessionHandler(coord *coordinator.Coordinator, limiter *ratelimit.Limiter, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{coord: coord, limiter: limiter, logger: logger}
}

// RegisterRoutes registers the session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Status)
			r.Get("/document", h.Document)
			r.Post("/analysis", h.Analyze)
			r.Post("/turns", h.Turn)
			r.Post("/handoff", h.Handoff)
			r.Post("/complete", h.Complete)
			r.Get("/messages", h.Messages)
			r.Get("/handoffs", h.Handoffs)
		})
	})
}

type analyzeRequest struct {
	Description string `json:"description"`
}

type turnRequest struct {
	Content string `json:"content"`
}

// Create starts a new session for the calling client.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())
	if h.limiter != nil && !h.limiter.Allow(clientID) {
		h.logger.Warn("Session creation rate limited", "client_id", clientID, "ip", identity.IPFromRequest(r))
		WriteError(w, r, h.logger, domain.ErrRateLimited)
		return
	}

	var req coordinator.StartRequest
	if err := decode(w, r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	req.ClientID = clientID
	if req.Locale == "" {
		req.Locale = identity.LocaleFromContext(r.Context())
	}

	s, err := h.coord.StartSession(r.Context(), req)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	JSON(w, http.StatusCreated, s)
}

// Status returns the session summary.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp, err := h.coord.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, resp)
}

// Document returns the full session document.
func (h *SessionHandler) Document(w http.ResponseWriter, r *http.Request) {
	s, err := h.coord.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

// Analyze runs product analysis.
func (h *SessionHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decode(w, r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	s, err := h.coord.AnalyzeProduct(r.Context(), chi.URLParam(r, "id"), req.Description)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

// Turn submits one user message.
func (h *SessionHandler) Turn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decode(w, r, &req); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	res, err := h.coord.SubmitTurn(r.Context(), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// Handoff requests a handoff to the next agent. A handoff that fails
// validation answers 422 with the blocking reasons.
func (h *SessionHandler) Handoff(w http.ResponseWriter, r *http.Request) {
	res, err := h.coord.RequestHandoff(r.Context(), chi.URLParam(r, "id"))
	var vErr *domain.ValidationError
	switch {
	case err == nil:
		JSON(w, http.StatusOK, res)
	case errors.As(err, &vErr):
		h.logger.Info("Handoff rejected", "session_id", chi.URLParam(r, "id"), "errors", vErr.Errors)
		JSON(w, http.StatusUnprocessableEntity, NewErrorResponse(err))
	default:
		WriteError(w, r, h.logger, err)
	}
}

// Complete closes the session.
func (h *SessionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	s, err := h.coord.Complete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

// Messages returns the chat log.
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.coord.Messages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if msgs == nil {
		msgs = []*domain.ChatMessage{}
	}
	JSON(w, http.StatusOK, msgs)
}

// Handoffs returns the handoff audit trail.
func (h *SessionHandler) Handoffs(w http.ResponseWriter, r *http.Request) {
	records, err := h.coord.Handoffs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if records == nil {
		records = []*domain.HandoffAuditRecord{}
	}
	JSON(w, http.StatusOK, records)
}
