// Package api exposes sessions over HTTP: JSON endpoints for session
// management, server-sent event streams for turns and a websocket for
// clients that keep one connection per session.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
	"github.com/tjfontaine/trialmatch/internal/core/ports"
	"github.com/tjfontaine/trialmatch/internal/server"
	"github.com/tjfontaine/trialmatch/internal/session"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the session API.
type Handler struct {
	sessions    *session.Coordinator
	metrics     http.Handler
	metricsPath string
	logger      *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetricsHandler mounts a metrics endpoint at path.
func WithMetricsHandler(path string, m http.Handler) Option {
	return func(h *Handler) {
		if path == "" {
			path = "/metrics"
		}
		h.metricsPath = path
		h.metrics = m
	}
}

func NewHandler(sessions *session.Coordinator, opts ...Option) *Handler {
	h := &Handler{
		sessions: sessions,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the API routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.HandleHealth)
	if h.metrics != nil {
		r.Method(http.MethodGet, h.metricsPath, h.metrics)
	}

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", h.HandleCreateSession)
		r.Get("/", h.HandleListSessions)
		r.Route("/{session_id}", func(r chi.Router) {
			r.Get("/", h.HandleGetSession)
			r.Delete("/", h.HandleDeleteSession)
			r.Put("/mode", h.HandleSetMode)
			r.Post("/turns", h.HandleStartTurn)
			r.Post("/retry", h.HandleRetry)
			r.Get("/ws", h.HandleWebSocket)
		})
	})
}

// CreateSessionRequest is the body of POST /v1/sessions. It may be empty.
type CreateSessionRequest struct {
	Mode domain.Mode `json:"mode,omitempty"`
}

// SetModeRequest is the body of PUT /v1/sessions/{id}/mode.
type SetModeRequest struct {
	Mode domain.Mode `json:"mode"`
}

// TurnRequest is the body of POST /v1/sessions/{id}/turns.
type TurnRequest struct {
	Text string `json:"text"`
}

// SessionList is the response of GET /v1/sessions.
type SessionList struct {
	Object string            `json:"object"`
	Data   []*domain.Session `json:"data"`
}

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Kind      domain.ErrorKind `json:"kind"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable,omitempty"`
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(r, &req, true); err != nil {
		h.writeError(w, r, err)
		return
	}

	sess, err := h.sessions.Create(r.Context(), req.Mode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "session_id", sess.ID)
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	opts := ports.ListOptions{Limit: 50}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, r, domain.ErrInvalidRequest("limit must be a non-negative integer"))
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, r, domain.ErrInvalidRequest("offset must be a non-negative integer"))
			return
		}
		opts.Offset = n
	}

	sessions, err := h.sessions.List(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	writeJSON(w, http.StatusOK, SessionList{Object: "list", Data: sessions})
}

func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	sess, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if err := h.sessions.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleSetMode(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	var req SetModeRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}

	sess, err := h.sessions.SetMode(r.Context(), id, req.Mode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// sessionID reads the path parameter and tags the request log with it.
func sessionID(r *http.Request) string {
	id := chi.URLParam(r, "session_id")
	server.AddLogField(r.Context(), "session_id", id)
	return id
}

// decodeBody decodes a JSON body into v. With allowEmpty an absent body
// leaves v untouched.
func decodeBody(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return domain.ErrInvalidRequest("invalid request body").WithCause(err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody maps err to its wire form and status code. Errors outside the
// canonical set are reported as internal errors without their text.
func errorBody(err error) (int, ErrorResponse) {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return derr.HTTPStatusCode(), ErrorResponse{Error: ErrorBody{
			Kind:      derr.Kind,
			Message:   derr.Message,
			Retryable: derr.Retryable,
		}}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: ErrorBody{
		Kind:    "internal_error",
		Message: "internal server error",
	}}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("request_id", server.GetRequestID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, body)
}
