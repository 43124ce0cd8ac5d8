package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/trialmatch/internal/server"
	"github.com/tjfontaine/trialmatch/internal/session"
	"github.com/tjfontaine/trialmatch/internal/sse"
)

// keepAliveInterval spaces comment frames while a stream is quiet, so
// proxies do not close it.
var keepAliveInterval = 15 * time.Second

func (h *Handler) HandleStartTurn(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	var req TurnRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}

	turn, err := h.sessions.StartTurn(r.Context(), id, req.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.streamTurn(w, r, turn)
}

// HandleRetry replays the last user input. It answers 204 when there is
// nothing to retry or a turn is already in flight.
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	turn, err := h.sessions.Retry(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if turn == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.streamTurn(w, r, turn)
}

// streamTurn writes the turn's events as server-sent events until
// stream-end. When the client goes away the turn keeps running and its
// remaining events are drained so the session still records the outcome.
func (h *Handler) streamTurn(w http.ResponseWriter, r *http.Request, turn *session.Turn) {
	server.AddLogField(r.Context(), "turn_id", turn.ID)

	sw, err := sse.NewWriter(w)
	if err != nil {
		turn.Cancel()
		go drain(turn)
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Turn-ID", turn.ID)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	events := turn.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sw.WriteEvent(string(ev.Type), ev); err != nil {
				h.detach(r, turn, err)
				return
			}
		case <-ticker.C:
			if err := sw.WriteComment("keep-alive"); err != nil {
				h.detach(r, turn, err)
				return
			}
		case <-r.Context().Done():
			h.detach(r, turn, r.Context().Err())
			return
		}
	}
}

// detach stops writing to a client that is gone and leaves the turn to
// finish on its own.
func (h *Handler) detach(r *http.Request, turn *session.Turn, cause error) {
	h.logger.Info("client left before turn finished",
		slog.String("session_id", turn.SessionID),
		slog.String("turn_id", turn.ID),
		slog.String("reason", cause.Error()),
	)
	server.AddLogField(r.Context(), "detached", "true")
	go drain(turn)
}

func drain(turn *session.Turn) {
	for range turn.Events() {
	}
}
