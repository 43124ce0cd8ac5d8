package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
	"github.com/tjfontaine/trialmatch/internal/session"
)

const (
	wsPingInterval  = 30 * time.Second
	wsReadDeadline  = 60 * time.Second
	wsWriteDeadline = 10 * time.Second
	wsMaxMessage    = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Client message types.
const (
	ClientTurn   = "turn"
	ClientRetry  = "retry"
	ClientCancel = "cancel"
)

// Server control message types. Canonical events are sent as-is and are
// told apart by their own type values.
const (
	ServerTurnStarted  = "turn-started"
	ServerRetrySkipped = "retry-skipped"
	ServerRejected     = "rejected"
)

// ClientMessage is a command sent by a websocket client.
type ClientMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ControlMessage answers a client command.
type ControlMessage struct {
	Type      string           `json:"type"`
	TurnID    string           `json:"turn_id,omitempty"`
	Retry     bool             `json:"retry,omitempty"`
	Kind      domain.ErrorKind `json:"kind,omitempty"`
	Message   string           `json:"message,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
}

// HandleWebSocket serves one client's turns over a single connection.
// Commands are processed in order; a turn command while a turn is running
// is rejected with session_busy, a cancel command aborts it. Closing the
// socket does not stop the turn.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if _, err := h.sessions.Get(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("websocket upgrade failed", slog.String("session_id", id), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	logger := h.logger.With(slog.String("session_id", id))
	logger.Info("websocket connected")

	incoming := make(chan ClientMessage)
	done := make(chan struct{})
	defer close(done)
	go readPump(conn, incoming, done, logger)

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	var (
		turn   *session.Turn
		events <-chan domain.StreamEvent
	)
	defer func() {
		if turn != nil {
			go drain(turn)
		}
		logger.Info("websocket closed")
	}()

	for {
		select {
		case msg, ok := <-incoming:
			if !ok {
				return
			}
			if msg.Type == ClientCancel {
				if turn != nil {
					turn.Cancel()
				}
				continue
			}
			if turn != nil {
				err := domain.ErrSessionBusy(id)
				if writeWS(conn, rejection(err)) != nil {
					return
				}
				continue
			}

			var started *session.Turn
			var cmdErr error
			switch msg.Type {
			case ClientTurn:
				started, cmdErr = h.sessions.StartTurn(r.Context(), id, msg.Text)
			case ClientRetry:
				started, cmdErr = h.sessions.Retry(r.Context(), id)
				if cmdErr == nil && started == nil {
					if writeWS(conn, ControlMessage{Type: ServerRetrySkipped}) != nil {
						return
					}
					continue
				}
			default:
				cmdErr = domain.ErrInvalidRequest(fmt.Sprintf("unknown message type %q", msg.Type))
			}

			if cmdErr != nil {
				logger.Info("websocket command rejected", slog.String("type", msg.Type), slog.String("error", cmdErr.Error()))
				if writeWS(conn, rejection(cmdErr)) != nil {
					return
				}
				continue
			}

			turn, events = started, started.Events()
			if writeWS(conn, ControlMessage{Type: ServerTurnStarted, TurnID: turn.ID, Retry: turn.Retry}) != nil {
				return
			}

		case ev, ok := <-events:
			if !ok {
				turn, events = nil, nil
				continue
			}
			if writeWS(conn, ev) != nil {
				return
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes client commands until the connection fails or done is
// closed, then closes out.
func readPump(conn *websocket.Conn, out chan<- ClientMessage, done <-chan struct{}, logger *slog.Logger) {
	defer close(out)

	conn.SetReadLimit(wsMaxMessage)
	conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			msg = ClientMessage{}
		}
		select {
		case out <- msg:
		case <-done:
			return
		}
	}
}

func rejection(err error) ControlMessage {
	msg := ControlMessage{Type: ServerRejected, Kind: "internal_error", Message: "internal server error"}
	var derr *domain.Error
	if errors.As(err, &derr) {
		msg.Kind = derr.Kind
		msg.Message = derr.Message
		msg.Retryable = derr.Retryable
	}
	return msg
}

func writeWS(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	return conn.WriteJSON(v)
}
