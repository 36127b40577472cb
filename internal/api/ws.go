package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsMaxMessage = 1 << 20
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// wsError is sent when a frame cannot be handled.
type wsError struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Error          string `json:"error"`
}

// handleWebSocket carries chat over a socket. Each inbound frame is a
// [ChatRequest]; each reply is a [ChatResponse]. Frames without a
// conversation_id use the one from the query string, or a fresh id
// for the life of the socket. Turns run one at a time per socket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	defaultID := r.URL.Query().Get("conversation_id")
	if defaultID == "" {
		defaultID = uuid.NewString()
	}
	s.logger.Info("websocket connected", "conversation", defaultID, "remote", r.RemoteAddr)

	conn.SetReadLimit(wsMaxMessage)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ctx := r.Context()
	frames := make(chan ChatRequest)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			var req ChatRequest
			if err := conn.ReadJSON(&req); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- req:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	write := func(v any) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(v); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return false
		}
		return true
	}

	// inbound is nil while a turn is running so frames queue up behind
	// it; pings keep flowing meanwhile.
	inbound := (<-chan ChatRequest)(frames)
	results := make(chan any, 1)

	for {
		select {
		case <-ctx.Done():
			return

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case v := <-results:
			inbound = frames
			if !write(v) {
				return
			}

		case req, ok := <-inbound:
			if !ok {
				err := <-readErr
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Warn("websocket closed unexpectedly", "conversation", defaultID, "error", err)
				} else {
					s.logger.Info("websocket disconnected", "conversation", defaultID)
				}
				return
			}

			convID := req.ConversationID
			if convID == "" {
				convID = defaultID
			}
			if strings.TrimSpace(req.Message) == "" {
				if !write(wsError{ConversationID: convID, Error: "message is required"}) {
					return
				}
				continue
			}

			inbound = nil
			go func() {
				resp, err := s.converse(ctx, convID, req.Message)
				if err != nil {
					s.logger.Error("websocket turn failed", "conversation", convID, "error", err)
					results <- wsError{ConversationID: convID, Error: "agent error: " + err.Error()}
					return
				}
				results <- resp
			}()
		}
	}
}
