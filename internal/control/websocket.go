package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wireFrame is the websocket framing around a control message. The id, when
// present, correlates the reply frame with its request; fire-and-forget
// messages omit it and get no reply frame.
type wireFrame struct {
	ID   string          `json:"id,omitempty"`
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type replyFrame struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// WebsocketServer exposes the control channel over a websocket endpoint.
type WebsocketServer struct {
	channel  *Channel
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewWebsocketServer wraps the channel for HTTP serving. The control endpoint
// is local to the device, so cross-origin upgrades are allowed.
func NewWebsocketServer(channel *Channel, logger *zap.Logger) *WebsocketServer {
	return &WebsocketServer{
		channel: channel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the connection and pumps control messages until the
// client disconnects. Malformed frames are logged and skipped; the
// connection stays open for subsequent messages.
func (s *WebsocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("control websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// gorilla allows one concurrent writer per connection.
	var writeMu sync.Mutex
	writeReply := func(frame replyFrame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(frame); err != nil {
			s.logger.Debug("control reply write failed", zap.Error(err))
		}
	}

	for {
		var raw wireFrame
		if err := conn.ReadJSON(&raw); err != nil {
			// A frame that is not valid JSON only poisons that frame; the
			// connection stays usable for the next one.
			if isDecodeError(err) {
				s.logger.Warn("malformed control frame skipped", zap.Error(err))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("control websocket closed", zap.Error(err))
			}
			return
		}
		if raw.Type == "" {
			s.logger.Debug("control frame without type ignored")
			continue
		}

		msg := Message{Type: raw.Type, Data: raw.Data}
		if raw.ID == "" {
			s.channel.Dispatch(msg)
			continue
		}

		// Each correlated request waits on its own reply channel.
		id := raw.ID
		reply := s.channel.Submit(msg)
		go func() {
			resp := <-reply
			frame := replyFrame{ID: id, OK: resp.Err == nil, Data: resp.Data}
			if resp.Err != nil {
				frame.Error = resp.Err.Error()
			}
			writeReply(frame)
		}()
	}
}

// isDecodeError reports whether a ReadJSON failure came from unmarshaling the
// frame rather than from the connection itself.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
