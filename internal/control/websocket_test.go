package control

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dialControl(t *testing.T, c *Channel) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewWebsocketServer(c, zap.NewNop()))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebsocketCorrelatedRequest(t *testing.T) {
	c := NewChannel(zap.NewNop())
	c.Handle(TypeGetStatus, func(json.RawMessage) (any, error) {
		return map[string]any{"running": true}, nil
	})
	conn := dialControl(t, c)

	require.NoError(t, conn.WriteJSON(wireFrame{ID: "req-1", Type: TypeGetStatus}))

	var frame replyFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "req-1", frame.ID)
	assert.True(t, frame.OK)

	data, ok := frame.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, data["running"])
}

func TestWebsocketHandlerErrorReply(t *testing.T) {
	c := NewChannel(zap.NewNop())
	c.Handle(TypeTrackView, func(data json.RawMessage) (any, error) {
		var body struct {
			ItemID string `json:"item_id"`
		}
		return nil, DecodeData(data, &body)
	})
	conn := dialControl(t, c)

	require.NoError(t, conn.WriteJSON(wireFrame{ID: "req-2", Type: TypeTrackView}))

	var frame replyFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "req-2", frame.ID)
	assert.False(t, frame.OK)
	assert.Contains(t, frame.Error, "message has no data")
}

func TestWebsocketFireAndForget(t *testing.T) {
	handled := make(chan string, 1)
	c := NewChannel(zap.NewNop())
	c.Handle(TypeTrackGenre, func(data json.RawMessage) (any, error) {
		var body struct {
			Genre string `json:"genre"`
		}
		if err := DecodeData(data, &body); err != nil {
			return nil, err
		}
		handled <- body.Genre
		return nil, nil
	})
	c.Handle(TypeGetStatus, func(json.RawMessage) (any, error) { return "up", nil })
	conn := dialControl(t, c)

	// No id: the message is handled but produces no reply frame.
	require.NoError(t, conn.WriteJSON(wireFrame{
		Type: TypeTrackGenre,
		Data: json.RawMessage(`{"genre":"thriller"}`),
	}))

	select {
	case genre := <-handled:
		assert.Equal(t, "thriller", genre)
	case <-time.After(2 * time.Second):
		t.Fatal("fire-and-forget message never handled")
	}

	// The next correlated request gets the first reply frame on the wire.
	require.NoError(t, conn.WriteJSON(wireFrame{ID: "req-3", Type: TypeGetStatus}))

	var frame replyFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "req-3", frame.ID)
	assert.Equal(t, "up", frame.Data)
}

func TestWebsocketSurvivesMalformedFrame(t *testing.T) {
	c := NewChannel(zap.NewNop())
	c.Handle(TypeGetStatus, func(json.RawMessage) (any, error) { return "up", nil })
	conn := dialControl(t, c)

	// Garbage poisons only its own frame; the connection keeps serving.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	require.NoError(t, conn.WriteJSON(wireFrame{ID: "req-5", Type: TypeGetStatus}))

	var frame replyFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "req-5", frame.ID)
	assert.True(t, frame.OK)
	assert.Equal(t, "up", frame.Data)
}

func TestWebsocketSkipsFramesWithoutType(t *testing.T) {
	c := NewChannel(zap.NewNop())
	c.Handle(TypeGetStatus, func(json.RawMessage) (any, error) { return "up", nil })
	conn := dialControl(t, c)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"x"}`)))
	require.NoError(t, conn.WriteJSON(wireFrame{ID: "req-4", Type: TypeGetStatus}))

	var frame replyFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "req-4", frame.ID)
}
