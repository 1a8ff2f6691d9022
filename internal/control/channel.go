// Package control implements the message protocol between the host
// application and the engine: typed messages with a type discriminator,
// dispatched through a handler table, with per-request reply channels.
package control

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/mediacache/mediacache/pkg/errors"
)

// MessageType discriminates control messages.
type MessageType string

const (
	TypeSetCredentials  MessageType = "SET_CREDENTIALS"
	TypeGetStatus       MessageType = "GET_STATUS"
	TypeClearCaches     MessageType = "CLEAR_CACHES"
	TypeSweepCaches     MessageType = "SWEEP_CACHES"
	TypeTrackView       MessageType = "TRACK_VIEW"
	TypeTrackSearch     MessageType = "TRACK_SEARCH"
	TypeTrackGenre      MessageType = "TRACK_GENRE"
	TypeTriggerPrefetch MessageType = "TRIGGER_PREFETCH"
	TypeScheduleSync    MessageType = "SCHEDULE_SYNC"
	TypeSetPreferences  MessageType = "SET_PREFERENCES"
	TypeGetPreferences  MessageType = "GET_PREFERENCES"
)

// Message is the wire envelope.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response carries a handler's reply payload or its error.
type Response struct {
	Data any
	Err  error
}

// Handler processes one message type. A nil reply payload means the message
// is fire-and-forget.
type Handler func(data json.RawMessage) (any, error)

// Channel routes messages to registered handlers. Unknown message types are
// a logged no-op, never an error: the channel stays usable.
type Channel struct {
	handlers map[MessageType]Handler
	logger   *zap.Logger
}

// NewChannel creates an empty channel; register handlers before use.
func NewChannel(logger *zap.Logger) *Channel {
	return &Channel{
		handlers: make(map[MessageType]Handler),
		logger:   logger,
	}
}

// Handle registers the handler for a message type, replacing any previous
// one. Registration happens during engine construction, before dispatch.
func (c *Channel) Handle(t MessageType, h Handler) {
	c.handlers[t] = h
}

// Dispatch runs the handler for the message synchronously.
func (c *Channel) Dispatch(msg Message) Response {
	h, ok := c.handlers[msg.Type]
	if !ok {
		c.logger.Debug("unknown control message type ignored",
			zap.String("type", string(msg.Type)))
		return Response{}
	}
	data, err := h(msg.Data)
	if err != nil {
		c.logger.Warn("control message handler failed",
			zap.String("type", string(msg.Type)), zap.Error(err))
	}
	return Response{Data: data, Err: err}
}

// Submit dispatches the message and delivers exactly one Response on a reply
// channel created for this request alone, so concurrent callers can never
// receive each other's replies.
func (c *Channel) Submit(msg Message) <-chan Response {
	reply := make(chan Response, 1)
	go func() {
		defer close(reply)
		reply <- c.Dispatch(msg)
	}()
	return reply
}

// DecodeData unmarshals a message's data into the given value, wrapping
// failures so they carry the malformed-message code.
func DecodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New(errors.ErrCodeMalformedMessage, "message has no data")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, errors.ErrCodeMalformedMessage, "decode message data")
	}
	return nil
}
