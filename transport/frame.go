package transport

import (
	"time"

	"github.com/google/uuid"

	"github.com/xraph/taskcrew/stream"
)

// FrameType identifies the kind of a wire frame.
type FrameType string

const (
	// FrameWelcome is sent once after the upgrade and carries the session.
	FrameWelcome FrameType = "welcome"
	// FrameEvent carries one step event.
	FrameEvent FrameType = "event"
	// FramePing is a client keepalive.
	FramePing FrameType = "ping"
	// FramePong answers a ping.
	FramePong FrameType = "pong"
	// FrameErr reports a problem with the connection or a client frame.
	FrameErr FrameType = "error"
)

// Frame is the envelope for every message on a stream connection.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type is the frame kind.
	Type FrameType `json:"type" msgpack:"type"`

	// CorrelID links a pong to its ping.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Topic is the topic an event was delivered on.
	Topic string `json:"topic,omitempty" msgpack:"topic,omitempty"`

	// Event is the step event of an event frame.
	Event *stream.StepEvent `json:"event,omitempty" msgpack:"event,omitempty"`

	// Session describes the connection in a welcome frame.
	Session *Session `json:"session,omitempty" msgpack:"session,omitempty"`

	// Error is set on error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Timestamp is when the frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// Session is the connection description sent in the welcome frame.
type Session struct {
	ConnectionID   string `json:"connection_id" msgpack:"connection_id"`
	SubscriptionID string `json:"subscription_id" msgpack:"subscription_id"`
	Topic          string `json:"topic" msgpack:"topic"`
	Format         string `json:"format" msgpack:"format"`
}

// ErrorDetail describes a frame-level error.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// Error codes used in error frames.
const (
	ErrCodeBadRequest  = 400
	ErrCodeUnsupported = 415
	ErrCodeDropped     = 410
	ErrCodeInternal    = 500
)

// NewEventFrame wraps evt for delivery on topic.
func NewEventFrame(topic string, evt *stream.StepEvent) *Frame {
	return &Frame{
		ID:        NewFrameID(),
		Type:      FrameEvent,
		Topic:     topic,
		Event:     evt,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorFrame creates an error frame, correlated to correlID when set.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:        NewFrameID(),
		Type:      FrameErr,
		CorrelID:  correlID,
		Error:     &ErrorDetail{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	}
}

// NewPingFrame creates a client keepalive frame.
func NewPingFrame() *Frame {
	return &Frame{
		ID:        NewFrameID(),
		Type:      FramePing,
		Timestamp: time.Now().UTC(),
	}
}

// NewPongFrame answers ping, echoing its timestamp so the client can
// measure the round trip.
func NewPongFrame(ping *Frame) *Frame {
	return &Frame{
		ID:        NewFrameID(),
		Type:      FramePong,
		CorrelID:  ping.ID,
		Timestamp: ping.Timestamp,
	}
}

// NewFrameID returns a new random frame ID.
func NewFrameID() string { return uuid.NewString() }
