// Package protocol defines the JSON frames exchanged with the messaging
// backend over the persistent connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType is the discriminator carried in every frame.
type FrameType string

// Inbound frame types.
const (
	TypeChatMessage    FrameType = "chat-message"
	TypeChatListDelta  FrameType = "chat-list-delta"
	TypePresenceUpdate FrameType = "presence-update"
	TypeContactAdded   FrameType = "contact-added"
	TypeAck            FrameType = "ack"
	TypeNack           FrameType = "nack"
	TypePong           FrameType = "pong"
)

// Outbound frame types.
const (
	TypeSendMessage      FrameType = "send-message"
	TypeSendContact      FrameType = "send-contact"
	TypePing             FrameType = "ping"
	TypeReadReceipt      FrameType = "read-receipt"
	TypePresenceAnnounce FrameType = "presence-announce"
)

// ErrMalformedFrame is returned when bytes cannot be decoded into a frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the tagged envelope {type, payload}.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a frame of the given type.
func NewFrame(t FrameType, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Frame{Type: t, Payload: data}, nil
}

// Encode serializes a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	if f.Type == "" {
		return nil, fmt.Errorf("%w: empty type", ErrMalformedFrame)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode parses a frame from the wire. The payload is left raw; use
// Frame.Decode once the type is known.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}

// Decode unmarshals the payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: %s frame has no payload", ErrMalformedFrame, f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, f.Type, err)
	}
	return nil
}
