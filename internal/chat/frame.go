package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType is the kind of a chat frame carried in a STOMP body.
type FrameType string

const (
	FrameMessage FrameType = "MESSAGE"
	FrameReceive FrameType = "RECEIVE"
	FrameRead    FrameType = "READ"
	FrameTyping  FrameType = "TYPING"
)

// Frame is the JSON payload exchanged over the socket.
type Frame struct {
	Type      FrameType `json:"type"`
	RoomID    ID        `json:"roomId"`
	CreatedAt string    `json:"createdAt"`
	Sender    ID        `json:"sender,omitempty"`
	Message   string    `json:"message,omitempty"`
	Receiver  ID        `json:"receiver,omitempty"`
	ReceiveAt string    `json:"receiveAt,omitempty"`
}

// NewMessageFrame builds an outgoing MESSAGE frame.
func NewMessageFrame(roomID, sender ID, body string, at time.Time) Frame {
	return Frame{
		Type:      FrameMessage,
		RoomID:    roomID,
		CreatedAt: FormatTime(at),
		Sender:    sender,
		Message:   body,
	}
}

// NewReceiptFrame builds an outgoing RECEIVE frame acknowledging everything
// in the room up to at.
func NewReceiptFrame(roomID, receiver ID, at time.Time) Frame {
	ts := FormatTime(at)
	return Frame{
		Type:      FrameReceive,
		RoomID:    roomID,
		CreatedAt: ts,
		Receiver:  receiver,
		ReceiveAt: ts,
	}
}

// messageWire, receiveWire and baseWire are the only shapes put on the wire.
type baseWire struct {
	Type      FrameType `json:"type"`
	RoomID    ID        `json:"roomId"`
	CreatedAt string    `json:"createdAt"`
}

type messageWire struct {
	baseWire
	Sender  ID     `json:"sender"`
	Message string `json:"message"`
}

type receiveWire struct {
	baseWire
	Receiver  ID     `json:"receiver"`
	ReceiveAt string `json:"receiveAt"`
}

// Encode serialises the minimal projection of f for its type.
func (f Frame) Encode() ([]byte, error) {
	base := baseWire{Type: f.Type, RoomID: f.RoomID, CreatedAt: f.CreatedAt}
	var v any
	switch f.Type {
	case FrameMessage:
		v = messageWire{baseWire: base, Sender: f.Sender, Message: f.Message}
	case FrameReceive:
		v = receiveWire{baseWire: base, Receiver: f.Receiver, ReceiveAt: f.ReceiveAt}
	case FrameRead, FrameTyping:
		v = base
	default:
		return nil, fmt.Errorf("chat: unknown frame type %q", f.Type)
	}
	return json.Marshal(v)
}

// DecodeFrame parses a frame body received from the socket.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("chat: decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("chat: decode frame: missing type")
	}
	if f.RoomID == "" {
		return Frame{}, fmt.Errorf("chat: decode frame: missing roomId")
	}
	return f, nil
}
