package event

import (
	"encoding/json"
	"fmt"
)

// FrameType distinguishes events from responses.
type FrameType string

const (
	FrameEvent FrameType = "event"
	FrameAck   FrameType = "ack"
)

// Frame is one websocket text message. An event frame with Ack > 0 asks the
// receiver to answer with an ack frame carrying the same id.
type Frame struct {
	Type    FrameType       `json:"type"`
	Name    Name            `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ack     int64           `json:"ack,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EncodeEvent marshals an event frame for name with an arbitrary payload.
func EncodeEvent(name Name, payload any, ack int64) ([]byte, error) {
	if !name.Sendable() {
		return nil, fmt.Errorf("cannot send event %q", name)
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return json.Marshal(Frame{Type: FrameEvent, Name: name, Payload: raw, Ack: ack})
}

// Encode validates and marshals a typed event.
func Encode(ev Event) ([]byte, error) {
	if err := Validate(ev); err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventName(), err)
	}
	return EncodeEvent(ev.EventName(), ev, 0)
}

// EncodeAck marshals the response to request id. A non-nil respErr is sent
// as the error string and payload is ignored.
func EncodeAck(id int64, payload any, respErr error) ([]byte, error) {
	f := Frame{Type: FrameAck, Ack: id}
	if respErr != nil {
		f.Error = respErr.Error()
		return json.Marshal(f)
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode ack %d: %w", id, err)
	}
	f.Payload = raw
	return json.Marshal(f)
}

// ParseFrame unmarshals a frame and checks its shape.
func ParseFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("parse frame: %w", err)
	}
	switch f.Type {
	case FrameEvent:
		if !f.Name.Sendable() {
			return f, fmt.Errorf("parse frame: unknown event %q", f.Name)
		}
	case FrameAck:
		if f.Ack <= 0 {
			return f, fmt.Errorf("parse frame: ack without id")
		}
	default:
		return f, fmt.Errorf("parse frame: unknown type %q", f.Type)
	}
	return f, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(payload)
}
