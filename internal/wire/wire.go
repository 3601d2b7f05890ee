// Package wire defines the real-time protocol spoken over WebSocket
// connections.
//
// Every frame is a JSON array [topic, event, payload]. Topics scope a frame to
// one session ("session:<id>"). Inbound payloads have a closed schema per
// event name and are decoded strictly; anything else is rejected at the
// boundary with ErrInvalidMessage.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/erg0nix/notebookd/internal/errs"
)

type Message struct {
	Topic   string
	Event   string
	Payload json.RawMessage
}

// NewMessage encodes payload. A nil payload is sent as {}.
func NewMessage(topic, event string, payload any) (Message, error) {
	if payload == nil {
		return Message{Topic: topic, Event: event, Payload: json.RawMessage("{}")}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("wire: encode %s payload: %w", event, err)
	}
	return Message{Topic: topic, Event: event, Payload: data}, nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	payload := m.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return json.Marshal([3]any{m.Topic, m.Event, payload})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("wire: %w: frame is not an array: %v", errs.ErrInvalidMessage, err)
	}
	if len(parts) != 3 {
		return fmt.Errorf("wire: %w: frame has %d elements, want 3", errs.ErrInvalidMessage, len(parts))
	}

	var topic, event string
	if err := json.Unmarshal(parts[0], &topic); err != nil || topic == "" {
		return fmt.Errorf("wire: %w: topic must be a non-empty string", errs.ErrInvalidMessage)
	}
	if err := json.Unmarshal(parts[1], &event); err != nil || event == "" {
		return fmt.Errorf("wire: %w: event must be a non-empty string", errs.ErrInvalidMessage)
	}
	trimmed := bytes.TrimSpace(parts[2])
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("wire: %w: payload must be an object", errs.ErrInvalidMessage)
	}

	m.Topic, m.Event, m.Payload = topic, event, parts[2]
	return nil
}

// Parse decodes one frame.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
