// Package relay contains the core of the message relay: the message record,
// the store and bus contracts shared by every server process, ingest, and
// delivery fan-out.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidMessage is returned when a submission fails boundary validation.
var ErrInvalidMessage = errors.New("invalid message")

// Message is the single domain entity: one immutable chat line. The JSON
// shape {"username","text","ts"} is the wire contract for submissions, bus
// payloads, and broadcasts alike.
type Message struct {
	Username string `json:"username"`
	Text     string `json:"text"`
	Ts       int64  `json:"ts"` // milliseconds since epoch
}

// Validate checks the boundary contract: username and text must both be
// non-empty. Whitespace-only values count as empty. The text is otherwise
// opaque; rendering and escaping belong to the transport layer.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Username) == "" {
		return fmt.Errorf("%w: missing username", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("%w: missing text", ErrInvalidMessage)
	}
	return nil
}

// Normalize assigns the wall-clock time in milliseconds when the client
// supplied no usable timestamp. Zero and negative values count as absent.
func (m *Message) Normalize(now time.Time) {
	if m.Ts <= 0 {
		m.Ts = now.UnixMilli()
	}
}

// EncodeMessage serializes a message to its wire form.
func EncodeMessage(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a wire payload into a message. It does not validate;
// callers decide whether a decoded message is acceptable.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return m, nil
}
