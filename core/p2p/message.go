package p2p

import (
	"encoding/json"
	"fmt"
)

type MessageType string

// Message is the wire envelope: a type tag plus an opaque JSON body,
// newline-delimited on the stream.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func EncodeMessage(msgType MessageType, data any) ([]byte, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	envelope := Message{
		Type: msgType,
		Data: b,
	}
	return json.Marshal(envelope)
}

func DecodeMessage(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("decode failed: missing message type")
	}
	return &m, nil
}
