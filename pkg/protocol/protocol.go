// Package protocol defines the JSON control messages exchanged with browser
// clients on the /voice endpoint. Audio travels as raw binary frames and is
// not described here.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types
const (
	TypePing               = "ping"
	TypePong               = "pong"
	TypeInterrupt          = "interrupt"
	TypeAudioStreamEnd     = "audio_stream_end"
	TypeConnection         = "connection"
	TypeError              = "error"
	TypeGenerationComplete = "generation_complete"
	TypeInterrupted        = "interrupted"
	TypeTurnComplete       = "turn_complete"
)

// Connection status values
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Error messages sent to clients. They are intentionally generic.
const (
	ErrMsgProcessing      = "Failed to process message"
	ErrMsgUpstream        = "Upstream connection error"
	ErrMsgUpstreamConnect = "Failed to connect to upstream"
	ErrMsgMissingAPIKey   = "Gemini API key not configured"
)

var ErrMalformedMessage = errors.New("malformed control message")

// Message is a control frame in either direction.
type Message struct {
	Type         string `json:"type"`
	Status       string `json:"status,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Parse decodes a client text frame. Unknown types are not an error; callers
// decide what to ignore.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return m, nil
}

func Encode(m Message) []byte {
	// Message has only string fields, Marshal cannot fail.
	b, _ := json.Marshal(m)
	return b
}

func Connected(connectionID string) Message {
	return Message{Type: TypeConnection, Status: StatusConnected, ConnectionID: connectionID}
}

func Disconnected() Message {
	return Message{Type: TypeConnection, Status: StatusDisconnected}
}

func Error(msg string) Message {
	return Message{Type: TypeError, Message: msg}
}

func Simple(typ string) Message {
	return Message{Type: typ}
}
