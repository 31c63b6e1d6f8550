// Package protocol defines the records exchanged between chat clients and
// the server, and the codecs that put them on the wire.
package protocol

import (
	"errors"
	"fmt"
)

// Kind represents the type of a record.
type Kind string

const (
	KindMessage Kind = "message"
	KindSystem  Kind = "system"
	KindStatus  Kind = "status"
	KindError   Kind = "error"
)

// Status codes carried in the status_code field.
const (
	StatusOK              = 200
	StatusBadRequest      = 400
	StatusUnauthorized    = 401
	StatusTooManyRequests = 429
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindMessage, KindSystem, KindStatus, KindError:
		return string(k)
	default:
		return "unknown"
	}
}

// Message is a single wire record.
//
// Text is set for KindMessage records, Message carries the human-readable
// notice for the other kinds. Inbound client records only need Text.
type Message struct {
	Type       Kind   `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	Message    string `json:"message,omitempty"`
	Sender     string `json:"sender,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// ErrMissingText is returned by Validate for inbound records without text.
var ErrMissingText = errors.New("message text is required")

// Validate checks that an inbound record can be considered for broadcast.
func (m *Message) Validate() error {
	if m.Text == "" {
		return ErrMissingText
	}
	return nil
}

// Welcome is sent once when a connection opens.
func Welcome() Message {
	return Message{Type: KindSystem, Message: "Welcome to the Chat!", StatusCode: StatusOK}
}

// StillConnected is the periodic liveness notice.
func StillConnected() Message {
	return Message{Type: KindStatus, Message: "You are still connected", StatusCode: StatusOK}
}

// InvalidFormat reports an inbound payload that could not be decoded.
func InvalidFormat() Message {
	return Message{Type: KindError, Message: "Invalid message format", StatusCode: StatusBadRequest}
}

// TooLong reports a message over the length limit.
func TooLong(limit int) Message {
	return Message{
		Type:       KindError,
		Message:    fmt.Sprintf("Message length exceeds %d characters", limit),
		StatusCode: StatusBadRequest,
	}
}

// ThresholdExceeded is the last record a connection sees before the server
// closes it for repeated errors.
func ThresholdExceeded() Message {
	return Message{
		Type:       KindError,
		Message:    "You have exceeded the maximum number of errors. Disconnecting...",
		StatusCode: StatusTooManyRequests,
	}
}

// Unauthorized is returned by the token gate.
func Unauthorized(detail string) Message {
	return Message{Type: KindError, Message: detail, StatusCode: StatusUnauthorized}
}

// Chat builds the record fanned out to the other connections.
func Chat(text, sender string) Message {
	return Message{Type: KindMessage, Text: text, Sender: sender, StatusCode: StatusOK}
}
