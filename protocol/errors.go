package protocol

import "fmt"

// ErrorType classifies an error reply.
type ErrorType string

const (
	SessionNotFound         ErrorType = "SessionNotFound"
	SessionFull             ErrorType = "SessionFull"
	SessionAlreadyExists    ErrorType = "SessionAlreadyExists"
	MissingParticipantID    ErrorType = "MissingParticipantId"
	InvalidRoleForOperation ErrorType = "InvalidRoleForOperation"
	MalformedEnvelope       ErrorType = "MalformedEnvelope"
	TransportSendFailure    ErrorType = "TransportSendFailure"
)

// Error is the payload of an error reply. It is also a Go error so handlers
// can return it directly.
type Error struct {
	Type    ErrorType `json:"errorType"`
	Message string    `json:"message"`
}

// NewError builds an Error with a formatted message.
func NewError(t ErrorType, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Reply wraps the error as an outbound error message.
func (e *Error) Reply() Message {
	return NewMessage(TypeError, e)
}
