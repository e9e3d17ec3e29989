package session

import "errors"

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionFull          = errors.New("session is full")
	ErrSessionAlreadyExists = errors.New("session already exists")
	ErrMissingParticipantID = errors.New("participant id is required")
	ErrParticipantNotFound  = errors.New("participant is not in a session")
)
