package session

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrFileExists      = errors.New("file already exists")
	ErrFileNotFound    = errors.New("file not found")
	ErrInvalidFilename = errors.New("invalid filename")
	ErrMaxSessions     = errors.New("maximum session limit reached")
	ErrIDExhausted     = errors.New("could not allocate a unique session id")
)
