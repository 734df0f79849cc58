package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// TokenLength is the number of characters in a session token.
const TokenLength = 8

// NewFunc returns a fresh token. Tests replace it to simulate collisions.
var NewFunc = func() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:TokenLength]
}

// New returns a short random token.
func New() string { return NewFunc() }

// NewClientID returns a full-length identifier for a connected client.
func NewClientID() string { return uuid.New().String() }
