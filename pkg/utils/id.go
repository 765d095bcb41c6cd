package utils

import (
	"github.com/google/uuid"
)

// NewParticipantID returns a process-unique participant identifier.
func NewParticipantID(role string) string {
	return role + "-" + uuid.NewString()
}

// NewRequestID returns an identifier for correlating issuer API requests.
func NewRequestID() string {
	return uuid.NewString()
}
