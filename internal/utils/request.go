package utils

import (
	"github.com/google/uuid"
)

// GenerateRequestID generates a unique ID used to correlate a coordinator
// RPC with the storage node's response and with log lines on both sides.
func GenerateRequestID() string {
	return uuid.NewString()
}
