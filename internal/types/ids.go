package types

import (
	"strings"

	"github.com/google/uuid"
)

type JobID string

func NewJobID() JobID {
	return JobID(uuid.New().String())
}

// NewResponseID returns a fresh identifier for inbound events whose channel
// did not supply one.
func NewResponseID() string {
	return uuid.New().String()
}

// NewLaneKey joins the parts that identify a conversation into the key
// dispatch lanes are keyed by.
func NewLaneKey(parts ...string) string {
	return strings.Join(parts, "/")
}
