package agents

import (
	"time"
)

type CreateRequest struct {
	Name       string
	Concurrent bool
	AllowedIP  string // IP or CIDR, empty allows any
	ExpiresAt  *time.Time
}

// Lifecycle records an agent reports through event frames.
const (
	RecordStarted   = "started"
	RecordCommitted = "committed"
)
