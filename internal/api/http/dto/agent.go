package dto

import (
	"time"

	"github.com/EternisAI/silo-control/internal/store"
)

type CreateAgentRequest struct {
	Name       string     `json:"name" binding:"required"`
	Concurrent bool       `json:"concurrent"`
	AllowedIP  string     `json:"allowed_ip"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

type SetEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type AgentResponse struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	AllowedIP    string        `json:"allowed_ip,omitempty"`
	Concurrent   bool          `json:"concurrent"`
	Enabled      bool          `json:"enabled"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	Commissioned bool          `json:"commissioned"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	Connected    bool          `json:"connected"`
	Status       *store.Status `json:"status,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// CreateAgentResponse carries the plaintext key, which is only ever returned
// here.
type CreateAgentResponse struct {
	Agent AgentResponse `json:"agent"`
	Key   string        `json:"key"`
}

type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
	Count  int             `json:"count"`
}
