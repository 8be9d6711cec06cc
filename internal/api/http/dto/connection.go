package dto

import "time"

type ConnectionResponse struct {
	ID              string     `json:"id"`
	AgentID         string     `json:"agent_id"`
	RemoteIP        string     `json:"remote_ip,omitempty"`
	State           string     `json:"state"`
	OpenedAt        time.Time  `json:"opened_at"`
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
}

type ListConnectionsResponse struct {
	Connections []ConnectionResponse `json:"connections"`
	Count       int                  `json:"count"`
}
