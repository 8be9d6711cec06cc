package dto

import "time"

type SubmitCommandRequest struct {
	Shell       string     `json:"shell" binding:"required"`
	Line        string     `json:"line" binding:"required"`
	Data        string     `json:"data"`
	Username    string     `json:"username"`
	Groupname   string     `json:"groupname"`
	RunAfter    []string   `json:"run_after"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	RequestedBy string     `json:"requested_by"`
}

type CompleteCommandRequest struct {
	Success     *bool    `json:"success" binding:"required"`
	Result      string   `json:"result"`
	ElapsedTime *float64 `json:"elapsed_time"`
}

type CommandResponse struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	Shell       string     `json:"shell"`
	Line        string     `json:"line"`
	Data        string     `json:"data,omitempty"`
	Username    string     `json:"username,omitempty"`
	Groupname   string     `json:"groupname"`
	RequestedBy string     `json:"requested_by,omitempty"`
	RunAfter    []string   `json:"run_after,omitempty"`
	State       string     `json:"state"`
	AddedAt     time.Time  `json:"added_at"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	AckedAt     *time.Time `json:"acked_at,omitempty"`
	HandledAt   *time.Time `json:"handled_at,omitempty"`
	Success     *bool      `json:"success,omitempty"`
	Result      string     `json:"result,omitempty"`
	ElapsedTime *float64   `json:"elapsed_time,omitempty"`
}

type ListCommandsResponse struct {
	Commands []CommandResponse `json:"commands"`
	Count    int               `json:"count"`
}
