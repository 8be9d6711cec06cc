package store

import (
	"time"
)

const (
	ShellSystem   = "system"
	ShellOsquery  = "osquery"
	ShellInternal = "internal"
)

type Agent struct {
	ID           string
	Name         string
	KeyHash      string
	AllowedIP    string // IP or CIDR, empty allows any
	Concurrent   bool
	Enabled      bool
	ExpiresAt    *time.Time
	Commissioned bool
	StartedAt    *time.Time
	Status       *Status
	CreatedAt    time.Time
}

// Usable reports whether the agent may hold connections and receive commands.
func (a *Agent) Usable(now time.Time) bool {
	if !a.Enabled {
		return false
	}
	return a.ExpiresAt == nil || now.Before(*a.ExpiresAt)
}

type ConnectionState string

const (
	ConnectionOpen   ConnectionState = "open"
	ConnectionClosed ConnectionState = "closed"
)

type Connection struct {
	ID              string
	AgentID         string
	Channel         string
	RemoteIP        string
	OpenedAt        time.Time
	LastHeartbeatAt time.Time
	ClosedAt        *time.Time
}

func (c *Connection) State() ConnectionState {
	if c.ClosedAt != nil {
		return ConnectionClosed
	}
	return ConnectionOpen
}

type CommandState string

const (
	CommandScheduled CommandState = "scheduled"
	CommandQueued    CommandState = "queued"
	CommandDelivered CommandState = "delivered"
	CommandAcked     CommandState = "acked"
	CommandSucceeded CommandState = "succeeded"
	CommandFailed    CommandState = "failed"
)

type Command struct {
	ID          string
	AgentID     string
	Shell       string
	Line        string
	Data        string
	Username    string
	Groupname   string
	RequestedBy string // empty for system-requested commands
	RunAfter    []string
	AddedAt     time.Time
	ScheduledAt time.Time
	DeliveredAt *time.Time
	AckedAt     *time.Time
	HandledAt   *time.Time
	Success     *bool
	Result      string
	ElapsedTime *float64
}

// State derives the lifecycle stage as seen at now.
func (c *Command) State(now time.Time) CommandState {
	switch {
	case c.HandledAt != nil:
		if c.Success != nil && *c.Success {
			return CommandSucceeded
		}
		return CommandFailed
	case c.AckedAt != nil:
		return CommandAcked
	case c.DeliveredAt != nil:
		return CommandDelivered
	case c.ScheduledAt.After(now):
		return CommandScheduled
	default:
		return CommandQueued
	}
}

// ResponseDelay is the time between delivery and acknowledgement, or false
// when either is missing.
func (c *Command) ResponseDelay() (time.Duration, bool) {
	if c.DeliveredAt == nil || c.AckedAt == nil {
		return 0, false
	}
	d := c.AckedAt.Sub(*c.DeliveredAt)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Outcome is the terminal result written when a command is handled.
type Outcome struct {
	Success     bool
	Result      string
	ElapsedTime *float64
}

type ClockSample struct {
	AgentID    string
	SystemTime time.Time
	RecordedAt time.Time
}

// Drift is the absolute difference between the agent clock and ours.
func (s *ClockSample) Drift() time.Duration {
	d := s.SystemTime.Sub(s.RecordedAt)
	if d < 0 {
		return -d
	}
	return d
}

type StatusCode string

const (
	StatusOK    StatusCode = "ok"
	StatusWarn  StatusCode = "warn"
	StatusError StatusCode = "error"
)

type Status struct {
	Code      StatusCode    `json:"code"`
	Text      string        `json:"text"`
	Reasons   []string      `json:"reasons"`
	Metrics   StatusMetrics `json:"metrics"`
	CheckedAt time.Time     `json:"checked_at"`
}

type StatusMetrics struct {
	Connected  bool    `json:"connected"`
	DelayNow   float64 `json:"delay_now"`
	Delay1h    float64 `json:"delay_1h"`
	Delay1d    float64 `json:"delay_1d"`
	Delay1w    float64 `json:"delay_1w"`
	ClockDrift float64 `json:"clock_drift"`
}
