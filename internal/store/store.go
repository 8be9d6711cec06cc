package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("record already exists")
)

// Querier holds every read and write the control plane performs. A Querier is
// either bound to the whole store or to a single agent-locked transaction.
type Querier interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)
	SetAgentCommissioned(ctx context.Context, id string, commissioned bool) error
	SetAgentStarted(ctx context.Context, id string, at time.Time) error
	SetAgentEnabled(ctx context.Context, id string, enabled bool) error
	SaveAgentStatus(ctx context.Context, id string, status *Status) error

	CreateConnection(ctx context.Context, conn *Connection) error
	GetConnection(ctx context.Context, id string) (*Connection, error)
	// ListOpenConnections returns open connections of one agent, freshest
	// heartbeat first.
	ListOpenConnections(ctx context.Context, agentID string) ([]Connection, error)
	ListConnections(ctx context.Context, agentID string, limit int) ([]Connection, error)
	ListStaleConnections(ctx context.Context, heartbeatBefore time.Time) ([]Connection, error)
	// TouchConnection reports false when the connection is closed or unknown.
	TouchConnection(ctx context.Context, id string, at time.Time) (bool, error)
	// CloseConnection reports whether this call performed the transition.
	CloseConnection(ctx context.Context, id string, at time.Time) (bool, error)
	DeleteClosedConnections(ctx context.Context, closedBefore time.Time) (int, error)

	CreateCommand(ctx context.Context, cmd *Command) error
	GetCommand(ctx context.Context, id string) (*Command, error)
	ListCommands(ctx context.Context, agentID string, limit int) ([]Command, error)
	// ListDeliveryCandidates returns undelivered, unhandled commands of one
	// agent that are due at now, ordered by scheduled_at then added_at.
	// Dependencies are not evaluated.
	ListDeliveryCandidates(ctx context.Context, agentID string, now time.Time) ([]Command, error)
	// AgentsWithCandidates lists agents owning at least one delivery candidate.
	AgentsWithCandidates(ctx context.Context, now time.Time) ([]string, error)
	ListDependencies(ctx context.Context, commandID string) ([]Command, error)
	ListDependents(ctx context.Context, commandID string) ([]Command, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error)
	MarkAcked(ctx context.Context, id string, at time.Time) (bool, error)
	MarkHandled(ctx context.Context, id string, outcome Outcome, at time.Time) (bool, error)
	ResetCommand(ctx context.Context, id string, at time.Time) error
	// LatestRoundTrip returns the most recently scheduled command that was
	// delivered and either acknowledged or delivered before stuckBefore.
	LatestRoundTrip(ctx context.Context, agentID string, stuckBefore time.Time) (*Command, error)
	AverageRoundTrip(ctx context.Context, agentID string, deliveredSince time.Time) (time.Duration, error)
	DeleteInternalCommands(ctx context.Context, lines []string, scheduledBefore time.Time) (int, error)

	AddClockSample(ctx context.Context, sample *ClockSample) error
	LatestClockSample(ctx context.Context, agentID string) (*ClockSample, error)
}

// Store is the shared, lock-capable data store. WithAgentLock serializes all
// callers working on the same agent and runs fn atomically where the backend
// supports it. Locks are never held across agents.
type Store interface {
	Querier
	WithAgentLock(ctx context.Context, agentID string, fn func(q Querier) error) error
	Close()
}
