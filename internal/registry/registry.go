// Package registry tracks which agent holds which live connection and
// enforces the exclusive-connection policy.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-control/internal/events"
	"github.com/EternisAI/silo-control/internal/store"
	"github.com/EternisAI/silo-control/internal/transport"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	ReasonSuperseded = "new connection from the same agent has been established"
	ReasonRetired    = "session has retired, please reconnect"
)

var ErrAgentUnusable = errors.New("agent is disabled or expired")

// Endpoint is the transport side of a connection: the routing handle used to
// push frames to the link and the peer address.
type Endpoint struct {
	Channel  string
	RemoteIP string
}

type Registry struct {
	store  store.Store
	pusher transport.Pusher
	sink   events.Sink
	clock  clockwork.Clock
}

func New(st store.Store, pusher transport.Pusher, sink events.Sink, clock clockwork.Clock) *Registry {
	if sink == nil {
		sink = events.Discard
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{store: st, pusher: pusher, sink: sink, clock: clock}
}

// Open records a new live connection. For non-concurrent agents every other
// open connection is closed under the same agent lock, and each evicted link
// is told to quit once the lock is released.
func (r *Registry) Open(ctx context.Context, agentID string, ep Endpoint) (*store.Connection, error) {
	now := r.clock.Now()
	conn := &store.Connection{
		ID:              uuid.NewString(),
		AgentID:         agentID,
		Channel:         ep.Channel,
		RemoteIP:        ep.RemoteIP,
		OpenedAt:        now,
		LastHeartbeatAt: now,
	}

	var evicted []store.Connection
	err := r.store.WithAgentLock(ctx, agentID, func(q store.Querier) error {
		agent, err := q.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		if !agent.Usable(now) {
			return ErrAgentUnusable
		}

		if !agent.Concurrent {
			open, err := q.ListOpenConnections(ctx, agentID)
			if err != nil {
				return err
			}
			for _, c := range open {
				closed, err := q.CloseConnection(ctx, c.ID, now)
				if err != nil {
					return err
				}
				if closed {
					evicted = append(evicted, c)
				}
			}
		}

		return q.CreateConnection(ctx, conn)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open connection for agent %s: %w", agentID, err)
	}

	r.sink.Emit(ctx, events.Event{
		Kind:         events.ConnectionOpened,
		AgentID:      agentID,
		ConnectionID: conn.ID,
		Detail:       ep.RemoteIP,
		At:           now,
	})

	for _, c := range evicted {
		r.sink.Emit(ctx, events.Event{
			Kind:         events.ConnectionEvicted,
			AgentID:      agentID,
			ConnectionID: c.ID,
			Detail:       "superseded by " + conn.ID,
			At:           now,
		})
	}
	if len(evicted) > 0 {
		go r.notify(evicted, transport.NewQuit(ReasonSuperseded))
	}

	return conn, nil
}

func (r *Registry) notify(conns []store.Connection, msg *transport.Message) {
	for _, c := range conns {
		if err := r.pusher.Push(c.Channel, msg); err != nil {
			slog.Debug("Failed to notify connection",
				"connection_id", c.ID,
				"agent_id", c.AgentID,
				"query", msg.Query,
				"error", err)
		}
	}
}

// Touch refreshes the heartbeat. False means the connection was closed
// elsewhere and the caller must drop the link.
func (r *Registry) Touch(ctx context.Context, connID string) (bool, error) {
	ok, err := r.store.TouchConnection(ctx, connID, r.clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to touch connection %s: %w", connID, err)
	}
	return ok, nil
}

// Close is idempotent.
func (r *Registry) Close(ctx context.Context, connID string) error {
	now := r.clock.Now()
	closed, err := r.store.CloseConnection(ctx, connID, now)
	if err != nil {
		return fmt.Errorf("failed to close connection %s: %w", connID, err)
	}
	if !closed {
		return nil
	}

	conn, err := r.store.GetConnection(ctx, connID)
	if err != nil {
		return nil
	}
	r.sink.Emit(ctx, events.Event{
		Kind:         events.ConnectionClosed,
		AgentID:      conn.AgentID,
		ConnectionID: connID,
		At:           now,
	})
	return nil
}

func (r *Registry) IsConnected(ctx context.Context, agentID string) (bool, error) {
	open, err := r.store.ListOpenConnections(ctx, agentID)
	if err != nil {
		return false, err
	}
	return len(open) > 0, nil
}

// ReapStale closes every open connection whose last heartbeat is older than
// threshold, asking each link to reconnect first. It returns the number of
// connections this call closed.
func (r *Registry) ReapStale(ctx context.Context, threshold time.Duration) (int, error) {
	now := r.clock.Now()
	stale, err := r.store.ListStaleConnections(ctx, now.Add(-threshold))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale connections: %w", err)
	}

	reaped := 0
	for _, c := range stale {
		if err := r.pusher.Push(c.Channel, transport.NewReconnect(ReasonRetired)); err != nil {
			slog.Debug("Failed to push reconnect to stale connection", "connection_id", c.ID, "error", err)
		}

		closed, err := r.store.CloseConnection(ctx, c.ID, now)
		if err != nil {
			slog.Error("Failed to close stale connection", "connection_id", c.ID, "agent_id", c.AgentID, "error", err)
			continue
		}
		if !closed {
			continue
		}
		reaped++
		r.sink.Emit(ctx, events.Event{
			Kind:         events.ConnectionReaped,
			AgentID:      c.AgentID,
			ConnectionID: c.ID,
			Detail:       "last heartbeat " + c.LastHeartbeatAt.Format(time.RFC3339),
			At:           now,
		})
	}

	if reaped > 0 {
		slog.Info("Reaped stale connections", "count", reaped, "threshold", threshold)
	}
	return reaped, nil
}

func (r *Registry) Get(ctx context.Context, connID string) (*store.Connection, error) {
	return r.store.GetConnection(ctx, connID)
}

// ListOpen returns the agent's open connections, freshest heartbeat first.
func (r *Registry) ListOpen(ctx context.Context, agentID string) ([]store.Connection, error) {
	return r.store.ListOpenConnections(ctx, agentID)
}

func (r *Registry) History(ctx context.Context, agentID string, limit int) ([]store.Connection, error) {
	return r.store.ListConnections(ctx, agentID, limit)
}

// Prune hard-deletes connections closed longer than retention ago.
func (r *Registry) Prune(ctx context.Context, retention time.Duration) (int, error) {
	removed, err := r.store.DeleteClosedConnections(ctx, r.clock.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune connections: %w", err)
	}
	if removed > 0 {
		slog.Info("Pruned closed connections", "count", removed, "retention", retention)
	}
	return removed, nil
}
