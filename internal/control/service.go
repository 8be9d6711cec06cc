// Package control binds the connection registry, dispatch engine and status
// monitor to the transport. Stream handlers call OnConnect, OnMessage and
// OnDisconnect; the scheduler calls the periodic operations.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-control/internal/agents"
	"github.com/EternisAI/silo-control/internal/dispatch"
	"github.com/EternisAI/silo-control/internal/events"
	"github.com/EternisAI/silo-control/internal/registry"
	"github.com/EternisAI/silo-control/internal/status"
	"github.com/EternisAI/silo-control/internal/store"
	"github.com/EternisAI/silo-control/internal/transport"
	"github.com/jonboulle/clockwork"
)

var (
	ErrMalformedMessage = transport.ErrMalformedMessage
	ErrRejected         = errors.New("connection rejected")
	ErrConnectionClosed = errors.New("connection is closed")
)

type Hello struct {
	AgentID string
	Key     string
}

type Service struct {
	agents   *agents.Service
	registry *registry.Registry
	engine   *dispatch.Engine
	monitor  *status.Monitor
	pusher   transport.Pusher
	sink     events.Sink
	clock    clockwork.Clock
}

type Deps struct {
	Agents   *agents.Service
	Registry *registry.Registry
	Engine   *dispatch.Engine
	Monitor  *status.Monitor
	Pusher   transport.Pusher
	Sink     events.Sink
	Clock    clockwork.Clock
}

func NewService(d Deps) *Service {
	if d.Sink == nil {
		d.Sink = events.Discard
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	return &Service{
		agents:   d.Agents,
		registry: d.Registry,
		engine:   d.Engine,
		monitor:  d.Monitor,
		pusher:   d.Pusher,
		sink:     d.Sink,
		clock:    d.Clock,
	}
}

// OnConnect authenticates the agent and opens its connection. Queued work is
// swept onto the new link before returning.
func (s *Service) OnConnect(ctx context.Context, hello Hello, ep registry.Endpoint) (*store.Connection, error) {
	agent, err := s.agents.Authenticate(ctx, hello.AgentID, hello.Key, ep.RemoteIP)
	if err != nil {
		slog.Warn("Agent rejected", "agent_id", hello.AgentID, "remote_ip", ep.RemoteIP, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}

	conn, err := s.registry.Open(ctx, agent.ID, ep)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}

	if !agent.Commissioned {
		if err := s.pusher.Push(ep.Channel, transport.NewCommit()); err != nil {
			slog.Warn("Failed to request commit", "agent_id", agent.ID, "error", err)
		}
	}

	if _, err := s.engine.Sweep(ctx, agent.ID); err != nil {
		slog.Error("Failed to sweep on connect", "agent_id", agent.ID, "error", err)
	}
	s.recompute(ctx, agent.ID)
	return conn, nil
}

// OnMessage handles one inbound frame. Malformed frames return an error
// wrapping ErrMalformedMessage and leave the link up; ErrConnectionClosed
// means the link must be dropped.
func (s *Service) OnMessage(ctx context.Context, connID string, raw []byte) error {
	alive, err := s.registry.Touch(ctx, connID)
	if err != nil {
		return err
	}
	if !alive {
		return ErrConnectionClosed
	}

	msg, err := transport.Decode(raw)
	if err != nil {
		return err
	}

	conn, err := s.registry.Get(ctx, connID)
	if err != nil {
		return fmt.Errorf("failed to load connection %s: %w", connID, err)
	}

	switch msg.Query {
	case transport.KindPing:
		return nil
	case transport.KindAck:
		if err := s.ownCommand(ctx, conn.AgentID, msg.ID); err != nil {
			return err
		}
		return benign(s.engine.Ack(ctx, msg.ID))
	case transport.KindFin:
		if err := s.ownCommand(ctx, conn.AgentID, msg.ID); err != nil {
			return err
		}
		return benign(s.engine.Complete(ctx, msg.ID, store.Outcome{
			Success:     *msg.Success,
			Result:      msg.Result,
			ElapsedTime: msg.ElapsedTime,
		}))
	case transport.KindEvent:
		return s.onEvent(ctx, conn.AgentID, msg)
	default:
		return fmt.Errorf("%w: unexpected %s frame from agent", ErrMalformedMessage, msg.Query)
	}
}

// ownCommand rejects frames about commands of another agent.
func (s *Service) ownCommand(ctx context.Context, agentID, commandID string) error {
	cmd, err := s.engine.Get(ctx, commandID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: unknown command %s", ErrMalformedMessage, commandID)
	}
	if err != nil {
		return err
	}
	if cmd.AgentID != agentID {
		return fmt.Errorf("%w: command %s belongs to another agent", ErrMalformedMessage, commandID)
	}
	return nil
}

// benign swallows conflicts, which only mean the agent raced a sweep.
func benign(err error) error {
	if errors.Is(err, dispatch.ErrConflict) {
		slog.Debug("Ignoring conflicting agent response", "error", err)
		return nil
	}
	return err
}

func (s *Service) onEvent(ctx context.Context, agentID string, msg *transport.Message) error {
	if err := s.agents.HandleEvent(ctx, agentID, msg.Record, msg.Description); err != nil {
		return err
	}
	s.sink.Emit(ctx, events.Event{
		Kind:    events.AgentEvent,
		AgentID: agentID,
		Detail:  msg.Record,
		At:      s.clock.Now(),
	})
	if msg.Record == agents.RecordCommitted {
		s.recompute(ctx, agentID)
	}
	return nil
}

// OnDisconnect closes the connection. It is safe to call after eviction.
func (s *Service) OnDisconnect(ctx context.Context, connID string) {
	conn, err := s.registry.Get(ctx, connID)
	if err != nil {
		slog.Debug("Disconnect for unknown connection", "connection_id", connID, "error", err)
		return
	}
	if err := s.registry.Close(ctx, connID); err != nil {
		slog.Error("Failed to close connection", "connection_id", connID, "error", err)
		return
	}
	s.recompute(ctx, conn.AgentID)
}

func (s *Service) recompute(ctx context.Context, agentID string) {
	if _, err := s.monitor.Recompute(ctx, agentID); err != nil {
		slog.Error("Failed to recompute status", "agent_id", agentID, "error", err)
	}
}

func (s *Service) ReapStale(ctx context.Context, threshold time.Duration) (int, error) {
	return s.registry.ReapStale(ctx, threshold)
}

func (s *Service) SweepAll(ctx context.Context) (int, error) {
	return s.engine.Sweep(ctx, "")
}

func (s *Service) RecomputeAll(ctx context.Context) (int, error) {
	return s.monitor.RecomputeAll(ctx)
}

// PingAll queues a system ping for every enabled, connected agent. The
// replies feed clock drift into the status monitor.
func (s *Service) PingAll(ctx context.Context) (int, error) {
	all, err := s.agents.List(ctx)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	sent := 0
	for _, a := range all {
		if !a.Usable(now) {
			continue
		}
		connected, err := s.registry.IsConnected(ctx, a.ID)
		if err != nil {
			slog.Error("Failed to check connectivity", "agent_id", a.ID, "error", err)
			continue
		}
		if !connected {
			continue
		}
		_, err = s.engine.Submit(ctx, dispatch.SubmitRequest{
			AgentID: a.ID,
			Shell:   store.ShellInternal,
			Line:    dispatch.LinePing,
		})
		if err != nil {
			slog.Error("Failed to queue ping", "agent_id", a.ID, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// Prune drops closed connections and housekeeping commands older than
// retention.
func (s *Service) Prune(ctx context.Context, retention time.Duration) (int, error) {
	conns, err := s.registry.Prune(ctx, retention)
	if err != nil {
		return 0, err
	}
	cmds, err := s.engine.PruneInternal(ctx, retention)
	if err != nil {
		return conns, err
	}
	return conns + cmds, nil
}
