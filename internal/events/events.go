// Package events carries control plane notifications to logs, metrics and
// the message bus.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-control/internal/store"
)

type Kind string

const (
	ConnectionOpened  Kind = "connection.opened"
	ConnectionEvicted Kind = "connection.evicted"
	ConnectionReaped  Kind = "connection.reaped"
	ConnectionClosed  Kind = "connection.closed"

	CommandDelivered Kind = "command.delivered"
	CommandAcked     Kind = "command.acked"
	CommandCompleted Kind = "command.completed"
	CommandCancelled Kind = "command.cancelled"

	AgentStatus Kind = "agent.status"
	AgentEvent  Kind = "agent.event"
)

type Event struct {
	Kind         Kind             `json:"kind"`
	AgentID      string           `json:"agent_id"`
	ConnectionID string           `json:"connection_id,omitempty"`
	CommandID    string           `json:"command_id,omitempty"`
	Success      *bool            `json:"success,omitempty"`
	RoundTrip    time.Duration    `json:"round_trip,omitempty"`
	Status       store.StatusCode `json:"status,omitempty"`
	Detail       string           `json:"detail,omitempty"`
	At           time.Time        `json:"at"`
}

// Sink receives events. Emit must not block on slow consumers.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

type discard struct{}

func (discard) Emit(context.Context, Event) {}

// Discard drops every event.
var Discard Sink = discard{}

type multi []Sink

func (m multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// Multi fans out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return Discard
	}
	return out
}

type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, ev Event) {
	attrs := []any{"kind", ev.Kind, "agent_id", ev.AgentID}
	if ev.ConnectionID != "" {
		attrs = append(attrs, "connection_id", ev.ConnectionID)
	}
	if ev.CommandID != "" {
		attrs = append(attrs, "command_id", ev.CommandID)
	}
	if ev.Success != nil {
		attrs = append(attrs, "success", *ev.Success)
	}
	if ev.RoundTrip > 0 {
		attrs = append(attrs, "round_trip", ev.RoundTrip)
	}
	if ev.Status != "" {
		attrs = append(attrs, "status", ev.Status)
	}
	if ev.Detail != "" {
		attrs = append(attrs, "detail", ev.Detail)
	}

	level := slog.LevelDebug
	switch ev.Kind {
	case ConnectionOpened, ConnectionClosed, ConnectionEvicted, AgentEvent:
		level = slog.LevelInfo
	case ConnectionReaped:
		level = slog.LevelWarn
	case AgentStatus:
		if ev.Status == store.StatusError {
			level = slog.LevelWarn
		}
	}
	s.logger.Log(ctx, level, "Control event", attrs...)
}
