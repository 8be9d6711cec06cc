package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type NATSSink struct {
	pub    Publisher
	prefix string
}

func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "silo.control"
	}
	return &NATSSink{pub: pub, prefix: prefix}
}

// Emit publishes the event as JSON on <prefix>.<kind>. Failures are logged.
func (s *NATSSink) Emit(_ context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to encode event", "kind", ev.Kind, "error", err)
		return
	}
	subject := s.prefix + "." + string(ev.Kind)
	if err := s.pub.Publish(subject, payload); err != nil {
		slog.Warn("Failed to publish event", "subject", subject, "error", err)
	}
}

// ConnectNATS dials the bus and keeps reconnecting forever.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}
