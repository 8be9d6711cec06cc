package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-control/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return p.err
}

type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func TestMulti(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	sink := Multi(a, nil, b)
	sink.Emit(context.Background(), Event{Kind: ConnectionOpened, AgentID: "agent-1"})

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
	assert.Equal(t, Discard, Multi())
	assert.Equal(t, Discard, Multi(nil))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	NewLogSink(logger).Emit(context.Background(), Event{
		Kind:      CommandAcked,
		AgentID:   "agent-1",
		CommandID: "cmd-1",
		RoundTrip: 2 * time.Second,
	})

	out := buf.String()
	assert.Contains(t, out, "kind=command.acked")
	assert.Contains(t, out, "command_id=cmd-1")
	assert.Contains(t, out, "round_trip=2s")
	assert.NotContains(t, out, "connection_id")
}

func TestMetricsSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewMetricsSink(reg)
	require.NoError(t, err)

	ok, failed := true, false
	ctx := context.Background()
	sink.Emit(ctx, Event{Kind: CommandAcked, RoundTrip: 3 * time.Second})
	sink.Emit(ctx, Event{Kind: CommandCompleted, Success: &ok})
	sink.Emit(ctx, Event{Kind: CommandCompleted, Success: &failed})
	sink.Emit(ctx, Event{Kind: CommandCompleted, Success: &failed})
	sink.Emit(ctx, Event{Kind: AgentStatus, AgentID: "agent-1", Status: store.StatusWarn})

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.events.WithLabelValues(string(CommandAcked))))
	assert.Equal(t, 3.0, testutil.ToFloat64(sink.events.WithLabelValues(string(CommandCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.outcomes.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.outcomes.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.status.WithLabelValues("agent-1")))
	assert.Equal(t, 1, testutil.CollectAndCount(sink.roundTrip))

	_, err = NewMetricsSink(reg)
	assert.Error(t, err, "registering twice must fail")
}

func TestNATSSink(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewNATSSink(pub, "")

	sink.Emit(context.Background(), Event{Kind: ConnectionEvicted, AgentID: "agent-1", ConnectionID: "conn-1"})

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "silo.control.connection.evicted", pub.subjects[0])

	var decoded Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &decoded))
	assert.Equal(t, "conn-1", decoded.ConnectionID)
	assert.Equal(t, ConnectionEvicted, decoded.Kind)
}

func TestNATSSink_PublishErrorIsSwallowed(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("nats: connection closed")}
	sink := NewNATSSink(pub, "fleet")

	assert.NotPanics(t, func() {
		sink.Emit(context.Background(), Event{Kind: AgentStatus, AgentID: "agent-1"})
	})
	assert.Equal(t, []string{"fleet.agent.status"}, pub.subjects)
}
