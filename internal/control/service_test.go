package control

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/EternisAI/silo-control/internal/agents"
	"github.com/EternisAI/silo-control/internal/dispatch"
	"github.com/EternisAI/silo-control/internal/registry"
	"github.com/EternisAI/silo-control/internal/status"
	"github.com/EternisAI/silo-control/internal/store"
	"github.com/EternisAI/silo-control/internal/store/memstore"
	"github.com/EternisAI/silo-control/internal/transport"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *memstore.MemStore
	hub     *transport.Hub
	clock   *clockwork.FakeClock
	agents  *agents.Service
	engine  *dispatch.Engine
	monitor *status.Monitor
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memstore.New(),
		hub:   transport.NewHub(),
		clock: clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.agents = agents.NewService(f.store, f.clock)
	reg := registry.New(f.store, f.hub, nil, f.clock)
	f.engine = dispatch.New(f.store, f.hub, nil, f.clock)
	f.monitor = status.New(f.store, status.DefaultConfig(), nil, f.clock)
	f.engine.SetStatusRecomputer(f.monitor)
	f.svc = NewService(Deps{
		Agents:   f.agents,
		Registry: reg,
		Engine:   f.engine,
		Monitor:  f.monitor,
		Pusher:   f.hub,
		Clock:    f.clock,
	})
	return f
}

func (f *fixture) createAgent(t *testing.T, name string) (*store.Agent, string) {
	t.Helper()
	agent, key, err := f.agents.Create(context.Background(), agents.CreateRequest{Name: name})
	require.NoError(t, err)
	return agent, key
}

// connect attaches a link to the hub and opens a connection over it.
func (f *fixture) connect(t *testing.T, agentID, key, channel string) (*store.Connection, *transport.Link) {
	t.Helper()
	link, err := f.hub.Attach(channel)
	require.NoError(t, err)
	conn, err := f.svc.OnConnect(context.Background(), Hello{AgentID: agentID, Key: key}, registry.Endpoint{Channel: channel, RemoteIP: "10.0.0.1"})
	require.NoError(t, err)
	return conn, link
}

func frame(t *testing.T, msg *transport.Message) []byte {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func drain(link *transport.Link) []*transport.Message {
	var out []*transport.Message
	for {
		select {
		case m := <-link.SendCh:
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestOnConnect_RejectsBadKey(t *testing.T) {
	f := newFixture(t)
	agent, _ := f.createAgent(t, "web-01")

	_, err := f.svc.OnConnect(context.Background(), Hello{AgentID: agent.ID, Key: "sk_wrong"}, registry.Endpoint{Channel: "ch-1"})
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, agents.ErrInvalidCredentials)
}

func TestOnConnect_RequestsCommitAndDeliversQueuedWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, key := f.createAgent(t, "web-01")

	queued, err := f.engine.Submit(ctx, dispatch.SubmitRequest{AgentID: agent.ID, Shell: store.ShellSystem, Line: "uptime"})
	require.NoError(t, err)
	assert.Nil(t, queued.DeliveredAt)

	_, link := f.connect(t, agent.ID, key, "ch-1")

	msgs := drain(link)
	require.Len(t, msgs, 2)
	assert.Equal(t, transport.KindCommit, msgs[0].Query)
	assert.Equal(t, transport.KindCommand, msgs[1].Query)
	assert.Equal(t, queued.ID, msgs[1].ID)

	st, err := f.monitor.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, st.Code, "not commissioned yet")
}

func TestOnMessage_CommandRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, key := f.createAgent(t, "web-01")
	conn, link := f.connect(t, agent.ID, key, "ch-1")

	require.NoError(t, f.svc.OnMessage(ctx, conn.ID, frame(t, transport.NewEvent("agent", agents.RecordCommitted, ""))))
	drain(link)

	cmd, err := f.engine.Submit(ctx, dispatch.SubmitRequest{AgentID: agent.ID, Shell: store.ShellSystem, Line: "uptime"})
	require.NoError(t, err)
	require.NotNil(t, cmd.DeliveredAt)
	msgs := drain(link)
	require.Len(t, msgs, 1)
	assert.Equal(t, cmd.ID, msgs[0].ID)

	f.clock.Advance(time.Second)
	require.NoError(t, f.svc.OnMessage(ctx, conn.ID, frame(t, transport.NewAck(cmd.ID))))
	require.NoError(t, f.svc.OnMessage(ctx, conn.ID, frame(t, transport.NewFin(cmd.ID, true, "up 3 days", 0.4))))

	got, err := f.engine.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandSucceeded, got.State(f.clock.Now()))
	assert.Equal(t, "up 3 days", got.Result)

	// A late duplicate is a benign conflict.
	assert.NoError(t, f.svc.OnMessage(ctx, conn.ID, frame(t, transport.NewAck(cmd.ID))))

	st, err := f.monitor.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOK, st.Code)

	stored, err := f.store.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.True(t, f.clock.Now().Equal(stored.LastHeartbeatAt), "every frame touches the connection")
}

func TestOnMessage_DataErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, key := f.createAgent(t, "web-01")
	other, _ := f.createAgent(t, "web-02")
	conn, _ := f.connect(t, agent.ID, key, "ch-1")

	foreign, err := f.engine.Submit(ctx, dispatch.SubmitRequest{AgentID: other.ID, Shell: store.ShellSystem, Line: "id"})
	require.NoError(t, err)

	for name, raw := range map[string][]byte{
		"not json":        []byte("{"),
		"missing id":      []byte(`{"query":"ack"}`),
		"server frame":    frame(t, transport.NewQuit("nope")),
		"second hello":    frame(t, transport.NewHello(agent.ID, key)),
		"unknown command": frame(t, transport.NewAck("00000000-0000-0000-0000-000000000000")),
		"foreign command": frame(t, transport.NewFin(foreign.ID, true, "", 0)),
	} {
		t.Run(name, func(t *testing.T) {
			err := f.svc.OnMessage(ctx, conn.ID, raw)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}

	got, err := f.engine.Get(ctx, foreign.ID)
	require.NoError(t, err)
	assert.Nil(t, got.HandledAt)

	connected, err := f.svc.registry.IsConnected(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, connected, "data errors keep the link")
}

func TestOnMessage_EvictedConnectionMustDrop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, key := f.createAgent(t, "web-01")

	first, firstLink := f.connect(t, agent.ID, key, "ch-1")
	second, _ := f.connect(t, agent.ID, key, "ch-2")

	err := f.svc.OnMessage(ctx, first.ID, frame(t, transport.NewPing()))
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.NoError(t, f.svc.OnMessage(ctx, second.ID, frame(t, transport.NewPing())))

	assert.Eventually(t, func() bool {
		for _, m := range drain(firstLink) {
			if m.Query == transport.KindQuit {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestOnDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, key := f.createAgent(t, "web-01")
	conn, _ := f.connect(t, agent.ID, key, "ch-1")

	f.svc.OnDisconnect(ctx, conn.ID)
	f.svc.OnDisconnect(ctx, conn.ID)
	f.svc.OnDisconnect(ctx, "unknown")

	st, err := f.monitor.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.False(t, st.Metrics.Connected)
	assert.Contains(t, st.Reasons, "Agent is not connected.")
}

func TestPingAll_RecordsClockDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, key := f.createAgent(t, "web-01")
	idle, _ := f.createAgent(t, "web-02")
	conn, link := f.connect(t, agent.ID, key, "ch-1")
	require.NoError(t, f.svc.OnMessage(ctx, conn.ID, frame(t, transport.NewEvent("agent", agents.RecordCommitted, ""))))
	drain(link)

	n, err := f.svc.PingAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs := drain(link)
	require.Len(t, msgs, 1)
	ping := msgs[0]
	assert.Equal(t, store.ShellInternal, ping.Shell)
	assert.Equal(t, dispatch.LinePing, ping.Line)

	agentTime := f.clock.Now().Add(-40 * time.Second).Format(time.RFC3339)
	require.NoError(t, f.svc.OnMessage(ctx, conn.ID, frame(t, transport.NewAck(ping.ID))))
	require.NoError(t, f.svc.OnMessage(ctx, conn.ID, frame(t, transport.NewFin(ping.ID, true, agentTime, 0.01))))

	st, err := f.monitor.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusWarn, st.Code)
	assert.InDelta(t, 40.0, st.Metrics.ClockDrift, 0.001)

	cmds, err := f.engine.List(ctx, idle.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, cmds, "disconnected agents are not pinged")
}

func TestPeriodicOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, key := f.createAgent(t, "web-01")
	conn, link := f.connect(t, agent.ID, key, "ch-1")
	drain(link)

	f.clock.Advance(20 * time.Minute)
	reaped, err := f.svc.ReapStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
	msgs := drain(link)
	require.Len(t, msgs, 1)
	assert.Equal(t, transport.KindReconnect, msgs[0].Query)

	err = f.svc.OnMessage(ctx, conn.ID, frame(t, transport.NewPing()))
	assert.ErrorIs(t, err, ErrConnectionClosed)

	n, err := f.svc.RecomputeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	swept, err := f.svc.SweepAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)

	f.clock.Advance(8 * 24 * time.Hour)
	pruned, err := f.svc.Prune(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}
