package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/EternisAI/silo-control/internal/agents"
	"github.com/EternisAI/silo-control/internal/control"
	"github.com/EternisAI/silo-control/internal/dispatch"
	"github.com/EternisAI/silo-control/internal/grpc/server"
	"github.com/EternisAI/silo-control/internal/registry"
	"github.com/EternisAI/silo-control/internal/status"
	"github.com/EternisAI/silo-control/internal/store"
	"github.com/EternisAI/silo-control/internal/store/memstore"
	"github.com/EternisAI/silo-control/internal/transport"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const waitFor = 5 * time.Second

type harness struct {
	store    *memstore.MemStore
	hub      *transport.Hub
	agents   *agents.Service
	registry *registry.Registry
	engine   *dispatch.Engine
	svc      *control.Service
	lis      *bufconn.Listener
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewRealClock()
	h := &harness{
		store: memstore.New(),
		hub:   transport.NewHub(),
		lis:   bufconn.Listen(1 << 20),
	}
	h.agents = agents.NewService(h.store, clock)
	h.registry = registry.New(h.store, h.hub, nil, clock)
	h.engine = dispatch.New(h.store, h.hub, nil, clock)
	monitor := status.New(h.store, status.DefaultConfig(), nil, clock)
	h.engine.SetStatusRecomputer(monitor)
	h.svc = control.NewService(control.Deps{
		Agents:   h.agents,
		Registry: h.registry,
		Engine:   h.engine,
		Monitor:  monitor,
		Pusher:   h.hub,
		Clock:    clock,
	})

	srv := server.NewServer(0, nil, h.svc, h.hub)
	go func() { _ = srv.Serve(h.lis) }()
	t.Cleanup(func() { _ = srv.StopWithTimeout(time.Second) })
	return h
}

func (h *harness) newClient(t *testing.T, agentID, key, configPath string) *Client {
	t.Helper()
	c := NewClient(Config{
		ServerAddr:   "passthrough:///bufnet",
		AgentID:      agentID,
		Key:          key,
		ConfigPath:   configPath,
		Version:      "test",
		PingInterval: 50 * time.Millisecond,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return h.lis.DialContext(ctx)
			}),
		},
	}, NewExecutor(10*time.Second, nil))
	require.NoError(t, c.Start())
	return c
}

func (h *harness) openConnection(t *testing.T, agentID string) *store.Connection {
	t.Helper()
	var conn *store.Connection
	require.Eventually(t, func() bool {
		open, err := h.registry.ListOpen(context.Background(), agentID)
		if err != nil || len(open) == 0 {
			return false
		}
		conn = &open[0]
		return true
	}, waitFor, 10*time.Millisecond)
	return conn
}

// waitHandled polls until the command is handled, sweeping the way the
// periodic job would.
func (h *harness) waitHandled(t *testing.T, id string) *store.Command {
	t.Helper()
	var cmd *store.Command
	require.Eventually(t, func() bool {
		if _, err := h.svc.SweepAll(context.Background()); err != nil {
			return false
		}
		got, err := h.engine.Get(context.Background(), id)
		if err != nil || got.HandledAt == nil {
			return false
		}
		cmd = got
		return true
	}, waitFor, 10*time.Millisecond)
	return cmd
}

func TestClient_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	agent, key, err := h.agents.Create(ctx, agents.CreateRequest{Name: "web-01"})
	require.NoError(t, err)

	configPath := filepath.Join(t.TempDir(), "application.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("grpc:\n  agent_id: "+agent.ID+"\n"), 0o644))

	c := h.newClient(t, agent.ID, key, configPath)
	defer c.Stop()

	first := h.openConnection(t, agent.ID)

	require.Eventually(t, func() bool {
		got, err := h.agents.Get(ctx, agent.ID)
		return err == nil && got.Commissioned && got.StartedAt != nil
	}, waitFor, 10*time.Millisecond, "commit and started events reach the server")

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "commissioned_at")
	assert.Contains(t, string(data), agent.ID)

	cmd, err := h.engine.Submit(ctx, dispatch.SubmitRequest{AgentID: agent.ID, Shell: store.ShellSystem, Line: "echo hello", RequestedBy: "tester"})
	require.NoError(t, err)
	done := h.waitHandled(t, cmd.ID)
	assert.True(t, *done.Success)
	assert.Equal(t, "hello\n", done.Result)
	assert.NotNil(t, done.AckedAt)

	failing, err := h.engine.Submit(ctx, dispatch.SubmitRequest{AgentID: agent.ID, Shell: store.ShellSystem, Line: "exit 3", RequestedBy: "tester"})
	require.NoError(t, err)
	dependent, err := h.engine.Submit(ctx, dispatch.SubmitRequest{AgentID: agent.ID, Shell: store.ShellSystem, Line: "echo never", RunAfter: []string{failing.ID}, RequestedBy: "tester"})
	require.NoError(t, err)

	assert.False(t, *h.waitHandled(t, failing.ID).Success)
	cancelled := h.waitHandled(t, dependent.ID)
	assert.False(t, *cancelled.Success)
	assert.Equal(t, dispatch.ResultDependencyFailed, cancelled.Result)
	assert.Nil(t, cancelled.DeliveredAt, "dependent never reached the agent")

	// A reaped link reconnects on a fresh connection.
	time.Sleep(5 * time.Millisecond)
	reaped, err := h.svc.ReapStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
	require.Eventually(t, func() bool {
		open, err := h.registry.ListOpen(ctx, agent.ID)
		return err == nil && len(open) == 1 && open[0].ID != first.ID
	}, waitFor, 10*time.Millisecond)

	select {
	case <-c.Done():
		t.Fatal("client stopped after reconnect")
	default:
	}
}

func TestClient_QuitsWhenSuperseded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	agent, key, err := h.agents.Create(ctx, agents.CreateRequest{Name: "db-01"})
	require.NoError(t, err)

	c := h.newClient(t, agent.ID, key, "")
	defer c.Stop()
	h.openConnection(t, agent.ID)

	_, err = h.hub.Attach("other-instance")
	require.NoError(t, err)
	_, err = h.svc.OnConnect(ctx, control.Hello{AgentID: agent.ID, Key: key}, registry.Endpoint{Channel: "other-instance"})
	require.NoError(t, err)

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("client kept running after being superseded")
	}
}

func TestClient_RequiresCredentials(t *testing.T) {
	c := NewClient(Config{ServerAddr: "passthrough:///bufnet"}, nil)
	assert.Error(t, c.Start())
}

func TestSaveCommissionedToConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "application.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: INFO\n"), 0o644))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, saveCommissionedToConfig(path, at))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Agent commissioned on 2026-03-01T12:00:00Z")
	assert.Contains(t, string(data), "commissioned_at:")
	assert.Contains(t, string(data), "2026-03-01T12:00:00Z")
	assert.Contains(t, string(data), "level: INFO")

	assert.Error(t, saveCommissionedToConfig(filepath.Join(t.TempDir(), "missing.yaml"), at))
}
