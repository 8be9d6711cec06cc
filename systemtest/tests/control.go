package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/EternisAI/silo-control/internal/agents"
	apihttp "github.com/EternisAI/silo-control/internal/api/http"
	"github.com/EternisAI/silo-control/internal/api/http/dto"
	"github.com/EternisAI/silo-control/internal/control"
	"github.com/EternisAI/silo-control/internal/dispatch"
	"github.com/EternisAI/silo-control/internal/registry"
	"github.com/EternisAI/silo-control/internal/status"
	"github.com/EternisAI/silo-control/internal/store"
	"github.com/EternisAI/silo-control/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminKey = "system-test-key"

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", adminKey)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func frame(t *testing.T, msg *transport.Message) []byte {
	t.Helper()
	raw, err := transport.Encode(msg)
	require.NoError(t, err)
	return raw
}

func commandsOn(link *transport.Link) []*transport.Message {
	var out []*transport.Message
	for {
		select {
		case msg := <-link.SendCh:
			if msg.Query == transport.KindCommand {
				out = append(out, msg)
			}
		default:
			return out
		}
	}
}

// TestControlFlow drives an agent through registration, connection, a
// dependent pair of commands and a reap, all against PostgreSQL.
func TestControlFlow(t *testing.T, url string) {
	ctx := context.Background()
	st := newPgStore(t, url)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	hub := transport.NewHub()

	agentService := agents.NewService(st, clock)
	reg := registry.New(st, hub, nil, clock)
	engine := dispatch.New(st, hub, nil, clock)
	monitor := status.New(st, status.DefaultConfig(), nil, clock)
	engine.SetStatusRecomputer(monitor)
	ctrl := control.NewService(control.Deps{
		Agents:   agentService,
		Registry: reg,
		Engine:   engine,
		Monitor:  monitor,
		Pusher:   hub,
		Clock:    clock,
	})

	router := gin.New()
	apihttp.SetupRoute(router, &apihttp.Services{
		Agents:   agentService,
		Registry: reg,
		Engine:   engine,
		Monitor:  monitor,
		Control:  ctrl,
		Clock:    clock,
	}, apihttp.Config{AdminAPIKey: adminKey})

	rr := doJSON(router, http.MethodPost, "/api/agents", dto.CreateAgentRequest{Name: "db-01", AllowedIP: "10.0.0.0/8"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created dto.CreateAgentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	agentID := created.Agent.ID

	t.Run("rejects disallowed address", func(t *testing.T) {
		_, err := ctrl.OnConnect(ctx, control.Hello{AgentID: agentID, Key: created.Key}, registry.Endpoint{Channel: "outside", RemoteIP: "192.168.1.5"})
		assert.ErrorIs(t, err, control.ErrRejected)
	})

	link, err := hub.Attach("chan-1")
	require.NoError(t, err)
	conn, err := ctrl.OnConnect(ctx, control.Hello{AgentID: agentID, Key: created.Key}, registry.Endpoint{Channel: "chan-1", RemoteIP: "10.1.2.3"})
	require.NoError(t, err)
	require.NoError(t, ctrl.OnMessage(ctx, conn.ID, frame(t, transport.NewEvent("agent", agents.RecordCommitted, ""))))

	rr = doJSON(router, http.MethodPost, "/api/agents/"+agentID+"/commands", dto.SubmitCommandRequest{Shell: store.ShellSystem, Line: "pg_dump"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var first dto.CommandResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &first))

	rr = doJSON(router, http.MethodPost, "/api/agents/"+agentID+"/commands", dto.SubmitCommandRequest{Shell: store.ShellSystem, Line: "upload", RunAfter: []string{first.ID}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var second dto.CommandResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &second))
	assert.Equal(t, string(store.CommandQueued), second.State)

	pushed := commandsOn(link)
	require.Len(t, pushed, 1, "only the command without dependencies goes out")
	assert.Equal(t, first.ID, pushed[0].ID)

	clock.Advance(2 * time.Second)
	require.NoError(t, ctrl.OnMessage(ctx, conn.ID, frame(t, transport.NewAck(first.ID))))
	require.NoError(t, ctrl.OnMessage(ctx, conn.ID, frame(t, transport.NewFin(first.ID, true, "ok", 1.5))))

	if _, err := ctrl.SweepAll(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	pushed = commandsOn(link)
	require.Len(t, pushed, 1, "the dependent follows once its dependency succeeds")
	assert.Equal(t, second.ID, pushed[0].ID)

	require.NoError(t, ctrl.OnMessage(ctx, conn.ID, frame(t, transport.NewAck(second.ID))))
	require.NoError(t, ctrl.OnMessage(ctx, conn.ID, frame(t, transport.NewFin(second.ID, false, "network unreachable", 0.2))))

	rr = doJSON(router, http.MethodGet, "/api/commands/"+second.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var failed dto.CommandResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &failed))
	assert.Equal(t, string(store.CommandFailed), failed.State)
	assert.Equal(t, "network unreachable", failed.Result)

	rr = doJSON(router, http.MethodPost, "/api/agents/"+agentID+"/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st1 store.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st1))
	assert.Equal(t, store.StatusOK, st1.Code, st1.Reasons)
	assert.True(t, st1.Metrics.Connected)

	clock.Advance(20 * time.Minute)
	reaped, err := ctrl.ReapStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	connected, err := reg.IsConnected(ctx, agentID)
	require.NoError(t, err)
	assert.False(t, connected)

	rr = doJSON(router, http.MethodGet, "/api/agents/"+agentID+"/connections", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var history dto.ListConnectionsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &history))
	require.Equal(t, 1, history.Count)
	assert.Equal(t, "closed", history.Connections[0].State)
	assert.Equal(t, "10.1.2.3", history.Connections[0].RemoteIP)
}
