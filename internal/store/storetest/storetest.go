// Package storetest holds the behaviour every store.Store implementation must
// share. Backends run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EternisAI/silo-control/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func Run(t *testing.T, newStore Factory) {
	t.Run("Agents", func(t *testing.T) { testAgents(t, newStore(t)) })
	t.Run("Connections", func(t *testing.T) { testConnections(t, newStore(t)) })
	t.Run("Commands", func(t *testing.T) { testCommands(t, newStore(t)) })
	t.Run("Dependencies", func(t *testing.T) { testDependencies(t, newStore(t)) })
	t.Run("RoundTrips", func(t *testing.T) { testRoundTrips(t, newStore(t)) })
	t.Run("ClockSamples", func(t *testing.T) { testClockSamples(t, newStore(t)) })
	t.Run("Retention", func(t *testing.T) { testRetention(t, newStore(t)) })
	t.Run("AgentLock", func(t *testing.T) { testAgentLock(t, newStore(t)) })
}

func NewAgent(t *testing.T, s store.Store, concurrent bool) *store.Agent {
	t.Helper()
	a := &store.Agent{
		ID:         uuid.NewString(),
		Name:       "agent-" + uuid.NewString()[:8],
		KeyHash:    "hash",
		Concurrent: concurrent,
		Enabled:    true,
		CreatedAt:  base,
	}
	require.NoError(t, s.CreateAgent(context.Background(), a))
	return a
}

func newCommand(agentID string, scheduledAt time.Time, runAfter ...string) *store.Command {
	return &store.Command{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Shell:       store.ShellSystem,
		Line:        "uptime",
		Groupname:   "silo",
		RunAfter:    runAfter,
		AddedAt:     scheduledAt,
		ScheduledAt: scheduledAt,
	}
}

func newConnection(agentID string, at time.Time) *store.Connection {
	return &store.Connection{
		ID:              uuid.NewString(),
		AgentID:         agentID,
		Channel:         uuid.NewString(),
		RemoteIP:        "10.0.0.1",
		OpenedAt:        at,
		LastHeartbeatAt: at,
	}
}

func testAgents(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewAgent(t, s, false)

	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Name, got.Name)
	assert.False(t, got.Concurrent)
	assert.True(t, got.Enabled)
	assert.Nil(t, got.Status)

	assert.ErrorIs(t, s.CreateAgent(ctx, a), store.ErrConflict)

	_, err = s.GetAgent(ctx, uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SetAgentCommissioned(ctx, a.ID, true))
	require.NoError(t, s.SetAgentStarted(ctx, a.ID, base))
	require.NoError(t, s.SetAgentEnabled(ctx, a.ID, false))
	require.NoError(t, s.SaveAgentStatus(ctx, a.ID, &store.Status{
		Code:      store.StatusWarn,
		Text:      "Warning",
		Reasons:   []string{"Response delay is over 15 seconds."},
		Metrics:   store.StatusMetrics{Connected: true, DelayNow: 20},
		CheckedAt: base,
	}))

	got, err = s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Commissioned)
	assert.False(t, got.Enabled)
	require.NotNil(t, got.StartedAt)
	assert.True(t, base.Equal(*got.StartedAt))
	require.NotNil(t, got.Status)
	assert.Equal(t, store.StatusWarn, got.Status.Code)
	assert.Equal(t, []string{"Response delay is over 15 seconds."}, got.Status.Reasons)
	assert.Equal(t, 20.0, got.Status.Metrics.DelayNow)

	NewAgent(t, s, true)
	all, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.ErrorIs(t, s.SetAgentEnabled(ctx, uuid.NewString(), true), store.ErrNotFound)
}

func testConnections(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewAgent(t, s, true)

	c1 := newConnection(a.ID, base)
	c2 := newConnection(a.ID, base.Add(time.Minute))
	require.NoError(t, s.CreateConnection(ctx, c1))
	require.NoError(t, s.CreateConnection(ctx, c2))

	open, err := s.ListOpenConnections(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, c2.ID, open[0].ID, "freshest heartbeat first")

	ok, err := s.TouchConnection(ctx, c1.ID, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	open, err = s.ListOpenConnections(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, open[0].ID)

	stale, err := s.ListStaleConnections(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, c2.ID, stale[0].ID)

	closed, err := s.CloseConnection(ctx, c2.ID, base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = s.CloseConnection(ctx, c2.ID, base.Add(4*time.Minute))
	require.NoError(t, err)
	assert.False(t, closed, "second close is a no-op")

	got, err := s.GetConnection(ctx, c2.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionClosed, got.State())
	assert.True(t, base.Add(3*time.Minute).Equal(*got.ClosedAt))

	ok, err = s.TouchConnection(ctx, c2.ID, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "closed connections cannot be touched")

	ok, err = s.TouchConnection(ctx, uuid.NewString(), base)
	require.NoError(t, err)
	assert.False(t, ok)

	history, err := s.ListConnections(ctx, a.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	_, err = s.GetConnection(ctx, uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCommands(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewAgent(t, s, false)
	other := NewAgent(t, s, false)

	late := newCommand(a.ID, base.Add(time.Minute))
	early := newCommand(a.ID, base)
	future := newCommand(a.ID, base.Add(time.Hour))
	foreign := newCommand(other.ID, base)
	for _, c := range []*store.Command{late, early, future, foreign} {
		require.NoError(t, s.CreateCommand(ctx, c))
	}

	candidates, err := s.ListDeliveryCandidates(ctx, a.ID, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, early.ID, candidates[0].ID)
	assert.Equal(t, late.ID, candidates[1].ID)

	agents, err := s.AgentsWithCandidates(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, other.ID}, agents)

	acked, err := s.MarkAcked(ctx, early.ID, base)
	require.NoError(t, err)
	assert.False(t, acked, "ack requires delivery")

	delivered, err := s.MarkDelivered(ctx, early.ID, base.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, delivered)
	delivered, err = s.MarkDelivered(ctx, early.ID, base.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, delivered, "delivery is recorded once")

	acked, err = s.MarkAcked(ctx, early.ID, base.Add(3*time.Second))
	require.NoError(t, err)
	assert.True(t, acked)
	acked, err = s.MarkAcked(ctx, early.ID, base.Add(4*time.Second))
	require.NoError(t, err)
	assert.False(t, acked)

	elapsed := 1.5
	handled, err := s.MarkHandled(ctx, early.ID, store.Outcome{Success: true, Result: "up 3 days", ElapsedTime: &elapsed}, base.Add(5*time.Second))
	require.NoError(t, err)
	assert.True(t, handled)
	handled, err = s.MarkHandled(ctx, early.ID, store.Outcome{Success: false, Result: "other"}, base.Add(6*time.Second))
	require.NoError(t, err)
	assert.False(t, handled)

	got, err := s.GetCommand(ctx, early.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandSucceeded, got.State(base.Add(time.Hour)))
	assert.Equal(t, "up 3 days", got.Result)
	require.NotNil(t, got.ElapsedTime)
	assert.Equal(t, 1.5, *got.ElapsedTime)
	delay, ok := got.ResponseDelay()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, delay)

	require.NoError(t, s.ResetCommand(ctx, early.ID, base.Add(time.Minute)))
	got, err = s.GetCommand(ctx, early.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DeliveredAt)
	assert.Nil(t, got.AckedAt)
	assert.Nil(t, got.HandledAt)
	assert.Nil(t, got.Success)
	assert.Nil(t, got.ElapsedTime)
	assert.Empty(t, got.Result)
	assert.True(t, base.Add(time.Minute).Equal(got.ScheduledAt))

	list, err := s.ListCommands(ctx, a.ID, 0)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	list, err = s.ListCommands(ctx, a.ID, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, future.ID, list[0].ID, "newest schedule first")

	_, err = s.GetCommand(ctx, uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDependencies(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewAgent(t, s, false)

	root := newCommand(a.ID, base)
	require.NoError(t, s.CreateCommand(ctx, root))
	left := newCommand(a.ID, base, root.ID)
	require.NoError(t, s.CreateCommand(ctx, left))
	join := newCommand(a.ID, base, root.ID, left.ID)
	require.NoError(t, s.CreateCommand(ctx, join))

	got, err := s.GetCommand(ctx, join.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{root.ID, left.ID}, got.RunAfter)

	deps, err := s.ListDependencies(ctx, join.ID)
	require.NoError(t, err)
	assert.Len(t, deps, 2)

	dependents, err := s.ListDependents(ctx, root.ID)
	require.NoError(t, err)
	ids := []string{}
	for _, d := range dependents {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{left.ID, join.ID}, ids)

	err = s.CreateCommand(ctx, newCommand(a.ID, base, uuid.NewString()))
	assert.True(t, errors.Is(err, store.ErrNotFound), "unknown dependency must be rejected, got %v", err)
}

func testRoundTrips(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewAgent(t, s, false)

	_, err := s.LatestRoundTrip(ctx, a.ID, base)
	assert.ErrorIs(t, err, store.ErrNotFound)

	acked := newCommand(a.ID, base)
	require.NoError(t, s.CreateCommand(ctx, acked))
	_, err = s.MarkDelivered(ctx, acked.ID, base)
	require.NoError(t, err)
	_, err = s.MarkAcked(ctx, acked.ID, base.Add(4*time.Second))
	require.NoError(t, err)

	// Delivered recently and not acked yet: not indicative.
	pending := newCommand(a.ID, base.Add(10*time.Minute))
	require.NoError(t, s.CreateCommand(ctx, pending))
	_, err = s.MarkDelivered(ctx, pending.ID, base.Add(10*time.Minute))
	require.NoError(t, err)

	latest, err := s.LatestRoundTrip(ctx, a.ID, base.Add(10*time.Minute).Add(-time.Second))
	require.NoError(t, err)
	assert.Equal(t, acked.ID, latest.ID)

	latest, err = s.LatestRoundTrip(ctx, a.ID, base.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, pending.ID, latest.ID, "stuck delivery becomes the latest round trip")

	second := newCommand(a.ID, base.Add(time.Second))
	require.NoError(t, s.CreateCommand(ctx, second))
	_, err = s.MarkDelivered(ctx, second.ID, base.Add(time.Second))
	require.NoError(t, err)
	_, err = s.MarkAcked(ctx, second.ID, base.Add(7*time.Second))
	require.NoError(t, err)

	avg, err := s.AverageRoundTrip(ctx, a.ID, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, avg)

	avg, err = s.AverageRoundTrip(ctx, a.ID, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), avg)
}

func testClockSamples(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewAgent(t, s, false)

	_, err := s.LatestClockSample(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.AddClockSample(ctx, &store.ClockSample{AgentID: a.ID, SystemTime: base.Add(40 * time.Second), RecordedAt: base}))
	require.NoError(t, s.AddClockSample(ctx, &store.ClockSample{AgentID: a.ID, SystemTime: base.Add(time.Hour), RecordedAt: base.Add(time.Hour + 2*time.Second)}))

	latest, err := s.LatestClockSample(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, latest.Drift())
}

func testRetention(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewAgent(t, s, false)

	old := newConnection(a.ID, base)
	recent := newConnection(a.ID, base)
	live := newConnection(a.ID, base)
	for _, c := range []*store.Connection{old, recent, live} {
		require.NoError(t, s.CreateConnection(ctx, c))
	}
	_, err := s.CloseConnection(ctx, old.ID, base)
	require.NoError(t, err)
	_, err = s.CloseConnection(ctx, recent.ID, base.Add(48*time.Hour))
	require.NoError(t, err)

	removed, err := s.DeleteClosedConnections(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ping := newCommand(a.ID, base)
	ping.Shell = store.ShellInternal
	ping.Line = "ping"
	userPing := newCommand(a.ID, base)
	userPing.Shell = store.ShellInternal
	userPing.Line = "ping"
	userPing.RequestedBy = "operator"
	regular := newCommand(a.ID, base)
	for _, c := range []*store.Command{ping, userPing, regular} {
		require.NoError(t, s.CreateCommand(ctx, c))
	}

	removed, err = s.DeleteInternalCommands(ctx, []string{"ping", "debug"}, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.GetCommand(ctx, ping.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetCommand(ctx, userPing.ID)
	assert.NoError(t, err)
}

func testAgentLock(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewAgent(t, s, false)

	err := s.WithAgentLock(ctx, uuid.NewString(), func(q store.Querier) error { return nil })
	assert.ErrorIs(t, err, store.ErrNotFound)

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithAgentLock(ctx, a.ID, func(q store.Querier) error {
				n := inside.Add(1)
				for {
					cur := maxInside.Load()
					if n <= cur || maxInside.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load(), "agent lock must serialize callers")

	sentinel := errors.New("boom")
	err = s.WithAgentLock(ctx, a.ID, func(q store.Querier) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
}
