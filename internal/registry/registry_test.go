package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-control/internal/events"
	"github.com/EternisAI/silo-control/internal/store"
	"github.com/EternisAI/silo-control/internal/store/memstore"
	"github.com/EternisAI/silo-control/internal/transport"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pushed struct {
	channel string
	msg     *transport.Message
}

type fakePusher struct {
	mu   sync.Mutex
	sent []pushed
}

func (p *fakePusher) Push(channel string, msg *transport.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, pushed{channel: channel, msg: msg})
	return nil
}

func (p *fakePusher) to(channel string) []*transport.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*transport.Message
	for _, s := range p.sent {
		if s.channel == channel {
			out = append(out, s.msg)
		}
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	store  *memstore.MemStore
	pusher *fakePusher
	sink   *recorder
	clock  *clockwork.FakeClock
	reg    *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  memstore.New(),
		pusher: &fakePusher{},
		sink:   &recorder{},
		clock:  clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.reg = New(f.store, f.pusher, f.sink, f.clock)
	return f
}

func (f *fixture) addAgent(t *testing.T, id string, concurrent bool) {
	t.Helper()
	require.NoError(t, f.store.CreateAgent(context.Background(), &store.Agent{
		ID:         id,
		Name:       id,
		Concurrent: concurrent,
		Enabled:    true,
		CreatedAt:  f.clock.Now(),
	}))
}

func TestOpen_EvictsPreviousConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "agent-x", false)

	c1, err := f.reg.Open(ctx, "agent-x", Endpoint{Channel: "ch-1", RemoteIP: "10.0.0.1"})
	require.NoError(t, err)

	connected, err := f.reg.IsConnected(ctx, "agent-x")
	require.NoError(t, err)
	assert.True(t, connected)

	f.clock.Advance(time.Second)
	c2, err := f.reg.Open(ctx, "agent-x", Endpoint{Channel: "ch-2", RemoteIP: "10.0.0.2"})
	require.NoError(t, err)

	connected, err = f.reg.IsConnected(ctx, "agent-x")
	require.NoError(t, err)
	assert.True(t, connected)

	old, err := f.reg.Get(ctx, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionClosed, old.State())

	current, err := f.reg.Get(ctx, c2.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionOpen, current.State())

	assert.Eventually(t, func() bool {
		msgs := f.pusher.to("ch-1")
		return len(msgs) == 1 && msgs[0].Query == transport.KindQuit && msgs[0].Reason == ReasonSuperseded
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.pusher.to("ch-2"))

	assert.Equal(t, 2, f.sink.count(events.ConnectionOpened))
	assert.Equal(t, 1, f.sink.count(events.ConnectionEvicted))
}

func TestOpen_ExclusiveUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "agent-x", false)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.reg.Open(ctx, "agent-x", Endpoint{Channel: fmt.Sprintf("ch-%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	open, err := f.reg.ListOpen(ctx, "agent-x")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	history, err := f.reg.History(ctx, "agent-x", 0)
	require.NoError(t, err)
	assert.Len(t, history, n)
}

func TestOpen_ConcurrentAgentKeepsAllConnections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "agent-c", true)

	for i := 0; i < 3; i++ {
		_, err := f.reg.Open(ctx, "agent-c", Endpoint{Channel: fmt.Sprintf("ch-%d", i)})
		require.NoError(t, err)
	}

	open, err := f.reg.ListOpen(ctx, "agent-c")
	require.NoError(t, err)
	assert.Len(t, open, 3)
	assert.Equal(t, 0, f.sink.count(events.ConnectionEvicted))
}

func TestOpen_RejectsUnknownAndDisabledAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Open(ctx, "ghost", Endpoint{Channel: "ch-1"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	f.addAgent(t, "agent-d", false)
	require.NoError(t, f.store.SetAgentEnabled(ctx, "agent-d", false))
	_, err = f.reg.Open(ctx, "agent-d", Endpoint{Channel: "ch-1"})
	assert.ErrorIs(t, err, ErrAgentUnusable)
}

func TestTouchAndClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "agent-x", false)

	conn, err := f.reg.Open(ctx, "agent-x", Endpoint{Channel: "ch-1"})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	ok, err := f.reg.Touch(ctx, conn.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.reg.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.True(t, f.clock.Now().Equal(got.LastHeartbeatAt))

	require.NoError(t, f.reg.Close(ctx, conn.ID))
	require.NoError(t, f.reg.Close(ctx, conn.ID))
	assert.Equal(t, 1, f.sink.count(events.ConnectionClosed))

	ok, err = f.reg.Touch(ctx, conn.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	connected, err := f.reg.IsConnected(ctx, "agent-x")
	require.NoError(t, err)
	assert.False(t, connected)
}

func TestReapStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "agent-a", false)
	f.addAgent(t, "agent-b", false)

	stale, err := f.reg.Open(ctx, "agent-a", Endpoint{Channel: "ch-a"})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	fresh, err := f.reg.Open(ctx, "agent-b", Endpoint{Channel: "ch-b"})
	require.NoError(t, err)

	f.clock.Advance(6 * time.Minute)
	reaped, err := f.reg.ReapStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	msgs := f.pusher.to("ch-a")
	require.Len(t, msgs, 1)
	assert.Equal(t, transport.KindReconnect, msgs[0].Query)
	assert.Equal(t, ReasonRetired, msgs[0].Reason)

	got, err := f.reg.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionClosed, got.State())

	got, err = f.reg.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionOpen, got.State())

	reaped, err = f.reg.ReapStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, reaped, "reaping is idempotent")
	assert.Equal(t, 1, f.sink.count(events.ConnectionReaped))
}

func TestPrune(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAgent(t, "agent-x", true)

	old, err := f.reg.Open(ctx, "agent-x", Endpoint{Channel: "ch-1"})
	require.NoError(t, err)
	require.NoError(t, f.reg.Close(ctx, old.ID))

	f.clock.Advance(8 * 24 * time.Hour)
	live, err := f.reg.Open(ctx, "agent-x", Endpoint{Channel: "ch-2"})
	require.NoError(t, err)

	removed, err := f.reg.Prune(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = f.reg.Get(ctx, old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.reg.Get(ctx, live.ID)
	assert.NoError(t, err)
}
