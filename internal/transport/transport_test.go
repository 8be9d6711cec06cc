package transport

import (
	"fmt"
	"sync"
	"testing"

	"github.com/EternisAI/silo-control/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Kind
		wantErr bool
	}{
		{name: "hello", raw: `{"query":"hello","agent_id":"a","key":"k"}`, want: KindHello},
		{name: "ping", raw: `{"query":"ping"}`, want: KindPing},
		{name: "ack", raw: `{"query":"ack","id":"c1"}`, want: KindAck},
		{name: "fin", raw: `{"query":"fin","id":"c1","success":false,"result":"exit 1"}`, want: KindFin},
		{name: "event", raw: `{"query":"event","reporter":"agent","record":"started"}`, want: KindEvent},
		{name: "hello without key", raw: `{"query":"hello","agent_id":"a"}`, wantErr: true},
		{name: "ack without id", raw: `{"query":"ack"}`, wantErr: true},
		{name: "fin without success", raw: `{"query":"fin","id":"c1"}`, wantErr: true},
		{name: "unknown query", raw: `{"query":"bogus"}`, wantErr: true},
		{name: "missing query", raw: `{}`, wantErr: true},
		{name: "not json", raw: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Query)
		})
	}
}

func TestNewCommand(t *testing.T) {
	cmd := &store.Command{ID: "c1", Shell: store.ShellSystem, Line: "uptime", Username: "root", Groupname: "silo"}
	raw, err := Encode(NewCommand(cmd))
	require.NoError(t, err)
	assert.JSONEq(t, `{"query":"command","id":"c1","shell":"system","line":"uptime","user":"root","group":"silo"}`, string(raw))
}

func TestMessage_Terminal(t *testing.T) {
	assert.True(t, NewQuit("bye").Terminal())
	assert.True(t, NewReconnect("retired").Terminal())
	assert.False(t, NewCommit().Terminal())
	assert.False(t, NewCommand(&store.Command{ID: "c1", Shell: store.ShellSystem}).Terminal())
}

func TestHub_AttachDetach(t *testing.T) {
	h := NewHub()

	link, err := h.Attach("ch-1")
	require.NoError(t, err)
	assert.Equal(t, "ch-1", link.Channel)
	assert.True(t, h.Connected("ch-1"))
	assert.Equal(t, 1, h.Len())

	_, err = h.Attach("ch-1")
	assert.ErrorIs(t, err, ErrChannelExists)

	h.Detach("ch-1")
	assert.False(t, h.Connected("ch-1"))
	select {
	case <-link.Done():
	default:
		t.Fatal("detached link must be done")
	}

	// Detaching twice is harmless.
	h.Detach("ch-1")
}

func TestHub_Push(t *testing.T) {
	h := NewHub()
	link, err := h.Attach("ch-1")
	require.NoError(t, err)

	require.NoError(t, h.Push("ch-1", NewCommit()))
	got := <-link.SendCh
	assert.Equal(t, KindCommit, got.Query)

	err = h.Push("missing", NewCommit())
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestHub_PushFullBuffer(t *testing.T) {
	h := NewHub()
	_, err := h.Attach("ch-1")
	require.NoError(t, err)

	for i := 0; i < sendChannelBuffer; i++ {
		require.NoError(t, h.Push("ch-1", NewPing()))
	}
	err = h.Push("ch-1", NewPing())
	assert.ErrorIs(t, err, ErrChannelFull)
}

func TestHub_ConcurrentPushAndDetach(t *testing.T) {
	h := NewHub()
	for i := 0; i < 10; i++ {
		_, err := h.Attach(fmt.Sprintf("ch-%d", i))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		channel := fmt.Sprintf("ch-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = h.Push(channel, NewPing())
			}
		}()
		go func() {
			defer wg.Done()
			h.Detach(channel)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Len())
}

func TestHub_Stop(t *testing.T) {
	h := NewHub()
	a, err := h.Attach("a")
	require.NoError(t, err)
	b, err := h.Attach("b")
	require.NoError(t, err)

	h.Stop()

	assert.Equal(t, 0, h.Len())
	<-a.Done()
	<-b.Done()
}
