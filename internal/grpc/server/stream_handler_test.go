package server

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/EternisAI/silo-control/internal/control"
	"github.com/EternisAI/silo-control/internal/grpc/wire"
	"github.com/EternisAI/silo-control/internal/registry"
	"github.com/EternisAI/silo-control/internal/store"
	"github.com/EternisAI/silo-control/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// MockController is a mock implementation of Controller
type MockController struct {
	mock.Mock
}

func (m *MockController) OnConnect(ctx context.Context, hello control.Hello, ep registry.Endpoint) (*store.Connection, error) {
	args := m.Called(hello, ep)
	conn, _ := args.Get(0).(*store.Connection)
	return conn, args.Error(1)
}

func (m *MockController) OnMessage(ctx context.Context, connID string, raw []byte) error {
	args := m.Called(connID, string(raw))
	return args.Error(0)
}

func (m *MockController) OnDisconnect(ctx context.Context, connID string) {
	m.Called(connID)
}

// MockStream feeds queued frames to Recv and records everything sent.
type MockStream struct {
	ctx    context.Context
	recvCh chan *wire.Frame
	sentCh chan *wire.Frame
}

func NewMockStream(ctx context.Context) *MockStream {
	return &MockStream{
		ctx:    ctx,
		recvCh: make(chan *wire.Frame, 16),
		sentCh: make(chan *wire.Frame, 16),
	}
}

func (m *MockStream) push(t *testing.T, msg *transport.Message) {
	t.Helper()
	f, err := wire.Pack(msg)
	require.NoError(t, err)
	m.recvCh <- f
}

func (m *MockStream) Send(f *wire.Frame) error {
	m.sentCh <- f
	return nil
}

func (m *MockStream) Recv() (*wire.Frame, error) {
	select {
	case f, ok := <-m.recvCh:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-m.ctx.Done():
		return nil, m.ctx.Err()
	}
}

func (m *MockStream) SetHeader(md metadata.MD) error {
	return nil
}

func (m *MockStream) SendHeader(md metadata.MD) error {
	return nil
}

func (m *MockStream) SetTrailer(md metadata.MD) {
}

func (m *MockStream) Context() context.Context {
	return m.ctx
}

func (m *MockStream) SendMsg(msg interface{}) error {
	return nil
}

func (m *MockStream) RecvMsg(msg interface{}) error {
	return nil
}

func peerContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return peer.NewContext(ctx, &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 51234}})
}

func runHandler(sh *StreamHandler, stream *MockStream) <-chan error {
	result := make(chan error, 1)
	go func() { result <- sh.HandleStream(stream) }()
	return result
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not return")
		return nil
	}
}

func TestHandleStream_FirstFrameMustBeHello(t *testing.T) {
	ctrl := new(MockController)
	hub := transport.NewHub()
	stream := NewMockStream(peerContext(t))
	stream.push(t, transport.NewPing())

	err := waitResult(t, runHandler(NewStreamHandler(ctrl, hub), stream))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	ctrl.AssertNotCalled(t, "OnConnect", mock.Anything, mock.Anything)
	assert.Equal(t, 0, hub.Len())
}

func TestHandleStream_Rejected(t *testing.T) {
	ctrl := new(MockController)
	hub := transport.NewHub()
	ctrl.On("OnConnect", control.Hello{AgentID: "a1", Key: "sk_bad"}, mock.Anything).
		Return(nil, errors.Join(control.ErrRejected, errors.New("invalid agent credentials")))

	stream := NewMockStream(peerContext(t))
	stream.push(t, transport.NewHello("a1", "sk_bad"))

	err := waitResult(t, runHandler(NewStreamHandler(ctrl, hub), stream))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Equal(t, 0, hub.Len(), "link is detached on rejection")
	ctrl.AssertNotCalled(t, "OnDisconnect", mock.Anything)
}

func TestHandleStream_RelaysFramesUntilTerminal(t *testing.T) {
	ctrl := new(MockController)
	hub := transport.NewHub()
	conn := &store.Connection{ID: "conn-1", AgentID: "a1"}

	channels := make(chan string, 1)
	ctrl.On("OnConnect", control.Hello{AgentID: "a1", Key: "sk_ok"}, mock.MatchedBy(func(ep registry.Endpoint) bool {
		return ep.RemoteIP == "10.0.0.7" && ep.Channel != ""
	})).Run(func(args mock.Arguments) {
		channels <- args.Get(1).(registry.Endpoint).Channel
	}).Return(conn, nil)
	pinged := make(chan struct{}, 1)
	ctrl.On("OnMessage", "conn-1", `{"query":"ping"}`).Run(func(mock.Arguments) {
		pinged <- struct{}{}
	}).Return(nil)
	ctrl.On("OnMessage", "conn-1", `{"query":"bogus"}`).Return(control.ErrMalformedMessage)
	ctrl.On("OnDisconnect", "conn-1").Return()

	stream := NewMockStream(peerContext(t))
	stream.push(t, transport.NewHello("a1", "sk_ok"))
	result := runHandler(NewStreamHandler(ctrl, hub), stream)

	var channel string
	select {
	case channel = <-channels:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect was not called")
	}

	stream.recvCh <- &wire.Frame{Payload: []byte(`{"query":"bogus"}`)}
	stream.push(t, transport.NewPing())
	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("ping was not relayed after a malformed frame")
	}

	require.NoError(t, hub.Push(channel, transport.NewCommit()))
	require.NoError(t, hub.Push(channel, transport.NewQuit(registry.ReasonSuperseded)))

	require.NoError(t, waitResult(t, result))

	first, err := (<-stream.sentCh).Unpack()
	require.NoError(t, err)
	assert.Equal(t, transport.KindCommit, first.Query)
	last, err := (<-stream.sentCh).Unpack()
	require.NoError(t, err)
	assert.Equal(t, transport.KindQuit, last.Query)
	assert.Equal(t, registry.ReasonSuperseded, last.Reason)

	ctrl.AssertCalled(t, "OnDisconnect", "conn-1")
	assert.Equal(t, 0, hub.Len())
}

func TestHandleStream_ClosedConnectionEndsStream(t *testing.T) {
	ctrl := new(MockController)
	hub := transport.NewHub()
	ctrl.On("OnConnect", mock.Anything, mock.Anything).Return(&store.Connection{ID: "conn-2", AgentID: "a2"}, nil)
	ctrl.On("OnMessage", "conn-2", mock.Anything).Return(control.ErrConnectionClosed)
	ctrl.On("OnDisconnect", "conn-2").Return()

	stream := NewMockStream(peerContext(t))
	stream.push(t, transport.NewHello("a2", "sk_ok"))
	stream.push(t, transport.NewPing())

	require.NoError(t, waitResult(t, runHandler(NewStreamHandler(ctrl, hub), stream)))
	ctrl.AssertCalled(t, "OnDisconnect", "conn-2")
}

func TestHandleStream_ClientHangUp(t *testing.T) {
	ctrl := new(MockController)
	hub := transport.NewHub()
	ctrl.On("OnConnect", mock.Anything, mock.Anything).Return(&store.Connection{ID: "conn-3", AgentID: "a3"}, nil)
	ctrl.On("OnDisconnect", "conn-3").Return()

	stream := NewMockStream(peerContext(t))
	stream.push(t, transport.NewHello("a3", "sk_ok"))
	close(stream.recvCh)

	require.NoError(t, waitResult(t, runHandler(NewStreamHandler(ctrl, hub), stream)))
	ctrl.AssertCalled(t, "OnDisconnect", "conn-3")
}

func TestHandleStream_LinkDetachedBeforeDisconnect(t *testing.T) {
	ctrl := new(MockController)
	hub := transport.NewHub()

	var channel string
	ctrl.On("OnConnect", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		channel = args.Get(1).(registry.Endpoint).Channel
	}).Return(&store.Connection{ID: "conn-5", AgentID: "a5"}, nil)

	var pushErr error
	ctrl.On("OnDisconnect", "conn-5").Run(func(mock.Arguments) {
		pushErr = hub.Push(channel, transport.NewCommand(&store.Command{ID: "cmd-1", Shell: store.ShellSystem, Line: "uptime"}))
	}).Return()

	stream := NewMockStream(peerContext(t))
	stream.push(t, transport.NewHello("a5", "sk_ok"))
	close(stream.recvCh)

	require.NoError(t, waitResult(t, runHandler(NewStreamHandler(ctrl, hub), stream)))
	ctrl.AssertCalled(t, "OnDisconnect", "conn-5")
	assert.ErrorIs(t, pushErr, transport.ErrChannelNotFound)
	assert.Equal(t, 0, hub.Len())
}

func TestHandleStream_HubStopEndsStream(t *testing.T) {
	ctrl := new(MockController)
	hub := transport.NewHub()
	ctrl.On("OnConnect", mock.Anything, mock.Anything).Return(&store.Connection{ID: "conn-4", AgentID: "a4"}, nil)
	ctrl.On("OnDisconnect", "conn-4").Return()

	stream := NewMockStream(peerContext(t))
	stream.push(t, transport.NewHello("a4", "sk_ok"))
	result := runHandler(NewStreamHandler(ctrl, hub), stream)

	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)
	hub.Stop()

	require.NoError(t, waitResult(t, result))
	ctrl.AssertCalled(t, "OnDisconnect", "conn-4")
}

func TestRemoteIPFromContext(t *testing.T) {
	assert.Equal(t, "10.0.0.7", remoteIPFromContext(peerContext(t)))
	assert.Equal(t, "", remoteIPFromContext(context.Background()))
}
