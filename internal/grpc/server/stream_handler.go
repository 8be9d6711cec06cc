package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/EternisAI/silo-control/internal/control"
	"github.com/EternisAI/silo-control/internal/grpc/wire"
	"github.com/EternisAI/silo-control/internal/registry"
	"github.com/EternisAI/silo-control/internal/store"
	"github.com/EternisAI/silo-control/internal/transport"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Controller is the part of control.Service a stream needs.
type Controller interface {
	OnConnect(ctx context.Context, hello control.Hello, ep registry.Endpoint) (*store.Connection, error)
	OnMessage(ctx context.Context, connID string, raw []byte) error
	OnDisconnect(ctx context.Context, connID string)
}

type StreamHandler struct {
	ctrl Controller
	hub  *transport.Hub
}

func NewStreamHandler(ctrl Controller, hub *transport.Hub) *StreamHandler {
	return &StreamHandler{
		ctrl: ctrl,
		hub:  hub,
	}
}

func (sh *StreamHandler) HandleStream(stream wire.Stream) error {
	ctx := stream.Context()

	first, err := stream.Recv()
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to receive first message: %v", err)
	}
	hello, err := first.Unpack()
	if err != nil || hello.Query != transport.KindHello {
		return status.Error(codes.InvalidArgument, "first message must be hello")
	}

	channel := uuid.NewString()
	link, err := sh.hub.Attach(channel)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to attach link: %v", err)
	}
	defer sh.hub.Detach(channel)

	remoteIP := remoteIPFromContext(ctx)
	conn, err := sh.ctrl.OnConnect(ctx,
		control.Hello{AgentID: hello.AgentID, Key: hello.Key},
		registry.Endpoint{Channel: channel, RemoteIP: remoteIP})
	if err != nil {
		if errors.Is(err, control.ErrRejected) {
			return status.Error(codes.Unauthenticated, "agent rejected")
		}
		slog.Error("Failed to open connection", "agent_id", hello.AgentID, "error", err)
		return status.Error(codes.Internal, "failed to open connection")
	}

	slog.Info("Agent connection established", "agent_id", conn.AgentID, "connection_id", conn.ID, "remote_ip", remoteIP)

	defer func() {
		// Detach first so pushes racing the teardown fail and the command
		// stays queued.
		sh.hub.Detach(channel)
		sh.ctrl.OnDisconnect(context.WithoutCancel(ctx), conn.ID)
		slog.Info("Agent disconnected", "agent_id", conn.AgentID, "connection_id", conn.ID)
	}()

	done := make(chan struct{})
	errChan := make(chan error, 2)

	go sh.receiveLoop(ctx, conn, stream, done, errChan)
	go sh.sendLoop(conn, stream, link, done, errChan)

	select {
	case err := <-errChan:
		close(done)
		if err != nil && err != io.EOF {
			return err
		}
		return nil
	case <-link.Done():
		close(done)
		return nil
	case <-ctx.Done():
		close(done)
		return ctx.Err()
	}
}

func (sh *StreamHandler) receiveLoop(ctx context.Context, conn *store.Connection, stream wire.Stream, done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		default:
			frame, err := stream.Recv()
			if err != nil {
				if err != io.EOF {
					slog.Error("Error receiving message", "agent_id", conn.AgentID, "error", err)
				}
				errChan <- err
				return
			}

			err = sh.ctrl.OnMessage(ctx, conn.ID, frame.Payload)
			switch {
			case err == nil:
			case errors.Is(err, control.ErrConnectionClosed):
				slog.Info("Connection closed elsewhere, dropping stream", "agent_id", conn.AgentID, "connection_id", conn.ID)
				errChan <- nil
				return
			case errors.Is(err, control.ErrMalformedMessage):
				slog.Warn("Dropping malformed message", "agent_id", conn.AgentID, "error", err)
			default:
				slog.Error("Failed to process message", "agent_id", conn.AgentID, "error", err)
			}
		}
	}
}

func (sh *StreamHandler) sendLoop(conn *store.Connection, stream wire.Stream, link *transport.Link, done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		case <-link.Done():
			return
		case msg := <-link.SendCh:
			frame, err := wire.Pack(msg)
			if err != nil {
				slog.Error("Failed to encode message", "agent_id", conn.AgentID, "error", err)
				continue
			}

			slog.Debug("Sending message", "agent_id", conn.AgentID, "query", msg.Query, "command_id", msg.ID)

			if err := stream.Send(frame); err != nil {
				slog.Error("Error sending message", "agent_id", conn.AgentID, "error", err)
				errChan <- err
				return
			}
			if msg.Terminal() {
				slog.Info("Stream terminated by server", "agent_id", conn.AgentID, "query", msg.Query, "reason", msg.Reason)
				errChan <- nil
				return
			}
		}
	}
}

func remoteIPFromContext(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}
