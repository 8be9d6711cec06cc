package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	grpctls "github.com/EternisAI/silo-control/internal/grpc/tls"
	"github.com/EternisAI/silo-control/internal/grpc/wire"
	"github.com/EternisAI/silo-control/internal/transport"
	"google.golang.org/grpc"
)

type TLSConfig struct {
	Enabled    bool
	CertFile   string
	KeyFile    string
	CAFile     string
	ClientAuth string
}

type Server struct {
	grpcServer    *grpc.Server
	hub           *transport.Hub
	streamHandler *StreamHandler
	port          int
	tlsConfig     *TLSConfig
	listener      net.Listener
}

func NewServer(port int, tlsConfig *TLSConfig, ctrl Controller, hub *transport.Hub) *Server {
	return &Server{
		hub:           hub,
		streamHandler: NewStreamHandler(ctrl, hub),
		port:          port,
		tlsConfig:     tlsConfig,
	}
}

func (s *Server) serverOptions() ([]grpc.ServerOption, error) {
	if s.tlsConfig == nil || !s.tlsConfig.Enabled {
		return nil, nil
	}
	clientAuth, err := grpctls.ParseClientAuthType(s.tlsConfig.ClientAuth)
	if err != nil {
		return nil, err
	}
	creds, err := grpctls.LoadServerCredentials(s.tlsConfig.CertFile, s.tlsConfig.KeyFile, s.tlsConfig.CAFile, clientAuth)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
	}
	return []grpc.ServerOption{grpc.Creds(creds)}, nil
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	return s.Serve(lis)
}

// Serve runs the gRPC server on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	opts, err := s.serverOptions()
	if err != nil {
		return err
	}
	s.listener = lis
	s.grpcServer = grpc.NewServer(opts...)
	wire.RegisterControlServer(s.grpcServer, s)

	slog.Info("Starting gRPC server", "address", lis.Addr().String(), "tls", s.tlsConfig != nil && s.tlsConfig.Enabled)

	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping gRPC server")

	// GracefulStop waits on open streams, so end them first.
	s.hub.Stop()

	if s.grpcServer == nil {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		slog.Warn("gRPC server stop timeout, forcing shutdown")
		s.grpcServer.Stop()
	}
	return nil
}

func (s *Server) Stream(stream wire.Stream) error {
	return s.streamHandler.HandleStream(stream)
}

func (s *Server) StopWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(ctx)
}
