package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	grpcclient "github.com/EternisAI/silo-control/internal/grpc/client"
	"github.com/spf13/viper"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Silo Control Agent", "version", AppVersion, "agent_id", config.Grpc.AgentID)
	if config.Grpc.CommissionedAt != "" {
		slog.Info("Agent already commissioned", "commissioned_at", config.Grpc.CommissionedAt)
	}

	clientCfg := grpcclient.Config{
		ServerAddr:   config.Grpc.ServerAddress,
		AgentID:      config.Grpc.AgentID,
		Key:          config.Grpc.Key,
		ConfigPath:   viper.ConfigFileUsed(),
		Version:      AppVersion,
		PingInterval: config.Grpc.PingInterval,
	}
	if config.Grpc.TLS.Enabled {
		clientCfg.TLS = &grpcclient.TLSConfig{
			Enabled:            true,
			CertFile:           config.Grpc.TLS.CertFile,
			KeyFile:            config.Grpc.TLS.KeyFile,
			CAFile:             config.Grpc.TLS.CAFile,
			ServerNameOverride: config.Grpc.TLS.ServerNameOverride,
		}
	}

	grpcClient := grpcclient.NewClient(clientCfg, grpcclient.NewExecutor(config.Executor.Timeout, nil))
	if err := grpcClient.Start(); err != nil {
		slog.Error("Failed to start gRPC client", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-grpcClient.Done():
		slog.Info("Server ended the session")
	}

	if err := grpcClient.Stop(); err != nil {
		slog.Error("gRPC client stop error", "error", err)
	}
	slog.Info("Shutdown complete")
}
