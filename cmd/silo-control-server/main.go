package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/EternisAI/silo-control/internal/agents"
	internalhttp "github.com/EternisAI/silo-control/internal/api/http"
	"github.com/EternisAI/silo-control/internal/cert"
	"github.com/EternisAI/silo-control/internal/control"
	"github.com/EternisAI/silo-control/internal/db"
	"github.com/EternisAI/silo-control/internal/dispatch"
	"github.com/EternisAI/silo-control/internal/events"
	grpcserver "github.com/EternisAI/silo-control/internal/grpc/server"
	"github.com/EternisAI/silo-control/internal/jobs"
	"github.com/EternisAI/silo-control/internal/registry"
	"github.com/EternisAI/silo-control/internal/status"
	"github.com/EternisAI/silo-control/internal/store"
	"github.com/EternisAI/silo-control/internal/store/memstore"
	"github.com/EternisAI/silo-control/internal/store/pgstore"
	"github.com/EternisAI/silo-control/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Silo Control Server", "version", AppVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := openStore(ctx)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsSink, err := events.NewMetricsSink(promReg)
	if err != nil {
		slog.Error("Failed to register metrics", "error", err)
		os.Exit(1)
	}
	sinks := []events.Sink{events.NewLogSink(slog.Default()), metricsSink}
	if config.Nats.URL != "" {
		nc, err := events.ConnectNATS(config.Nats.URL, "silo-control-server")
		if err != nil {
			slog.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		sinks = append(sinks, events.NewNATSSink(nc, config.Nats.SubjectPrefix))
		slog.Info("Publishing events to NATS", "url", config.Nats.URL, "subject_prefix", config.Nats.SubjectPrefix)
	}
	sink := events.Multi(sinks...)

	clock := clockwork.NewRealClock()
	hub := transport.NewHub()
	agentService := agents.NewService(st, clock)
	reg := registry.New(st, hub, sink, clock)
	engine := dispatch.New(st, hub, sink, clock)
	monitor := status.New(st, config.Status, sink, clock)
	engine.SetStatusRecomputer(monitor)
	ctrl := control.NewService(control.Deps{
		Agents:   agentService,
		Registry: reg,
		Engine:   engine,
		Monitor:  monitor,
		Pusher:   hub,
		Sink:     sink,
		Clock:    clock,
	})

	certService, err := initCerts()
	if err != nil {
		slog.Error("Failed to prepare TLS certificates", "error", err)
		os.Exit(1)
	}

	tlsConfig := &grpcserver.TLSConfig{
		Enabled:    config.Grpc.TLS.Enabled,
		CertFile:   config.Grpc.TLS.CertFile,
		KeyFile:    config.Grpc.TLS.KeyFile,
		CAFile:     config.Grpc.TLS.CAFile,
		ClientAuth: config.Grpc.TLS.ClientAuth,
	}
	grpcSrv := grpcserver.NewServer(config.Grpc.Port, tlsConfig, ctrl, hub)

	services := &internalhttp.Services{
		Agents:   agentService,
		Registry: reg,
		Engine:   engine,
		Monitor:  monitor,
		Control:  ctrl,
		Clock:    clock,
		Certs:    certService,
		Gatherer: promReg,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(gin.Recovery())
	internalhttp.SetupRoute(router, services, config.Http)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: router,
	}

	scheduler := jobs.NewScheduler(clock, jobs.Standard(ctrl, config.Jobs)...)
	scheduler.Start(ctx)

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go func() {
		if err := grpcSrv.Start(); err != nil {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down servers...")
	cancel()
	scheduler.Wait()

	var wg sync.WaitGroup
	shutdownTimeout := 10 * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := grpcSrv.StopWithTimeout(shutdownTimeout); err != nil {
			slog.Error("gRPC server shutdown error", "error", err)
		}
	}()

	wg.Wait()
	slog.Info("Shutdown complete")
}

// openStore uses PostgreSQL when db.url is set and an in-memory store
// otherwise.
func openStore(ctx context.Context) (store.Store, func(), error) {
	if config.DB.Url == "" {
		slog.Warn("No database configured, state will not survive a restart")
		return memstore.New(), func() {}, nil
	}

	if err := db.Migrate(ctx, config.DB); err != nil {
		return nil, nil, err
	}
	pool, err := db.Open(ctx, config.DB)
	if err != nil {
		return nil, nil, err
	}
	pg := pgstore.New(pool)
	return pg, pg.Close, nil
}

// initCerts creates any missing CA and server certificate when the server
// manages its own TLS material.
func initCerts() (*cert.Service, error) {
	tlsCfg := config.Grpc.TLS
	if !tlsCfg.Enabled || !tlsCfg.AutoGenerate {
		return nil, nil
	}

	var ips []net.IP
	for _, raw := range ParseCommaSeparated(tlsCfg.IPAddresses) {
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address in grpc.tls.ip_addresses: %q", raw)
		}
		ips = append(ips, ip)
	}

	return cert.New(tlsCfg.CAFile, tlsCfg.CAKeyFile, tlsCfg.CertFile, tlsCfg.KeyFile, &cert.Options{
		DomainNames: ParseCommaSeparated(tlsCfg.DomainNames),
		IPAddresses: ips,
	})
}
