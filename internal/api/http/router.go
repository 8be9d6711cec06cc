package http

import (
	"github.com/EternisAI/silo-control/internal/agents"
	"github.com/EternisAI/silo-control/internal/api/http/handler"
	"github.com/EternisAI/silo-control/internal/api/http/middleware"
	"github.com/EternisAI/silo-control/internal/cert"
	"github.com/EternisAI/silo-control/internal/control"
	"github.com/EternisAI/silo-control/internal/dispatch"
	"github.com/EternisAI/silo-control/internal/registry"
	"github.com/EternisAI/silo-control/internal/status"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Services struct {
	Agents   *agents.Service
	Registry *registry.Registry
	Engine   *dispatch.Engine
	Monitor  *status.Monitor
	Control  *control.Service
	Clock    clockwork.Clock
	// Certs issues agent client certificates. Nil when TLS is not managed
	// by this server.
	Certs *cert.Service
	// Gatherer backs /metrics. Nil leaves the endpoint unregistered.
	Gatherer prometheus.Gatherer
}

func SetupRoute(engine *gin.Engine, srvs *Services, cfg Config) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	if srvs.Gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(srvs.Gatherer, promhttp.HandlerOpts{})))
	}

	agentsHandler := handler.NewAgentsHandler(srvs.Agents, srvs.Registry, srvs.Monitor)
	commandsHandler := handler.NewCommandsHandler(srvs.Engine, srvs.Clock)
	adminHandler := handler.NewAdminHandler(srvs.Control, srvs.Agents, srvs.Registry)

	api := engine.Group("/api")
	api.Use(middleware.APIKeyAuth(cfg.AdminAPIKey))
	{
		api.GET("/agents", agentsHandler.ListAgents)
		api.POST("/agents", agentsHandler.CreateAgent)
		api.GET("/agents/:id", agentsHandler.GetAgent)
		api.PATCH("/agents/:id", agentsHandler.SetEnabled)
		api.GET("/agents/:id/status", agentsHandler.GetStatus)
		api.POST("/agents/:id/status", agentsHandler.RefreshStatus)
		api.GET("/agents/:id/connections", agentsHandler.ListConnections)
		api.GET("/agents/:id/commands", commandsHandler.ListForAgent)
		api.POST("/agents/:id/commands", commandsHandler.Submit)

		api.GET("/commands", commandsHandler.List)
		api.GET("/commands/:id", commandsHandler.Get)
		api.DELETE("/commands/:id", commandsHandler.Cancel)
		api.POST("/commands/:id/retry", commandsHandler.Retry)
		api.POST("/commands/:id/ack", commandsHandler.Ack)
		api.POST("/commands/:id/complete", commandsHandler.Complete)

		api.GET("/connections", adminHandler.ListConnections)
		api.POST("/sweep", adminHandler.Sweep)
		api.POST("/reap", adminHandler.Reap)
		api.POST("/ping", adminHandler.Ping)

		if srvs.Certs != nil {
			certHandler := handler.NewCertHandler(srvs.Certs, srvs.Agents)
			api.POST("/agents/:id/certificate", certHandler.IssueAgentCert)
		}
	}
}
