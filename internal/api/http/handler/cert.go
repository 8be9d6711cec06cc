package handler

import (
	"net/http"

	"github.com/EternisAI/silo-control/internal/agents"
	"github.com/EternisAI/silo-control/internal/api/http/dto"
	"github.com/EternisAI/silo-control/internal/cert"
	"github.com/gin-gonic/gin"
)

type CertHandler struct {
	certService  *cert.Service
	agentService *agents.Service
}

func NewCertHandler(certService *cert.Service, agentService *agents.Service) *CertHandler {
	return &CertHandler{
		certService:  certService,
		agentService: agentService,
	}
}

// IssueAgentCert returns a fresh client certificate for mutual TLS. The key
// is not stored on the server.
// POST /api/agents/:id/certificate
func (h *CertHandler) IssueAgentCert(c *gin.Context) {
	agent, err := h.agentService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "get agent")
		return
	}

	bundle, err := h.certService.GenerateAgentCert(agent.ID)
	if err != nil {
		respondError(c, err, "issue certificate")
		return
	}

	c.JSON(http.StatusCreated, dto.AgentCertResponse{
		AgentID:   agent.ID,
		CertPEM:   string(bundle.CertPEM),
		KeyPEM:    string(bundle.KeyPEM),
		CACertPEM: string(bundle.CACertPEM),
		NotAfter:  bundle.NotAfter,
	})
}
