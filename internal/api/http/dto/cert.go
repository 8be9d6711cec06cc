package dto

import "time"

type AgentCertResponse struct {
	AgentID   string    `json:"agent_id"`
	CertPEM   string    `json:"cert_pem"`
	KeyPEM    string    `json:"key_pem"`
	CACertPEM string    `json:"ca_cert_pem"`
	NotAfter  time.Time `json:"not_after"`
}
