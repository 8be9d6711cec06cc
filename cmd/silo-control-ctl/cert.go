package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/EternisAI/silo-control/internal/api/http/dto"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newCertCommand(client func() *apiClient) *cobra.Command {
	var certDir string
	cmd := &cobra.Command{
		Use:   "cert <agent-id>",
		Short: "Issue a client certificate for an agent and save it locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp dto.AgentCertResponse
			if err := client().do(cmd.Context(), "POST", "/api/agents/"+args[0]+"/certificate", nil, &resp); err != nil {
				return err
			}

			certPath, keyPath, caPath, err := saveAgentCert(certDir, resp)
			if err != nil {
				return err
			}

			color.Green("Certificate issued for agent %s", resp.AgentID)
			fmt.Printf("  Cert:    %s\n", certPath)
			fmt.Printf("  Key:     %s\n", keyPath)
			fmt.Printf("  CA:      %s\n", caPath)
			fmt.Printf("  Expires: %s\n", resp.NotAfter.Format("2006-01-02"))
			return nil
		},
	}
	cmd.Flags().StringVar(&certDir, "cert-dir", "./certs", "directory to save certificates")
	return cmd
}

// saveAgentCert lays files out as <dir>/agents/<id>/<id>-{cert,key}.pem and
// <dir>/ca/ca-cert.pem.
func saveAgentCert(certDir string, resp dto.AgentCertResponse) (certPath, keyPath, caPath string, err error) {
	agentCertDir := filepath.Join(certDir, "agents", resp.AgentID)
	caCertDir := filepath.Join(certDir, "ca")

	if err := os.MkdirAll(agentCertDir, 0755); err != nil {
		return "", "", "", fmt.Errorf("failed to create directory %s: %w", agentCertDir, err)
	}
	if err := os.MkdirAll(caCertDir, 0755); err != nil {
		return "", "", "", fmt.Errorf("failed to create directory %s: %w", caCertDir, err)
	}

	certPath = filepath.Join(agentCertDir, resp.AgentID+"-cert.pem")
	keyPath = filepath.Join(agentCertDir, resp.AgentID+"-key.pem")
	caPath = filepath.Join(caCertDir, "ca-cert.pem")

	if err := os.WriteFile(certPath, []byte(resp.CertPEM), 0644); err != nil {
		return "", "", "", fmt.Errorf("failed to write cert: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(resp.KeyPEM), 0600); err != nil {
		return "", "", "", fmt.Errorf("failed to write key: %w", err)
	}
	if err := os.WriteFile(caPath, []byte(resp.CACertPEM), 0644); err != nil {
		return "", "", "", fmt.Errorf("failed to write CA cert: %w", err)
	}
	return certPath, keyPath, caPath, nil
}
