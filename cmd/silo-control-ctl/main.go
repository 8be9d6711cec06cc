package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var AppVersion string

type globalOptions struct {
	server string
	apiKey string
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "silo-control-ctl",
		Short:         "Manage agents and commands on a silo control server",
		Version:       AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("SILO_CONTROL_URL", "http://localhost:8080"), "control server URL")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("SILO_ADMIN_API_KEY"), "admin API key")

	client := func() *apiClient {
		return newAPIClient(opts.server, opts.apiKey)
	}

	root.AddCommand(
		newAgentsCommand(client),
		newCommandsCommand(client),
		newRunCommand(client),
		newConnectionsCommand(client),
	)
	root.AddCommand(newMaintenanceCommands(client)...)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}
