package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/EternisAI/silo-control/internal/api/http/dto"
	"github.com/EternisAI/silo-control/internal/store"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newAgentsCommand(client func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List and manage agents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listAgents(cmd, client())
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all agents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listAgents(cmd, client())
		},
	})

	var createReq dto.CreateAgentRequest
	var expires time.Duration
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a new agent and print its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			createReq.Name = args[0]
			if expires > 0 {
				at := time.Now().Add(expires).UTC()
				createReq.ExpiresAt = &at
			}
			var resp dto.CreateAgentResponse
			if err := client().do(cmd.Context(), "POST", "/api/agents", createReq, &resp); err != nil {
				return err
			}
			color.Green("Agent created")
			fmt.Printf("  ID:   %s\n", resp.Agent.ID)
			fmt.Printf("  Name: %s\n", resp.Agent.Name)
			fmt.Printf("  Key:  %s\n", resp.Key)
			color.Yellow("The key is shown only once. Store it in the agent's configuration.")
			return nil
		},
	}
	create.Flags().BoolVar(&createReq.Concurrent, "concurrent", false, "allow several open connections")
	create.Flags().StringVar(&createReq.AllowedIP, "allowed-ip", "", "restrict connections to an IP or CIDR")
	create.Flags().DurationVar(&expires, "expires-in", 0, "disable the agent after this long")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var agent dto.AgentResponse
			if err := client().do(cmd.Context(), "GET", "/api/agents/"+args[0], nil, &agent); err != nil {
				return err
			}
			printAgent(os.Stdout, agent)
			return nil
		},
	})

	for _, enabled := range []bool{true, false} {
		use, short := "enable <id>", "Allow the agent to connect and receive commands"
		if !enabled {
			use, short = "disable <id>", "Stop sending commands to the agent"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var agent dto.AgentResponse
				if err := client().do(cmd.Context(), "PATCH", "/api/agents/"+args[0], dto.SetEnabledRequest{Enabled: &enabled}, &agent); err != nil {
					return err
				}
				color.Green("Agent %s enabled=%t", agent.ID, agent.Enabled)
				return nil
			},
		})
	}

	var refresh bool
	statusCmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show the agent's health classification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := "GET"
			if refresh {
				method = "POST"
			}
			var st store.Status
			if err := client().do(cmd.Context(), method, "/api/agents/"+args[0]+"/status", nil, &st); err != nil {
				return err
			}
			printStatus(os.Stdout, &st)
			return nil
		},
	}
	statusCmd.Flags().BoolVar(&refresh, "refresh", false, "recompute before showing")
	cmd.AddCommand(statusCmd)
	cmd.AddCommand(newCertCommand(client))

	return cmd
}

func listAgents(cmd *cobra.Command, c *apiClient) error {
	var resp dto.ListAgentsResponse
	if err := c.do(cmd.Context(), "GET", "/api/agents", nil, &resp); err != nil {
		return err
	}
	if resp.Count == 0 {
		fmt.Println("No agents registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tENABLED\tCONNECTED\tSTATUS\tCREATED")
	fmt.Fprintln(w, "  --\t----\t-------\t---------\t------\t-------")
	for _, a := range resp.Agents {
		code := "-"
		if a.Status != nil {
			code = string(a.Status.Code)
		}
		fmt.Fprintf(w, "  %s\t%s\t%t\t%t\t%s\t%s\n",
			a.ID, truncate(a.Name, 24), a.Enabled, a.Connected, colorCode(code), a.CreatedAt.Format("Jan 02 15:04"))
	}
	return w.Flush()
}

func printAgent(w io.Writer, a dto.AgentResponse) {
	fmt.Fprintf(w, "ID:           %s\n", a.ID)
	fmt.Fprintf(w, "Name:         %s\n", a.Name)
	fmt.Fprintf(w, "Enabled:      %t\n", a.Enabled)
	fmt.Fprintf(w, "Concurrent:   %t\n", a.Concurrent)
	fmt.Fprintf(w, "Commissioned: %t\n", a.Commissioned)
	fmt.Fprintf(w, "Connected:    %t\n", a.Connected)
	if a.AllowedIP != "" {
		fmt.Fprintf(w, "Allowed IP:   %s\n", a.AllowedIP)
	}
	if a.ExpiresAt != nil {
		fmt.Fprintf(w, "Expires:      %s\n", a.ExpiresAt.Format(time.RFC3339))
	}
	if a.StartedAt != nil {
		fmt.Fprintf(w, "Started:      %s\n", a.StartedAt.Format(time.RFC3339))
	}
	if a.Status != nil {
		printStatus(w, a.Status)
	}
}

func printStatus(w io.Writer, st *store.Status) {
	fmt.Fprintf(w, "Status:       %s (%s)\n", colorCode(string(st.Code)), st.Text)
	for _, r := range st.Reasons {
		fmt.Fprintf(w, "  - %s\n", r)
	}
	m := st.Metrics
	fmt.Fprintf(w, "Delay:        now %.1fs, 1h %.1fs, 1d %.1fs, 1w %.1fs\n", m.DelayNow, m.Delay1h, m.Delay1d, m.Delay1w)
	fmt.Fprintf(w, "Clock drift:  %.1fs\n", m.ClockDrift)
	fmt.Fprintf(w, "Checked:      %s\n", st.CheckedAt.Format(time.RFC3339))
}

func colorCode(code string) string {
	switch store.StatusCode(code) {
	case store.StatusOK:
		return color.GreenString(code)
	case store.StatusWarn:
		return color.YellowString(code)
	case store.StatusError:
		return color.RedString(code)
	default:
		return code
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
