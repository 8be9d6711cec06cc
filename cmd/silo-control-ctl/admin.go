package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/EternisAI/silo-control/internal/api/http/dto"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newConnectionsCommand(client func() *apiClient) *cobra.Command {
	var history int
	cmd := &cobra.Command{
		Use:   "connections [agent-id]",
		Short: "List open connections, or one agent's history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/connections"
			if len(args) == 1 {
				path = "/api/agents/" + args[0] + "/connections?open=true"
				if history > 0 {
					path = "/api/agents/" + args[0] + "/connections?limit=" + strconv.Itoa(history)
				}
			}
			var resp dto.ListConnectionsResponse
			if err := client().do(cmd.Context(), "GET", path, nil, &resp); err != nil {
				return err
			}
			return printConnections(os.Stdout, resp.Connections)
		},
	}
	cmd.Flags().IntVar(&history, "history", 0, "show this many past connections of the agent")
	return cmd
}

func printConnections(w io.Writer, conns []dto.ConnectionResponse) error {
	if len(conns) == 0 {
		fmt.Fprintln(w, "No connections.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tAGENT\tREMOTE\tSTATE\tOPENED\tLAST HEARTBEAT")
	fmt.Fprintln(tw, "  --\t-----\t------\t-----\t------\t--------------")
	for _, c := range conns {
		state := c.State
		if state == "open" {
			state = color.GreenString(state)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, truncate(c.AgentID, 12), c.RemoteIP, state,
			c.OpenedAt.Format("Jan 02 15:04:05"), c.LastHeartbeatAt.Format("Jan 02 15:04:05"))
	}
	return tw.Flush()
}

func newMaintenanceCommands(client func() *apiClient) []*cobra.Command {
	count := func(cmd *cobra.Command, path string, body any, label string) error {
		var resp dto.CountResponse
		if err := client().do(cmd.Context(), "POST", path, body, &resp); err != nil {
			return err
		}
		color.Green("%s: %d", label, resp.Count)
		return nil
	}

	var threshold time.Duration
	reap := &cobra.Command{
		Use:   "reap",
		Short: "Close connections with stale heartbeats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return count(cmd, "/api/reap", dto.ReapRequest{ThresholdSeconds: int(threshold.Seconds())}, "Reaped connections")
		},
	}
	reap.Flags().DurationVar(&threshold, "threshold", 15*time.Minute, "heartbeat age that counts as stale")

	return []*cobra.Command{
		{
			Use:   "sweep",
			Short: "Deliver every eligible queued command now",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return count(cmd, "/api/sweep", nil, "Delivered commands")
			},
		},
		{
			Use:   "ping",
			Short: "Queue a clock probe on every connected agent",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return count(cmd, "/api/ping", nil, "Pinged agents")
			},
		},
		reap,
	}
}
