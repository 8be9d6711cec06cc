package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/EternisAI/silo-control/internal/api/http/dto"
	"github.com/EternisAI/silo-control/internal/store"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newCommandsCommand(client func() *apiClient) *cobra.Command {
	var agentID string
	var limit int
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "List and manage commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/commands"
			if agentID != "" {
				path = "/api/agents/" + agentID + "/commands"
			}
			path += "?limit=" + strconv.Itoa(limit)

			var resp dto.ListCommandsResponse
			if err := client().do(cmd.Context(), "GET", path, nil, &resp); err != nil {
				return err
			}
			return printCommands(os.Stdout, resp.Commands)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "only this agent's commands")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum commands to show, 0 for all")

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one command with its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c dto.CommandResponse
			if err := client().do(cmd.Context(), "GET", "/api/commands/"+args[0], nil, &c); err != nil {
				return err
			}
			printCommand(os.Stdout, c)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an undelivered command and its dependents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c dto.CommandResponse
			if err := client().do(cmd.Context(), "DELETE", "/api/commands/"+args[0], nil, &c); err != nil {
				return err
			}
			color.Yellow("Command %s cancelled", c.ID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a command from scratch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c dto.CommandResponse
			if err := client().do(cmd.Context(), "POST", "/api/commands/"+args[0]+"/retry", nil, &c); err != nil {
				return err
			}
			color.Green("Command %s is %s", c.ID, c.State)
			return nil
		},
	})

	return cmd
}

func newRunCommand(client func() *apiClient) *cobra.Command {
	var req dto.SubmitCommandRequest
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "run <agent-id> <line>",
		Short: "Submit a command to an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Line = args[1]
			c := client()

			var submitted dto.CommandResponse
			if err := c.do(cmd.Context(), "POST", "/api/agents/"+args[0]+"/commands", req, &submitted); err != nil {
				return err
			}
			color.Green("Command %s %s", submitted.ID, submitted.State)
			if wait <= 0 {
				return nil
			}

			done, err := waitForCommand(cmd.Context(), c, submitted.ID, wait)
			if err != nil {
				return err
			}
			printCommand(os.Stdout, done)
			if done.Success == nil || !*done.Success {
				return fmt.Errorf("command %s failed", done.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Shell, "shell", store.ShellSystem, "system, osquery or internal")
	cmd.Flags().StringVar(&req.Data, "data", "", "data passed to the command on stdin")
	cmd.Flags().StringVar(&req.Username, "user", "", "user to run as")
	cmd.Flags().StringVar(&req.Groupname, "group", "", "group to run as")
	cmd.Flags().StringSliceVar(&req.RunAfter, "after", nil, "command IDs that must succeed first")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait this long for the result")
	return cmd
}

func waitForCommand(ctx context.Context, c *apiClient, id string, timeout time.Duration) (dto.CommandResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		var cmd dto.CommandResponse
		if err := c.do(ctx, "GET", "/api/commands/"+id, nil, &cmd); err != nil {
			return cmd, err
		}
		if cmd.HandledAt != nil {
			return cmd, nil
		}
		select {
		case <-ctx.Done():
			return cmd, fmt.Errorf("command %s still %s after %s", id, cmd.State, timeout)
		case <-ticker.C:
		}
	}
}

func printCommands(w io.Writer, cmds []dto.CommandResponse) error {
	if len(cmds) == 0 {
		fmt.Fprintln(w, "No commands.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tAGENT\tSHELL\tLINE\tSTATE\tSCHEDULED")
	fmt.Fprintln(tw, "  --\t-----\t-----\t----\t-----\t---------")
	for _, c := range cmds {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, truncate(c.AgentID, 12), c.Shell, truncate(c.Line, 32), colorState(c.State), c.ScheduledAt.Format("Jan 02 15:04:05"))
	}
	return tw.Flush()
}

func printCommand(w io.Writer, c dto.CommandResponse) {
	fmt.Fprintf(w, "ID:        %s\n", c.ID)
	fmt.Fprintf(w, "Agent:     %s\n", c.AgentID)
	fmt.Fprintf(w, "Shell:     %s\n", c.Shell)
	fmt.Fprintf(w, "Line:      %s\n", c.Line)
	fmt.Fprintf(w, "State:     %s\n", colorState(c.State))
	if len(c.RunAfter) > 0 {
		fmt.Fprintf(w, "Run after: %v\n", c.RunAfter)
	}
	if c.ElapsedTime != nil {
		fmt.Fprintf(w, "Elapsed:   %.2fs\n", *c.ElapsedTime)
	}
	if c.Result != "" {
		fmt.Fprintln(w, "Result:")
		fmt.Fprintln(w, c.Result)
	}
}

func colorState(state string) string {
	switch store.CommandState(state) {
	case store.CommandSucceeded:
		return color.GreenString(state)
	case store.CommandFailed:
		return color.RedString(state)
	case store.CommandDelivered, store.CommandAcked:
		return color.CyanString(state)
	default:
		return state
	}
}
