package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/EternisAI/silo-control/internal/store"
	"github.com/EternisAI/silo-control/internal/transport"
	"github.com/jonboulle/clockwork"
)

const (
	defaultCommandTimeout = 10 * time.Minute
	maxResultBytes        = 64 * 1024
)

// Result is the outcome reported back in a fin frame.
type Result struct {
	Success bool
	Output  string
	Elapsed float64
}

type Executor struct {
	shell   string
	osquery string
	timeout time.Duration
	clock   clockwork.Clock
}

func NewExecutor(timeout time.Duration, clock clockwork.Clock) *Executor {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Executor{
		shell:   "/bin/sh",
		osquery: "osqueryi",
		timeout: timeout,
		clock:   clock,
	}
}

func (e *Executor) Execute(ctx context.Context, msg *transport.Message) Result {
	start := e.clock.Now()

	var ok bool
	var out string
	switch msg.Shell {
	case store.ShellInternal:
		ok, out = e.internal(msg.Line)
	case store.ShellSystem:
		ok, out = e.run(ctx, msg, e.shell, "-c", msg.Line)
	case store.ShellOsquery:
		ok, out = e.run(ctx, msg, e.osquery, "--json", msg.Line)
	default:
		ok, out = false, fmt.Sprintf("unsupported shell %q", msg.Shell)
	}

	return Result{
		Success: ok,
		Output:  truncate(out),
		Elapsed: e.clock.Since(start).Seconds(),
	}
}

func (e *Executor) internal(line string) (bool, string) {
	switch line {
	case "ping":
		return true, e.clock.Now().UTC().Format(time.RFC3339Nano)
	case "debug":
		return true, fmt.Sprintf("%s %s/%s goroutines=%d", runtime.Version(), runtime.GOOS, runtime.GOARCH, runtime.NumGoroutine())
	default:
		return false, fmt.Sprintf("unknown internal command %q", line)
	}
}

func (e *Executor) run(ctx context.Context, msg *transport.Message, name string, args ...string) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if msg.Username != "" || msg.Groupname != "" {
		slog.Debug("Running command as agent user", "command_id", msg.ID, "requested_user", msg.Username, "requested_group", msg.Groupname)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if msg.Data != "" {
		cmd.Stdin = strings.NewReader(msg.Data)
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	if err == nil {
		return true, buf.String()
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return false, buf.String() + fmt.Sprintf("\ncommand timed out after %s", e.timeout)
	case errors.As(err, &exitErr):
		return false, buf.String()
	default:
		return false, err.Error()
	}
}

func truncate(s string) string {
	if len(s) <= maxResultBytes {
		return s
	}
	return s[:maxResultBytes]
}
