// Package dispatch schedules commands onto connected agents, tracks their
// acknowledgement and completion, and cancels everything downstream of a
// failed command.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/EternisAI/silo-control/internal/events"
	"github.com/EternisAI/silo-control/internal/store"
	"github.com/EternisAI/silo-control/internal/transport"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultGroup = "silo"

	ResultDependencyFailed = "cancelled: dependency failed"
	ResultCancelled        = "cancelled"
)

// Internal command lines the engine treats as housekeeping.
const (
	LinePing  = "ping"
	LineDebug = "debug"
)

// StatusRecomputer refreshes an agent's derived status after its commands
// settle.
type StatusRecomputer interface {
	Recompute(ctx context.Context, agentID string) (*store.Status, error)
}

type SubmitRequest struct {
	AgentID     string
	Shell       string
	Line        string
	Data        string
	Username    string
	Groupname   string
	RunAfter    []string
	ScheduledAt *time.Time // nil means now
	RequestedBy string     // empty for system-requested commands
}

type Engine struct {
	store  store.Store
	pusher transport.Pusher
	sink   events.Sink
	clock  clockwork.Clock
	status StatusRecomputer
}

func New(st store.Store, pusher transport.Pusher, sink events.Sink, clock clockwork.Clock) *Engine {
	if sink == nil {
		sink = events.Discard
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{store: st, pusher: pusher, sink: sink, clock: clock}
}

// SetStatusRecomputer is separate from New so the status monitor can be built
// after the engine.
func (e *Engine) SetStatusRecomputer(r StatusRecomputer) {
	e.status = r
}

// Submit creates a command. Commands without dependencies that are already
// due go out to a connected agent within this call.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*store.Command, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if _, err := e.store.GetAgent(ctx, req.AgentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, req.AgentID)
		}
		return nil, err
	}

	now := e.clock.Now()
	cmd := &store.Command{
		ID:          uuid.NewString(),
		AgentID:     req.AgentID,
		Shell:       req.Shell,
		Line:        req.Line,
		Data:        req.Data,
		Username:    req.Username,
		Groupname:   req.Groupname,
		RequestedBy: req.RequestedBy,
		RunAfter:    dedupe(req.RunAfter),
		AddedAt:     now,
		ScheduledAt: now,
	}
	if cmd.Groupname == "" {
		cmd.Groupname = DefaultGroup
	}
	if req.ScheduledAt != nil {
		cmd.ScheduledAt = *req.ScheduledAt
	}

	var emitted []events.Event
	err := e.store.WithAgentLock(ctx, req.AgentID, func(q store.Querier) error {
		agent, err := q.GetAgent(ctx, req.AgentID)
		if err != nil {
			return err
		}
		if !agent.Usable(now) {
			return fmt.Errorf("%w: %s", ErrAgentDisabled, agent.ID)
		}

		for _, depID := range cmd.RunAfter {
			dep, err := q.GetCommand(ctx, depID)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s does not exist", ErrInvalidDependency, depID)
			}
			if err != nil {
				return err
			}
			if dep.AgentID != cmd.AgentID {
				return fmt.Errorf("%w: %s belongs to another agent", ErrInvalidDependency, depID)
			}
		}

		if err := q.CreateCommand(ctx, cmd); err != nil {
			return err
		}

		if len(cmd.RunAfter) > 0 || cmd.ScheduledAt.After(now) {
			return nil
		}
		ev, err := e.deliverLocked(ctx, q, agent, cmd, now)
		if err != nil || ev == nil {
			return err
		}
		cmd.DeliveredAt = &now
		emitted = append(emitted, *ev)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit command: %w", err)
	}

	slog.Debug("Command submitted",
		"command_id", cmd.ID,
		"agent_id", cmd.AgentID,
		"shell", cmd.Shell,
		"run_after", len(cmd.RunAfter),
		"delivered", cmd.DeliveredAt != nil)
	e.emit(ctx, emitted)
	return cmd, nil
}

func validate(req SubmitRequest) error {
	switch req.Shell {
	case store.ShellSystem, store.ShellOsquery, store.ShellInternal:
	default:
		return fmt.Errorf("%w: unknown shell %q", ErrInvalidCommand, req.Shell)
	}
	if req.Line == "" {
		return fmt.Errorf("%w: empty command line", ErrInvalidCommand)
	}
	if req.AgentID == "" {
		return fmt.Errorf("%w: missing agent", ErrUnknownAgent)
	}
	return nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// Deliver re-checks eligibility under the agent lock and pushes the command
// if it still qualifies. It reports whether the command went out.
func (e *Engine) Deliver(ctx context.Context, commandID string) (bool, error) {
	cmd, err := e.get(ctx, commandID)
	if err != nil {
		return false, err
	}

	now := e.clock.Now()
	var emitted []events.Event
	err = e.store.WithAgentLock(ctx, cmd.AgentID, func(q store.Querier) error {
		agent, err := q.GetAgent(ctx, cmd.AgentID)
		if err != nil {
			return err
		}
		cur, err := q.GetCommand(ctx, commandID)
		if err != nil {
			return err
		}
		ev, err := e.deliverLocked(ctx, q, agent, cur, now)
		if ev != nil {
			emitted = append(emitted, *ev)
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to deliver command %s: %w", commandID, err)
	}
	e.emit(ctx, emitted)
	return len(emitted) > 0, nil
}

type eligibility int

const (
	eligible eligibility = iota
	notYet
	blocked // a dependency failed; the command can never run
)

func (e *Engine) eligibility(ctx context.Context, q store.Querier, agent *store.Agent, cmd *store.Command, now time.Time) (eligibility, error) {
	if cmd.DeliveredAt != nil || cmd.HandledAt != nil || cmd.ScheduledAt.After(now) {
		return notYet, nil
	}
	if len(cmd.RunAfter) > 0 {
		deps, err := q.ListDependencies(ctx, cmd.ID)
		if err != nil {
			return notYet, err
		}
		pending := false
		for _, d := range deps {
			if d.HandledAt == nil {
				pending = true
				continue
			}
			if d.Success == nil || !*d.Success {
				return blocked, nil
			}
		}
		if pending {
			return notYet, nil
		}
	}
	if !agent.Usable(now) {
		return notYet, nil
	}
	return eligible, nil
}

// deliverLocked must run inside the agent lock. A nil event with a nil error
// means the command was not delivered and stays queued.
func (e *Engine) deliverLocked(ctx context.Context, q store.Querier, agent *store.Agent, cmd *store.Command, now time.Time) (*events.Event, error) {
	state, err := e.eligibility(ctx, q, agent, cmd, now)
	if err != nil || state != eligible {
		return nil, err
	}

	open, err := q.ListOpenConnections(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}
	conn := open[0]

	if err := e.pusher.Push(conn.Channel, transport.NewCommand(cmd)); err != nil {
		level := slog.LevelDebug
		if errors.Is(err, transport.ErrChannelFull) {
			level = slog.LevelWarn
		}
		slog.Log(ctx, level, "Failed to push command, leaving it queued",
			"command_id", cmd.ID,
			"agent_id", agent.ID,
			"connection_id", conn.ID,
			"error", err)
		return nil, nil
	}

	ok, err := q.MarkDelivered(ctx, cmd.ID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &events.Event{
		Kind:         events.CommandDelivered,
		AgentID:      agent.ID,
		ConnectionID: conn.ID,
		CommandID:    cmd.ID,
		At:           now,
	}, nil
}

// Sweep delivers every eligible command of one agent, or of every agent with
// pending work when agentID is empty, and cancels commands whose
// dependencies failed. It returns the number of commands delivered.
func (e *Engine) Sweep(ctx context.Context, agentID string) (int, error) {
	if agentID != "" {
		return e.sweepAgent(ctx, agentID)
	}

	agentIDs, err := e.store.AgentsWithCandidates(ctx, e.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to list agents with pending commands: %w", err)
	}

	total := 0
	for _, id := range agentIDs {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := e.sweepAgent(ctx, id)
		if err != nil {
			slog.Error("Failed to sweep agent", "agent_id", id, "error", err)
			continue
		}
		total += n
	}
	return total, nil
}

func (e *Engine) sweepAgent(ctx context.Context, agentID string) (int, error) {
	now := e.clock.Now()
	var emitted []events.Event
	delivered := 0

	err := e.store.WithAgentLock(ctx, agentID, func(q store.Querier) error {
		agent, err := q.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		candidates, err := q.ListDeliveryCandidates(ctx, agentID, now)
		if err != nil {
			return err
		}

		pushStalled := false
		for _, c := range candidates {
			// Earlier iterations may have cancelled this one.
			cur, err := q.GetCommand(ctx, c.ID)
			if err != nil {
				return err
			}

			state, err := e.eligibility(ctx, q, agent, cur, now)
			if err != nil {
				return err
			}
			switch state {
			case blocked:
				cancelled, err := e.cancelLocked(ctx, q, cur, ResultDependencyFailed, now)
				if err != nil {
					return err
				}
				emitted = append(emitted, cancelled...)
			case eligible:
				if pushStalled {
					continue
				}
				ev, err := e.deliverLocked(ctx, q, agent, cur, now)
				if err != nil {
					return err
				}
				if ev == nil {
					// Keep per-agent order: nothing overtakes a command that failed to go out.
					pushStalled = true
					continue
				}
				delivered++
				emitted = append(emitted, *ev)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sweep agent %s: %w", agentID, err)
	}

	if delivered > 0 {
		slog.Debug("Sweep delivered commands", "agent_id", agentID, "count", delivered)
	}
	e.emit(ctx, emitted)
	return delivered, nil
}

// Ack records the agent's acknowledgement of a delivered command.
func (e *Engine) Ack(ctx context.Context, commandID string) error {
	cmd, err := e.get(ctx, commandID)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	var roundTrip time.Duration
	err = e.store.WithAgentLock(ctx, cmd.AgentID, func(q store.Querier) error {
		cur, err := q.GetCommand(ctx, commandID)
		if err != nil {
			return err
		}
		switch {
		case cur.HandledAt != nil:
			return ErrAlreadyHandled
		case cur.DeliveredAt == nil:
			return ErrNotDelivered
		case cur.AckedAt != nil:
			return ErrAlreadyAcked
		}
		ok, err := q.MarkAcked(ctx, commandID, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyAcked
		}
		roundTrip = now.Sub(*cur.DeliveredAt)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			slog.Debug("Ack conflict", "command_id", commandID, "error", err)
		}
		return fmt.Errorf("failed to ack command %s: %w", commandID, err)
	}

	e.sink.Emit(ctx, events.Event{
		Kind:      events.CommandAcked,
		AgentID:   cmd.AgentID,
		CommandID: commandID,
		RoundTrip: roundTrip,
		At:        now,
	})
	return nil
}

// Complete records the outcome of a delivered command. Completing an already
// handled command is a no-op. A failure cancels every unhandled descendant.
func (e *Engine) Complete(ctx context.Context, commandID string, outcome store.Outcome) error {
	cmd, err := e.get(ctx, commandID)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	handled := false
	var emitted []events.Event
	err = e.store.WithAgentLock(ctx, cmd.AgentID, func(q store.Querier) error {
		cur, err := q.GetCommand(ctx, commandID)
		if err != nil {
			return err
		}
		if cur.HandledAt != nil {
			return nil
		}
		if cur.DeliveredAt == nil {
			return ErrNotDelivered
		}

		ok, err := q.MarkHandled(ctx, commandID, outcome, now)
		if err != nil || !ok {
			return err
		}
		handled = true
		success := outcome.Success
		emitted = append(emitted, events.Event{
			Kind:      events.CommandCompleted,
			AgentID:   cur.AgentID,
			CommandID: commandID,
			Success:   &success,
			At:        now,
		})

		if !outcome.Success {
			cancelled, err := e.cascadeLocked(ctx, q, commandID, now)
			if err != nil {
				return err
			}
			emitted = append(emitted, cancelled...)
			return nil
		}

		if isClockProbe(cur) {
			e.recordClockSample(ctx, q, cur, outcome.Result, now)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			slog.Debug("Complete conflict", "command_id", commandID, "error", err)
		}
		return fmt.Errorf("failed to complete command %s: %w", commandID, err)
	}
	if !handled {
		slog.Debug("Command already handled, ignoring completion", "command_id", commandID)
		return nil
	}

	e.emit(ctx, emitted)
	e.settle(ctx, cmd.AgentID)
	return nil
}

// settle runs the follow-up work after an agent's commands changed state.
func (e *Engine) settle(ctx context.Context, agentID string) {
	if _, err := e.sweepAgent(ctx, agentID); err != nil {
		slog.Error("Failed to sweep after completion", "agent_id", agentID, "error", err)
	}
	if e.status != nil {
		if _, err := e.status.Recompute(ctx, agentID); err != nil {
			slog.Error("Failed to recompute status", "agent_id", agentID, "error", err)
		}
	}
}

func isClockProbe(cmd *store.Command) bool {
	return cmd.Shell == store.ShellInternal && cmd.Line == LinePing && cmd.RequestedBy == ""
}

func (e *Engine) recordClockSample(ctx context.Context, q store.Querier, cmd *store.Command, result string, now time.Time) {
	agentTime, err := ParseAgentTime(result)
	if err != nil {
		slog.Warn("Ignoring unparsable ping result", "command_id", cmd.ID, "agent_id", cmd.AgentID, "error", err)
		return
	}
	sample := &store.ClockSample{AgentID: cmd.AgentID, SystemTime: agentTime, RecordedAt: now}
	if err := q.AddClockSample(ctx, sample); err != nil {
		slog.Error("Failed to record clock sample", "agent_id", cmd.AgentID, "error", err)
	}
}

// Cancel terminates a command that has not been delivered yet, together with
// everything that depends on it.
func (e *Engine) Cancel(ctx context.Context, commandID string) error {
	cmd, err := e.get(ctx, commandID)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	var emitted []events.Event
	err = e.store.WithAgentLock(ctx, cmd.AgentID, func(q store.Querier) error {
		cur, err := q.GetCommand(ctx, commandID)
		if err != nil {
			return err
		}
		switch {
		case cur.HandledAt != nil:
			return ErrAlreadyHandled
		case cur.DeliveredAt != nil:
			return ErrAlreadyDelivered
		}
		cancelled, err := e.cancelLocked(ctx, q, cur, ResultCancelled, now)
		if err != nil {
			return err
		}
		emitted = cancelled
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cancel command %s: %w", commandID, err)
	}

	e.emit(ctx, emitted)
	return nil
}

// cancelLocked marks cmd handled and failed with result, then cascades.
func (e *Engine) cancelLocked(ctx context.Context, q store.Querier, cmd *store.Command, result string, now time.Time) ([]events.Event, error) {
	ok, err := q.MarkHandled(ctx, cmd.ID, store.Outcome{Success: false, Result: result}, now)
	if err != nil || !ok {
		return nil, err
	}
	emitted := []events.Event{{
		Kind:      events.CommandCancelled,
		AgentID:   cmd.AgentID,
		CommandID: cmd.ID,
		Detail:    result,
		At:        now,
	}}
	cascaded, err := e.cascadeLocked(ctx, q, cmd.ID, now)
	if err != nil {
		return nil, err
	}
	return append(emitted, cascaded...), nil
}

// cascadeLocked fails every unhandled transitive dependent of rootID without
// delivering it. The visited set bounds the walk even if the graph has a
// cycle.
func (e *Engine) cascadeLocked(ctx context.Context, q store.Querier, rootID string, now time.Time) ([]events.Event, error) {
	var emitted []events.Event
	visited := map[string]bool{rootID: true}
	queue := []string{rootID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		dependents, err := q.ListDependents(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, d := range dependents {
			if visited[d.ID] {
				continue
			}
			visited[d.ID] = true
			if d.HandledAt != nil {
				continue
			}
			ok, err := q.MarkHandled(ctx, d.ID, store.Outcome{Success: false, Result: ResultDependencyFailed}, now)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			emitted = append(emitted, events.Event{
				Kind:      events.CommandCancelled,
				AgentID:   d.AgentID,
				CommandID: d.ID,
				Detail:    ResultDependencyFailed,
				At:        now,
			})
			queue = append(queue, d.ID)
		}
	}

	if len(emitted) > 0 {
		slog.Info("Cancelled dependent commands", "command_id", rootID, "count", len(emitted))
	}
	return emitted, nil
}

// Retry requeues a command from scratch and sweeps its agent. Callers decide
// whether requeueing is safe for commands that others depend on.
func (e *Engine) Retry(ctx context.Context, commandID string) (*store.Command, error) {
	cmd, err := e.get(ctx, commandID)
	if err != nil {
		return nil, err
	}

	err = e.store.WithAgentLock(ctx, cmd.AgentID, func(q store.Querier) error {
		return q.ResetCommand(ctx, commandID, e.clock.Now())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retry command %s: %w", commandID, err)
	}
	slog.Info("Command requeued", "command_id", commandID, "agent_id", cmd.AgentID)

	if _, err := e.sweepAgent(ctx, cmd.AgentID); err != nil {
		slog.Error("Failed to sweep after retry", "agent_id", cmd.AgentID, "error", err)
	}
	return e.get(ctx, commandID)
}

func (e *Engine) Get(ctx context.Context, commandID string) (*store.Command, error) {
	return e.get(ctx, commandID)
}

// List returns commands newest schedule first. An empty agentID lists every
// agent's commands.
func (e *Engine) List(ctx context.Context, agentID string, limit int) ([]store.Command, error) {
	return e.store.ListCommands(ctx, agentID, limit)
}

// PruneInternal deletes system-requested housekeeping commands scheduled
// longer than retention ago.
func (e *Engine) PruneInternal(ctx context.Context, retention time.Duration) (int, error) {
	removed, err := e.store.DeleteInternalCommands(ctx, []string{LinePing, LineDebug}, e.clock.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune internal commands: %w", err)
	}
	if removed > 0 {
		slog.Info("Pruned internal commands", "count", removed, "retention", retention)
	}
	return removed, nil
}

func (e *Engine) get(ctx context.Context, commandID string) (*store.Command, error) {
	cmd, err := e.store.GetCommand(ctx, commandID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
	}
	return cmd, err
}

func (e *Engine) emit(ctx context.Context, evs []events.Event) {
	for _, ev := range evs {
		e.sink.Emit(ctx, ev)
	}
}
