// Package status derives an agent's operational health from connectivity,
// command round trips and reported clock drift.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-control/internal/events"
	"github.com/EternisAI/silo-control/internal/store"
	"github.com/jonboulle/clockwork"
)

type Config struct {
	DelayWarn  time.Duration `mapstructure:"delay_warn"`
	DelayError time.Duration `mapstructure:"delay_error"`
	DriftWarn  time.Duration `mapstructure:"drift_warn"`
	DriftError time.Duration `mapstructure:"drift_error"`
}

func DefaultConfig() Config {
	return Config{
		DelayWarn:  15 * time.Second,
		DelayError: 180 * time.Second,
		DriftWarn:  30 * time.Second,
		DriftError: 120 * time.Second,
	}
}

// withDefaults fills zero thresholds from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DelayWarn <= 0 {
		c.DelayWarn = d.DelayWarn
	}
	if c.DelayError <= 0 {
		c.DelayError = d.DelayError
	}
	if c.DriftWarn <= 0 {
		c.DriftWarn = d.DriftWarn
	}
	if c.DriftError <= 0 {
		c.DriftError = d.DriftError
	}
	return c
}

const ReasonOK = "Agent is okay."

var labels = map[store.StatusCode]string{
	store.StatusOK:    "Good",
	store.StatusWarn:  "Warning",
	store.StatusError: "Error",
}

type Monitor struct {
	store store.Store
	cfg   Config
	sink  events.Sink
	clock clockwork.Clock
}

func New(st store.Store, cfg Config, sink events.Sink, clock clockwork.Clock) *Monitor {
	if sink == nil {
		sink = events.Discard
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{store: st, cfg: cfg.withDefaults(), sink: sink, clock: clock}
}

type verdict struct {
	code    store.StatusCode
	reasons []string
}

// fail records a failed check. The first failing check decides the code.
func (v *verdict) fail(code store.StatusCode, reason string) {
	if v.code == store.StatusOK {
		v.code = code
	}
	v.reasons = append(v.reasons, reason)
}

// Compute classifies the agent without writing anything.
func (m *Monitor) Compute(ctx context.Context, agentID string) (*store.Status, error) {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %s: %w", agentID, err)
	}
	now := m.clock.Now()
	v := verdict{code: store.StatusOK}
	var metrics store.StatusMetrics

	open, err := m.store.ListOpenConnections(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	metrics.Connected = len(open) > 0
	if !metrics.Connected {
		v.fail(store.StatusError, "Agent is not connected.")
	}

	if !agent.Commissioned {
		v.fail(store.StatusError, "Agent has not been commissioned yet.")
	}

	delay, found, err := m.latestDelay(ctx, agentID, now)
	if err != nil {
		return nil, err
	}
	if found {
		metrics.DelayNow = delay.Seconds()
		switch {
		case delay >= m.cfg.DelayError:
			v.fail(store.StatusError, fmt.Sprintf("Response delay is over %s.", seconds(m.cfg.DelayError)))
		case delay >= m.cfg.DelayWarn:
			v.fail(store.StatusWarn, fmt.Sprintf("Response delay is over %s.", seconds(m.cfg.DelayWarn)))
		}
	}

	for _, w := range []struct {
		window time.Duration
		dst    *float64
	}{
		{time.Hour, &metrics.Delay1h},
		{24 * time.Hour, &metrics.Delay1d},
		{7 * 24 * time.Hour, &metrics.Delay1w},
	} {
		avg, err := m.store.AverageRoundTrip(ctx, agentID, now.Add(-w.window))
		if err != nil {
			return nil, fmt.Errorf("failed to average round trips: %w", err)
		}
		*w.dst = avg.Seconds()
	}

	sample, err := m.store.LatestClockSample(ctx, agentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load clock sample: %w", err)
	default:
		drift := sample.Drift()
		metrics.ClockDrift = drift.Seconds()
		// Drift only matters once every earlier check passed.
		if v.code == store.StatusOK {
			switch {
			case drift >= m.cfg.DriftError:
				v.fail(store.StatusError, fmt.Sprintf("Clock drift is over %s.", seconds(m.cfg.DriftError)))
			case drift > m.cfg.DriftWarn:
				v.fail(store.StatusWarn, fmt.Sprintf("Clock drift is over %s.", seconds(m.cfg.DriftWarn)))
			}
		}
	}

	if len(v.reasons) == 0 {
		v.reasons = []string{ReasonOK}
	}
	return &store.Status{
		Code:      v.code,
		Text:      labels[v.code],
		Reasons:   v.reasons,
		Metrics:   metrics,
		CheckedAt: now,
	}, nil
}

// latestDelay is the round trip of the most recent applicable command. An
// unacknowledged command counts from its delivery until now once it has been
// outstanding for the error threshold.
func (m *Monitor) latestDelay(ctx context.Context, agentID string, now time.Time) (time.Duration, bool, error) {
	cmd, err := m.store.LatestRoundTrip(ctx, agentID, now.Add(-m.cfg.DelayError))
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load latest round trip: %w", err)
	}
	if d, ok := cmd.ResponseDelay(); ok {
		return d, true, nil
	}
	return now.Sub(*cmd.DeliveredAt), true, nil
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d.Seconds()))
}

// Recompute computes the status and stores it on the agent.
func (m *Monitor) Recompute(ctx context.Context, agentID string) (*store.Status, error) {
	st, err := m.Compute(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveAgentStatus(ctx, agentID, st); err != nil {
		return nil, fmt.Errorf("failed to save status of agent %s: %w", agentID, err)
	}

	m.sink.Emit(ctx, events.Event{
		Kind:    events.AgentStatus,
		AgentID: agentID,
		Status:  st.Code,
		Detail:  st.Reasons[0],
		At:      st.CheckedAt,
	})
	return st, nil
}

// RecomputeAll refreshes every enabled agent and returns how many succeeded.
func (m *Monitor) RecomputeAll(ctx context.Context) (int, error) {
	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list agents: %w", err)
	}

	count := 0
	for _, a := range agents {
		if !a.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if _, err := m.Recompute(ctx, a.ID); err != nil {
			slog.Error("Failed to recompute agent status", "agent_id", a.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// Get returns the last stored status, computing one if none exists yet.
func (m *Monitor) Get(ctx context.Context, agentID string) (*store.Status, error) {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %s: %w", agentID, err)
	}
	if agent.Status != nil {
		return agent.Status, nil
	}
	return m.Recompute(ctx, agentID)
}
