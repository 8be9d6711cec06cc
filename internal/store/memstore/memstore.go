// Package memstore keeps the control plane state in process memory. It backs
// single-node deployments without a database and every unit test.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/silo-control/internal/store"
)

type MemStore struct {
	mu          sync.RWMutex
	agents      map[string]*store.Agent
	connections map[string]*store.Connection
	commands    map[string]*store.Command
	samples     map[string][]store.ClockSample // keyed by agent ID

	locksMu    sync.Mutex
	agentLocks map[string]*sync.Mutex
}

var _ store.Store = (*MemStore)(nil)

func New() *MemStore {
	return &MemStore{
		agents:      make(map[string]*store.Agent),
		connections: make(map[string]*store.Connection),
		commands:    make(map[string]*store.Command),
		samples:     make(map[string][]store.ClockSample),
		agentLocks:  make(map[string]*sync.Mutex),
	}
}

// WithAgentLock serializes fn per agent. There is no rollback: writes made
// before fn fails stay applied.
func (m *MemStore) WithAgentLock(ctx context.Context, agentID string, fn func(q store.Querier) error) error {
	m.mu.RLock()
	_, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("lock agent %s: %w", agentID, store.ErrNotFound)
	}

	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(m)
}

func (m *MemStore) agentLock(agentID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	lock, ok := m.agentLocks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		m.agentLocks[agentID] = lock
	}
	return lock
}

func (m *MemStore) Close() {}

// Agents

func (m *MemStore) CreateAgent(ctx context.Context, agent *store.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.ID]; exists {
		return store.ErrConflict
	}
	a := copyAgent(agent)
	m.agents[a.ID] = a
	return nil
}

func (m *MemStore) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyAgent(a), nil
}

func (m *MemStore) ListAgents(ctx context.Context) ([]store.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]store.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		result = append(result, *copyAgent(a))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *MemStore) SetAgentCommissioned(ctx context.Context, id string, commissioned bool) error {
	return m.updateAgent(id, func(a *store.Agent) { a.Commissioned = commissioned })
}

func (m *MemStore) SetAgentStarted(ctx context.Context, id string, at time.Time) error {
	return m.updateAgent(id, func(a *store.Agent) { a.StartedAt = &at })
}

func (m *MemStore) SetAgentEnabled(ctx context.Context, id string, enabled bool) error {
	return m.updateAgent(id, func(a *store.Agent) { a.Enabled = enabled })
}

func (m *MemStore) SaveAgentStatus(ctx context.Context, id string, status *store.Status) error {
	return m.updateAgent(id, func(a *store.Agent) { a.Status = copyStatus(status) })
}

func (m *MemStore) updateAgent(id string, fn func(a *store.Agent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(a)
	return nil
}

// Connections

func (m *MemStore) CreateConnection(ctx context.Context, conn *store.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[conn.AgentID]; !ok {
		return store.ErrNotFound
	}
	if _, exists := m.connections[conn.ID]; exists {
		return store.ErrConflict
	}
	c := *conn
	m.connections[c.ID] = &c
	return nil
}

func (m *MemStore) GetConnection(ctx context.Context, id string) (*store.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.connections[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	result := *c
	return &result, nil
}

func (m *MemStore) ListOpenConnections(ctx context.Context, agentID string) ([]store.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []store.Connection
	for _, c := range m.connections {
		if c.AgentID == agentID && c.ClosedAt == nil {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastHeartbeatAt.Equal(result[j].LastHeartbeatAt) {
			return result[i].LastHeartbeatAt.After(result[j].LastHeartbeatAt)
		}
		return result[i].OpenedAt.After(result[j].OpenedAt)
	})
	return result, nil
}

func (m *MemStore) ListConnections(ctx context.Context, agentID string, limit int) ([]store.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []store.Connection
	for _, c := range m.connections {
		if c.AgentID == agentID {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].OpenedAt.After(result[j].OpenedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemStore) ListStaleConnections(ctx context.Context, heartbeatBefore time.Time) ([]store.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []store.Connection
	for _, c := range m.connections {
		if c.ClosedAt == nil && c.LastHeartbeatAt.Before(heartbeatBefore) {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastHeartbeatAt.Before(result[j].LastHeartbeatAt)
	})
	return result, nil
}

func (m *MemStore) TouchConnection(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[id]
	if !ok || c.ClosedAt != nil {
		return false, nil
	}
	c.LastHeartbeatAt = at
	return true, nil
}

func (m *MemStore) CloseConnection(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connections[id]
	if !ok || c.ClosedAt != nil {
		return false, nil
	}
	c.ClosedAt = &at
	return true, nil
}

func (m *MemStore) DeleteClosedConnections(ctx context.Context, closedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, c := range m.connections {
		if c.ClosedAt != nil && c.ClosedAt.Before(closedBefore) {
			delete(m.connections, id)
			removed++
		}
	}
	return removed, nil
}

// Commands

func (m *MemStore) CreateCommand(ctx context.Context, cmd *store.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[cmd.AgentID]; !ok {
		return store.ErrNotFound
	}
	if _, exists := m.commands[cmd.ID]; exists {
		return store.ErrConflict
	}
	for _, dep := range cmd.RunAfter {
		if _, ok := m.commands[dep]; !ok {
			return fmt.Errorf("dependency %s: %w", dep, store.ErrNotFound)
		}
	}
	m.commands[cmd.ID] = copyCommand(cmd)
	return nil
}

func (m *MemStore) GetCommand(ctx context.Context, id string) (*store.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.commands[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyCommand(c), nil
}

func (m *MemStore) ListCommands(ctx context.Context, agentID string, limit int) ([]store.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []store.Command
	for _, c := range m.commands {
		if agentID == "" || c.AgentID == agentID {
			result = append(result, *copyCommand(c))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ScheduledAt.After(result[j].ScheduledAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemStore) ListDeliveryCandidates(ctx context.Context, agentID string, now time.Time) ([]store.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []store.Command
	for _, c := range m.commands {
		if c.AgentID == agentID && isCandidate(c, now) {
			result = append(result, *copyCommand(c))
		}
	}
	sortByDeliveryOrder(result)
	return result, nil
}

func (m *MemStore) AgentsWithCandidates(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, c := range m.commands {
		if isCandidate(c, now) {
			seen[c.AgentID] = struct{}{}
		}
	}
	result := make([]string, 0, len(seen))
	for id := range seen {
		result = append(result, id)
	}
	sort.Strings(result)
	return result, nil
}

func (m *MemStore) ListDependencies(ctx context.Context, commandID string) ([]store.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.commands[commandID]
	if !ok {
		return nil, store.ErrNotFound
	}
	result := make([]store.Command, 0, len(c.RunAfter))
	for _, dep := range c.RunAfter {
		if d, ok := m.commands[dep]; ok {
			result = append(result, *copyCommand(d))
		}
	}
	return result, nil
}

func (m *MemStore) ListDependents(ctx context.Context, commandID string) ([]store.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []store.Command
	for _, c := range m.commands {
		if slices.Contains(c.RunAfter, commandID) {
			result = append(result, *copyCommand(c))
		}
	}
	sortByDeliveryOrder(result)
	return result, nil
}

func (m *MemStore) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	return m.updateCommand(id, func(c *store.Command) bool {
		if c.DeliveredAt != nil || c.HandledAt != nil {
			return false
		}
		c.DeliveredAt = &at
		return true
	})
}

func (m *MemStore) MarkAcked(ctx context.Context, id string, at time.Time) (bool, error) {
	return m.updateCommand(id, func(c *store.Command) bool {
		if c.DeliveredAt == nil || c.AckedAt != nil || c.HandledAt != nil {
			return false
		}
		c.AckedAt = &at
		return true
	})
}

func (m *MemStore) MarkHandled(ctx context.Context, id string, outcome store.Outcome, at time.Time) (bool, error) {
	return m.updateCommand(id, func(c *store.Command) bool {
		if c.HandledAt != nil {
			return false
		}
		success := outcome.Success
		c.Success = &success
		c.Result = outcome.Result
		c.ElapsedTime = copyFloat(outcome.ElapsedTime)
		c.HandledAt = &at
		return true
	})
}

func (m *MemStore) ResetCommand(ctx context.Context, id string, at time.Time) error {
	_, err := m.updateCommand(id, func(c *store.Command) bool {
		c.ScheduledAt = at
		c.DeliveredAt = nil
		c.AckedAt = nil
		c.HandledAt = nil
		c.Success = nil
		c.Result = ""
		c.ElapsedTime = nil
		return true
	})
	return err
}

func (m *MemStore) updateCommand(id string, fn func(c *store.Command) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.commands[id]
	if !ok {
		return false, store.ErrNotFound
	}
	return fn(c), nil
}

func (m *MemStore) LatestRoundTrip(ctx context.Context, agentID string, stuckBefore time.Time) (*store.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *store.Command
	for _, c := range m.commands {
		if c.AgentID != agentID || c.DeliveredAt == nil {
			continue
		}
		if c.AckedAt == nil && c.DeliveredAt.After(stuckBefore) {
			continue
		}
		if latest == nil || c.ScheduledAt.After(latest.ScheduledAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return copyCommand(latest), nil
}

func (m *MemStore) AverageRoundTrip(ctx context.Context, agentID string, deliveredSince time.Time) (time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total time.Duration
	count := 0
	for _, c := range m.commands {
		if c.AgentID != agentID || c.DeliveredAt == nil || c.AckedAt == nil {
			continue
		}
		if c.DeliveredAt.Before(deliveredSince) {
			continue
		}
		total += c.AckedAt.Sub(*c.DeliveredAt)
		count++
	}
	if count == 0 {
		return 0, nil
	}
	return total / time.Duration(count), nil
}

func (m *MemStore) DeleteInternalCommands(ctx context.Context, lines []string, scheduledBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, c := range m.commands {
		if c.Shell == store.ShellInternal && c.RequestedBy == "" &&
			slices.Contains(lines, c.Line) && c.ScheduledAt.Before(scheduledBefore) {
			delete(m.commands, id)
			removed++
		}
	}
	if removed > 0 {
		for _, c := range m.commands {
			c.RunAfter = slices.DeleteFunc(c.RunAfter, func(dep string) bool {
				_, ok := m.commands[dep]
				return !ok
			})
		}
	}
	return removed, nil
}

// Clock samples

func (m *MemStore) AddClockSample(ctx context.Context, sample *store.ClockSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[sample.AgentID]; !ok {
		return store.ErrNotFound
	}
	m.samples[sample.AgentID] = append(m.samples[sample.AgentID], *sample)
	return nil
}

func (m *MemStore) LatestClockSample(ctx context.Context, agentID string) (*store.ClockSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	samples := m.samples[agentID]
	if len(samples) == 0 {
		return nil, store.ErrNotFound
	}
	latest := samples[0]
	for _, s := range samples[1:] {
		if s.SystemTime.After(latest.SystemTime) {
			latest = s
		}
	}
	return &latest, nil
}

func isCandidate(c *store.Command, now time.Time) bool {
	return c.DeliveredAt == nil && c.HandledAt == nil && !c.ScheduledAt.After(now)
}

func sortByDeliveryOrder(cmds []store.Command) {
	sort.Slice(cmds, func(i, j int) bool {
		if !cmds[i].ScheduledAt.Equal(cmds[j].ScheduledAt) {
			return cmds[i].ScheduledAt.Before(cmds[j].ScheduledAt)
		}
		if !cmds[i].AddedAt.Equal(cmds[j].AddedAt) {
			return cmds[i].AddedAt.Before(cmds[j].AddedAt)
		}
		return cmds[i].ID < cmds[j].ID
	})
}

func copyAgent(a *store.Agent) *store.Agent {
	c := *a
	c.Status = copyStatus(a.Status)
	return &c
}

func copyStatus(s *store.Status) *store.Status {
	if s == nil {
		return nil
	}
	c := *s
	c.Reasons = slices.Clone(s.Reasons)
	return &c
}

func copyCommand(cmd *store.Command) *store.Command {
	c := *cmd
	c.RunAfter = slices.Clone(cmd.RunAfter)
	c.ElapsedTime = copyFloat(cmd.ElapsedTime)
	if cmd.Success != nil {
		s := *cmd.Success
		c.Success = &s
	}
	return &c
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
