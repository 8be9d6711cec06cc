package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/EternisAI/silo-control/internal/store"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	ErrAgentNotFound      = errors.New("agent not found")
	ErrInvalidCredentials = errors.New("invalid agent credentials")
	ErrAgentDisabled      = errors.New("agent is disabled")
	ErrAgentExpired       = errors.New("agent has expired")
	ErrIPNotAllowed       = errors.New("remote address is not allowed")
	ErrInvalidAllowedIP   = errors.New("allowed_ip must be an IP address or CIDR prefix")
	ErrInvalidName        = errors.New("agent name is required")
)

type Service struct {
	store store.Store
	clock clockwork.Clock
}

func NewService(st store.Store, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{store: st, clock: clock}
}

// Create registers an agent and returns it with its plaintext key. The key is
// only stored hashed and cannot be recovered later.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Agent, string, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, "", ErrInvalidName
	}
	if req.AllowedIP != "" {
		if _, err := parseAllowed(req.AllowedIP); err != nil {
			return nil, "", err
		}
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, "", err
	}
	hash, err := HashKey(key)
	if err != nil {
		return nil, "", err
	}

	agent := &store.Agent{
		ID:         uuid.NewString(),
		Name:       name,
		KeyHash:    hash,
		AllowedIP:  req.AllowedIP,
		Concurrent: req.Concurrent,
		Enabled:    true,
		ExpiresAt:  req.ExpiresAt,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, "", fmt.Errorf("failed to create agent: %w", err)
	}

	slog.Info("Agent created", "agent_id", agent.ID, "name", agent.Name, "concurrent", agent.Concurrent)
	return agent, key, nil
}

func (s *Service) Get(ctx context.Context, agentID string) (*store.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

func (s *Service) List(ctx context.Context) ([]store.Agent, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

func (s *Service) SetEnabled(ctx context.Context, agentID string, enabled bool) error {
	err := s.store.SetAgentEnabled(ctx, agentID, enabled)
	if errors.Is(err, store.ErrNotFound) {
		return ErrAgentNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	slog.Info("Agent enabled flag updated", "agent_id", agentID, "enabled", enabled)
	return nil
}

// Authenticate checks a connecting agent's key, validity and source address.
func (s *Service) Authenticate(ctx context.Context, agentID, key, remoteIP string) (*store.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}

	if !CheckKey(key, agent.KeyHash) {
		return nil, ErrInvalidCredentials
	}
	if !agent.Enabled {
		return nil, ErrAgentDisabled
	}
	if agent.ExpiresAt != nil && !s.clock.Now().Before(*agent.ExpiresAt) {
		return nil, ErrAgentExpired
	}
	if agent.AllowedIP != "" {
		ok, err := ipAllowed(agent.AllowedIP, remoteIP)
		if err != nil {
			slog.Error("Agent has an unusable allowed_ip", "agent_id", agentID, "allowed_ip", agent.AllowedIP, "error", err)
		}
		if !ok {
			return nil, ErrIPNotAllowed
		}
	}
	return agent, nil
}

func parseAllowed(allowed string) (netip.Prefix, error) {
	if strings.Contains(allowed, "/") {
		prefix, err := netip.ParsePrefix(allowed)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%w: %v", ErrInvalidAllowedIP, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(allowed)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %v", ErrInvalidAllowedIP, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func ipAllowed(allowed, remoteIP string) (bool, error) {
	prefix, err := parseAllowed(allowed)
	if err != nil {
		return false, err
	}
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false, nil
	}
	return prefix.Contains(addr.Unmap()), nil
}

// HandleEvent applies a lifecycle record reported by the agent.
func (s *Service) HandleEvent(ctx context.Context, agentID, record, description string) error {
	var err error
	switch record {
	case RecordStarted:
		err = s.store.SetAgentStarted(ctx, agentID, s.clock.Now())
	case RecordCommitted:
		err = s.store.SetAgentCommissioned(ctx, agentID, true)
	default:
		slog.Info("Agent event", "agent_id", agentID, "record", record, "description", description)
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrAgentNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to apply %s event: %w", record, err)
	}
	slog.Info("Agent lifecycle updated", "agent_id", agentID, "record", record)
	return nil
}
