package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/EternisAI/silo-control/internal/store"
	"github.com/jackc/pgx/v5"
)

const agentColumns = `id, name, key_hash, allowed_ip, concurrent, enabled, expires_at,
	commissioned, started_at, status, created_at`

func scanAgent(row pgx.Row) (*store.Agent, error) {
	var a store.Agent
	var status []byte
	err := row.Scan(&a.ID, &a.Name, &a.KeyHash, &a.AllowedIP, &a.Concurrent, &a.Enabled,
		&a.ExpiresAt, &a.Commissioned, &a.StartedAt, &status, &a.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if len(status) > 0 {
		a.Status = &store.Status{}
		if err := json.Unmarshal(status, a.Status); err != nil {
			return nil, fmt.Errorf("failed to decode status of agent %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func (q *queries) CreateAgent(ctx context.Context, agent *store.Agent) error {
	var status []byte
	if agent.Status != nil {
		var err error
		if status, err = json.Marshal(agent.Status); err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		agent.ID, agent.Name, agent.KeyHash, agent.AllowedIP, agent.Concurrent, agent.Enabled,
		agent.ExpiresAt, agent.Commissioned, agent.StartedAt, status, agent.CreatedAt)
	return mapErr(err)
}

func (q *queries) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	return scanAgent(q.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

func (q *queries) ListAgents(ctx context.Context) ([]store.Agent, error) {
	rows, err := q.db.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name, id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var result []store.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, mapErr(rows.Err())
}

func (q *queries) SetAgentCommissioned(ctx context.Context, id string, commissioned bool) error {
	return q.updateAgent(ctx, `UPDATE agents SET commissioned = $2 WHERE id = $1`, id, commissioned)
}

func (q *queries) SetAgentStarted(ctx context.Context, id string, at time.Time) error {
	return q.updateAgent(ctx, `UPDATE agents SET started_at = $2 WHERE id = $1`, id, at)
}

func (q *queries) SetAgentEnabled(ctx context.Context, id string, enabled bool) error {
	return q.updateAgent(ctx, `UPDATE agents SET enabled = $2 WHERE id = $1`, id, enabled)
}

func (q *queries) SaveAgentStatus(ctx context.Context, id string, status *store.Status) error {
	encoded, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	return q.updateAgent(ctx, `UPDATE agents SET status = $2 WHERE id = $1`, id, encoded)
}

func (q *queries) updateAgent(ctx context.Context, sql string, id string, value any) error {
	ok, err := affected(q.db.Exec(ctx, sql, id, value))
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}
