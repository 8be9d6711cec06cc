package pgstore

import (
	"context"
	"time"

	"github.com/EternisAI/silo-control/internal/store"
	"github.com/jackc/pgx/v5"
)

const connectionColumns = `id, agent_id, channel, remote_ip, opened_at, last_heartbeat_at, closed_at`

func scanConnection(row pgx.Row) (*store.Connection, error) {
	var c store.Connection
	err := row.Scan(&c.ID, &c.AgentID, &c.Channel, &c.RemoteIP, &c.OpenedAt, &c.LastHeartbeatAt, &c.ClosedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (q *queries) listConnections(ctx context.Context, sql string, args ...any) ([]store.Connection, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var result []store.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, mapErr(rows.Err())
}

func (q *queries) CreateConnection(ctx context.Context, conn *store.Connection) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO connections (`+connectionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		conn.ID, conn.AgentID, conn.Channel, conn.RemoteIP, conn.OpenedAt, conn.LastHeartbeatAt, conn.ClosedAt)
	return mapErr(err)
}

func (q *queries) GetConnection(ctx context.Context, id string) (*store.Connection, error) {
	return scanConnection(q.db.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = $1`, id))
}

func (q *queries) ListOpenConnections(ctx context.Context, agentID string) ([]store.Connection, error) {
	return q.listConnections(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE agent_id = $1 AND closed_at IS NULL
		ORDER BY last_heartbeat_at DESC, opened_at DESC`, agentID)
}

func (q *queries) ListConnections(ctx context.Context, agentID string, limit int) ([]store.Connection, error) {
	return q.listConnections(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE agent_id = $1
		ORDER BY opened_at DESC
		LIMIT NULLIF($2::int, 0)`, agentID, limit)
}

func (q *queries) ListStaleConnections(ctx context.Context, heartbeatBefore time.Time) ([]store.Connection, error) {
	return q.listConnections(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE closed_at IS NULL AND last_heartbeat_at < $1
		ORDER BY last_heartbeat_at`, heartbeatBefore)
}

func (q *queries) TouchConnection(ctx context.Context, id string, at time.Time) (bool, error) {
	return affected(q.db.Exec(ctx, `
		UPDATE connections SET last_heartbeat_at = $2
		WHERE id = $1 AND closed_at IS NULL`, id, at))
}

func (q *queries) CloseConnection(ctx context.Context, id string, at time.Time) (bool, error) {
	return affected(q.db.Exec(ctx, `
		UPDATE connections SET closed_at = $2
		WHERE id = $1 AND closed_at IS NULL`, id, at))
}

func (q *queries) DeleteClosedConnections(ctx context.Context, closedBefore time.Time) (int, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM connections WHERE closed_at IS NOT NULL AND closed_at < $1`, closedBefore)
	if err != nil {
		return 0, mapErr(err)
	}
	return int(tag.RowsAffected()), nil
}
