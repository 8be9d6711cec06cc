package pgstore

import (
	"context"
	"time"

	"github.com/EternisAI/silo-control/internal/store"
	"github.com/jackc/pgx/v5"
)

const commandColumns = `c.id, c.agent_id, c.shell, c.line, c.data, c.username, c.groupname,
	c.requested_by, c.added_at, c.scheduled_at, c.delivered_at, c.acked_at, c.handled_at,
	c.success, c.result, c.elapsed_time,
	ARRAY(SELECT d.depends_on_id::text FROM command_dependencies d WHERE d.command_id = c.id ORDER BY d.depends_on_id)`

const deliveryOrder = `ORDER BY c.scheduled_at, c.added_at, c.id`

func scanCommand(row pgx.Row) (*store.Command, error) {
	var c store.Command
	err := row.Scan(&c.ID, &c.AgentID, &c.Shell, &c.Line, &c.Data, &c.Username, &c.Groupname,
		&c.RequestedBy, &c.AddedAt, &c.ScheduledAt, &c.DeliveredAt, &c.AckedAt, &c.HandledAt,
		&c.Success, &c.Result, &c.ElapsedTime, &c.RunAfter)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (q *queries) listCommands(ctx context.Context, sql string, args ...any) ([]store.Command, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var result []store.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, mapErr(rows.Err())
}

// CreateCommand inserts the command and its dependency edges in one statement.
func (q *queries) CreateCommand(ctx context.Context, cmd *store.Command) error {
	runAfter := cmd.RunAfter
	if runAfter == nil {
		runAfter = []string{}
	}
	_, err := q.db.Exec(ctx, `
		WITH inserted AS (
			INSERT INTO commands (id, agent_id, shell, line, data, username, groupname, requested_by,
				added_at, scheduled_at, delivered_at, acked_at, handled_at, success, result, elapsed_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			RETURNING id
		)
		INSERT INTO command_dependencies (command_id, depends_on_id)
		SELECT inserted.id, dep FROM inserted, unnest($17::uuid[]) AS dep`,
		cmd.ID, cmd.AgentID, cmd.Shell, cmd.Line, cmd.Data, cmd.Username, cmd.Groupname, cmd.RequestedBy,
		cmd.AddedAt, cmd.ScheduledAt, cmd.DeliveredAt, cmd.AckedAt, cmd.HandledAt, cmd.Success, cmd.Result,
		cmd.ElapsedTime, runAfter)
	return mapErr(err)
}

func (q *queries) GetCommand(ctx context.Context, id string) (*store.Command, error) {
	return scanCommand(q.db.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands c WHERE c.id = $1`, id))
}

func (q *queries) ListCommands(ctx context.Context, agentID string, limit int) ([]store.Command, error) {
	return q.listCommands(ctx, `
		SELECT `+commandColumns+` FROM commands c
		WHERE $1::text = '' OR c.agent_id::text = $1::text
		ORDER BY c.scheduled_at DESC, c.added_at DESC
		LIMIT NULLIF($2::int, 0)`, agentID, limit)
}

// ListDeliveryCandidates locks the returned rows when called inside
// WithAgentLock.
func (q *queries) ListDeliveryCandidates(ctx context.Context, agentID string, now time.Time) ([]store.Command, error) {
	return q.listCommands(ctx, `
		SELECT `+commandColumns+` FROM commands c
		WHERE c.agent_id = $1
		  AND c.delivered_at IS NULL AND c.handled_at IS NULL
		  AND c.scheduled_at <= $2
		`+deliveryOrder+`
		FOR UPDATE OF c`, agentID, now)
}

func (q *queries) AgentsWithCandidates(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := q.db.Query(ctx, `
		SELECT DISTINCT agent_id::text FROM commands
		WHERE delivered_at IS NULL AND handled_at IS NULL AND scheduled_at <= $1
		ORDER BY 1`, now)
	if err != nil {
		return nil, mapErr(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, mapErr(err)
}

func (q *queries) ListDependencies(ctx context.Context, commandID string) ([]store.Command, error) {
	if _, err := q.GetCommand(ctx, commandID); err != nil {
		return nil, err
	}
	return q.listCommands(ctx, `
		SELECT `+commandColumns+` FROM commands c
		JOIN command_dependencies dep ON dep.depends_on_id = c.id
		WHERE dep.command_id = $1
		`+deliveryOrder, commandID)
}

func (q *queries) ListDependents(ctx context.Context, commandID string) ([]store.Command, error) {
	return q.listCommands(ctx, `
		SELECT `+commandColumns+` FROM commands c
		JOIN command_dependencies dep ON dep.command_id = c.id
		WHERE dep.depends_on_id = $1
		`+deliveryOrder, commandID)
}

func (q *queries) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	return q.markCommand(ctx, id, `
		UPDATE commands SET delivered_at = $2
		WHERE id = $1 AND delivered_at IS NULL AND handled_at IS NULL`, at)
}

func (q *queries) MarkAcked(ctx context.Context, id string, at time.Time) (bool, error) {
	return q.markCommand(ctx, id, `
		UPDATE commands SET acked_at = $2
		WHERE id = $1 AND delivered_at IS NOT NULL AND acked_at IS NULL AND handled_at IS NULL`, at)
}

func (q *queries) MarkHandled(ctx context.Context, id string, outcome store.Outcome, at time.Time) (bool, error) {
	return q.markCommand(ctx, id, `
		UPDATE commands SET handled_at = $2, success = $3, result = $4, elapsed_time = $5
		WHERE id = $1 AND handled_at IS NULL`, at, outcome.Success, outcome.Result, outcome.ElapsedTime)
}

// markCommand runs a guarded update. A false result with a nil error means
// the command exists but the guard did not match.
func (q *queries) markCommand(ctx context.Context, id string, sql string, args ...any) (bool, error) {
	ok, err := affected(q.db.Exec(ctx, sql, append([]any{id}, args...)...))
	if err != nil || ok {
		return ok, err
	}
	if _, err := q.GetCommand(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (q *queries) ResetCommand(ctx context.Context, id string, at time.Time) error {
	ok, err := affected(q.db.Exec(ctx, `
		UPDATE commands SET scheduled_at = $2, delivered_at = NULL, acked_at = NULL, handled_at = NULL,
			success = NULL, result = '', elapsed_time = NULL
		WHERE id = $1`, id, at))
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}

func (q *queries) LatestRoundTrip(ctx context.Context, agentID string, stuckBefore time.Time) (*store.Command, error) {
	return scanCommand(q.db.QueryRow(ctx, `
		SELECT `+commandColumns+` FROM commands c
		WHERE c.agent_id = $1 AND c.delivered_at IS NOT NULL
		  AND (c.acked_at IS NOT NULL OR c.delivered_at <= $2)
		ORDER BY c.scheduled_at DESC
		LIMIT 1`, agentID, stuckBefore))
}

func (q *queries) AverageRoundTrip(ctx context.Context, agentID string, deliveredSince time.Time) (time.Duration, error) {
	var seconds float64
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM acked_at - delivered_at)), 0)::float8
		FROM commands
		WHERE agent_id = $1 AND acked_at IS NOT NULL AND delivered_at >= $2`,
		agentID, deliveredSince).Scan(&seconds)
	if err != nil {
		return 0, mapErr(err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func (q *queries) DeleteInternalCommands(ctx context.Context, lines []string, scheduledBefore time.Time) (int, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM commands
		WHERE shell = $1 AND requested_by = '' AND line = ANY($2) AND scheduled_at < $3`,
		store.ShellInternal, lines, scheduledBefore)
	if err != nil {
		return 0, mapErr(err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *queries) AddClockSample(ctx context.Context, sample *store.ClockSample) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO clock_samples (agent_id, system_time, recorded_at) VALUES ($1, $2, $3)`,
		sample.AgentID, sample.SystemTime, sample.RecordedAt)
	return mapErr(err)
}

func (q *queries) LatestClockSample(ctx context.Context, agentID string) (*store.ClockSample, error) {
	var s store.ClockSample
	err := q.db.QueryRow(ctx, `
		SELECT agent_id::text, system_time, recorded_at FROM clock_samples
		WHERE agent_id = $1
		ORDER BY system_time DESC
		LIMIT 1`, agentID).Scan(&s.AgentID, &s.SystemTime, &s.RecordedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}
