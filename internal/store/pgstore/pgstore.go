// Package pgstore is the PostgreSQL implementation of store.Store.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/EternisAI/silo-control/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
}

var _ store.Querier = (*queries)(nil)

type PgStore struct {
	*queries
	pool *pgxpool.Pool
}

var _ store.Store = (*PgStore)(nil)

func New(pool *pgxpool.Pool) *PgStore {
	return &PgStore{queries: &queries{db: pool}, pool: pool}
}

// WithAgentLock runs fn in a transaction holding a row lock on the agent.
func (s *PgStore) WithAgentLock(ctx context.Context, agentID string, fn func(q store.Querier) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM agents WHERE id = $1 FOR UPDATE`, agentID).Scan(&id)
		if err != nil {
			return fmt.Errorf("lock agent %s: %w", agentID, mapErr(err))
		}
		return fn(&queries{db: tx})
	})
}

func (s *PgStore) Close() {
	s.pool.Close()
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeInvalidText         = "22P02"
)

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, store.ErrConflict)
		case codeForeignKeyViolation, codeInvalidText:
			return fmt.Errorf("%s: %w", pgErr.Message, store.ErrNotFound)
		}
	}
	return err
}

func affected(tag pgconn.CommandTag, err error) (bool, error) {
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() > 0, nil
}
