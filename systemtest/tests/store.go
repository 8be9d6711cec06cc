package tests

import (
	"context"
	"strings"
	"testing"

	"github.com/EternisAI/silo-control/internal/db"
	"github.com/EternisAI/silo-control/internal/store"
	"github.com/EternisAI/silo-control/internal/store/pgstore"
	"github.com/EternisAI/silo-control/internal/store/storetest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newPgStore migrates a fresh schema and returns a store bound to it, so
// every caller starts from empty tables.
func newPgStore(t *testing.T, url string) *pgstore.PgStore {
	t.Helper()
	ctx := context.Background()
	cfg := db.Config{
		Url:    url,
		Schema: "t_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
	require.NoError(t, db.Migrate(ctx, cfg))

	pool, err := db.Open(ctx, cfg)
	require.NoError(t, err)
	st := pgstore.New(pool)
	t.Cleanup(st.Close)
	return st
}

func TestStore(t *testing.T, url string) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newPgStore(t, url)
	})
}

func TestMigrationsAreIdempotent(t *testing.T, url string) {
	cfg := db.Config{Url: url, Schema: "idempotent"}
	require.NoError(t, db.Migrate(context.Background(), cfg))
	require.NoError(t, db.Migrate(context.Background(), cfg))
}
