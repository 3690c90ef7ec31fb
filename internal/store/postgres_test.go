package store

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/query"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/database"
)

// skipIfNoPostgres skips the test when PostgreSQL is unavailable.
func skipIfNoPostgres(t *testing.T) *database.Client {
	t.Helper()
	if os.Getenv("TEST_POSTGRES_HOST") == "" {
		t.Skip("skipping postgres test: TEST_POSTGRES_HOST not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := database.Open(ctx, config.StoreConfig{Driver: "postgres", Postgres: testPostgresConfig()})
	if err != nil {
		t.Skipf("skipping postgres test: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	_, err = client.Migrate()
	require.NoError(t, err)
	_, err = client.DB.ExecContext(ctx, "TRUNCATE opportunities, contacts, call_log, harvest_checkpoint, harvest_lease RESTART IDENTITY")
	require.NoError(t, err)
	return client
}

func testPostgresConfig() config.PostgresConfig {
	return config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            envOrDefaultInt("TEST_POSTGRES_PORT", 5432),
		Database:        envOrDefault("TEST_POSTGRES_DB", "govscout_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "govscout"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func TestPostgresStore(t *testing.T) {
	client := skipIfNoPostgres(t)
	ctx := context.Background()
	s := New(client)

	require.NoError(t, s.UpsertBatch(ctx, fixture()))
	require.NoError(t, s.UpsertBatch(ctx, fixture()))

	all, total, err := s.Search(ctx, nil, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{"n1", "n2", "n3", "n4"}, ids(all))

	bridge, _, err := s.Search(ctx, query.Compile(query.Filters{Search: "BRIDGE", ActiveOnly: true}), 100, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n4"}, ids(bridge))

	facets, err := s.Facets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, facets.Total)
	assert.Equal(t, "237310", facets.NAICSCodes[0].Value)

	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Len(t, got.Contacts, 2)

	cp := Checkpoint{BackfillCursor: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), BackfillOffset: 3}
	require.NoError(t, s.SaveCheckpoint(ctx, cp))
	loaded, err := s.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, cp, loaded)

	ok, err := s.AcquireLease(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.AcquireLease(ctx, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.AppendCallLog(ctx, CallLogEntry{RunID: "r", Context: ContextManual, Pages: 1})
	require.NoError(t, err)
}
