//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

// startPostgres starts a PostgreSQL testcontainer and returns its DSN.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("skillrelay_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	testcontainers.CleanupContainer(t, container)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestSessionHistory(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, startPostgres(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx, "../../migrations"))
	// Migrations are idempotent.
	require.NoError(t, s.Migrate(ctx, "../../migrations"))

	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordBegin(ctx, "conv-1", "weather", t0))
	require.NoError(t, s.RecordEnd(ctx, "conv-1", "weather", "replaced", t0.Add(time.Minute)))
	require.NoError(t, s.RecordBegin(ctx, "conv-1", "calendar", t0.Add(2*time.Minute)))
	require.NoError(t, s.RecordBegin(ctx, "conv-2", "weather", t0))

	// Nothing open for this skill.
	require.NoError(t, s.RecordEnd(ctx, "conv-1", "weather", "completed", t0.Add(3*time.Minute)))

	got, err := s.ListSessions(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "weather", got[0].SkillID)
	assert.Equal(t, "replaced", got[0].EndReason)
	require.NotNil(t, got[0].EndedAt)
	assert.True(t, got[0].EndedAt.Equal(t0.Add(time.Minute)))

	assert.Equal(t, "calendar", got[1].SkillID)
	assert.Nil(t, got[1].EndedAt)
	assert.Empty(t, got[1].EndReason)

	got, err = s.ListSessions(ctx, "conv-1", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
