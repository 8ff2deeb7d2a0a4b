//go:build integration

package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func TestRedisStorageAgainstServer(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	testcontainers.CleanupContainer(t, container)
	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	s, err := NewRedisStorage(ctx, "redis://"+endpoint, time.Minute, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	conv := NewConversationState(s)
	tc := newTC()
	require.NoError(t, conv.Load(ctx, tc, false))
	require.NoError(t, conv.Set(tc, "skillSession", session{SkillID: "weather", Turns: 2}))
	require.NoError(t, conv.SaveChanges(ctx, tc, false))

	next := newTC()
	require.NoError(t, conv.Load(ctx, next, false))
	var got session
	ok, err := conv.Get(next, "skillSession", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, session{SkillID: "weather", Turns: 2}, got)

	require.NoError(t, conv.Delete(ctx, next))
	last := newTC()
	require.NoError(t, conv.Load(ctx, last, false))
	ok, err = conv.Get(last, "skillSession", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}
