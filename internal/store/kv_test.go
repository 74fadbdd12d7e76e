package store

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKV_TTL(t *testing.T) {
	mock := clock.NewMock()
	kv := NewMemoryKV(mock)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "a", "1", time.Minute))
	require.NoError(t, kv.Set(ctx, "b", "2", 0))

	v, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	mock.Add(time.Minute)
	_, err = kv.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss)

	ok, err := kv.Exists(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, kv.Del(ctx, "b"))
	ok, _ = kv.Exists(ctx, "b")
	assert.False(t, ok)
}
