package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bankfisc/internal/platform/config"
)

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("empty url means redis is not configured", func(t *testing.T) {
		client, err := New(ctx, config.RedisConfig{})
		require.NoError(t, err)
		assert.Nil(t, client)
	})

	t.Run("invalid url", func(t *testing.T) {
		_, err := New(ctx, config.RedisConfig{URL: "://nope"})
		assert.Error(t, err)
	})

	t.Run("connects and reports health", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := New(ctx, config.RedisConfig{
			URL:          "redis://" + mr.Addr(),
			PoolSize:     2,
			DialTimeout:  time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		})
		require.NoError(t, err)
		require.NotNil(t, client)
		t.Cleanup(func() { _ = client.Close() })

		assert.NoError(t, client.Health(ctx))
		mr.Close()
		assert.Error(t, client.Health(ctx))
	})
}

func TestApplyOverridesKeepsURLDefaults(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := New(context.Background(), config.RedisConfig{URL: "redis://" + mr.Addr() + "/0?pool_size=7"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	assert.Equal(t, 7, client.Options().PoolSize)
}
