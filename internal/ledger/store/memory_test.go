package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bankfisc/internal/ledger/models"
	"bankfisc/pkg/platform/sentinel"
)

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	client := models.NewClient("1900101000001", time.Now())

	require.NoError(t, s.Create(ctx, client))
	assert.ErrorIs(t, s.Create(ctx, client), sentinel.ErrConflict)

	exists, err := s.Exists(ctx, client.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	t.Run("returned clients are copies", func(t *testing.T) {
		got, err := s.FindByID(ctx, client.ID)
		require.NoError(t, err)
		got.RON.Balance = decimal.NewFromInt(5000)

		again, err := s.FindByID(ctx, client.ID)
		require.NoError(t, err)
		assert.True(t, again.RON.Balance.IsZero())
	})

	t.Run("save persists changes", func(t *testing.T) {
		got, err := s.FindByID(ctx, client.ID)
		require.NoError(t, err)
		got.EUR.Balance = decimal.NewFromInt(1200)
		got.Version = 3
		require.NoError(t, s.Save(ctx, got))

		again, err := s.FindByID(ctx, client.ID)
		require.NoError(t, err)
		assert.True(t, again.EUR.Balance.Equal(decimal.NewFromInt(1200)))
		assert.Equal(t, uint64(3), again.Version)
	})

	t.Run("save and delete require an existing client", func(t *testing.T) {
		assert.ErrorIs(t, s.Save(ctx, models.NewClient("other", time.Now())), sentinel.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "other"), sentinel.ErrNotFound)
	})

	t.Run("delete removes the client", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, client.ID))
		_, err := s.FindByID(ctx, client.ID)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
		assert.Equal(t, 0, s.Count())
	})
}
