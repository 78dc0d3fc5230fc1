//go:build integration

package store_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"bankfisc/internal/ledger/models"
	"bankfisc/internal/ledger/store"
	"bankfisc/pkg/platform/sentinel"
	txcontext "bankfisc/pkg/platform/tx"
	"bankfisc/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.Require().NoError(store.Migrate(context.Background(), s.postgres.DB))
	s.store = store.NewPostgresStore(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "accounts", "clients"))
}

func (s *PostgresStoreSuite) TestRoundTrip() {
	ctx := context.Background()
	client := models.NewClient("1900101000001", time.Now().UTC().Truncate(time.Microsecond))
	s.Require().NoError(s.store.Create(ctx, client))
	s.ErrorIs(s.store.Create(ctx, client), sentinel.ErrConflict)

	client.RON.Balance = decimal.RequireFromString("1234.56")
	client.Monitored = true
	client.Version = 7
	s.Require().NoError(s.store.Save(ctx, client))

	got, err := s.store.FindByID(ctx, client.ID)
	s.Require().NoError(err)
	s.True(got.RON.Balance.Equal(client.RON.Balance))
	s.True(got.EUR.Balance.IsZero())
	s.True(got.Monitored)
	s.Equal(uint64(7), got.Version)

	s.Require().NoError(s.store.Delete(ctx, client.ID))
	_, err = s.store.FindByID(ctx, client.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestBalanceCheckConstraint() {
	ctx := context.Background()
	client := models.NewClient("constraint", time.Now())
	s.Require().NoError(s.store.Create(ctx, client))

	client.RON.Balance = decimal.RequireFromString("10")
	s.Error(s.store.Save(ctx, client))
}

// TestRowLockSerializesIncrements runs read-modify-write cycles in parallel
// transactions; the row lock taken by FindByID must prevent lost updates.
func (s *PostgresStoreSuite) TestRowLockSerializesIncrements() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, models.NewClient("locked", time.Now())))

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.NoError(s.inTx(ctx, func(ctx context.Context) error {
				client, err := s.store.FindByID(ctx, "locked")
				if err != nil {
					return err
				}
				client.EUR.Balance = client.EUR.Balance.Add(decimal.NewFromInt(1000))
				client.Version++
				return s.store.Save(ctx, client)
			}))
		}()
	}
	wg.Wait()

	got, err := s.store.FindByID(ctx, "locked")
	s.Require().NoError(err)
	s.True(got.EUR.Balance.Equal(decimal.NewFromInt(workers*1000)), "got %s", got.EUR.Balance)
	s.Equal(uint64(workers), got.Version)
}

func (s *PostgresStoreSuite) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.postgres.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit()
}
