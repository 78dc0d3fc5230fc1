package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	ledgermodels "bankfisc/internal/ledger/models"
	"bankfisc/internal/monitoring/store"
	notificationmodels "bankfisc/internal/notification/models"
	dErrors "bankfisc/pkg/domain-errors"
)

type RegistrySuite struct {
	suite.Suite
	store    *store.InMemoryStore
	registry *Registry
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) SetupTest() {
	s.store = store.NewInMemoryStore()
	var err error
	s.registry, err = New(s.store)
	s.Require().NoError(err)
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func client(id, ron, eur string, version uint64) ledgermodels.Client {
	c := ledgermodels.NewClient(id, time.Now())
	c.RON.Balance = dec(ron)
	c.EUR.Balance = dec(eur)
	c.Version = version
	c.Monitored = true
	return *c
}

func change(id, ron, eur string, ronChanged, eurChanged bool, version uint64) notificationmodels.BalanceChange {
	return notificationmodels.BalanceChange{
		ClientID:   id,
		RONBalance: dec(ron),
		EURBalance: dec(eur),
		RONChanged: ronChanged,
		EURChanged: eurChanged,
		Version:    version,
	}
}

func (s *RegistrySuite) TestNew() {
	_, err := New(nil)
	s.Require().Error(err)
	s.Contains(err.Error(), "snapshot store is required")
}

func (s *RegistrySuite) TestStartMonitoring() {
	ctx := context.Background()

	s.Run("seeds both balances", func() {
		s.Require().NoError(s.registry.StartMonitoring(ctx, client("c1", "1500", "2000", 2)))
		snap, err := s.registry.Get(ctx, "c1")
		s.Require().NoError(err)
		s.True(snap.RONBalance.Equal(dec("1500")))
		s.True(snap.EURBalance.Equal(dec("2000")))
		s.Equal(uint64(2), snap.RONVersion)
	})

	s.Run("restart overwrites the entry", func() {
		s.Require().NoError(s.registry.StartMonitoring(ctx, client("c1", "3000", "0", 5)))
		snap, err := s.registry.Get(ctx, "c1")
		s.Require().NoError(err)
		s.True(snap.RONBalance.Equal(dec("3000")))
		s.True(snap.EURBalance.IsZero())
	})
}

func (s *RegistrySuite) TestStopMonitoring() {
	ctx := context.Background()
	s.Require().NoError(s.registry.StartMonitoring(ctx, client("c1", "0", "0", 0)))

	s.Require().NoError(s.registry.StopMonitoring(ctx, "c1"))
	_, err := s.registry.Get(ctx, "c1")
	s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err))

	s.NoError(s.registry.StopMonitoring(ctx, "c1"), "stopping twice is a no-op")
}

func (s *RegistrySuite) TestApplyNotification() {
	ctx := context.Background()

	s.Run("absent entry is discarded without creating one", func() {
		s.Require().NoError(s.registry.ApplyNotification(ctx, change("ghost", "1500", "0", true, false, 1)))
		list, err := s.registry.List(ctx)
		s.Require().NoError(err)
		s.Empty(list)
	})

	s.Run("only flagged currencies are updated", func() {
		s.Require().NoError(s.registry.StartMonitoring(ctx, client("c2", "1500", "2000", 1)))
		s.Require().NoError(s.registry.ApplyNotification(ctx, change("c2", "2500", "9999", true, false, 2)))

		snap, err := s.registry.Get(ctx, "c2")
		s.Require().NoError(err)
		s.True(snap.RONBalance.Equal(dec("2500")))
		s.True(snap.EURBalance.Equal(dec("2000")), "unflagged EUR must keep its value")
	})

	s.Run("older version is skipped per currency", func() {
		s.Require().NoError(s.registry.StartMonitoring(ctx, client("c3", "1000", "1000", 1)))
		s.Require().NoError(s.registry.ApplyNotification(ctx, change("c3", "3000", "1000", true, false, 3)))
		// Delivered late: RON is stale, EUR has not seen version 2 yet.
		s.Require().NoError(s.registry.ApplyNotification(ctx, change("c3", "2000", "5000", true, true, 2)))

		snap, err := s.registry.Get(ctx, "c3")
		s.Require().NoError(err)
		s.True(snap.RONBalance.Equal(dec("3000")))
		s.True(snap.EURBalance.Equal(dec("5000")))
		s.Equal(uint64(3), snap.RONVersion)
		s.Equal(uint64(2), snap.EURVersion)
	})

	s.Run("redelivery is idempotent", func() {
		s.Require().NoError(s.registry.StartMonitoring(ctx, client("c4", "1000", "0", 1)))
		n := change("c4", "1200", "0", true, false, 2)
		s.Require().NoError(s.registry.ApplyNotification(ctx, n))
		s.Require().NoError(s.registry.ApplyNotification(ctx, n))

		snap, err := s.registry.Get(ctx, "c4")
		s.Require().NoError(err)
		s.True(snap.RONBalance.Equal(dec("1200")))
	})

	s.Run("notifications predating the seed are stale", func() {
		s.Require().NoError(s.registry.StartMonitoring(ctx, client("c5", "4000", "0", 7)))
		s.Require().NoError(s.registry.ApplyNotification(ctx, change("c5", "1000", "0", true, false, 6)))

		snap, err := s.registry.Get(ctx, "c5")
		s.Require().NoError(err)
		s.True(snap.RONBalance.Equal(dec("4000")))
	})

	s.Run("unversioned notifications always apply", func() {
		s.Require().NoError(s.registry.StartMonitoring(ctx, client("c6", "4000", "0", 7)))
		s.Require().NoError(s.registry.ApplyNotification(ctx, change("c6", "1000", "0", true, false, 0)))

		snap, err := s.registry.Get(ctx, "c6")
		s.Require().NoError(err)
		s.True(snap.RONBalance.Equal(dec("1000")))
	})

	s.Run("late notification from a closed account is skipped after reopen", func() {
		first := client("c7", "1000", "0", 3)
		first.CreatedAt = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
		s.Require().NoError(s.registry.StartMonitoring(ctx, first))
		s.Require().NoError(s.registry.StopMonitoring(ctx, "c7"))

		reopened := client("c7", "0", "0", 0)
		reopened.CreatedAt = first.CreatedAt.Add(time.Minute)
		s.Require().NoError(s.registry.StartMonitoring(ctx, reopened))

		late := change("c7", "2500", "0", true, false, 4)
		late.Epoch = first.Epoch()
		s.Require().NoError(s.registry.ApplyNotification(ctx, late))

		snap, err := s.registry.Get(ctx, "c7")
		s.Require().NoError(err)
		s.True(snap.RONBalance.IsZero(), "old account's balance must not leak into the new one")
		s.Equal(uint64(0), snap.RONVersion)
		s.Equal(reopened.Epoch(), snap.Epoch)

		current := change("c7", "1000", "0", true, false, 1)
		current.Epoch = reopened.Epoch()
		s.Require().NoError(s.registry.ApplyNotification(ctx, current))
		snap, err = s.registry.Get(ctx, "c7")
		s.Require().NoError(err)
		s.True(snap.RONBalance.Equal(dec("1000")))
	})
}

// Start then stop leaves no entry whatever notifications race in between.
func (s *RegistrySuite) TestStartStopWithConcurrentNotifications() {
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		id := fmt.Sprintf("race-%d", round)
		s.Require().NoError(s.registry.StartMonitoring(ctx, client(id, "1000", "0", 0)))

		var wg sync.WaitGroup
		for i := 1; i <= 10; i++ {
			wg.Add(1)
			go func(v uint64) {
				defer wg.Done()
				s.NoError(s.registry.ApplyNotification(ctx, change(id, "2000", "0", true, false, v)))
			}(uint64(i))
		}
		s.Require().NoError(s.registry.StopMonitoring(ctx, id))
		wg.Wait()

		_, err := s.registry.Get(ctx, id)
		s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err), "round %d", round)
	}
}

func (s *RegistrySuite) TestConcurrentDistinctClients() {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("client-%d", i)
			s.NoError(s.registry.StartMonitoring(ctx, client(id, "1000", "0", 0)))
			s.NoError(s.registry.ApplyNotification(ctx, change(id, "1500", "0", true, false, 1)))
		}(i)
	}
	wg.Wait()

	list, err := s.registry.List(ctx)
	s.Require().NoError(err)
	s.Len(list, 50)
	for _, snap := range list {
		s.True(snap.RONBalance.Equal(dec("1500")), snap.ClientID)
	}
}
