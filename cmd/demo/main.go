package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"bankfisc/internal/ledger/models"
	ledgerservice "bankfisc/internal/ledger/service"
	ledgerstore "bankfisc/internal/ledger/store"
	monitoringservice "bankfisc/internal/monitoring/service"
	monitoringstore "bankfisc/internal/monitoring/store"
	"bankfisc/internal/notification"
	"bankfisc/internal/notification/channel/memory"
	"bankfisc/internal/platform/logger"
	dErrors "bankfisc/pkg/domain-errors"
)

const demoClient = "1234567890123"

// main walks one client through its whole lifecycle against in-process
// backends and logs each step.
func main() {
	log := logger.New(os.Getenv("BANKFISC_LOG_LEVEL"))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx, log); err != nil {
		log.Error("demo failed", "error", err)
		os.Exit(1)
	}
	log.Info("demo completed")
}

type demo struct {
	log      *slog.Logger
	ledger   *ledgerservice.Service
	registry *monitoringservice.Registry
}

func run(ctx context.Context, log *slog.Logger) error {
	ch := memory.New(64, memory.WithLogger(log))
	defer ch.Close()

	registry, err := monitoringservice.New(monitoringstore.NewInMemoryStore(), monitoringservice.WithLogger(log))
	if err != nil {
		return err
	}
	publisher, err := notification.NewPublisher(ch, notification.WithPublisherLogger(log))
	if err != nil {
		return err
	}
	consumer, err := notification.NewConsumer(registry, notification.WithConsumerLogger(log))
	if err != nil {
		return err
	}
	ledger, err := ledgerservice.New(
		ledgerservice.NewShardedTx(ledgerstore.NewInMemoryStore(), 0),
		registry,
		ledgerservice.WithNotifier(publisher),
		ledgerservice.WithLogger(log),
	)
	if err != nil {
		return err
	}

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	consumerDone := make(chan error, 1)
	go func() { consumerDone <- consumer.Run(consumerCtx, ch) }()
	defer func() {
		_ = publisher.Close(ctx)
		stopConsumer()
		<-consumerDone
	}()

	d := &demo{log: log, ledger: ledger, registry: registry}
	return d.replay(ctx)
}

func (d *demo) replay(ctx context.Context) error {
	d.step(1, "opening accounts", "cnp", demoClient)
	if _, err := d.ledger.OpenAccounts(ctx, demoClient); err != nil {
		return err
	}

	d.step(2, "initial deposits to reach the minimum balance")
	if _, err := d.ledger.Deposit(ctx, demoClient, models.CurrencyRON, decimal.RequireFromString("2000.00")); err != nil {
		return err
	}
	if _, err := d.ledger.Deposit(ctx, demoClient, models.CurrencyEUR, decimal.RequireFromString("2000.00")); err != nil {
		return err
	}
	if err := d.info(ctx, 3); err != nil {
		return err
	}

	d.step(4, "FISC starts monitoring the client")
	if err := d.ledger.StartMonitoring(ctx, demoClient); err != nil {
		return err
	}

	d.step(5, "deposit 500 RON")
	client, err := d.ledger.Deposit(ctx, demoClient, models.CurrencyRON, decimal.RequireFromString("500.00"))
	if err != nil {
		return err
	}
	if err := d.awaitSnapshot(ctx, client); err != nil {
		return err
	}

	d.step(6, "withdraw 300 EUR")
	client, err = d.ledger.Withdraw(ctx, demoClient, models.CurrencyEUR, decimal.RequireFromString("300.00"))
	if err != nil {
		return err
	}
	if err := d.awaitSnapshot(ctx, client); err != nil {
		return err
	}

	d.step(7, "withdraw 1100 EUR is refused")
	_, err = d.ledger.Withdraw(ctx, demoClient, models.CurrencyEUR, decimal.RequireFromString("1100.00"))
	if !dErrors.HasCode(err, dErrors.CodeBelowMinimum) {
		return fmt.Errorf("expected below-minimum rejection, got %v", err)
	}
	d.log.Info("rejected", "error", err)

	d.step(8, "FISC stops monitoring the client")
	if err := d.ledger.StopMonitoring(ctx, demoClient); err != nil {
		return err
	}

	d.step(9, "deposit 1000 RON while unmonitored")
	if _, err := d.ledger.Deposit(ctx, demoClient, models.CurrencyRON, decimal.RequireFromString("1000.00")); err != nil {
		return err
	}
	if _, err := d.registry.Get(ctx, demoClient); !dErrors.HasCode(err, dErrors.CodeNotFound) {
		return fmt.Errorf("registry still tracks %s: %v", demoClient, err)
	}

	d.step(10, "closing accounts with a non-zero balance is refused")
	err = d.ledger.CloseAccounts(ctx, demoClient)
	if !dErrors.HasCode(err, dErrors.CodeNonZeroBalance) {
		return fmt.Errorf("expected non-zero balance rejection, got %v", err)
	}
	d.log.Info("rejected", "error", err)

	d.step(11, "zeroing balances for closure")
	if _, err := d.ledger.PrepareForClosure(ctx, demoClient); err != nil {
		return err
	}
	if err := d.info(ctx, 12); err != nil {
		return err
	}

	d.step(13, "closing accounts")
	return d.ledger.CloseAccounts(ctx, demoClient)
}

func (d *demo) step(n int, msg string, args ...any) {
	d.log.Info(msg, append([]any{"step", n}, args...)...)
}

func (d *demo) info(ctx context.Context, n int) error {
	client, err := d.ledger.GetInfo(ctx, demoClient)
	if err != nil {
		return err
	}
	d.step(n, "account information",
		"cnp", client.ID,
		"ron", client.RON.Balance.StringFixed(2),
		"eur", client.EUR.Balance.StringFixed(2),
		"monitored", client.Monitored,
	)
	return nil
}

var errSnapshotBehind = errors.New("snapshot not yet updated")

// awaitSnapshot polls the registry until the notification for client's
// latest version has been applied.
func (d *demo) awaitSnapshot(ctx context.Context, client *models.Client) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(func() error {
		snap, err := d.registry.Get(ctx, client.ID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !snap.RONBalance.Equal(client.RON.Balance) || !snap.EURBalance.Equal(client.EUR.Balance) {
			return errSnapshotBehind
		}
		d.log.Info("registry snapshot updated",
			"cnp", snap.ClientID,
			"ron", snap.RONBalance.StringFixed(2),
			"eur", snap.EURBalance.StringFixed(2),
		)
		return nil
	}, backoff.WithContext(b, ctx))
}
