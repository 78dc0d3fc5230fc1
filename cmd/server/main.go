package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	ledgerhandler "bankfisc/internal/ledger/handler"
	ledgermetrics "bankfisc/internal/ledger/metrics"
	ledgerservice "bankfisc/internal/ledger/service"
	ledgerstore "bankfisc/internal/ledger/store"
	monitoringhandler "bankfisc/internal/monitoring/handler"
	monitoringmetrics "bankfisc/internal/monitoring/metrics"
	monitoringservice "bankfisc/internal/monitoring/service"
	monitoringstore "bankfisc/internal/monitoring/store"
	"bankfisc/internal/notification"
	"bankfisc/internal/notification/channel"
	"bankfisc/internal/notification/channel/kafka"
	"bankfisc/internal/notification/channel/memory"
	"bankfisc/internal/notification/channel/rabbitmq"
	notificationmetrics "bankfisc/internal/notification/metrics"
	"bankfisc/internal/platform/config"
	"bankfisc/internal/platform/httpserver"
	"bankfisc/internal/platform/logger"
	platformmetrics "bankfisc/internal/platform/metrics"
	"bankfisc/internal/platform/redis"
	httptransport "bankfisc/internal/transport/http"
)

// main wires the ledger, the monitoring registry and the notification
// pipeline between them, then serves HTTP until SIGINT or SIGTERM.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.Server.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// closer releases one backend in reverse construction order.
type closer func() error

type wiring struct {
	checks  map[string]httptransport.HealthCheck
	closers []closer
}

func (w *wiring) onClose(c closer) {
	w.closers = append(w.closers, c)
}

func (w *wiring) close(log *slog.Logger) {
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			log.Warn("failed to release backend", "error", err)
		}
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := &wiring{checks: map[string]httptransport.HealthCheck{}}
	defer w.close(log)

	ledgerTx, err := buildLedgerTx(ctx, cfg, w)
	if err != nil {
		return err
	}
	snapshots, err := buildSnapshotStore(ctx, cfg, w)
	if err != nil {
		return err
	}
	pub, sub, err := buildChannel(ctx, cfg, log, w)
	if err != nil {
		return err
	}

	registry, err := monitoringservice.New(snapshots,
		monitoringservice.WithLogger(log),
		monitoringservice.WithMetrics(monitoringmetrics.New()),
	)
	if err != nil {
		return err
	}

	notifyMetrics := notificationmetrics.New()
	publisher, err := notification.NewPublisher(pub,
		notification.WithPublisherLogger(log),
		notification.WithPublisherMetrics(notifyMetrics),
		notification.WithBufferSize(cfg.Notification.BufferSize),
		notification.WithPublishTimeout(cfg.Notification.PublishTimeout),
		notification.WithBreaker(cfg.Notification.BreakerFailures, cfg.Notification.BreakerCooldown),
	)
	if err != nil {
		return err
	}
	w.checks["notification_breaker"] = func(context.Context) error {
		if state := publisher.BreakerState(); state == "open" {
			return fmt.Errorf("breaker %s", state)
		}
		return nil
	}

	consumer, err := notification.NewConsumer(registry,
		notification.WithConsumerLogger(log),
		notification.WithConsumerMetrics(notifyMetrics),
	)
	if err != nil {
		return err
	}

	ledger, err := ledgerservice.New(ledgerTx, registry,
		ledgerservice.WithNotifier(publisher),
		ledgerservice.WithLogger(log),
		ledgerservice.WithMetrics(ledgermetrics.New()),
	)
	if err != nil {
		return err
	}

	httpMetrics := platformmetrics.New()
	router := httptransport.NewRouter(log, w.checks,
		ledgerhandler.New(ledger, log, httpMetrics).WithRequestTimeout(cfg.Server.RequestTimeout),
		monitoringhandler.New(ledger, registry, log, httpMetrics).WithRequestTimeout(cfg.Server.RequestTimeout),
	)
	srv := httpserver.New(cfg.Server, router)

	// The consumer outlives the HTTP server so buffered notifications still
	// reach the registry during shutdown.
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := consumer.Run(consumerCtx, sub)
		if err != nil && !errors.Is(err, channel.ErrClosed) {
			return fmt.Errorf("notification consumer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("starting bankfisc",
			"addr", cfg.Server.Addr,
			"ledger_backend", cfg.Ledger.Backend,
			"registry_backend", cfg.Registry.Backend,
			"channel", cfg.Channel.Backend,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful http shutdown failed", "error", err)
		}
		if err := publisher.Close(shutdownCtx); err != nil {
			log.Warn("notification publisher did not drain", "error", err)
		}
		stopConsumer()
		return nil
	})

	return g.Wait()
}

func buildLedgerTx(ctx context.Context, cfg config.Config, w *wiring) (ledgerservice.StoreTx, error) {
	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		return ledgerservice.NewShardedTx(ledgerstore.NewInMemoryStore(), cfg.Ledger.TxTimeout), nil
	case config.BackendPostgres:
		if cfg.Ledger.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres ledger")
		}
		db, err := sql.Open("postgres", cfg.Ledger.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		w.onClose(db.Close)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := ledgerstore.Migrate(ctx, db); err != nil {
			return nil, err
		}
		w.checks["postgres"] = db.PingContext
		return newLedgerPostgresTx(db, ledgerstore.NewPostgresStore(db), cfg.Ledger.TxTimeout), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

func buildSnapshotStore(ctx context.Context, cfg config.Config, w *wiring) (monitoringservice.SnapshotStore, error) {
	switch cfg.Registry.Backend {
	case config.BackendMemory:
		return monitoringstore.NewInMemoryStore(), nil
	case config.BackendRedis:
		client, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		if client == nil {
			return nil, errors.New("REDIS_URL is required for the redis registry")
		}
		w.onClose(client.Close)
		w.checks["redis"] = client.Health
		return monitoringstore.NewRedisStore(client.Client, monitoringstore.WithKeyPrefix(cfg.Registry.KeyPrefix)), nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
	}
}

func buildChannel(ctx context.Context, cfg config.Config, log *slog.Logger, w *wiring) (channel.Publisher, channel.Subscriber, error) {
	switch cfg.Channel.Backend {
	case config.BackendMemory:
		ch := memory.New(cfg.Notification.BufferSize,
			memory.WithMaxAttempts(cfg.Channel.MaxAttempts),
			memory.WithLogger(log),
		)
		w.onClose(ch.Close)
		return ch, ch, nil
	case config.BackendKafka:
		kcfg := kafka.Config{
			Brokers:         cfg.Kafka.Brokers,
			Topic:           cfg.Kafka.Topic,
			ConsumerGroup:   cfg.Kafka.ConsumerGroup,
			Partitions:      cfg.Kafka.Partitions,
			Replication:     cfg.Kafka.Replication,
			MaxAttempts:     cfg.Channel.MaxAttempts,
			RetryInitial:    cfg.Notification.RetryInitial,
			RetryMaxBackoff: cfg.Notification.RetryMaxInterval,
		}
		if err := kafka.EnsureTopic(ctx, kcfg); err != nil {
			return nil, nil, err
		}
		pub, err := kafka.NewPublisher(kcfg)
		if err != nil {
			return nil, nil, err
		}
		w.onClose(pub.Close)
		sub, err := kafka.NewSubscriber(kcfg, log)
		if err != nil {
			return nil, nil, err
		}
		w.onClose(sub.Close)
		w.checks["kafka"] = pub.Ping
		return pub, sub, nil
	case config.BackendRabbitMQ:
		ch, err := rabbitmq.Dial(ctx, rabbitmq.Config{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			Queue:      cfg.AMQP.Queue,
			RoutingKey: cfg.AMQP.RoutingKey,
			Prefetch:   cfg.AMQP.Prefetch,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		w.onClose(ch.Close)
		w.checks["rabbitmq"] = func(context.Context) error {
			if !ch.Healthy() {
				return errors.New("connection closed")
			}
			return nil
		}
		return ch, ch, nil
	default:
		return nil, nil, fmt.Errorf("unknown channel backend %q", cfg.Channel.Backend)
	}
}
