// Package kafka implements the message channel on Kafka-compatible brokers
// using franz-go. Records are keyed by client id so one client's changes stay
// on one partition; offsets are committed only after the handler returns.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"bankfisc/internal/notification/channel"
)

// Config holds broker and topic settings.
type Config struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	Partitions    int32
	Replication   int16

	// MaxAttempts bounds handler retries for one record before it is skipped.
	MaxAttempts     int
	RetryInitial    time.Duration
	RetryMaxBackoff time.Duration
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	if c.Topic == "" {
		return errors.New("kafka topic is required")
	}
	return nil
}

// EnsureTopic creates the topic if it does not exist.
func EnsureTopic(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(cfg.Brokers...))
	if err != nil {
		return fmt.Errorf("create kafka admin client: %w", err)
	}
	defer cl.Close()

	partitions, replication := cfg.Partitions, cfg.Replication
	if partitions <= 0 {
		partitions = 1
	}
	if replication <= 0 {
		replication = 1
	}
	resp, err := kadm.NewClient(cl).CreateTopic(ctx, partitions, replication, nil, cfg.Topic)
	if err == nil {
		err = resp.Err
	}
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", cfg.Topic, err)
	}
	return nil
}

// Publisher produces records synchronously.
type Publisher struct {
	client *kgo.Client
}

func NewPublisher(cfg Config) (*Publisher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Publisher{client: cl}, nil
}

func (p *Publisher) Publish(ctx context.Context, msg channel.Message) error {
	record := &kgo.Record{
		Key:   []byte(msg.Key),
		Value: msg.Body,
	}
	for k, v := range msg.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce record: %w", err)
	}
	return nil
}

// Ping checks broker connectivity.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}

// Subscriber consumes the topic as part of a consumer group.
type Subscriber struct {
	client *kgo.Client
	cfg    Config
	logger *slog.Logger
}

func NewSubscriber(cfg Config, logger *slog.Logger) (*Subscriber, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New("kafka consumer group is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return &Subscriber{client: cl, cfg: cfg, logger: logger}, nil
}

// Subscribe polls until ctx is cancelled. A record whose handler keeps
// failing is retried with backoff up to MaxAttempts, then logged and skipped
// so the partition keeps moving. Cancellation mid-retry stops the batch and
// commits only the records before it.
func (s *Subscriber) Subscribe(ctx context.Context, handler channel.Handler) error {
	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return channel.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			s.logger.WarnContext(ctx, "kafka fetch error",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})

		var processed []*kgo.Record
		interrupted := false
		fetches.EachRecord(func(record *kgo.Record) {
			if interrupted || ctx.Err() != nil {
				return
			}
			if !s.handle(ctx, handler, record) {
				interrupted = true
				return
			}
			processed = append(processed, record)
		})
		if len(processed) == 0 {
			continue
		}
		// Commit on a fresh context so a shutdown does not lose finished work.
		commitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.client.CommitRecords(commitCtx, processed...)
		cancel()
		if err != nil {
			s.logger.WarnContext(ctx, "kafka offset commit failed", "error", err)
		}
	}
}

// handle reports whether the record is done and its offset may be committed:
// the handler succeeded or exhausted its attempts. A record interrupted by
// ctx cancellation is left uncommitted so the group redelivers it.
func (s *Subscriber) handle(ctx context.Context, handler channel.Handler, record *kgo.Record) bool {
	msg := channel.Message{
		Key:     string(record.Key),
		Body:    record.Value,
		Headers: make(map[string]string, len(record.Headers)),
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return handler(ctx, msg)
	}, backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.cfg.MaxAttempts-1)), ctx))
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "kafka record left uncommitted on shutdown",
			"key", msg.Key,
			"partition", record.Partition,
			"offset", record.Offset,
			"attempts", attempts,
			"error", err,
		)
		return false
	}
	s.logger.ErrorContext(ctx, "kafka record skipped after retries",
		"key", msg.Key,
		"partition", record.Partition,
		"offset", record.Offset,
		"attempts", attempts,
		"error", err,
	)
	return true
}

func (s *Subscriber) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if s.cfg.RetryInitial > 0 {
		b.InitialInterval = s.cfg.RetryInitial
	}
	if s.cfg.RetryMaxBackoff > 0 {
		b.MaxInterval = s.cfg.RetryMaxBackoff
	}
	b.MaxElapsedTime = 0
	return b
}

func (s *Subscriber) Close() error {
	s.client.Close()
	return nil
}
