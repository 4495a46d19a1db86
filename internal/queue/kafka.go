package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Kafka is the production transport. Offsets are committed only after the
// handler returns, so a crash mid-handle causes redelivery rather than loss;
// handlers are idempotent by design.
type Kafka struct {
	client  *kgo.Client
	handler Handler
	logger  *slog.Logger
}

// NewKafka connects a producer/consumer-group client subscribed to the given
// topics, creating missing topics first so a fresh broker works out of the box.
func NewKafka(ctx context.Context, brokers []string, group string, topics []string, handler Handler, logger *slog.Logger) (*Kafka, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	if err := ensureTopics(ctx, client, topics); err != nil {
		client.Close()
		return nil, err
	}

	return &Kafka{client: client, handler: handler, logger: logger}, nil
}

func ensureTopics(ctx context.Context, client *kgo.Client, topics []string) error {
	admin := kadm.NewClient(client)
	resp, err := admin.CreateTopics(ctx, 1, 1, nil, topics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, res := range resp {
		if res.Err != nil && res.Err != kerr.TopicAlreadyExists {
			return fmt.Errorf("create topic %s: %w", res.Topic, res.Err)
		}
	}
	return nil
}

func (k *Kafka) Publish(ctx context.Context, topic, key string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

// Run polls and dispatches until ctx is cancelled. A handler error leaves the
// offset uncommitted; the group will redeliver.
func (k *Kafka) Run(ctx context.Context) error {
	for {
		fetches := k.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			k.logger.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		})

		var failed bool
		fetches.EachRecord(func(record *kgo.Record) {
			if failed {
				return
			}
			msg := &Message{Topic: record.Topic, Key: record.Key, Value: record.Value}
			if err := k.handler.Handle(ctx, msg); err != nil {
				k.logger.Error("message handling failed, leaving uncommitted",
					"topic", record.Topic,
					"key", string(record.Key),
					"error", err,
				)
				failed = true
			}
		})
		if failed {
			continue
		}
		if err := k.client.CommitUncommittedOffsets(ctx); err != nil {
			k.logger.Error("offset commit failed", "error", err)
		}
	}
}

func (k *Kafka) Close() {
	k.client.Close()
}
