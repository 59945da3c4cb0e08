package kafka

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageHandler gets the raw record. A nil error commits it.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

type ConsumerStats struct {
	Fetched   int64 `json:"fetched"`
	Committed int64 `json:"committed"`
	Failed    int64 `json:"failed"`
}

// Consumer reads one topic in a consumer group; offsets are committed one
// record at a time after the handler succeeds.
type Consumer struct {
	r     messageReader
	topic string

	fetched   atomic.Int64
	committed atomic.Int64
	failed    atomic.Int64
}

// NewConsumer without a group reads a single partition from the newest
// offset; that mode is only used for local demos.
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		MaxWait:           500 * time.Millisecond,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
		// Новая группа не должна переигрывать всю историю статусов.
		StartOffset: kafka.LastOffset,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return &Consumer{r: kafka.NewReader(cfg), topic: topic}
}

func newConsumerWithReader(r messageReader) *Consumer {
	return &Consumer{r: r}
}

func (c *Consumer) Topic() string { return c.topic }

func (c *Consumer) Close() error {
	return c.r.Close()
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Fetched:   c.fetched.Load(),
		Committed: c.committed.Load(),
		Failed:    c.failed.Load(),
	}
}

// Consume blocks until ctx is done, the reader fails or h returns an error.
// A canceled ctx is reported as ctx.Err().
func (c *Consumer) Consume(ctx context.Context, h MessageHandler) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "fetch message")
		}
		c.fetched.Add(1)

		if err := h(ctx, msg); err != nil {
			// Без commit: запись придет снова после рестарта.
			c.failed.Add(1)
			return errors.Wrapf(err, "handle %s/%d@%d", msg.Topic, msg.Partition, msg.Offset)
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "commit message")
		}
		c.committed.Add(1)
	}
}
