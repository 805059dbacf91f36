package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// SideEffectDLQStream holds side effects that exhausted their retries.
const SideEffectDLQStream = "paylink:side_effects:dlq"

// DeadLetter is one failed side effect as stored on the DLQ stream.
type DeadLetter struct {
	MessageID string
	PaymentID string
	Action    string
	Reason    string
	Payload   map[string]any
	FailedAt  time.Time
}

type StreamProducer struct {
	client *redis.Client
	stream string
}

func NewStreamProducer(client *redis.Client) *StreamProducer {
	return &StreamProducer{client: client, stream: SideEffectDLQStream}
}

// PublishToDLQ appends a failed side effect to the dead-letter stream.
func (p *StreamProducer) PublishToDLQ(ctx context.Context, paymentID, action, reason string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ data: %w", err)
	}

	_, err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"payment_id": paymentID,
			"action":     action,
			"reason":     reason,
			"payload":    string(payload),
			"timestamp":  time.Now().Unix(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	return nil
}

// ListDeadLetters returns up to count entries, oldest first.
func (p *StreamProducer) ListDeadLetters(ctx context.Context, count int64) ([]DeadLetter, error) {
	msgs, err := p.client.XRangeN(ctx, p.stream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}

	out := make([]DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		dl, err := ParseDeadLetter(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, nil
}

// ParseDeadLetter decodes a DLQ stream message.
func ParseDeadLetter(msg redis.XMessage) (DeadLetter, error) {
	dl := DeadLetter{MessageID: msg.ID}

	var ok bool
	if dl.PaymentID, ok = msg.Values["payment_id"].(string); !ok || dl.PaymentID == "" {
		return dl, fmt.Errorf("dlq message %s: missing payment_id", msg.ID)
	}
	if dl.Action, ok = msg.Values["action"].(string); !ok || dl.Action == "" {
		return dl, fmt.Errorf("dlq message %s: missing action", msg.ID)
	}
	dl.Reason, _ = msg.Values["reason"].(string)

	if raw, ok := msg.Values["payload"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &dl.Payload); err != nil {
			return dl, fmt.Errorf("dlq message %s: decode payload: %w", msg.ID, err)
		}
	}

	if ts, ok := msg.Values["timestamp"].(string); ok {
		if sec, err := strconv.ParseInt(ts, 10, 64); err == nil {
			dl.FailedAt = time.Unix(sec, 0).UTC()
		}
	}

	return dl, nil
}

type StreamConsumer struct {
	client        *redis.Client
	stream        string
	group         string
	consumer      string
	batchSize     int64
	blockDuration time.Duration
}

func NewStreamConsumer(
	client *redis.Client,
	stream string,
	group string,
	consumer string,
	batchSize int64,
	blockDuration time.Duration,
) *StreamConsumer {
	return &StreamConsumer{
		client:        client,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		batchSize:     batchSize,
		blockDuration: blockDuration,
	}
}

// CreateGroup creates the consumer group and the stream if needed.
func (c *StreamConsumer) CreateGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Read returns new messages for this consumer, or nil when the block times out.
func (c *StreamConsumer) Read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.batchSize,
		Block:    c.blockDuration,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

// ReadPending returns messages delivered to this consumer earlier but never
// acknowledged.
func (c *StreamConsumer) ReadPending(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, "0"},
		Count:    c.batchSize,
		Block:    -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pending messages: %w", err)
	}

	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

func (c *StreamConsumer) Ack(ctx context.Context, messageID string) error {
	if err := c.client.XAck(ctx, c.stream, c.group, messageID).Err(); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}
