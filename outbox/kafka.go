package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/matchpay/payout-engine/pipeline"
)

// Message headers set on every published record.
const (
	HeaderMessageID   = "message_id"
	HeaderMessageType = "message_type"
)

// KafkaPublisher writes outbox messages to one topic, keyed by partner id so
// each partner's events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msgs []pipeline.OutboxMessage) error {
	records := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		records[i] = toKafkaMessage(m)
	}
	if err := p.writer.WriteMessages(ctx, records...); err != nil {
		return fmt.Errorf("publish %d messages to %s: %w", len(msgs), p.writer.Topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func toKafkaMessage(m pipeline.OutboxMessage) kafka.Message {
	return kafka.Message{
		Key:   []byte(m.Key),
		Value: m.Payload,
		Time:  m.CreatedAt,
		Headers: []kafka.Header{
			{Key: HeaderMessageID, Value: []byte(m.ID)},
			{Key: HeaderMessageType, Value: []byte(m.Type)},
		},
	}
}

// MemoryPublisher collects messages in memory. Set Err to make Publish fail.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []pipeline.OutboxMessage
	Err      error
}

func (p *MemoryPublisher) Publish(_ context.Context, msgs []pipeline.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.messages = append(p.messages, msgs...)
	return nil
}

func (p *MemoryPublisher) Messages() []pipeline.OutboxMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pipeline.OutboxMessage(nil), p.messages...)
}
