package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
)

// Envelope is the event written to Kafka for downstream mailers.
type Envelope struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	EventVersion int             `json:"event_version"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Producer     string          `json:"producer"`
	Recipient    string          `json:"recipient"`
	Payload      json.RawMessage `json:"payload"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes notifications as events keyed by recipient.
type KafkaNotifier struct {
	w        messageWriter
	producer string
}

// NewKafkaNotifier returns a notifier writing to topic on brokers.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		producer: "storefront",
	}
}

// Notify implements Notifier.
func (n *KafkaNotifier) Notify(ctx context.Context, m Message) error {
	eventType := "notification." + string(m.Kind)
	value, err := json.Marshal(Envelope{
		EventID:      m.ID,
		EventType:    eventType,
		EventVersion: 1,
		OccurredAt:   m.CreatedAt,
		Producer:     n.producer,
		Recipient:    m.Recipient,
		Payload:      m.Payload,
	})
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}

	err = n.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(m.Recipient),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "event_id", Value: []byte(m.ID)},
		},
	})
	if err != nil {
		return errors.Wrap(err, "write kafka message")
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.w.Close()
}
