package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaProducer publishes notifications for cmd/consumer to deliver. Messages
// are keyed by ride so events of one ride stay ordered.
type KafkaProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	// each Notify writes one message and waits for it, so flush immediately
	// instead of holding it for the writer's default one second batch window
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) Notify(ctx context.Context, n Notification) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(n)
	if err != nil {
		return 0, err
	}
	msg := kafka.Message{
		Key:     []byte(n.RideID),
		Value:   b,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(n.EventType)}},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return 0, err
	}
	return len(n.Recipients), nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
