package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wace-auth/internal/models"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is satisfied by *client.KafkaProducer and *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Kafka publishes events as JSON, keyed by user ID when known and by email otherwise.
type Kafka struct {
	writer MessageWriter
	topic  string
	now    func() time.Time
}

func NewKafka(writer MessageWriter, topic string) *Kafka {
	return &Kafka{writer: writer, topic: topic, now: time.Now}
}

func (k *Kafka) Record(ctx context.Context, event models.SecurityEvent) error {
	event = normalize(event, k.now())
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal security event: %w", err)
	}

	key := event.UserID
	if key == "" {
		key = event.Email
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: k.topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish security event: %w", err)
	}
	return nil
}
