package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is satisfied by *client.KafkaProducer and *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Kafka publishes EmailMessage JSON to a topic consumed by the mailer.
// Messages are keyed by recipient so one user's mail stays ordered.
type Kafka struct {
	writer MessageWriter
	topic  string
	now    func() time.Time
}

func NewKafka(writer MessageWriter, topic string) *Kafka {
	return &Kafka{writer: writer, topic: topic, now: time.Now}
}

func (k *Kafka) SendCode(ctx context.Context, email, code string, cc CodeContext) error {
	return k.publish(ctx, codeMessage(email, code, cc, k.now()))
}

func (k *Kafka) SendAlert(ctx context.Context, email string, kind AlertKind, details map[string]string) error {
	return k.publish(ctx, alertMessage(email, kind, details, k.now()))
}

func (k *Kafka) publish(ctx context.Context, msg EmailMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal email message: %w", err)
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: k.topic,
		Key:   []byte(msg.To),
		Value: value,
		Headers: []kafka.Header{
			{Key: "template", Value: []byte(msg.Template)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish email message: %w", err)
	}
	return nil
}
