package message

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAlertPublisher implements Notifier by publishing alert events to Kafka.
// The notification-service consumes these events and delivers them over Telegram.
type KafkaAlertPublisher struct {
	writer messageWriter
}

// NewKafkaAlertPublisher creates a publisher that writes to the given Kafka brokers.
func NewKafkaAlertPublisher(brokers []string) *KafkaAlertPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaAlertPublisher{writer: w}
}

// Close shuts down the underlying Kafka writer.
func (p *KafkaAlertPublisher) Close() error {
	return p.writer.Close()
}

// Deliver publishes a bare text notification for subscriberID
func (p *KafkaAlertPublisher) Deliver(ctx context.Context, subscriberID, text string) error {
	return p.publish(ctx, TopicLTVAlert, subscriberID, LTVAlertEvent{
		SubscriberID: subscriberID,
		Timestamp:    time.Now().UTC(),
		Message:      text,
	})
}

// DeliverAlert publishes an LTV alert to the alerts.ltv Kafka topic.
func (p *KafkaAlertPublisher) DeliverAlert(ctx context.Context, alert Alert) error {
	return p.publish(ctx, TopicLTVAlert, alert.SubscriberID, NewLTVAlertEvent(alert))
}

// publish keys messages by subscriber so one chat's alerts stay ordered
func (p *KafkaAlertPublisher) publish(ctx context.Context, topic, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal kafka event for topic %s: %w", topic, err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	}); err != nil {
		return fmt.Errorf("%w: publish to %s: %w", ErrDeliveryFailed, topic, err)
	}
	return nil
}
