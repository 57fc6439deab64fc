package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/model"
)

// KafkaNotifier publishes rule-trigger notifications to a Kafka topic,
// keyed by the destination subscription so one consumer sees a
// subscription's notifications in order.
type KafkaNotifier struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaNotifier creates a notifier writing to the given brokers and topic.
func NewKafkaNotifier(brokers []string, topic string, logger *zap.Logger) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaNotifier{writer: writer, logger: logger}
}

// Notify publishes one notification for a destination subscription.
func (n *KafkaNotifier) Notify(ctx context.Context, destination string, notification *model.Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(destination),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	n.logger.Debug("Notification published",
		zap.String("destination", destination),
		zap.Int64("rule_id", notification.RuleID))
	return nil
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
