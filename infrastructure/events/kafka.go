package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/arca/workflow-orchestrator/infrastructure/logging"
)

// KafkaPublisher writes one message per terminal Run to a topic,
// keyed by exchange_id for partition affinity.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *logging.Logger
}

// NewKafkaPublisher builds a publisher from a comma-separated bootstrap
// broker list and a topic name.
func NewKafkaPublisher(bootstrap, topic string, logger *logging.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(splitBrokers(bootstrap)...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func splitBrokers(bootstrap string) []string {
	if bootstrap == "" {
		return []string{"localhost:9092"}
	}
	brokers := []string{}
	start := 0
	for i := 0; i <= len(bootstrap); i++ {
		if i == len(bootstrap) || bootstrap[i] == ',' {
			if i > start {
				brokers = append(brokers, bootstrap[start:i])
			}
			start = i + 1
		}
	}
	if len(brokers) == 0 {
		return []string{"localhost:9092"}
	}
	return brokers
}

// PublishTerminal writes event as a JSON-encoded message keyed by
// ExchangeID. Delivery failures are logged and returned as a non-fatal
// signal to the caller, which must not fail the Run's own state on
// publish error.
func (p *KafkaPublisher) PublishTerminal(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		if p.logger != nil {
			p.logger.WithError(err).Warn("event marshal failed")
		}
		return err
	}

	key := event.ExchangeID
	msg := kafka.Message{Key: []byte(key), Value: body}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		if p.logger != nil {
			p.logger.WithFields(map[string]interface{}{
				"exchange_id": event.ExchangeID,
			}).WithError(err).Warn("event publish failed")
		}
		return err
	}

	if p.logger != nil {
		p.logger.WithFields(map[string]interface{}{
			"exchange_id":   event.ExchangeID,
			"workflow_type": event.WorkflowType,
			"success":       event.Success,
		}).Info("event published")
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
