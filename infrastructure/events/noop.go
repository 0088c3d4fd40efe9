package events

import (
	"context"

	"github.com/arca/workflow-orchestrator/infrastructure/logging"
)

// NoopPublisher logs terminal events instead of delivering them to a
// bus. Used in tests and in environments with no bus configured.
type NoopPublisher struct {
	logger *logging.Logger
}

// NewNoopPublisher builds a logging-only Publisher. logger may be nil.
func NewNoopPublisher(logger *logging.Logger) *NoopPublisher {
	return &NoopPublisher{logger: logger}
}

// PublishTerminal logs event at info level and always succeeds.
func (p *NoopPublisher) PublishTerminal(ctx context.Context, event Event) error {
	if p.logger != nil {
		p.logger.WithFields(map[string]interface{}{
			"exchange_id":   event.ExchangeID,
			"workflow_type": event.WorkflowType,
			"success":       event.Success,
		}).Info("event published (noop)")
	}
	return nil
}

// Close is a no-op.
func (p *NoopPublisher) Close() error { return nil }
