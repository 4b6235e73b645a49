// Package queue adapts the RabbitMQ client to the job envelope: every
// producer in the system (API handlers, job handlers, workflow steps)
// publishes through the same Publisher.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ubuntuhub/community-worker/internal/jobs"
	"github.com/ubuntuhub/community-worker/shared/rabbitmq"
)

// Publisher publishes job envelopes onto the jobs exchange.
type Publisher struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewPublisher creates a new Publisher instance
func NewPublisher(client *rabbitmq.Client, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger,
	}
}

// Publish encodes the envelope and publishes it with retry. Publishing
// is idempotent from the consumer's point of view: a duplicate publish
// carries the same fingerprint and is dropped by the dedupe cache.
func (p *Publisher) Publish(ctx context.Context, msg *jobs.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}

	if err := p.client.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("publish %s job: %w", msg.Kind, err)
	}

	p.logger.Debug("Job published",
		slog.String("type", string(msg.Kind)),
		slog.Int("body_size", len(body)),
	)

	return nil
}
