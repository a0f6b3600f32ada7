package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/helios-bulk-queue/internal/queue"
	"github.com/cuongbtq/helios-bulk-queue/internal/worker/domain"
	"github.com/cuongbtq/helios-bulk-queue/shared/rabbitmq"
)

// publishEvent announces a final bulk operation state. Publish failures are
// only logged.
func (w *Worker) publishEvent(ctx context.Context, eventType string, payload *queue.BulkOperationPayload, status string, result *domain.Result, errMsg string) {
	if w.events == nil {
		return
	}

	event := domain.Event{
		Type:            eventType,
		BulkOperationID: payload.BulkOperationID,
		OrganizationID:  payload.OrganizationID,
		OperationType:   string(payload.OperationType),
		Status:          status,
		Error:           errMsg,
		OccurredAt:      time.Now().UTC(),
	}
	if result != nil {
		event.Progress = result.Progress
	}

	if err := w.events.PublishEvent(ctx, event); err != nil {
		w.logger.Warn("Failed to publish bulk operation event",
			slog.String("bulk_operation_id", payload.BulkOperationID),
			slog.String("event", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// AMQPEvents publishes events to RabbitMQ with the event type as routing key
type AMQPEvents struct {
	client *rabbitmq.Client
}

// NewAMQPEvents creates an EventPublisher backed by a RabbitMQ client
func NewAMQPEvents(client *rabbitmq.Client) *AMQPEvents {
	return &AMQPEvents{client: client}
}

// PublishEvent implements EventPublisher
func (p *AMQPEvents) PublishEvent(ctx context.Context, event domain.Event) error {
	return p.client.PublishJSON(ctx, event.Type, event)
}
