package kafka

import (
	"cmp"
	"context"
	"errors"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

var errPublisherNotReady = errors.New("kafka outbox publisher has no producer")

// OutboxTopicPublisher отправляет outbox-сообщения в один topic.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт publisher; пустой topic означает TopicInvoiceEvents.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	return &OutboxTopicPublisher{producer: producer, topic: cmp.Or(topic, TopicInvoiceEvents)}
}

// Publish использует номер счёта как ключ: события одного счёта попадают в одну партицию
// и читаются в порядке выпуска.
func (p *OutboxTopicPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotReady
	}

	headers := map[string]string{
		HeaderEventType: event.EventType,
		HeaderOutboxID:  event.ID,
	}
	if event.AggregateID != "" {
		headers[HeaderInvoiceNumber] = event.AggregateID
	}
	envelope := NewInvoiceEvent(event, p.producer.now())
	return p.producer.PublishEvent(ctx, p.topic, cmp.Or(event.AggregateID, event.ID), envelope, headers)
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
