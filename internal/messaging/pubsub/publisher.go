package pubsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

// TopicInvoiceEvents — топик по умолчанию для событий о счетах.
const TopicInvoiceEvents = "invoicing-invoice-events"

// Атрибуты сообщения.
const (
	AttrEventID       = "event_id"
	AttrEventType     = "event_type"
	AttrAggregateType = "aggregate_type"
	AttrInvoiceNumber = "invoice_number"
	AttrPublishedAt   = "published_at"
)

// NewClient создаёт клиент Pub/Sub. Без credentialsJSON используется ADC.
func NewClient(ctx context.Context, projectID, credentialsJSON string, opts ...option.ClientOption) (*pubsub.Client, error) {
	if projectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return client, nil
}

// Publisher публикует outbox-сообщения в топик Pub/Sub.
// Сообщения одного счёта упорядочены через OrderingKey.
type Publisher struct {
	topic  *pubsub.Topic
	logger *log.Entry
	now    func() time.Time
}

// NewPublisher открывает топик и создаёт его при отсутствии.
func NewPublisher(ctx context.Context, client *pubsub.Client, topicID string, logger *log.Entry) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topicID == "" {
		topicID = TopicInvoiceEvents
	}
	if logger == nil {
		logger = log.WithField("component", "pubsub-publisher")
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", topicID, err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			return nil, fmt.Errorf("create topic %q: %w", topicID, err)
		}
		logger.WithField("topic", topicID).Info("pubsub topic created")
	}
	topic.EnableMessageOrdering = true

	return &Publisher{
		topic:  topic,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Publish отправляет событие и ждёт подтверждения сервера.
func (p *Publisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub publisher is not initialized")
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: event.Payload,
		Attributes: map[string]string{
			AttrEventID:       event.ID,
			AttrEventType:     event.EventType,
			AttrAggregateType: event.AggregateType,
			AttrInvoiceNumber: event.AggregateID,
			AttrPublishedAt:   p.now().Format(time.RFC3339Nano),
		},
		OrderingKey: key,
	})

	serverID, err := result.Get(ctx)
	if err != nil {
		// После ошибки публикация по ключу приостановлена до ResumePublish.
		p.topic.ResumePublish(key)
		return fmt.Errorf("publish %s to pubsub: %w", event.ID, err)
	}

	p.logger.WithFields(log.Fields{
		"outbox_id":  event.ID,
		"event_type": event.EventType,
		"message_id": serverID,
	}).Debug("message sent to pubsub")
	return nil
}

// Close дожидается отправки буферизованных сообщений.
func (p *Publisher) Close() error {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
	return nil
}

var _ domain.OutboxPublisher = (*Publisher)(nil)
