package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
	"github.com/vladislavdragonenkov/invoicing/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/invoicing/internal/messaging/pubsub"
	"github.com/vladislavdragonenkov/invoicing/internal/version"
)

// eventPublishers — куда outbox worker отправляет события и DLQ.
type eventPublishers struct {
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	close     func() error
}

// initEventPublishers создаёт publisher выбранного брокера. Пустой драйвер — публикация выключена.
func initEventPublishers(ctx context.Context, cfg Config, logger *log.Entry) (eventPublishers, error) {
	noop := eventPublishers{close: func() error { return nil }}

	switch strings.ToLower(strings.TrimSpace(cfg.EventsDriver)) {
	case "":
		return noop, nil
	case EventsDriverKafka:
		producer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			return noop, err
		}
		pubs := eventPublishers{
			publisher: kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
			close:     producer.Close,
		}
		if strings.TrimSpace(cfg.KafkaDLQTopic) != "" {
			pubs.dlq = kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic)
		}
		return pubs, nil
	case EventsDriverPubSub:
		if strings.TrimSpace(cfg.PubSubProjectID) == "" {
			return noop, errors.New("pubsub project id is required for pubsub events")
		}
		client, err := pubsub.NewClient(ctx, cfg.PubSubProjectID, cfg.GCPCredentialsJSON)
		if err != nil {
			return noop, err
		}
		publisher, err := pubsub.NewPublisher(ctx, client, cfg.PubSubTopic, logger.WithField("component", "pubsub-publisher"))
		if err != nil {
			_ = client.Close()
			return noop, err
		}
		logger.WithField("topic", cfg.PubSubTopic).Info("pubsub publisher initialized")
		return eventPublishers{
			publisher: publisher,
			close: func() error {
				return errors.Join(publisher.Close(), client.Close())
			},
		}, nil
	default:
		return noop, fmt.Errorf("unsupported events driver: %q", cfg.EventsDriver)
	}
}

// initKafkaProducer создаёт producer по списку брокеров через запятую.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := splitList(brokers)
	if len(brokerList) == 0 {
		return nil, errors.New("kafka brokers are required for kafka events")
	}

	producer, err := kafka.NewProducer(brokerList, kafka.WithClientID("invoicing-"+version.GetVersion()))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
