package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

// Topics для Kafka.
const (
	TopicInvoiceEvents   = "invoicing.invoice.events"
	TopicDeadLetterQueue = "invoicing.dlq"
)

// Kafka headers.
const (
	HeaderEventType     = "x-event-type"
	HeaderOutboxID      = "x-outbox-id"
	HeaderInvoiceNumber = "x-invoice-number"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// InvoiceEvent — конверт события о счёте в топике.
type InvoiceEvent struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	InvoiceNumber string          `json:"invoice_number"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewInvoiceEvent оборачивает outbox-сообщение в конверт.
func NewInvoiceEvent(msg domain.OutboxMessage, publishedAt time.Time) InvoiceEvent {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return InvoiceEvent{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		InvoiceNumber: msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   publishedAt.UTC(),
	}
}

// Number возвращает номер счёта из конверта.
func (e InvoiceEvent) Number() (domain.InvoiceNumber, error) {
	n, err := strconv.ParseInt(e.InvoiceNumber, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid invoice number %q in event %s", e.InvoiceNumber, e.ID)
	}
	return domain.InvoiceNumber(n), nil
}

// ParseInvoiceEvent разбирает конверт события.
func ParseInvoiceEvent(value []byte) (InvoiceEvent, error) {
	var event InvoiceEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return InvoiceEvent{}, fmt.Errorf("failed to unmarshal invoice event: %w", err)
	}
	if event.EventType == "" {
		return InvoiceEvent{}, fmt.Errorf("invoice event %q has no event type", event.ID)
	}
	return event, nil
}
