package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// ErrMalformedEvent — сообщение нельзя разобрать как событие о счёте. Повторять такую обработку бессмысленно.
var ErrMalformedEvent = errors.New("malformed invoice event")

// MessageHandler обрабатывает сообщение из Kafka.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerConfig задаёт параметры consumer group.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// FromOldest читает топик с начала, если у группы нет offset.
	FromOldest bool
	MaxRetries int
	RetryDelay time.Duration
	// DLQTopic по умолчанию TopicDeadLetterQueue.
	DLQTopic string
}

// DeadLetter — запись в DLQ о сообщении, которое не удалось обработать.
type DeadLetter struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	Attempts          int    `json:"retry_count"`
}

// Consumer читает события о счетах. Сообщение, не обработанное за maxRetries попыток,
// уходит в DLQ, и offset фиксируется.
type Consumer struct {
	group    sarama.ConsumerGroup
	topics   []string
	handler  MessageHandler
	logger   *log.Entry
	wg       sync.WaitGroup
	dlq      *Producer
	dlqTopic string

	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
}

// NewConsumer создает consumer group. dlq может быть nil.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, dlq *Producer) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	if cfg.FromOldest {
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	c := newConsumer(group, cfg.Topics, handler, dlq, log.WithField("component", "kafka-consumer"))
	if cfg.MaxRetries > 0 {
		c.maxRetries = cfg.MaxRetries
	}
	if cfg.DLQTopic != "" {
		c.dlqTopic = cfg.DLQTopic
	}
	c.retryDelay = cfg.RetryDelay
	return c, nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler MessageHandler, dlq *Producer, logger *log.Entry) *Consumer {
	return &Consumer{
		group:      group,
		topics:     topics,
		handler:    handler,
		logger:     logger,
		dlq:        dlq,
		dlqTopic:   TopicDeadLetterQueue,
		maxRetries: 3,
		now:        time.Now,
	}
}

// Start запускает чтение в фоне и сразу возвращается.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		// Consume возвращается при каждом rebalance, поэтому цикл.
		for ctx.Err() == nil {
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("error from consumer")
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop закрывает группу и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает сообщения одной partition до закрытия claim или сессии.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			entry := c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			})
			if err := c.process(session.Context(), message); err != nil {
				// Offset не фиксируется, сообщение придёт снова после rebalance.
				entry.WithError(err).Error("invoice event left unprocessed")
				continue
			}
			session.MarkMessage(message, "")
		}
	}
}

// process вызывает handler с повторами. Попытки, сделанные до повторной доставки, берутся из заголовка.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	attempts := retryCount(message)
	for {
		err := c.handler(ctx, message)
		if err == nil {
			return nil
		}
		attempts++

		if errors.Is(err, ErrMalformedEvent) {
			return c.giveUp(ctx, message, err, attempts)
		}
		if attempts >= c.maxRetries {
			return c.giveUp(ctx, message, err, attempts)
		}

		c.logger.WithFields(log.Fields{
			"topic":       message.Topic,
			"attempt":     attempts,
			"max_retries": c.maxRetries,
		}).WithError(err).Warn("invoice event handler failed, retrying")

		if c.retryDelay <= 0 {
			continue
		}
		timer := time.NewTimer(c.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// giveUp отправляет сообщение в DLQ. Без DLQ повторяемая ошибка возвращается,
// а неразбираемое сообщение пропускается.
func (c *Consumer) giveUp(ctx context.Context, message *sarama.ConsumerMessage, cause error, attempts int) error {
	entry := c.logger.WithFields(log.Fields{"topic": message.Topic, "attempts": attempts})
	if c.dlq == nil {
		if errors.Is(cause, ErrMalformedEvent) {
			entry.WithError(cause).Warn("skipping malformed invoice event")
			return nil
		}
		return cause
	}

	letter := DeadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      cause.Error(),
		FailedAt:          c.now().UTC().Format(time.RFC3339),
		Attempts:          attempts,
	}
	headers := map[string]string{
		HeaderOriginalTopic: letter.OriginalTopic,
		HeaderErrorMessage:  letter.ErrorMessage,
		HeaderFailedAt:      letter.FailedAt,
		HeaderRetryCount:    strconv.Itoa(attempts),
	}
	if err := c.dlq.PublishEvent(ctx, c.dlqTopic, letter.OriginalKey, letter, headers); err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}
	entry.Info("invoice event moved to DLQ")
	return nil
}

// retryCount читает число уже сделанных попыток из заголовка; мусор считается нулём.
func retryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header == nil || string(header.Key) != HeaderRetryCount {
			continue
		}
		if n, err := strconv.Atoi(string(header.Value)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// InvoiceEventHandler адаптирует обработчик событий о счетах к MessageHandler.
// Неразбираемый конверт возвращает ErrMalformedEvent.
func InvoiceEventHandler(fn func(ctx context.Context, event InvoiceEvent) error) MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := ParseInvoiceEvent(message.Value)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return fn(ctx, event)
	}
}
