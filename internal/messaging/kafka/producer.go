package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// ProducerOption правит sarama-конфиг до создания producer.
type ProducerOption func(*sarama.Config)

func WithClientID(id string) ProducerOption {
	return func(c *sarama.Config) {
		if id != "" {
			c.ClientID = id
		}
	}
}

func WithCompression(codec sarama.CompressionCodec) ProducerOption {
	return func(c *sarama.Config) { c.Producer.Compression = codec }
}

// producerConfig — надёжная доставка: подтверждение всех реплик и идемпотентность,
// при которой брокер допускает только один in-flight запрос.
func producerConfig(options ...ProducerOption) *sarama.Config {
	c := sarama.NewConfig()
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Retry.Max = 5
	c.Producer.Return.Successes = true
	c.Producer.Compression = sarama.CompressionSnappy
	c.Producer.Idempotent = true
	c.Net.MaxOpenRequests = 1
	for _, apply := range options {
		apply(c)
	}
	return c
}

// Producer синхронно пишет JSON-сообщения в Kafka.
type Producer struct {
	sync   sarama.SyncProducer
	logger *log.Entry
	now    func() time.Time
}

func NewProducer(brokers []string, options ...ProducerOption) (*Producer, error) {
	sp, err := sarama.NewSyncProducer(brokers, producerConfig(options...))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newProducer(sp, nil), nil
}

func newProducer(sp sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{sync: sp, logger: logger, now: time.Now}
}

// PublishEvent кодирует event в JSON и ждёт подтверждения брокера.
// Заголовки пишутся в порядке ключей.
func (p *Producer) PublishEvent(ctx context.Context, topic, key string, event any, headers map[string]string) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	// SyncProducer не принимает ctx.
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: p.now(),
		Headers:   make([]sarama.RecordHeader, 0, len(headers)),
	}
	for _, name := range slices.Sorted(maps.Keys(headers)) {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(name), Value: []byte(headers[name])})
	}

	fields := log.Fields{"topic": topic, "key": key}
	partition, offset, err := p.sync.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("kafka send failed")
		return fmt.Errorf("send to %s: %w", topic, err)
	}
	fields["partition"], fields["offset"] = partition, offset
	p.logger.WithFields(fields).Debug("kafka message acknowledged")
	return nil
}

func (p *Producer) Close() error {
	if err := p.sync.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
