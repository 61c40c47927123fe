package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/vladislavdragonenkov/invoicing/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/invoicing/internal/service/outbox"
)

type replayConfig struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

func (c replayConfig) validate() error {
	switch {
	case len(c.brokers) == 0:
		return errors.New("kafka brokers are required (--brokers or INVOICING_KAFKA_BROKERS)")
	case strings.TrimSpace(c.sourceTopic) == "":
		return errors.New("source-topic is required")
	case strings.TrimSpace(c.targetTopic) == "":
		return errors.New("target-topic is required")
	case c.limit <= 0:
		return errors.New("limit must be > 0")
	case c.idleTimeout <= 0:
		return errors.New("idle-timeout must be > 0")
	}
	return nil
}

func (c replayConfig) mode() string {
	if c.execute {
		return "execute"
	}
	return "dry-run"
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type replayProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// replayKafka — подключения replay. producer равен nil в dry-run.
type replayKafka struct {
	offsets  offsetClient
	consumer partitionConsumerSource
	producer replayProducer
}

func (k replayKafka) Close() error {
	var errs []error
	if k.producer != nil {
		errs = append(errs, k.producer.Close())
	}
	if k.consumer != nil {
		errs = append(errs, k.consumer.Close())
	}
	if k.offsets != nil {
		errs = append(errs, k.offsets.Close())
	}
	return errors.Join(errs...)
}

type saramaConsumer struct{ sarama.Consumer }

func (c saramaConsumer) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return c.Consumer.ConsumePartition(topic, partition, offset)
}

var dialReplayKafka = func(cfg replayConfig) (replayKafka, error) {
	consumerCfg := sarama.NewConfig()
	consumerCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerCfg)
	if err != nil {
		return replayKafka{}, fmt.Errorf("connect to kafka: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return replayKafka{}, fmt.Errorf("create kafka consumer: %w", err)
	}
	k := replayKafka{offsets: client, consumer: saramaConsumer{consumer}}
	if !cfg.execute {
		return k, nil
	}

	// Повторная публикация идёт с теми же гарантиями, что и у сервиса.
	producerCfg := sarama.NewConfig()
	producerCfg.Producer.RequiredAcks = sarama.WaitForAll
	producerCfg.Producer.Retry.Max = 5
	producerCfg.Producer.Return.Successes = true
	producerCfg.Producer.Idempotent = true
	producerCfg.Net.MaxOpenRequests = 1

	if k.producer, err = sarama.NewSyncProducer(cfg.brokers, producerCfg); err != nil {
		_ = k.Close()
		return replayKafka{}, fmt.Errorf("create kafka producer: %w", err)
	}
	return k, nil
}

func dlqReplayCommand() *cli.Command {
	return &cli.Command{
		Name:  "dlq-replay",
		Usage: "return dead-lettered invoice events to the events topic (dry-run by default)",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "brokers", EnvVars: []string{"INVOICING_KAFKA_BROKERS"}},
			&cli.StringFlag{Name: "source-topic", Value: kafka.TopicDeadLetterQueue},
			&cli.StringFlag{Name: "target-topic", Value: kafka.TopicInvoiceEvents},
			&cli.IntFlag{Name: "limit", Value: 100, Usage: "max number of messages to scan"},
			&cli.BoolFlag{Name: "execute", Usage: "publish the replayed events"},
			&cli.BoolFlag{Name: "from-newest", Usage: "scan the latest messages first (bounded by limit)"},
			&cli.DurationFlag{Name: "idle-timeout", Value: 2 * time.Second, Usage: "stop reading a partition after this long without messages"},
		},
		Action: func(c *cli.Context) error {
			cfg := replayConfig{
				brokers:     splitBrokers(c.StringSlice("brokers")),
				sourceTopic: c.String("source-topic"),
				targetTopic: c.String("target-topic"),
				limit:       c.Int("limit"),
				execute:     c.Bool("execute"),
				fromNewest:  c.Bool("from-newest"),
				idleTimeout: c.Duration("idle-timeout"),
			}
			if err := cfg.validate(); err != nil {
				return err
			}

			k, err := dialReplayKafka(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close() }()

			r := &replayer{cfg: cfg, kafka: k, logger: log.WithField("component", "dlq-replay"), now: time.Now}
			stats, err := r.run(c.Context)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.App.Writer, "%s: %s\n", cfg.mode(), stats)
			return err
		},
	}
}

// splitBrokers принимает как повторяющийся флаг, так и список через запятую в env.
func splitBrokers(values []string) []string {
	var brokers []string
	for _, value := range values {
		for _, chunk := range strings.Split(value, ",") {
			if broker := strings.TrimSpace(chunk); broker != "" {
				brokers = append(brokers, broker)
			}
		}
	}
	return brokers
}

type replayStats struct {
	scanned  int
	replayed int
	skipped  int
}

func (s replayStats) String() string {
	return fmt.Sprintf("scanned=%d replayed=%d skipped=%d", s.scanned, s.replayed, s.skipped)
}

func (s *replayStats) merge(o replayStats) {
	s.scanned += o.scanned
	s.replayed += o.replayed
	s.skipped += o.skipped
}

// replayer читает DLQ по партициям и возвращает исходные события в target topic.
// Сканирование ограничено сообщениями, которые были в топике на момент старта.
type replayer struct {
	cfg    replayConfig
	kafka  replayKafka
	logger *log.Entry
	now    func() time.Time
}

func (r *replayer) run(ctx context.Context) (replayStats, error) {
	var total replayStats
	if r.kafka.offsets == nil || r.kafka.consumer == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if r.cfg.execute && r.kafka.producer == nil {
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := r.kafka.offsets.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("list partitions of %s: %w", r.cfg.sourceTopic, err)
	}
	slices.Sort(partitions)

	for _, p := range partitions {
		budget := r.cfg.limit - total.scanned
		if budget <= 0 {
			break
		}
		stats, err := r.drain(ctx, p, budget)
		total.merge(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// window возвращает [from, to) для чтения партиции.
func (r *replayer) window(partition int32, budget int) (from, to int64, err error) {
	from, err = r.kafka.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	to, err = r.kafka.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if r.cfg.fromNewest {
		from = max(from, to-int64(budget))
	}
	return from, to, nil
}

func (r *replayer) drain(ctx context.Context, partition int32, budget int) (replayStats, error) {
	var stats replayStats
	from, to, err := r.window(partition, budget)
	if err != nil || from >= to {
		return stats, err
	}

	pc, err := r.kafka.consumer.ConsumePartition(r.cfg.sourceTopic, partition, from)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for stats.scanned < budget {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case cerr := <-pc.Errors():
			if cerr != nil {
				return stats, fmt.Errorf("partition %d: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= to {
				return stats, nil
			}
			idle.Reset(r.cfg.idleTimeout)

			stats.scanned++
			replayed, err := r.handle(msg)
			if err != nil {
				return stats, err
			}
			if replayed {
				stats.replayed++
			} else {
				stats.skipped++
			}
			if msg.Offset+1 >= to {
				return stats, nil
			}
		}
	}
	return stats, nil
}

// handle возвращает false для сообщений без исходного события. Ошибка только при сбое публикации.
func (r *replayer) handle(msg *sarama.ConsumerMessage) (bool, error) {
	entry := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	replay, ok, err := decodeDeadLetter(msg.Value, r.cfg.targetTopic, r.now())
	switch {
	case err != nil:
		entry.WithError(err).Warn("skip unsupported dead letter")
		return false, nil
	case !ok:
		return false, nil
	case !r.cfg.execute:
		entry.WithFields(log.Fields{"target_topic": replay.topic, "key": replay.key}).Info("dead letter would be replayed")
		return true, nil
	}

	if _, _, err := r.kafka.producer.SendMessage(replay.producerMessage(r.now())); err != nil {
		return false, fmt.Errorf("replay offset %d of partition %d: %w", msg.Offset, msg.Partition, err)
	}
	return true, nil
}

type replayMessage struct {
	topic     string
	key       string
	value     []byte
	eventType string
}

func (m replayMessage) producerMessage(now time.Time) *sarama.ProducerMessage {
	pm := &sarama.ProducerMessage{
		Topic:     m.topic,
		Key:       sarama.StringEncoder(m.key),
		Value:     sarama.ByteEncoder(m.value),
		Timestamp: now.UTC(),
	}
	if m.eventType != "" {
		pm.Headers = []sarama.RecordHeader{{Key: []byte(kafka.HeaderEventType), Value: []byte(m.eventType)}}
	}
	return pm
}

// decodeDeadLetter понимает оба формата DLQ: запись consumer-а с исходным сообщением
// и конверт outbox worker-а с outbox.DeadLetter внутри. ok=false — исходного события нет.
func decodeDeadLetter(value []byte, targetTopic string, now time.Time) (replayMessage, bool, error) {
	var consumed kafka.DeadLetter
	if err := json.Unmarshal(value, &consumed); err == nil && consumed.OriginalValue != "" {
		return replayMessage{
			topic: cmp.Or(strings.TrimSpace(consumed.OriginalTopic), targetTopic),
			key:   consumed.OriginalKey,
			value: []byte(consumed.OriginalValue),
		}, true, nil
	}

	envelope, err := kafka.ParseInvoiceEvent(value)
	if err != nil || len(envelope.Payload) == 0 {
		return replayMessage{}, false, nil
	}

	var letter outbox.DeadLetter
	if err := json.Unmarshal(envelope.Payload, &letter); err != nil {
		return replayMessage{}, false, fmt.Errorf("decode outbox dead letter: %w", err)
	}
	if len(letter.Payload) == 0 {
		return replayMessage{}, false, errors.New("outbox dead letter does not contain original event payload")
	}

	original := letter.Original()
	original.ID = cmp.Or(original.ID, envelope.ID)
	original.AggregateType = cmp.Or(original.AggregateType, envelope.AggregateType)
	original.AggregateID = cmp.Or(original.AggregateID, envelope.InvoiceNumber)
	original.EventType = cmp.Or(original.EventType, envelope.EventType)

	encoded, err := json.Marshal(kafka.NewInvoiceEvent(original, now))
	if err != nil {
		return replayMessage{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}
	return replayMessage{
		topic:     targetTopic,
		key:       cmp.Or(original.AggregateID, original.ID),
		value:     encoded,
		eventType: original.EventType,
	}, true, nil
}
