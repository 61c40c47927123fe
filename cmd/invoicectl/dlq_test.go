package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
	"github.com/vladislavdragonenkov/invoicing/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/invoicing/internal/service/outbox"
)

const (
	testDLQTopic    = "invoicing.dlq"
	testEventsTopic = "invoicing.invoice.events"
	consumerDLQJSON = `{"original_topic":"invoicing.invoice.events","original_key":"7","original_value":"{\"id\":\"evt-1\"}"}`
)

func quietReplayLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}

func testReplayConfig() replayConfig {
	return replayConfig{
		sourceTopic: testDLQTopic,
		targetTopic: testEventsTopic,
		limit:       10,
		idleTimeout: 20 * time.Millisecond,
	}
}

// outboxDLQMessage собирает сообщение так, как его пишет outbox worker.
func outboxDLQMessage(t *testing.T) []byte {
	t.Helper()

	dlqPayload, err := json.Marshal(outbox.DeadLetter{
		OutboxID:      "evt-9",
		AggregateType: domain.AggregateInvoice,
		AggregateID:   "9",
		EventType:     domain.EventInvoiceIssued,
		Payload:       json.RawMessage(`{"invoiceNumber":9}`),
		PublishError:  "broker down",
		Attempts:      3,
		FailedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	envelope := kafka.NewInvoiceEvent(domain.OutboxMessage{
		ID:            "evt-9",
		AggregateType: domain.AggregateInvoice,
		AggregateID:   "9",
		EventType:     domain.EventInvoiceIssued,
		Payload:       dlqPayload,
	}, time.Now())
	raw, err := json.Marshal(envelope)
	require.NoError(t, err)
	return raw
}

func TestReplayConfig_Validate(t *testing.T) {
	valid := testReplayConfig()
	valid.brokers = []string{"broker:9092"}
	require.NoError(t, valid.validate())

	cases := map[string]func(*replayConfig){
		"brokers":      func(c *replayConfig) { c.brokers = nil },
		"source":       func(c *replayConfig) { c.sourceTopic = " " },
		"target":       func(c *replayConfig) { c.targetTopic = "" },
		"limit":        func(c *replayConfig) { c.limit = 0 },
		"idle-timeout": func(c *replayConfig) { c.idleTimeout = 0 },
	}
	for name, mutate := range cases {
		cfg := valid
		mutate(&cfg)
		require.Error(t, cfg.validate(), name)
	}
}

func TestSplitBrokers(t *testing.T) {
	require.Equal(t, []string{"a:9092", "b:9092", "c:9092"}, splitBrokers([]string{" a:9092, b:9092 ", "", "c:9092,"}))
	require.Empty(t, splitBrokers(nil))
}

func TestDecodeDeadLetter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("consumer record goes back to its original topic", func(t *testing.T) {
		got, ok, err := decodeDeadLetter([]byte(consumerDLQJSON), "fallback", now)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, testEventsTopic, got.topic)
		require.Equal(t, "7", got.key)
		require.JSONEq(t, `{"id":"evt-1"}`, string(got.value))
	})

	t.Run("outbox dead letter is re-enveloped", func(t *testing.T) {
		got, ok, err := decodeDeadLetter(outboxDLQMessage(t), testEventsTopic, now)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, testEventsTopic, got.topic)
		require.Equal(t, "9", got.key)
		require.Equal(t, domain.EventInvoiceIssued, got.eventType)

		event, err := kafka.ParseInvoiceEvent(got.value)
		require.NoError(t, err)
		require.Equal(t, "evt-9", event.ID)
		require.Equal(t, "9", event.InvoiceNumber)
		require.True(t, now.Equal(event.PublishedAt))
		require.JSONEq(t, `{"invoiceNumber":9}`, string(event.Payload))
	})

	t.Run("outbox dead letter without original payload", func(t *testing.T) {
		raw := []byte(`{"id":"evt-1","event_type":"InvoiceIssued","invoice_number":"1","payload":{"outbox_id":"evt-1"}}`)
		_, ok, err := decodeDeadLetter(raw, testEventsTopic, now)
		require.Error(t, err)
		require.False(t, ok)
	})

	t.Run("unknown bytes", func(t *testing.T) {
		_, ok, err := decodeDeadLetter([]byte(`not-json`), testEventsTopic, now)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestReplayMessage_ProducerMessage(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("EET", 2*3600))

	pm := replayMessage{topic: "topic", key: "key", value: []byte(`{"x":1}`), eventType: domain.EventInvoiceDeleted}.producerMessage(now)
	require.Equal(t, "topic", pm.Topic)
	require.Equal(t, time.UTC, pm.Timestamp.Location())
	require.Len(t, pm.Headers, 1)
	require.Equal(t, kafka.HeaderEventType, string(pm.Headers[0].Key))

	require.Empty(t, replayMessage{topic: "topic"}.producerMessage(now).Headers)
}

func newTestReplayer(cfg replayConfig, k replayKafka) *replayer {
	return &replayer{cfg: cfg, kafka: k, logger: quietReplayLogger(), now: time.Now}
}

func singlePartition(newest int64, pc partitionConsumer) (*stubOffsetClient, *stubPartitionConsumerSource) {
	return &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: newest}}},
		&stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: pc}}
}

func TestReplayer_DrainDryRun(t *testing.T) {
	offsets, consumer := singlePartition(2, closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 0, Offset: 0, Value: []byte(consumerDLQJSON)}}))

	stats, err := newTestReplayer(testReplayConfig(), replayKafka{offsets: offsets, consumer: consumer}).drain(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Equal(t, replayStats{scanned: 1, replayed: 1}, stats)
	require.Equal(t, []consumeCall{{partition: 0, offset: 0}}, consumer.calls)
}

func TestReplayer_DrainExecuteFromNewest(t *testing.T) {
	offsets, consumer := singlePartition(5, closedPartitionConsumer([]*sarama.ConsumerMessage{
		{Partition: 0, Offset: 3, Value: outboxDLQMessage(t)},
		{Partition: 0, Offset: 4, Value: []byte(`garbage`)},
	}))
	producer := &stubReplayProducer{}

	cfg := testReplayConfig()
	cfg.execute = true
	cfg.fromNewest = true

	stats, err := newTestReplayer(cfg, replayKafka{offsets: offsets, consumer: consumer, producer: producer}).drain(context.Background(), 0, 2)
	require.NoError(t, err)
	require.Equal(t, replayStats{scanned: 2, replayed: 1, skipped: 1}, stats)
	require.Equal(t, int64(3), consumer.calls[0].offset)
	require.Equal(t, 1, producer.calls)
}

func TestReplayer_DrainFailures(t *testing.T) {
	cfg := testReplayConfig()
	cfg.execute = true
	producer := &stubReplayProducer{}

	t.Run("offset lookup", func(t *testing.T) {
		offsets := &stubOffsetClient{offsetErr: map[int32]error{0: errors.New("offset")}}
		_, err := newTestReplayer(cfg, replayKafka{offsets: offsets, consumer: &stubPartitionConsumerSource{}, producer: producer}).drain(context.Background(), 0, 1)
		require.ErrorContains(t, err, "oldest offset of partition 0")
	})

	t.Run("consume partition", func(t *testing.T) {
		offsets, _ := singlePartition(2, nil)
		k := replayKafka{offsets: offsets, consumer: &stubPartitionConsumerSource{consumeErr: errors.New("consume")}, producer: producer}
		_, err := newTestReplayer(cfg, k).drain(context.Background(), 0, 1)
		require.ErrorContains(t, err, "consume partition 0")
	})

	t.Run("consumer error", func(t *testing.T) {
		pc := &stubPartitionConsumer{messages: make(chan *sarama.ConsumerMessage), errors: make(chan *sarama.ConsumerError, 1)}
		pc.errors <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
		offsets, consumer := singlePartition(2, pc)
		_, err := newTestReplayer(cfg, replayKafka{offsets: offsets, consumer: consumer, producer: producer}).drain(context.Background(), 0, 1)
		require.ErrorContains(t, err, "consumer boom")
	})

	t.Run("undecodable outbox payload is skipped", func(t *testing.T) {
		offsets, consumer := singlePartition(2, closedPartitionConsumer([]*sarama.ConsumerMessage{{
			Value: []byte(`{"id":"x","event_type":"InvoiceIssued","payload":"not-an-object"}`),
		}}))
		stats, err := newTestReplayer(cfg, replayKafka{offsets: offsets, consumer: consumer, producer: producer}).drain(context.Background(), 0, 1)
		require.NoError(t, err)
		require.Equal(t, 1, stats.skipped)
	})

	t.Run("publish", func(t *testing.T) {
		offsets, consumer := singlePartition(2, closedPartitionConsumer([]*sarama.ConsumerMessage{{Value: []byte(consumerDLQJSON)}}))
		failing := &stubReplayProducer{sendErr: errors.New("send fail")}
		_, err := newTestReplayer(cfg, replayKafka{offsets: offsets, consumer: consumer, producer: failing}).drain(context.Background(), 0, 1)
		require.ErrorContains(t, err, "send fail")
	})
}

func TestReplayer_DrainStopsWhenIdleOrCancelled(t *testing.T) {
	cfg := testReplayConfig()
	cfg.idleTimeout = 10 * time.Millisecond
	silent := func() *stubPartitionConsumer {
		return &stubPartitionConsumer{messages: make(chan *sarama.ConsumerMessage), errors: make(chan *sarama.ConsumerError)}
	}

	offsets, consumer := singlePartition(2, silent())
	stats, err := newTestReplayer(cfg, replayKafka{offsets: offsets, consumer: consumer}).drain(context.Background(), 0, 1)
	require.NoError(t, err)
	require.Zero(t, stats.scanned)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	offsets, consumer = singlePartition(2, silent())
	_, err = newTestReplayer(cfg, replayKafka{offsets: offsets, consumer: consumer}).drain(ctx, 0, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestReplayer_RunSpendsLimitAcrossPartitions(t *testing.T) {
	cfg := testReplayConfig()
	cfg.limit = 1

	_, err := newTestReplayer(cfg, replayKafka{}).run(context.Background())
	require.Error(t, err)

	offsets := &stubOffsetClient{
		partitions: []int32{2, 0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 2},
			2: {oldest: 0, newest: 2},
		},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 0, Offset: 0, Value: []byte(consumerDLQJSON)}}),
			2: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 2, Offset: 0, Value: []byte(consumerDLQJSON)}}),
		},
	}

	stats, err := newTestReplayer(cfg, replayKafka{offsets: offsets, consumer: consumer}).run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.replayed)
	require.Equal(t, []consumeCall{{partition: 0, offset: 0}}, consumer.calls)

	cfg.execute = true
	_, err = newTestReplayer(cfg, replayKafka{offsets: offsets, consumer: consumer}).run(context.Background())
	require.ErrorContains(t, err, "producer is required")

	cfg.execute = false
	stats, err = newTestReplayer(cfg, replayKafka{offsets: &stubOffsetClient{}, consumer: consumer}).run(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.scanned)
}

func TestReplayKafka_CloseSkipsMissing(t *testing.T) {
	offsets := &stubOffsetClient{}
	require.NoError(t, replayKafka{offsets: offsets}.Close())
	require.True(t, offsets.closed)
}

func TestDLQReplayCommand(t *testing.T) {
	orig := dialReplayKafka
	t.Cleanup(func() { dialReplayKafka = orig })

	dialReplayKafka = func(replayConfig) (replayKafka, error) {
		return replayKafka{}, errors.New("dial failed")
	}
	_, err := run(t, "dlq-replay", "--brokers", "broker:9092")
	require.ErrorContains(t, err, "dial failed")

	offsets, consumer := singlePartition(2, closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 0, Offset: 0, Value: []byte(consumerDLQJSON)}}))
	producer := &stubReplayProducer{}
	dialReplayKafka = func(cfg replayConfig) (replayKafka, error) {
		if !cfg.execute || cfg.limit != 1 {
			return replayKafka{}, fmt.Errorf("unexpected config %+v", cfg)
		}
		return replayKafka{offsets: offsets, consumer: consumer, producer: producer}, nil
	}

	var out bytes.Buffer
	err = newApp(&out).Run([]string{"invoicectl", "dlq-replay", "--brokers", "broker:9092", "--limit", "1", "--execute", "--idle-timeout", "50ms"})
	require.NoError(t, err)
	require.Equal(t, "execute: scanned=1 replayed=1 skipped=0\n", out.String())
	require.True(t, offsets.closed && consumer.closed && producer.closed, "all kafka connections closed")

	_, err = run(t, "dlq-replay")
	require.ErrorContains(t, err, "kafka brokers are required")
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
	offsetErr     map[int32]error
	closed        bool
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := s.offsetErr[partition]; ok {
		return 0, err
	}

	r := s.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	return append([]int32(nil), s.partitions...), nil
}

func (s *stubOffsetClient) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionConsumerSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (s *stubPartitionConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (s *stubPartitionConsumerSource) Close() error {
	s.closed = true
	return nil
}

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error                             { return nil }

func closedPartitionConsumer(messages []*sarama.ConsumerMessage) *stubPartitionConsumer {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	return &stubPartitionConsumer{messages: msgCh, errors: make(chan *sarama.ConsumerError)}
}

type stubReplayProducer struct {
	sendErr error
	calls   int
	closed  bool
	lastMsg *sarama.ProducerMessage
}

func (s *stubReplayProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	s.calls++
	s.lastMsg = msg
	if s.sendErr != nil {
		return 0, 0, s.sendErr
	}
	return 0, int64(s.calls), nil
}

func (s *stubReplayProducer) Close() error {
	s.closed = true
	return nil
}
