package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGroup struct {
	consume func(ctx context.Context) error
	errs    chan error
	closeFn func() error
	once    sync.Once
}

func newFakeGroup() *fakeGroup { return &fakeGroup{errs: make(chan error, 4)} }

func (g *fakeGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	if g.consume != nil {
		return g.consume(ctx)
	}
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.once.Do(func() { close(g.errs) })
	if g.closeFn != nil {
		return g.closeFn()
	}
	return nil
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func claimOf(messages ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(messages))
	for _, m := range messages {
		ch <- m
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func issuedMessage(offset int64, number string) *sarama.ConsumerMessage {
	value := `{"id":"evt-` + number + `","aggregate_type":"invoice","invoice_number":"` + number +
		`","event_type":"InvoiceIssued","payload":{"invoiceNumber":` + number + `}}`
	return &sarama.ConsumerMessage{
		Topic:  TopicInvoiceEvents,
		Offset: offset,
		Key:    []byte(number),
		Value:  []byte(value),
	}
}

func withAttempts(msg *sarama.ConsumerMessage, attempts string) *sarama.ConsumerMessage {
	msg.Headers = append(msg.Headers, &sarama.RecordHeader{Key: []byte(HeaderRetryCount), Value: []byte(attempts)})
	return msg
}

func testConsumer(handler MessageHandler, dlq *Producer) *Consumer {
	c := newConsumer(newFakeGroup(), []string{TopicInvoiceEvents}, handler, dlq, log.WithField("test", "consumer"))
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func failing(err error, calls *int32) MessageHandler {
	return func(context.Context, *sarama.ConsumerMessage) error {
		atomic.AddInt32(calls, 1)
		return err
	}
}

func TestNewConsumer_UnreachableBrokers(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{
		Brokers: []string{"invalid-broker:9092"},
		GroupID: "invoicing-test",
		Topics:  []string{TopicInvoiceEvents},
	}, InvoiceEventHandler(func(context.Context, InvoiceEvent) error { return nil }), nil)
	require.Error(t, err)
}

func TestConsumer_StartStop(t *testing.T) {
	var consumed int32
	group := newFakeGroup()
	ctx, cancel := context.WithCancel(context.Background())
	group.consume = func(context.Context) error {
		atomic.AddInt32(&consumed, 1)
		cancel()
		return errors.New("rebalance")
	}
	group.errs <- errors.New("broker gone")

	c := newConsumer(group, []string{TopicInvoiceEvents}, nil, nil, log.WithField("test", "start"))
	require.NoError(t, c.Start(ctx))
	<-ctx.Done()
	require.NoError(t, c.Stop())
	assert.EqualValues(t, 1, atomic.LoadInt32(&consumed))
}

func TestConsumer_StopPropagatesCloseError(t *testing.T) {
	group := newFakeGroup()
	group.closeFn = func() error { return sarama.ErrClosedConsumerGroup }
	c := newConsumer(group, nil, nil, nil, log.WithField("test", "stop"))

	err := c.Stop()
	require.ErrorIs(t, err, sarama.ErrClosedConsumerGroup)
}

func TestConsumeClaim_MarksHandledEvents(t *testing.T) {
	var numbers []string
	c := testConsumer(InvoiceEventHandler(func(_ context.Context, e InvoiceEvent) error {
		numbers = append(numbers, e.InvoiceNumber)
		return nil
	}), nil)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(session, claimOf(issuedMessage(10, "1"), issuedMessage(11, "2"))))

	assert.Equal(t, []string{"1", "2"}, numbers)
	assert.Equal(t, []int64{10, 11}, session.marked)
}

func TestConsumeClaim_LeavesFailedEventUnmarked(t *testing.T) {
	var calls int32
	c := testConsumer(failing(errors.New("ledger unavailable"), &calls), nil)
	c.maxRetries = 2

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(session, claimOf(issuedMessage(5, "3"))))

	assert.Empty(t, session.marked)
	assert.EqualValues(t, 2, calls)
}

func TestConsumeClaim_StopsWithSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error { return nil }, nil)
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan error, 1)
	go func() { done <- c.ConsumeClaim(&fakeSession{ctx: ctx}, claim) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim kept running after the session ended")
	}
}

func TestConsumer_ProcessRetries(t *testing.T) {
	tests := []struct {
		name       string
		attempts   string
		maxRetries int
		wantCalls  int32
	}{
		{name: "fresh message", maxRetries: 3, wantCalls: 3},
		{name: "redelivered once", attempts: "1", maxRetries: 3, wantCalls: 2},
		{name: "garbage header", attempts: "many", maxRetries: 2, wantCalls: 2},
		{name: "already exhausted", attempts: "5", maxRetries: 3, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			c := testConsumer(failing(errors.New("temporary"), &calls), nil)
			c.maxRetries = tt.maxRetries
			c.retryDelay = time.Millisecond

			msg := issuedMessage(1, "4")
			if tt.attempts != "" {
				msg = withAttempts(msg, tt.attempts)
			}
			require.EqualError(t, c.process(context.Background(), msg), "temporary")
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestConsumer_ProcessSucceedsAfterRetry(t *testing.T) {
	var calls int32
	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("first delivery fails")
		}
		return nil
	}, nil)

	require.NoError(t, c.process(context.Background(), issuedMessage(1, "6")))
	assert.EqualValues(t, 2, calls)
}

func TestConsumer_ProcessStopsWaitingOnCancel(t *testing.T) {
	var calls int32
	c := testConsumer(failing(errors.New("temporary"), &calls), nil)
	c.retryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, c.process(ctx, issuedMessage(1, "8")))
	assert.EqualValues(t, 1, calls)
}

func TestConsumer_DeadLettersExhaustedEvent(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	var published *sarama.ProducerMessage
	mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		published = msg
		return nil
	})

	var calls int32
	c := testConsumer(failing(errors.New("ledger unavailable"), &calls), newProducer(mp, log.WithField("test", "dlq")))
	c.dlqTopic = "invoicing.dlq.test"

	msg := withAttempts(issuedMessage(42, "9"), "2")
	msg.Partition = 1
	require.NoError(t, c.process(context.Background(), msg))
	require.NoError(t, mp.Close())

	require.NotNil(t, published)
	assert.Equal(t, "invoicing.dlq.test", published.Topic)
	assert.EqualValues(t, 1, calls)

	value, err := published.Value.Encode()
	require.NoError(t, err)
	var letter DeadLetter
	require.NoError(t, json.Unmarshal(value, &letter))
	assert.Equal(t, DeadLetter{
		OriginalTopic:     TopicInvoiceEvents,
		OriginalPartition: 1,
		OriginalOffset:    42,
		OriginalKey:       "9",
		OriginalValue:     string(msg.Value),
		ErrorMessage:      "ledger unavailable",
		FailedAt:          "2026-03-01T12:00:00Z",
		Attempts:          3,
	}, letter)

	headers := map[string]string{}
	for _, h := range published.Headers {
		headers[string(h.Key)] = string(h.Value)
	}
	assert.Equal(t, TopicInvoiceEvents, headers[HeaderOriginalTopic])
	assert.Equal(t, "3", headers[HeaderRetryCount])
}

func TestConsumer_DeadLetterPublishFails(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	var calls int32
	c := testConsumer(failing(errors.New("permanent"), &calls), newProducer(mp, log.WithField("test", "dlq")))
	c.maxRetries = 1

	err := c.process(context.Background(), issuedMessage(1, "10"))
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, mp.Close())
}

func TestConsumer_MalformedEvent(t *testing.T) {
	garbage := &sarama.ConsumerMessage{Topic: TopicInvoiceEvents, Offset: 3, Value: []byte("{")}
	var handled int32
	handler := InvoiceEventHandler(func(context.Context, InvoiceEvent) error {
		atomic.AddInt32(&handled, 1)
		return nil
	})

	t.Run("skipped without dlq", func(t *testing.T) {
		session := &fakeSession{ctx: context.Background()}
		require.NoError(t, testConsumer(handler, nil).ConsumeClaim(session, claimOf(garbage)))
		assert.Equal(t, []int64{3}, session.marked)
	})

	t.Run("dead-lettered without retries", func(t *testing.T) {
		mp := mocks.NewSyncProducer(t, nil)
		mp.ExpectSendMessageAndSucceed()
		c := testConsumer(handler, newProducer(mp, log.WithField("test", "dlq")))

		require.NoError(t, c.process(context.Background(), garbage))
		require.NoError(t, mp.Close())
	})

	assert.Zero(t, atomic.LoadInt32(&handled))
}

func TestInvoiceEventHandler(t *testing.T) {
	var got InvoiceEvent
	handler := InvoiceEventHandler(func(_ context.Context, e InvoiceEvent) error {
		got = e
		return nil
	})

	require.NoError(t, handler(context.Background(), issuedMessage(0, "5")))
	assert.Equal(t, "InvoiceIssued", got.EventType)
	number, err := got.Number()
	require.NoError(t, err)
	assert.EqualValues(t, 5, number)

	err = handler(context.Background(), &sarama.ConsumerMessage{Value: []byte(`{"id":"evt-x"}`)})
	require.ErrorIs(t, err, ErrMalformedEvent)
}
