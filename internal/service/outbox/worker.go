package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
	"github.com/vladislavdragonenkov/invoicing/internal/metrics"
)

// DeadLetter — тело события, которое не удалось опубликовать за все попытки.
// Уходит в DLQ как payload конверта с исходным event_type.
type DeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
	Attempts      int             `json:"attempts"`
	FailedAt      time.Time       `json:"failed_at"`
}

// Original восстанавливает исходное outbox-сообщение.
func (d DeadLetter) Original() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            d.OutboxID,
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		EventType:     d.EventType,
		Payload:       d.Payload,
	}
}

// Option настраивает Worker.
type Option func(*Worker)

func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) { w.logger = logger }
}

func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithDLQPublisher включает отправку в DLQ после последней неудачной попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

// WithBatchSize задаёт размер батча из outbox.
func WithBatchSize(batchSize int) Option {
	return func(w *Worker) {
		if batchSize > 0 {
			w.batchSize = batchSize
		}
	}
}

func WithMaxAttempts(attempts int) Option {
	return func(w *Worker) {
		if attempts > 0 {
			w.maxAttempts = attempts
		}
	}
}

// WithRetryBaseDelay задаёт паузу перед второй попыткой; дальше она удваивается.
// Ноль отключает паузы.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) { w.retryBaseDelay = max(delay, 0) }
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// Worker доставляет события о счетах из outbox в брокер.
// Событие помечается sent только после подтверждения брокера,
// поэтому после рестарта возможна повторная доставка, но не потеря.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	logger    *log.Entry
	metrics   *metrics.OutboxMetrics

	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	now            func() time.Time
}

func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		pollInterval:   time.Second,
		batchSize:      100,
		maxAttempts:    3,
		retryBaseDelay: 50 * time.Millisecond,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, apply := range options {
		apply(w)
	}
	if w.logger == nil {
		w.logger = log.WithField("component", "outbox-worker")
	}
	return w
}

// Run опрашивает outbox каждые pollInterval, пока ctx не отменён.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker disabled: no repository or publisher")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce забирает один батч pending-событий и возвращает число доставленных.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	w.refreshBacklog(ctx)

	batch, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("pull pending outbox messages")
		return 0
	}

	delivered := 0
	for _, event := range batch {
		ok, stop := w.deliver(ctx, event)
		if stop {
			break
		}
		if ok {
			delivered++
		}
	}

	if len(batch) > 0 {
		w.refreshBacklog(ctx)
	}
	return delivered
}

// deliver публикует одно событие. stop=true означает отмену ctx:
// событие остаётся pending до следующего запуска.
func (w *Worker) deliver(ctx context.Context, event domain.OutboxMessage) (ok, stop bool) {
	entry := w.logger.WithFields(log.Fields{
		"outbox_id":      event.ID,
		"event_type":     event.EventType,
		"invoice_number": event.AggregateID,
	})

	publishErr := w.publishWithRetry(ctx, event)
	if publishErr == nil {
		if err := w.detached(ctx, func(c context.Context) error { return w.repo.MarkSent(c, event.ID) }); err != nil {
			entry.WithError(err).Warn("mark outbox message sent")
		}
		return true, false
	}
	if ctx.Err() != nil {
		return false, true
	}

	entry.WithError(publishErr).Error("outbox message undeliverable")
	w.metrics.RecordPublish(metrics.PublishFailed)
	if err := w.deadLetter(ctx, event, publishErr); err != nil {
		entry.WithError(err).Warn("dead-letter outbox message")
		w.metrics.RecordPublish(metrics.PublishDLQFailed)
	}
	if err := w.detached(ctx, func(c context.Context) error { return w.repo.MarkFailed(c, event.ID) }); err != nil {
		entry.WithError(err).Warn("mark outbox message failed")
	}
	return false, false
}

// detached выполняет запись статуса даже после отмены ctx.
func (w *Worker) detached(ctx context.Context, fn func(context.Context) error) error {
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return fn(c)
}

func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = w.publisher.Publish(ctx, event); err == nil {
			w.metrics.RecordPublish(metrics.PublishSent)
			return nil
		}
		w.metrics.RecordPublish(metrics.PublishRetryError)
		if attempt == w.maxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, attempt, err)
		}
		if err := sleepCtx(ctx, w.retryBackoff(attempt)); err != nil {
			return err
		}
	}
}

// retryBackoff — пауза после attempt-й неудачи: base * 2^(attempt-1), без переполнения.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	delay := w.retryBaseDelay
	for ; attempt > 1 && delay > 0; attempt-- {
		if delay >= time.Duration(1<<62) {
			return time.Duration(1<<63 - 1)
		}
		delay <<= 1
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("collect outbox backlog stats")
		return
	}

	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = w.now().Sub(stats.OldestPendingAt)
	}
	w.metrics.SetBacklog(stats.PendingCount, age)
}

func (w *Worker) deadLetter(ctx context.Context, event domain.OutboxMessage, publishErr error) error {
	if w.dlq == nil {
		return nil
	}

	body, err := json.Marshal(DeadLetter{
		OutboxID:      event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		PublishError:  publishErr.Error(),
		Attempts:      w.maxAttempts,
		FailedAt:      w.now(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	letter := event
	letter.Payload = body
	return w.dlq.Publish(ctx, letter)
}
