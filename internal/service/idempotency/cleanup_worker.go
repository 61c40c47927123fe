package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
	"github.com/vladislavdragonenkov/invoicing/internal/metrics"
)

// CleanupWorker удаляет ключи выпуска, у которых истёк срок хранения ответа.
// Ключ в статусе processing с истёкшим сроком тоже удаляется: номер под ним
// либо так и не был выдан, либо уже лежит в журнале счетов.
type CleanupWorker struct {
	repo      domain.IdempotencyRepository
	logger    *log.Entry
	metrics   *metrics.CleanupMetrics
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) { w.logger = logger }
}

func WithMetrics(m *metrics.CleanupMetrics) CleanupOption {
	return func(w *CleanupWorker) { w.metrics = m }
}

// WithInterval задаёт паузу между проходами; значения <= 0 игнорируются.
func WithInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithBatchSize ограничивает число ключей, удаляемых одним запросом.
func WithBatchSize(n int) CleanupOption {
	return func(w *CleanupWorker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithCleanupClock(now func() time.Time) CleanupOption {
	return func(w *CleanupWorker) {
		if now != nil {
			w.now = now
		}
	}
}

func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		repo:      repo,
		interval:  10 * time.Minute,
		batchSize: 500,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, apply := range options {
		apply(w)
	}
	if w.logger == nil {
		w.logger = log.WithField("component", "idempotency-cleanup")
	}
	return w
}

// Run делает проход сразу и затем каждые interval, пока ctx не отменён.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup disabled: no repository")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.pass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) pass(ctx context.Context) {
	deleted, err := w.DeleteExpired(ctx, w.now())
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		w.logger.WithError(err).WithField("deleted", deleted).Warn("idempotency cleanup pass failed")
	case deleted > 0:
		w.logger.WithField("deleted", deleted).Info("expired idempotency keys removed")
	}
	w.metrics.RecordRun(err == nil, deleted)
}

// DeleteExpired удаляет ключи с expires_at <= before, пока очередной батч не окажется неполным.
// Нулевой before заменяется текущим временем.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now()
	}

	var total int
	for ctx.Err() == nil {
		n, err := w.repo.DeleteExpired(ctx, before, w.batchSize)
		total += n
		w.metrics.RecordDeleted(n)
		if err != nil || n < w.batchSize {
			return total, err
		}
	}
	return total, ctx.Err()
}
