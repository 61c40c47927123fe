package memory

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

const defaultPullLimit = 100

type queued struct {
	msg      domain.OutboxMessage
	settled  bool
	queuedAt time.Time
}

// OutboxRepository держит события в порядке постановки.
// Отправленные и проваленные события удаляются, их id можно использовать снова.
type OutboxRepository struct {
	mu    sync.RWMutex
	queue []*queued
	byID  map[string]*queued
	// settled — число помеченных, но ещё не вычищенных элементов queue.
	settled int
	now     func() time.Time
}

// NewOutboxRepository создаёт пустую очередь.
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		byID: make(map[string]*queued),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byID[msg.ID]; dup {
		return domain.OutboxMessage{}, domain.ErrOutboxPublish
	}
	item := &queued{msg: msg, queuedAt: r.now()}
	r.queue = append(r.queue, item)
	r.byID[msg.ID] = item
	return msg, nil
}

func (r *OutboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultPullLimit
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.OutboxMessage
	for item := range r.pending() {
		if len(out) == limit {
			break
		}
		out = append(out, item.msg)
	}
	return out, nil
}

func (r *OutboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for item := range r.pending() {
		if stats.PendingCount == 0 {
			stats.OldestPendingAt = item.queuedAt
		}
		stats.PendingCount++
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.settle(id)
}

func (r *OutboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.settle(id)
}

// AllPending нужен тестам, которые проверяют записанные события.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.OutboxMessage
	for item := range r.pending() {
		out = append(out, item.msg)
	}
	return out
}

// settle снимает событие с очереди. Повторная отметка того же id возвращает ErrOutboxPublish.
func (r *OutboxRepository) settle(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.byID[id]
	if !ok {
		return domain.ErrOutboxPublish
	}
	item.settled = true
	delete(r.byID, id)
	r.settled++

	// Срез чистится, когда снятых не меньше половины.
	if r.settled*2 >= len(r.queue) {
		r.queue = slices.DeleteFunc(r.queue, func(q *queued) bool { return q.settled })
		r.settled = 0
	}
	return nil
}

// pending вызывается под блокировкой.
func (r *OutboxRepository) pending() iter.Seq[*queued] {
	return func(yield func(*queued) bool) {
		for _, item := range r.queue {
			if !item.settled && !yield(item) {
				return
			}
		}
	}
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
