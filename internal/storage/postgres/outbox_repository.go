package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

const outboxTable = "outbox_messages"

type outboxStatus string

const (
	outboxPending outboxStatus = "pending"
	outboxSent    outboxStatus = "sent"
	outboxFailed  outboxStatus = "failed"
)

type outboxRow struct {
	ID            string `db:"id"`
	AggregateType string `db:"aggregate_type"`
	AggregateID   string `db:"aggregate_id"`
	EventType     string `db:"event_type"`
	Payload       []byte `db:"payload"`
}

type backlogRow struct {
	Pending int          `db:"pending"`
	Oldest  sql.NullTime `db:"oldest"`
}

type outboxRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewOutboxRepository работает поверх таблицы outbox_messages.
func NewOutboxRepository(store *Store) *outboxRepository {
	return &outboxRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *outboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := r.now()

	query, args, err := builder().
		Insert(outboxTable).
		SetMap(map[string]any{
			"id":             msg.ID,
			"aggregate_type": msg.AggregateType,
			"aggregate_id":   msg.AggregateID,
			"event_type":     msg.EventType,
			"payload":        msg.Payload,
			"status":         string(outboxPending),
			"created_at":     now,
			"updated_at":     now,
		}).
		ToSql()
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("build outbox insert: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return domain.OutboxMessage{}, fmt.Errorf("outbox message %s already queued: %w", msg.ID, domain.ErrOutboxPublish)
		}
		return domain.OutboxMessage{}, fmt.Errorf("insert outbox message: %w", err)
	}
	return msg, nil
}

func (r *outboxRepository) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	query, args, err := builder().
		Select("id", "aggregate_type", "aggregate_id", "event_type", "payload").
		From(outboxTable).
		Where(squirrel.Eq{"status": string(outboxPending)}).
		OrderBy("created_at", "id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build outbox select: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var rows []outboxRow
	if err := sqlscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select pending outbox messages: %w", err)
	}

	out := make([]domain.OutboxMessage, len(rows))
	for i, row := range rows {
		out[i] = domain.OutboxMessage(row)
	}
	return out, nil
}

func (r *outboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	query, args, err := builder().
		Select("COUNT(*) AS pending", "MIN(created_at) AS oldest").
		From(outboxTable).
		Where(squirrel.Eq{"status": string(outboxPending)}).
		ToSql()
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("build outbox stats: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var row backlogRow
	if err := sqlscan.Get(ctx, r.db, &row, query, args...); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("query outbox backlog: %w", err)
	}

	stats := domain.OutboxStats{PendingCount: row.Pending}
	if row.Oldest.Valid {
		stats.OldestPendingAt = row.Oldest.Time.UTC()
	}
	return stats, nil
}

func (r *outboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.settle(ctx, id, outboxSent)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id string) error {
	return r.settle(ctx, id, outboxFailed)
}

func (r *outboxRepository) settle(ctx context.Context, id string, status outboxStatus) error {
	query, args, err := builder().
		Update(outboxTable).
		Set("status", string(status)).
		Set("attempt_count", squirrel.Expr("attempt_count + 1")).
		Set("updated_at", r.now()).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build outbox update: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark outbox message %s: %w", status, err)
	}
	return requireAffected(res, domain.ErrOutboxPublish)
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
