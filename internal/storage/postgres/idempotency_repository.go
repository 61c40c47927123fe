package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

const idempotencyTable = "idempotency_keys"

var idempotencyColumns = []string{
	"key", "request_hash", "status", "http_status", "response_body",
	"invoice_number", "expires_at", "created_at", "updated_at",
}

type idempotencyRow struct {
	Key           string        `db:"key"`
	RequestHash   string        `db:"request_hash"`
	Status        string        `db:"status"`
	HTTPStatus    sql.NullInt64 `db:"http_status"`
	ResponseBody  []byte        `db:"response_body"`
	InvoiceNumber sql.NullInt64 `db:"invoice_number"`
	ExpiresAt     time.Time     `db:"expires_at"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

func (row idempotencyRow) toDomain() (domain.IdempotencyRecord, error) {
	status := domain.IdempotencyStatus(row.Status)
	if !status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("%w: idempotency key %s has status %q", domain.ErrStorageCorrupted, row.Key, row.Status)
	}
	return domain.IdempotencyRecord{
		Key:         row.Key,
		RequestHash: row.RequestHash,
		Status:      status,
		Outcome: domain.IdempotencyOutcome{
			HTTPStatus:    int(row.HTTPStatus.Int64),
			Body:          row.ResponseBody,
			InvoiceNumber: domain.InvoiceNumber(row.InvoiceNumber.Int64),
		},
		ExpiresAt: row.ExpiresAt.UTC(),
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}, nil
}

type idempotencyRepository struct {
	db *sql.DB
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) *idempotencyRepository {
	return &idempotencyRepository{db: store.DB()}
}

// Claim вставляет ключ или перезанимает просроченный одним запросом.
// Ноль затронутых строк значит, что ключ занят живым запросом.
func (r *idempotencyRepository) Claim(ctx context.Context, key, requestHash string, expiresAt time.Time) (domain.IdempotencyRecord, error) {
	key, requestHash = strings.TrimSpace(key), strings.TrimSpace(requestHash)
	switch {
	case key == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	case requestHash == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := time.Now().UTC()
	if expiresAt.IsZero() {
		expiresAt = now.Add(domain.DefaultIdempotencyTTL)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query, args, err := builder().
		Insert(idempotencyTable).
		Columns("key", "request_hash", "status", "expires_at", "created_at", "updated_at").
		Values(key, requestHash, string(domain.IdempotencyStatusProcessing), expiresAt, now, now).
		Suffix(`ON CONFLICT (key) DO UPDATE SET
			request_hash = EXCLUDED.request_hash,
			status = EXCLUDED.status,
			http_status = NULL,
			response_body = NULL,
			invoice_number = NULL,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
		RETURNING ` + strings.Join(idempotencyColumns, ", ")).
		ToSql()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("build claim idempotency key: %w", err)
	}

	var row idempotencyRow
	err = sqlscan.Get(ctx, r.db, &row, query, args...)
	if err == nil {
		return row.toDomain()
	}
	if !sqlscan.NotFound(err) {
		return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key: %w", err)
	}

	held, err := r.Get(ctx, key)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("load held idempotency key: %w", err)
	}
	if held.RequestHash != requestHash {
		return held, domain.ErrIdempotencyHashMismatch
	}
	return held, domain.ErrIdempotencyKeyAlreadyExists
}

func (r *idempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query, args, err := builder().
		Select(idempotencyColumns...).
		From(idempotencyTable).
		Where(squirrel.Eq{"key": key}).
		ToSql()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("build select idempotency key: %w", err)
	}

	var row idempotencyRow
	if err := sqlscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency key: %w", err)
	}
	return row.toDomain()
}

func (r *idempotencyRepository) Complete(ctx context.Context, key string, outcome domain.IdempotencyOutcome) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	invoiceNumber := sql.NullInt64{Int64: int64(outcome.InvoiceNumber), Valid: outcome.InvoiceNumber.Valid()}
	query, args, err := builder().
		Update(idempotencyTable).
		SetMap(map[string]any{
			"status":         string(outcome.Status()),
			"http_status":    outcome.HTTPStatus,
			"response_body":  outcome.Body,
			"invoice_number": invoiceNumber,
			"updated_at":     time.Now().UTC(),
		}).
		Where(squirrel.Eq{"key": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build complete idempotency key: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return requireAffected(res, domain.ErrIdempotencyKeyNotFound)
}

// DeleteExpired удаляет до limit самых старых истёкших ключей; limit<=0 — все.
func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	expired := squirrel.LtOrEq{"expires_at": before}
	del := builder().Delete(idempotencyTable)
	if limit > 0 {
		oldest := builder().
			Select("key").
			From(idempotencyTable).
			Where(expired).
			OrderBy("expires_at").
			Limit(uint64(limit))
		del = del.Where(squirrel.Expr("key IN (?)", oldest))
	} else {
		del = del.Where(expired)
	}

	query, args, err := del.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete expired idempotency keys: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency rows affected: %w", err)
	}
	return int(n), nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
