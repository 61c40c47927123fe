package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

// sequenceName — ключ строки счётчика в invoice_sequence.
const sequenceName = "invoice"

type sequenceStore struct {
	db *sql.DB
}

// NewSequenceStore создаёт PostgreSQL-реализацию SequenceStore.
// Сериализацию выдачи номеров обеспечивает строчная блокировка UPSERT.
func NewSequenceStore(store *Store) *sequenceStore {
	return &sequenceStore{db: store.DB()}
}

func (r *sequenceStore) ReserveNext(ctx context.Context) (domain.InvoiceNumber, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var next int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO invoice_sequence (name, last_value, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (name) DO UPDATE
		SET last_value = invoice_sequence.last_value + 1,
		    updated_at = NOW()
		WHERE invoice_sequence.last_value < $2
		RETURNING last_value
	`, sequenceName, int64(math.MaxInt64)).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrSequenceExhausted
	}
	if err != nil {
		return 0, &domain.StorageError{Op: "reserve invoice number", Err: err}
	}
	return domain.InvoiceNumber(next), nil
}

func (r *sequenceStore) PeekNext(ctx context.Context) (domain.InvoiceNumber, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var last int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT last_value FROM invoice_sequence WHERE name = $1), 0)
	`, sequenceName).Scan(&last)
	if err != nil {
		return 0, &domain.StorageError{Op: "peek invoice number", Err: err}
	}
	return domain.InvoiceNumber(last + 1), nil
}

func (r *sequenceStore) Release(ctx context.Context, n domain.InvoiceNumber) (bool, error) {
	if !n.Valid() {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// Откат только если n всё ещё последний выданный номер.
	res, err := r.db.ExecContext(ctx, `
		UPDATE invoice_sequence
		SET last_value = last_value - 1,
		    updated_at = NOW()
		WHERE name = $1 AND last_value = $2
	`, sequenceName, int64(n))
	if err != nil {
		return false, &domain.StorageError{Op: "release invoice number", Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected for sequence release: %w", err)
	}
	return affected == 1, nil
}

func (r *sequenceStore) AdvanceTo(ctx context.Context, last domain.InvoiceNumber) error {
	if last < 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO invoice_sequence (name, last_value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE
		SET last_value = GREATEST(invoice_sequence.last_value, EXCLUDED.last_value),
		    updated_at = NOW()
	`, sequenceName, int64(last))
	if err != nil {
		return &domain.StorageError{Op: "advance invoice sequence", Err: err}
	}
	return nil
}

var _ domain.SequenceStore = (*sequenceStore)(nil)
