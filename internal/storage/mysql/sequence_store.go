package mysql

import (
	"context"
	"errors"
	"math"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

const sequenceName = "invoice"

type sequenceStore struct {
	db *gorm.DB
}

// NewSequenceStore создаёт MySQL-реализацию SequenceStore.
// Выдача номеров сериализуется через SELECT ... FOR UPDATE по строке счётчика.
func NewSequenceStore(store *Store) *sequenceStore {
	return &sequenceStore{db: store.DB()}
}

func (r *sequenceStore) ReserveNext(ctx context.Context) (domain.InvoiceNumber, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var next int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, found, err := lockSequence(tx)
		if err != nil {
			return err
		}
		if row.LastValue == math.MaxInt64 {
			return domain.ErrSequenceExhausted
		}
		next = row.LastValue + 1
		return saveSequence(tx, found, next)
	})
	if errors.Is(err, domain.ErrSequenceExhausted) {
		return 0, err
	}
	if err != nil {
		return 0, &domain.StorageError{Op: "reserve invoice number", Err: err}
	}
	return domain.InvoiceNumber(next), nil
}

func (r *sequenceStore) PeekNext(ctx context.Context) (domain.InvoiceNumber, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var row sequenceModel
	err := r.db.WithContext(ctx).Where("name = ?", sequenceName).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, &domain.StorageError{Op: "peek invoice number", Err: err}
	}
	return domain.InvoiceNumber(row.LastValue + 1), nil
}

func (r *sequenceStore) Release(ctx context.Context, n domain.InvoiceNumber) (bool, error) {
	if !n.Valid() {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res := r.db.WithContext(ctx).
		Model(&sequenceModel{}).
		Where("name = ? AND last_value = ?", sequenceName, int64(n)).
		Updates(map[string]any{
			"last_value": gorm.Expr("last_value - 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, &domain.StorageError{Op: "release invoice number", Err: res.Error}
	}
	return res.RowsAffected == 1, nil
}

func (r *sequenceStore) AdvanceTo(ctx context.Context, last domain.InvoiceNumber) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, found, err := lockSequence(tx)
		if err != nil {
			return err
		}
		if found && row.LastValue >= int64(last) {
			return nil
		}
		return saveSequence(tx, found, int64(last))
	})
	if err != nil {
		return &domain.StorageError{Op: "advance invoice sequence", Err: err}
	}
	return nil
}

func lockSequence(tx *gorm.DB) (sequenceModel, bool, error) {
	var row sequenceModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("name = ?", sequenceName).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sequenceModel{Name: sequenceName}, false, nil
	}
	if err != nil {
		return sequenceModel{}, false, err
	}
	return row, true, nil
}

func saveSequence(tx *gorm.DB, exists bool, value int64) error {
	now := time.Now().UTC()
	if !exists {
		return tx.Create(&sequenceModel{Name: sequenceName, LastValue: value, UpdatedAt: now}).Error
	}
	return tx.Model(&sequenceModel{}).
		Where("name = ?", sequenceName).
		Updates(map[string]any{"last_value": value, "updated_at": now}).Error
}

var _ domain.SequenceStore = (*sequenceStore)(nil)
