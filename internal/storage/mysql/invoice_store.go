package mysql

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

type invoiceStore struct {
	db *gorm.DB
}

// NewInvoiceStore создаёт MySQL-реализацию InvoiceRecordStore.
func NewInvoiceStore(store *Store) *invoiceStore {
	return &invoiceStore{db: store.DB()}
}

func (r *invoiceStore) Save(ctx context.Context, record domain.InvoiceRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	model := invoiceFromDomain(record)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicateInvoiceNumber
		}
		return &domain.StorageError{Op: "insert invoice", Err: err}
	}
	return nil
}

func (r *invoiceStore) FindByNumber(ctx context.Context, n domain.InvoiceNumber) (domain.InvoiceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var model invoiceModel
	err := r.db.WithContext(ctx).Where("invoice_number = ?", int64(n)).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.InvoiceRecord{}, domain.ErrInvoiceNotFound
	}
	if err != nil {
		return domain.InvoiceRecord{}, &domain.StorageError{Op: "select invoice", Err: err}
	}
	return model.toDomain(), nil
}

func (r *invoiceStore) ListAll(ctx context.Context) ([]domain.InvoiceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var models []invoiceModel
	if err := r.db.WithContext(ctx).Order("invoice_number DESC").Find(&models).Error; err != nil {
		return nil, &domain.StorageError{Op: "list invoices", Err: err}
	}

	result := make([]domain.InvoiceRecord, 0, len(models))
	for _, m := range models {
		result = append(result, m.toDomain())
	}
	return result, nil
}

func (r *invoiceStore) Update(ctx context.Context, n domain.InvoiceNumber, update domain.InvoiceUpdate) (domain.InvoiceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var model invoiceModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("invoice_number = ?", int64(n)).
			Take(&model).Error; err != nil {
			return err
		}
		if update.IsPaid == nil {
			return nil
		}
		model.IsPaid = *update.IsPaid
		return tx.Model(&invoiceModel{}).
			Where("invoice_number = ?", int64(n)).
			Update("is_paid", model.IsPaid).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.InvoiceRecord{}, domain.ErrInvoiceNotFound
	}
	if err != nil {
		return domain.InvoiceRecord{}, &domain.StorageError{Op: "update invoice", Err: err}
	}
	return model.toDomain(), nil
}

func (r *invoiceStore) Delete(ctx context.Context, n domain.InvoiceNumber) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res := r.db.WithContext(ctx).Where("invoice_number = ?", int64(n)).Delete(&invoiceModel{})
	if res.Error != nil {
		return false, &domain.StorageError{Op: "delete invoice", Err: res.Error}
	}
	return res.RowsAffected > 0, nil
}

func (r *invoiceStore) Stats(ctx context.Context) (domain.InvoiceStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var row struct {
		TotalCount  int
		PaidCount   int
		TotalAmount decimal.Decimal
		PaidAmount  decimal.Decimal
		LastNumber  int64
	}
	err := r.db.WithContext(ctx).
		Model(&invoiceModel{}).
		Select(`COUNT(*) AS total_count,
			COALESCE(SUM(CASE WHEN is_paid THEN 1 ELSE 0 END), 0) AS paid_count,
			COALESCE(SUM(total_amount), 0) AS total_amount,
			COALESCE(SUM(CASE WHEN is_paid THEN total_amount ELSE 0 END), 0) AS paid_amount,
			COALESCE(MAX(invoice_number), 0) AS last_number`).
		Scan(&row).Error
	if err != nil {
		return domain.InvoiceStats{}, &domain.StorageError{Op: "invoice stats", Err: err}
	}

	return domain.InvoiceStats{
		TotalCount:        row.TotalCount,
		PaidCount:         row.PaidCount,
		UnpaidCount:       row.TotalCount - row.PaidCount,
		TotalAmount:       row.TotalAmount,
		PaidAmount:        row.PaidAmount,
		UnpaidAmount:      row.TotalAmount.Sub(row.PaidAmount),
		LastInvoiceNumber: domain.InvoiceNumber(row.LastNumber),
	}, nil
}

var _ domain.InvoiceRecordStore = (*invoiceStore)(nil)
