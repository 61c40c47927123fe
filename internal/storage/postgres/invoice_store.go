package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

const invoicesTable = "invoices"

var invoiceColumns = []string{
	"id",
	"invoice_number",
	"buyer_name",
	"client_address",
	"reg_code",
	"client_email",
	"invoice_date",
	"due_date",
	"is_paid",
	"items",
	"total_amount",
	"pdf_path",
	"created_at",
}

// invoiceRow — строка таблицы invoices; позиции лежат в jsonb.
type invoiceRow struct {
	ID            string          `db:"id"`
	InvoiceNumber int64           `db:"invoice_number"`
	BuyerName     string          `db:"buyer_name"`
	ClientAddress string          `db:"client_address"`
	RegCode       string          `db:"reg_code"`
	ClientEmail   string          `db:"client_email"`
	InvoiceDate   time.Time       `db:"invoice_date"`
	DueDate       time.Time       `db:"due_date"`
	IsPaid        bool            `db:"is_paid"`
	Items         []byte          `db:"items"`
	TotalAmount   decimal.Decimal `db:"total_amount"`
	PDFPath       string          `db:"pdf_path"`
	CreatedAt     time.Time       `db:"created_at"`
}

func (row invoiceRow) toDomain() (domain.InvoiceRecord, error) {
	var items []domain.LineItem
	if err := json.Unmarshal(row.Items, &items); err != nil {
		return domain.InvoiceRecord{}, fmt.Errorf("%w: invoice %d items: %v", domain.ErrStorageCorrupted, row.InvoiceNumber, err)
	}
	return domain.InvoiceRecord{
		ID:            row.ID,
		InvoiceNumber: domain.InvoiceNumber(row.InvoiceNumber),
		BuyerName:     row.BuyerName,
		ClientAddress: row.ClientAddress,
		RegCode:       row.RegCode,
		ClientEmail:   row.ClientEmail,
		InvoiceDate:   row.InvoiceDate.UTC(),
		DueDate:       row.DueDate.UTC(),
		IsPaid:        row.IsPaid,
		Items:         items,
		TotalAmount:   row.TotalAmount,
		PDFPath:       row.PDFPath,
		CreatedAt:     row.CreatedAt.UTC(),
	}, nil
}

// statsRow — результат агрегирующего запроса.
type statsRow struct {
	TotalCount  int             `db:"total_count"`
	PaidCount   int             `db:"paid_count"`
	TotalAmount decimal.Decimal `db:"total_amount"`
	PaidAmount  decimal.Decimal `db:"paid_amount"`
	LastNumber  int64           `db:"last_number"`
}

type invoiceStore struct {
	db *sql.DB
}

// NewInvoiceStore создаёт PostgreSQL-реализацию InvoiceRecordStore.
func NewInvoiceStore(store *Store) *invoiceStore {
	return &invoiceStore{db: store.DB()}
}

func (r *invoiceStore) Save(ctx context.Context, record domain.InvoiceRecord) error {
	items, err := json.Marshal(record.Items)
	if err != nil {
		return &domain.StorageError{Op: "encode invoice items", Err: err}
	}

	query, args, err := builder().
		Insert(invoicesTable).
		SetMap(map[string]any{
			"id":             record.ID,
			"invoice_number": int64(record.InvoiceNumber),
			"buyer_name":     record.BuyerName,
			"client_address": record.ClientAddress,
			"reg_code":       record.RegCode,
			"client_email":   record.ClientEmail,
			"invoice_date":   record.InvoiceDate,
			"due_date":       record.DueDate,
			"is_paid":        record.IsPaid,
			"items":          string(items),
			"total_amount":   record.TotalAmount,
			"pdf_path":       record.PDFPath,
			"created_at":     record.CreatedAt,
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert invoice: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateInvoiceNumber
		}
		return &domain.StorageError{Op: "insert invoice", Err: err}
	}
	return nil
}

func (r *invoiceStore) FindByNumber(ctx context.Context, n domain.InvoiceNumber) (domain.InvoiceRecord, error) {
	query, args, err := builder().
		Select(invoiceColumns...).
		From(invoicesTable).
		Where(squirrel.Eq{"invoice_number": int64(n)}).
		ToSql()
	if err != nil {
		return domain.InvoiceRecord{}, fmt.Errorf("build select invoice: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var row invoiceRow
	if err := sqlscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return domain.InvoiceRecord{}, domain.ErrInvoiceNotFound
		}
		return domain.InvoiceRecord{}, &domain.StorageError{Op: "select invoice", Err: err}
	}
	return row.toDomain()
}

func (r *invoiceStore) ListAll(ctx context.Context) ([]domain.InvoiceRecord, error) {
	query, args, err := builder().
		Select(invoiceColumns...).
		From(invoicesTable).
		OrderBy("invoice_number DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list invoices: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var rows []invoiceRow
	if err := sqlscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, &domain.StorageError{Op: "list invoices", Err: err}
	}

	result := make([]domain.InvoiceRecord, 0, len(rows))
	for _, row := range rows {
		record, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, record)
	}
	return result, nil
}

func (r *invoiceStore) Update(ctx context.Context, n domain.InvoiceNumber, update domain.InvoiceUpdate) (domain.InvoiceRecord, error) {
	if update.Empty() {
		return r.FindByNumber(ctx, n)
	}

	query, args, err := builder().
		Update(invoicesTable).
		Set("is_paid", *update.IsPaid).
		Where(squirrel.Eq{"invoice_number": int64(n)}).
		Suffix("RETURNING " + strings.Join(invoiceColumns, ", ")).
		ToSql()
	if err != nil {
		return domain.InvoiceRecord{}, fmt.Errorf("build update invoice: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var row invoiceRow
	if err := sqlscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return domain.InvoiceRecord{}, domain.ErrInvoiceNotFound
		}
		return domain.InvoiceRecord{}, &domain.StorageError{Op: "update invoice", Err: err}
	}
	return row.toDomain()
}

func (r *invoiceStore) Delete(ctx context.Context, n domain.InvoiceNumber) (bool, error) {
	query, args, err := builder().
		Delete(invoicesTable).
		Where(squirrel.Eq{"invoice_number": int64(n)}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build delete invoice: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, &domain.StorageError{Op: "delete invoice", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected for invoice delete: %w", err)
	}
	return affected > 0, nil
}

func (r *invoiceStore) Stats(ctx context.Context) (domain.InvoiceStats, error) {
	query, args, err := builder().
		Select(
			"COUNT(*) AS total_count",
			"COUNT(*) FILTER (WHERE is_paid) AS paid_count",
			"COALESCE(SUM(total_amount), 0) AS total_amount",
			"COALESCE(SUM(total_amount) FILTER (WHERE is_paid), 0) AS paid_amount",
			"COALESCE(MAX(invoice_number), 0) AS last_number",
		).
		From(invoicesTable).
		ToSql()
	if err != nil {
		return domain.InvoiceStats{}, fmt.Errorf("build invoice stats: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var row statsRow
	if err := sqlscan.Get(ctx, r.db, &row, query, args...); err != nil {
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
