package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

// invoiceStoreInMemory — in-memory реализация InvoiceRecordStore для локальной разработки и тестов.
type invoiceStoreInMemory struct {
	mu    sync.RWMutex
	items map[domain.InvoiceNumber]domain.InvoiceRecord
}

// NewInvoiceStore возвращает пустое in-memory хранилище счетов.
func NewInvoiceStore() *invoiceStoreInMemory {
	return &invoiceStoreInMemory{
		items: make(map[domain.InvoiceNumber]domain.InvoiceRecord),
	}
}

// Save сохраняет новый счёт, если номер ещё не занят.
func (r *invoiceStoreInMemory) Save(ctx context.Context, record domain.InvoiceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[record.InvoiceNumber]; exists {
		return domain.ErrDuplicateInvoiceNumber
	}
	// Храним копию, чтобы вызывающий код не мог менять позиции.
	r.items[record.InvoiceNumber] = record.Clone()
	return nil
}

// FindByNumber возвращает счёт или ErrInvoiceNotFound.
func (r *invoiceStoreInMemory) FindByNumber(_ context.Context, n domain.InvoiceNumber) (domain.InvoiceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.items[n]
	if !ok {
		return domain.InvoiceRecord{}, domain.ErrInvoiceNotFound
	}
	return record.Clone(), nil
}

// ListAll возвращает все счета по убыванию номера.
func (r *invoiceStoreInMemory) ListAll(_ context.Context) ([]domain.InvoiceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.snapshotLocked(), nil
}

// Update меняет статус оплаты.
func (r *invoiceStoreInMemory) Update(_ context.Context, n domain.InvoiceNumber, update domain.InvoiceUpdate) (domain.InvoiceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.items[n]
	if !ok {
		return domain.InvoiceRecord{}, domain.ErrInvoiceNotFound
	}
	if update.IsPaid != nil {
		record.IsPaid = *update.IsPaid
	}
	r.items[n] = record
	return record.Clone(), nil
}

// Delete удаляет счёт; false, если его не было.
func (r *invoiceStoreInMemory) Delete(_ context.Context, n domain.InvoiceNumber) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[n]; !ok {
		return false, nil
	}
	delete(r.items, n)
	return true, nil
}

// Stats считает агрегаты по текущему содержимому.
func (r *invoiceStoreInMemory) Stats(_ context.Context) (domain.InvoiceStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return domain.ComputeStats(r.snapshotLocked()), nil
}

func (r *invoiceStoreInMemory) snapshotLocked() []domain.InvoiceRecord {
	result := make([]domain.InvoiceRecord, 0, len(r.items))
	for _, record := range r.items {
		result = append(result, record.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].InvoiceNumber > result[j].InvoiceNumber
	})
	return result
}

var _ domain.InvoiceRecordStore = (*invoiceStoreInMemory)(nil)
