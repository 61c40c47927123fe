package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

// invoicesDocument — формат файла счетов.
type invoicesDocument struct {
	Invoices []domain.InvoiceRecord `json:"invoices"`
}

// InvoiceStore хранит все счета в одном JSON-файле.
// Каждое изменение переписывает файл целиком; блокировка своя, не общая со счётчиком.
type InvoiceStore struct {
	mu      sync.RWMutex
	path    string
	records []domain.InvoiceRecord
	write   writeFunc
}

// OpenInvoiceStore читает файл счетов. Отсутствующий файл означает пустое хранилище.
// Запись, у которой суммы не сходятся с позициями, считается повреждением файла.
func OpenInvoiceStore(path string) (*InvoiceStore, error) {
	var doc invoicesDocument
	if _, err := readJSON(path, &doc); err != nil {
		return nil, err
	}

	seen := make(map[domain.InvoiceNumber]struct{}, len(doc.Invoices))
	for _, rec := range doc.Invoices {
		if !rec.InvoiceNumber.Valid() {
			return nil, fmt.Errorf("%w: %s: invalid invoice number %d", domain.ErrStorageCorrupted, path, rec.InvoiceNumber)
		}
		if _, dup := seen[rec.InvoiceNumber]; dup {
			return nil, fmt.Errorf("%w: %s: duplicate invoice number %d", domain.ErrStorageCorrupted, path, rec.InvoiceNumber)
		}
		seen[rec.InvoiceNumber] = struct{}{}
		if errs := rec.ValidateInvariants(); len(errs) > 0 {
			return nil, fmt.Errorf("%w: %s: invoice %d: %w", domain.ErrStorageCorrupted, path, rec.InvoiceNumber, errors.Join(errs...))
		}
	}

	store := &InvoiceStore{path: path, records: doc.Invoices, write: writeFileAtomic}
	sortByNumberDesc(store.records)
	return store, nil
}

// Save добавляет счёт. В памяти запись появляется только после успешной записи файла.
func (s *InvoiceStore) Save(ctx context.Context, record domain.InvoiceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexLocked(record.InvoiceNumber) >= 0 {
		return domain.ErrDuplicateInvoiceNumber
	}

	next := make([]domain.InvoiceRecord, 0, len(s.records)+1)
	next = append(next, s.records...)
	next = append(next, record.Clone())
	sortByNumberDesc(next)

	if err := s.persistLocked(next, "save"); err != nil {
		return err
	}
	s.records = next
	return nil
}

// FindByNumber возвращает счёт или ErrInvoiceNotFound.
func (s *InvoiceStore) FindByNumber(_ context.Context, n domain.InvoiceNumber) (domain.InvoiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.indexLocked(n)
	if idx < 0 {
		return domain.InvoiceRecord{}, domain.ErrInvoiceNotFound
	}
	return s.records[idx].Clone(), nil
}

// ListAll возвращает копию всех счетов по убыванию номера.
func (s *InvoiceStore) ListAll(_ context.Context) ([]domain.InvoiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.copyLocked(), nil
}

// Update применяет изменение статуса оплаты.
func (s *InvoiceStore) Update(_ context.Context, n domain.InvoiceNumber, update domain.InvoiceUpdate) (domain.InvoiceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(n)
	if idx < 0 {
		return domain.InvoiceRecord{}, domain.ErrInvoiceNotFound
	}

	next := s.copyLocked()
	if update.IsPaid != nil {
		next[idx].IsPaid = *update.IsPaid
	}
	if err := s.persistLocked(next, "update"); err != nil {
		return domain.InvoiceRecord{}, err
	}
	s.records = next
	return next[idx].Clone(), nil
}

// Delete удаляет счёт. Счётчик номеров не меняется.
func (s *InvoiceStore) Delete(_ context.Context, n domain.InvoiceNumber) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(n)
	if idx < 0 {
		return false, nil
	}

	next := make([]domain.InvoiceRecord, 0, len(s.records)-1)
	next = append(next, s.records[:idx]...)
	next = append(next, s.records[idx+1:]...)
	if err := s.persistLocked(next, "delete"); err != nil {
		return false, err
	}
	s.records = next
	return true, nil
}

// Stats считает агрегаты по текущему содержимому.
func (s *InvoiceStore) Stats(_ context.Context) (domain.InvoiceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return domain.ComputeStats(s.records), nil
}

func (s *InvoiceStore) persistLocked(records []domain.InvoiceRecord, op string) error {
	if records == nil {
		records = []domain.InvoiceRecord{}
	}
	data, err := json.MarshalIndent(invoicesDocument{Invoices: records}, "", "  ")
	if err != nil {
		return &domain.StorageError{Op: "encode invoices", Err: err}
	}
	if err := s.write(s.path, data); err != nil {
		return &domain.StorageError{Op: op + " invoice", Err: err}
	}
	return nil
}

// indexLocked ищет позицию номера в срезе, отсортированном по убыванию.
func (s *InvoiceStore) indexLocked(n domain.InvoiceNumber) int {
	idx := sort.Search(len(s.records), func(i int) bool {
		return s.records[i].InvoiceNumber <= n
	})
	if idx < len(s.records) && s.records[idx].InvoiceNumber == n {
		return idx
	}
	return -1
}

func (s *InvoiceStore) copyLocked() []domain.InvoiceRecord {
	out := make([]domain.InvoiceRecord, len(s.records))
	for i, rec := range s.records {
		out[i] = rec.Clone()
	}
	return out
}

func sortByNumberDesc(records []domain.InvoiceRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].InvoiceNumber > records[j].InvoiceNumber
	})
}

var _ domain.InvoiceRecordStore = (*InvoiceStore)(nil)
