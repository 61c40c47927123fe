package file

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

// sequenceDocument — формат файла счётчика.
type sequenceDocument struct {
	LastInvoiceNumber domain.InvoiceNumber `json:"lastInvoiceNumber"`
	UpdatedAt         time.Time            `json:"updatedAt"`
}

// SequenceStore хранит последний выданный номер в JSON-файле.
// Новое значение сначала записывается на диск и только потом становится видимым.
type SequenceStore struct {
	mu    sync.Mutex
	path  string
	last  domain.InvoiceNumber
	write writeFunc
}

// OpenSequenceStore читает файл счётчика. Отсутствующий файл означает пустой счётчик.
func OpenSequenceStore(path string) (*SequenceStore, error) {
	var doc sequenceDocument
	if _, err := readJSON(path, &doc); err != nil {
		return nil, err
	}
	if doc.LastInvoiceNumber < 0 {
		return nil, fmt.Errorf("%w: %s: negative lastInvoiceNumber", domain.ErrStorageCorrupted, path)
	}
	return &SequenceStore{path: path, last: doc.LastInvoiceNumber, write: writeFileAtomic}, nil
}

// ReserveNext записывает last+1 и возвращает его. При ошибке записи счётчик не меняется.
func (s *SequenceStore) ReserveNext(ctx context.Context) (domain.InvoiceNumber, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last == math.MaxInt64 {
		return 0, domain.ErrSequenceExhausted
	}
	next := s.last + 1
	if err := s.persistLocked(next); err != nil {
		return 0, err
	}
	s.last = next
	return next, nil
}

// PeekNext возвращает last+1.
func (s *SequenceStore) PeekNext(ctx context.Context) (domain.InvoiceNumber, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last + 1, nil
}

// Release возвращает номер, только если он последний выданный.
func (s *SequenceStore) Release(_ context.Context, n domain.InvoiceNumber) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !n.Valid() || s.last != n {
		return false, nil
	}
	if err := s.persistLocked(n - 1); err != nil {
		return false, err
	}
	s.last = n - 1
	return true, nil
}

// AdvanceTo поднимает счётчик до last.
func (s *SequenceStore) AdvanceTo(_ context.Context, last domain.InvoiceNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last <= s.last {
		return nil
	}
	if err := s.persistLocked(last); err != nil {
		return err
	}
	s.last = last
	return nil
}

func (s *SequenceStore) persistLocked(last domain.InvoiceNumber) error {
	data, err := json.MarshalIndent(sequenceDocument{
		LastInvoiceNumber: last,
		UpdatedAt:         time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return &domain.StorageError{Op: "encode sequence", Err: err}
	}
	if err := s.write(s.path, data); err != nil {
		return &domain.StorageError{Op: "write sequence", Err: err}
	}
	return nil
}

var _ domain.SequenceStore = (*SequenceStore)(nil)
