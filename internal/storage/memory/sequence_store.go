package memory

import (
	"context"
	"math"
	"sync"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

// sequenceStoreInMemory — счётчик номеров счетов в памяти процесса.
type sequenceStoreInMemory struct {
	mu   sync.Mutex
	last domain.InvoiceNumber
}

// NewSequenceStore создаёт in-memory счётчик, последний выданный номер — last.
func NewSequenceStore(last domain.InvoiceNumber) *sequenceStoreInMemory {
	if last < 0 {
		last = 0
	}
	return &sequenceStoreInMemory{last: last}
}

// ReserveNext увеличивает счётчик под мьютексом и возвращает новый номер.
func (s *sequenceStoreInMemory) ReserveNext(ctx context.Context) (domain.InvoiceNumber, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last == math.MaxInt64 {
		return 0, domain.ErrSequenceExhausted
	}
	s.last++
	return s.last, nil
}

// PeekNext возвращает last+1 без изменения состояния.
func (s *sequenceStoreInMemory) PeekNext(ctx context.Context) (domain.InvoiceNumber, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last + 1, nil
}

// Release откатывает счётчик, только если n всё ещё последний выданный номер.
func (s *sequenceStoreInMemory) Release(_ context.Context, n domain.InvoiceNumber) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !n.Valid() || s.last != n {
		return false, nil
	}
	s.last--
	return true, nil
}

// AdvanceTo поднимает счётчик до last, если он меньше.
func (s *sequenceStoreInMemory) AdvanceTo(_ context.Context, last domain.InvoiceNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last > s.last {
		s.last = last
	}
	return nil
}

var _ domain.SequenceStore = (*sequenceStoreInMemory)(nil)
