package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

// IdempotencyRepository держит ключи запросов выпуска в памяти процесса.
type IdempotencyRepository struct {
	mu   sync.Mutex
	keys map[string]domain.IdempotencyRecord
	now  func() time.Time
}

// NewIdempotencyRepository создаёт пустой репозиторий.
func NewIdempotencyRepository() *IdempotencyRepository {
	return &IdempotencyRepository{
		keys: make(map[string]domain.IdempotencyRecord),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *IdempotencyRepository) Claim(_ context.Context, key, requestHash string, expiresAt time.Time) (domain.IdempotencyRecord, error) {
	key, requestHash = strings.TrimSpace(key), strings.TrimSpace(requestHash)
	switch {
	case key == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	case requestHash == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if held, ok := r.keys[key]; ok && !held.Expired(now) {
		if held.RequestHash != requestHash {
			return copyRecord(held), domain.ErrIdempotencyHashMismatch
		}
		return copyRecord(held), domain.ErrIdempotencyKeyAlreadyExists
	}

	if expiresAt.IsZero() {
		expiresAt = now.Add(domain.DefaultIdempotencyTTL)
	}
	claimed := domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.keys[key] = claimed
	return claimed, nil
}

func (r *IdempotencyRepository) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.keys[key]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return copyRecord(record), nil
}

// Complete сохраняет итог выпуска под ключом.
func (r *IdempotencyRepository) Complete(_ context.Context, key string, outcome domain.IdempotencyOutcome) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.keys[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}

	outcome.Body = append([]byte(nil), outcome.Body...)
	record.Status = outcome.Status()
	record.Outcome = outcome
	record.UpdatedAt = r.now()
	r.keys[key] = record
	return nil
}

// DeleteExpired удаляет до limit ключей, истёкших к before; limit<=0 — все.
func (r *IdempotencyRepository) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if before.IsZero() {
		before = r.now()
	}
	removed := 0
	for key, record := range r.keys {
		if limit > 0 && removed == limit {
			break
		}
		if record.Expired(before) {
			delete(r.keys, key)
			removed++
		}
	}
	return removed, nil
}

func copyRecord(src domain.IdempotencyRecord) domain.IdempotencyRecord {
	src.Outcome.Body = append([]byte(nil), src.Outcome.Body...)
	return src
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
