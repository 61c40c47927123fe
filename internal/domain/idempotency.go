package domain

import (
	"net/http"
	"time"
)

// IdempotencyStatus — состояние ключа Idempotency-Key.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

// DefaultIdempotencyTTL — сколько хранится ответ на POST /api/invoices с ключом.
const DefaultIdempotencyTTL = 24 * time.Hour

// Valid проверяет, что статус известен.
func (s IdempotencyStatus) Valid() bool {
	return s == IdempotencyStatusProcessing || s == IdempotencyStatusDone || s == IdempotencyStatusFailed
}

// IdempotencyOutcome — итог запроса выпуска, который отдаётся на повтор с тем же ключом.
type IdempotencyOutcome struct {
	HTTPStatus int
	Body       []byte
	// InvoiceNumber выданного счёта; ноль, если выпуск не удался.
	InvoiceNumber InvoiceNumber
}

// Status — done для 2xx/3xx, иначе failed.
func (o IdempotencyOutcome) Status() IdempotencyStatus {
	if o.HTTPStatus >= http.StatusBadRequest {
		return IdempotencyStatusFailed
	}
	return IdempotencyStatusDone
}

// IdempotencyRecord — ключ запроса выпуска и, после завершения, его итог.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	Status      IdempotencyStatus
	Outcome     IdempotencyOutcome
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Finished сообщает, что итог сохранён и его можно отдать повторно.
func (r IdempotencyRecord) Finished() bool {
	return r.Status == IdempotencyStatusDone || r.Status == IdempotencyStatusFailed
}

// Expired — ключ можно занять заново, даже если cleanup ещё не удалил запись.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}
