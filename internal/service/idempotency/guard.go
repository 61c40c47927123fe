package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

// ErrRequestInProgress — запрос с тем же ключом ещё выполняется.
var ErrRequestInProgress = errors.New("request with the same idempotency key is already processing")

// MaxKeyLength ограничивает длину Idempotency-Key.
const MaxKeyLength = 128

// Response — ответ на запрос выпуска.
type Response struct {
	Status int
	Body   []byte
	// InvoiceNumber выданного счёта, ноль при ошибке выпуска.
	InvoiceNumber domain.InvoiceNumber
	// Replayed выставляется, если ответ взят из хранилища.
	Replayed bool
}

// Handler выполняет выпуск. Ответ с кодом >= 400 тоже сохраняется и отдаётся на повтор.
type Handler func(ctx context.Context) (Response, error)

// Guard выпускает счёт не более одного раза на Idempotency-Key.
type Guard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	now    func() time.Time
	logger *log.Entry
}

// NewGuard создаёт Guard. ttl<=0 означает domain.DefaultIdempotencyTTL.
func NewGuard(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) *Guard {
	if ttl <= 0 {
		ttl = domain.DefaultIdempotencyTTL
	}
	if logger == nil {
		logger = log.WithField("component", "idempotency-guard")
	}
	return &Guard{
		repo:   repo,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// HashRequest возвращает хеш тела запроса для сравнения повторов.
func HashRequest(method string, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(method))
	sum.Write([]byte{0})
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

// ValidateKey проверяет формат ключа.
func ValidateKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("idempotency key longer than %d characters", MaxKeyLength)
	}
	return nil
}

// Do выполняет handler или возвращает сохранённый ответ.
// Ошибка handler не сохраняется: ключ остаётся processing до истечения TTL.
func (g *Guard) Do(ctx context.Context, key, requestHash string, handler Handler) (Response, error) {
	if err := ValidateKey(key); err != nil {
		return Response{}, err
	}
	key = strings.TrimSpace(key)

	record, err := g.repo.Claim(ctx, key, requestHash, g.now().Add(g.ttl))
	if err != nil {
		return g.replay(key, record, err)
	}

	resp, err := handler(ctx)
	if err != nil {
		return Response{}, err
	}

	// Номер уже выдан, поэтому итог сохраняется и после отмены запроса.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	outcome := domain.IdempotencyOutcome{HTTPStatus: resp.Status, Body: resp.Body, InvoiceNumber: resp.InvoiceNumber}
	if err := g.repo.Complete(storeCtx, key, outcome); err != nil {
		g.logger.WithError(err).WithFields(log.Fields{
			"idempotency_key": key,
			"invoice_number":  resp.InvoiceNumber,
		}).Warn("failed to store idempotent response")
	}
	return resp, nil
}

func (g *Guard) replay(key string, record domain.IdempotencyRecord, claimErr error) (Response, error) {
	switch {
	case errors.Is(claimErr, domain.ErrIdempotencyHashMismatch):
		return Response{}, claimErr
	case errors.Is(claimErr, domain.ErrIdempotencyKeyAlreadyExists):
		if !record.Finished() {
			return Response{}, ErrRequestInProgress
		}
		g.logger.WithFields(log.Fields{
			"idempotency_key": key,
			"status":          record.Status,
			"invoice_number":  record.Outcome.InvoiceNumber,
		}).Debug("replaying stored response")
		return Response{
			Status:        record.Outcome.HTTPStatus,
			Body:          record.Outcome.Body,
			InvoiceNumber: record.Outcome.InvoiceNumber,
			Replayed:      true,
		}, nil
	default:
		return Response{}, fmt.Errorf("claim idempotency key: %w", claimErr)
	}
}
