package notify

import (
	"context"
	"errors"
	"net/textproto"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

// ErrCircuitOpen возвращается, пока circuit breaker не пропускает доставку.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// RetryConfig конфигурация повторных попыток доставки.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryingNotifier повторяет доставку при временных ошибках.
type RetryingNotifier struct {
	next   domain.Notifier
	config RetryConfig
	logger *log.Entry
}

// NewRetryingNotifier оборачивает notifier retry логикой.
func NewRetryingNotifier(next domain.Notifier, config RetryConfig, logger *log.Entry) *RetryingNotifier {
	if logger == nil {
		logger = log.New().WithField("component", "retrying-notifier")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}
	return &RetryingNotifier{next: next, config: config, logger: logger}
}

// Deliver реализует domain.Notifier.
func (r *RetryingNotifier) Deliver(ctx context.Context, artifact domain.Artifact, recipient string, meta domain.NotificationMeta) error {
	var lastErr error
	delay := r.config.InitialDelay

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		err := r.next.Deliver(ctx, artifact, recipient, meta)
		if err == nil {
			if attempt > 1 {
				r.logger.WithFields(log.Fields{
					"invoice_number": meta.InvoiceNumber,
					"attempt":        attempt,
				}).Info("delivery succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		r.logger.WithFields(log.Fields{
			"invoice_number": meta.InvoiceNumber,
			"attempt":        attempt,
			"delay":          delay,
			"error":          err,
		}).Warn("delivery failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * r.config.BackoffFactor)
		if r.config.MaxDelay > 0 && delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
	}

	r.logger.WithFields(log.Fields{
		"invoice_number": meta.InvoiceNumber,
		"max_attempts":   r.config.MaxAttempts,
		"error":          lastErr,
	}).Error("delivery failed after all retry attempts")
	return lastErr
}

// shouldRetry отсекает ошибки, которые не исправятся повтором.
func shouldRetry(err error) bool {
	if errors.Is(err, domain.ErrRecipientRequired) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// 5xx ответ SMTP сервера — постоянная ошибка (неверный адрес, отказ в приёме).
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code >= 500 {
		return false
	}
	return true
}

// CircuitState состояние circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker прекращает попытки доставки, пока почтовый сервер недоступен.
type CircuitBreaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	failures     int
	lastFailure  time.Time
	state        CircuitState
	now          func() time.Time
	logger       *log.Entry
}

// NewCircuitBreaker создаёт circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.New().WithField("component", "circuit-breaker")
	}
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
		now:          time.Now,
		logger:       logger,
	}
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute выполняет fn, если цепь не разомкнута.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	cb.mu.Lock()
	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.lastFailure) <= cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.logger.WithField("operation", operation).Info("circuit breaker half-open")
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Ошибки вызывающей стороны не говорят о состоянии сервера.
	if err != nil && !errors.Is(err, domain.ErrRecipientRequired) {
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			if cb.state != CircuitOpen {
				cb.logger.WithFields(log.Fields{
					"operation": operation,
					"failures":  cb.failures,
				}).Warn("circuit breaker opened")
			}
			cb.state = CircuitOpen
		}
		return err
	}

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.logger.WithField("operation", operation).Info("circuit breaker closed")
	}
	cb.failures = 0
	return err
}

// BreakerNotifier пропускает доставку через circuit breaker.
type BreakerNotifier struct {
	next    domain.Notifier
	breaker *CircuitBreaker
}

// NewBreakerNotifier оборачивает notifier circuit breaker'ом.
func NewBreakerNotifier(next domain.Notifier, breaker *CircuitBreaker) *BreakerNotifier {
	return &BreakerNotifier{next: next, breaker: breaker}
}

// Deliver реализует domain.Notifier.
func (b *BreakerNotifier) Deliver(ctx context.Context, artifact domain.Artifact, recipient string, meta domain.NotificationMeta) error {
	return b.breaker.Execute("deliver", func() error {
		return b.next.Deliver(ctx, artifact, recipient, meta)
	})
}

var (
	_ domain.Notifier = (*RetryingNotifier)(nil)
	_ domain.Notifier = (*BreakerNotifier)(nil)
)
