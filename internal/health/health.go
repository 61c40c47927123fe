package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status — состояние компонента или сервиса целиком.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Check — результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Report — тело ответа /healthz.
type Report struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент.
type Checker interface {
	Check(ctx context.Context) Check
}

// Option настраивает Handler.
type Option func(*Handler)

// WithCheckTimeout ограничивает время одной проверки; по умолчанию 2s.
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// Handler собирает отчёт по зарегистрированным проверкам.
type Handler struct {
	version string
	started time.Time
	timeout time.Duration

	mu       sync.RWMutex
	checkers map[string]Checker
}

func NewHandler(version string, options ...Option) *Handler {
	h := &Handler{
		version:  version,
		started:  time.Now(),
		timeout:  2 * time.Second,
		checkers: make(map[string]Checker),
	}
	for _, apply := range options {
		apply(h)
	}
	return h
}

// RegisterChecker добавляет или заменяет проверку под именем name.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	h.checkers[name] = checker
	h.mu.Unlock()
}

// Run выполняет проверки параллельно. Общий статус равен худшему из результатов.
func (h *Handler) Run(ctx context.Context) Report {
	type named struct {
		name  string
		check Check
	}

	h.mu.RLock()
	results := make(chan named, len(h.checkers))
	var wg sync.WaitGroup
	for name, checker := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			results <- named{name: name, check: checker.Check(checkCtx)}
		}()
	}
	h.mu.RUnlock()
	wg.Wait()
	close(results)

	report := Report{
		Status:        StatusHealthy,
		Timestamp:     time.Now().UTC(),
		Checks:        make(map[string]Check, len(results)),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	for r := range results {
		report.Checks[r.name] = r.check
		if r.check.Status.severity() > report.Status.severity() {
			report.Status = r.check.Status
		}
	}
	return report
}

// ServeHTTP отдаёт JSON-отчёт. Degraded отвечает 200: выпуск счетов работает.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Run(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode(report.Status))
	_ = json.NewEncoder(w).Encode(report)
}

// ReadinessHandler отвечает 503, пока хотя бы одна критичная проверка не проходит.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	code := statusCode(h.Run(r.Context()).Status)
	body := "ready"
	if code != http.StatusOK {
		body = "not ready"
	}
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// LivenessHandler всегда отвечает 200.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

type funcChecker struct {
	name   string
	fn     func(ctx context.Context) error
	onFail Status
}

// Critical — проверка хранилища или генератора номеров: без них счёт не выпустить.
func Critical(name string, fn func(ctx context.Context) error) Checker {
	return funcChecker{name: name, fn: fn, onFail: StatusUnhealthy}
}

// Optional — проверка почты, архива или брокера событий. Ошибка даёт degraded.
func Optional(name string, fn func(ctx context.Context) error) Checker {
	return funcChecker{name: name, fn: fn, onFail: StatusDegraded}
}

func (c funcChecker) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.fn(ctx)
	check := Check{Name: c.name, Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		check.Status = c.onFail
		check.Message = err.Error()
	}
	return check
}
