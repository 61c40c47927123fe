package app

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicing/internal/service/issuer"
)

// requestTracker считает запросы API, чтобы хранилище закрывалось только после последнего из них.
// После начала drain новые запросы получают 503.
type requestTracker struct {
	mu       sync.Mutex
	active   int
	draining bool
	idle     chan struct{}
}

func newRequestTracker() *requestTracker {
	return &requestTracker{idle: make(chan struct{})}
}

func (t *requestTracker) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.enter() {
			w.Header().Set("Connection", "close")
			http.Error(w, "service is shutting down", http.StatusServiceUnavailable)
			return
		}
		defer t.leave()
		next.ServeHTTP(w, r)
	})
}

func (t *requestTracker) enter() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	t.active++
	return true
}

func (t *requestTracker) leave() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active--
	if t.draining && t.active == 0 {
		close(t.idle)
	}
}

// drain запрещает новые запросы и ждёт текущие до отмены ctx.
func (t *requestTracker) drain(ctx context.Context) error {
	t.mu.Lock()
	if !t.draining {
		t.draining = true
		if t.active == 0 {
			close(t.idle)
		}
	}
	t.mu.Unlock()

	select {
	case <-t.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apiDrainTimeout покрывает самый долгий выпуск: рендер, запись, архив и откат номера.
func apiDrainTimeout(cfg Config) time.Duration {
	render := cmp.Or(max(cfg.RenderTimeout, 0), issuer.DefaultRenderTimeout)
	return render + issuer.DefaultArchiveTimeout + issuer.DefaultRollbackTimeout + shutdownTimeout
}

// drainAPI останавливает приём соединений и ждёт обработчики выпуска,
// которые ещё держат номер и подключение к хранилищу.
func drainAPI(srv *http.Server, tracker *requestTracker, timeout time.Duration, logger *log.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
	if err := tracker.drain(ctx); err != nil {
		logger.WithError(err).WithField("timeout", timeout).Warn("API requests still running, closing storage anyway")
	}
}
