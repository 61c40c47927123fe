package issuer

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

var errRenderFailed = errors.New("pdf engine failed")

// spySequence считает обращения к последовательности поверх настоящего хранилища.
type spySequence struct {
	domain.SequenceStore

	mu             sync.Mutex
	reserveCnt     int
	releaseCnt     int
	releaseCtxErrs []error
	reserveErr     error
}

func (s *spySequence) ReserveNext(ctx context.Context) (domain.InvoiceNumber, error) {
	s.mu.Lock()
	s.reserveCnt++
	err := s.reserveErr
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return s.SequenceStore.ReserveNext(ctx)
}

func (s *spySequence) Release(ctx context.Context, n domain.InvoiceNumber) (bool, error) {
	s.mu.Lock()
	s.releaseCnt++
	s.releaseCtxErrs = append(s.releaseCtxErrs, ctx.Err())
	s.mu.Unlock()
	return s.SequenceStore.Release(ctx, n)
}

func (s *spySequence) counts() (reserve, release int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserveCnt, s.releaseCnt
}

// failingRecords подменяет Save заданной ошибкой.
type failingRecords struct {
	domain.InvoiceRecordStore
	saveErr error
}

func (f *failingRecords) Save(ctx context.Context, record domain.InvoiceRecord) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.InvoiceRecordStore.Save(ctx, record)
}

// cancellingRecords отменяет запрос сразу после сохранения счёта.
type cancellingRecords struct {
	domain.InvoiceRecordStore
	cancel context.CancelFunc
}

func (c *cancellingRecords) Save(ctx context.Context, record domain.InvoiceRecord) error {
	err := c.InvoiceRecordStore.Save(ctx, record)
	c.cancel()
	return err
}

type stubRenderer struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, invoice domain.Invoice) (domain.Artifact, error)
}

func (r *stubRenderer) Render(ctx context.Context, invoice domain.Invoice) (domain.Artifact, error) {
	r.mu.Lock()
	r.calls++
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, invoice)
	}
	return domain.Artifact{
		Content:     []byte("%PDF-1.4"),
		FileName:    "invoice.pdf",
		ContentType: "application/pdf",
	}, nil
}

func (r *stubRenderer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type delivery struct {
	recipient string
	meta      domain.NotificationMeta
}

type stubNotifier struct {
	mu         sync.Mutex
	err        error
	deliveries []delivery
}

func (n *stubNotifier) Deliver(_ context.Context, _ domain.Artifact, recipient string, meta domain.NotificationMeta) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = append(n.deliveries, delivery{recipient: recipient, meta: meta})
	return n.err
}

func (n *stubNotifier) sent() []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]delivery(nil), n.deliveries...)
}

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger.WithField("component", "issuer-test")
}

// stubArchive запоминает сохранённые документы в памяти.
type stubArchive struct {
	mu     sync.Mutex
	err    error
	ctxErr error
	puts   []string
}

func (a *stubArchive) Locate(name string) string {
	return "archive/" + name
}

func (a *stubArchive) Put(ctx context.Context, name string, _ []byte, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ctxErr = ctx.Err()
	a.puts = append(a.puts, name)
	if a.err != nil {
		return "", a.err
	}
	return a.Locate(name), nil
}

func (a *stubArchive) stored() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.puts...)
}
