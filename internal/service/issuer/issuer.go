package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
	"github.com/vladislavdragonenkov/invoicing/internal/metrics"
)

const (
	// DefaultRenderTimeout — верхняя граница шага RENDER.
	DefaultRenderTimeout = 30 * time.Second
	// DefaultRollbackTimeout ограничивает откат номера, который выполняется без учёта отмены запроса.
	DefaultRollbackTimeout = 5 * time.Second
	// DefaultArchiveTimeout ограничивает запись документа в архив после фиксации счёта.
	DefaultArchiveTimeout = 15 * time.Second
)

// State — состояние попытки выпуска счёта.
type State string

const (
	StateStart                 State = "START"
	StateReserveNumber         State = "RESERVE_NUMBER"
	StateRender                State = "RENDER"
	StatePersist               State = "PERSIST"
	StateCommitted             State = "COMMITTED"
	StateNotify                State = "NOTIFY"
	StateFailed                State = "FAILED"
	StateCommittedNotified     State = "COMMITTED_NOTIFIED"
	StateCommittedNotifyFailed State = "COMMITTED_NOTIFY_FAILED"
)

// Outcome — результат успешного выпуска.
type Outcome struct {
	// State — терминальное состояние: COMMITTED, COMMITTED_NOTIFIED или COMMITTED_NOTIFY_FAILED.
	State    State
	Record   domain.InvoiceRecord
	Artifact domain.Artifact
	// Notification заполнено, если счёт зафиксирован, но письмо не доставлено.
	Notification *domain.NotificationError
}

// Warning возвращает текст предупреждения о доставке или пустую строку.
func (o Outcome) Warning() string {
	if o.Notification == nil {
		return ""
	}
	return o.Notification.Error()
}

// Option настраивает Service.
type Option func(*Service)

// WithNotifier включает доставку счетов.
func WithNotifier(notifier domain.Notifier) Option {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// WithOutbox включает запись событий в outbox.
func WithOutbox(outbox domain.OutboxRepository) Option {
	return func(s *Service) {
		s.outbox = outbox
	}
}

// WithArchive включает архив документов. Документ попадает в архив только после фиксации счёта.
func WithArchive(archive domain.Archive) Option {
	return func(s *Service) {
		if archive != nil {
			s.archive = archive
		}
	}
}

// WithMetrics задаёт метрики выпуска. Без них метрики не пишутся.
func WithMetrics(m *metrics.IssuanceMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithRenderTimeout задаёт таймаут рендера.
func WithRenderTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.renderTimeout = timeout
		}
	}
}

// WithRollbackTimeout задаёт таймаут отката номера.
func WithRollbackTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.rollbackTimeout = timeout
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator подменяет генератор внутренних идентификаторов записей.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithTracer задаёт tracer для шагов выпуска.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// Service выпускает счета: резерв номера → рендер → сохранение → доставка.
// При сбое до фиксации номер возвращается в последовательность, если это ещё возможно.
type Service struct {
	sequence domain.SequenceStore
	records  domain.InvoiceRecordStore
	renderer domain.Renderer
	notifier domain.Notifier
	archive  domain.Archive
	outbox   domain.OutboxRepository
	metrics  *metrics.IssuanceMetrics
	tracer   trace.Tracer
	logger   *log.Entry

	renderTimeout   time.Duration
	rollbackTimeout time.Duration
	now             func() time.Time
	newID           func() string
}

// New создаёт сервис выпуска счетов.
func New(
	sequence domain.SequenceStore,
	records domain.InvoiceRecordStore,
	renderer domain.Renderer,
	logger *log.Entry,
	opts ...Option,
) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "issuer")
	}
	s := &Service{
		sequence:        sequence,
		records:         records,
		renderer:        renderer,
		logger:          logger,
		tracer:          otel.Tracer("github.com/vladislavdragonenkov/invoicing/internal/service/issuer"),
		renderTimeout:   DefaultRenderTimeout,
		rollbackTimeout: DefaultRollbackTimeout,
		now:             time.Now,
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PeekNextNumber возвращает номер, который получит следующий счёт. Только для отображения.
func (s *Service) PeekNextNumber(ctx context.Context) (domain.InvoiceNumber, error) {
	return s.sequence.PeekNext(ctx)
}

// Issue выпускает счёт.
// Ошибки: *domain.ValidationError (побочных эффектов нет) или *domain.IssuanceError.
// Сбой доставки не является ошибкой и возвращается в Outcome.Notification.
func (s *Service) Issue(ctx context.Context, payload domain.InvoicePayload) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "issuer.Issue")
	defer span.End()

	draft, err := domain.Normalize(payload)
	if err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return Outcome{}, err
	}

	started := s.now()
	if s.metrics != nil {
		s.metrics.RecordStarted()
		defer func() { s.metrics.RecordFinished(s.now().Sub(started)) }()
	}

	number, err := s.reserve(ctx)
	if err != nil {
		return Outcome{}, s.fail(span, &domain.IssuanceError{Kind: domain.ErrorKindReservation, Err: err})
	}
	span.SetAttributes(attribute.Int64("invoice.number", int64(number)))
	logger := s.logger.WithField("invoice_number", number)

	artifact, err := s.render(ctx, domain.Invoice{Number: number, InvoiceDraft: draft})
	if err != nil {
		kind := domain.ErrorKindRender
		if errors.Is(err, domain.ErrRenderTimeout) {
			kind = domain.ErrorKindRenderTimeout
		}
		released := s.rollback(ctx, number, logger)
		return Outcome{}, s.fail(span, &domain.IssuanceError{Kind: kind, Number: number, Released: released, Err: err})
	}

	record := domain.NewRecord(s.newID(), number, draft, s.now().UTC())
	if s.archive != nil {
		record.PDFPath = s.archive.Locate(artifact.FileName)
	}

	if err := s.persist(ctx, record); err != nil {
		if errors.Is(err, domain.ErrDuplicateInvoiceNumber) {
			// Под этим номером уже есть запись: откат отдал бы номер повторно.
			logger.WithError(err).Error("sequence store handed out a number that is already stored")
			return Outcome{}, s.fail(span, &domain.IssuanceError{
				Kind:   domain.ErrorKindDuplicateInvoiceNumber,
				Number: number,
				Err:    err,
			})
		}
		released := s.rollback(ctx, number, logger)
		return Outcome{}, s.fail(span, &domain.IssuanceError{Kind: domain.ErrorKindPersistence, Number: number, Released: released, Err: err})
	}

	logger.WithField("total_amount", record.TotalAmount.StringFixed(2)).Info("invoice committed")
	artifact.Location = s.store(ctx, artifact, logger)
	s.emit(ctx, record.InvoiceNumber, domain.EventInvoiceIssued, map[string]any{
		"id":            record.ID,
		"buyer_name":    record.BuyerName,
		"total_amount":  record.TotalAmount.StringFixed(2),
		"invoice_date":  record.InvoiceDate.Format(domain.DateLayout),
		"due_date":      record.DueDate.Format(domain.DateLayout),
		"is_paid":       record.IsPaid,
		"pdf_path":      record.PDFPath,
		"items_count":   len(record.Items),
		"email_request": payload.SendEmail,
	})

	outcome := Outcome{State: StateCommitted, Record: record, Artifact: artifact}
	if payload.SendEmail {
		outcome.State = StateCommittedNotified
		if nerr := s.notify(ctx, artifact, record, record.ClientEmail); nerr != nil {
			outcome.State = StateCommittedNotifyFailed
			outcome.Notification = nerr
			span.AddEvent("notification failed", trace.WithAttributes(attribute.String("error", nerr.Error())))
		}
	}

	if s.metrics != nil {
		s.metrics.RecordOutcome(outcomeLabel(outcome.State))
	}
	return outcome, nil
}

// GetInvoice возвращает счёт по номеру.
func (s *Service) GetInvoice(ctx context.Context, n domain.InvoiceNumber) (domain.InvoiceRecord, error) {
	if !n.Valid() {
		return domain.InvoiceRecord{}, domain.ErrInvoiceNotFound
	}
	return s.records.FindByNumber(ctx, n)
}

// ListInvoices возвращает все счета по убыванию номера.
func (s *Service) ListInvoices(ctx context.Context) ([]domain.InvoiceRecord, error) {
	return s.records.ListAll(ctx)
}

// GetStats возвращает агрегаты по сохранённым счетам.
func (s *Service) GetStats(ctx context.Context) (domain.InvoiceStats, error) {
	return s.records.Stats(ctx)
}

// UpdateInvoicePaidStatus меняет отметку об оплате.
func (s *Service) UpdateInvoicePaidStatus(ctx context.Context, n domain.InvoiceNumber, isPaid bool) (domain.InvoiceRecord, error) {
	if !n.Valid() {
		return domain.InvoiceRecord{}, domain.ErrInvoiceNotFound
	}
	record, err := s.records.Update(ctx, n, domain.InvoiceUpdate{IsPaid: &isPaid})
	if err != nil {
		return domain.InvoiceRecord{}, err
	}

	s.logger.WithFields(log.Fields{
		"invoice_number": n,
		"is_paid":        isPaid,
	}).Info("invoice paid status updated")
	s.emit(ctx, n, domain.EventInvoicePaidStatusChanged, map[string]any{"is_paid": isPaid})
	return record, nil
}

// DeleteInvoice удаляет счёт. Номер в последовательность не возвращается.
func (s *Service) DeleteInvoice(ctx context.Context, n domain.InvoiceNumber) (bool, error) {
	if !n.Valid() {
		return false, nil
	}
	deleted, err := s.records.Delete(ctx, n)
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.WithField("invoice_number", n).Info("invoice deleted")
		s.emit(ctx, n, domain.EventInvoiceDeleted, nil)
	}
	return deleted, nil
}

// RenderInvoice заново строит документ сохранённого счёта. Последовательность не затрагивается.
func (s *Service) RenderInvoice(ctx context.Context, n domain.InvoiceNumber) (domain.Artifact, error) {
	record, err := s.GetInvoice(ctx, n)
	if err != nil {
		return domain.Artifact{}, err
	}
	artifact, err := s.render(ctx, domain.Invoice{Number: record.InvoiceNumber, InvoiceDraft: record.Draft()})
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("render invoice %d: %w", n, err)
	}
	return artifact, nil
}

// ResendInvoice повторно отправляет сохранённый счёт.
// Пустой recipient означает адрес клиента из записи.
func (s *Service) ResendInvoice(ctx context.Context, n domain.InvoiceNumber, recipient string) error {
	record, err := s.GetInvoice(ctx, n)
	if err != nil {
		return err
	}

	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		recipient = record.ClientEmail
	} else if !domain.IsValidEmail(recipient) {
		verr := &domain.ValidationError{}
		verr.Add("recipient", domain.ErrEmailInvalid.Error())
		return verr
	}

	artifact, err := s.render(ctx, domain.Invoice{Number: record.InvoiceNumber, InvoiceDraft: record.Draft()})
	if err != nil {
		return fmt.Errorf("render invoice %d: %w", n, err)
	}
	artifact.Location = record.PDFPath

	if nerr := s.notify(ctx, artifact, record, recipient); nerr != nil {
		return nerr
	}
	return nil
}

func (s *Service) reserve(ctx context.Context) (domain.InvoiceNumber, error) {
	ctx, span := s.tracer.Start(ctx, "issuer.reserve")
	defer span.End()
	defer s.observeStep(domain.StepReserve, s.now())

	number, err := s.sequence.ReserveNext(ctx)
	if err != nil {
		span.RecordError(err)
		s.logger.WithError(err).WithField("step", domain.StepReserve).Warn("reserve invoice number failed")
		return 0, err
	}
	if !number.Valid() {
		return 0, fmt.Errorf("sequence store returned invalid number %d", number)
	}
	return number, nil
}

// store кладёт документ зафиксированного счёта в архив.
// Сбой архива только логируется: счёт уже сохранён, документ можно построить заново.
func (s *Service) store(ctx context.Context, artifact domain.Artifact, logger *log.Entry) string {
	if s.archive == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultArchiveTimeout)
	defer cancel()

	location, err := s.archive.Put(ctx, artifact.FileName, artifact.Content, artifact.ContentType)
	if err != nil {
		logger.WithError(err).WithField("pdf_path", s.archive.Locate(artifact.FileName)).Warn("archive invoice document failed")
		return ""
	}
	return location
}

type renderResult struct {
	artifact domain.Artifact
	err      error
}

// render ограничивает рендер таймаутом, даже если Renderer не слушает ctx.
func (s *Service) render(ctx context.Context, invoice domain.Invoice) (domain.Artifact, error) {
	ctx, span := s.tracer.Start(ctx, "issuer.render")
	defer span.End()
	defer s.observeStep(domain.StepRender, s.now())

	renderCtx, cancel := context.WithTimeout(ctx, s.renderTimeout)
	defer cancel()

	done := make(chan renderResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- renderResult{err: fmt.Errorf("renderer panic: %v", r)}
			}
		}()
		artifact, err := s.renderer.Render(renderCtx, invoice)
		done <- renderResult{artifact: artifact, err: err}
	}()

	var res renderResult
	select {
	case res = <-done:
	case <-renderCtx.Done():
		res.err = renderCtx.Err()
	}

	if res.err != nil {
		if ctx.Err() == nil && errors.Is(renderCtx.Err(), context.DeadlineExceeded) {
			res.err = fmt.Errorf("%w after %s", domain.ErrRenderTimeout, s.renderTimeout)
		}
		span.RecordError(res.err)
		s.logger.WithError(res.err).WithFields(log.Fields{
			"invoice_number": invoice.Number,
			"step":           domain.StepRender,
		}).Warn("render invoice failed")
		return domain.Artifact{}, res.err
	}
	return res.artifact, nil
}

func (s *Service) persist(ctx context.Context, record domain.InvoiceRecord) error {
	ctx, span := s.tracer.Start(ctx, "issuer.persist")
	defer span.End()
	defer s.observeStep(domain.StepPersist, s.now())

	if err := s.records.Save(ctx, record); err != nil {
		span.RecordError(err)
		s.logger.WithError(err).WithFields(log.Fields{
			"invoice_number": record.InvoiceNumber,
			"step":           domain.StepPersist,
		}).Error("persist invoice failed")
		return err
	}
	return nil
}

// rollback возвращает номер в последовательность. Отмена запроса на откат не влияет.
func (s *Service) rollback(ctx context.Context, n domain.InvoiceNumber, logger *log.Entry) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.rollbackTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "issuer.release")
	defer span.End()
	defer s.observeStep(domain.StepRelease, s.now())

	released, err := s.sequence.Release(ctx, n)
	switch {
	case err != nil:
		span.RecordError(err)
		logger.WithError(err).WithField("step", domain.StepRelease).Error("release invoice number failed, number is burned")
		s.recordRollback(metrics.RollbackError)
	case released:
		logger.WithField("step", domain.StepRelease).Info("invoice number released")
		s.recordRollback(metrics.RollbackReleased)
	default:
		logger.WithField("step", domain.StepRelease).Warn("invoice number not released, sequence moved on")
		s.recordRollback(metrics.RollbackSkipped)
	}
	return err == nil && released
}

func (s *Service) notify(ctx context.Context, artifact domain.Artifact, record domain.InvoiceRecord, recipient string) *domain.NotificationError {
	ctx, span := s.tracer.Start(ctx, "issuer.notify")
	defer span.End()
	defer s.observeStep(domain.StepNotify, s.now())

	var err error
	switch {
	case s.notifier == nil:
		err = domain.ErrNotifierNotConfigured
	case strings.TrimSpace(recipient) == "":
		err = domain.ErrRecipientRequired
	default:
		err = s.notifier.Deliver(ctx, artifact, recipient, domain.NotificationMeta{
			InvoiceNumber: record.InvoiceNumber,
			BuyerName:     record.BuyerName,
			TotalAmount:   record.TotalAmount,
			DueDate:       record.DueDate,
		})
	}
	if err == nil {
		s.logger.WithField("invoice_number", record.InvoiceNumber).Info("invoice delivered")
		return nil
	}

	span.RecordError(err)
	s.logger.WithError(err).WithFields(log.Fields{
		"invoice_number": record.InvoiceNumber,
		"step":           domain.StepNotify,
		"error_kind":     domain.ErrorKindNotification,
	}).Warn("deliver invoice failed")
	s.emit(ctx, record.InvoiceNumber, domain.EventInvoiceNotificationFailed, map[string]any{
		"recipient": recipient,
		"reason":    err.Error(),
	})
	return &domain.NotificationError{Number: record.InvoiceNumber, Recipient: recipient, Err: err}
}

// emit пишет событие в outbox. Ошибка записи не отменяет уже выполненную операцию.
func (s *Service) emit(ctx context.Context, n domain.InvoiceNumber, eventType string, payload map[string]any) {
	if s.outbox == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["invoice_number"] = int64(n)
	payload["ts"] = s.now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"invoice_number": n,
			"event":          eventType,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: domain.AggregateInvoice,
		AggregateID:   strconv.FormatInt(int64(n), 10),
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := s.outbox.Enqueue(context.WithoutCancel(ctx), msg); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"invoice_number": n,
			"event":          eventType,
		}).Error("enqueue event failed")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordOutboxEvent()
	}
}

func (s *Service) fail(span trace.Span, err *domain.IssuanceError) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(err.Kind))
	s.logger.WithError(err.Err).WithFields(log.Fields{
		"invoice_number": err.Number,
		"error_kind":     err.Kind,
		"released":       err.Released,
	}).Warn("invoice issuance failed")
	if s.metrics != nil {
		s.metrics.RecordFailure(string(err.Kind))
	}
	return err
}

func (s *Service) observeStep(step domain.IssuanceStep, started time.Time) {
	if s.metrics != nil {
		s.metrics.RecordStepDuration(string(step), s.now().Sub(started))
	}
}

func (s *Service) recordRollback(result string) {
	if s.metrics != nil {
		s.metrics.RecordRollback(result)
	}
}

func outcomeLabel(state State) string {
	switch state {
	case StateCommittedNotified:
		return metrics.OutcomeCommittedNotified
	case StateCommittedNotifyFailed:
		return metrics.OutcomeCommittedNotifyFailed
	default:
		return metrics.OutcomeCommitted
	}
}
