package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
	"github.com/vladislavdragonenkov/invoicing/internal/service/idempotency"
	"github.com/vladislavdragonenkov/invoicing/internal/service/issuer"
)

const (
	// HeaderIdempotencyKey — ключ повтора для POST /api/invoices.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplay выставляется, если ответ отдан из хранилища ключей.
	HeaderIdempotentReplay = "Idempotent-Replayed"

	maxRequestBodyBytes = 1 << 20
)

// InvoiceService — операции выпуска и учёта счетов, доступные через HTTP.
type InvoiceService interface {
	PeekNextNumber(ctx context.Context) (domain.InvoiceNumber, error)
	Issue(ctx context.Context, payload domain.InvoicePayload) (issuer.Outcome, error)
	GetInvoice(ctx context.Context, n domain.InvoiceNumber) (domain.InvoiceRecord, error)
	ListInvoices(ctx context.Context) ([]domain.InvoiceRecord, error)
	GetStats(ctx context.Context) (domain.InvoiceStats, error)
	UpdateInvoicePaidStatus(ctx context.Context, n domain.InvoiceNumber, isPaid bool) (domain.InvoiceRecord, error)
	DeleteInvoice(ctx context.Context, n domain.InvoiceNumber) (bool, error)
	RenderInvoice(ctx context.Context, n domain.InvoiceNumber) (domain.Artifact, error)
	ResendInvoice(ctx context.Context, n domain.InvoiceNumber, recipient string) error
}

var _ InvoiceService = (*issuer.Service)(nil)

// Handler обслуживает /api.
type Handler struct {
	service  InvoiceService
	guard    *idempotency.Guard
	validate *validator.Validate
	logger   *log.Entry
}

// NewHandler создаёт обработчики API. guard=nil отключает Idempotency-Key.
func NewHandler(service InvoiceService, guard *idempotency.Guard, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "httpapi")
	}
	return &Handler{
		service:  service,
		guard:    guard,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

func (h *Handler) nextInvoiceNumber(c *gin.Context) {
	next, err := h.service.PeekNextNumber(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nextInvoiceNumber": next})
}

func (h *Handler) issueInvoice(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodyBytes))
	if err != nil {
		h.fail(c, NewValidation("Request body is too large or unreadable").WithDetail("error", err.Error()))
		return
	}

	run := func(ctx context.Context) (idempotency.Response, error) {
		status, resp := h.issue(ctx, body)
		raw, err := json.Marshal(resp)
		if err != nil {
			return idempotency.Response{}, fmt.Errorf("marshal issue response: %w", err)
		}
		return idempotency.Response{Status: status, Body: raw, InvoiceNumber: resp.InvoiceNumber}, nil
	}

	key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	var resp idempotency.Response
	switch {
	case key == "" || h.guard == nil:
		resp, err = run(c.Request.Context())
	default:
		if verr := idempotency.ValidateKey(key); verr != nil {
			h.fail(c, NewValidation("Invalid Idempotency-Key header").WithDetail("error", verr.Error()))
			return
		}
		resp, err = h.guard.Do(c.Request.Context(), key, idempotency.HashRequest(c.Request.Method, body), run)
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	if resp.Replayed {
		c.Header(HeaderIdempotentReplay, "true")
	}
	c.Data(resp.Status, "application/json; charset=utf-8", resp.Body)
}

// issue выполняет выпуск и формирует ответ. Ошибки выпуска кодируются в теле.
func (h *Handler) issue(ctx context.Context, body []byte) (int, issueResponse) {
	var payload domain.InvoicePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return http.StatusBadRequest, issueResponse{
			Status:    statusError,
			ErrorKind: errorKindValidation,
			Message:   "Request body must be a JSON invoice payload",
		}
	}

	outcome, err := h.service.Issue(ctx, payload)
	if err != nil {
		return issueFailure(err)
	}

	record := outcome.Record
	dto := toInvoiceDTO(record)
	resp := issueResponse{
		Status:        statusSuccess,
		InvoiceNumber: record.InvoiceNumber,
		Message:       issuedMessage(outcome),
		Invoice:       &dto,
		Warning:       outcome.Warning(),
		DownloadURL:   fmt.Sprintf("/api/invoices/%d/pdf", record.InvoiceNumber),
	}
	if next, err := h.service.PeekNextNumber(ctx); err == nil {
		resp.NextInvoiceNumber = next
	}
	return http.StatusCreated, resp
}

func issuedMessage(outcome issuer.Outcome) string {
	n := outcome.Record.InvoiceNumber
	switch outcome.State {
	case issuer.StateCommittedNotified:
		return fmt.Sprintf("Invoice #%d created and sent to %s", n, outcome.Record.ClientEmail)
	case issuer.StateCommittedNotifyFailed:
		return fmt.Sprintf("Invoice #%d created, but the email was not sent", n)
	default:
		return fmt.Sprintf("Invoice #%d created successfully", n)
	}
}

func issueFailure(err error) (int, issueResponse) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, issueResponse{
			Status:    statusError,
			ErrorKind: errorKindValidation,
			Message:   "Invoice data is invalid",
			Fields:    verr.Fields,
		}
	}

	var ierr *domain.IssuanceError
	if !errors.As(err, &ierr) {
		return http.StatusInternalServerError, issueResponse{
			Status:  statusError,
			Message: "Invoice could not be created",
		}
	}

	status := http.StatusInternalServerError
	message := "Invoice could not be created"
	switch ierr.Kind {
	case domain.ErrorKindReservation:
		message = "Could not reserve an invoice number"
	case domain.ErrorKindRender:
		message = "Invoice document could not be generated"
	case domain.ErrorKindRenderTimeout:
		status = http.StatusGatewayTimeout
		message = "Invoice document generation timed out"
	case domain.ErrorKindPersistence:
		message = "Invoice could not be saved"
	case domain.ErrorKindDuplicateInvoiceNumber:
		message = fmt.Sprintf("Invoice number %d is already in use", ierr.Number)
	}
	return status, issueResponse{
		Status:    statusError,
		ErrorKind: string(ierr.Kind),
		Message:   message,
	}
}

func (h *Handler) listInvoices(c *gin.Context) {
	ctx := c.Request.Context()
	records, err := h.service.ListInvoices(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	stats, err := h.service.GetStats(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"invoices": toInvoiceDTOs(records),
		"stats":    toStatsDTO(stats),
	})
}

func (h *Handler) invoiceStats(c *gin.Context) {
	stats, err := h.service.GetStats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toStatsDTO(stats))
}

func (h *Handler) getInvoice(c *gin.Context) {
	n, ok := h.invoiceNumber(c)
	if !ok {
		return
	}
	record, err := h.service.GetInvoice(c.Request.Context(), n)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": toInvoiceDTO(record)})
}

func (h *Handler) invoicePDF(c *gin.Context) {
	n, ok := h.invoiceNumber(c)
	if !ok {
		return
	}
	artifact, err := h.service.RenderInvoice(c.Request.Context(), n)
	if err != nil {
		h.fail(c, err)
		return
	}

	contentType := artifact.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}
	fileName := artifact.FileName
	if fileName == "" {
		fileName = fmt.Sprintf("invoice-%d.pdf", n)
	}
	disposition := "inline"
	if c.Query("download") != "" {
		disposition = "attachment"
	}
	c.Header("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, fileName))
	c.Data(http.StatusOK, contentType, artifact.Content)
}

func (h *Handler) sendInvoice(c *gin.Context) {
	n, ok := h.invoiceNumber(c)
	if !ok {
		return
	}

	var req sendInvoiceRequest
	if c.Request.ContentLength != 0 {
		if !h.bindJSON(c, &req) {
			return
		}
	}

	if err := h.service.ResendInvoice(c.Request.Context(), n, req.Recipient); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  statusSuccess,
		"message": fmt.Sprintf("Invoice #%d sent", n),
	})
}

func (h *Handler) updateInvoice(c *gin.Context) {
	n, ok := h.invoiceNumber(c)
	if !ok {
		return
	}

	var req updateInvoiceRequest
	if !h.bindJSON(c, &req) {
		return
	}

	record, err := h.service.UpdateInvoicePaidStatus(c.Request.Context(), n, *req.IsPaid)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": toInvoiceDTO(record)})
}

func (h *Handler) deleteInvoice(c *gin.Context) {
	n, ok := h.invoiceNumber(c)
	if !ok {
		return
	}

	deleted, err := h.service.DeleteInvoice(c.Request.Context(), n)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !deleted {
		h.fail(c, NewNotFound(n))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  statusSuccess,
		"message": fmt.Sprintf("Invoice #%d deleted successfully", n),
	})
}

// invoiceNumber разбирает :number. Нечисловой или неположительный номер — 404.
func (h *Handler) invoiceNumber(c *gin.Context) (domain.InvoiceNumber, bool) {
	raw := c.Param("number")
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || !domain.InvoiceNumber(v).Valid() {
		h.fail(c, NewNotFound(raw))
		return 0, false
	}
	return domain.InvoiceNumber(v), true
}

func (h *Handler) bindJSON(c *gin.Context, obj any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodyBytes))
	if err := dec.Decode(obj); err != nil {
		h.fail(c, NewValidation("Invalid request body").WithDetail("error", err.Error()))
		return false
	}
	if err := h.validate.Struct(obj); err != nil {
		h.fail(c, validationFailure(err))
		return false
	}
	return true
}

func validationFailure(err error) *AppError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewValidation("Invalid request body").WithDetail("error", err.Error())
	}
	fields := make([]domain.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, domain.FieldError{
			Field:   jsonFieldName(fe.Field()),
			Message: "failed on " + fe.Tag(),
		})
	}
	return NewValidation("Request validation failed").WithDetail("fields", fields)
}

func jsonFieldName(name string) string {
	if name == "" {
		return name
	}
	return strings.ToLower(name[:1]) + name[1:]
}
