package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
	"github.com/vladislavdragonenkov/invoicing/internal/service/idempotency"
)

// Коды ошибок в теле ответа.
const (
	CodeInternal           = "INTERNAL_ERROR"
	CodeValidation         = "VALIDATION_ERROR"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeIdempotency        = "IDEMPOTENCY_CONFLICT"
	CodeRenderTimeout      = "RENDER_TIMEOUT"
	CodeNotificationFailed = "NOTIFICATION_FAILED"
	CodeNotifierDisabled   = "NOTIFIER_NOT_CONFIGURED"
	CodeTimeout            = "TIMEOUT_ERROR"
)

// AppError — ошибка, которую ErrorHandler превращает в JSON-ответ.
type AppError struct {
	Code       string
	Message    string
	Details    map[string]any
	HTTPStatus int
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail добавляет поле в details.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newAppError(status int, code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: cause}
}

// NewValidation создаёт ошибку 400.
func NewValidation(message string) *AppError {
	return newAppError(http.StatusBadRequest, CodeValidation, message, nil)
}

// NewNotFound создаёт ошибку 404 для счёта.
func NewNotFound(number any) *AppError {
	return newAppError(http.StatusNotFound, CodeNotFound, "Invoice not found", nil).
		WithDetail("invoiceNumber", number)
}

// NewUnauthorized создаёт ошибку 401.
func NewUnauthorized(message string) *AppError {
	return newAppError(http.StatusUnauthorized, CodeUnauthorized, message, nil)
}

// NewInternal скрывает причину от клиента; причина пишется в лог.
func NewInternal(err error) *AppError {
	return newAppError(http.StatusInternalServerError, CodeInternal, "Internal server error", err)
}

// ToAppError классифицирует ошибку сервиса.
func ToAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return NewValidation("Request validation failed").WithDetail("fields", verr.Fields)
	}

	switch {
	case domain.IsNotFound(err):
		return newAppError(http.StatusNotFound, CodeNotFound, "Invoice not found", nil)
	case errors.Is(err, domain.ErrRecipientRequired):
		return newAppError(http.StatusBadRequest, CodeValidation, "Recipient email is required", nil)
	case errors.Is(err, domain.ErrNotifierNotConfigured):
		return newAppError(http.StatusServiceUnavailable, CodeNotifierDisabled, "Email delivery is not configured", err)
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return newAppError(http.StatusConflict, CodeIdempotency, "Idempotency-Key was already used with a different request", nil)
	case errors.Is(err, idempotency.ErrRequestInProgress):
		return newAppError(http.StatusConflict, CodeIdempotency, "A request with this Idempotency-Key is still processing", nil)
	case errors.Is(err, domain.ErrRenderTimeout):
		return newAppError(http.StatusGatewayTimeout, CodeRenderTimeout, "Invoice rendering timed out", err)
	case errors.Is(err, context.DeadlineExceeded):
		return newAppError(http.StatusGatewayTimeout, CodeTimeout, "Request timed out", err)
	}

	var nerr *domain.NotificationError
	if errors.As(err, &nerr) {
		return newAppError(http.StatusBadGateway, CodeNotificationFailed, "Invoice could not be delivered", err).
			WithDetail("invoiceNumber", nerr.Number)
	}

	return NewInternal(err)
}
