package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation — общий маркер ошибок валидации входных данных.
	ErrValidation = errors.New("validation failed")
	// Ошибка отсутствующей даты счёта или срока оплаты.
	ErrDateRequired = errors.New("date is required")
	// Ошибка даты в неподдерживаемом формате (ожидается YYYY-MM-DD).
	ErrDateInvalid = errors.New("date must be in YYYY-MM-DD format")
	// Ошибка срока оплаты раньше даты счёта.
	ErrDueBeforeInvoiceDate = errors.New("due date must not be before invoice date")
	// Ошибка некорректного e-mail клиента.
	ErrEmailInvalid = errors.New("client email is invalid")
	// Ошибка отсутствия хотя бы одной позиции в счёте.
	ErrItemsRequired = errors.New("invoice must contain at least one item")
	// Ошибка нечислового значения в числовом поле позиции.
	ErrNumberInvalid = errors.New("value must be a number")
	// Ошибка числа с лишними цифрами в целой или дробной части.
	ErrNumberOutOfRange = errors.New("value has too many digits")
	// Ошибка суммы, не помещающейся в хранилище (14 цифр, 2 после запятой).
	ErrAmountTooLarge = errors.New("amount must be below 1000000000000")
	// Ошибка при некорректном количестве (<= 0).
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item unit price must be non-negative")
	// Ошибка скидки вне диапазона 0..100.
	ErrItemDiscountInvalid = errors.New("item discount must be between 0 and 100")
	// Ошибка несоответствия суммы позиции пересчитанному значению.
	ErrItemTotalMismatch = errors.New("item total does not match price, quantity and discount")
	// Ошибка несоответствия суммы счёта и сумм позиций.
	ErrAmountMismatch = errors.New("invoice amount does not match items sum")
	// Ошибка неположительного номера счёта.
	ErrInvoiceNumberInvalid = errors.New("invoice number must be positive")
	// ErrEmptyUpdate — в запросе на изменение нет ни одного поля.
	ErrEmptyUpdate = errors.New("update contains no changes")

	// ErrInvoiceNotFound возвращается, если счёт с номером не найден.
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrDuplicateInvoiceNumber — запись с таким номером уже существует.
	ErrDuplicateInvoiceNumber = errors.New("duplicate invoice number")
	// ErrStorageCorrupted — данные хранилища не читаются; автоматически не пересоздаются.
	ErrStorageCorrupted = errors.New("storage data is corrupted")
	// ErrSequenceExhausted — счётчик номеров достиг предела типа.
	ErrSequenceExhausted = errors.New("invoice sequence exhausted")
	// ErrRecipientRequired — не задан адрес для отправки счёта.
	ErrRecipientRequired = errors.New("recipient email is required")
	// ErrNotifierNotConfigured — отправка запрошена, но доставка писем не настроена.
	ErrNotifierNotConfigured = errors.New("notifier is not configured")
	// ErrRenderTimeout — рендер не уложился в отведённое время.
	ErrRenderTimeout = errors.New("render timed out")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// ErrIdempotencyKeyRequired — пустой idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой хеш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ уже зарегистрирован с тем же запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ повторно использован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound — ключ не найден.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// FieldError — замечание к одному полю запроса.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError собирает все замечания к payload, чтобы вернуть их клиенту разом.
type ValidationError struct {
	Fields []FieldError
}

// Add добавляет замечание к полю.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// HasErrors сообщает, есть ли хотя бы одно замечание.
func (e *ValidationError) HasErrors() bool {
	return e != nil && len(e.Fields) > 0
}

// HasField сообщает, есть ли замечание к указанному полю.
func (e *ValidationError) HasField(field string) bool {
	if e == nil {
		return false
	}
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

func (e *ValidationError) Error() string {
	if !e.HasErrors() {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

// Is позволяет сравнивать с ErrValidation через errors.Is.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ErrorKind классифицирует сбой выпуска счёта.
type ErrorKind string

const (
	ErrorKindReservation            ErrorKind = "reservation"
	ErrorKindRender                 ErrorKind = "render"
	ErrorKindRenderTimeout          ErrorKind = "render_timeout"
	ErrorKindPersistence            ErrorKind = "persistence"
	ErrorKindDuplicateInvoiceNumber ErrorKind = "duplicate_invoice_number"
	// ErrorKindNotification никогда не возвращается как ошибка: счёт уже зафиксирован.
	ErrorKindNotification ErrorKind = "notification"
)

// IssuanceError описывает сбой выпуска после резервирования номера (или при резервировании).
type IssuanceError struct {
	Kind ErrorKind
	// Number — зарезервированный номер; 0, если резервирование не удалось.
	Number InvoiceNumber
	// Released — удалось ли вернуть номер в последовательность.
	Released bool
	Err      error
}

func (e *IssuanceError) Error() string {
	if e.Number.Valid() {
		return fmt.Sprintf("issue invoice %d: %s: %v", e.Number, e.Kind, e.Err)
	}
	return fmt.Sprintf("issue invoice: %s: %v", e.Kind, e.Err)
}

func (e *IssuanceError) Unwrap() error {
	return e.Err
}

// NotificationError — счёт зафиксирован, но доставка не удалась.
type NotificationError struct {
	Number    InvoiceNumber
	Recipient string
	Err       error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("deliver invoice %d to %q: %v", e.Number, e.Recipient, e.Err)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// StorageError — ошибка записи или чтения хранилища.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound проверяет, что счёт не найден.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInvoiceNotFound)
}

// KindOf возвращает вид сбоя выпуска или пустую строку.
func KindOf(err error) ErrorKind {
	var issuance *IssuanceError
	if errors.As(err, &issuance) {
		return issuance.Kind
	}
	return ""
}
