package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SequenceStore выдаёт номера счетов. ReserveNext — единственная точка сериализации выдачи номеров.
type SequenceStore interface {
	// ReserveNext атомарно увеличивает счётчик и возвращает новый номер.
	// При ошибке сохранения состояние счётчика не меняется.
	ReserveNext(ctx context.Context) (InvoiceNumber, error)
	// PeekNext возвращает номер, который выдал бы ReserveNext. Только для отображения.
	PeekNext(ctx context.Context) (InvoiceNumber, error)
	// Release откатывает счётчик, только если n — последний выданный номер.
	// Возвращает true, если откат выполнен; иначе ничего не меняет.
	Release(ctx context.Context, n InvoiceNumber) (bool, error)
	// AdvanceTo поднимает счётчик минимум до last. Никогда не уменьшает его.
	AdvanceTo(ctx context.Context, last InvoiceNumber) error
}

// InvoiceRecordStore хранит выпущенные счета.
type InvoiceRecordStore interface {
	// Save сохраняет новую запись. ErrDuplicateInvoiceNumber, если номер уже занят.
	Save(ctx context.Context, record InvoiceRecord) error
	// FindByNumber возвращает счёт или ErrInvoiceNotFound.
	FindByNumber(ctx context.Context, n InvoiceNumber) (InvoiceRecord, error)
	// ListAll возвращает все счета по убыванию номера.
	ListAll(ctx context.Context) ([]InvoiceRecord, error)
	// Update применяет изменение и возвращает обновлённую запись.
	Update(ctx context.Context, n InvoiceNumber, update InvoiceUpdate) (InvoiceRecord, error)
	// Delete удаляет счёт. Счётчик номеров не трогает.
	Delete(ctx context.Context, n InvoiceNumber) (bool, error)
	// Stats считает агрегаты на момент вызова.
	Stats(ctx context.Context) (InvoiceStats, error)
}

// Artifact — результат рендера счёта (обычно PDF).
type Artifact struct {
	Content     []byte
	FileName    string
	ContentType string
	// Location заполняется, если артефакт был заархивирован.
	Location string
}

// Renderer строит документ счёта.
type Renderer interface {
	Render(ctx context.Context, invoice Invoice) (Artifact, error)
}

// Archive хранит документы выпущенных счетов.
// Locate возвращает адрес, под которым Put сохранит документ с этим именем.
type Archive interface {
	Locate(name string) string
	Put(ctx context.Context, name string, content []byte, contentType string) (string, error)
}

// NotificationMeta — данные для темы и текста письма.
type NotificationMeta struct {
	InvoiceNumber InvoiceNumber
	BuyerName     string
	TotalAmount   decimal.Decimal
	DueDate       time.Time
}

// Notifier доставляет артефакт получателю.
type Notifier interface {
	Deliver(ctx context.Context, artifact Artifact, recipient string, meta NotificationMeta) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит ключи запросов выпуска и их итоги.
//
// Claim занимает ключ в статусе processing. Занятый непросроченный ключ возвращается
// вместе с ErrIdempotencyKeyAlreadyExists либо ErrIdempotencyHashMismatch, если тело запроса другое.
type IdempotencyRepository interface {
	Claim(ctx context.Context, key, requestHash string, expiresAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	Complete(ctx context.Context, key string, outcome IdempotencyOutcome) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// IssuanceStep задаёт константы шагов выпуска для метрик/логов.
type IssuanceStep string

const (
	StepValidate IssuanceStep = "validate"
	StepReserve  IssuanceStep = "reserve"
	StepRender   IssuanceStep = "render"
	StepPersist  IssuanceStep = "persist"
	StepNotify   IssuanceStep = "notify"
	StepRelease  IssuanceStep = "release"
)

// Типы событий, которые выпускает сервис.
const (
	AggregateInvoice = "invoice"

	EventInvoiceIssued             = "InvoiceIssued"
	EventInvoicePaidStatusChanged  = "InvoicePaidStatusChanged"
	EventInvoiceDeleted            = "InvoiceDeleted"
	EventInvoiceNotificationFailed = "InvoiceNotificationFailed"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
