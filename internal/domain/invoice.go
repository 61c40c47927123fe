package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout — формат календарных дат счёта (invoiceDate, dueDate).
const DateLayout = "2006-01-02"

// InvoiceNumber — бизнес-номер счёта. Выдаётся строго по возрастанию и никогда не переиспользуется.
type InvoiceNumber int64

// Valid проверяет, что номер положительный.
func (n InvoiceNumber) Valid() bool {
	return n > 0
}

// LineItem представляет одну позицию счёта.
type LineItem struct {
	Description     string          `json:"description"`
	UnitPrice       decimal.Decimal `json:"unitPrice"`
	Quantity        decimal.Decimal `json:"quantity"`
	DiscountPercent decimal.Decimal `json:"discount"`
	// Total всегда пересчитывается на сервере, значение от клиента не используется.
	Total decimal.Decimal `json:"total"`
}

// InvoiceRecord — сохранённый счёт.
type InvoiceRecord struct {
	// ID — внутренний идентификатор хранилища, не совпадает с номером счёта.
	ID            string          `json:"id"`
	InvoiceNumber InvoiceNumber   `json:"invoiceNumber"`
	BuyerName     string          `json:"buyerName"`
	ClientAddress string          `json:"clientAddress"`
	RegCode       string          `json:"regCode"`
	ClientEmail   string          `json:"clientEmail,omitempty"`
	InvoiceDate   time.Time       `json:"invoiceDate"`
	DueDate       time.Time       `json:"dueDate"`
	IsPaid        bool            `json:"isPaid"`
	Items         []LineItem      `json:"items"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	CreatedAt     time.Time       `json:"createdAt"`
	PDFPath       string          `json:"pdfPath,omitempty"`
}

// Invoice — данные, которые получает RenderCollaborator: нормализованный счёт с присвоенным номером.
type Invoice struct {
	Number InvoiceNumber
	InvoiceDraft
}

// InvoiceUpdate описывает допустимые изменения уже выпущенного счёта.
// Номер, позиции и сумма после выпуска не меняются.
type InvoiceUpdate struct {
	IsPaid *bool
}

// Empty сообщает, что обновление ничего не меняет.
func (u InvoiceUpdate) Empty() bool {
	return u.IsPaid == nil
}

// InvoiceStats — агрегаты по всем сохранённым счетам на момент вызова.
type InvoiceStats struct {
	TotalCount        int             `json:"totalInvoices"`
	PaidCount         int             `json:"paidInvoices"`
	UnpaidCount       int             `json:"unpaidInvoices"`
	TotalAmount       decimal.Decimal `json:"totalAmount"`
	PaidAmount        decimal.Decimal `json:"paidAmount"`
	UnpaidAmount      decimal.Decimal `json:"unpaidAmount"`
	LastInvoiceNumber InvoiceNumber   `json:"lastInvoiceNumber"`
}

// ComputeStats считает агрегаты по переданному срезу счетов.
func ComputeStats(records []InvoiceRecord) InvoiceStats {
	stats := InvoiceStats{
		TotalAmount: decimal.Zero,
		PaidAmount:  decimal.Zero,
	}
	for _, rec := range records {
		stats.TotalCount++
		stats.TotalAmount = stats.TotalAmount.Add(rec.TotalAmount)
		if rec.IsPaid {
			stats.PaidCount++
			stats.PaidAmount = stats.PaidAmount.Add(rec.TotalAmount)
		}
		if rec.InvoiceNumber > stats.LastInvoiceNumber {
			stats.LastInvoiceNumber = rec.InvoiceNumber
		}
	}
	stats.UnpaidCount = stats.TotalCount - stats.PaidCount
	stats.UnpaidAmount = stats.TotalAmount.Sub(stats.PaidAmount)
	return stats
}

// NewRecord собирает запись из черновика и выданного номера.
func NewRecord(id string, number InvoiceNumber, draft InvoiceDraft, createdAt time.Time) InvoiceRecord {
	items := make([]LineItem, len(draft.Items))
	copy(items, draft.Items)
	return InvoiceRecord{
		ID:            id,
		InvoiceNumber: number,
		BuyerName:     draft.BuyerName,
		ClientAddress: draft.ClientAddress,
		RegCode:       draft.RegCode,
		ClientEmail:   draft.ClientEmail,
		InvoiceDate:   draft.InvoiceDate,
		DueDate:       draft.DueDate,
		IsPaid:        draft.IsPaid,
		Items:         items,
		TotalAmount:   draft.TotalAmount,
		CreatedAt:     createdAt,
	}
}

// Draft восстанавливает черновик из сохранённой записи (для повторного рендера).
func (r InvoiceRecord) Draft() InvoiceDraft {
	items := make([]LineItem, len(r.Items))
	copy(items, r.Items)
	return InvoiceDraft{
		BuyerName:     r.BuyerName,
		ClientAddress: r.ClientAddress,
		RegCode:       r.RegCode,
		ClientEmail:   r.ClientEmail,
		InvoiceDate:   r.InvoiceDate,
		DueDate:       r.DueDate,
		IsPaid:        r.IsPaid,
		Items:         items,
		TotalAmount:   r.TotalAmount,
	}
}

// Clone возвращает глубокую копию записи.
func (r InvoiceRecord) Clone() InvoiceRecord {
	dst := r
	dst.Items = append([]LineItem(nil), r.Items...)
	return dst
}

// ValidateInvariants проверяет инварианты сохранённой записи и возвращает список замечаний.
func (r *InvoiceRecord) ValidateInvariants() []error {
	var errs []error

	if !r.InvoiceNumber.Valid() {
		errs = append(errs, ErrInvoiceNumberInvalid)
	}
	if r.DueDate.Before(r.InvoiceDate) {
		errs = append(errs, ErrDueBeforeInvoiceDate)
	}
	if len(r.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}

	// Сверяем сумму счёта с суммой позиций.
	sum := decimal.Zero
	for _, item := range r.Items {
		if item.Total.Cmp(LineTotal(item.UnitPrice, item.Quantity, item.DiscountPercent)) != 0 {
			errs = append(errs, ErrItemTotalMismatch)
		}
		sum = sum.Add(item.Total)
	}
	if !sum.Equal(r.TotalAmount) {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}
