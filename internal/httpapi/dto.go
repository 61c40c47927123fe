package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

// Статусы в теле ответа на выпуск счёта.
const (
	statusSuccess = "success"
	statusError   = "error"

	errorKindValidation = "validation"
)

type lineItemDTO struct {
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Quantity    decimal.Decimal `json:"quantity"`
	Discount    decimal.Decimal `json:"discount"`
	Total       string          `json:"total"`
}

// invoiceDTO — счёт в ответах API. Даты отдаются как YYYY-MM-DD.
type invoiceDTO struct {
	ID            string               `json:"id"`
	InvoiceNumber domain.InvoiceNumber `json:"invoiceNumber"`
	BuyerName     string               `json:"buyerName"`
	ClientAddress string               `json:"clientAddress"`
	RegCode       string               `json:"regCode"`
	ClientEmail   string               `json:"clientEmail,omitempty"`
	InvoiceDate   string               `json:"invoiceDate"`
	DueDate       string               `json:"dueDate"`
	IsPaid        bool                 `json:"isPaid"`
	Items         []lineItemDTO        `json:"items"`
	TotalAmount   string               `json:"totalAmount"`
	CreatedAt     string               `json:"createdAt"`
	PDFPath       string               `json:"pdfPath,omitempty"`
}

func toInvoiceDTO(r domain.InvoiceRecord) invoiceDTO {
	items := make([]lineItemDTO, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, lineItemDTO{
			Description: item.Description,
			UnitPrice:   item.UnitPrice,
			Quantity:    item.Quantity,
			Discount:    item.DiscountPercent,
			Total:       item.Total.StringFixed(2),
		})
	}
	return invoiceDTO{
		ID:            r.ID,
		InvoiceNumber: r.InvoiceNumber,
		BuyerName:     r.BuyerName,
		ClientAddress: r.ClientAddress,
		RegCode:       r.RegCode,
		ClientEmail:   r.ClientEmail,
		InvoiceDate:   r.InvoiceDate.Format(domain.DateLayout),
		DueDate:       r.DueDate.Format(domain.DateLayout),
		IsPaid:        r.IsPaid,
		Items:         items,
		TotalAmount:   r.TotalAmount.StringFixed(2),
		CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
		PDFPath:       r.PDFPath,
	}
}

func toInvoiceDTOs(records []domain.InvoiceRecord) []invoiceDTO {
	out := make([]invoiceDTO, 0, len(records))
	for _, r := range records {
		out = append(out, toInvoiceDTO(r))
	}
	return out
}

type statsDTO struct {
	TotalInvoices     int                  `json:"totalInvoices"`
	PaidInvoices      int                  `json:"paidInvoices"`
	UnpaidInvoices    int                  `json:"unpaidInvoices"`
	TotalAmount       string               `json:"totalAmount"`
	PaidAmount        string               `json:"paidAmount"`
	UnpaidAmount      string               `json:"unpaidAmount"`
	LastInvoiceNumber domain.InvoiceNumber `json:"lastInvoiceNumber"`
}

func toStatsDTO(s domain.InvoiceStats) statsDTO {
	return statsDTO{
		TotalInvoices:     s.TotalCount,
		PaidInvoices:      s.PaidCount,
		UnpaidInvoices:    s.UnpaidCount,
		TotalAmount:       s.TotalAmount.StringFixed(2),
		PaidAmount:        s.PaidAmount.StringFixed(2),
		UnpaidAmount:      s.UnpaidAmount.StringFixed(2),
		LastInvoiceNumber: s.LastInvoiceNumber,
	}
}

// issueResponse — тело ответа POST /api/invoices.
type issueResponse struct {
	Status            string               `json:"status"`
	InvoiceNumber     domain.InvoiceNumber `json:"invoiceNumber,omitempty"`
	ErrorKind         string               `json:"errorKind,omitempty"`
	Message           string               `json:"message"`
	Invoice           *invoiceDTO          `json:"invoice,omitempty"`
	Warning           string               `json:"warning,omitempty"`
	DownloadURL       string               `json:"downloadUrl,omitempty"`
	NextInvoiceNumber domain.InvoiceNumber `json:"nextInvoiceNumber,omitempty"`
	Fields            []domain.FieldError  `json:"fields,omitempty"`
}

type updateInvoiceRequest struct {
	IsPaid *bool `json:"isPaid" validate:"required"`
}

type sendInvoiceRequest struct {
	Recipient string `json:"recipient" validate:"omitempty,email,max=254"`
}
