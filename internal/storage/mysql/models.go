package mysql

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

type sequenceModel struct {
	Name      string `gorm:"primaryKey;size:64"`
	LastValue int64  `gorm:"not null"`
	UpdatedAt time.Time
}

func (sequenceModel) TableName() string { return "invoice_sequence" }

type invoiceModel struct {
	ID            string            `gorm:"primaryKey;size:36"`
	InvoiceNumber int64             `gorm:"uniqueIndex;not null"`
	BuyerName     string            `gorm:"size:255;not null;default:''"`
	ClientAddress string            `gorm:"size:512;not null;default:''"`
	RegCode       string            `gorm:"size:64;not null;default:''"`
	ClientEmail   string            `gorm:"size:255;not null;default:''"`
	InvoiceDate   time.Time         `gorm:"type:date;not null"`
	DueDate       time.Time         `gorm:"type:date;not null"`
	IsPaid        bool              `gorm:"index;not null"`
	Items         []domain.LineItem `gorm:"serializer:json;type:json;not null"`
	TotalAmount   decimal.Decimal   `gorm:"type:decimal(14,2);not null"`
	PDFPath       string            `gorm:"size:1024;not null;default:''"`
	CreatedAt     time.Time         `gorm:"not null"`
}

func (invoiceModel) TableName() string { return "invoices" }

func invoiceFromDomain(rec domain.InvoiceRecord) invoiceModel {
	return invoiceModel{
		ID:            rec.ID,
		InvoiceNumber: int64(rec.InvoiceNumber),
		BuyerName:     rec.BuyerName,
		ClientAddress: rec.ClientAddress,
		RegCode:       rec.RegCode,
		ClientEmail:   rec.ClientEmail,
		InvoiceDate:   rec.InvoiceDate,
		DueDate:       rec.DueDate,
		IsPaid:        rec.IsPaid,
		Items:         rec.Items,
		TotalAmount:   rec.TotalAmount,
		PDFPath:       rec.PDFPath,
		CreatedAt:     rec.CreatedAt,
	}
}

func (m invoiceModel) toDomain() domain.InvoiceRecord {
	return domain.InvoiceRecord{
		ID:            m.ID,
		InvoiceNumber: domain.InvoiceNumber(m.InvoiceNumber),
		BuyerName:     m.BuyerName,
		ClientAddress: m.ClientAddress,
		RegCode:       m.RegCode,
		ClientEmail:   m.ClientEmail,
		InvoiceDate:   m.InvoiceDate.UTC(),
		DueDate:       m.DueDate.UTC(),
		IsPaid:        m.IsPaid,
		Items:         m.Items,
		TotalAmount:   m.TotalAmount,
		PDFPath:       m.PDFPath,
		CreatedAt:     m.CreatedAt.UTC(),
	}
}
