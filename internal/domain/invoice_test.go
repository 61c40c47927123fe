package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func sampleRecord(n InvoiceNumber, total string, paid bool) InvoiceRecord {
	amount := decimal.RequireFromString(total)
	return InvoiceRecord{
		ID:            "id",
		InvoiceNumber: n,
		InvoiceDate:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		DueDate:       time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		IsPaid:        paid,
		Items: []LineItem{{
			Description:     "Service",
			UnitPrice:       amount,
			Quantity:        decimal.NewFromInt(1),
			DiscountPercent: decimal.Zero,
			Total:           amount,
		}},
		TotalAmount: amount,
	}
}

func TestComputeStats(t *testing.T) {
	stats := ComputeStats([]InvoiceRecord{
		sampleRecord(3, "100.50", true),
		sampleRecord(7, "20", false),
		sampleRecord(5, "9.50", false),
	})

	if stats.TotalCount != 3 || stats.PaidCount != 1 || stats.UnpaidCount != 2 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if !stats.TotalAmount.Equal(decimal.RequireFromString("130")) {
		t.Fatalf("total amount = %s", stats.TotalAmount)
	}
	if !stats.PaidAmount.Equal(decimal.RequireFromString("100.5")) {
		t.Fatalf("paid amount = %s", stats.PaidAmount)
	}
	if !stats.UnpaidAmount.Equal(decimal.RequireFromString("29.5")) {
		t.Fatalf("unpaid amount = %s", stats.UnpaidAmount)
	}
	if stats.LastInvoiceNumber != 7 {
		t.Fatalf("last invoice number = %d, want 7", stats.LastInvoiceNumber)
	}
}

func TestComputeStatsEmpty(t *testing.T) {
	stats := ComputeStats(nil)
	if stats.TotalCount != 0 || !stats.TotalAmount.IsZero() || stats.LastInvoiceNumber != 0 {
		t.Fatalf("unexpected stats for empty store: %+v", stats)
	}
}

func TestValidateInvariants(t *testing.T) {
	rec := sampleRecord(1, "10", false)
	if errs := rec.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected valid record, got %v", errs)
	}

	broken := sampleRecord(0, "10", false)
	broken.TotalAmount = decimal.NewFromInt(11)
	broken.DueDate = broken.InvoiceDate.AddDate(0, 0, -1)

	errs := broken.ValidateInvariants()
	for _, want := range []error{ErrInvoiceNumberInvalid, ErrAmountMismatch, ErrDueBeforeInvoiceDate} {
		if !errors.Is(errors.Join(errs...), want) {
			t.Fatalf("expected %v among %v", want, errs)
		}
	}
}

func TestNewRecordCopiesItems(t *testing.T) {
	draft := sampleRecord(1, "10", false).Draft()
	rec := NewRecord("abc", 9, draft, time.Unix(0, 0).UTC())

	draft.Items[0].Description = "changed"
	if rec.Items[0].Description != "Service" {
		t.Fatal("record must not share items with the draft")
	}
	if rec.InvoiceNumber != 9 || rec.ID != "abc" {
		t.Fatalf("unexpected record identity: %+v", rec)
	}

	clone := rec.Clone()
	clone.Items[0].Description = "clone"
	if rec.Items[0].Description != "Service" {
		t.Fatal("clone must not share items with the source")
	}
}

func TestInvoiceUpdateEmpty(t *testing.T) {
	if !(InvoiceUpdate{}).Empty() {
		t.Fatal("zero update must be empty")
	}
	paid := true
	if (InvoiceUpdate{IsPaid: &paid}).Empty() {
		t.Fatal("update with isPaid must not be empty")
	}
}
