package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

const (
	exportSheet       = "Invoices"
	xlsxContentType   = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	exportAmountStyle = "#,##0.00"
)

var exportHeaders = []string{
	"Invoice #", "Invoice date", "Due date", "Buyer", "Reg. code", "Email", "Items", "Total", "Paid",
}

func (h *Handler) exportInvoices(c *gin.Context) {
	records, err := h.service.ListInvoices(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	fileName := fmt.Sprintf("invoices-%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Header("Content-Type", xlsxContentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	c.Status(http.StatusOK)
	if err := WriteInvoicesWorkbook(c.Writer, records); err != nil {
		h.logger.WithError(err).Error("write invoices workbook failed")
	}
}

// WriteInvoicesWorkbook пишет счета в xlsx: строка на счёт и итоговая строка.
func WriteInvoicesWorkbook(w io.Writer, records []domain.InvoiceRecord) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	for i, title := range exportHeaders {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(exportSheet, cell, title); err != nil {
			return fmt.Errorf("set header %s: %w", cell, err)
		}
	}

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	lastHeader, _ := excelize.CoordinatesToCellName(len(exportHeaders), 1)
	if err := f.SetCellStyle(exportSheet, "A1", lastHeader, headerStyle); err != nil {
		return fmt.Errorf("apply header style: %w", err)
	}

	amountFormat := exportAmountStyle
	amountStyle, err := f.NewStyle(&excelize.Style{CustomNumFmt: &amountFormat})
	if err != nil {
		return fmt.Errorf("create amount style: %w", err)
	}

	for i, r := range records {
		row := i + 2
		values := []any{
			int64(r.InvoiceNumber),
			r.InvoiceDate.Format(domain.DateLayout),
			r.DueDate.Format(domain.DateLayout),
			r.BuyerName,
			r.RegCode,
			r.ClientEmail,
			len(r.Items),
			r.TotalAmount.InexactFloat64(),
			yesNo(r.IsPaid),
		}
		if err := f.SetSheetRow(exportSheet, fmt.Sprintf("A%d", row), &values); err != nil {
			return fmt.Errorf("write row %d: %w", row, err)
		}
	}

	stats := domain.ComputeStats(records)
	totalRow := len(records) + 2
	if err := f.SetCellValue(exportSheet, fmt.Sprintf("G%d", totalRow), "Total"); err != nil {
		return err
	}
	if err := f.SetCellValue(exportSheet, fmt.Sprintf("H%d", totalRow), stats.TotalAmount.InexactFloat64()); err != nil {
		return err
	}
	if err := f.SetCellStyle(exportSheet, "H2", fmt.Sprintf("H%d", totalRow), amountStyle); err != nil {
		return fmt.Errorf("apply amount style: %w", err)
	}

	if err := f.SetColWidth(exportSheet, "D", "F", 28); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
