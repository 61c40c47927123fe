package render

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/jung-kurt/gofpdf"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
)

const (
	contentTypePDF = "application/pdf"
	logoImageName  = "company-logo"

	leftX  = 20.0
	rightX = 120.0
)

// PDFRenderer строит PDF счёта через gofpdf.
type PDFRenderer struct {
	company  Company
	logo     *LogoLoader
	logger   *log.Entry
	compress bool
}

// NewPDFRenderer создаёт рендерер. logo может быть nil.
func NewPDFRenderer(company Company, logo *LogoLoader, logger *log.Entry) *PDFRenderer {
	if logger == nil {
		logger = log.New().WithField("component", "pdf-renderer")
	}
	return &PDFRenderer{
		company:  company,
		logo:     logo,
		logger:   logger,
		compress: true,
	}
}

// Render реализует domain.Renderer.
func (r *PDFRenderer) Render(ctx context.Context, invoice domain.Invoice) (domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.Artifact{}, err
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(r.compress)
	pdf.SetTitle(fmt.Sprintf("%s Arve %d", r.company.Name, invoice.Number), true)
	pdf.SetCreator(r.company.Name, true)
	pdf.SetCreationDate(invoice.InvoiceDate)
	pdf.SetAutoPageBreak(true, 45)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFooterFunc(func() { r.footer(pdf, tr) })
	pdf.AddPage()

	r.header(ctx, pdf, tr, invoice)
	r.parties(pdf, tr, invoice)
	r.itemsTable(pdf, tr, invoice.Items)
	r.totals(pdf, tr, invoice)

	if err := ctx.Err(); err != nil {
		return domain.Artifact{}, err
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return domain.Artifact{}, fmt.Errorf("write pdf: %w", err)
	}

	return domain.Artifact{
		Content:     buf.Bytes(),
		FileName:    r.company.FileName(int64(invoice.Number)),
		ContentType: contentTypePDF,
	}, nil
}

func (r *PDFRenderer) header(ctx context.Context, pdf *gofpdf.Fpdf, tr func(string) string, invoice domain.Invoice) {
	logo, err := r.logo.Load(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("logo unavailable, using text header")
	}
	if len(logo) > 0 {
		opts := gofpdf.ImageOptions{ImageType: "PNG", ReadDpi: false}
		pdf.RegisterImageOptionsReader(logoImageName, opts, bytes.NewReader(logo))
		if pdf.Ok() {
			pdf.ImageOptions(logoImageName, leftX, 15, 45, 0, false, opts, 0, "")
		}
	} else {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.Text(leftX, 30, tr(r.company.Name))
	}

	pdf.SetFont("Helvetica", "B", 20)
	pdf.Text(rightX, 30, tr(r.company.Name))

	if invoice.IsPaid {
		pdf.SetTextColor(0, 128, 0)
		pdf.SetFontSize(16)
		pdf.Text(rightX, 45, "MAKSTUD")
		pdf.SetTextColor(0, 0, 0)
	}
}

func (r *PDFRenderer) parties(pdf *gofpdf.Fpdf, tr func(string) string, invoice domain.Invoice) {
	const y = 75.0

	pdf.SetFont("Helvetica", "", 10)
	pdf.Text(leftX, y, tr("Klient: "+invoice.BuyerName))
	pdf.Text(leftX, y+10, tr("Aadress: "+invoice.ClientAddress))
	pdf.Text(leftX, y+20, tr("Reg kood: "+invoice.RegCode))

	pdf.Text(rightX, y, tr("Arve nr: "+strconv.FormatInt(int64(invoice.Number), 10)))
	pdf.Text(rightX, y+10, tr("Arve kuupäev: "+invoice.InvoiceDate.Format(domain.DateLayout)))
	pdf.Text(rightX, y+20, tr("Maksetähtaeg: "+invoice.DueDate.Format(domain.DateLayout)))
	if r.company.LatePenalty != "" {
		pdf.Text(rightX, y+30, tr("Viivis: "+r.company.LatePenalty))
	}
}

func (r *PDFRenderer) itemsTable(pdf *gofpdf.Fpdf, tr func(string) string, items []domain.LineItem) {
	withDiscount := false
	for _, item := range items {
		if item.DiscountPercent.IsPositive() {
			withDiscount = true
			break
		}
	}

	headers := []string{"Teenus/kaup", "Ühiku hind", "Kogus/h", "Summa"}
	widths := []float64{90, 30, 25, 25}
	if withDiscount {
		headers = []string{"Teenus/kaup", "Ühiku hind", "Kogus/h", "Allahindlus (%)", "Summa"}
		widths = []float64{70, 25, 20, 30, 25}
	}

	pdf.SetXY(leftX, 125)
	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetFillColor(200, 200, 200)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 8, tr(h), "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	for _, item := range items {
		pdf.SetX(leftX)
		row := []string{
			item.Description,
			item.UnitPrice.StringFixed(2),
			item.Quantity.String(),
		}
		if withDiscount {
			discount := ""
			if item.DiscountPercent.IsPositive() {
				discount = item.DiscountPercent.String() + "%"
			}
			row = append(row, discount)
		}
		row = append(row, item.Total.StringFixed(2))

		for i, cell := range row {
			align := "R"
			if i == 0 {
				align = "L"
			}
			pdf.CellFormat(widths[i], 7, tr(cell), "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}
}

func (r *PDFRenderer) totals(pdf *gofpdf.Fpdf, tr func(string) string, invoice domain.Invoice) {
	y := pdf.GetY() + 20

	pdf.SetFont("Helvetica", "", 10)
	if r.company.VATNote != "" {
		pdf.Text(rightX, y, tr("Käibemaks: "+r.company.VATNote))
	}
	pdf.SetFont("Helvetica", "B", 10)
	pdf.Text(rightX, y+10, tr("Arve summa kokku (EUR): "+invoice.TotalAmount.StringFixed(2)))

	pdf.SetFont("Helvetica", "", 10)
	pdf.Text(leftX, y+30, tr("Palume arve tasumisel märkida selgitusse arve number."))
}

func (r *PDFRenderer) footer(pdf *gofpdf.Fpdf, tr func(string) string) {
	_, pageHeight := pdf.GetPageSize()
	y := pageHeight - 40

	pdf.SetLineWidth(0.5)
	pdf.Line(leftX, y, 190, y)

	pdf.SetFont("Helvetica", "", 8)
	pdf.Text(leftX, y+10, tr(r.company.Name))
	if r.company.RegCode != "" {
		pdf.Text(70, y+10, tr("Reg.nr "+r.company.RegCode))
	}
	if r.company.Bank != "" {
		pdf.Text(rightX, y+10, tr(r.company.Bank))
	}
	pdf.Text(leftX, y+20, tr(r.company.Address))
	if r.company.Phone != "" {
		pdf.Text(70, y+20, tr("Tel: "+r.company.Phone))
	}
	pdf.Text(leftX, y+30, tr(r.company.City))
	if r.company.Email != "" {
		pdf.SetTextColor(0, 0, 255)
		pdf.Text(70, y+30, tr("email: "+r.company.Email))
		pdf.SetTextColor(0, 0, 0)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

var _ domain.Renderer = (*PDFRenderer)(nil)
