package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+$`)

	hundred         = decimal.NewFromInt(100)
	defaultQuantity = decimal.NewFromInt(1)

	// maxAmount — первая сумма, не помещающаяся в NUMERIC(14,2).
	maxAmount = decimal.New(1, maxIntegerDigits)
)

// Границы числовых полей формы; проверяются до любой арифметики.
const (
	maxNumericLen     = 32
	maxIntegerDigits  = 12
	maxFractionDigits = 6
)

// NumericInput — числовое поле формы. Принимает JSON-число, строку или null;
// пустое значение означает «не задано» и заменяется значением по умолчанию.
type NumericInput string

// UnmarshalJSON реализует json.Unmarshaler.
func (n *NumericInput) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = NumericInput(strings.TrimSpace(s))
		return nil
	}
	*n = NumericInput(data)
	return nil
}

// LineItemInput — позиция в том виде, в каком её прислал клиент.
type LineItemInput struct {
	Description string       `json:"description"`
	UnitPrice   NumericInput `json:"unitPrice"`
	Quantity    NumericInput `json:"quantity"`
	Discount    NumericInput `json:"discount"`
	// Total присылается формой для отображения и игнорируется.
	Total NumericInput `json:"total,omitempty"`
}

// InvoicePayload — входные данные для выпуска счёта.
type InvoicePayload struct {
	ClientEmail   string          `json:"clientEmail"`
	BuyerName     string          `json:"buyerName"`
	ClientAddress string          `json:"clientAddress"`
	RegCode       string          `json:"regCode"`
	InvoiceDate   string          `json:"invoiceDate"`
	DueDate       string          `json:"dueDate"`
	IsPaid        bool            `json:"isPaid"`
	Items         []LineItemInput `json:"items"`
	// SendEmail запрашивает отправку счёта клиенту после фиксации.
	SendEmail bool `json:"sendEmail"`
}

// InvoiceDraft — провалидированный и нормализованный счёт без номера.
type InvoiceDraft struct {
	BuyerName     string
	ClientAddress string
	RegCode       string
	ClientEmail   string
	InvoiceDate   time.Time
	DueDate       time.Time
	IsPaid        bool
	Items         []LineItem
	TotalAmount   decimal.Decimal
}

// LineTotal считает сумму позиции: quantity * unitPrice * (1 - discount/100), округление до 2 знаков.
func LineTotal(unitPrice, quantity, discountPercent decimal.Decimal) decimal.Decimal {
	factor := hundred.Sub(discountPercent).Div(hundred)
	return quantity.Mul(unitPrice).Mul(factor).Round(2)
}

// IsValidEmail проверяет адрес по шаблону формы.
func IsValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// Normalize валидирует payload и строит черновик счёта.
// Ошибка всегда имеет тип *ValidationError; побочных эффектов нет.
func Normalize(p InvoicePayload) (InvoiceDraft, error) {
	verr := &ValidationError{}

	invoiceDate, okInvoice := parseDate(verr, "invoiceDate", p.InvoiceDate)
	dueDate, okDue := parseDate(verr, "dueDate", p.DueDate)
	if okInvoice && okDue && dueDate.Before(invoiceDate) {
		verr.Add("dueDate", ErrDueBeforeInvoiceDate.Error())
	}

	email := strings.TrimSpace(p.ClientEmail)
	if email != "" && !IsValidEmail(email) {
		verr.Add("clientEmail", ErrEmailInvalid.Error())
	}

	items := make([]LineItem, 0, len(p.Items))
	total := decimal.Zero
	described := 0
	for idx, in := range p.Items {
		description := strings.TrimSpace(in.Description)
		if description == "" {
			// Пустые строки формы пропускаем.
			continue
		}
		described++
		field := fmt.Sprintf("items[%d]", idx)

		unitPrice, okPrice := parseNumeric(verr, field+".unitPrice", in.UnitPrice, decimal.Zero)
		quantity, okQty := parseNumeric(verr, field+".quantity", in.Quantity, defaultQuantity)
		discount, okDiscount := parseNumeric(verr, field+".discount", in.Discount, decimal.Zero)

		if okPrice && unitPrice.IsNegative() {
			verr.Add(field+".unitPrice", ErrItemPriceInvalid.Error())
			okPrice = false
		}
		if okQty && !quantity.IsPositive() {
			verr.Add(field+".quantity", ErrItemQtyInvalid.Error())
			okQty = false
		}
		if okDiscount && (discount.IsNegative() || discount.GreaterThan(hundred)) {
			verr.Add(field+".discount", ErrItemDiscountInvalid.Error())
			okDiscount = false
		}
		if !okPrice || !okQty || !okDiscount {
			continue
		}

		item := LineItem{
			Description:     description,
			UnitPrice:       unitPrice,
			Quantity:        quantity,
			DiscountPercent: discount,
			Total:           LineTotal(unitPrice, quantity, discount),
		}
		if item.Total.GreaterThanOrEqual(maxAmount) {
			verr.Add(field+".total", ErrAmountTooLarge.Error())
			continue
		}
		total = total.Add(item.Total)
		items = append(items, item)
	}
	if described == 0 {
		verr.Add("items", ErrItemsRequired.Error())
	}
	if total.GreaterThanOrEqual(maxAmount) {
		verr.Add("totalAmount", ErrAmountTooLarge.Error())
	}

	if verr.HasErrors() {
		return InvoiceDraft{}, verr
	}

	return InvoiceDraft{
		BuyerName:     strings.TrimSpace(p.BuyerName),
		ClientAddress: strings.TrimSpace(p.ClientAddress),
		RegCode:       strings.TrimSpace(p.RegCode),
		ClientEmail:   email,
		InvoiceDate:   invoiceDate,
		DueDate:       dueDate,
		IsPaid:        p.IsPaid,
		Items:         items,
		TotalAmount:   total,
	}, nil
}

func parseDate(verr *ValidationError, field, raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		verr.Add(field, ErrDateRequired.Error())
		return time.Time{}, false
	}
	parsed, err := time.ParseInLocation(DateLayout, raw, time.UTC)
	if err != nil {
		verr.Add(field, ErrDateInvalid.Error())
		return time.Time{}, false
	}
	return parsed, true
}

func parseNumeric(verr *ValidationError, field string, raw NumericInput, def decimal.Decimal) (decimal.Decimal, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return def, true
	}
	if len(s) > maxNumericLen {
		verr.Add(field, ErrNumberOutOfRange.Error())
		return decimal.Zero, false
	}
	value, err := decimal.NewFromString(s)
	if err != nil {
		verr.Add(field, ErrNumberInvalid.Error())
		return decimal.Zero, false
	}
	if !withinDigits(value) {
		verr.Add(field, ErrNumberOutOfRange.Error())
		return decimal.Zero, false
	}
	return value, true
}

// withinDigits смотрит только на экспоненту и коэффициент, поэтому "1e50000000"
// отклоняется без разворачивания числа. Коэффициент короче maxNumericLen цифр.
func withinDigits(v decimal.Decimal) bool {
	if v.IsZero() {
		return true
	}
	if exp := v.Exponent(); exp < -maxFractionDigits {
		if exp < -(maxFractionDigits + maxNumericLen) {
			return false
		}
		// Хвостовые нули ("1.50000000") лишними знаками не считаются.
		if !v.Equal(v.Truncate(maxFractionDigits)) {
			return false
		}
		v = v.Truncate(maxFractionDigits)
	}
	return int(v.NumDigits())+int(v.Exponent()) <= maxIntegerDigits
}
