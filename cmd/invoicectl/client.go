package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/vladislavdragonenkov/invoicing/internal/domain"
	"github.com/vladislavdragonenkov/invoicing/internal/httpapi"
)

// apiClient — клиент HTTP API сервиса счетов.
type apiClient struct {
	http *resty.Client
}

func newAPIClient(baseURL, token string, timeout time.Duration) *apiClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &apiClient{http: client}
}

// apiError — тело ошибки API: {code, message} или ответ выпуска {status, message}.
type apiError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	ErrorKind  string `json:"errorKind"`
	Message    string `json:"message"`
}

func (e *apiError) Error() string {
	kind := e.Code
	if kind == "" {
		kind = e.ErrorKind
	}
	if kind == "" {
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, kind, e.Message)
}

type invoiceItem struct {
	Description string `json:"description"`
	UnitPrice   string `json:"unitPrice"`
	Quantity    string `json:"quantity"`
	Discount    string `json:"discount"`
	Total       string `json:"total"`
}

type invoice struct {
	InvoiceNumber domain.InvoiceNumber `json:"invoiceNumber"`
	BuyerName     string               `json:"buyerName"`
	ClientAddress string               `json:"clientAddress"`
	RegCode       string               `json:"regCode"`
	ClientEmail   string               `json:"clientEmail"`
	InvoiceDate   string               `json:"invoiceDate"`
	DueDate       string               `json:"dueDate"`
	IsPaid        bool                 `json:"isPaid"`
	Items         []invoiceItem        `json:"items"`
	TotalAmount   string               `json:"totalAmount"`
	CreatedAt     string               `json:"createdAt"`
}

type stats struct {
	TotalInvoices     int                  `json:"totalInvoices"`
	PaidInvoices      int                  `json:"paidInvoices"`
	UnpaidInvoices    int                  `json:"unpaidInvoices"`
	TotalAmount       string               `json:"totalAmount"`
	PaidAmount        string               `json:"paidAmount"`
	UnpaidAmount      string               `json:"unpaidAmount"`
	LastInvoiceNumber domain.InvoiceNumber `json:"lastInvoiceNumber"`
}

type statusMessage struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *apiClient) NextNumber(ctx context.Context) (domain.InvoiceNumber, error) {
	var out struct {
		NextInvoiceNumber domain.InvoiceNumber `json:"nextInvoiceNumber"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/invoice-number", nil, &out); err != nil {
		return 0, err
	}
	return out.NextInvoiceNumber, nil
}

func (c *apiClient) List(ctx context.Context) ([]invoice, stats, error) {
	var out struct {
		Invoices []invoice `json:"invoices"`
		Stats    stats     `json:"stats"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/invoices", nil, &out); err != nil {
		return nil, stats{}, err
	}
	return out.Invoices, out.Stats, nil
}

func (c *apiClient) Show(ctx context.Context, n domain.InvoiceNumber) (invoice, error) {
	var out struct {
		Invoice invoice `json:"invoice"`
	}
	if err := c.do(ctx, http.MethodGet, invoicePath(n), nil, &out); err != nil {
		return invoice{}, err
	}
	return out.Invoice, nil
}

func (c *apiClient) Stats(ctx context.Context) (stats, error) {
	var out stats
	err := c.do(ctx, http.MethodGet, "/api/invoices/stats", nil, &out)
	return out, err
}

func (c *apiClient) MarkPaid(ctx context.Context, n domain.InvoiceNumber, paid bool) (invoice, error) {
	var out struct {
		Invoice invoice `json:"invoice"`
	}
	if err := c.do(ctx, http.MethodPatch, invoicePath(n), map[string]bool{"isPaid": paid}, &out); err != nil {
		return invoice{}, err
	}
	return out.Invoice, nil
}

func (c *apiClient) Delete(ctx context.Context, n domain.InvoiceNumber) (string, error) {
	var out statusMessage
	err := c.do(ctx, http.MethodDelete, invoicePath(n), nil, &out)
	return out.Message, err
}

func (c *apiClient) Send(ctx context.Context, n domain.InvoiceNumber, recipient string) (string, error) {
	var body any
	if recipient != "" {
		body = map[string]string{"recipient": recipient}
	}
	var out statusMessage
	err := c.do(ctx, http.MethodPost, invoicePath(n)+"/send", body, &out)
	return out.Message, err
}

// Download возвращает бинарный ответ: PDF счёта или выгрузку xlsx.
func (c *apiClient) Download(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.http.R().SetContext(ctx).SetHeader("Accept", "*/*").Get(path)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, decodeAPIError(resp)
	}
	return resp.Body(), nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(resp *resty.Response) error {
	apiErr := &apiError{StatusCode: resp.StatusCode()}
	if err := json.Unmarshal(resp.Body(), apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode())
	}
	return apiErr
}

func invoicePath(n domain.InvoiceNumber) string {
	return "/api/invoices/" + strconv.FormatInt(int64(n), 10)
}

// isNotFound сообщает, что API ответил 404.
func isNotFound(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.Code == httpapi.CodeNotFound
}
